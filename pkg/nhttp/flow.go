// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package nhttp

import (
	"fmt"
	"io"
)

// FlowData is the per-flow, per-direction session state. The flow layer
// owns it; sections borrow it for their lifetime and write through it so
// that parser results are visible engine-wide. Arrays are indexed by
// SourceID.
type FlowData struct {
	Compression          [2]Compression
	DetectDepthRemaining [2]int64
	FileDepthRemaining   [2]int64
	SectionSizeTarget    [2]int64
	SectionSizeMax       [2]int64
	Infractions          [2]Bits128
	Events               [2]Bits128
	VersionID            [2]VersionID
	TCPClose             [2]bool

	// Client only.
	MethodID MethodID
	// Server only.
	StatusCodeNum int

	// Message framing, written by section analysis and read by the splitter.
	TypeExpected [2]SectionKind
	// DataLength is the declared body length; -1 means until close.
	DataLength [2]int64
	Chunked    [2]bool
	BodyOctets [2]int64

	zip [2]inflater

	txns     map[TxnID]*Transaction
	lastID   TxnID
	current  [2]TxnID
	pipeline []TxnID
}

// NewFlowData returns session state for a flow just recognized as HTTP.
func NewFlowData() *FlowData {
	f := &FlowData{
		MethodID:      MethodNotPresent,
		StatusCodeNum: StatusNotPresent,
		txns:          make(map[TxnID]*Transaction),
	}
	f.TypeExpected[SourceClient] = SectionRequest
	f.TypeExpected[SourceServer] = SectionStatus
	for _, s := range []SourceID{SourceClient, SourceServer} {
		f.VersionID[s] = VersionNotPresent
	}
	return f
}

// Method returns the negotiated request method. Asking for it on the
// server direction is a caller defect.
func (f *FlowData) Method(source SourceID) (MethodID, error) {
	if source != SourceClient {
		return MethodNotPresent, invariant("method", "requested for %s direction", source)
	}
	return f.MethodID, nil
}

// StatusCode returns the last parsed status code. Asking for it on the
// client direction is a caller defect.
func (f *FlowData) StatusCode(source SourceID) (int, error) {
	if source != SourceServer {
		return StatusNotPresent, invariant("status", "requested for %s direction", source)
	}
	return f.StatusCodeNum, nil
}

// Transaction resolves an arena id; nil when the transaction was retired.
func (f *FlowData) Transaction(id TxnID) *Transaction {
	return f.txns[id]
}

// OpenTransactions returns the number of live transactions in the arena.
func (f *FlowData) OpenTransactions() int { return len(f.txns) }

// Pipeline returns the ids of requests still waiting for a response,
// oldest first.
func (f *FlowData) Pipeline() []TxnID {
	out := make([]TxnID, len(f.pipeline))
	copy(out, f.pipeline)
	return out
}

// Clear closes every section held by the flow's transactions. The flow
// layer calls it on teardown.
func (f *FlowData) Clear() {
	for id, t := range f.txns {
		t.close()
		delete(f.txns, id)
	}
	f.current = [2]TxnID{}
	f.pipeline = nil
	f.zip[SourceClient].reset()
	f.zip[SourceServer].reset()
}

// startMessage resets per-message budgets once a header block has been
// parsed.
func (f *FlowData) startMessage(source SourceID, params *ParaList) {
	f.DetectDepthRemaining[source] = params.detectDepth(source)
	f.FileDepthRemaining[source] = params.fileDepth()
	f.BodyOctets[source] = 0
	f.zip[source].reset()
}

// endMessage prepares the direction for the next start line.
func (f *FlowData) endMessage(source SourceID) {
	if source == SourceClient {
		f.TypeExpected[source] = SectionRequest
	} else {
		f.TypeExpected[source] = SectionStatus
	}
	f.Compression[source] = CompressNone
	f.DataLength[source] = 0
	f.Chunked[source] = false
	f.zip[source].reset()
}

// Show writes a one-line-per-direction summary of the session state.
func (f *FlowData) Show(w io.Writer) {
	for _, s := range []SourceID{SourceClient, SourceServer} {
		fmt.Fprintf(w, "%s: expect %s, compression %s, detect depth %d, file depth %d, "+
			"section size %d/%d, data length %d, chunked %t, body octets %d\n",
			s, f.TypeExpected[s], f.Compression[s], f.DetectDepthRemaining[s],
			f.FileDepthRemaining[s], f.SectionSizeTarget[s], f.SectionSizeMax[s],
			f.DataLength[s], f.Chunked[s], f.BodyOctets[s])
	}
	fmt.Fprintf(w, "method %d, status %d, transactions %d, pipeline %d\n",
		f.MethodID, f.StatusCodeNum, len(f.txns), len(f.pipeline))
}
