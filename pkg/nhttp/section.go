// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package nhttp analyses HTTP/1 message sections: start lines, header and
// trailer blocks, and body chunks, with the per-flow state that ties them
// into transactions.
package nhttp

import (
	"fmt"
	"io"
	"sync"
)

// pooledBufferCap is the largest raw buffer recycled through the pool.
const pooledBufferCap = DefaultFinalBlockSize

var bufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, pooledBufferCap)
		return &b
	},
}

// AcquireBuffer returns a zero-length buffer with at least n bytes of
// capacity. Pass it to NewSection with owner set and the section returns
// it to the pool on Close.
func AcquireBuffer(n int) []byte {
	if n > pooledBufferCap {
		return make([]byte, 0, n)
	}
	p := bufferPool.Get().(*[]byte)
	return (*p)[:0]
}

func releaseBuffer(b []byte) {
	if cap(b) != pooledBufferCap {
		return
	}
	b = b[:0]
	bufferPool.Put(&b)
}

// Section is one bounded chunk of one direction's stream. The common
// fields are shared by every kind; exactly one of the kind payloads is
// set once Analyze has run.
type Section struct {
	msgText Field
	flow    *FlowData
	source  SourceID
	kind    SectionKind
	flowID  uint64
	params  *ParaList
	txnID   TxnID
	scratch *ScratchPad
	owner   bool
	closed  bool

	// Captured at construction, like the version, so a section reports
	// the values in force when it was delivered.
	methodID      MethodID
	statusCodeNum int

	request *RequestLine
	status  *StatusLine
	header  *HeaderBlock
	body    *BodyChunk
}

// NewSection builds a section over buf and attaches it to its transaction.
// When owner is true the section releases buf on Close; otherwise buf is
// borrowed from a larger region the caller keeps alive.
func NewSection(buf []byte, flow *FlowData, source SourceID, kind SectionKind,
	owner bool, flowID uint64, params *ParaList) (*Section, error) {
	if flow == nil || params == nil {
		return nil, invariant("new section", "nil flow or params")
	}
	if !source.valid() {
		return nil, invariant("new section", "bad source id %d", source)
	}
	if kind < SectionRequest || kind > SectionTrailer {
		return nil, invariant("new section", "bad section kind %d", kind)
	}
	if (kind == SectionRequest && source != SourceClient) ||
		(kind == SectionStatus && source != SourceServer) {
		return nil, invariant("new section", "%s section from %s", kind, source)
	}

	s := &Section{
		msgText:       NewField(buf),
		flow:          flow,
		source:        source,
		kind:          kind,
		flowID:        flowID,
		params:        params,
		scratch:       newScratchPad(scratchSize(len(buf), params.ScratchOverhead)),
		owner:         owner,
		methodID:      MethodNotPresent,
		statusCodeNum: StatusNotPresent,
	}
	if source == SourceClient {
		s.methodID = flow.MethodID
	} else {
		s.statusCodeNum = flow.StatusCodeNum
	}
	t := flow.attachTransaction(source, kind)
	s.txnID = t.ID
	t.set(s)
	return s, nil
}

func (s *Section) Source() SourceID { return s.source }
func (s *Section) Kind() SectionKind { return s.kind }
func (s *Section) FlowID() uint64 { return s.flowID }
func (s *Section) TxnID() TxnID { return s.txnID }
func (s *Section) MsgText() Field { return s.msgText }
func (s *Section) Scratch() *ScratchPad { return s.scratch }

// Transaction returns the exchange this section belongs to; nil once the
// flow has retired it.
func (s *Section) Transaction() *Transaction {
	return s.flow.Transaction(s.txnID)
}

// Infractions is the live anomaly set of this section's direction.
func (s *Section) Infractions() *Bits128 { return &s.flow.Infractions[s.source] }

// Events is the live event set of this section's direction.
func (s *Section) Events() *Bits128 { return &s.flow.Events[s.source] }

// TCPClose reports whether this direction's stream has closed.
func (s *Section) TCPClose() bool { return s.flow.TCPClose[s.source] }

// VersionID is the live version of this section's direction.
func (s *Section) VersionID() VersionID { return s.flow.VersionID[s.source] }

// MethodID is the request method in force when the section was built;
// MethodNotPresent on the server side.
func (s *Section) MethodID() MethodID { return s.methodID }

// StatusCode is the status code in force when the section was built;
// StatusNotPresent on the client side.
func (s *Section) StatusCode() int { return s.statusCodeNum }

// Analyze runs the grammar parser for the section kind and updates the
// flow's framing state.
func (s *Section) Analyze() error {
	if s.closed {
		return invariant("analyze", "section closed")
	}
	switch s.kind {
	case SectionRequest:
		s.request = parseRequestLine(s)
		s.request.updateFlow(s)
	case SectionStatus:
		s.status = parseStatusLine(s)
		s.status.updateFlow(s)
	case SectionHeader:
		s.header = parseHeaderBlock(s)
		s.header.updateFlow(s)
	case SectionTrailer:
		s.header = parseHeaderBlock(s)
		s.flow.endMessage(s.source)
	case SectionBody:
		s.body = analyzeBody(s)
		s.body.updateFlow(s)
	default:
		return invariant("analyze", "bad section kind %d", s.kind)
	}
	return nil
}

// UpdateDepth recomputes the next segmentation sizes for this direction.
// The larger of the two depth budgets governs, since the next read has to
// satisfy whichever consumer still wants bytes.
func (s *Section) UpdateDepth() error {
	f, src := s.flow, s.source
	depth := f.FileDepthRemaining[src]
	if f.DetectDepthRemaining[src] > depth {
		depth = f.DetectDepthRemaining[src]
	}
	if depth < 0 {
		depth = 0
	}

	switch f.Compression[src] {
	case CompressNone:
		f.SectionSizeTarget[src] = min64(depth, s.params.DataBlockSize)
		f.SectionSizeMax[src] = min64(depth, s.params.FinalBlockSize)
	case CompressGzip, CompressDeflate:
		if depth > 0 {
			f.SectionSizeTarget[src] = s.params.GzipBlockSize
			f.SectionSizeMax[src] = s.params.FinalGzipBlockSize
		} else {
			f.SectionSizeTarget[src] = 0
			f.SectionSizeMax[src] = 0
		}
	default:
		return invariant("update depth", "unknown compression %d", f.Compression[src])
	}
	return nil
}

// ClassicBuffer returns a named detection buffer. Data that is not parsed
// yet, does not apply to this direction, or does not exist in this
// exchange comes back as FieldAbsent with a nil error. Only an unknown
// buffer or URI component id is an error.
func (s *Section) ClassicBuffer(id BufferID, subID uint) (Field, error) {
	t := s.Transaction()
	if t == nil {
		if _, ok := bufferNames[id]; !ok {
			return FieldAbsent, invariant("classic buffer", "unknown buffer id %d", id)
		}
		if id == BufferURI || id == BufferRawURI {
			return uriBuffer(nil, id == BufferRawURI, URIComponent(subID))
		}
		return FieldAbsent, nil
	}

	switch id {
	case BufferClientBody:
		if s.source != SourceClient {
			return FieldAbsent, nil
		}
		if body := t.Body(SourceClient); body != nil {
			return body.DetectBuf(), nil
		}
		return FieldAbsent, nil

	case BufferCookie, BufferRawCookie:
		// Normalizing cookies currently means aggregating repeated
		// occurrences, which is also the raw form.
		header := t.Header(s.source)
		if header == nil {
			return FieldAbsent, nil
		}
		cookie := HeaderCookie
		if s.source == SourceServer {
			cookie = HeaderSetCookie
		}
		return header.ValueNorm(cookie), nil

	case BufferHeader, BufferTrailer:
		header := t.Header(s.source)
		if id == BufferTrailer {
			header = t.Trailer(s.source)
		}
		if header == nil {
			return FieldAbsent, nil
		}
		if subID == 0 {
			return header.Headers(), nil
		}
		return header.ValueNorm(HeaderID(subID)), nil

	case BufferMethod:
		if s.source != SourceClient {
			return FieldAbsent, nil
		}
		if req := t.Request(); req != nil {
			return req.Method(), nil
		}
		return FieldAbsent, nil

	case BufferRawHeader:
		if header := t.Header(s.source); header != nil {
			return header.Headers(), nil
		}
		return FieldAbsent, nil

	case BufferStatCode, BufferStatMsg:
		if s.source != SourceServer {
			return FieldAbsent, nil
		}
		status := t.Status()
		if status == nil {
			return FieldAbsent, nil
		}
		if id == BufferStatCode {
			return status.StatusCode(), nil
		}
		return status.ReasonPhrase(), nil

	case BufferRawURI, BufferURI:
		return uriBuffer(t.Request(), id == BufferRawURI, URIComponent(subID))

	case BufferVersion:
		if s.source == SourceClient {
			if req := t.Request(); req != nil {
				return req.Version(), nil
			}
			return FieldAbsent, nil
		}
		if status := t.Status(); status != nil {
			return status.Version(), nil
		}
		return FieldAbsent, nil

	case BufferRawTrailer:
		if trailer := t.Trailer(s.source); trailer != nil {
			return trailer.Headers(), nil
		}
		return FieldAbsent, nil
	}
	return FieldAbsent, invariant("classic buffer", "unknown buffer id %d", id)
}

func uriBuffer(req *RequestLine, raw bool, comp URIComponent) (Field, error) {
	if comp > URIFragment {
		return FieldAbsent, invariant("classic buffer", "unknown uri component %d", comp)
	}
	if req == nil {
		return FieldAbsent, nil
	}
	if comp == 0 {
		if raw {
			return req.URI(), nil
		}
		return req.URINormLegacy(), nil
	}
	uri := req.URIObject()
	if uri == nil {
		return FieldAbsent, nil
	}
	switch comp {
	case URIScheme:
		return uri.Scheme(), nil
	case URIHost:
		if raw {
			return uri.Host(), nil
		}
		return uri.NormHost(), nil
	case URIPort:
		return uri.Port(), nil
	case URIPath:
		if raw {
			return uri.Path(), nil
		}
		return uri.NormPath(), nil
	case URIQuery:
		if raw {
			return uri.Query(), nil
		}
		return uri.NormQuery(), nil
	default:
		if raw {
			return uri.Fragment(), nil
		}
		return uri.NormFragment(), nil
	}
}

// Close releases the scratch pad and, for owned sections, the raw buffer.
// It is safe to call more than once.
func (s *Section) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.owner {
		releaseBuffer(s.msgText.data)
	}
	s.msgText = FieldAbsent
	s.scratch.release()
	s.request, s.status, s.header, s.body = nil, nil, nil, nil
}

// Closed reports whether Close has run.
func (s *Section) Closed() bool { return s.closed }

// Dump writes a human-readable account of the section for parity checks.
func (s *Section) Dump(w io.Writer) {
	fmt.Fprintf(w, "HTTP message %s:\n", s.kind)
	fmt.Fprintf(w, "Input, length = %d\n", s.msgText.Len())
	if !s.msgText.IsAbsent() {
		fmt.Fprintf(w, "%q\n", s.msgText.data)
	}
	inf, ev := s.Infractions(), s.Events()
	fmt.Fprintf(w, "Infractions: %016x %016x, Events: %016x %016x, TCP Close: %s\n\n",
		inf.Raw2(), inf.Raw(), ev.Raw2(), ev.Raw(), trueFalse(s.TCPClose()))
	s.flow.Show(w)
	fmt.Fprintln(w)
}

func trueFalse(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
