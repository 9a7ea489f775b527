// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package nhttp

// MaxPipelineDepth bounds the requests a flow keeps queued for responses.
const MaxPipelineDepth = 100

// TxnID indexes a transaction in its flow's arena. Zero is never assigned.
type TxnID uint64

// Transaction correlates the sections of one request/response exchange.
// It keeps at most one section per kind and direction; a replacement
// closes its predecessor.
type Transaction struct {
	ID TxnID

	request *Section
	status  *Section
	header  [2]*Section
	trailer [2]*Section
	body    [2]*Section
}

// Request returns the parsed request line, nil until one attaches.
func (t *Transaction) Request() *RequestLine {
	if t.request == nil {
		return nil
	}
	return t.request.request
}

// Status returns the parsed status line, nil until one attaches.
func (t *Transaction) Status() *StatusLine {
	if t.status == nil {
		return nil
	}
	return t.status.status
}

// Header returns the header block for a direction.
func (t *Transaction) Header(source SourceID) *HeaderBlock {
	if !source.valid() || t.header[source] == nil {
		return nil
	}
	return t.header[source].header
}

// Trailer returns the trailer block for a direction.
func (t *Transaction) Trailer(source SourceID) *HeaderBlock {
	if !source.valid() || t.trailer[source] == nil {
		return nil
	}
	return t.trailer[source].header
}

// Body returns the most recent body chunk for a direction.
func (t *Transaction) Body(source SourceID) *BodyChunk {
	if !source.valid() || t.body[source] == nil {
		return nil
	}
	return t.body[source].body
}

func (t *Transaction) slot(s *Section) **Section {
	switch s.kind {
	case SectionRequest:
		return &t.request
	case SectionStatus:
		return &t.status
	case SectionHeader:
		return &t.header[s.source]
	case SectionTrailer:
		return &t.trailer[s.source]
	case SectionBody:
		return &t.body[s.source]
	}
	return nil
}

// set records s as the current section of its kind.
func (t *Transaction) set(s *Section) {
	p := t.slot(s)
	if p == nil {
		return
	}
	if *p != nil && *p != s {
		(*p).Close()
	}
	*p = s
}

func (t *Transaction) close() {
	for _, s := range []*Section{t.request, t.status,
		t.header[0], t.header[1], t.trailer[0], t.trailer[1], t.body[0], t.body[1]} {
		if s != nil {
			s.Close()
		}
	}
	*t = Transaction{ID: t.ID}
}

func (f *FlowData) openTransaction() *Transaction {
	f.lastID++
	t := &Transaction{ID: f.lastID}
	f.txns[t.ID] = t
	return t
}

// attachTransaction finds or creates the transaction a new section of the
// given kind belongs to. A client request line always opens a new
// transaction and queues it for its response; a server status line takes
// the oldest queued transaction. Everything else continues its direction's
// current transaction. Past MaxPipelineDepth queued requests a new request
// is flagged and not queued, so it retires with the next request.
func (f *FlowData) attachTransaction(source SourceID, kind SectionKind) *Transaction {
	switch {
	case source == SourceClient && kind == SectionRequest:
		prev := f.current[SourceClient]
		t := f.openTransaction()
		f.current[SourceClient] = t.ID
		if len(f.pipeline) < MaxPipelineDepth {
			f.pipeline = append(f.pipeline, t.ID)
		} else {
			f.Infractions[SourceClient].Set(InfPipelineOverflow)
			f.Events[SourceClient].Set(EvtPipelineOverflow)
		}
		f.retire(prev)
		return t

	case source == SourceServer && kind == SectionStatus:
		prev := f.current[SourceServer]
		var t *Transaction
		if len(f.pipeline) > 0 {
			t = f.txns[f.pipeline[0]]
			f.pipeline = f.pipeline[1:]
		}
		if t == nil {
			t = f.openTransaction()
			f.Infractions[SourceServer].Set(InfResponseWithoutRequest)
			f.Events[SourceServer].Set(EvtResponseWithoutRequest)
		}
		f.current[SourceServer] = t.ID
		if prev != t.ID {
			f.retire(prev)
		}
		return t
	}

	if t := f.txns[f.current[source]]; t != nil {
		return t
	}
	t := f.openTransaction()
	f.current[source] = t.ID
	return t
}

// requeue puts a transaction back at the head of the pipeline. Interim
// (1xx) responses use it so the final response lands on the same exchange.
func (f *FlowData) requeue(id TxnID) {
	f.pipeline = append([]TxnID{id}, f.pipeline...)
}

// retire drops a transaction no direction still needs.
func (f *FlowData) retire(id TxnID) {
	if id == 0 || id == f.current[SourceClient] || id == f.current[SourceServer] {
		return
	}
	for _, p := range f.pipeline {
		if p == id {
			return
		}
	}
	if t := f.txns[id]; t != nil {
		t.close()
		delete(f.txns, id)
	}
}
