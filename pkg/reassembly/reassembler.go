// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package reassembly

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/httpinspect/pkg/nhttp"
)

// Reassembler turns per-direction byte streams into HTTP message sections.
// It reads the flow's framing state to decide what the next section is and
// how large it may be, then builds, analyzes, and sizes each section before
// handing it to the OnSection callback.
//
// Sections are always built over owned buffers, so they stay valid while
// their transaction lives regardless of what happens to the stream buffer.
type Reassembler struct {
	mu        sync.RWMutex
	streams   map[uint64]*Stream
	logger    *zap.Logger
	params    atomic.Pointer[nhttp.ParaList]
	onSection func(*nhttp.Section)
}

// NewReassembler creates a new section reassembler.
func NewReassembler(logger *zap.Logger, params *nhttp.ParaList) *Reassembler {
	r := &Reassembler{
		streams: make(map[uint64]*Stream),
		logger:  logger,
	}
	r.params.Store(params)
	return r
}

// OnSection registers a callback for every analyzed section. The section
// is owned by its transaction; the callback must not keep it past the flow.
func (r *Reassembler) OnSection(fn func(*nhttp.Section)) {
	r.onSection = fn
}

// SetParams swaps the inspection parameters used for new sections.
// Sections already built keep the set they were built with.
func (r *Reassembler) SetParams(p *nhttp.ParaList) {
	r.params.Store(p)
}

func (r *Reassembler) getOrCreate(flowID uint64, flow *nhttp.FlowData) *Stream {
	r.mu.RLock()
	s, ok := r.streams[flowID]
	r.mu.RUnlock()

	if ok {
		return s
	}

	r.mu.Lock()
	if s, ok = r.streams[flowID]; ok {
		r.mu.Unlock()
		return s
	}
	s = NewStream(flowID, flow)
	r.streams[flowID] = s
	r.mu.Unlock()

	return s
}

// Append adds reassembled payload for one direction of a flow and emits
// every section that is now complete. An error is an invariant violation;
// the caller should drop the flow.
func (r *Reassembler) Append(flowID uint64, flow *nhttp.FlowData, src nhttp.SourceID, data []byte) error {
	s := r.getOrCreate(flowID, flow)

	s.mu.Lock()
	defer s.mu.Unlock()

	if drop := s.append(src, data); drop > 0 {
		r.logger.Debug("stream buffer full, dropping bytes",
			zap.Uint64("flow", flowID),
			zap.Stringer("source", src),
			zap.Int("dropped", drop),
		)
	}
	return r.split(s, src, false)
}

// Close marks one direction as closed by TCP and flushes what is buffered
// as final sections.
func (r *Reassembler) Close(flowID uint64, src nhttp.SourceID) error {
	r.mu.RLock()
	s, ok := r.streams[flowID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.Flow.TCPClose[src] = true
	return r.split(s, src, true)
}

// RemoveStream flushes both directions of a flow and forgets it. The flow
// session state itself belongs to the flow table.
func (r *Reassembler) RemoveStream(flowID uint64) error {
	r.mu.Lock()
	s, ok := r.streams[flowID]
	delete(r.streams, flowID)
	r.mu.Unlock()

	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, src := range []nhttp.SourceID{nhttp.SourceClient, nhttp.SourceServer} {
		if err := r.split(s, src, true); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Forget drops a stream without flushing it.
func (r *Reassembler) Forget(flowID uint64) {
	r.mu.Lock()
	delete(r.streams, flowID)
	r.mu.Unlock()
}

// StreamCount returns the number of active streams.
func (r *Reassembler) StreamCount() int {
	r.mu.RLock()
	n := len(r.streams)
	r.mu.RUnlock()
	return n
}

// CleanStale removes streams that have been idle for longer than maxIdle.
func (r *Reassembler) CleanStale(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	removed := 0

	r.mu.Lock()
	for key, s := range r.streams {
		if s.LastActivity().Before(cutoff) {
			delete(r.streams, key)
			removed++
		}
	}
	r.mu.Unlock()

	return removed
}

/* ─── Section splitting ─────────────────────────────────────────── */

// split emits sections from one direction until it runs out of complete
// input. When closing, partial input is flushed as the final section of
// whatever kind was expected. Must be called under s.mu.
func (r *Reassembler) split(s *Stream, src nhttp.SourceID, closing bool) error {
	p := r.params.Load()
	for {
		var more bool
		var err error
		switch s.Flow.TypeExpected[src] {
		case nhttp.SectionRequest, nhttp.SectionStatus:
			more, err = r.splitStartLine(s, src, closing, p)
		case nhttp.SectionHeader, nhttp.SectionTrailer:
			more, err = r.splitHeaderBlock(s, src, closing, p)
		case nhttp.SectionBody:
			if s.Flow.Chunked[src] {
				more, err = r.splitChunked(s, src, closing, p)
			} else {
				more, err = r.splitBody(s, src, closing, p)
			}
		}
		if err != nil || !more {
			return err
		}
	}
}

func (r *Reassembler) splitStartLine(s *Stream, src nhttp.SourceID, closing bool, p *nhttp.ParaList) (bool, error) {
	if skip := skipEmptyLines(s.bytes(src)); skip > 0 {
		s.consume(src, skip)
	}
	buf := s.bytes(src)
	if len(buf) == 0 {
		return false, nil
	}

	text, n := frameStartLine(buf)
	if n < 0 {
		if !closing && len(buf) < maxStartLine {
			return false, nil
		}
		text, n = buf, len(buf)
	}
	kind := s.Flow.TypeExpected[src]
	if err := r.emit(s, src, kind, copyOwned(text), p); err != nil {
		return false, err
	}
	s.consume(src, n)
	return true, nil
}

func (r *Reassembler) splitHeaderBlock(s *Stream, src nhttp.SourceID, closing bool, p *nhttp.ParaList) (bool, error) {
	buf := s.bytes(src)
	if len(buf) == 0 {
		return false, nil
	}

	end, n := frameHeaderBlock(buf)
	if n < 0 {
		if !closing && len(buf) < MaxBufferSize {
			return false, nil
		}
		end, n = len(buf), len(buf)
	}
	kind := s.Flow.TypeExpected[src]
	if err := r.emit(s, src, kind, copyOwned(buf[:end]), p); err != nil {
		return false, err
	}
	s.consume(src, n)
	return true, nil
}

// splitBody cuts a Content-Length or read-until-close body into sections
// of the flow's target size. The final piece of a known-length body may
// run up to the maximum size so a short tail is not split off.
func (r *Reassembler) splitBody(s *Stream, src nhttp.SourceID, closing bool, p *nhttp.ParaList) (bool, error) {
	f := s.Flow
	untilClose := f.DataLength[src] < 0
	remaining := f.DataLength[src] - f.BodyOctets[src]
	if !untilClose && remaining <= 0 {
		f.FinishBody(src, false)
		return true, nil
	}

	buf := s.bytes(src)
	if len(buf) == 0 {
		if closing {
			f.FinishBody(src, false)
		}
		return false, nil
	}

	target, max := f.SectionSizeTarget[src], f.SectionSizeMax[src]
	if target <= 0 {
		// Nothing left to inspect: account for the bytes and move on.
		n := int64(len(buf))
		if !untilClose && n > remaining {
			n = remaining
		}
		s.consume(src, int(n))
		f.BodyOctets[src] += n
		if !untilClose && f.BodyOctets[src] >= f.DataLength[src] {
			f.FinishBody(src, false)
		}
		return true, nil
	}

	want := target
	if !untilClose && remaining <= max {
		want = remaining
	}
	if int64(len(buf)) < want {
		if !closing {
			return false, nil
		}
		want = int64(len(buf))
	}
	if err := r.emit(s, src, nhttp.SectionBody, copyOwned(buf[:want]), p); err != nil {
		return false, err
	}
	s.consume(src, int(want))
	return true, nil
}

// splitChunked removes chunked transfer coding and emits the chunk data as
// body sections of the flow's target size.
func (r *Reassembler) splitChunked(s *Stream, src nhttp.SourceID, closing bool, p *nhttp.ParaList) (bool, error) {
	f := s.Flow
	h := &s.halves[src]
	buf := s.bytes(src)

	switch h.phase {
	case chunkSize:
		text, n := frameStartLine(buf)
		if n < 0 {
			if len(buf) > maxChunkLine || (closing && len(buf) > 0) {
				return true, r.abortChunked(s, src, p)
			}
			return r.flushChunked(s, src, closing, p)
		}
		size, ok := parseChunkSize(text)
		if !ok {
			return true, r.abortChunked(s, src, p)
		}
		s.consume(src, n)
		if size == 0 {
			h.phase = chunkLast
			if err := r.emitPending(s, src, p); err != nil {
				return false, err
			}
			return true, nil
		}
		h.chunkLeft = size
		h.phase = chunkData
		return true, nil

	case chunkData:
		if len(buf) == 0 {
			return r.flushChunked(s, src, closing, p)
		}
		n := int64(len(buf))
		if n > h.chunkLeft {
			n = h.chunkLeft
		}
		target := f.SectionSizeTarget[src]
		if target > 0 {
			if room := target - int64(len(h.pending)); n > room {
				n = room
			}
			if h.pending == nil {
				h.pending = nhttp.AcquireBuffer(int(target))
			}
			h.pending = append(h.pending, buf[:n]...)
		}
		s.consume(src, int(n))
		h.chunkLeft -= n
		if h.chunkLeft == 0 {
			h.phase = chunkDataEnd
		}
		if target > 0 && int64(len(h.pending)) >= target {
			if err := r.emitPending(s, src, p); err != nil {
				return false, err
			}
		}
		return true, nil

	case chunkDataEnd:
		switch {
		case len(buf) == 0 || (len(buf) == 1 && buf[0] == '\r'):
			return r.flushChunked(s, src, closing, p)
		case buf[0] == '\r' && buf[1] == '\n':
			s.consume(src, 2)
		case buf[0] == '\n':
			f.Infractions[src].Set(nhttp.InfBareLF)
			s.consume(src, 1)
		default:
			f.Infractions[src].Set(nhttp.InfChunkMissingCRLF)
		}
		h.phase = chunkSize
		return true, nil

	default: // chunkLast
		switch {
		case len(buf) == 0 || (len(buf) == 1 && buf[0] == '\r'):
			if closing {
				h.phase = chunkSize
				f.FinishBody(src, false)
				return true, nil
			}
			return false, nil
		case buf[0] == '\n' || (buf[0] == '\r' && buf[1] == '\n'):
			s.consume(src, skipOneLineEnd(buf))
			h.phase = chunkSize
			f.FinishBody(src, false)
		default:
			h.phase = chunkSize
			f.FinishBody(src, true)
		}
		return true, nil
	}
}

// flushChunked waits for more input, or on close emits what was dechunked
// so far and ends the message.
func (r *Reassembler) flushChunked(s *Stream, src nhttp.SourceID, closing bool, p *nhttp.ParaList) (bool, error) {
	if !closing {
		return false, nil
	}
	if err := r.emitPending(s, src, p); err != nil {
		return false, err
	}
	s.halves[src].phase = chunkSize
	s.Flow.FinishBody(src, false)
	return false, nil
}

// abortChunked gives up on chunk framing: the rest of the direction is
// treated as a body that runs until close.
func (r *Reassembler) abortChunked(s *Stream, src nhttp.SourceID, p *nhttp.ParaList) error {
	f := s.Flow
	f.Infractions[src].Set(nhttp.InfBadChunkSize)
	f.Events[src].Set(nhttp.EvtBadChunkSize)
	r.logger.Debug("bad chunk size, reading body until close",
		zap.Uint64("flow", s.FlowID),
		zap.Stringer("source", src),
	)
	if err := r.emitPending(s, src, p); err != nil {
		return err
	}
	s.halves[src].phase = chunkSize
	f.Chunked[src] = false
	f.DataLength[src] = -1
	return nil
}

func (r *Reassembler) emitPending(s *Stream, src nhttp.SourceID, p *nhttp.ParaList) error {
	h := &s.halves[src]
	if len(h.pending) == 0 {
		return nil
	}
	buf := h.pending
	h.pending = nil
	return r.emit(s, src, nhttp.SectionBody, buf, p)
}

// emit builds a section over an owned buffer, runs analysis and depth
// sizing, and hands it to the callback.
func (r *Reassembler) emit(s *Stream, src nhttp.SourceID, kind nhttp.SectionKind, buf []byte, p *nhttp.ParaList) error {
	sec, err := nhttp.NewSection(buf, s.Flow, src, kind, true, s.FlowID, p)
	if err != nil {
		return err
	}
	if err := sec.Analyze(); err != nil {
		return err
	}
	if err := sec.UpdateDepth(); err != nil {
		return err
	}
	if r.onSection != nil {
		r.onSection(sec)
	}
	return nil
}

func copyOwned(b []byte) []byte {
	buf := nhttp.AcquireBuffer(len(b))
	return append(buf, b...)
}

func skipOneLineEnd(buf []byte) int {
	if buf[0] == '\r' {
		return 2
	}
	return 1
}
