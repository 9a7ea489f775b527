// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package reassembly

import (
	"sync"
	"time"

	"github.com/mbeema/httpinspect/pkg/nhttp"
)

// MaxBufferSize is the maximum bytes buffered per direction.
const MaxBufferSize = 256 * 1024 // 256KB

// chunkPhase tracks where a dechunker is inside a chunked body.
type chunkPhase int

const (
	chunkSize chunkPhase = iota
	chunkData
	chunkDataEnd
	chunkLast
)

// half is one direction of a stream.
type half struct {
	buf     []byte
	last    time.Time
	dropped uint64

	phase     chunkPhase
	chunkLeft int64
	// pending collects dechunked body bytes until a section's worth is ready.
	pending []byte
}

// Stream buffers both directions of a single HTTP flow. The lock also
// guards the flow's session state, which both directions write.
type Stream struct {
	mu sync.Mutex

	FlowID uint64
	Flow   *nhttp.FlowData

	halves [2]half
}

// NewStream creates a new stream for a flow.
func NewStream(flowID uint64, flow *nhttp.FlowData) *Stream {
	s := &Stream{
		FlowID: flowID,
		Flow:   flow,
	}
	for i := range s.halves {
		s.halves[i].buf = make([]byte, 0, 4096)
	}
	return s
}

// append adds data to a direction's buffer and returns how many bytes
// were dropped because the buffer was full. Must be called under s.mu.
func (s *Stream) append(src nhttp.SourceID, data []byte) int {
	h := &s.halves[src]
	h.last = time.Now()

	remaining := MaxBufferSize - len(h.buf)
	if remaining <= 0 {
		h.dropped += uint64(len(data))
		return len(data)
	}
	drop := 0
	if len(data) > remaining {
		drop = len(data) - remaining
		data = data[:remaining]
		h.dropped += uint64(drop)
	}
	h.buf = append(h.buf, data...)
	return drop
}

// bytes returns the unconsumed bytes of a direction. Must be called under s.mu.
func (s *Stream) bytes(src nhttp.SourceID) []byte {
	return s.halves[src].buf
}

// consume removes n bytes from the front of a direction's buffer. Must be
// called under s.mu.
func (s *Stream) consume(src nhttp.SourceID, n int) {
	h := &s.halves[src]
	if n >= len(h.buf) {
		h.buf = h.buf[:0]
	} else {
		h.buf = h.buf[n:]
	}
}

// HasData returns true if either buffer has data.
func (s *Stream) HasData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.halves[0].buf) > 0 || len(s.halves[1].buf) > 0 ||
		len(s.halves[0].pending) > 0 || len(s.halves[1].pending) > 0
}

// Dropped returns the bytes discarded for a direction on buffer overflow.
func (s *Stream) Dropped(src nhttp.SourceID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halves[src].dropped
}

// Reset clears both buffers and any partial chunk state.
func (s *Stream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.halves {
		h := &s.halves[i]
		h.buf = h.buf[:0]
		h.pending = nil
		h.phase = chunkSize
		h.chunkLeft = 0
	}
}

// LastActivity returns the most recent time either direction saw data.
func (s *Stream) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halves[1].last.After(s.halves[0].last) {
		return s.halves[1].last
	}
	return s.halves[0].last
}
