// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package nhttp

import "sync"

// pooledScratchCap is the largest scratch pad recycled through the pool.
const pooledScratchCap = 2*DefaultFinalBlockSize + 4*DefaultScratchOverhead

var scratchPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, pooledScratchCap)
		return &b
	},
}

// ScratchPad is a per-section bump arena for normalization output. It is
// sized up front so normalizers never reallocate; Overflows counts requests
// that still did not fit and fell back to the heap.
type ScratchPad struct {
	buf       []byte
	used      int
	pooled    *[]byte
	Overflows int
}

func scratchSize(rawLen, overhead int) int {
	return 2*rawLen + overhead
}

// minPooledScratch is the smallest pad taken from the pool; smaller pads
// are allocated at their exact size.
const minPooledScratch = pooledScratchCap / 2

func newScratchPad(size int) *ScratchPad {
	if size >= minPooledScratch && size <= pooledScratchCap {
		p := scratchPool.Get().(*[]byte)
		return &ScratchPad{buf: (*p)[:size], pooled: p}
	}
	return &ScratchPad{buf: make([]byte, size)}
}

// Cap returns the total arena size.
func (s *ScratchPad) Cap() int { return len(s.buf) }

// Used returns the committed byte count.
func (s *ScratchPad) Used() int { return s.used }

// Request returns an empty slice with capacity n on the free tail. Callers
// append into it and then Commit what they used.
func (s *ScratchPad) Request(n int) []byte {
	if s.used+n > len(s.buf) {
		s.Overflows++
		return make([]byte, 0, n)
	}
	return s.buf[s.used:s.used:s.used+n]
}

// Commit marks b, obtained from Request, as in use and returns it.
func (s *ScratchPad) Commit(b []byte) []byte {
	if len(b) > 0 && s.used < len(s.buf) && &b[0] == &s.buf[s.used] {
		s.used += len(b)
	}
	return b
}

func (s *ScratchPad) release() {
	if s.pooled != nil {
		*s.pooled = (*s.pooled)[:0]
		scratchPool.Put(s.pooled)
		s.pooled = nil
	}
	s.buf = nil
	s.used = 0
}
