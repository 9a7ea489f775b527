// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Sampler thins out clean records. The decision is derived from the
// record id, so it is stable for a given record.
type Sampler struct {
	rate      float64
	threshold uint64
}

// NewSampler creates a sampler with the given rate (0.0-1.0).
// Rate of 1.0 means keep all records. Rate of 0.0 means drop all clean ones.
func NewSampler(rate float64) *Sampler {
	if rate <= 0 {
		return &Sampler{rate: 0, threshold: 0}
	}
	if rate >= 1.0 {
		return &Sampler{rate: 1.0, threshold: ^uint64(0)}
	}
	return &Sampler{
		rate:      rate,
		threshold: uint64(rate * float64(^uint64(0))),
	}
}

// ShouldSample returns true if the record should be exported. Records with
// findings are always kept.
func (s *Sampler) ShouldSample(r *Record) bool {
	if len(r.Infractions) > 0 || len(r.Events) > 0 {
		return true
	}
	if s.rate >= 1.0 {
		return true
	}
	if s.rate <= 0 {
		return false
	}

	id, err := uuid.Parse(r.ID)
	if err != nil {
		return true // not one of ours, keep it
	}
	return binary.BigEndian.Uint64(id[:8]) <= s.threshold
}

// Rate returns the configured sampling rate.
func (s *Sampler) Rate() float64 {
	return s.rate
}
