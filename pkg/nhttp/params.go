// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package nhttp

import "math"

// Default segmentation sizes.
const (
	DefaultDataBlockSize      = 16384
	DefaultFinalBlockSize     = 24576
	DefaultGzipBlockSize      = 2048
	DefaultFinalGzipBlockSize = 2304
	DefaultScratchOverhead    = 500
)

// ParaList is the inspection parameter set a section is built with.
type ParaList struct {
	// Depths in bytes; negative means unlimited.
	RequestDepth  int64
	ResponseDepth int64
	FileDepth     int64

	DataBlockSize      int64
	FinalBlockSize     int64
	GzipBlockSize      int64
	FinalGzipBlockSize int64

	// Unzip enables gzip/deflate body decompression.
	Unzip bool

	ScratchOverhead int
}

// DefaultParaList returns the stock inspection parameters.
func DefaultParaList() *ParaList {
	return &ParaList{
		RequestDepth:       -1,
		ResponseDepth:      -1,
		FileDepth:          0,
		DataBlockSize:      DefaultDataBlockSize,
		FinalBlockSize:     DefaultFinalBlockSize,
		GzipBlockSize:      DefaultGzipBlockSize,
		FinalGzipBlockSize: DefaultFinalGzipBlockSize,
		Unzip:              true,
		ScratchOverhead:    DefaultScratchOverhead,
	}
}

// Validate rejects parameter sets that would break the sizing invariants.
func (p *ParaList) Validate() error {
	if p.DataBlockSize <= 0 || p.GzipBlockSize <= 0 {
		return invariant("params", "block sizes must be positive")
	}
	if p.FinalBlockSize < p.DataBlockSize {
		return invariant("params", "final block size %d below data block size %d",
			p.FinalBlockSize, p.DataBlockSize)
	}
	if p.FinalGzipBlockSize < p.GzipBlockSize {
		return invariant("params", "final gzip block size %d below gzip block size %d",
			p.FinalGzipBlockSize, p.GzipBlockSize)
	}
	if p.ScratchOverhead < 0 {
		return invariant("params", "negative scratch overhead")
	}
	return nil
}

func (p *ParaList) detectDepth(source SourceID) int64 {
	if source == SourceClient {
		return budget(p.RequestDepth)
	}
	return budget(p.ResponseDepth)
}

func (p *ParaList) fileDepth() int64 {
	return budget(p.FileDepth)
}

func budget(depth int64) int64 {
	if depth < 0 {
		return math.MaxInt64
	}
	return depth
}
