// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Stats tracks self-monitoring counters for the inspector.
type Stats struct {
	startTime time.Time
	proc      *process.Process

	SegmentsReceived atomic.Int64
	SectionsAnalyzed atomic.Int64
	FlowsTracked     atomic.Int64
	FlowsDropped     atomic.Int64
	InvariantErrors  atomic.Int64
	RecordsExported  atomic.Int64
	RecordsDropped   atomic.Int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	s := &Stats{startTime: time.Now()}
	// A nil proc falls back to Go runtime figures.
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	}
	return s
}

// Uptime returns inspector uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds    float64 `json:"uptime_seconds"`
	Goroutines       int     `json:"goroutines"`
	MemoryRSSBytes   uint64  `json:"memory_rss_bytes"`
	CPUPercent       float64 `json:"cpu_percent"`
	SegmentsReceived int64   `json:"segments_received"`
	SectionsAnalyzed int64   `json:"sections_analyzed"`
	FlowsTracked     int64   `json:"flows_tracked"`
	FlowsDropped     int64   `json:"flows_dropped"`
	InvariantErrors  int64   `json:"invariant_errors"`
	RecordsExported  int64   `json:"records_exported"`
	RecordsDropped   int64   `json:"records_dropped"`
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		UptimeSeconds:    s.Uptime().Seconds(),
		Goroutines:       runtime.NumGoroutine(),
		SegmentsReceived: s.SegmentsReceived.Load(),
		SectionsAnalyzed: s.SectionsAnalyzed.Load(),
		FlowsTracked:     s.FlowsTracked.Load(),
		FlowsDropped:     s.FlowsDropped.Load(),
		InvariantErrors:  s.InvariantErrors.Load(),
		RecordsExported:  s.RecordsExported.Load(),
		RecordsDropped:   s.RecordsDropped.Load(),
	}

	if s.proc != nil {
		if mem, err := s.proc.MemoryInfo(); err == nil {
			snap.MemoryRSSBytes = mem.RSS
		}
		if cpu, err := s.proc.CPUPercent(); err == nil {
			snap.CPUPercent = cpu
		}
	}
	if snap.MemoryRSSBytes == 0 {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		snap.MemoryRSSBytes = memStats.Sys
	}
	return snap
}
