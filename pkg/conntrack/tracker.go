// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package conntrack

import (
	"fmt"
	"sync"
	"time"

	"github.com/mbeema/httpinspect/pkg/nhttp"
)

// FlowKey identifies a TCP flow by its client and server endpoints.
type FlowKey struct {
	ClientAddr string
	ClientPort uint16
	ServerAddr string
	ServerPort uint16
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s:%d->%s:%d", k.ClientAddr, k.ClientPort, k.ServerAddr, k.ServerPort)
}

// FlowInfo holds the session state and counters of a tracked flow. The
// tracker owns Data: it is cleared when the flow is removed or evicted.
type FlowInfo struct {
	ID        uint64
	Key       FlowKey
	Data      *nhttp.FlowData
	StartTime time.Time
	LastSeen  time.Time

	BytesClient uint64
	BytesServer uint64
}

// ClientStr returns "addr:port" of the client.
func (f *FlowInfo) ClientStr() string {
	return fmt.Sprintf("%s:%d", f.Key.ClientAddr, f.Key.ClientPort)
}

// ServerStr returns "addr:port" of the server.
func (f *FlowInfo) ServerStr() string {
	return fmt.Sprintf("%s:%d", f.Key.ServerAddr, f.Key.ServerPort)
}

// DefaultMaxFlows limits the number of tracked flows to prevent unbounded
// memory growth under connection storms.
const DefaultMaxFlows = 100000

// Tracker maps flow keys to HTTP session state.
type Tracker struct {
	mu       sync.RWMutex
	flows    map[FlowKey]*FlowInfo
	maxFlows int
	nextID   uint64
	onEvict  func(*FlowInfo)
}

// NewTracker creates a new flow tracker. A non-positive maxFlows uses
// DefaultMaxFlows.
func NewTracker(maxFlows int) *Tracker {
	if maxFlows <= 0 {
		maxFlows = DefaultMaxFlows
	}
	return &Tracker{
		flows:    make(map[FlowKey]*FlowInfo),
		maxFlows: maxFlows,
	}
}

// OnEvict registers a callback run for every flow dropped by eviction or
// staleness, before its session state is cleared.
func (t *Tracker) OnEvict(fn func(*FlowInfo)) {
	t.onEvict = fn
}

// Register returns the flow for key, creating it when it is new.
func (t *Tracker) Register(key FlowKey) (info *FlowInfo, created bool) {
	t.mu.RLock()
	info = t.flows[key]
	t.mu.RUnlock()
	if info != nil {
		return info, false
	}

	t.mu.Lock()
	if info = t.flows[key]; info != nil {
		t.mu.Unlock()
		return info, false
	}
	var evicted *FlowInfo
	if len(t.flows) >= t.maxFlows {
		// Evict the oldest flow to stay within bounds
		evicted = t.evictOldestLocked()
	}
	t.nextID++
	now := time.Now()
	info = &FlowInfo{
		ID:        t.nextID,
		Key:       key,
		Data:      nhttp.NewFlowData(),
		StartTime: now,
		LastSeen:  now,
	}
	t.flows[key] = info
	t.mu.Unlock()

	if evicted != nil {
		t.release(evicted)
	}
	return info, true
}

// Lookup returns the flow for key, or nil.
func (t *Tracker) Lookup(key FlowKey) *FlowInfo {
	t.mu.RLock()
	info := t.flows[key]
	t.mu.RUnlock()

	return info
}

// AddBytes adds to a direction's byte counter and refreshes LastSeen.
func (t *Tracker) AddBytes(key FlowKey, src nhttp.SourceID, n uint64) {
	t.mu.Lock()
	if info, ok := t.flows[key]; ok {
		if src == nhttp.SourceClient {
			info.BytesClient += n
		} else {
			info.BytesServer += n
		}
		info.LastSeen = time.Now()
	}
	t.mu.Unlock()
}

// Remove removes a flow, clears its session state, and returns its final
// info.
func (t *Tracker) Remove(key FlowKey) *FlowInfo {
	t.mu.Lock()
	info := t.flows[key]
	delete(t.flows, key)
	t.mu.Unlock()

	if info != nil {
		info.Data.Clear()
	}
	return info
}

// Count returns the number of active flows.
func (t *Tracker) Count() int {
	t.mu.RLock()
	n := len(t.flows)
	t.mu.RUnlock()
	return n
}

// evictOldestLocked removes the least recently seen flow. Must be called
// under t.mu.
func (t *Tracker) evictOldestLocked() *FlowInfo {
	var oldest *FlowInfo
	for _, info := range t.flows {
		if oldest == nil || info.LastSeen.Before(oldest.LastSeen) {
			oldest = info
		}
	}
	if oldest != nil {
		delete(t.flows, oldest.Key)
	}
	return oldest
}

func (t *Tracker) release(info *FlowInfo) {
	if t.onEvict != nil {
		t.onEvict(info)
	}
	info.Data.Clear()
}

// CleanStale removes flows idle for longer than maxIdle.
func (t *Tracker) CleanStale(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	var stale []*FlowInfo

	t.mu.Lock()
	for key, info := range t.flows {
		if info.LastSeen.Before(cutoff) {
			delete(t.flows, key)
			stale = append(stale, info)
		}
	}
	t.mu.Unlock()

	for _, info := range stale {
		t.release(info)
	}
	return len(stale)
}
