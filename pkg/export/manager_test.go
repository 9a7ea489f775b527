// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/httpinspect/pkg/config"
)

type fakeExporter struct {
	mu      sync.Mutex
	batches [][]*Record
	fail    int
}

func (f *fakeExporter) ExportRecords(_ context.Context, records []*Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("sink down")
	}
	f.batches = append(f.batches, append([]*Record(nil), records...))
	return nil
}

func (f *fakeExporter) Shutdown(context.Context) error { return nil }

func (f *fakeExporter) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestManagerBatchesAndFlushesOnStop(t *testing.T) {
	fake := &fakeExporter{}
	m := NewManagerWith([]Exporter{fake}, 2, 10, time.Hour, zap.NewNop())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 5; i++ {
		m.Export(NewRecord())
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if fake.total() != 5 {
		t.Errorf("exported %d records, want 5", fake.total())
	}
	if m.Exported() != 5 {
		t.Errorf("Exported() = %d, want 5", m.Exported())
	}
	for _, b := range fake.batches {
		if len(b) > 2 {
			t.Errorf("batch of %d exceeds batch size 2", len(b))
		}
	}
}

func TestManagerRetriesTransientFailure(t *testing.T) {
	fake := &fakeExporter{fail: 1}
	m := NewManagerWith([]Exporter{fake}, 1, 10, time.Hour, zap.NewNop())
	m.Start(context.Background())

	m.Export(NewRecord())
	m.Stop()

	if fake.total() != 1 {
		t.Errorf("exported %d records, want 1 after retry", fake.total())
	}
	if m.DropCount() != 0 {
		t.Errorf("DropCount = %d, want 0", m.DropCount())
	}
}

func TestManagerDropsWhenQueueFull(t *testing.T) {
	m := NewManagerWith(nil, 10, 1, time.Hour, zap.NewNop())
	var dropped int
	m.OnDrop(func(n int) { dropped += n })

	// Not started: the queue holds one record.
	m.Export(NewRecord())
	m.Export(NewRecord())
	m.Export(NewRecord())

	if m.QueueDepth() != 1 {
		t.Errorf("QueueDepth = %d, want 1", m.QueueDepth())
	}
	if m.DropCount() != 2 || dropped != 2 {
		t.Errorf("DropCount = %d, callback = %d, want 2", m.DropCount(), dropped)
	}
}

func TestNewManagerFromConfig(t *testing.T) {
	cfg := config.DefaultConfig().Exporters
	m, err := NewManager(&cfg, "httpinspect", "test", zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if len(m.exporters) != 1 {
		t.Errorf("exporters = %d, want stdout only", len(m.exporters))
	}
	if m.batchSize != cfg.BatchSize {
		t.Errorf("batch size = %d, want %d", m.batchSize, cfg.BatchSize)
	}
}

func TestStdoutExporterFormats(t *testing.T) {
	r := sampleRecord()
	r.Status = 0

	var text bytes.Buffer
	if err := NewStdoutExporter("text", &text).ExportRecords(context.Background(), []*Record{r}); err != nil {
		t.Fatalf("text export: %v", err)
	}
	line := text.String()
	for _, want := range []string{"[HTTP] WARN", "flow=7", "10.0.0.1:40000->10.0.0.2:80", "GET /a/../b", "events=uri_traversal"} {
		if !strings.Contains(line, want) {
			t.Errorf("text output %q missing %q", line, want)
		}
	}

	var js bytes.Buffer
	if err := NewStdoutExporter("json", &js).ExportRecords(context.Background(), []*Record{r}); err != nil {
		t.Fatalf("json export: %v", err)
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(js.Bytes(), &obj); err != nil {
		t.Fatalf("invalid JSON %q: %v", js.String(), err)
	}
	if obj["http.request.method"] != "GET" || obj["level"] != "WARN" {
		t.Errorf("json = %v", obj)
	}
	if obj["inspection.id"] != r.ID {
		t.Errorf("inspection.id = %v, want %s", obj["inspection.id"], r.ID)
	}
}

func TestRecordSummaryAndSeverity(t *testing.T) {
	tests := []struct {
		name     string
		rec      Record
		summary  string
		severity string
	}{
		{
			name:     "request",
			rec:      Record{Direction: "client", Kind: "request", Method: "POST", URI: "/login"},
			summary:  "client request POST /login",
			severity: "INFO",
		},
		{
			name:     "status with infractions",
			rec:      Record{Direction: "server", Kind: "status", Status: 404, Infractions: []string{"missing_reason"}, Events: []string{"bad_status_code"}},
			summary:  "server status -> 404 infractions=missing_reason",
			severity: "WARN",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.Summary(); got != tt.summary {
				t.Errorf("Summary() = %q, want %q", got, tt.summary)
			}
			if got, _ := tt.rec.Severity(); got != tt.severity {
				t.Errorf("Severity() = %q, want %q", got, tt.severity)
			}
		})
	}
	if a, b := NewRecord(), NewRecord(); a.ID == b.ID || len(a.ID) != 36 {
		t.Errorf("record ids %q %q should be distinct UUIDs", a.ID, b.ID)
	}
}
