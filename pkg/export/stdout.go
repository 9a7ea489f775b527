// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// StdoutExporter prints inspection records for debugging and pcap runs.
type StdoutExporter struct {
	format string // "text" or "json"
	mu     sync.Mutex
	w      io.Writer
}

// NewStdoutExporter creates a new stdout exporter. A nil w writes to
// os.Stdout.
func NewStdoutExporter(format string, w io.Writer) *StdoutExporter {
	if format == "" {
		format = "text"
	}
	if w == nil {
		w = os.Stdout
	}
	return &StdoutExporter{
		format: format,
		w:      w,
	}
}

// ExportRecords prints records, one per line.
func (e *StdoutExporter) ExportRecords(_ context.Context, records []*Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range records {
		level, _ := r.Severity()
		if e.format == "json" {
			attrs := r.Attributes()
			attrs["timestamp"] = r.Timestamp.Format(time.RFC3339Nano)
			attrs["level"] = level
			b, err := json.Marshal(attrs)
			if err != nil {
				return err
			}
			fmt.Fprintf(e.w, "%s\n", b)
			continue
		}
		fmt.Fprintf(e.w, "[HTTP] %-5s flow=%d %s->%s %s%s\n",
			level, r.FlowID, r.Client, r.Server, r.Summary(), formatEvents(r.Events))
	}
	return nil
}

// Shutdown is a no-op for stdout.
func (e *StdoutExporter) Shutdown(context.Context) error {
	return nil
}

func formatEvents(events []string) string {
	if len(events) == 0 {
		return ""
	}
	sorted := append([]string(nil), events...)
	sort.Strings(sorted)
	return " events=" + strings.Join(sorted, ",")
}
