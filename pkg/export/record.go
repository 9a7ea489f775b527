// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OTEL severity numbers used for inspection records.
const (
	SeverityInfo int32 = 9
	SeverityWarn int32 = 13
)

// Record is one inspection report: a message head, or a body section that
// raised new anomalies.
type Record struct {
	ID        string
	Timestamp time.Time

	FlowID    uint64
	Client    string
	Server    string
	Direction string
	Kind      string

	Method      string
	URI         string
	Host        string
	Version     string
	Status      int
	Compression string

	Infractions []string
	Events      []string
}

// NewRecord returns a record with a fresh id and the current time.
func NewRecord() *Record {
	return &Record{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
	}
}

// Severity is warn when any detection event was raised.
func (r *Record) Severity() (text string, number int32) {
	if len(r.Events) > 0 {
		return "WARN", SeverityWarn
	}
	return "INFO", SeverityInfo
}

// Summary is a one-line human description of the record.
func (r *Record) Summary() string {
	var b strings.Builder
	b.WriteString(r.Direction)
	b.WriteByte(' ')
	b.WriteString(r.Kind)
	if r.Method != "" {
		b.WriteByte(' ')
		b.WriteString(r.Method)
	}
	if r.URI != "" {
		b.WriteByte(' ')
		b.WriteString(r.URI)
	}
	if r.Status != 0 {
		b.WriteString(" -> ")
		b.WriteString(strconv.Itoa(r.Status))
	}
	if n := len(r.Infractions); n > 0 {
		b.WriteString(" infractions=")
		b.WriteString(strings.Join(r.Infractions, ","))
	}
	return b.String()
}

// Attributes returns the record fields as flat key/value pairs. Empty
// fields are left out.
func (r *Record) Attributes() map[string]interface{} {
	attrs := map[string]interface{}{
		"inspection.id":  r.ID,
		"flow.id":        int64(r.FlowID),
		"http.direction": r.Direction,
		"http.section":   r.Kind,
	}
	put := func(k, v string) {
		if v != "" {
			attrs[k] = v
		}
	}
	put("client.address", r.Client)
	put("server.address", r.Server)
	put("http.request.method", r.Method)
	put("url.original", r.URI)
	put("http.host", r.Host)
	put("network.protocol.version", r.Version)
	put("http.content_encoding", r.Compression)
	if r.Status != 0 {
		attrs["http.response.status_code"] = int64(r.Status)
	}
	if len(r.Infractions) > 0 {
		attrs["http.infractions"] = strings.Join(r.Infractions, ",")
	}
	if len(r.Events) > 0 {
		attrs["http.events"] = strings.Join(r.Events, ",")
	}
	return attrs
}
