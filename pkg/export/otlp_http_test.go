// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"

	"github.com/mbeema/httpinspect/pkg/config"
)

type capturedRequest struct {
	path     string
	ctype    string
	encoding string
	apiKey   string
	body     []byte
}

func newTestHTTPExporter(t *testing.T, compression string, status int) (*HTTPOTLPExporter, *capturedRequest) {
	t.Helper()
	got := &capturedRequest{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.ctype = r.Header.Get("Content-Type")
		got.encoding = r.Header.Get("Content-Encoding")
		got.apiKey = r.Header.Get("X-Api-Key")

		var reader io.Reader = r.Body
		if got.encoding == "gzip" {
			gz, err := gzip.NewReader(r.Body)
			if err != nil {
				t.Errorf("gzip reader: %v", err)
				return
			}
			defer gz.Close()
			reader = gz
		}
		got.body, _ = io.ReadAll(reader)
		w.WriteHeader(status)
	}))
	t.Cleanup(ts.Close)

	cfg := &config.OTLPConfig{
		Endpoint:    strings.TrimPrefix(ts.URL, "http://"),
		Protocol:    "http",
		Compression: compression,
		Insecure:    true,
		Headers:     map[string]string{"X-Api-Key": "k1"},
	}
	exp, err := NewHTTPOTLPExporter(cfg, "edge-ids", "1.2.3", zap.NewNop())
	if err != nil {
		t.Fatalf("NewHTTPOTLPExporter: %v", err)
	}
	return exp, got
}

func sampleRecord() *Record {
	r := NewRecord()
	r.FlowID = 7
	r.Client = "10.0.0.1:40000"
	r.Server = "10.0.0.2:80"
	r.Direction = "client"
	r.Kind = "header"
	r.Method = "GET"
	r.URI = "/a/../b"
	r.Infractions = []string{"uri_slash_dot_dot"}
	r.Events = []string{"uri_traversal"}
	return r
}

func decodeLogs(t *testing.T, body []byte) []*logspb.LogRecord {
	t.Helper()
	var req collogspb.ExportLogsServiceRequest
	if err := proto.Unmarshal(body, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(req.ResourceLogs) != 1 || len(req.ResourceLogs[0].ScopeLogs) != 1 {
		t.Fatalf("unexpected request shape: %v", &req)
	}
	return req.ResourceLogs[0].ScopeLogs[0].LogRecords
}

func TestHTTPExporterRecords(t *testing.T) {
	tests := []struct {
		compression  string
		wantEncoding string
	}{
		{"gzip", "gzip"},
		{"", "gzip"},
		{"none", ""},
	}
	for _, tt := range tests {
		t.Run("compression="+tt.compression, func(t *testing.T) {
			exp, got := newTestHTTPExporter(t, tt.compression, http.StatusOK)

			if err := exp.ExportRecords(context.Background(), []*Record{sampleRecord()}); err != nil {
				t.Fatalf("ExportRecords: %v", err)
			}
			if got.path != "/v1/logs" {
				t.Errorf("path = %q, want /v1/logs", got.path)
			}
			if got.ctype != "application/x-protobuf" {
				t.Errorf("content type = %q", got.ctype)
			}
			if got.encoding != tt.wantEncoding {
				t.Errorf("encoding = %q, want %q", got.encoding, tt.wantEncoding)
			}
			if got.apiKey != "k1" {
				t.Errorf("custom header = %q, want k1", got.apiKey)
			}

			logs := decodeLogs(t, got.body)
			if len(logs) != 1 {
				t.Fatalf("got %d log records, want 1", len(logs))
			}
			lr := logs[0]
			if lr.SeverityText != "WARN" || lr.SeverityNumber != logspb.SeverityNumber(SeverityWarn) {
				t.Errorf("severity = %s/%d", lr.SeverityText, lr.SeverityNumber)
			}
			if !strings.Contains(lr.Body.GetStringValue(), "GET /a/../b") {
				t.Errorf("body = %q", lr.Body.GetStringValue())
			}
			attrs := map[string]string{}
			for _, kv := range lr.Attributes {
				attrs[kv.Key] = kv.Value.GetStringValue()
			}
			if attrs["http.events"] != "uri_traversal" {
				t.Errorf("http.events = %q", attrs["http.events"])
			}
			if attrs["server.address"] != "10.0.0.2:80" {
				t.Errorf("server.address = %q", attrs["server.address"])
			}
		})
	}
}

func TestHTTPExporterResource(t *testing.T) {
	exp, got := newTestHTTPExporter(t, "none", http.StatusOK)
	if err := exp.ExportRecords(context.Background(), []*Record{sampleRecord()}); err != nil {
		t.Fatalf("ExportRecords: %v", err)
	}

	var req collogspb.ExportLogsServiceRequest
	if err := proto.Unmarshal(got.body, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	attrs := map[string]string{}
	for _, kv := range req.ResourceLogs[0].Resource.Attributes {
		attrs[kv.Key] = kv.Value.GetStringValue()
	}
	if attrs["service.name"] != "edge-ids" {
		t.Errorf("service.name = %q", attrs["service.name"])
	}
	if attrs["service.version"] != "1.2.3" {
		t.Errorf("service.version = %q", attrs["service.version"])
	}
	if scope := req.ResourceLogs[0].ScopeLogs[0].Scope; scope.Name != scopeName {
		t.Errorf("scope = %q", scope.Name)
	}
}

func TestHTTPExporterEmpty(t *testing.T) {
	exp, got := newTestHTTPExporter(t, "gzip", http.StatusOK)
	if err := exp.ExportRecords(context.Background(), nil); err != nil {
		t.Fatalf("ExportRecords(nil): %v", err)
	}
	if got.path != "" {
		t.Error("empty export should not hit the endpoint")
	}
}

func TestHTTPExporterServerError(t *testing.T) {
	exp, _ := newTestHTTPExporter(t, "gzip", http.StatusServiceUnavailable)
	err := exp.ExportRecords(context.Background(), []*Record{sampleRecord()})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("err = %v, want 503 error", err)
	}
	if err := exp.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestSanitizeUTF8(t *testing.T) {
	if got := sanitizeUTF8("ok"); got != "ok" {
		t.Errorf("sanitizeUTF8(ok) = %q", got)
	}
	if got := sanitizeUTF8("a\xffb"); got != "a�b" {
		t.Errorf("sanitizeUTF8 = %q", got)
	}
}
