// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package nhttp

import (
	"bytes"
	"errors"
	"testing"
)

func TestClassicBufferStatCodeAppearsWithStatusLine(t *testing.T) {
	f := NewFlowData()
	analyzed(t, f, SourceClient, SectionRequest, "GET / HTTP/1.1", nil)

	// A server header section before any status line: nothing to report.
	early, err := NewSection([]byte("Server: x\r\n"), f, SourceServer, SectionHeader, false, 1, DefaultParaList())
	if err != nil {
		t.Fatalf("NewSection: %v", err)
	}
	got, err := early.ClassicBuffer(BufferStatCode, 0)
	if err != nil {
		t.Fatalf("ClassicBuffer: %v", err)
	}
	if !got.IsAbsent() {
		t.Errorf("stat code before status line = %q, want absent", got)
	}

	status := analyzed(t, f, SourceServer, SectionStatus, "HTTP/1.1 404 Not Found", nil)
	got, err = status.ClassicBuffer(BufferStatCode, 0)
	if err != nil {
		t.Fatalf("ClassicBuffer: %v", err)
	}
	if got.String() != "404" {
		t.Errorf("stat code = %q, want 404", got)
	}
	msg, _ := status.ClassicBuffer(BufferStatMsg, 0)
	if msg.String() != "Not Found" {
		t.Errorf("stat msg = %q, want %q", msg, "Not Found")
	}
}

func TestClassicBufferDirectionRules(t *testing.T) {
	f := NewFlowData()
	req := analyzed(t, f, SourceClient, SectionRequest, "POST /upload?id=7 HTTP/1.1", nil)
	hdr := analyzed(t, f, SourceClient, SectionHeader,
		"Host: example.com\r\nCookie: a=1\r\nCookie: b=2\r\nContent-Length: 4\r\n", nil)
	body := analyzed(t, f, SourceClient, SectionBody, "data", nil)
	status := analyzed(t, f, SourceServer, SectionStatus, "HTTP/1.1 200 OK", nil)
	shdr := analyzed(t, f, SourceServer, SectionHeader,
		"Set-Cookie: s=1\r\nContent-Length: 0\r\n", nil)

	tests := []struct {
		name string
		sec  *Section
		id   BufferID
		sub  uint
		want string
	}{
		{"method on client", req, BufferMethod, 0, "POST"},
		{"method on server", status, BufferMethod, 0, "<absent>"},
		{"stat code on client", hdr, BufferStatCode, 0, "<absent>"},
		{"stat code on server", shdr, BufferStatCode, 0, "200"},
		{"raw uri", req, BufferRawURI, 0, "/upload?id=7"},
		{"uri query", req, BufferURI, uint(URIQuery), "id=7"},
		{"uri host absent", req, BufferRawURI, uint(URIHost), "<absent>"},
		{"uri from server side", status, BufferRawURI, uint(URIPath), "/upload"},
		{"client version", body, BufferVersion, 0, "HTTP/1.1"},
		{"server version", shdr, BufferVersion, 0, "HTTP/1.1"},
		{"cookie aggregated", hdr, BufferCookie, 0, "a=1,b=2"},
		{"raw cookie", body, BufferRawCookie, 0, "a=1,b=2"},
		{"set-cookie", shdr, BufferCookie, 0, "s=1"},
		{"header by id", hdr, BufferHeader, uint(HeaderHost), "example.com"},
		{"missing header", hdr, BufferHeader, uint(HeaderUserAgent), "<absent>"},
		{"client body", body, BufferClientBody, 0, "data"},
		{"client body on server", shdr, BufferClientBody, 0, "<absent>"},
		{"trailer absent", hdr, BufferTrailer, 0, "<absent>"},
		{"raw trailer absent", hdr, BufferRawTrailer, 0, "<absent>"},
		{"stat msg", status, BufferStatMsg, 0, "OK"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.sec.ClassicBuffer(tt.id, tt.sub)
			if err != nil {
				t.Fatalf("ClassicBuffer(%s, %d): %v", tt.id, tt.sub, err)
			}
			if got.String() != tt.want {
				t.Errorf("ClassicBuffer(%s, %d) = %q, want %q", tt.id, tt.sub, got, tt.want)
			}
		})
	}

	raw, _ := hdr.ClassicBuffer(BufferRawHeader, 0)
	if raw.Len() != len("Host: example.com\r\nCookie: a=1\r\nCookie: b=2\r\nContent-Length: 4\r\n") {
		t.Errorf("raw header length = %d", raw.Len())
	}
}

func TestClassicBufferUnknownIDs(t *testing.T) {
	f := NewFlowData()
	req := analyzed(t, f, SourceClient, SectionRequest, "GET / HTTP/1.1", nil)

	if _, err := req.ClassicBuffer(BufferID(0), 0); !errors.Is(err, ErrInvariant) {
		t.Errorf("buffer 0: err = %v, want ErrInvariant", err)
	}
	if _, err := req.ClassicBuffer(BufferID(99), 0); !errors.Is(err, ErrInvariant) {
		t.Errorf("buffer 99: err = %v, want ErrInvariant", err)
	}
	if _, err := req.ClassicBuffer(BufferURI, 7); !errors.Is(err, ErrInvariant) {
		t.Errorf("uri component 7: err = %v, want ErrInvariant", err)
	}

	// The component id is checked before the request line exists.
	status := analyzed(t, NewFlowData(), SourceServer, SectionStatus, "HTTP/1.1 200 OK", nil)
	if _, err := status.ClassicBuffer(BufferRawURI, 9); !errors.Is(err, ErrInvariant) {
		t.Errorf("uri component 9 without request: err = %v, want ErrInvariant", err)
	}
}

func TestPipelinedResponsesMatchOldestRequest(t *testing.T) {
	f := NewFlowData()
	r1 := analyzed(t, f, SourceClient, SectionRequest, "GET /first HTTP/1.1", nil)
	analyzed(t, f, SourceClient, SectionHeader, "Host: a\r\n", nil)
	r2 := analyzed(t, f, SourceClient, SectionRequest, "GET /second HTTP/1.1", nil)
	analyzed(t, f, SourceClient, SectionHeader, "Host: a\r\n", nil)

	if got := f.Pipeline(); len(got) != 2 || got[0] != r1.TxnID() || got[1] != r2.TxnID() {
		t.Fatalf("pipeline = %v, want [%d %d]", got, r1.TxnID(), r2.TxnID())
	}

	s1 := analyzed(t, f, SourceServer, SectionStatus, "HTTP/1.1 200 OK", nil)
	if s1.TxnID() != r1.TxnID() {
		t.Errorf("first response txn = %d, want %d", s1.TxnID(), r1.TxnID())
	}
	uri, _ := s1.ClassicBuffer(BufferRawURI, 0)
	if uri.String() != "/first" {
		t.Errorf("first response sees uri %q, want /first", uri)
	}
	analyzed(t, f, SourceServer, SectionHeader, "Content-Length: 0\r\n", nil)

	s2 := analyzed(t, f, SourceServer, SectionStatus, "HTTP/1.1 200 OK", nil)
	if s2.TxnID() != r2.TxnID() {
		t.Errorf("second response txn = %d, want %d", s2.TxnID(), r2.TxnID())
	}
	uri, _ = s2.ClassicBuffer(BufferRawURI, 0)
	if uri.String() != "/second" {
		t.Errorf("second response sees uri %q, want /second", uri)
	}

	// The first exchange is complete and no longer referenced.
	if f.Transaction(r1.TxnID()) != nil {
		t.Error("first transaction should be retired")
	}
	if !r1.Closed() {
		t.Error("sections of a retired transaction should be closed")
	}
}

func TestInterimResponseKeepsTransaction(t *testing.T) {
	f := NewFlowData()
	req := analyzed(t, f, SourceClient, SectionRequest, "POST /x HTTP/1.1", nil)
	analyzed(t, f, SourceClient, SectionHeader, "Host: a\r\nExpect: 100-continue\r\nContent-Length: 0\r\n", nil)

	cont := analyzed(t, f, SourceServer, SectionStatus, "HTTP/1.1 100 Continue", nil)
	analyzed(t, f, SourceServer, SectionHeader, "", nil)
	final := analyzed(t, f, SourceServer, SectionStatus, "HTTP/1.1 201 Created", nil)

	if cont.TxnID() != req.TxnID() || final.TxnID() != req.TxnID() {
		t.Errorf("txns = %d, %d; want both %d", cont.TxnID(), final.TxnID(), req.TxnID())
	}
	if !cont.Closed() {
		t.Error("interim status section should be replaced by the final one")
	}
	code, _ := final.ClassicBuffer(BufferStatCode, 0)
	if code.String() != "201" {
		t.Errorf("stat code = %q, want 201", code)
	}
}

func TestResponseWithoutRequest(t *testing.T) {
	f := NewFlowData()
	s := analyzed(t, f, SourceServer, SectionStatus, "HTTP/1.1 200 OK", nil)
	if !f.Infractions[SourceServer].Has(InfResponseWithoutRequest) {
		t.Error("missing response-without-request infraction")
	}
	if m, _ := s.ClassicBuffer(BufferMethod, 0); !m.IsAbsent() {
		t.Errorf("method = %q, want absent", m)
	}
	if u, err := s.ClassicBuffer(BufferURI, 0); err != nil || !u.IsAbsent() {
		t.Errorf("uri = %q, %v; want absent", u, err)
	}
}

func TestFlowClearClosesSections(t *testing.T) {
	f := NewFlowData()
	req := analyzed(t, f, SourceClient, SectionRequest, "GET / HTTP/1.1", nil)
	hdr := analyzed(t, f, SourceClient, SectionHeader, "Host: a\r\n", nil)

	f.Clear()
	if !req.Closed() || !hdr.Closed() {
		t.Error("Clear should close every section")
	}
	if f.OpenTransactions() != 0 {
		t.Errorf("open transactions = %d, want 0", f.OpenTransactions())
	}
	if got, err := req.ClassicBuffer(BufferMethod, 0); err != nil || !got.IsAbsent() {
		t.Errorf("buffer after clear = %q, %v; want absent", got, err)
	}
	if _, err := req.ClassicBuffer(BufferURI, 9); !errors.Is(err, ErrInvariant) {
		t.Errorf("uri component 9 after clear: err = %v, want ErrInvariant", err)
	}
	if got, err := req.ClassicBuffer(BufferRawURI, uint(URIPath)); err != nil || !got.IsAbsent() {
		t.Errorf("uri path after clear = %q, %v; want absent", got, err)
	}
}

func TestPipelineDepthIsBounded(t *testing.T) {
	f := NewFlowData()
	for i := 0; i < MaxPipelineDepth+50; i++ {
		analyzed(t, f, SourceClient, SectionRequest, "GET / HTTP/1.1", nil)
		analyzed(t, f, SourceClient, SectionHeader, "Host: a\r\n", nil)
	}

	if got := len(f.Pipeline()); got != MaxPipelineDepth {
		t.Errorf("pipeline = %d, want %d", got, MaxPipelineDepth)
	}
	// Queued requests plus the client's current one.
	if got := f.OpenTransactions(); got != MaxPipelineDepth+1 {
		t.Errorf("open transactions = %d, want %d", got, MaxPipelineDepth+1)
	}
	if !f.Infractions[SourceClient].Has(InfPipelineOverflow) {
		t.Error("pipeline overflow infraction not set")
	}
	if !f.Events[SourceClient].Has(EvtPipelineOverflow) {
		t.Error("pipeline overflow event not set")
	}

	// Responses still pair with the oldest queued request.
	first := f.Pipeline()[0]
	s := analyzed(t, f, SourceServer, SectionStatus, "HTTP/1.1 200 OK", nil)
	if s.TxnID() != first {
		t.Errorf("response txn = %d, want %d", s.TxnID(), first)
	}
}

func TestClassicBufferURIRawVersusNormalized(t *testing.T) {
	f := NewFlowData()
	req := analyzed(t, f, SourceClient, SectionRequest, "GET http://WWW.Example.COM:8080/a/./b HTTP/1.1", nil)

	get := func(id BufferID, comp URIComponent) Field {
		t.Helper()
		got, err := req.ClassicBuffer(id, uint(comp))
		if err != nil {
			t.Fatalf("ClassicBuffer(%s, %d): %v", id, comp, err)
		}
		return got
	}

	rawPort, normPort := get(BufferRawURI, URIPort), get(BufferURI, URIPort)
	if rawPort.String() != "8080" || !bytes.Equal(rawPort.Bytes(), normPort.Bytes()) {
		t.Errorf("port raw = %q, normalized = %q; want both 8080", rawPort, normPort)
	}

	rawHost, normHost := get(BufferRawURI, URIHost), get(BufferURI, URIHost)
	if rawHost.String() != "WWW.Example.COM" {
		t.Errorf("raw host = %q, want WWW.Example.COM", rawHost)
	}
	if normHost.String() != "www.example.com" {
		t.Errorf("normalized host = %q, want www.example.com", normHost)
	}

	rawPath, normPath := get(BufferRawURI, URIPath), get(BufferURI, URIPath)
	if rawPath.String() != "/a/./b" || normPath.String() != "/a/b" {
		t.Errorf("path raw = %q, normalized = %q", rawPath, normPath)
	}
}
