// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/mbeema/httpinspect/pkg/capture"
	"github.com/mbeema/httpinspect/pkg/config"
	"github.com/mbeema/httpinspect/pkg/export"
	"github.com/mbeema/httpinspect/pkg/nhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

type recordSink struct {
	mu      sync.Mutex
	records []*export.Record
}

func (s *recordSink) ExportRecords(_ context.Context, records []*export.Record) error {
	s.mu.Lock()
	s.records = append(s.records, records...)
	s.mu.Unlock()
	return nil
}

func (s *recordSink) Shutdown(context.Context) error { return nil }

func (s *recordSink) all() []*export.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*export.Record(nil), s.records...)
}

func (s *recordSink) byKind(kind string) []*export.Record {
	var out []*export.Record
	for _, r := range s.all() {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Health.Enabled = false
	cfg.Exporters.Stdout.Enabled = false
	cfg.Exporters.ReportClean = true
	return cfg
}

// newTestAgent creates an agent whose records land in the returned sink.
// The exporter is not started; Stop it before reading the sink.
func newTestAgent(t *testing.T, cfg *config.Config) (*Agent, *recordSink) {
	t.Helper()
	a, err := New(cfg, "test", zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sink := &recordSink{}
	a.setExporter(export.NewManagerWith([]export.Exporter{sink}, 10, 100, 10*time.Millisecond, zap.NewNop()))
	return a, sink
}

func clientSeg(payload string) *capture.Segment {
	return &capture.Segment{
		SrcIP: "10.0.0.1", SrcPort: 40000,
		DstIP: "10.0.0.2", DstPort: 80,
		Payload: []byte(payload),
	}
}

func serverSeg(payload string) *capture.Segment {
	return &capture.Segment{
		SrcIP: "10.0.0.2", SrcPort: 80,
		DstIP: "10.0.0.1", DstPort: 40000,
		Payload: []byte(payload),
	}
}

func TestRequestResponseFlow(t *testing.T) {
	a, sink := newTestAgent(t, testConfig())
	a.exporter.Start(context.Background())

	a.handleSegment(clientSeg("GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	a.handleSegment(serverSeg("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))

	if a.tracker.Count() != 1 {
		t.Fatalf("tracked flows = %d, want 1", a.tracker.Count())
	}

	end := clientSeg("")
	end.End = true
	a.handleSegment(end)
	end = serverSeg("")
	end.End = true
	a.handleSegment(end)

	if a.tracker.Count() != 0 || len(a.flows) != 0 {
		t.Errorf("flow not released: tracker=%d flows=%d", a.tracker.Count(), len(a.flows))
	}
	if a.reassembler.StreamCount() != 0 {
		t.Errorf("streams = %d, want 0", a.reassembler.StreamCount())
	}

	a.exporter.Stop()

	reqs := sink.byKind(nhttp.SectionRequest.String())
	if len(reqs) != 1 {
		t.Fatalf("request records = %d, want 1", len(reqs))
	}
	if reqs[0].Method != "GET" || reqs[0].URI != "/index.html" || reqs[0].Version != "HTTP/1.1" {
		t.Errorf("request record = %+v", reqs[0])
	}
	if reqs[0].Client != "10.0.0.1:40000" || reqs[0].Server != "10.0.0.2:80" {
		t.Errorf("endpoints = %s -> %s", reqs[0].Client, reqs[0].Server)
	}

	statuses := sink.byKind(nhttp.SectionStatus.String())
	if len(statuses) != 1 {
		t.Fatalf("status records = %d, want 1", len(statuses))
	}
	st := statuses[0]
	if st.Status != 200 || st.Method != "GET" || st.Host != "example.com" {
		t.Errorf("status record = %+v", st)
	}
	if st.Direction != nhttp.SourceServer.String() {
		t.Errorf("Direction = %q", st.Direction)
	}

	if got := testutil.ToFloat64(a.metrics.Transactions.WithLabelValues("GET", "2xx")); got != 1 {
		t.Errorf("transactions{GET,2xx} = %v, want 1", got)
	}
	if got := a.healthStats.SectionsAnalyzed.Load(); got < 5 {
		t.Errorf("SectionsAnalyzed = %d, want at least 5", got)
	}
	if got := a.healthStats.FlowsTracked.Load(); got != 1 {
		t.Errorf("FlowsTracked = %d, want 1", got)
	}
}

func TestInfractionsReportedOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Exporters.ReportClean = false
	a, sink := newTestAgent(t, cfg)
	a.exporter.Start(context.Background())

	// Two HTTP/1.1 requests without Host on one connection.
	a.handleSegment(clientSeg("GET /a HTTP/1.1\r\nAccept: */*\r\n\r\n"))
	a.handleSegment(clientSeg("GET /b HTTP/1.1\r\nAccept: */*\r\n\r\n"))
	a.exporter.Stop()

	records := sink.all()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	r := records[0]
	if r.Kind != nhttp.SectionHeader.String() || r.URI != "/a" {
		t.Errorf("record = %+v", r)
	}
	want := nhttp.InfractionName(nhttp.InfMissingHost)
	if len(r.Infractions) != 1 || r.Infractions[0] != want {
		t.Errorf("Infractions = %v, want [%s]", r.Infractions, want)
	}
	if text, _ := r.Severity(); text != "WARN" {
		t.Errorf("Severity = %s, want WARN", text)
	}

	got := testutil.ToFloat64(a.metrics.Infractions.WithLabelValues("client", want))
	if got != 1 {
		t.Errorf("infractions metric = %v, want 1", got)
	}
}

func TestRecordPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Exporters.SampleRate = 0
	a, sink := newTestAgent(t, cfg)
	a.exporter.Start(context.Background())

	// The request line is clean and sampled away; the missing Host is not.
	a.handleSegment(clientSeg("GET /login?user=bob&password=hunter2 HTTP/1.1\r\n\r\n"))
	a.exporter.Stop()

	records := sink.all()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].Kind != nhttp.SectionHeader.String() {
		t.Errorf("Kind = %q, want header", records[0].Kind)
	}
	if want := "/login?user=bob&password=[REDACTED]"; records[0].URI != want {
		t.Errorf("URI = %q, want %q", records[0].URI, want)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		seg     capture.Segment
		ok      bool
		src     nhttp.SourceID
		server  uint16
		content bool
	}{
		{
			name: "to http port",
			seg:  capture.Segment{SrcIP: "a", SrcPort: 50001, DstIP: "b", DstPort: 8080},
			ok:   true, src: nhttp.SourceClient, server: 8080,
		},
		{
			name: "from http port",
			seg:  capture.Segment{SrcIP: "b", SrcPort: 80, DstIP: "a", DstPort: 50000},
			ok:   true, src: nhttp.SourceServer, server: 80,
		},
		{
			name:    "request on unknown port",
			seg:     capture.Segment{SrcIP: "a", SrcPort: 50000, DstIP: "b", DstPort: 7777, Payload: []byte("POST /x HTTP/1.1\r\n")},
			ok:      true, src: nhttp.SourceClient, server: 7777, content: true,
		},
		{
			name:    "response on unknown port",
			seg:     capture.Segment{SrcIP: "b", SrcPort: 7777, DstIP: "a", DstPort: 50000, Payload: []byte("HTTP/1.1 200 OK\r\n")},
			ok:      true, src: nhttp.SourceServer, server: 7777, content: true,
		},
		{
			name:    "other protocol",
			seg:     capture.Segment{SrcIP: "a", SrcPort: 50000, DstIP: "b", DstPort: 6379, Payload: []byte("*1\r\n$4\r\nPING\r\n")},
			content: true,
		},
		{
			name:    "content detection disabled",
			seg:     capture.Segment{SrcIP: "a", SrcPort: 50000, DstIP: "b", DstPort: 7777, Payload: []byte("GET / HTTP/1.1\r\n")},
			content: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Inspection.DetectByContent = tt.content
			a, _ := newTestAgent(t, cfg)
			defer a.exporter.Stop()

			key, src, ok := a.classify(&tt.seg)
			if ok != tt.ok {
				t.Fatalf("ok = %t, want %t", ok, tt.ok)
			}
			if !ok {
				return
			}
			if src != tt.src {
				t.Errorf("source = %s, want %s", src, tt.src)
			}
			if key.ServerPort != tt.server {
				t.Errorf("server port = %d, want %d", key.ServerPort, tt.server)
			}
		})
	}
}

func TestKnownFlowWinsOverPorts(t *testing.T) {
	a, _ := newTestAgent(t, testConfig())
	defer a.exporter.Stop()

	// Client on port 8080 talking to a server on 80: both are HTTP ports.
	seg := &capture.Segment{SrcIP: "a", SrcPort: 8080, DstIP: "b", DstPort: 80, Payload: []byte("GET / HTTP/1.0\r\n\r\n")}
	a.handleSegment(seg)

	reply := &capture.Segment{SrcIP: "b", SrcPort: 80, DstIP: "a", DstPort: 8080}
	_, src, ok := a.classify(reply)
	if !ok || src != nhttp.SourceServer {
		t.Errorf("classify(reply) = %s, %t; want server", src, ok)
	}
}

func TestGapDropsFlow(t *testing.T) {
	a, _ := newTestAgent(t, testConfig())
	defer a.exporter.Stop()

	a.handleSegment(clientSeg("GET / HTTP/1.1\r\n"))
	gap := clientSeg("more")
	gap.Skip = 100
	a.handleSegment(gap)

	if a.tracker.Count() != 0 || len(a.flows) != 0 || a.reassembler.StreamCount() != 0 {
		t.Errorf("flow survived a gap: tracker=%d flows=%d streams=%d",
			a.tracker.Count(), len(a.flows), a.reassembler.StreamCount())
	}
	if got := testutil.ToFloat64(a.metrics.FlowsEvicted.WithLabelValues(reasonGap)); got != 1 {
		t.Errorf("evicted{gap} = %v, want 1", got)
	}
	if got := a.healthStats.FlowsDropped.Load(); got != 1 {
		t.Errorf("FlowsDropped = %d, want 1", got)
	}
}

func TestEmptySegmentsDoNotCreateFlows(t *testing.T) {
	a, _ := newTestAgent(t, testConfig())
	defer a.exporter.Stop()

	syn := clientSeg("")
	syn.Start = true
	a.handleSegment(syn)
	fin := clientSeg("")
	fin.End = true
	a.handleSegment(fin)

	if a.tracker.Count() != 0 {
		t.Errorf("tracked flows = %d, want 0", a.tracker.Count())
	}
}

func TestCapacityEvictionForgetsStream(t *testing.T) {
	cfg := testConfig()
	cfg.Conntrack.MaxFlows = 1
	a, _ := newTestAgent(t, cfg)
	defer a.exporter.Stop()

	a.handleSegment(clientSeg("GET /one HTTP/1.1\r\n"))
	other := clientSeg("GET /two HTTP/1.1\r\n")
	other.SrcPort = 40001
	a.handleSegment(other)

	if a.tracker.Count() != 1 || len(a.flows) != 1 {
		t.Errorf("tracker=%d flows=%d, want 1 each", a.tracker.Count(), len(a.flows))
	}
	if a.reassembler.StreamCount() != 1 {
		t.Errorf("streams = %d, want 1", a.reassembler.StreamCount())
	}
	if got := testutil.ToFloat64(a.metrics.FlowsEvicted.WithLabelValues(reasonCapacity)); got != 1 {
		t.Errorf("evicted{capacity} = %v, want 1", got)
	}
}

func TestCleanupDropsIdleFlows(t *testing.T) {
	a, _ := newTestAgent(t, testConfig())
	defer a.exporter.Stop()

	a.handleSegment(clientSeg("GET / HTTP/1.1\r\n"))
	for _, st := range a.flows {
		st.info.LastSeen = time.Now().Add(-time.Hour)
	}
	a.cleanup()

	if a.tracker.Count() != 0 || len(a.flows) != 0 || a.reassembler.StreamCount() != 0 {
		t.Errorf("idle flow kept: tracker=%d flows=%d streams=%d",
			a.tracker.Count(), len(a.flows), a.reassembler.StreamCount())
	}
	if got := testutil.ToFloat64(a.metrics.FlowsEvicted.WithLabelValues(reasonIdle)); got != 1 {
		t.Errorf("evicted{idle} = %v, want 1", got)
	}
}

func TestReload(t *testing.T) {
	a, _ := newTestAgent(t, testConfig())
	defer a.exporter.Stop()

	seg := &capture.Segment{SrcIP: "a", SrcPort: 50000, DstIP: "b", DstPort: 9999}
	if _, _, ok := a.classify(seg); ok {
		t.Fatal("port 9999 classified before reload")
	}

	cfg := testConfig()
	cfg.Inspection.HTTPPorts = []uint16{9999}
	if err := a.Reload(cfg); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, src, ok := a.classify(seg); !ok || src != nhttp.SourceClient {
		t.Errorf("classify after reload = %s, %t", src, ok)
	}

	bad := testConfig()
	bad.Inspection.ScratchOverhead = -1
	if err := a.Reload(bad); err == nil {
		t.Error("Reload accepted an invalid config")
	}
	if a.cfg.Load() != cfg {
		t.Error("invalid config replaced the running one")
	}
}

/* ─── End to end over a pcap file ───────────────────────────────── */

type tcpPacket struct {
	sport, dport uint16
	seq          uint32
	syn, fin     bool
	payload      string
}

func buildPacket(t *testing.T, p tcpPacket) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(192, 168, 1, 10),
		DstIP:    net.IPv4(192, 168, 1, 20),
	}
	if p.sport == 80 {
		ip.SrcIP, ip.DstIP = ip.DstIP, ip.SrcIP
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(p.sport),
		DstPort: layers.TCPPort(p.dport),
		Seq:     p.seq,
		SYN:     p.syn,
		FIN:     p.fin,
		ACK:     !p.syn,
		Window:  65535,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(p.payload)); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return buf.Bytes()
}

func writePcap(t *testing.T, packets []tcpPacket) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "http.pcap")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		t.Fatalf("WriteFileHeader: %v", err)
	}
	ts := time.Unix(1700000000, 0)
	for i, p := range packets {
		data := buildPacket(t, p)
		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := w.WritePacket(ci, data); err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return path
}

func TestReplayPcap(t *testing.T) {
	const req = "POST /login HTTP/1.1\r\nHost: shop.example\r\nContent-Length: 3\r\n\r\nabc"
	const resp = "HTTP/1.1 302 Found\r\nLocation: /home\r\nContent-Length: 0\r\n\r\n"

	cseq, sseq := uint32(1000), uint32(5000)
	packets := []tcpPacket{
		{sport: 40000, dport: 80, seq: cseq, syn: true},
		{sport: 80, dport: 40000, seq: sseq, syn: true},
		{sport: 40000, dport: 80, seq: cseq + 1, payload: req},
		{sport: 80, dport: 40000, seq: sseq + 1, payload: resp},
		{sport: 40000, dport: 80, seq: cseq + 1 + uint32(len(req)), fin: true},
		{sport: 80, dport: 40000, seq: sseq + 1 + uint32(len(resp)), fin: true},
	}

	cfg := testConfig()
	cfg.Capture.PcapFile = writePcap(t, packets)
	a, sink := newTestAgent(t, cfg)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	statuses := sink.byKind(nhttp.SectionStatus.String())
	if len(statuses) != 1 {
		t.Fatalf("status records = %d, want 1 (all: %d)", len(statuses), len(sink.all()))
	}
	st := statuses[0]
	if st.Method != "POST" || st.URI != "/login" || st.Status != 302 || st.Host != "shop.example" {
		t.Errorf("status record = %+v", st)
	}
	if st.Client != "192.168.1.10:40000" || st.Server != "192.168.1.20:80" {
		t.Errorf("endpoints = %s -> %s", st.Client, st.Server)
	}

	if got := testutil.ToFloat64(a.metrics.Transactions.WithLabelValues("POST", "3xx")); got != 1 {
		t.Errorf("transactions{POST,3xx} = %v, want 1", got)
	}
	if a.tracker.Count() != 0 {
		t.Errorf("tracked flows after replay = %d", a.tracker.Count())
	}
	if got := a.healthStats.RecordsExported.Load(); got != int64(len(sink.all())) {
		t.Errorf("RecordsExported = %d, want %d", got, len(sink.all()))
	}
}

func TestStartMissingPcap(t *testing.T) {
	cfg := testConfig()
	cfg.Capture.PcapFile = filepath.Join(t.TempDir(), "absent.pcap")
	a, _ := newTestAgent(t, cfg)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Wait(); err == nil {
		t.Error("Wait returned nil for a missing capture file")
	}
	a.Stop()
}
