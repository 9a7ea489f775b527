// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/httpinspect/pkg/capture"
	"github.com/mbeema/httpinspect/pkg/config"
	"github.com/mbeema/httpinspect/pkg/conntrack"
	"github.com/mbeema/httpinspect/pkg/export"
	"github.com/mbeema/httpinspect/pkg/health"
	"github.com/mbeema/httpinspect/pkg/metrics"
	"github.com/mbeema/httpinspect/pkg/nhttp"
	"github.com/mbeema/httpinspect/pkg/reassembly"
	"github.com/mbeema/httpinspect/pkg/redact"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Flow drop reasons, used as metric labels.
const (
	reasonCapacity  = "capacity"
	reasonIdle      = "idle"
	reasonGap       = "gap"
	reasonInvariant = "invariant"
)

// Agent wires packet capture, flow tracking, section splitting and HTTP
// analysis to the metrics, export and health subsystems.
//
// Flow operations are serialized by flowMu: segment delivery, idle cleanup
// and shutdown flush all take it, and every section callback runs beneath
// one of them.
type Agent struct {
	cfg     atomic.Pointer[config.Config]
	ports   atomic.Pointer[map[uint16]bool]
	logger  *zap.Logger
	version string

	healthStats  *health.Stats
	healthServer *health.Server
	metrics      *metrics.Inspection
	tracker      *conntrack.Tracker
	reassembler  *reassembly.Reassembler
	exporter     *export.Manager
	capturer     capture.Capturer
	redactor     atomic.Pointer[redact.Redactor]
	sampler      atomic.Pointer[export.Sampler]

	flowMu      sync.Mutex
	flows       map[uint64]*flowState
	evictReason string

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	runErr   error
	stopOnce sync.Once
}

// flowState is what the agent remembers about a tracked flow beyond the
// tracker's session state.
type flowState struct {
	info   *conntrack.FlowInfo
	closed [2]bool

	// Infractions and events already reported, per direction. The flow
	// accumulates bits for its lifetime; only new ones are reported.
	reportedInf [2]nhttp.Bits128
	reportedEvt [2]nhttp.Bits128
}

// New creates an agent from configuration. Nothing runs until Start.
func New(cfg *config.Config, version string, logger *zap.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Agent{
		logger:      logger,
		version:     version,
		flows:       make(map[uint64]*flowState),
		evictReason: reasonCapacity,
	}
	a.cfg.Store(cfg)
	a.storePorts(cfg)
	if err := a.storeRecordPolicy(cfg); err != nil {
		return nil, err
	}

	a.healthStats = health.NewStats()
	a.metrics = metrics.NewInspection()

	a.tracker = conntrack.NewTracker(cfg.Conntrack.MaxFlows)
	a.tracker.OnEvict(a.onEvict)

	a.reassembler = reassembly.NewReassembler(logger, cfg.ParaList())
	a.reassembler.OnSection(a.handleSection)

	exporter, err := export.NewManager(&cfg.Exporters, cfg.ServiceName, version, logger)
	if err != nil {
		return nil, err
	}
	a.setExporter(exporter)

	a.capturer = capture.New(&capture.Config{
		Interfaces:     cfg.Capture.Interfaces,
		PcapFile:       cfg.Capture.PcapFile,
		Ports:          cfg.Capture.Ports,
		FlushInterval:  cfg.Capture.FlushInterval,
		ReorderTimeout: cfg.Capture.ReorderTimeout,
		Logger:         logger,
	})
	a.capturer.OnSegment(a.handleSegment)
	a.metrics.RegisterCapture(a.capturer.Stats)
	if err := a.metrics.RegisterHost(cfg.Capture.Interfaces, logger); err != nil {
		logger.Warn("host metrics unavailable", zap.Error(err))
	}

	if cfg.Health.Enabled {
		a.healthServer = health.NewServer(cfg.Health.Port, version, a.healthStats, a.metrics.Registry(), logger)
	}

	return a, nil
}

func (a *Agent) setExporter(m *export.Manager) {
	m.OnDrop(func(n int) {
		a.healthStats.RecordsDropped.Add(int64(n))
		a.metrics.ExportDropped.Add(float64(n))
	})
	a.exporter = m
}

// storeRecordPolicy installs the redaction rules and clean-record sampling
// rate.
func (a *Agent) storeRecordPolicy(cfg *config.Config) error {
	r, err := redact.FromConfig(&cfg.Redaction)
	if err != nil {
		return err
	}
	a.redactor.Store(r)
	a.sampler.Store(export.NewSampler(cfg.Exporters.SampleRate))
	return nil
}

func (a *Agent) storePorts(cfg *config.Config) {
	ports := make(map[uint16]bool, len(cfg.Inspection.HTTPPorts))
	for _, p := range cfg.Inspection.HTTPPorts {
		ports[p] = true
	}
	a.ports.Store(&ports)
}

// Start launches capture and housekeeping. It returns once everything is
// running; Wait reports when capture ends.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.exporter.Start(ctx); err != nil {
		return err
	}
	if a.healthServer != nil {
		if err := a.healthServer.Start(ctx); err != nil {
			a.logger.Warn("health server failed to start", zap.Error(err))
			a.healthServer = nil
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// Housekeeping stops with capture: a replayed file ends the run.
		defer cancel()
		err := a.capturer.Start(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		a.cleanupLoop(gctx)
		return nil
	})

	go func() {
		a.runErr = g.Wait()
		close(a.done)
	}()

	if a.healthServer != nil {
		a.healthServer.SetReady(true)
	}

	cfg := a.cfg.Load()
	a.logger.Info("inspector started",
		zap.Strings("interfaces", cfg.Capture.Interfaces),
		zap.String("pcap_file", cfg.Capture.PcapFile),
		zap.Int("http_ports", len(cfg.Inspection.HTTPPorts)),
		zap.Bool("detect_by_content", cfg.Inspection.DetectByContent),
	)
	return nil
}

// Done is closed when capture and housekeeping have both returned.
func (a *Agent) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// Wait blocks until capture ends and returns its error.
func (a *Agent) Wait() error {
	done := a.Done()
	if done == nil {
		return nil
	}
	<-done
	return a.runErr
}

// Stop shuts the agent down: capture is stopped, every open flow is
// flushed through analysis, and queued records are exported.
func (a *Agent) Stop() error {
	var err error
	a.stopOnce.Do(func() {
		err = a.stop()
	})
	return err
}

func (a *Agent) stop() error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	if a.healthServer != nil {
		a.healthServer.SetReady(false)
	}

	if cancel != nil {
		cancel()
	}
	a.capturer.Stop()
	if done != nil {
		<-done
	}

	a.flowMu.Lock()
	for _, st := range a.flows {
		a.finishFlow(st)
	}
	a.flowMu.Unlock()

	if err := a.exporter.Stop(); err != nil {
		a.logger.Warn("exporter stop failed", zap.Error(err))
	}
	a.healthStats.RecordsExported.Store(a.exporter.Exported())

	if a.healthServer != nil {
		a.healthServer.Stop()
	}

	snap := a.healthStats.Snapshot()
	cs := a.capturer.Stats()
	a.logger.Info("inspector stopped",
		zap.Uint64("packets", cs.Packets),
		zap.Int64("segments", snap.SegmentsReceived),
		zap.Int64("sections", snap.SectionsAnalyzed),
		zap.Int64("flows", snap.FlowsTracked),
		zap.Int64("flows_dropped", snap.FlowsDropped),
		zap.Int64("invariant_errors", snap.InvariantErrors),
		zap.Int64("records_exported", snap.RecordsExported),
		zap.Int64("records_dropped", snap.RecordsDropped),
	)
	return nil
}

// Reload applies a new configuration. Inspection parameters and the HTTP
// port set take effect for the next section; capture, export and health
// settings need a restart.
func (a *Agent) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := a.storeRecordPolicy(cfg); err != nil {
		return err
	}
	old := a.cfg.Load()
	a.cfg.Store(cfg)
	a.storePorts(cfg)
	a.reassembler.SetParams(cfg.ParaList())

	if restartNeeded(old, cfg) {
		a.logger.Warn("capture, export or health settings changed; restart to apply")
	}
	a.logger.Info("configuration reloaded",
		zap.Int64("request_depth", cfg.Inspection.RequestDepth),
		zap.Int64("response_depth", cfg.Inspection.ResponseDepth),
		zap.Int64("file_depth", cfg.Inspection.FileDepth),
		zap.Bool("unzip", cfg.Inspection.Unzip),
		zap.Int("http_ports", len(cfg.Inspection.HTTPPorts)),
		zap.Float64("sample_rate", cfg.Exporters.SampleRate),
		zap.Bool("redaction", cfg.Redaction.Enabled),
	)
	return nil
}

func restartNeeded(old, cfg *config.Config) bool {
	if old.Capture.PcapFile != cfg.Capture.PcapFile ||
		strings.Join(old.Capture.Interfaces, ",") != strings.Join(cfg.Capture.Interfaces, ",") {
		return true
	}
	if old.Exporters.OTLP.Enabled != cfg.Exporters.OTLP.Enabled ||
		old.Exporters.OTLP.Endpoint != cfg.Exporters.OTLP.Endpoint ||
		old.Exporters.Stdout.Enabled != cfg.Exporters.Stdout.Enabled {
		return true
	}
	return old.Health != cfg.Health
}

/* ─── Segment path ──────────────────────────────────────────────── */

var httpVersionPrefix = []byte("HTTP/")

// classify orients a segment: it returns the flow key with the client on
// the left and the direction the payload travels. Known flows win, then
// the HTTP port set, then content detection.
func (a *Agent) classify(seg *capture.Segment) (conntrack.FlowKey, nhttp.SourceID, bool) {
	fwd := conntrack.FlowKey{
		ClientAddr: seg.SrcIP, ClientPort: seg.SrcPort,
		ServerAddr: seg.DstIP, ServerPort: seg.DstPort,
	}
	rev := conntrack.FlowKey{
		ClientAddr: seg.DstIP, ClientPort: seg.DstPort,
		ServerAddr: seg.SrcIP, ServerPort: seg.SrcPort,
	}

	if a.tracker.Lookup(fwd) != nil {
		return fwd, nhttp.SourceClient, true
	}
	if a.tracker.Lookup(rev) != nil {
		return rev, nhttp.SourceServer, true
	}

	ports := *a.ports.Load()
	switch {
	case ports[seg.DstPort]:
		return fwd, nhttp.SourceClient, true
	case ports[seg.SrcPort]:
		return rev, nhttp.SourceServer, true
	}

	if !a.cfg.Load().Inspection.DetectByContent || len(seg.Payload) == 0 {
		return conntrack.FlowKey{}, 0, false
	}
	if bytes.HasPrefix(seg.Payload, httpVersionPrefix) {
		return rev, nhttp.SourceServer, true
	}
	if reassembly.LooksLikeHTTP(seg.Payload, seg.DstPort) {
		return fwd, nhttp.SourceClient, true
	}
	return conntrack.FlowKey{}, 0, false
}

func (a *Agent) handleSegment(seg *capture.Segment) {
	a.healthStats.SegmentsReceived.Add(1)

	key, src, ok := a.classify(seg)
	if !ok {
		return
	}

	a.flowMu.Lock()
	defer a.flowMu.Unlock()

	st := a.flowFor(key, len(seg.Payload) > 0)
	if st == nil {
		return
	}
	id := st.info.ID

	// Bytes were lost inside the stream; framing cannot be recovered.
	if seg.Skip > 0 {
		a.logger.Debug("gap in TCP stream, dropping flow",
			zap.Uint64("flow", id),
			zap.Stringer("key", key),
			zap.Int("skipped", seg.Skip),
		)
		a.dropFlow(st, reasonGap)
		return
	}

	if len(seg.Payload) > 0 {
		a.tracker.AddBytes(key, src, uint64(len(seg.Payload)))
		if err := a.reassembler.Append(id, st.info.Data, src, seg.Payload); err != nil {
			a.flowFailed(st, "append", err)
			return
		}
	}

	if seg.End {
		if err := a.reassembler.Close(id, src); err != nil {
			a.flowFailed(st, "close", err)
			return
		}
		st.closed[src] = true
		if st.closed[nhttp.SourceClient] && st.closed[nhttp.SourceServer] {
			a.finishFlow(st)
		}
	}
}

// flowFor returns the state of the flow for key. A flow is only created
// once it carries payload. Must be called under flowMu.
func (a *Agent) flowFor(key conntrack.FlowKey, hasPayload bool) *flowState {
	if info := a.tracker.Lookup(key); info != nil {
		return a.flows[info.ID]
	}
	if !hasPayload {
		return nil
	}

	info, created := a.tracker.Register(key)
	if !created {
		return a.flows[info.ID]
	}
	st := &flowState{info: info}
	a.flows[info.ID] = st

	a.healthStats.FlowsTracked.Add(1)
	a.metrics.FlowsTotal.Inc()
	a.metrics.ActiveFlows.Set(float64(a.tracker.Count()))

	a.logger.Debug("tracking HTTP flow", zap.Uint64("flow", info.ID), zap.Stringer("key", key))
	return st
}

// finishFlow flushes both directions through analysis and releases the
// flow. Must be called under flowMu.
func (a *Agent) finishFlow(st *flowState) {
	if err := a.reassembler.RemoveStream(st.info.ID); err != nil {
		a.flowFailed(st, "flush", err)
		return
	}
	delete(a.flows, st.info.ID)
	a.tracker.Remove(st.info.Key)
	a.metrics.ActiveFlows.Set(float64(a.tracker.Count()))
}

// dropFlow abandons a flow without flushing it. Must be called under
// flowMu.
func (a *Agent) dropFlow(st *flowState, reason string) {
	a.reassembler.Forget(st.info.ID)
	delete(a.flows, st.info.ID)
	a.tracker.Remove(st.info.Key)

	a.healthStats.FlowsDropped.Add(1)
	a.metrics.FlowsEvicted.WithLabelValues(reason).Inc()
	a.metrics.ActiveFlows.Set(float64(a.tracker.Count()))
}

// flowFailed handles an error from the analysis path. Every such error is
// an internal invariant violation: it is logged and the flow is dropped so
// that the process keeps serving the others.
func (a *Agent) flowFailed(st *flowState, op string, err error) {
	fields := []zap.Field{
		zap.Uint64("flow", st.info.ID),
		zap.Stringer("key", st.info.Key),
		zap.String("op", op),
		zap.Error(err),
	}
	if errors.Is(err, nhttp.ErrInvariant) {
		a.logger.Error("invariant violation, dropping flow", fields...)
	} else {
		a.logger.Warn("flow analysis failed, dropping flow", fields...)
	}
	a.healthStats.InvariantErrors.Add(1)
	a.metrics.InvariantErrors.WithLabelValues(op).Inc()
	a.dropFlow(st, reasonInvariant)
}

// onEvict runs for flows the tracker drops on its own. It is always
// reached beneath flowMu.
func (a *Agent) onEvict(info *conntrack.FlowInfo) {
	a.reassembler.Forget(info.ID)
	delete(a.flows, info.ID)

	a.healthStats.FlowsDropped.Add(1)
	a.metrics.FlowsEvicted.WithLabelValues(a.evictReason).Inc()
	a.logger.Debug("flow evicted",
		zap.Uint64("flow", info.ID),
		zap.Stringer("key", info.Key),
		zap.String("reason", a.evictReason),
	)
}

/* ─── Section path ──────────────────────────────────────────────── */

// handleSection receives every analysed section. It runs beneath flowMu.
func (a *Agent) handleSection(s *nhttp.Section) {
	a.healthStats.SectionsAnalyzed.Add(1)

	st := a.flows[s.FlowID()]
	if st == nil {
		return
	}
	src := s.Source()
	cfg := a.cfg.Load()

	inf := s.Infractions().Diff(st.reportedInf[src])
	evt := s.Events().Diff(st.reportedEvt[src])
	st.reportedInf[src] = *s.Infractions()
	st.reportedEvt[src] = *s.Events()

	compression := st.info.Data.Compression[src]
	a.metrics.ObserveSection(s, compression, inf, evt)

	if s.Kind() == nhttp.SectionStatus {
		if t := s.Transaction(); t != nil && t.Status() != nil {
			method := ""
			if req := t.Request(); req != nil {
				method = req.MethodID().String()
			}
			a.metrics.ObserveTransaction(method, t.Status().StatusCodeNum())
		}
	}

	if cfg.Inspection.DumpSections && a.logger.Core().Enabled(zap.DebugLevel) {
		var b strings.Builder
		s.Dump(&b)
		a.logger.Debug("section", zap.Uint64("flow", s.FlowID()), zap.String("dump", b.String()))
	}

	startLine := s.Kind() == nhttp.SectionRequest || s.Kind() == nhttp.SectionStatus
	if inf.Empty() && evt.Empty() && !(cfg.Exporters.ReportClean && startLine) {
		return
	}
	rec := buildRecord(st.info, s, compression, inf, evt)
	if !a.sampler.Load().ShouldSample(rec) {
		return
	}
	rec.URI = a.redactor.Load().Redact(rec.URI)
	a.exporter.Export(rec)
}

func buildRecord(info *conntrack.FlowInfo, s *nhttp.Section, compression nhttp.Compression, inf, evt nhttp.Bits128) *export.Record {
	r := export.NewRecord()
	r.FlowID = info.ID
	r.Client = info.ClientStr()
	r.Server = info.ServerStr()
	r.Direction = s.Source().String()
	r.Kind = s.Kind().String()
	if compression != nhttp.CompressNone {
		r.Compression = compression.String()
	}
	r.Infractions = nhttp.InfractionNames(inf)
	r.Events = nhttp.EventNames(evt)

	t := s.Transaction()
	if t == nil {
		return r
	}
	if req := t.Request(); req != nil {
		r.Method = fieldString(req.Method())
		r.URI = fieldString(req.URI())
		r.Version = fieldString(req.Version())
	}
	if sl := t.Status(); sl != nil {
		if code := sl.StatusCodeNum(); code > 0 {
			r.Status = code
		}
		if r.Version == "" {
			r.Version = fieldString(sl.Version())
		}
	}
	if h := t.Header(nhttp.SourceClient); h != nil {
		r.Host = fieldString(h.ValueNorm(nhttp.HeaderHost))
	}
	return r
}

func fieldString(f nhttp.Field) string {
	if f.IsAbsent() {
		return ""
	}
	return string(f.Bytes())
}

/* ─── Housekeeping ──────────────────────────────────────────────── */

func (a *Agent) cleanupLoop(ctx context.Context) {
	interval := a.cfg.Load().Conntrack.CleanupInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cleanup()
		}
	}
}

// cleanup drops flows idle past the configured timeout and orphaned
// streams, and refreshes gauges.
func (a *Agent) cleanup() {
	idle := a.cfg.Load().Conntrack.IdleTimeout

	a.flowMu.Lock()
	a.evictReason = reasonIdle
	staleFlows := a.tracker.CleanStale(idle)
	a.evictReason = reasonCapacity
	staleStreams := a.reassembler.CleanStale(idle)
	active := a.tracker.Count()
	a.flowMu.Unlock()

	a.metrics.ActiveFlows.Set(float64(active))
	a.healthStats.RecordsExported.Store(a.exporter.Exported())

	if staleFlows > 0 || staleStreams > 0 {
		a.logger.Debug("cleaned stale flows",
			zap.Int("flows", staleFlows),
			zap.Int("streams", staleStreams),
			zap.Int("active", active),
			zap.Int("export_queue", a.exporter.QueueDepth()),
		)
	}
}
