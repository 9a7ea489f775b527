// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package metrics provides Prometheus instrumentation for the inspector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mbeema/httpinspect/pkg/capture"
	"github.com/mbeema/httpinspect/pkg/nhttp"
)

const namespace = "httpinspect"

// Inspection holds the inspector's collectors. Each instance owns its
// registry so several can coexist in one process.
type Inspection struct {
	reg *prometheus.Registry

	Sections        *prometheus.CounterVec
	SectionBytes    *prometheus.CounterVec
	Infractions     *prometheus.CounterVec
	Events          *prometheus.CounterVec
	Transactions    *prometheus.CounterVec
	InvariantErrors *prometheus.CounterVec
	ExportDropped   prometheus.Counter

	ActiveFlows  prometheus.Gauge
	FlowsTotal   prometheus.Counter
	FlowsEvicted *prometheus.CounterVec

	BodyBytes *prometheus.HistogramVec
}

// NewInspection creates the collectors on a fresh registry, together with
// the standard process and Go runtime collectors.
func NewInspection() *Inspection {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
		collectors.NewGoCollector(),
	)
	f := promauto.With(reg)

	return &Inspection{
		reg: reg,
		Sections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sections_total",
				Help:      "Message sections analysed",
			},
			[]string{"kind", "direction"},
		),
		SectionBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "section_bytes_total",
				Help:      "Raw bytes carried by analysed sections",
			},
			[]string{"direction"},
		),
		Infractions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "infractions_total",
				Help:      "Protocol infractions raised, counted once per flow direction",
			},
			[]string{"direction", "infraction"},
		),
		Events: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Detection events raised, counted once per flow direction",
			},
			[]string{"direction", "event"},
		),
		Transactions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Request/response exchanges seen",
			},
			[]string{"method", "status_class"},
		),
		InvariantErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invariant_errors_total",
				Help:      "Internal invariant violations; the flow is dropped",
			},
			[]string{"op"},
		),
		ExportDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_dropped_total",
			Help:      "Inspection records dropped by the export queue",
		}),
		ActiveFlows: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_flows",
			Help:      "Flows currently tracked",
		}),
		FlowsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_total",
			Help:      "Flows tracked since start",
		}),
		FlowsEvicted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flows_evicted_total",
				Help:      "Flows dropped before they closed",
			},
			[]string{"reason"},
		),
		BodyBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "body_section_bytes",
				Help:      "Size of body sections as cut by the splitter",
				Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
			},
			[]string{"direction", "compression"},
		),
	}
}

// Registry returns the registry backing the collectors.
func (m *Inspection) Registry() *prometheus.Registry {
	return m.reg
}

// ObserveSection records an analysed section. inf and evt are the bits the
// section newly raised on its direction.
func (m *Inspection) ObserveSection(s *nhttp.Section, compression nhttp.Compression, inf, evt nhttp.Bits128) {
	dir := s.Source().String()
	m.Sections.WithLabelValues(s.Kind().String(), dir).Inc()
	m.SectionBytes.WithLabelValues(dir).Add(float64(s.MsgText().Len()))

	if s.Kind() == nhttp.SectionBody {
		m.BodyBytes.WithLabelValues(dir, compression.String()).Observe(float64(s.MsgText().Len()))
	}

	inf.Each(func(n uint) {
		m.Infractions.WithLabelValues(dir, nhttp.InfractionName(n)).Inc()
	})
	evt.Each(func(n uint) {
		m.Events.WithLabelValues(dir, nhttp.EventName(n)).Inc()
	})
}

// ObserveTransaction records a status line matched to its transaction.
func (m *Inspection) ObserveTransaction(method string, status int) {
	m.Transactions.WithLabelValues(method, statusClass(status)).Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 100 && code < 200:
		return "1xx"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	}
	return "other"
}

// RegisterCapture exposes a capturer's counters.
func (m *Inspection) RegisterCapture(stats func() capture.Stats) {
	f := promauto.With(m.reg)
	counter := func(name, help string, v func(capture.Stats) uint64) {
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v(stats())) })
	}
	counter("packets_total", "Packets read from the source", func(s capture.Stats) uint64 { return s.Packets })
	counter("segments_total", "Reassembled TCP segments delivered", func(s capture.Stats) uint64 { return s.Segments })
	counter("decode_errors_total", "Packets that failed to decode", func(s capture.Stats) uint64 { return s.DecodeErrors })
	counter("filtered_total", "Packets outside the port filter", func(s capture.Stats) uint64 { return s.Filtered })
}
