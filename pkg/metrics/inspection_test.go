// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mbeema/httpinspect/pkg/capture"
	"github.com/mbeema/httpinspect/pkg/nhttp"
)

func TestObserveSection(t *testing.T) {
	m := NewInspection()
	flow := nhttp.NewFlowData()
	s, err := nhttp.NewSection([]byte("GET / HTTP/1.1"), flow, nhttp.SourceClient,
		nhttp.SectionRequest, false, 1, nhttp.DefaultParaList())
	if err != nil {
		t.Fatalf("NewSection: %v", err)
	}
	defer s.Close()

	var inf, evt nhttp.Bits128
	inf.Set(nhttp.InfMissingHost)
	inf.Set(nhttp.InfBareLF)
	evt.Set(nhttp.EvtMissingHost)
	m.ObserveSection(s, nhttp.CompressNone, inf, evt)

	if got := testutil.ToFloat64(m.Sections.WithLabelValues(nhttp.SectionRequest.String(), "client")); got != 1 {
		t.Errorf("sections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SectionBytes.WithLabelValues("client")); got != 14 {
		t.Errorf("section bytes = %v, want 14", got)
	}
	if got := testutil.ToFloat64(m.Infractions.WithLabelValues("client", "missing_host")); got != 1 {
		t.Errorf("missing_host infractions = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.Infractions); got != 2 {
		t.Errorf("infraction series = %d, want 2", got)
	}
	if got := testutil.ToFloat64(m.Events.WithLabelValues("client", "missing_host")); got != 1 {
		t.Errorf("events = %v, want 1", got)
	}
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{204, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
		{0, "other"},
		{999, "other"},
	}
	for _, tt := range tests {
		if got := statusClass(tt.code); got != tt.want {
			t.Errorf("statusClass(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestRegisterCapture(t *testing.T) {
	m := NewInspection()
	st := capture.Stats{Packets: 10, Segments: 4, DecodeErrors: 1}
	m.RegisterCapture(func() capture.Stats { return st })

	expected := `
# HELP httpinspect_capture_packets_total Packets read from the source
# TYPE httpinspect_capture_packets_total counter
httpinspect_capture_packets_total 10
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "httpinspect_capture_packets_total"); err != nil {
		t.Error(err)
	}
}
