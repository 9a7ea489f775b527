// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package capture

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/tcpassembly"
	"go.uber.org/zap"
)

// Segment is a run of in-order TCP payload for one direction of a
// connection, as produced by stream reassembly. Payload is only valid for
// the duration of the callback.
type Segment struct {
	Timestamp time.Time
	SrcIP     string
	DstIP     string
	SrcPort   uint16
	DstPort   uint16
	Payload   []byte

	// Skip is the number of bytes lost before Payload; -1 when the start
	// of the stream was never seen.
	Skip int
	// Start is set when the SYN was seen; End when the direction closed.
	Start bool
	End   bool
}

// Stats are cumulative capture counters.
type Stats struct {
	Packets      uint64
	Segments     uint64
	DecodeErrors uint64
	Filtered     uint64
}

// Capturer is the interface for packet capture. Start blocks until the
// source is exhausted, ctx is cancelled, or Stop is called.
type Capturer interface {
	Start(ctx context.Context) error
	Stop() error
	OnSegment(fn func(*Segment))
	Stats() Stats
}

// Config holds capture configuration.
type Config struct {
	// Interfaces to capture on live. Ignored when PcapFile is set.
	Interfaces []string
	// PcapFile replays a pcap or pcapng file instead of capturing live.
	PcapFile string
	// Ports limits capture to TCP segments with either port in the set.
	// Empty means all TCP traffic.
	Ports []uint16
	// FlushInterval is how often buffered out-of-order data older than
	// ReorderTimeout is forced through.
	FlushInterval  time.Duration
	ReorderTimeout time.Duration
	Logger         *zap.Logger
}

// baseCapturer provides decoding and TCP reassembly common to every
// packet source. handlePacket may be called from several goroutines.
type baseCapturer struct {
	cfg       *Config
	logger    *zap.Logger
	mu        sync.RWMutex
	callbacks []func(*Segment)
	stopCh    chan struct{}
	stopOnce  sync.Once

	asmMu     sync.Mutex
	assembler *tcpassembly.Assembler
	ports     map[uint16]bool

	packets      atomic.Uint64
	segments     atomic.Uint64
	decodeErrors atomic.Uint64
	filtered     atomic.Uint64
}

// setup initializes the capturer in place; the stream factory keeps a
// pointer to it.
func (c *baseCapturer) setup(cfg *Config) {
	c.cfg = cfg
	c.logger = cfg.Logger
	c.stopCh = make(chan struct{})
	c.ports = make(map[uint16]bool, len(cfg.Ports))
	for _, p := range cfg.Ports {
		c.ports[p] = true
	}

	pool := tcpassembly.NewStreamPool(&streamFactory{c: c})
	c.assembler = tcpassembly.NewAssembler(pool)
	c.assembler.MaxBufferedPagesTotal = 1024 * 25
	c.assembler.MaxBufferedPagesPerConnection = 256
}

func (c *baseCapturer) OnSegment(fn func(*Segment)) {
	c.mu.Lock()
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

func (c *baseCapturer) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	return nil
}

func (c *baseCapturer) Stats() Stats {
	return Stats{
		Packets:      c.packets.Load(),
		Segments:     c.segments.Load(),
		DecodeErrors: c.decodeErrors.Load(),
		Filtered:     c.filtered.Load(),
	}
}

func (c *baseCapturer) emit(seg *Segment) {
	c.segments.Add(1)

	c.mu.RLock()
	cbs := c.callbacks
	c.mu.RUnlock()

	for _, cb := range cbs {
		cb(seg)
	}
}

// decoder holds the reusable layers of one packet source. It is not safe
// for concurrent use; each source goroutine owns one.
type decoder struct {
	parser  *gopacket.DecodingLayerParser
	parser6 *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType

	eth   layers.Ethernet
	sll   layers.LinuxSLL
	lo    layers.Loopback
	dot1q layers.Dot1Q
	ip4   layers.IPv4
	ip6   layers.IPv6
	tcp   layers.TCP
	pay   gopacket.Payload
}

func newDecoder(link layers.LinkType) *decoder {
	d := &decoder{decoded: make([]gopacket.LayerType, 0, 6)}
	first := firstLayer(link)
	d.parser = d.newParser(first)
	if first == layers.LayerTypeIPv4 {
		d.parser6 = d.newParser(layers.LayerTypeIPv6)
	}
	return d
}

func (d *decoder) newParser(first gopacket.LayerType) *gopacket.DecodingLayerParser {
	p := gopacket.NewDecodingLayerParser(first,
		&d.eth, &d.sll, &d.lo, &d.dot1q, &d.ip4, &d.ip6, &d.tcp, &d.pay)
	p.IgnoreUnsupported = true // no error on unsupported layers
	return p
}

func firstLayer(link layers.LinkType) gopacket.LayerType {
	switch link {
	case layers.LinkTypeEthernet:
		return layers.LayerTypeEthernet
	case layers.LinkTypeLinuxSLL:
		return layers.LayerTypeLinuxSLL
	case layers.LinkTypeLoop, layers.LinkTypeNull:
		return layers.LayerTypeLoopback
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		return layers.LayerTypeIPv4
	case layers.LinkTypeIPv6:
		return layers.LayerTypeIPv6
	}
	return link.LayerType()
}

// handlePacket decodes one link-layer frame and feeds TCP to reassembly.
func (c *baseCapturer) handlePacket(d *decoder, data []byte, ts time.Time) {
	c.packets.Add(1)

	parser := d.parser
	// Raw captures may carry IPv6 even when the link type says IPv4.
	if d.parser6 != nil && len(data) > 0 && data[0]>>4 == 6 {
		parser = d.parser6
	}

	if err := parser.DecodeLayers(data, &d.decoded); err != nil {
		if _, ok := err.(gopacket.UnsupportedLayerType); !ok {
			c.decodeErrors.Add(1)
			return
		}
	}

	var netFlow gopacket.Flow
	haveNet, haveTCP := false, false
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			netFlow = d.ip4.NetworkFlow()
			haveNet = true
		case layers.LayerTypeIPv6:
			netFlow = d.ip6.NetworkFlow()
			haveNet = true
		case layers.LayerTypeTCP:
			haveTCP = true
		}
	}
	if !haveNet || !haveTCP {
		return
	}
	if len(c.ports) > 0 && !c.ports[uint16(d.tcp.SrcPort)] && !c.ports[uint16(d.tcp.DstPort)] {
		c.filtered.Add(1)
		return
	}

	c.asmMu.Lock()
	c.assembler.AssembleWithTimestamp(netFlow, &d.tcp, ts)
	c.asmMu.Unlock()
}

// flushOlderThan forces through data stuck behind gaps older than t and
// closes connections idle since t.
func (c *baseCapturer) flushOlderThan(t time.Time) int {
	c.asmMu.Lock()
	defer c.asmMu.Unlock()
	_, closed := c.assembler.FlushOlderThan(t)
	return closed
}

// flushAll closes every connection still held by reassembly.
func (c *baseCapturer) flushAll() int {
	c.asmMu.Lock()
	defer c.asmMu.Unlock()
	return c.assembler.FlushAll()
}

/* ─── tcpassembly glue ──────────────────────────────────────────── */

type streamFactory struct {
	c *baseCapturer
}

// New implements tcpassembly.StreamFactory.
func (f *streamFactory) New(netFlow, tcpFlow gopacket.Flow) tcpassembly.Stream {
	src, dst := netFlow.Endpoints()
	sport, dport := tcpFlow.Endpoints()
	return &halfStream{
		c:       f.c,
		srcIP:   src.String(),
		dstIP:   dst.String(),
		srcPort: portOf(sport),
		dstPort: portOf(dport),
	}
}

func portOf(ep gopacket.Endpoint) uint16 {
	raw := ep.Raw()
	if len(raw) != 2 {
		return 0
	}
	return binary.BigEndian.Uint16(raw)
}

// halfStream is one direction of a TCP connection.
type halfStream struct {
	c       *baseCapturer
	srcIP   string
	dstIP   string
	srcPort uint16
	dstPort uint16
	closed  bool
}

func (s *halfStream) segment() *Segment {
	return &Segment{
		SrcIP:   s.srcIP,
		DstIP:   s.dstIP,
		SrcPort: s.srcPort,
		DstPort: s.dstPort,
	}
}

// Reassembled implements tcpassembly.Stream.
func (s *halfStream) Reassembled(bufs []tcpassembly.Reassembly) {
	for _, r := range bufs {
		if len(r.Bytes) == 0 && !r.Start && !r.End {
			continue
		}
		seg := s.segment()
		seg.Timestamp = r.Seen
		seg.Payload = r.Bytes
		seg.Skip = r.Skip
		seg.Start = r.Start
		seg.End = r.End
		if r.End {
			s.closed = true
		}
		s.c.emit(seg)
	}
}

// ReassemblyComplete implements tcpassembly.Stream.
func (s *halfStream) ReassemblyComplete() {
	if s.closed {
		return
	}
	s.closed = true
	seg := s.segment()
	seg.Timestamp = time.Now()
	seg.End = true
	s.c.emit(seg)
}

// New creates a packet capturer: a file replayer when cfg.PcapFile is
// set, otherwise the platform's live capturer.
func New(cfg *Config) Capturer {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.ReorderTimeout <= 0 {
		cfg.ReorderTimeout = 30 * time.Second
	}
	if cfg.PcapFile != "" {
		return newFileCapturer(cfg)
	}
	return newCapturer(cfg)
}
