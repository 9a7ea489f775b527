// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"
)

// pcapngMagic is the block type of a pcapng section header.
const pcapngMagic = 0x0A0D0D0A

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// fileCapturer replays a capture file as if it were received from the
// wire. Reassembly timeouts follow the packet timestamps, not wall time.
type fileCapturer struct {
	baseCapturer
}

func newFileCapturer(cfg *Config) Capturer {
	c := &fileCapturer{}
	c.setup(cfg)
	return c
}

func (c *fileCapturer) Start(ctx context.Context) error {
	f, err := os.Open(c.cfg.PcapFile)
	if err != nil {
		return fmt.Errorf("open pcap %q: %w", c.cfg.PcapFile, err)
	}
	defer f.Close()

	src, err := openReader(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("read pcap %q: %w", c.cfg.PcapFile, err)
	}

	c.logger.Info("pcap replay started",
		zap.String("file", c.cfg.PcapFile),
		zap.Stringer("link_type", src.LinkType()),
	)

	d := newDecoder(src.LinkType())
	var nextFlush time.Time
	start := time.Now()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-c.stopCh:
			break loop
		default:
		}

		data, ci, err := src.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				c.logger.Warn("pcap file truncated", zap.Error(err))
				break
			}
			c.decodeErrors.Add(1)
			c.flushAll()
			return fmt.Errorf("read pcap %q: %w", c.cfg.PcapFile, err)
		}

		c.handlePacket(d, data, ci.Timestamp)

		if nextFlush.IsZero() {
			nextFlush = ci.Timestamp.Add(c.cfg.FlushInterval)
		} else if ci.Timestamp.After(nextFlush) {
			nextFlush = ci.Timestamp.Add(c.cfg.FlushInterval)
			c.flushOlderThan(ci.Timestamp.Add(-c.cfg.ReorderTimeout))
		}
	}

	closed := c.flushAll()
	st := c.Stats()
	c.logger.Info("pcap replay finished",
		zap.Uint64("packets", st.Packets),
		zap.Uint64("segments", st.Segments),
		zap.Uint64("decode_errors", st.DecodeErrors),
		zap.Int("flushed_connections", closed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// openReader detects pcap versus pcapng from the leading magic number.
func openReader(r *bufio.Reader) (packetReader, error) {
	magic, err := r.Peek(4)
	if err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		return pcapgo.NewNgReader(r, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(r)
}
