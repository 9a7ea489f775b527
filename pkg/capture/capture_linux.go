// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// linuxCapturer uses AF_PACKET for packet capture on Linux.
type linuxCapturer struct {
	baseCapturer
}

func newCapturer(cfg *Config) Capturer {
	c := &linuxCapturer{}
	c.setup(cfg)
	return c
}

func (c *linuxCapturer) Start(ctx context.Context) error {
	if len(c.cfg.Interfaces) == 0 {
		return errors.New("live capture needs at least one interface")
	}

	c.logger.Info("packet capture started (Linux AF_PACKET)",
		zap.Strings("interfaces", c.cfg.Interfaces),
		zap.Int("ports", len(c.cfg.Ports)),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, iface := range c.cfg.Interfaces {
		tp, err := afpacket.NewTPacket(
			afpacket.OptInterface(iface),
			afpacket.OptPollTimeout(500*time.Millisecond),
		)
		if err != nil {
			return fmt.Errorf("open AF_PACKET on %s: %w", iface, err)
		}
		iface := iface
		g.Go(func() error {
			defer tp.Close()
			return c.readLoop(gctx, iface, tp)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(c.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-c.stopCh:
				return nil
			case now := <-ticker.C:
				c.flushOlderThan(now.Add(-c.cfg.ReorderTimeout))
			}
		}
	})

	err := g.Wait()
	c.flushAll()
	return err
}

func (c *linuxCapturer) readLoop(ctx context.Context, iface string, tp *afpacket.TPacket) error {
	d := newDecoder(layers.LinkTypeEthernet)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stopCh:
			return nil
		default:
		}

		data, ci, err := tp.ZeroCopyReadPacketData()
		if err != nil {
			if errors.Is(err, afpacket.ErrTimeout) {
				continue
			}
			c.logger.Warn("AF_PACKET read failed", zap.String("interface", iface), zap.Error(err))
			return fmt.Errorf("read %s: %w", iface, err)
		}
		c.handlePacket(d, data, ci.Timestamp)
	}
}
