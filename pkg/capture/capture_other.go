// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !linux

package capture

import (
	"context"
	"errors"
	"runtime"

	"go.uber.org/zap"
)

// otherCapturer stands in where no live capture backend exists. Capture
// files still work on every platform.
type otherCapturer struct {
	baseCapturer
}

func newCapturer(cfg *Config) Capturer {
	c := &otherCapturer{}
	c.setup(cfg)
	return c
}

func (c *otherCapturer) Start(ctx context.Context) error {
	c.logger.Warn("live capture unavailable, replay a pcap file instead",
		zap.String("os", runtime.GOOS),
	)
	return errors.New("live capture is not supported on " + runtime.GOOS)
}
