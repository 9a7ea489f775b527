// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/httpinspect/pkg/config"
)

// Exporter ships inspection records to a sink.
type Exporter interface {
	ExportRecords(ctx context.Context, records []*Record) error
	Shutdown(ctx context.Context) error
}

const (
	defaultBatchSize     = 500
	defaultFlushInterval = 5 * time.Second
	defaultQueueSize     = 10000

	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	backoffFactor  = 2.0
)

// Manager batches inspection records and exports them with retry.
type Manager struct {
	logger    *zap.Logger
	exporters []Exporter

	recordCh chan *Record

	exported  atomic.Int64
	dropCount atomic.Int64
	onDrop    func(n int)

	batchSize     int
	flushInterval time.Duration

	circuitBreaker *CircuitBreaker

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates an export manager from configuration. serviceName
// labels the OTLP resource.
func NewManager(cfg *config.ExportersConfig, serviceName, version string, logger *zap.Logger) (*Manager, error) {
	var exporters []Exporter

	if cfg.OTLP.Enabled {
		var exp Exporter
		var err error
		if cfg.OTLP.Protocol == "http" {
			exp, err = NewHTTPOTLPExporter(&cfg.OTLP, serviceName, version, logger)
		} else {
			exp, err = NewOTLPExporter(&cfg.OTLP, serviceName, version, logger)
		}
		if err != nil {
			logger.Warn("failed to create OTLP exporter", zap.Error(err))
		} else {
			exporters = append(exporters, exp)
		}
	}

	if cfg.Stdout.Enabled {
		exporters = append(exporters, NewStdoutExporter(cfg.Stdout.Format, nil))
	}

	return NewManagerWith(exporters, cfg.BatchSize, cfg.QueueSize, cfg.FlushInterval, logger), nil
}

// NewManagerWith creates a manager over explicit exporters. Non-positive
// sizes and intervals take defaults.
func NewManagerWith(exporters []Exporter, batchSize, queueSize int, flushInterval time.Duration, logger *zap.Logger) *Manager {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	return &Manager{
		logger:         logger,
		exporters:      exporters,
		recordCh:       make(chan *Record, queueSize),
		batchSize:      batchSize,
		flushInterval:  flushInterval,
		circuitBreaker: NewCircuitBreaker(5, 30*time.Second),
		stopCh:         make(chan struct{}),
	}
}

// OnDrop registers a callback run with the count of every dropped batch
// or record.
func (m *Manager) OnDrop(fn func(n int)) {
	m.onDrop = fn
}

// Start begins the batch export goroutine.
func (m *Manager) Start(ctx context.Context) error {
	m.wg.Add(1)
	go m.processRecords(ctx)

	m.logger.Info("export manager started",
		zap.Int("exporters", len(m.exporters)),
		zap.Int("batch_size", m.batchSize),
		zap.Duration("flush_interval", m.flushInterval),
	)
	return nil
}

// Stop flushes queued records and shuts down exporters.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, exp := range m.exporters {
		if err := exp.Shutdown(ctx); err != nil {
			m.logger.Error("exporter shutdown error", zap.Error(err))
		}
	}

	m.logger.Info("export manager stopped",
		zap.Int64("records_exported", m.exported.Load()),
		zap.Int64("dropped", m.dropCount.Load()),
	)
	return nil
}

// Export queues a record. It never blocks: a full queue drops the record.
func (m *Manager) Export(r *Record) {
	select {
	case m.recordCh <- r:
	default:
		m.drop(1)
		m.logger.Warn("record queue full, dropping record")
	}
}

func (m *Manager) drop(n int) {
	m.dropCount.Add(int64(n))
	if m.onDrop != nil {
		m.onDrop(n)
	}
}

func (m *Manager) processRecords(ctx context.Context) {
	defer m.wg.Done()

	batch := make([]*Record, 0, m.batchSize)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	drain := func(ctx context.Context) {
		for {
			select {
			case r := <-m.recordCh:
				batch = append(batch, r)
			default:
				if len(batch) > 0 {
					m.flush(ctx, batch)
				}
				return
			}
		}
	}

	for {
		select {
		case r := <-m.recordCh:
			batch = append(batch, r)
			if len(batch) >= m.batchSize {
				m.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				m.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-m.stopCh:
			drain(ctx)
			return

		case <-ctx.Done():
			drain(context.Background())
			return
		}
	}
}

func (m *Manager) flush(ctx context.Context, records []*Record) {
	ok := true
	for _, exp := range m.exporters {
		if !m.retryExport(ctx, func(expCtx context.Context) error {
			return exp.ExportRecords(expCtx, records)
		}) {
			ok = false
		}
	}
	if ok {
		m.exported.Add(int64(len(records)))
	} else {
		m.drop(len(records))
	}
}

// retryExport attempts an export with exponential backoff and circuit
// breaker. It reports whether the export eventually succeeded.
func (m *Manager) retryExport(ctx context.Context, exportFn func(context.Context) error) bool {
	if !m.circuitBreaker.Allow() {
		m.logger.Debug("circuit breaker open, dropping export")
		return false
	}

	backoff := initialBackoff

	for attempt := 0; attempt <= maxRetries; attempt++ {
		exportCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := exportFn(exportCtx)
		cancel()

		if err == nil {
			m.circuitBreaker.RecordSuccess()
			return true
		}

		m.circuitBreaker.RecordFailure()

		if attempt == maxRetries {
			m.logger.Error("export failed after retries",
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return false
		}

		m.logger.Warn("export failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false
		}

		backoff = time.Duration(math.Min(
			float64(backoff)*backoffFactor,
			float64(maxBackoff),
		))
	}
	return false
}

// Exported returns the number of records exported to every sink.
func (m *Manager) Exported() int64 {
	return m.exported.Load()
}

// DropCount returns the number of dropped records.
func (m *Manager) DropCount() int64 {
	return m.dropCount.Load()
}

// QueueDepth returns the current queue fill level.
func (m *Manager) QueueDepth() int {
	return len(m.recordCh)
}
