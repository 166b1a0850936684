// Package execlog owns the append-only execution log: a buffered batch
// writer fed by dispatch workers, an idempotent hourly aggregator, and the
// internal query surface.
package execlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/notifyops/relay/pkg/models"
)

// Store is the persistence surface for execution records and aggregates.
// Record inserts are idempotent on execution_id.
type Store interface {
	InsertRecords(ctx context.Context, recs []*models.ExecutionRecord) error
	RecordsInWindow(ctx context.Context, from, to time.Time) ([]*models.ExecutionRecord, error)
	RecordsByHook(ctx context.Context, hookID string, from, to time.Time) ([]*models.ExecutionRecord, error)
	RecordsByTeam(ctx context.Context, teamID string, from, to time.Time) ([]*models.ExecutionRecord, error)
	UpsertHourly(ctx context.Context, stats []*models.HourlyStats) error
	HourlyByHook(ctx context.Context, hookID string, from, to time.Time) ([]*models.HourlyStats, error)
}

// WriterConfig controls write batching.
type WriterConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultWriterConfig returns the built-in writer defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{BufferSize: 1024, BatchSize: 64, FlushInterval: 2 * time.Second}
}

// Writer batches execution records into the store. Workers hand records
// over a buffered channel and never block on storage I/O.
type Writer struct {
	store  Store
	cfg    WriterConfig
	logger *slog.Logger
	in     chan *models.ExecutionRecord
	done   chan struct{}
}

// NewWriter creates a writer. Call Run to start draining.
func NewWriter(store Store, cfg WriterConfig, logger *slog.Logger) *Writer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultWriterConfig().BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultWriterConfig().FlushInterval
	}
	return &Writer{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "execlog"),
		in:     make(chan *models.ExecutionRecord, cfg.BufferSize),
		done:   make(chan struct{}),
	}
}

// Write enqueues one record. When the buffer is full the record is written
// synchronously rather than dropped.
func (w *Writer) Write(ctx context.Context, rec *models.ExecutionRecord) {
	select {
	case w.in <- rec:
	default:
		w.logger.Warn("execution log buffer full, writing synchronously",
			"execution_id", rec.ExecutionID)
		if err := w.store.InsertRecords(ctx, []*models.ExecutionRecord{rec}); err != nil {
			w.logger.Error("synchronous record write failed",
				"execution_id", rec.ExecutionID, "error", err)
		}
	}
}

// Run drains the buffer until the context is cancelled, then flushes what
// remains. Returns after the final flush.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*models.ExecutionRecord, 0, w.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.store.InsertRecords(context.WithoutCancel(ctx), batch); err != nil {
			w.logger.Error("record batch write failed", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case rec := <-w.in:
					batch = append(batch, rec)
					if len(batch) >= w.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case rec := <-w.in:
			batch = append(batch, rec)
			if len(batch) >= w.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Wait blocks until Run has flushed and returned.
func (w *Writer) Wait() {
	<-w.done
}
