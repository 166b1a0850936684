package execlog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/notifyops/relay/pkg/models"
)

// Aggregator folds raw execution records into hourly buckets keyed
// (hook_id, hour). Re-running any window reconciles by upsert, so the job
// is safe to replay after crashes or backfills.
type Aggregator struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
}

// NewAggregator creates the background aggregation job.
func NewAggregator(store Store, interval time.Duration, logger *slog.Logger) *Aggregator {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Aggregator{
		store:    store,
		interval: interval,
		logger:   logger.With("component", "aggregator"),
	}
}

// Aggregate recomputes hourly buckets for all records in [from, to).
func (a *Aggregator) Aggregate(ctx context.Context, from, to time.Time) error {
	recs, err := a.store.RecordsInWindow(ctx, from, to)
	if err != nil {
		return fmt.Errorf("loading records for aggregation: %w", err)
	}
	stats := Fold(recs)
	if len(stats) == 0 {
		return nil
	}
	if err := a.store.UpsertHourly(ctx, stats); err != nil {
		return fmt.Errorf("upserting hourly stats: %w", err)
	}
	a.logger.Info("aggregated execution records",
		"records", len(recs),
		"buckets", len(stats),
		"from", from,
		"to", to)
	return nil
}

// Run aggregates the trailing two hours on each tick, catching late
// arrivals in the previous bucket.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			from := now.Truncate(time.Hour).Add(-time.Hour)
			if err := a.Aggregate(ctx, from, now); err != nil {
				a.logger.Error("aggregation pass failed", "error", err)
			}
		}
	}
}

type bucketKey struct {
	hookID string
	hour   time.Time
}

// Fold computes hourly buckets from raw records. Pure, so any window can
// be recomputed deterministically.
func Fold(recs []*models.ExecutionRecord) []*models.HourlyStats {
	durations := make(map[bucketKey][]int64)
	buckets := make(map[bucketKey]*models.HourlyStats)

	for _, rec := range recs {
		key := bucketKey{hookID: rec.HookID, hour: rec.StartedAt.UTC().Truncate(time.Hour)}
		b, ok := buckets[key]
		if !ok {
			b = &models.HourlyStats{HookID: key.hookID, Hour: key.hour}
			buckets[key] = b
		}
		b.Total++
		switch rec.Status {
		case models.ExecutionSuccess, models.ExecutionRecovered:
			// Recovered deliveries reached the recipient; they count as
			// successes, not failures.
			b.Successes++
		case models.ExecutionTimeout:
			b.Timeouts++
		case models.ExecutionCancelled:
			b.Cancelled++
		default:
			b.Failures++
		}
		durations[key] = append(durations[key], rec.DurationMS)
	}

	out := make([]*models.HourlyStats, 0, len(buckets))
	for key, b := range buckets {
		ds := durations[key]
		sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
		b.MinDurationMS = ds[0]
		b.MaxDurationMS = ds[len(ds)-1]
		var sum int64
		for _, d := range ds {
			sum += d
		}
		b.AvgDurationMS = float64(sum) / float64(len(ds))
		b.P95DurationMS = ds[p95Index(len(ds))]
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Hour.Equal(out[j].Hour) {
			return out[i].Hour.Before(out[j].Hour)
		}
		return out[i].HookID < out[j].HookID
	})
	return out
}

// p95Index is the nearest-rank index for the 95th percentile.
func p95Index(n int) int {
	idx := (n*95 + 99) / 100
	if idx < 1 {
		idx = 1
	}
	return idx - 1
}
