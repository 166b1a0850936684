package batcher

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyops/relay/pkg/models"
)

type captureSink struct {
	mu      sync.Mutex
	batches []*models.Batch
}

func (c *captureSink) sink(_ context.Context, batch *models.Batch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, batch)
}

func (c *captureSink) all() []*models.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*models.Batch(nil), c.batches...)
}

func testBatcher(cfg Config, quiet QuietHoursFunc) (*Batcher, *captureSink) {
	sink := &captureSink{}
	return New(cfg, nil, sink.sink, quiet, slog.Default()), sink
}

func decision(id, channel string, urgency models.Urgency) *models.Decision {
	return &models.Decision{
		EventID: id,
		Channel: channel,
		TeamID:  "eng",
		Urgency: urgency,
		Event: &models.Event{
			ID:   id,
			Kind: models.KindIssueUpdated,
		},
	}
}

func TestLowUrgencyAccumulates(t *testing.T) {
	b, sink := testBatcher(DefaultConfig(), nil)
	now := time.Now()

	b.Add(context.Background(), decision("e1", "#eng", models.UrgencyLow), now)
	b.Add(context.Background(), decision("e2", "#eng", models.UrgencyLow), now.Add(time.Second))
	assert.Empty(t, sink.all(), "below-threshold decisions must be held")

	b.Sweep(context.Background(), now.Add(30*time.Minute))
	batches := sink.all()
	require.Len(t, batches, 1)
	assert.Equal(t, models.FlushDeadline, batches[0].FlushTrigger)
	// Insertion order preserved.
	assert.Equal(t, []string{"e1", "e2"}, batches[0].EventIDs)
}

func TestImmediateUrgencyFlushesAndDeliversAlone(t *testing.T) {
	b, sink := testBatcher(DefaultConfig(), nil)
	now := time.Now()

	b.Add(context.Background(), decision("e1", "#eng", models.UrgencyLow), now)
	b.Add(context.Background(), decision("e2", "#eng", models.UrgencyCritical), now.Add(time.Second))

	batches := sink.all()
	require.Len(t, batches, 2)
	assert.Equal(t, models.FlushImmediateArrival, batches[0].FlushTrigger)
	assert.Equal(t, []string{"e1"}, batches[0].EventIDs)
	assert.Equal(t, []string{"e2"}, batches[1].EventIDs)
}

func TestSizeCapFlushes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 3
	cfg.PerMinuteCap = 0
	cfg.PerHourCap = 0
	b, sink := testBatcher(cfg, nil)
	now := time.Now()

	for i, id := range []string{"e1", "e2", "e3"} {
		b.Add(context.Background(), decision(id, "#eng", models.UrgencyLow), now.Add(time.Duration(i)*time.Second))
	}

	batches := sink.all()
	require.Len(t, batches, 1)
	assert.Equal(t, models.FlushSizeCap, batches[0].FlushTrigger)
	assert.Len(t, batches[0].Decisions, 3)
}

func TestChannelsBatchIndependently(t *testing.T) {
	b, sink := testBatcher(DefaultConfig(), nil)
	now := time.Now()

	b.Add(context.Background(), decision("e1", "#eng", models.UrgencyLow), now)
	b.Add(context.Background(), decision("e2", "#ops", models.UrgencyLow), now)

	b.Flush(context.Background(), "#eng", now.Add(time.Second))
	batches := sink.all()
	require.Len(t, batches, 1)
	assert.Equal(t, "#eng", batches[0].Channel)
	assert.Equal(t, models.FlushExternal, batches[0].FlushTrigger)
}

func TestDissimilarEventBreaksBatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SimilarityMaxDistance = 4
	b, sink := testBatcher(cfg, nil)
	now := time.Now()

	near := decision("e1", "#eng", models.UrgencyLow)
	near.Event.SimilarityHash = 0xFFFF_FFFF_FFFF_FFFF
	far := decision("e2", "#eng", models.UrgencyLow)
	far.Event.SimilarityHash = 0x0000_0000_0000_0001

	b.Add(context.Background(), near, now)
	b.Add(context.Background(), far, now.Add(time.Second))

	batches := sink.all()
	require.Len(t, batches, 1)
	assert.Equal(t, models.FlushSimilarityBreak, batches[0].FlushTrigger)
	assert.Equal(t, []string{"e1"}, batches[0].EventIDs)

	// The far event seeds the next batch.
	b.Flush(context.Background(), "#eng", now.Add(2*time.Second))
	batches = sink.all()
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"e2"}, batches[1].EventIDs)
}

func TestZeroSimilarityHashAlwaysJoins(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SimilarityMaxDistance = 1
	b, sink := testBatcher(cfg, nil)
	now := time.Now()

	hashed := decision("e1", "#eng", models.UrgencyLow)
	hashed.Event.SimilarityHash = 0xDEAD_BEEF_DEAD_BEEF
	unhashed := decision("e2", "#eng", models.UrgencyLow)

	b.Add(context.Background(), hashed, now)
	b.Add(context.Background(), unhashed, now.Add(time.Second))
	assert.Empty(t, sink.all())
}

func TestDeadlineExtendsWithGraceUpToCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxWait = time.Minute
	cfg.InterArrivalGrace = 45 * time.Second
	cfg.HardCeiling = 90 * time.Second
	b, sink := testBatcher(cfg, nil)
	now := time.Now()

	b.Add(context.Background(), decision("e1", "#eng", models.UrgencyLow), now)
	// Arrival near the base deadline extends it by the grace period.
	b.Add(context.Background(), decision("e2", "#eng", models.UrgencyLow), now.Add(55*time.Second))

	b.Sweep(context.Background(), now.Add(70*time.Second))
	assert.Empty(t, sink.all(), "grace extension must hold the batch past base deadline")

	// But never past the hard ceiling.
	b.Sweep(context.Background(), now.Add(91*time.Second))
	require.Len(t, sink.all(), 1)
}

func TestQuietHoursHoldNonCriticalBatches(t *testing.T) {
	now := time.Now()
	quietEnd := now.Add(4 * time.Hour)
	quiet := func(_ string, at time.Time) (time.Time, bool) {
		return quietEnd, at.Before(quietEnd)
	}
	b, sink := testBatcher(DefaultConfig(), quiet)

	b.Add(context.Background(), decision("e1", "#eng", models.UrgencyLow), now)

	b.Sweep(context.Background(), now.Add(time.Hour))
	assert.Empty(t, sink.all(), "quiet hours must hold the batch")

	b.Sweep(context.Background(), quietEnd.Add(time.Second))
	require.Len(t, sink.all(), 1)
	assert.Equal(t, models.FlushDeadline, sink.all()[0].FlushTrigger)
}

// An urgent arrival during quiet hours goes out alone; the open
// non-critical batch stays held until the quiet window ends.
func TestQuietHoursHoldBatchOnUrgentArrival(t *testing.T) {
	now := time.Now()
	quietEnd := now.Add(4 * time.Hour)
	quiet := func(_ string, at time.Time) (time.Time, bool) {
		return quietEnd, at.Before(quietEnd)
	}
	b, sink := testBatcher(DefaultConfig(), quiet)

	b.Add(context.Background(), decision("e1", "#eng", models.UrgencyLow), now)
	b.Add(context.Background(), decision("e2", "#eng", models.UrgencyCritical), now.Add(time.Second))

	batches := sink.all()
	require.Len(t, batches, 1, "only the urgent single may leave during quiet hours")
	assert.Equal(t, models.FlushImmediateArrival, batches[0].FlushTrigger)
	assert.Equal(t, []string{"e2"}, batches[0].EventIDs)

	b.Sweep(context.Background(), now.Add(time.Hour))
	assert.Len(t, sink.all(), 1, "held batch must not flush inside the window")

	b.Sweep(context.Background(), quietEnd.Add(time.Second))
	batches = sink.all()
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"e1"}, batches[1].EventIDs)
}

// Channels resolved by the policy hook use their own config.
func TestPerChannelPolicyOverride(t *testing.T) {
	base := DefaultConfig()
	base.PerMinuteCap = 0
	base.PerHourCap = 0
	policy := func(channel string) Config {
		cfg := base
		if channel == "#eng" {
			cfg.MaxBatchSize = 2
		}
		return cfg
	}
	sink := &captureSink{}
	b := New(base, policy, sink.sink, nil, slog.Default())
	now := time.Now()

	b.Add(context.Background(), decision("e1", "#eng", models.UrgencyLow), now)
	b.Add(context.Background(), decision("e2", "#eng", models.UrgencyLow), now.Add(time.Second))
	b.Add(context.Background(), decision("e3", "#ops", models.UrgencyLow), now)
	b.Add(context.Background(), decision("e4", "#ops", models.UrgencyLow), now.Add(time.Second))

	batches := sink.all()
	require.Len(t, batches, 1, "only the overridden channel hits its size cap")
	assert.Equal(t, "#eng", batches[0].Channel)
	assert.Equal(t, models.FlushSizeCap, batches[0].FlushTrigger)
}

func TestRateCapCoalescesIntoOverflowBatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerMinuteCap = 2
	cfg.MaxBatchSize = 100
	cfg.SimilarityMaxDistance = 0
	b, sink := testBatcher(cfg, nil)
	now := time.Now()

	// Two sends exhaust the per-minute cap.
	b.Add(context.Background(), decision("e1", "#eng", models.UrgencyCritical), now)
	b.Add(context.Background(), decision("e2", "#eng", models.UrgencyCritical), now.Add(time.Second))
	require.Len(t, sink.all(), 2)

	// Dissimilar low-urgency events now coalesce instead of breaking.
	a := decision("e3", "#eng", models.UrgencyLow)
	a.Event.SimilarityHash = 0xFFFF_FFFF_FFFF_FFFF
	z := decision("e4", "#eng", models.UrgencyLow)
	z.Event.SimilarityHash = 0x0000_0000_0000_0001
	b.Add(context.Background(), a, now.Add(2*time.Second))
	b.Add(context.Background(), z, now.Add(3*time.Second))
	assert.Len(t, sink.all(), 2, "capped channel must not emit more batches")

	// Critical still bypasses the cap.
	b.Add(context.Background(), decision("e5", "#eng", models.UrgencyCritical), now.Add(4*time.Second))
	batches := sink.all()
	require.Len(t, batches, 4)
	flushed := batches[2]
	assert.True(t, flushed.Overflow)
	assert.Equal(t, []string{"e3", "e4"}, flushed.EventIDs)
}

func TestDrainFlushesEverything(t *testing.T) {
	b, sink := testBatcher(DefaultConfig(), nil)
	now := time.Now()

	b.Add(context.Background(), decision("e1", "#eng", models.UrgencyLow), now)
	b.Add(context.Background(), decision("e2", "#ops", models.UrgencyLow), now)

	n := b.Drain(context.Background(), now.Add(time.Second))
	assert.Equal(t, 2, n)
	for _, batch := range sink.all() {
		assert.Equal(t, models.FlushShutdown, batch.FlushTrigger)
	}
}
