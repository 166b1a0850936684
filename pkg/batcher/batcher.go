// Package batcher accumulates low-urgency routing decisions per
// (channel, kind-group) and releases them as single notifications under
// size, deadline, burst, quiet-hours, and anti-spam policies.
package batcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/notifyops/relay/pkg/event"
	"github.com/notifyops/relay/pkg/models"
)

// Sink receives flushed batches. Immediate deliveries arrive as a batch of
// one with trigger immediate_arrival.
type Sink func(ctx context.Context, batch *models.Batch)

// QuietHoursFunc reports whether the channel's owning team is inside quiet
// hours at the given instant, and if so when the quiet period ends.
type QuietHoursFunc func(channel string, now time.Time) (until time.Time, quiet bool)

// PolicyFunc resolves the batching config for a channel, letting teams
// override the global policy. nil or identity means the global config.
type PolicyFunc func(channel string) Config

// Config controls batching policy.
type Config struct {
	// ImmediateThreshold: decisions at or above this urgency skip batching.
	ImmediateThreshold models.Urgency `yaml:"immediate_threshold"`
	// MaxBatchSize flushes the batch when reached.
	MaxBatchSize int `yaml:"max_batch_size"`
	// MaxWait is the base deadline from batch open.
	MaxWait time.Duration `yaml:"max_wait"`
	// InterArrivalGrace extends the deadline after each append.
	InterArrivalGrace time.Duration `yaml:"inter_arrival_grace"`
	// HardCeiling caps total hold time from batch open.
	HardCeiling time.Duration `yaml:"hard_ceiling"`
	// SimilarityMaxDistance: a new member further than this from the batch
	// centroid breaks the batch.
	SimilarityMaxDistance int `yaml:"similarity_max_distance"`

	// BurstThreshold is arrivals per rolling minute before backoff engages.
	BurstThreshold int `yaml:"burst_threshold"`
	// BurstBackoffFactor multiplies the remaining deadline during a burst.
	BurstBackoffFactor float64 `yaml:"burst_backoff_factor"`

	// PerMinuteCap and PerHourCap are per-channel send caps. Critical
	// decisions bypass them.
	PerMinuteCap int `yaml:"per_minute_cap"`
	PerHourCap   int `yaml:"per_hour_cap"`

	// SweepInterval is how often deadlines are checked.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns the built-in batching defaults.
func DefaultConfig() Config {
	return Config{
		ImmediateThreshold:    models.UrgencyHigh,
		MaxBatchSize:          10,
		MaxWait:               2 * time.Minute,
		InterArrivalGrace:     30 * time.Second,
		HardCeiling:           10 * time.Minute,
		SimilarityMaxDistance: 16,
		BurstThreshold:        20,
		BurstBackoffFactor:    1.5,
		PerMinuteCap:          6,
		PerHourCap:            60,
		SweepInterval:         time.Second,
	}
}

// batchKey identifies one accumulation bucket.
type batchKey struct {
	channel string
	group   string
}

// channelState holds per-channel batches, send history, and burst samples.
// One lock covers all of it; critical sections are short.
type channelState struct {
	mu       sync.Mutex
	batches  map[string]*openBatch // keyed by kind-group
	sends    []time.Time           // sliding window of send timestamps
	arrivals []time.Time           // rolling one-minute arrival samples
}

type openBatch struct {
	batch *models.Batch
	// Per-bit vote counts over member similarity hashes; the centroid is
	// the majority bit pattern.
	bitVotes [64]int
	hashed   int
	centroid uint64
}

func (ob *openBatch) vote(hash uint64) {
	if hash == 0 {
		return
	}
	ob.hashed++
	for bit := 0; bit < 64; bit++ {
		if hash&(1<<uint(bit)) != 0 {
			ob.bitVotes[bit]++
		}
	}
	var centroid uint64
	for bit := 0; bit < 64; bit++ {
		if 2*ob.bitVotes[bit] >= ob.hashed {
			centroid |= 1 << uint(bit)
		}
	}
	ob.centroid = centroid
}

// Batcher implements the accumulation policy.
type Batcher struct {
	cfg    Config
	policy PolicyFunc
	sink   Sink
	quiet  QuietHoursFunc
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]*channelState
}

// New creates a batcher delivering flushed batches to sink. policy may be
// nil when no per-channel overrides apply; quiet may be nil when no
// quiet-hours policy applies.
func New(cfg Config, policy PolicyFunc, sink Sink, quiet QuietHoursFunc, logger *slog.Logger) *Batcher {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Batcher{
		cfg:      cfg,
		policy:   policy,
		sink:     sink,
		quiet:    quiet,
		logger:   logger.With("component", "batcher"),
		channels: make(map[string]*channelState),
	}
}

// config resolves the effective policy for one channel.
func (b *Batcher) config(channel string) Config {
	if b.policy == nil {
		return b.cfg
	}
	return b.policy(channel)
}

// KindGroup maps an event kind to its accumulation group.
func KindGroup(kind models.EventKind) string {
	switch kind {
	case models.KindPROpened, models.KindPRReady, models.KindPRApproved,
		models.KindPRConflicts, models.KindPRMerged, models.KindPRClosed,
		models.KindPRComment:
		return "pull_request"
	case models.KindIssueCreated, models.KindIssueUpdated, models.KindIssueStatus,
		models.KindIssuePriority, models.KindIssueAssignment,
		models.KindIssueComment, models.KindIssueBlocker:
		return "issue"
	case models.KindAlert:
		return "alert"
	case models.KindDeployment:
		return "deployment"
	default:
		return "other"
	}
}

func (b *Batcher) channelState(channel string) *channelState {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.channels[channel]
	if !ok {
		cs = &channelState{batches: make(map[string]*openBatch)}
		b.channels[channel] = cs
	}
	return cs
}

// Add routes one decision through the batching policy. The decision's Event
// must be populated.
func (b *Batcher) Add(ctx context.Context, d *models.Decision, now time.Time) {
	cfg := b.config(d.Channel)
	cs := b.channelState(d.Channel)
	group := KindGroup(d.Event.Kind)

	var flushed []*models.Batch
	cs.mu.Lock()

	cs.arrivals = append(cs.arrivals, now)
	cs.trimArrivals(now)
	bursting := len(cs.arrivals) > cfg.BurstThreshold

	if d.Urgency >= cfg.ImmediateThreshold {
		// Immediate delivery. Within a burst cooldown urgent events are
		// still never delayed.
		if ob := cs.batches[group]; ob != nil {
			if until, held := b.heldForQuietHours(ob, d.Channel, now); held {
				// The urgent single goes out alone; the non-critical batch
				// stays held until quiet hours end.
				ob.batch.DeadlineAt = until
			} else {
				flushed = append(flushed, cs.close(ob, group, models.FlushImmediateArrival, now))
			}
		}
		single := newBatch(cfg, d, now)
		single.batch.FlushTrigger = models.FlushImmediateArrival
		cs.recordSend(now)
		flushed = append(flushed, single.batch)
		cs.mu.Unlock()
		b.deliver(ctx, flushed)
		return
	}

	overCap := overCap(cfg, cs, now)
	ob := cs.batches[group]

	switch {
	case ob == nil:
		ob = newBatch(cfg, d, now)
		cs.batches[group] = ob
	case overCap:
		// Anti-spam: coalesce regardless of similarity and mark overflow.
		ob.append(d, now)
		ob.batch.Overflow = true
	case !similarToCentroid(ob.centroid, d.Event.SimilarityHash, cfg.SimilarityMaxDistance):
		flushed = append(flushed, cs.close(ob, group, models.FlushSimilarityBreak, now))
		ob = newBatch(cfg, d, now)
		cs.batches[group] = ob
	default:
		ob.append(d, now)
	}

	if len(ob.batch.Decisions) >= cfg.MaxBatchSize && !overCap {
		flushed = append(flushed, cs.close(ob, group, models.FlushSizeCap, now))
	} else {
		recomputeDeadline(cfg, ob, bursting, now)
	}

	cs.mu.Unlock()
	b.deliver(ctx, flushed)
}

// heldForQuietHours reports whether an open batch must stay held rather
// than flush, and until when. Critical batches are never held.
func (b *Batcher) heldForQuietHours(ob *openBatch, channel string, now time.Time) (time.Time, bool) {
	if b.quiet == nil || maxUrgency(ob.batch) >= models.UrgencyCritical {
		return time.Time{}, false
	}
	return b.quiet(channel, now)
}

// Flush force-flushes every open batch for a channel.
func (b *Batcher) Flush(ctx context.Context, channel string, now time.Time) int {
	cs := b.channelState(channel)

	cs.mu.Lock()
	var flushed []*models.Batch
	for group, ob := range cs.batches {
		flushed = append(flushed, cs.close(ob, group, models.FlushExternal, now))
	}
	cs.mu.Unlock()

	b.deliver(ctx, flushed)
	return len(flushed)
}

// Drain flushes everything for shutdown. No decision is lost.
func (b *Batcher) Drain(ctx context.Context, now time.Time) int {
	b.mu.Lock()
	channels := make([]*channelState, 0, len(b.channels))
	for _, cs := range b.channels {
		channels = append(channels, cs)
	}
	b.mu.Unlock()

	total := 0
	for _, cs := range channels {
		cs.mu.Lock()
		var flushed []*models.Batch
		for group, ob := range cs.batches {
			flushed = append(flushed, cs.close(ob, group, models.FlushShutdown, now))
		}
		cs.mu.Unlock()
		total += len(flushed)
		b.deliver(ctx, flushed)
	}
	return total
}

// Run sweeps batch deadlines until the context is cancelled, then drains.
func (b *Batcher) Run(ctx context.Context) {
	b.logger.Info("batcher started", "sweep_interval", b.cfg.SweepInterval)
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n := b.Drain(context.WithoutCancel(ctx), time.Now())
			b.logger.Info("batcher drained", "batches", n)
			return
		case now := <-ticker.C:
			b.Sweep(ctx, now)
		}
	}
}

// Sweep flushes batches whose deadline has passed. Quiet hours push
// non-critical deadlines to the quiet period's end instead.
func (b *Batcher) Sweep(ctx context.Context, now time.Time) {
	b.mu.Lock()
	channels := make(map[string]*channelState, len(b.channels))
	for ch, cs := range b.channels {
		channels[ch] = cs
	}
	b.mu.Unlock()

	for channel, cs := range channels {
		cs.mu.Lock()
		var flushed []*models.Batch
		for group, ob := range cs.batches {
			if now.Before(ob.batch.DeadlineAt) {
				continue
			}
			if until, held := b.heldForQuietHours(ob, channel, now); held {
				ob.batch.DeadlineAt = until
				continue
			}
			flushed = append(flushed, cs.close(ob, group, models.FlushDeadline, now))
		}
		cs.mu.Unlock()
		b.deliver(ctx, flushed)
	}
}

func (b *Batcher) deliver(ctx context.Context, batches []*models.Batch) {
	for _, batch := range batches {
		b.logger.Debug("flushing batch",
			"batch_id", batch.ID,
			"channel", batch.Channel,
			"members", len(batch.Decisions),
			"trigger", batch.FlushTrigger)
		b.sink(ctx, batch)
	}
}

func newBatch(cfg Config, d *models.Decision, now time.Time) *openBatch {
	d.Disposition = models.DispositionBatched
	batch := &models.Batch{
		ID:          uuid.NewString(),
		Channel:     d.Channel,
		TeamID:      d.TeamID,
		Decisions:   []*models.Decision{d},
		EventIDs:    []string{d.EventID},
		OpenedAt:    now,
		LastAddedAt: now,
		DeadlineAt:  now.Add(cfg.MaxWait),
	}
	d.BatchID = batch.ID
	ob := &openBatch{batch: batch}
	ob.vote(d.Event.SimilarityHash)
	return ob
}

func (ob *openBatch) append(d *models.Decision, now time.Time) {
	d.Disposition = models.DispositionBatched
	d.BatchID = ob.batch.ID
	ob.batch.Decisions = append(ob.batch.Decisions, d)
	ob.batch.EventIDs = append(ob.batch.EventIDs, d.EventID)
	ob.batch.LastAddedAt = now
	ob.vote(d.Event.SimilarityHash)
}

// recomputeDeadline: the later of opened_at+max_wait and
// last_added_at+grace, capped at opened_at+hard_ceiling. A burst stretches
// the remaining wait multiplicatively.
func recomputeDeadline(cfg Config, ob *openBatch, bursting bool, now time.Time) {
	batch := ob.batch
	deadline := batch.OpenedAt.Add(cfg.MaxWait)
	if grace := batch.LastAddedAt.Add(cfg.InterArrivalGrace); grace.After(deadline) {
		deadline = grace
	}
	if bursting && cfg.BurstBackoffFactor > 1 {
		remaining := deadline.Sub(now)
		if remaining > 0 {
			deadline = now.Add(time.Duration(float64(remaining) * cfg.BurstBackoffFactor))
		}
	}
	if ceiling := batch.OpenedAt.Add(cfg.HardCeiling); deadline.After(ceiling) {
		deadline = ceiling
	}
	batch.DeadlineAt = deadline
}

func overCap(cfg Config, cs *channelState, now time.Time) bool {
	if cfg.PerMinuteCap <= 0 && cfg.PerHourCap <= 0 {
		return false
	}
	perMinute, perHour := 0, 0
	for _, ts := range cs.sends {
		age := now.Sub(ts)
		if age <= time.Minute {
			perMinute++
		}
		if age <= time.Hour {
			perHour++
		}
	}
	return (cfg.PerMinuteCap > 0 && perMinute >= cfg.PerMinuteCap) ||
		(cfg.PerHourCap > 0 && perHour >= cfg.PerHourCap)
}

// close finalizes and removes an open batch. Caller holds cs.mu.
func (cs *channelState) close(ob *openBatch, group string, trigger models.FlushTrigger, now time.Time) *models.Batch {
	delete(cs.batches, group)
	ob.batch.FlushTrigger = trigger
	cs.recordSend(now)
	return ob.batch
}

func (cs *channelState) recordSend(now time.Time) {
	cs.sends = append(cs.sends, now)
	cutoff := now.Add(-time.Hour)
	kept := cs.sends[:0]
	for _, ts := range cs.sends {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	cs.sends = kept
}

func (cs *channelState) trimArrivals(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := cs.arrivals[:0]
	for _, ts := range cs.arrivals {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	cs.arrivals = kept
}

// similarToCentroid: a zero hash on either side always joins.
func similarToCentroid(centroid, hash uint64, maxDistance int) bool {
	if centroid == 0 || hash == 0 {
		return true
	}
	return event.Similar(centroid, hash, maxDistance)
}

func maxUrgency(batch *models.Batch) models.Urgency {
	max := models.UrgencyLow
	for _, d := range batch.Decisions {
		if d.Urgency > max {
			max = d.Urgency
		}
	}
	return max
}
