// Package dispatch executes routing decisions against downstream targets
// with per-channel ordering, bounded concurrency, circuit breakers, retry
// policies, and recovery workflows. Every execution's terminal status is
// reported to the execution log; nothing is silently dropped.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/notifyops/relay/pkg/models"
)

// Target delivers notifications to one downstream service.
type Target interface {
	// Name identifies the service for circuit breaking.
	Name() string
	// Deliver sends one notification and returns the transport message id.
	Deliver(ctx context.Context, n *models.Notification) (string, error)
}

// Job is one unit of dispatch work.
type Job struct {
	Decision     *models.Decision
	Notification *models.Notification
	// Idempotent allows a retry after a timeout.
	Idempotent bool
	// Bind is called with the transport message id on success, for thread
	// tracking.
	Bind func(messageID string)
}

// RecordSink receives terminal execution records.
type RecordSink func(rec *models.ExecutionRecord)

// DeadLetterSink stores permanently failed deliveries.
type DeadLetterSink interface {
	SaveDeadLetter(ctx context.Context, dl *models.DeadLetter) error
}

// BreakerConfig tunes the per-service circuit breakers.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32 `yaml:"consecutive_failures"`
	// FailureRate in the counting window also trips it, once enough
	// requests were observed.
	FailureRate float64 `yaml:"failure_rate"`
	MinRequests uint32  `yaml:"min_requests"`
	// CoolDown is the open-state duration before half-open probing.
	CoolDown time.Duration `yaml:"cool_down"`
	// HalfOpenProbes is the max concurrent probes in half-open state.
	HalfOpenProbes uint32 `yaml:"half_open_probes"`
}

// Config controls the dispatcher.
type Config struct {
	Workers     int           `yaml:"workers"`
	ExecTimeout time.Duration `yaml:"exec_timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	// RetryInitialInterval seeds the exponential backoff between attempts.
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	Breaker              BreakerConfig `yaml:"breaker"`
}

// DefaultConfig returns the built-in dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		Workers:              8,
		ExecTimeout:          30 * time.Second,
		MaxAttempts:          4,
		RetryInitialInterval: 500 * time.Millisecond,
		Breaker: BreakerConfig{
			ConsecutiveFailures: 10,
			FailureRate:         0.5,
			MinRequests:         20,
			CoolDown:            5 * time.Minute,
			HalfOpenProbes:      3,
		},
	}
}

// channelQueue serializes jobs for one channel. The draining goroutine
// holds the pool semaphore only while executing.
type channelQueue struct {
	jobs    []*Job
	running bool
}

// Dispatcher is the worker pool with per-channel sequencing.
type Dispatcher struct {
	cfg         Config
	target      Target
	recoverer   *Recoverer
	records     RecordSink
	deadLetters DeadLetterSink
	requeue     func(ctx context.Context, n *models.Notification) error
	logger      *slog.Logger

	mu       sync.Mutex
	queues   map[string]*channelQueue
	breakers map[string]*gobreaker.CircuitBreaker
	closed   bool

	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates a dispatcher delivering through target. requeue may be nil
// when no queue-for-later recovery step is configured.
func New(cfg Config, target Target, recoverer *Recoverer, records RecordSink, deadLetters DeadLetterSink, requeue func(ctx context.Context, n *models.Notification) error, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = DefaultConfig().ExecTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Dispatcher{
		cfg:         cfg,
		target:      target,
		recoverer:   recoverer,
		records:     records,
		deadLetters: deadLetters,
		requeue:     requeue,
		logger:      logger.With("component", "dispatcher"),
		queues:      make(map[string]*channelQueue),
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		sem:         make(chan struct{}, cfg.Workers),
	}
}

// ErrDraining is returned by Submit after Drain has begun.
var ErrDraining = errors.New("dispatcher is draining")

// Submit enqueues a job behind any in-flight work for its channel.
// Decisions for one channel execute in submission order.
func (d *Dispatcher) Submit(ctx context.Context, job *Job) error {
	channel := job.Notification.ChannelID

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDraining
	}
	q, ok := d.queues[channel]
	if !ok {
		q = &channelQueue{}
		d.queues[channel] = q
	}
	q.jobs = append(q.jobs, job)
	if q.running {
		d.mu.Unlock()
		return nil
	}
	q.running = true
	d.wg.Add(1)
	d.mu.Unlock()

	// Queued jobs outlive the submitting request, so the drain goroutine
	// must not inherit its cancellation.
	go d.drainChannel(context.WithoutCancel(ctx), q)
	return nil
}

func (d *Dispatcher) drainChannel(ctx context.Context, q *channelQueue) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			d.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		d.mu.Unlock()

		d.sem <- struct{}{}
		d.Execute(ctx, job)
		<-d.sem
	}
}

// Drain stops intake and waits for in-flight work up to the context
// deadline. Jobs still queued past the deadline are recorded as cancelled.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher drained")
		return nil
	case <-ctx.Done():
		d.cancelQueued()
		return fmt.Errorf("dispatcher drain: %w", ctx.Err())
	}
}

func (d *Dispatcher) cancelQueued() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for _, q := range d.queues {
		for _, job := range q.jobs {
			rec := newRecord(job, now)
			rec.Status = models.ExecutionCancelled
			rec.EndedAt = now
			rec.Notes = "shutdown before execution"
			d.records(rec)
		}
		q.jobs = nil
	}
}

// Execute runs one job to a terminal status and reports the record.
func (d *Dispatcher) Execute(ctx context.Context, job *Job) *models.ExecutionRecord {
	started := time.Now()
	rec := newRecord(job, started)

	ctx, cancel := context.WithTimeout(ctx, d.cfg.ExecTimeout)
	defer cancel()

	messageID, err := d.attempt(ctx, job, rec)
	rec.EndedAt = time.Now()
	rec.DurationMS = rec.EndedAt.Sub(started).Milliseconds()

	switch {
	case err == nil:
		rec.Status = models.ExecutionSuccess
		rec.Delivered = true
		if job.Bind != nil && messageID != "" {
			job.Bind(messageID)
		}
	case errors.Is(err, context.DeadlineExceeded):
		rec.Status = models.ExecutionTimeout
		rec.Errors = append(rec.Errors, err.Error())
	case errors.Is(err, context.Canceled):
		rec.Status = models.ExecutionCancelled
		rec.Errors = append(rec.Errors, err.Error())
	default:
		rec.Status = models.ExecutionFailure
		rec.Errors = append(rec.Errors, err.Error())
		d.recoverFailed(ctx, job, rec, err)
	}

	d.records(rec)
	d.logger.Debug("execution finished",
		"execution_id", rec.ExecutionID,
		"channel", rec.Channel,
		"status", rec.Status,
		"attempts", rec.Attempts,
		"duration_ms", rec.DurationMS)
	return rec
}

// attempt runs the retry loop through the service's circuit breaker. All
// attempts share the record's execution id.
func (d *Dispatcher) attempt(ctx context.Context, job *Job, rec *models.ExecutionRecord) (string, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(d.retryBackoff(), uint64(d.cfg.MaxAttempts-1)), ctx)

	var messageID string
	err := backoff.Retry(func() error {
		rec.Attempts++
		result, err := d.breakerFor(d.target.Name()).Execute(func() (any, error) {
			return d.target.Deliver(ctx, job.Notification)
		})
		if err == nil {
			messageID = result.(string)
			return nil
		}
		rec.Errors = append(rec.Errors, err.Error())

		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			// Fail fast while open; retrying inside this execution would
			// only burn the deadline.
			return backoff.Permanent(models.NewPipelineError(models.CategoryTransientDownstream, d.target.Name(), err))
		case errors.Is(err, context.DeadlineExceeded) && !job.Idempotent:
			return backoff.Permanent(err)
		case !models.Categorize(err).Retriable():
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	return messageID, err
}

func (d *Dispatcher) retryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.RetryInitialInterval
	return b
}

// recoverFailed runs the recovery workflow and, on escalation, dead-letters
// the delivery.
func (d *Dispatcher) recoverFailed(ctx context.Context, job *Job, rec *models.ExecutionRecord, cause error) {
	category := models.Categorize(cause)
	outcome := OutcomeEscalated
	if d.recoverer != nil {
		outcome = d.recoverer.Recover(context.WithoutCancel(ctx), recoveryJob{
			job:         job,
			executionID: rec.ExecutionID,
			deliver:     d.target.Deliver,
			requeue:     d.requeue,
			cause:       cause,
		}, category, d.target.Name())
	}
	rec.Notes = "recovery: " + string(outcome)
	if outcome == OutcomeRecovered {
		rec.Status = models.ExecutionRecovered
		rec.Delivered = true
		return
	}

	if d.deadLetters == nil {
		return
	}
	dl := &models.DeadLetter{
		ID:          uuid.NewString(),
		ExecutionID: rec.ExecutionID,
		EventID:     rec.EventID,
		TeamID:      rec.TeamID,
		Channel:     rec.Channel,
		Reason:      cause.Error(),
		CreatedAt:   time.Now(),
	}
	if err := d.deadLetters.SaveDeadLetter(context.WithoutCancel(ctx), dl); err != nil {
		d.logger.Error("dead-letter save failed", "execution_id", rec.ExecutionID, "error", err)
	}
}

func (d *Dispatcher) breakerFor(service string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[service]; ok {
		return cb
	}
	bc := d.cfg.Breaker
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: bc.HalfOpenProbes,
		Timeout:     bc.CoolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= bc.ConsecutiveFailures {
				return true
			}
			return counts.Requests >= bc.MinRequests &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= bc.FailureRate
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("circuit breaker state change",
				"service", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	d.breakers[service] = cb
	return cb
}

// BreakerState reports the current breaker state for a service, for the
// system stats endpoint.
func (d *Dispatcher) BreakerState(service string) string {
	d.mu.Lock()
	cb, ok := d.breakers[service]
	d.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

func newRecord(job *Job, started time.Time) *models.ExecutionRecord {
	return &models.ExecutionRecord{
		ExecutionID: uuid.NewString(),
		HookID:      job.Decision.HookID,
		EventID:     job.Decision.EventID,
		TeamID:      job.Decision.TeamID,
		Channel:     job.Notification.ChannelID,
		StartedAt:   started,
		Metadata: map[string]any{
			"urgency":     job.Decision.Urgency.String(),
			"disposition": string(job.Decision.Disposition),
		},
	}
}
