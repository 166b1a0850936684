package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/notifyops/relay/pkg/models"
)

// EntryStatus is the lifecycle state of a persisted scheduled decision.
type EntryStatus string

// Entry statuses.
const (
	EntryPending   EntryStatus = "pending"
	EntryDelivered EntryStatus = "delivered"
	EntryBypassed  EntryStatus = "bypassed"
	EntryCancelled EntryStatus = "cancelled"
)

// Entry is one held decision, durable across restarts.
type Entry struct {
	ID          string      `db:"id"`
	Recipient   string      `db:"recipient"`
	SubjectKey  string      `db:"subject_key"`
	ScheduledAt time.Time   `db:"scheduled_at"`
	Status      EntryStatus `db:"status"`
	Decision    []byte      `db:"decision"`
	CreatedAt   time.Time   `db:"created_at"`
}

// Store persists scheduled entries. Implementations must make Save
// idempotent on the entry id.
type Store interface {
	Save(ctx context.Context, e *Entry) error
	// Due returns pending entries with scheduled_at <= now, in
	// (scheduled_at, created_at) order.
	Due(ctx context.Context, now time.Time) ([]*Entry, error)
	// PendingForSubject returns pending entries held for one recipient and
	// subject, for urgent bypass.
	PendingForSubject(ctx context.Context, recipient, subjectKey string) ([]*Entry, error)
	MarkStatus(ctx context.Context, ids []string, status EntryStatus) error
}

// DigestSink receives the decisions released for one recipient at the
// start of their work window. digest is true when more than one decision
// accumulated over the off-hours period.
type DigestSink func(ctx context.Context, recipient string, decisions []*models.Decision, digest bool)

// CalendarSource resolves a recipient's calendar. Unknown recipients get
// the default schedule.
type CalendarSource interface {
	CalendarFor(recipient string) *Calendar
}

// Config controls scheduler timing.
type Config struct {
	// Jitter is the max amount deliveries fire early, spreading the
	// morning thundering herd. The offset is derived from the recipient,
	// so every entry held for one person releases at the same instant
	// and their digest never splits.
	Jitter time.Duration `yaml:"jitter"`
	// PollInterval is the due-entry poll period.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns the built-in scheduler defaults.
func DefaultConfig() Config {
	return Config{Jitter: 90 * time.Second, PollInterval: 15 * time.Second}
}

// Scheduler decides immediate versus held delivery and releases held
// decisions when work windows open.
type Scheduler struct {
	store     Store
	calendars CalendarSource
	sink      DigestSink
	cfg       Config
	logger    *slog.Logger
}

// New creates a scheduler.
func New(store Store, calendars CalendarSource, sink DigestSink, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Scheduler{
		store:     store,
		calendars: calendars,
		sink:      sink,
		cfg:       cfg,
		logger:    logger.With("component", "scheduler"),
	}
}

// Place routes one decision: immediate deliveries return true, held
// deliveries are persisted and return false.
func (s *Scheduler) Place(ctx context.Context, d *models.Decision, now time.Time) (bool, error) {
	cal := s.calendars.CalendarFor(d.Recipient)

	if d.Urgency >= models.UrgencyCritical && cal.UrgentBypass() {
		if err := s.bypassHeld(ctx, d, now); err != nil {
			return false, err
		}
		return true, nil
	}
	if cal.InWorkHours(now) {
		return true, nil
	}

	next, err := cal.NextWorkInstant(now)
	if err != nil {
		return false, fmt.Errorf("scheduling for %s: %w", d.Recipient, err)
	}
	at := next.Add(-s.jitter(d.Recipient))
	if at.Before(now) {
		at = now
	}

	d.Disposition = models.DispositionScheduled
	d.ScheduledAt = &at
	payload, err := json.Marshal(d)
	if err != nil {
		return false, fmt.Errorf("marshaling scheduled decision: %w", err)
	}

	entry := &Entry{
		ID:          uuid.NewString(),
		Recipient:   d.Recipient,
		SubjectKey:  subjectOf(d),
		ScheduledAt: at,
		Status:      EntryPending,
		Decision:    payload,
		CreatedAt:   now,
	}
	if err := s.store.Save(ctx, entry); err != nil {
		return false, fmt.Errorf("persisting scheduled decision: %w", err)
	}
	s.logger.Debug("decision held",
		"recipient", d.Recipient,
		"scheduled_at", at,
		"event_id", d.EventID)
	return false, nil
}

// bypassHeld supersedes pending digest entries for the urgent decision's
// subject: the critical event carries the latest state, so holding the
// older ones would only duplicate it.
func (s *Scheduler) bypassHeld(ctx context.Context, d *models.Decision, now time.Time) error {
	subject := subjectOf(d)
	if subject == "" || d.Recipient == "" {
		return nil
	}
	held, err := s.store.PendingForSubject(ctx, d.Recipient, subject)
	if err != nil {
		return fmt.Errorf("looking up held entries: %w", err)
	}
	if len(held) == 0 {
		return nil
	}
	ids := make([]string, len(held))
	for i, e := range held {
		ids[i] = e.ID
	}
	if err := s.store.MarkStatus(ctx, ids, EntryBypassed); err != nil {
		return fmt.Errorf("bypassing held entries: %w", err)
	}
	s.logger.Info("urgent bypass superseded held entries",
		"recipient", d.Recipient,
		"subject", subject,
		"count", len(ids))
	return nil
}

// Release delivers all due entries, packaged per recipient. Multiple
// entries for one recipient form a digest. Also the restart path: pending
// rows in the store are simply picked up by the next Release.
func (s *Scheduler) Release(ctx context.Context, now time.Time) error {
	due, err := s.store.Due(ctx, now)
	if err != nil {
		return fmt.Errorf("querying due entries: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	byRecipient := make(map[string][]*Entry)
	var order []string
	for _, e := range due {
		if _, ok := byRecipient[e.Recipient]; !ok {
			order = append(order, e.Recipient)
		}
		byRecipient[e.Recipient] = append(byRecipient[e.Recipient], e)
	}
	sort.Strings(order)

	for _, recipient := range order {
		entries := byRecipient[recipient]
		decisions := make([]*models.Decision, 0, len(entries))
		ids := make([]string, 0, len(entries))
		for _, e := range entries {
			var d models.Decision
			if err := json.Unmarshal(e.Decision, &d); err != nil {
				s.logger.Error("dropping undecodable scheduled entry", "id", e.ID, "error", err)
				ids = append(ids, e.ID)
				continue
			}
			decisions = append(decisions, &d)
			ids = append(ids, e.ID)
		}
		if len(decisions) > 0 {
			s.sink(ctx, recipient, decisions, len(decisions) > 1)
		}
		if err := s.store.MarkStatus(ctx, ids, EntryDelivered); err != nil {
			return fmt.Errorf("marking entries delivered: %w", err)
		}
		s.logger.Info("released scheduled decisions",
			"recipient", recipient,
			"count", len(decisions))
	}
	return nil
}

// Run polls for due entries until the context is cancelled. The initial
// pass releases entries that came due while the process was down.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "poll_interval", s.cfg.PollInterval)
	if err := s.Release(ctx, time.Now()); err != nil {
		s.logger.Error("startup release failed", "error", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := s.Release(ctx, now); err != nil {
				s.logger.Error("release failed", "error", err)
			}
		}
	}
}

// jitter is the recipient's fixed early-release offset. Hashing the
// recipient keeps all of their held entries on one release instant while
// still spreading different recipients across the jitter window.
func (s *Scheduler) jitter(recipient string) time.Duration {
	if s.cfg.Jitter <= 0 {
		return 0
	}
	return time.Duration(xxhash.Sum64String(recipient) % uint64(s.cfg.Jitter))
}

func subjectOf(d *models.Decision) string {
	if d.Event != nil && d.Event.SubjectKey != "" {
		return d.Event.SubjectKey
	}
	return ""
}
