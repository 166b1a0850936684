package schedule

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyops/relay/pkg/models"
)

type memStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]*Entry)}
}

func (m *memStore) Save(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *e
	m.entries[e.ID] = &copied
	return nil
}

func (m *memStore) Due(_ context.Context, now time.Time) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*Entry
	for _, e := range m.entries {
		if e.Status == EntryPending && !e.ScheduledAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	return due, nil
}

func (m *memStore) PendingForSubject(_ context.Context, recipient, subjectKey string) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entry
	for _, e := range m.entries {
		if e.Status == EntryPending && e.Recipient == recipient && e.SubjectKey == subjectKey {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) MarkStatus(_ context.Context, ids []string, status EntryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if e, ok := m.entries[id]; ok {
			e.Status = status
		}
	}
	return nil
}

type staticCalendars struct {
	cal *Calendar
}

func (s staticCalendars) CalendarFor(string) *Calendar { return s.cal }

type digestCapture struct {
	mu    sync.Mutex
	calls []digestCall
}

type digestCall struct {
	recipient string
	events    []string
	digest    bool
}

func (d *digestCapture) sink(_ context.Context, recipient string, decisions []*models.Decision, digest bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, len(decisions))
	for i, dec := range decisions {
		ids[i] = dec.EventID
	}
	d.calls = append(d.calls, digestCall{recipient: recipient, events: ids, digest: digest})
}

func (d *digestCapture) all() []digestCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]digestCall(nil), d.calls...)
}

func testScheduler(t *testing.T, store Store) (*Scheduler, *digestCapture) {
	t.Helper()
	cal, err := NewCalendar(DefaultWorkHours())
	require.NoError(t, err)
	capture := &digestCapture{}
	cfg := DefaultConfig()
	cfg.Jitter = 0
	return New(store, staticCalendars{cal: cal}, capture.sink, cfg, slog.Default()), capture
}

func heldDecision(eventID, recipient, subject string, urgency models.Urgency) *models.Decision {
	return &models.Decision{
		EventID:   eventID,
		Recipient: recipient,
		Urgency:   urgency,
		Event:     &models.Event{ID: eventID, SubjectKey: subject},
	}
}

// Mon 2026-08-24, UTC schedule 09:00-17:00.
var (
	workMorning = time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	workEvening = time.Date(2026, 8, 24, 20, 0, 0, 0, time.UTC)
	nextMorning = time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
)

func TestPlaceImmediateDuringWorkHours(t *testing.T) {
	s, _ := testScheduler(t, newMemStore())
	immediate, err := s.Place(context.Background(), heldDecision("e1", "alice", "ENG-1", models.UrgencyLow), workMorning)
	require.NoError(t, err)
	assert.True(t, immediate)
}

func TestPlaceHoldsOffHours(t *testing.T) {
	store := newMemStore()
	s, _ := testScheduler(t, store)

	immediate, err := s.Place(context.Background(), heldDecision("e1", "alice", "ENG-1", models.UrgencyLow), workEvening)
	require.NoError(t, err)
	assert.False(t, immediate)

	due, err := store.Due(context.Background(), nextMorning)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "alice", due[0].Recipient)
}

func TestPlaceCriticalBypassesHours(t *testing.T) {
	s, _ := testScheduler(t, newMemStore())
	immediate, err := s.Place(context.Background(), heldDecision("e1", "alice", "ENG-1", models.UrgencyCritical), workEvening)
	require.NoError(t, err)
	assert.True(t, immediate)
}

func TestUrgentBypassSupersedesHeldEntries(t *testing.T) {
	store := newMemStore()
	s, capture := testScheduler(t, store)
	ctx := context.Background()

	_, err := s.Place(ctx, heldDecision("e1", "alice", "ENG-1", models.UrgencyLow), workEvening)
	require.NoError(t, err)
	_, err = s.Place(ctx, heldDecision("e2", "alice", "ENG-2", models.UrgencyLow), workEvening)
	require.NoError(t, err)

	// Critical update for ENG-1 supersedes its held entry, not ENG-2's.
	immediate, err := s.Place(ctx, heldDecision("e3", "alice", "ENG-1", models.UrgencyCritical), workEvening.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, immediate)

	require.NoError(t, s.Release(ctx, nextMorning))
	calls := capture.all()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"e2"}, calls[0].events)
	assert.False(t, calls[0].digest)
}

func TestReleasePackagesDigestPerRecipient(t *testing.T) {
	store := newMemStore()
	s, capture := testScheduler(t, store)
	ctx := context.Background()

	_, err := s.Place(ctx, heldDecision("e1", "alice", "ENG-1", models.UrgencyLow), workEvening)
	require.NoError(t, err)
	_, err = s.Place(ctx, heldDecision("e2", "alice", "ENG-2", models.UrgencyLow), workEvening.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.Place(ctx, heldDecision("e3", "bob", "OPS-1", models.UrgencyLow), workEvening)
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, nextMorning))
	calls := capture.all()
	require.Len(t, calls, 2)

	assert.Equal(t, "alice", calls[0].recipient)
	assert.Equal(t, []string{"e1", "e2"}, calls[0].events)
	assert.True(t, calls[0].digest)

	assert.Equal(t, "bob", calls[1].recipient)
	assert.False(t, calls[1].digest)

	// Released entries do not fire twice.
	require.NoError(t, s.Release(ctx, nextMorning.Add(time.Hour)))
	assert.Len(t, capture.all(), 2)
}

// With jitter enabled, everything held for one recipient must land on a
// single release instant; a per-entry offset would split the digest.
func TestJitterKeepsRecipientDigestWhole(t *testing.T) {
	store := newMemStore()
	cal, err := NewCalendar(DefaultWorkHours())
	require.NoError(t, err)
	capture := &digestCapture{}
	cfg := DefaultConfig()
	cfg.Jitter = 90 * time.Second
	s := New(store, staticCalendars{cal: cal}, capture.sink, cfg, slog.Default())
	ctx := context.Background()

	events := []string{"e1", "e2", "e3", "e4", "e5"}
	for i, id := range events {
		_, err := s.Place(ctx, heldDecision(id, "alice", "ENG-"+id, models.UrgencyLow),
			workEvening.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	store.mu.Lock()
	var at time.Time
	for _, e := range store.entries {
		if at.IsZero() {
			at = e.ScheduledAt
		}
		assert.True(t, e.ScheduledAt.Equal(at), "held entries for one recipient share one instant")
	}
	store.mu.Unlock()
	assert.False(t, at.After(nextMorning))
	assert.False(t, at.Before(nextMorning.Add(-cfg.Jitter)))

	require.NoError(t, s.Release(ctx, nextMorning))
	calls := capture.all()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].digest)
	assert.Equal(t, events, calls[0].events, "digest preserves ingest order")
}

func TestReleaseBeforeScheduleDeliversNothing(t *testing.T) {
	store := newMemStore()
	s, capture := testScheduler(t, store)
	ctx := context.Background()

	_, err := s.Place(ctx, heldDecision("e1", "alice", "ENG-1", models.UrgencyLow), workEvening)
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, workEvening.Add(time.Minute)))
	assert.Empty(t, capture.all())
}
