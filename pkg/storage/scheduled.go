package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/notifyops/relay/pkg/schedule"
)

// ScheduledStore persists held decisions until their recipient's next work
// window. It implements schedule.Store.
type ScheduledStore struct {
	db *sqlx.DB
}

// Save upserts one entry, idempotent on the entry id.
func (s *ScheduledStore) Save(ctx context.Context, e *schedule.Entry) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO scheduled_entries (id, recipient, subject_key, scheduled_at, status, decision, created_at)
		VALUES (:id, :recipient, :subject_key, :scheduled_at, :status, :decision, :created_at)
		ON CONFLICT (id) DO UPDATE SET
			scheduled_at = EXCLUDED.scheduled_at,
			status = EXCLUDED.status,
			decision = EXCLUDED.decision`, e)
	if err != nil {
		return fmt.Errorf("failed to save scheduled entry: %w", err)
	}
	return nil
}

// Due returns pending entries whose release instant has passed, in
// (scheduled_at, created_at) order.
func (s *ScheduledStore) Due(ctx context.Context, now time.Time) ([]*schedule.Entry, error) {
	var entries []*schedule.Entry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, recipient, subject_key, scheduled_at, status, decision, created_at
		FROM scheduled_entries
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY scheduled_at, created_at`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load due entries: %w", err)
	}
	return entries, nil
}

// PendingForSubject returns pending entries held for one recipient and
// subject, for urgent bypass.
func (s *ScheduledStore) PendingForSubject(ctx context.Context, recipient, subjectKey string) ([]*schedule.Entry, error) {
	var entries []*schedule.Entry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, recipient, subject_key, scheduled_at, status, decision, created_at
		FROM scheduled_entries
		WHERE status = 'pending' AND recipient = $1 AND subject_key = $2
		ORDER BY created_at`, recipient, subjectKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending entries: %w", err)
	}
	return entries, nil
}

// MarkStatus transitions a set of entries.
func (s *ScheduledStore) MarkStatus(ctx context.Context, ids []string, status schedule.EntryStatus) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE scheduled_entries SET status = ? WHERE id IN (?)`, string(status), ids)
	if err != nil {
		return fmt.Errorf("failed to build status update: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to mark entries %s: %w", status, err)
	}
	return nil
}

// PurgeSettledBefore removes delivered, bypassed, and cancelled entries
// older than the cutoff. Pending entries are never purged.
func (s *ScheduledStore) PurgeSettledBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM scheduled_entries
		WHERE status <> 'pending' AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge scheduled entries: %w", err)
	}
	return res.RowsAffected()
}
