package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/notifyops/relay/pkg/models"
)

// ExecutionStore persists the execution log, hourly aggregates, and dead
// letters. It implements execlog.Store and dispatch.DeadLetterSink.
type ExecutionStore struct {
	db *sqlx.DB
}

// executionRow maps the errors and metadata jsonb columns, which sqlx
// cannot scan into the record's slice and map fields directly.
type executionRow struct {
	models.ExecutionRecord
	ErrorsJSON   []byte `db:"errors"`
	MetadataJSON []byte `db:"metadata"`
}

func executionRowOf(rec *models.ExecutionRecord) (*executionRow, error) {
	row := &executionRow{ExecutionRecord: *rec}
	if len(rec.Errors) > 0 {
		data, err := json.Marshal(rec.Errors)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal execution errors: %w", err)
		}
		row.ErrorsJSON = data
	}
	if len(rec.Metadata) > 0 {
		data, err := json.Marshal(rec.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal execution metadata: %w", err)
		}
		row.MetadataJSON = data
	}
	return row, nil
}

func (r *executionRow) record() (*models.ExecutionRecord, error) {
	rec := r.ExecutionRecord
	if len(r.ErrorsJSON) > 0 {
		if err := json.Unmarshal(r.ErrorsJSON, &rec.Errors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution errors: %w", err)
		}
	}
	if len(r.MetadataJSON) > 0 {
		if err := json.Unmarshal(r.MetadataJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution metadata: %w", err)
		}
	}
	return &rec, nil
}

// InsertRecords appends a batch of execution records.
func (s *ExecutionStore) InsertRecords(ctx context.Context, recs []*models.ExecutionRecord) error {
	if len(recs) == 0 {
		return nil
	}
	rows := make([]*executionRow, 0, len(recs))
	for _, rec := range recs {
		row, err := executionRowOf(rec)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO executions (execution_id, hook_id, event_id, team_id, channel, status,
			started_at, ended_at, duration_ms, attempts, delivered, errors, notes, metadata)
		VALUES (:execution_id, :hook_id, :event_id, :team_id, :channel, :status,
			:started_at, :ended_at, :duration_ms, :attempts, :delivered, :errors, :notes, :metadata)
		ON CONFLICT (execution_id) DO NOTHING`, rows)
	if err != nil {
		return fmt.Errorf("failed to insert execution records: %w", err)
	}
	return nil
}

func (s *ExecutionStore) selectRecords(ctx context.Context, query string, args ...any) ([]*models.ExecutionRecord, error) {
	var rows []*executionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	recs := make([]*models.ExecutionRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// RecordsInWindow returns records with started_at in [from, to).
func (s *ExecutionStore) RecordsInWindow(ctx context.Context, from, to time.Time) ([]*models.ExecutionRecord, error) {
	recs, err := s.selectRecords(ctx, `
		SELECT execution_id, hook_id, event_id, team_id, channel, status,
			started_at, ended_at, duration_ms, attempts, delivered, errors, notes, metadata
		FROM executions
		WHERE started_at >= $1 AND started_at < $2
		ORDER BY started_at`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution records: %w", err)
	}
	return recs, nil
}

// RecordsByHook returns one hook's records in [from, to).
func (s *ExecutionStore) RecordsByHook(ctx context.Context, hookID string, from, to time.Time) ([]*models.ExecutionRecord, error) {
	recs, err := s.selectRecords(ctx, `
		SELECT execution_id, hook_id, event_id, team_id, channel, status,
			started_at, ended_at, duration_ms, attempts, delivered, errors, notes, metadata
		FROM executions
		WHERE hook_id = $1 AND started_at >= $2 AND started_at < $3
		ORDER BY started_at`, hookID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load hook records: %w", err)
	}
	return recs, nil
}

// RecordsByTeam returns one team's records in [from, to).
func (s *ExecutionStore) RecordsByTeam(ctx context.Context, teamID string, from, to time.Time) ([]*models.ExecutionRecord, error) {
	recs, err := s.selectRecords(ctx, `
		SELECT execution_id, hook_id, event_id, team_id, channel, status,
			started_at, ended_at, duration_ms, attempts, delivered, errors, notes, metadata
		FROM executions
		WHERE team_id = $1 AND started_at >= $2 AND started_at < $3
		ORDER BY started_at`, teamID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load team records: %w", err)
	}
	return recs, nil
}

// UpsertHourly writes aggregation buckets, replacing any previous fold of
// the same (hook_id, hour) so re-aggregation is idempotent.
func (s *ExecutionStore) UpsertHourly(ctx context.Context, stats []*models.HourlyStats) error {
	if len(stats) == 0 {
		return nil
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO exec_hourly (hook_id, hour, total, successes, failures, timeouts, cancelled,
			min_duration_ms, avg_duration_ms, p95_duration_ms, max_duration_ms)
		VALUES (:hook_id, :hour, :total, :successes, :failures, :timeouts, :cancelled,
			:min_duration_ms, :avg_duration_ms, :p95_duration_ms, :max_duration_ms)
		ON CONFLICT (hook_id, hour) DO UPDATE SET
			total = EXCLUDED.total,
			successes = EXCLUDED.successes,
			failures = EXCLUDED.failures,
			timeouts = EXCLUDED.timeouts,
			cancelled = EXCLUDED.cancelled,
			min_duration_ms = EXCLUDED.min_duration_ms,
			avg_duration_ms = EXCLUDED.avg_duration_ms,
			p95_duration_ms = EXCLUDED.p95_duration_ms,
			max_duration_ms = EXCLUDED.max_duration_ms`, stats)
	if err != nil {
		return fmt.Errorf("failed to upsert hourly stats: %w", err)
	}
	return nil
}

// HourlyByHook returns one hook's buckets with hour in [from, to).
func (s *ExecutionStore) HourlyByHook(ctx context.Context, hookID string, from, to time.Time) ([]*models.HourlyStats, error) {
	var stats []*models.HourlyStats
	err := s.db.SelectContext(ctx, &stats, `
		SELECT hook_id, hour, total, successes, failures, timeouts, cancelled,
			min_duration_ms, avg_duration_ms, p95_duration_ms, max_duration_ms
		FROM exec_hourly
		WHERE hook_id = $1 AND hour >= $2 AND hour < $3
		ORDER BY hour`, hookID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load hourly stats: %w", err)
	}
	return stats, nil
}

// SaveDeadLetter records a notification that exhausted recovery.
func (s *ExecutionStore) SaveDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO dead_letters (id, execution_id, event_id, team_id, channel, reason, created_at)
		VALUES (:id, :execution_id, :event_id, :team_id, :channel, :reason, :created_at)`, dl)
	if err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}
	return nil
}

// DeadLetters returns dead letters in [from, to), newest first.
func (s *ExecutionStore) DeadLetters(ctx context.Context, from, to time.Time) ([]*models.DeadLetter, error) {
	var dls []*models.DeadLetter
	err := s.db.SelectContext(ctx, &dls, `
		SELECT id, execution_id, event_id, team_id, channel, reason, created_at
		FROM dead_letters
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letters: %w", err)
	}
	return dls, nil
}

// PurgeRecordsBefore removes raw execution records older than the cutoff.
func (s *ExecutionStore) PurgeRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.purge(ctx, `DELETE FROM executions WHERE started_at < $1`, cutoff)
}

// PurgeHourlyBefore removes aggregation buckets older than the cutoff.
func (s *ExecutionStore) PurgeHourlyBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.purge(ctx, `DELETE FROM exec_hourly WHERE hour < $1`, cutoff)
}

// PurgeDeadLettersBefore removes dead letters older than the cutoff.
func (s *ExecutionStore) PurgeDeadLettersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.purge(ctx, `DELETE FROM dead_letters WHERE created_at < $1`, cutoff)
}

func (s *ExecutionStore) purge(ctx context.Context, query string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge: %w", err)
	}
	return res.RowsAffected()
}
