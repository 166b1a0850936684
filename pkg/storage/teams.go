package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/notifyops/relay/pkg/config"
)

// TeamStore persists team configuration snapshots and the audit trail. It
// implements config.TeamStore.
type TeamStore struct {
	db *sqlx.DB
}

type snapshotRow struct {
	TeamID    string    `db:"team_id"`
	Version   int64     `db:"version"`
	Config    []byte    `db:"config"`
	CreatedAt time.Time `db:"created_at"`
	CreatedBy string    `db:"created_by"`
	Active    bool      `db:"active"`
}

func (r *snapshotRow) toSnapshot() (*config.Snapshot, error) {
	var tc config.TeamConfig
	if err := json.Unmarshal(r.Config, &tc); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s v%d: %w", r.TeamID, r.Version, err)
	}
	return &config.Snapshot{
		TeamID:    r.TeamID,
		Version:   r.Version,
		Config:    &tc,
		CreatedAt: r.CreatedAt,
		CreatedBy: r.CreatedBy,
		Active:    r.Active,
	}, nil
}

// SaveSnapshot stores one immutable version.
func (s *TeamStore) SaveSnapshot(ctx context.Context, snap *config.Snapshot) error {
	raw, err := json.Marshal(snap.Config)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO team_snapshots (team_id, version, config, created_at, created_by, active)
		VALUES ($1, $2, $3, $4, $5, FALSE)
		ON CONFLICT (team_id, version) DO NOTHING`,
		snap.TeamID, snap.Version, raw, snap.CreatedAt, snap.CreatedBy)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// ActivateVersion flips the active flag to one version. The partial unique
// index on (team_id) WHERE active keeps at most one active row per team.
func (s *TeamStore) ActivateVersion(ctx context.Context, teamID string, version int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin activation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE team_snapshots SET active = FALSE WHERE team_id = $1 AND active`, teamID); err != nil {
		return fmt.Errorf("failed to deactivate previous version: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE team_snapshots SET active = TRUE WHERE team_id = $1 AND version = $2`, teamID, version)
	if err != nil {
		return fmt.Errorf("failed to activate version: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s version %d", config.ErrVersionNotFound, teamID, version)
	}
	return tx.Commit()
}

// LoadActive returns the active snapshot of every team.
func (s *TeamStore) LoadActive(ctx context.Context) ([]*config.Snapshot, error) {
	var rows []snapshotRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT team_id, version, config, created_at, created_by, active
		FROM team_snapshots
		WHERE active
		ORDER BY team_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load active snapshots: %w", err)
	}
	snaps := make([]*config.Snapshot, 0, len(rows))
	for i := range rows {
		snap, err := rows[i].toSnapshot()
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// LoadVersion returns one stored version.
func (s *TeamStore) LoadVersion(ctx context.Context, teamID string, version int64) (*config.Snapshot, error) {
	var row snapshotRow
	err := s.db.GetContext(ctx, &row, `
		SELECT team_id, version, config, created_at, created_by, active
		FROM team_snapshots
		WHERE team_id = $1 AND version = $2`, teamID, version)
	if err != nil {
		return nil, fmt.Errorf("%w: %s version %d", config.ErrVersionNotFound, teamID, version)
	}
	return row.toSnapshot()
}

// Versions lists stored versions for a team, newest first, without the
// config payload.
func (s *TeamStore) Versions(ctx context.Context, teamID string) ([]*config.Snapshot, error) {
	var rows []snapshotRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT team_id, version, '{}'::jsonb AS config, created_at, created_by, active
		FROM team_snapshots
		WHERE team_id = $1
		ORDER BY version DESC`, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	snaps := make([]*config.Snapshot, 0, len(rows))
	for i := range rows {
		snap, err := rows[i].toSnapshot()
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// AppendAudit records one committed change.
func (s *TeamStore) AppendAudit(ctx context.Context, rec *config.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO config_audit (id, team_id, version, actor, action, detail, created_at)
		VALUES (:id, :team_id, :version, :actor, :action, :detail, :created_at)`, rec)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// AuditTrail returns a team's change history, newest first.
func (s *TeamStore) AuditTrail(ctx context.Context, teamID string, limit int) ([]*config.AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []*config.AuditRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT id, team_id, version, actor, action, detail, created_at
		FROM config_audit
		WHERE team_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, teamID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit trail: %w", err)
	}
	return recs, nil
}
