package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// AuditRecord is one committed configuration change.
type AuditRecord struct {
	ID        string    `json:"id" db:"id"`
	TeamID    string    `json:"team_id" db:"team_id"`
	Version   int64     `json:"version" db:"version"`
	Actor     string    `json:"actor" db:"actor"`
	Action    string    `json:"action" db:"action"` // update, rollback, activate
	Detail    string    `json:"detail,omitempty" db:"detail"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TeamStore persists snapshots and the audit trail. The in-memory Store
// works without one; a nil persistence layer keeps versions for the
// process lifetime only.
type TeamStore interface {
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	ActivateVersion(ctx context.Context, teamID string, version int64) error
	LoadActive(ctx context.Context) ([]*Snapshot, error)
	LoadVersion(ctx context.Context, teamID string, version int64) (*Snapshot, error)
	AppendAudit(ctx context.Context, rec *AuditRecord) error
}

// Store holds the live team configuration. Reads are lock-free against an
// atomically published map; writes are serialised per team.
type Store struct {
	persist TeamStore
	logger  *slog.Logger

	// active holds map[string]*Snapshot, replaced wholesale on publish.
	active atomic.Value

	mu        sync.Mutex
	teamLocks map[string]*sync.Mutex
	history   map[string][]*Snapshot // in-memory fallback when persist == nil
	subs      map[string][]func(*Snapshot)
}

// NewStore creates a store seeded with the statically loaded teams as
// version 1. persist may be nil.
func NewStore(persist TeamStore, seed map[string]*TeamConfig, logger *slog.Logger) *Store {
	s := &Store{
		persist:   persist,
		logger:    logger.With("component", "config_store"),
		teamLocks: make(map[string]*sync.Mutex),
		history:   make(map[string][]*Snapshot),
		subs:      make(map[string][]func(*Snapshot)),
	}
	active := make(map[string]*Snapshot, len(seed))
	now := time.Now()
	for id, team := range seed {
		snap := &Snapshot{
			TeamID:    id,
			Version:   1,
			Config:    team,
			CreatedAt: now,
			CreatedBy: "boot",
			Active:    true,
		}
		active[id] = snap
		s.history[id] = []*Snapshot{snap}
	}
	s.active.Store(active)
	return s
}

// Restore replaces the seed with the persisted active snapshots. Called
// once at startup after the database is reachable.
func (s *Store) Restore(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	snaps, err := s.persist.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("restoring team snapshots: %w", err)
	}
	if len(snaps) == 0 {
		return nil
	}
	current := s.snapshotMap()
	next := make(map[string]*Snapshot, len(current)+len(snaps))
	for id, snap := range current {
		next[id] = snap
	}
	for _, snap := range snaps {
		next[snap.TeamID] = snap
	}
	s.active.Store(next)
	s.logger.Info("restored team snapshots", "teams", len(snaps))
	return nil
}

// Load returns the active snapshot for a team. Lock-free.
func (s *Store) Load(teamID string) (*Snapshot, error) {
	if snap, ok := s.snapshotMap()[teamID]; ok {
		return snap, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTeamNotFound, teamID)
}

// Teams returns the active team ids.
func (s *Store) Teams() []string {
	m := s.snapshotMap()
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}

// Update validates and commits a new configuration version for a team.
// On validation errors nothing is committed and the report is returned.
func (s *Store) Update(ctx context.Context, teamID string, cfg *TeamConfig, actor string) (*Snapshot, *Report, error) {
	if cfg.ID == "" {
		cfg.ID = teamID
	}
	report := ValidateTeam(cfg)
	if report.HasErrors() {
		return nil, report, nil
	}

	lock := s.lockFor(teamID)
	lock.Lock()
	defer lock.Unlock()

	var version int64 = 1
	if prev, ok := s.snapshotMap()[teamID]; ok {
		version = prev.Version + 1
	}
	snap := &Snapshot{
		TeamID:    teamID,
		Version:   version,
		Config:    cfg,
		CreatedAt: time.Now(),
		CreatedBy: actor,
		Active:    true,
	}

	if err := s.commit(ctx, snap, actor, "update", ""); err != nil {
		return nil, report, err
	}
	return snap, report, nil
}

// Rollback reactivates a prior version.
func (s *Store) Rollback(ctx context.Context, teamID string, version int64, actor string) (*Snapshot, error) {
	lock := s.lockFor(teamID)
	lock.Lock()
	defer lock.Unlock()

	old, err := s.loadVersion(ctx, teamID, version)
	if err != nil {
		return nil, err
	}

	// A rollback commits the old config as a new version so version
	// numbers stay monotonic.
	var next int64 = 1
	if prev, ok := s.snapshotMap()[teamID]; ok {
		next = prev.Version + 1
	}
	snap := &Snapshot{
		TeamID:    teamID,
		Version:   next,
		Config:    old.Config,
		CreatedAt: time.Now(),
		CreatedBy: actor,
		Active:    true,
	}
	detail := fmt.Sprintf("rolled back to version %d", version)
	if err := s.commit(ctx, snap, actor, "rollback", detail); err != nil {
		return nil, err
	}
	return snap, nil
}

// Subscribe registers fn for new snapshots of one team. Callbacks run
// synchronously on the publishing goroutine; keep them short.
func (s *Store) Subscribe(teamID string, fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[teamID] = append(s.subs[teamID], fn)
}

// commit persists, publishes, audits, and notifies. Caller holds the
// team lock.
func (s *Store) commit(ctx context.Context, snap *Snapshot, actor, action, detail string) error {
	if s.persist != nil {
		if err := s.persist.SaveSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("persisting snapshot: %w", err)
		}
		if err := s.persist.ActivateVersion(ctx, snap.TeamID, snap.Version); err != nil {
			return fmt.Errorf("activating snapshot: %w", err)
		}
		audit := &AuditRecord{
			TeamID:    snap.TeamID,
			Version:   snap.Version,
			Actor:     actor,
			Action:    action,
			Detail:    detail,
			CreatedAt: time.Now(),
		}
		if err := s.persist.AppendAudit(ctx, audit); err != nil {
			s.logger.Error("audit append failed", "team", snap.TeamID, "error", err)
		}
	}

	// Copy-on-publish keeps the read path lock-free.
	current := s.snapshotMap()
	next := make(map[string]*Snapshot, len(current)+1)
	for id, existing := range current {
		next[id] = existing
	}
	next[snap.TeamID] = snap
	s.active.Store(next)

	s.mu.Lock()
	s.history[snap.TeamID] = append(s.history[snap.TeamID], snap)
	subs := append([]func(*Snapshot){}, s.subs[snap.TeamID]...)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
	s.logger.Info("published team config",
		"team", snap.TeamID,
		"version", snap.Version,
		"action", action,
		"actor", actor)
	return nil
}

func (s *Store) loadVersion(ctx context.Context, teamID string, version int64) (*Snapshot, error) {
	if s.persist != nil {
		return s.persist.LoadVersion(ctx, teamID, version)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.history[teamID] {
		if snap.Version == version {
			return snap, nil
		}
	}
	return nil, fmt.Errorf("%w: %s version %d", ErrVersionNotFound, teamID, version)
}

func (s *Store) lockFor(teamID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.teamLocks[teamID]
	if !ok {
		lock = &sync.Mutex{}
		s.teamLocks[teamID] = lock
	}
	return lock
}

func (s *Store) snapshotMap() map[string]*Snapshot {
	if m, ok := s.active.Load().(map[string]*Snapshot); ok {
		return m
	}
	return nil
}
