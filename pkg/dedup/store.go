// Package dedup suppresses repeat deliveries of semantically identical
// events inside a rolling TTL window. The logical key is
// (source, subject_key, content_hash): a raw hash collision across
// different subjects is treated as distinct content.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/notifyops/relay/pkg/models"
)

// Status classifies one observation.
type Status string

// Observation statuses.
const (
	// StatusNew: first sighting inside the window; deliver.
	StatusNew Status = "new"
	// StatusDuplicate: same semantic content already seen; suppress.
	StatusDuplicate Status = "duplicate"
	// StatusSuperseded: same subject, different content; the prior entry is
	// marked updated and the new event is delivered.
	StatusSuperseded Status = "superseded"
)

// Result is the outcome of one Observe call.
type Result struct {
	Status         Status
	PreviousSeenAt *time.Time
	Count          int64
}

// entry is the stored JSON value for one dedup key.
type entry struct {
	EventID     string           `json:"event_id"`
	Kind        models.EventKind `json:"kind"`
	ContentHash string           `json:"content_hash"`
	FirstSeenAt time.Time        `json:"first_seen_at"`
	LastSeenAt  time.Time        `json:"last_seen_at"`
	Superseded  bool             `json:"superseded,omitempty"`
}

const (
	entryPrefix   = "dedup:entry:"
	subjectPrefix = "dedup:subject:"
	countPrefix   = "dedup:count:"
	simBandPrefix = "dedup:simband:"
)

// Config controls TTL windows.
type Config struct {
	// DefaultTTL is the dedup window for kinds without an override.
	DefaultTTL time.Duration `yaml:"default_ttl"`
	// KindTTL overrides the window per event kind.
	KindTTL map[models.EventKind]time.Duration `yaml:"kind_ttl,omitempty"`
}

// DefaultConfig returns the built-in dedup defaults.
func DefaultConfig() Config {
	return Config{DefaultTTL: 60 * time.Minute}
}

// Store is a Redis-backed dedup index with per-kind TTLs and a
// similarity-hash secondary index for near-duplicate queries.
type Store struct {
	rdb redis.Cmdable
	cfg Config
}

// NewStore creates a dedup store on the given Redis client.
func NewStore(rdb redis.Cmdable, cfg Config) *Store {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}
	return &Store{rdb: rdb, cfg: cfg}
}

// TTLFor returns the dedup window for a kind.
func (s *Store) TTLFor(kind models.EventKind) time.Duration {
	if ttl, ok := s.cfg.KindTTL[kind]; ok && ttl > 0 {
		return ttl
	}
	return s.cfg.DefaultTTL
}

// Observe records one event sighting with compare-and-insert semantics.
// After Observe returns StatusNew for a key, a concurrent Observe of the
// same key within the TTL returns StatusDuplicate. Expired entries report
// StatusNew again.
func (s *Store) Observe(ctx context.Context, ev *models.Event, now time.Time) (Result, error) {
	ttl := s.TTLFor(ev.Kind)
	key := entryPrefix + ev.SemanticKey()

	e := entry{
		EventID:     ev.ID,
		Kind:        ev.Kind,
		ContentHash: ev.ContentHash,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	data, err := json.Marshal(e)
	if err != nil {
		return Result{}, fmt.Errorf("marshaling dedup entry: %w", err)
	}

	// Atomic insert-or-fetch: SETNX wins exactly once per window.
	inserted, err := s.rdb.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return Result{}, fmt.Errorf("dedup insert: %w", err)
	}

	if !inserted {
		return s.markDuplicate(ctx, key, ttl, now)
	}

	count, err := s.rdb.Incr(ctx, countPrefix+ev.SemanticKey()).Result()
	if err != nil {
		return Result{}, fmt.Errorf("dedup count: %w", err)
	}
	_ = s.rdb.Expire(ctx, countPrefix+ev.SemanticKey(), ttl).Err()

	s.indexSimilarity(ctx, ev, ttl)

	superseded, err := s.checkSupersede(ctx, ev, ttl)
	if err != nil {
		return Result{}, err
	}
	if superseded {
		return Result{Status: StatusSuperseded, Count: count}, nil
	}
	return Result{Status: StatusNew, Count: count}, nil
}

func (s *Store) markDuplicate(ctx context.Context, key string, ttl time.Duration, now time.Time) (Result, error) {
	var prev *time.Time
	raw, err := s.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		var e entry
		if jsonErr := json.Unmarshal([]byte(raw), &e); jsonErr == nil {
			seen := e.LastSeenAt
			prev = &seen
			e.LastSeenAt = now
			if data, marshalErr := json.Marshal(e); marshalErr == nil {
				// KeepTTL: the window is anchored at first sighting.
				_ = s.rdb.Set(ctx, key, data, redis.KeepTTL).Err()
			}
		}
	case errors.Is(err, redis.Nil):
		// Entry expired between SetNX and Get; treat as duplicate with no
		// previous timestamp rather than racing a re-insert.
	default:
		return Result{}, fmt.Errorf("dedup fetch: %w", err)
	}

	countKey := countPrefix + key[len(entryPrefix):]
	count, err := s.rdb.Incr(ctx, countKey).Result()
	if err != nil {
		return Result{}, fmt.Errorf("dedup count: %w", err)
	}
	_ = s.rdb.Expire(ctx, countKey, ttl).Err()

	return Result{Status: StatusDuplicate, PreviousSeenAt: prev, Count: count}, nil
}

// checkSupersede tracks the latest content hash per (source, subject). When
// the subject was last seen with a different hash, the prior entry is marked
// superseded and the new event is delivered as an update.
func (s *Store) checkSupersede(ctx context.Context, ev *models.Event, ttl time.Duration) (bool, error) {
	if ev.SubjectKey == "" {
		return false, nil
	}
	subjectKey := subjectPrefix + string(ev.Source) + "/" + ev.SubjectKey

	old, err := s.rdb.SetArgs(ctx, subjectKey, ev.ContentHash, redis.SetArgs{Get: true, TTL: ttl}).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup subject pointer: %w", err)
	}
	if old == "" || old == ev.ContentHash {
		return false, nil
	}

	// Mark the prior entry superseded so stats queries can tell an update
	// apart from independent content.
	oldKey := entryPrefix + string(ev.Source) + "/" + ev.SubjectKey + "/" + old
	raw, err := s.rdb.Get(ctx, oldKey).Result()
	if err == nil {
		var e entry
		if jsonErr := json.Unmarshal([]byte(raw), &e); jsonErr == nil && !e.Superseded {
			e.Superseded = true
			if data, marshalErr := json.Marshal(e); marshalErr == nil {
				_ = s.rdb.Set(ctx, oldKey, data, redis.KeepTTL).Err()
			}
		}
	}
	return true, nil
}

// indexSimilarity writes the event into 4 simhash band buckets (16 bits
// each) for near-duplicate lookups.
func (s *Store) indexSimilarity(ctx context.Context, ev *models.Event, ttl time.Duration) {
	if ev.SimilarityHash == 0 {
		return
	}
	for band := 0; band < 4; band++ {
		bits := (ev.SimilarityHash >> (uint(band) * 16)) & 0xFFFF
		key := simBandPrefix + strconv.Itoa(band) + ":" + strconv.FormatUint(bits, 16)
		_ = s.rdb.SAdd(ctx, key, ev.ID).Err()
		_ = s.rdb.Expire(ctx, key, ttl).Err()
	}
}

// NearDuplicates returns ids of recently observed events sharing at least
// one simhash band with the given hash.
func (s *Store) NearDuplicates(ctx context.Context, simHash uint64) ([]string, error) {
	if simHash == 0 {
		return nil, nil
	}
	seen := map[string]struct{}{}
	var ids []string
	for band := 0; band < 4; band++ {
		bits := (simHash >> (uint(band) * 16)) & 0xFFFF
		key := simBandPrefix + strconv.Itoa(band) + ":" + strconv.FormatUint(bits, 16)
		members, err := s.rdb.SMembers(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("dedup similarity query: %w", err)
		}
		for _, id := range members {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// PurgeKind deletes all dedup entries for one event kind. Used by the
// operational CLI.
func (s *Store) PurgeKind(ctx context.Context, kind models.EventKind) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, entryPrefix+"*", 200).Result()
		if err != nil {
			return deleted, fmt.Errorf("dedup scan: %w", err)
		}
		for _, key := range keys {
			raw, err := s.rdb.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			var e entry
			if json.Unmarshal([]byte(raw), &e) != nil || e.Kind != kind {
				continue
			}
			if s.rdb.Del(ctx, key).Err() == nil {
				deleted++
			}
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}
