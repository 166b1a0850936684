// Package workload scores assignee capacity. Scores feed routing (workload
// warnings on risky assignments) and the renderer (recommendation tags).
package workload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/notifyops/relay/pkg/models"
)

// ItemStats are the raw per-assignee numbers the tracker reports.
type ItemStats struct {
	OpenCount        int
	StoryPointsOpen  float64
	OverdueCount     int
	HighPriorityOpen int
	SprintCommitted  float64
	SprintCapacity   float64
}

// Source provides raw workload numbers for one assignee.
type Source interface {
	OpenItems(ctx context.Context, assignee string) (ItemStats, error)
}

// Weights for the five scoring factors. Each factor is normalized against
// the assignee's capacity before weighting.
type Weights struct {
	OpenCount    float64 `yaml:"open_count"`
	StoryPoints  float64 `yaml:"story_points"`
	HighPriority float64 `yaml:"high_priority"`
	Overdue      float64 `yaml:"overdue"`
	Utilization  float64 `yaml:"utilization"`
}

// Thresholds partition the score line into risk buckets. Must be
// strictly increasing.
type Thresholds struct {
	Moderate float64 `yaml:"moderate"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// Config controls scoring and cache staleness.
type Config struct {
	Weights    Weights    `yaml:"weights"`
	Thresholds Thresholds `yaml:"thresholds"`
	// ItemCapacity normalizes open count and high-priority count.
	ItemCapacity float64 `yaml:"item_capacity"`
	// PointCapacity normalizes open story points.
	PointCapacity float64 `yaml:"point_capacity"`
	// CacheTTL bounds snapshot staleness.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig returns the built-in scoring defaults.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			OpenCount:    0.25,
			StoryPoints:  0.20,
			HighPriority: 0.25,
			Overdue:      0.15,
			Utilization:  0.15,
		},
		Thresholds:    Thresholds{Moderate: 0.5, High: 0.75, Critical: 1.0},
		ItemCapacity:  10,
		PointCapacity: 20,
		CacheTTL:      5 * time.Minute,
	}
}

// Validate checks the config is usable.
func (c Config) Validate() error {
	if c.ItemCapacity <= 0 || c.PointCapacity <= 0 {
		return fmt.Errorf("workload capacities must be positive")
	}
	if !(c.Thresholds.Moderate < c.Thresholds.High && c.Thresholds.High < c.Thresholds.Critical) {
		return fmt.Errorf("workload thresholds must be strictly increasing")
	}
	return nil
}

type cacheEntry struct {
	snapshot models.WorkloadSnapshot
	fetched  time.Time
}

// Analyzer computes workload snapshots with a bounded-staleness cache.
type Analyzer struct {
	source Source
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewAnalyzer creates an analyzer over the given stats source.
func NewAnalyzer(source Source, cfg Config, logger *slog.Logger) *Analyzer {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	return &Analyzer{
		source: source,
		cfg:    cfg,
		logger: logger.With("component", "workload"),
		cache:  make(map[string]cacheEntry),
	}
}

// Score returns the capacity snapshot for an assignee, serving from cache
// while the cached snapshot is younger than the configured TTL.
func (a *Analyzer) Score(ctx context.Context, assignee string, now time.Time) (models.WorkloadSnapshot, error) {
	a.mu.Lock()
	if entry, ok := a.cache[assignee]; ok && now.Sub(entry.fetched) < a.cfg.CacheTTL {
		a.mu.Unlock()
		return entry.snapshot, nil
	}
	a.mu.Unlock()

	stats, err := a.source.OpenItems(ctx, assignee)
	if err != nil {
		return models.WorkloadSnapshot{}, fmt.Errorf("fetching workload for %s: %w", assignee, err)
	}

	snapshot := a.compute(assignee, stats, now)

	a.mu.Lock()
	a.cache[assignee] = cacheEntry{snapshot: snapshot, fetched: now}
	a.mu.Unlock()

	a.logger.Debug("computed workload snapshot",
		"assignee", assignee,
		"score", snapshot.Score,
		"risk", snapshot.Risk)
	return snapshot, nil
}

// Invalidate drops the cached snapshot for an assignee.
func (a *Analyzer) Invalidate(assignee string) {
	a.mu.Lock()
	delete(a.cache, assignee)
	a.mu.Unlock()
}

func (a *Analyzer) compute(assignee string, stats ItemStats, now time.Time) models.WorkloadSnapshot {
	utilization := 0.0
	if stats.SprintCapacity > 0 {
		utilization = stats.SprintCommitted / stats.SprintCapacity
	}

	w := a.cfg.Weights
	score := w.OpenCount*(float64(stats.OpenCount)/a.cfg.ItemCapacity) +
		w.StoryPoints*(stats.StoryPointsOpen/a.cfg.PointCapacity) +
		w.HighPriority*(float64(stats.HighPriorityOpen)/a.cfg.ItemCapacity) +
		w.Overdue*(float64(stats.OverdueCount)/a.cfg.ItemCapacity) +
		w.Utilization*utilization

	risk := a.bucket(score)
	return models.WorkloadSnapshot{
		Assignee:            assignee,
		OpenCount:           stats.OpenCount,
		StoryPointsOpen:     stats.StoryPointsOpen,
		OverdueCount:        stats.OverdueCount,
		HighPriorityOpen:    stats.HighPriorityOpen,
		CapacityUtilization: utilization,
		Score:               score,
		Risk:                risk,
		Recommendations:     Recommendations(risk),
		AsOf:                now,
	}
}

func (a *Analyzer) bucket(score float64) models.WorkloadRisk {
	t := a.cfg.Thresholds
	switch {
	case score >= t.Critical:
		return models.RiskCritical
	case score >= t.High:
		return models.RiskHigh
	case score >= t.Moderate:
		return models.RiskModerate
	default:
		return models.RiskLow
	}
}

// Recommendations maps a risk bucket to its advice tags.
func Recommendations(risk models.WorkloadRisk) []models.RecommendationTag {
	switch risk {
	case models.RiskModerate:
		return []models.RecommendationTag{models.RecommendDefer}
	case models.RiskHigh:
		return []models.RecommendationTag{models.RecommendDefer, models.RecommendReducePriority}
	case models.RiskCritical:
		return []models.RecommendationTag{models.RecommendReassign, models.RecommendEscalateToLead}
	default:
		return nil
	}
}

// ShouldWarn reports whether an assignment to someone at this risk level
// warrants an extra workload-warning notification.
func ShouldWarn(risk models.WorkloadRisk) bool {
	return risk == models.RiskHigh || risk == models.RiskCritical
}
