// Package threading groups related notifications into chat threads. Keys
// are derived from the event's subject where one exists, then from content
// similarity, then from temporal proximity.
package threading

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/notifyops/relay/pkg/event"
	"github.com/notifyops/relay/pkg/models"
)

// Config controls thread windows and expiry.
type Config struct {
	// SimilarityWindow bounds strategy 2 lookback on a channel.
	SimilarityWindow time.Duration `yaml:"similarity_window"`
	// SimilarityMaxDistance is the max simhash Hamming distance to join.
	SimilarityMaxDistance int `yaml:"similarity_max_distance"`
	// TemporalWindow bounds strategy 3 lookback for subject-less events.
	TemporalWindow time.Duration `yaml:"temporal_window"`
	// IdleTTL expires threads with no activity.
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// DefaultConfig returns the built-in threading defaults.
func DefaultConfig() Config {
	return Config{
		SimilarityWindow:      30 * time.Minute,
		SimilarityMaxDistance: 6,
		TemporalWindow:        5 * time.Minute,
		IdleTTL:               24 * time.Hour,
	}
}

type thread struct {
	key          string
	channel      string
	kind         models.EventKind
	simHash      uint64
	messageID    string
	lastActivity time.Time
}

// Manager assigns thread keys and tracks message-id bindings per key.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	byKey     map[string]*thread
	byChannel map[string][]*thread
	seq       uint64
}

// NewManager creates a threading manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultConfig().IdleTTL
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger.With("component", "threading"),
		byKey:     make(map[string]*thread),
		byChannel: make(map[string][]*thread),
	}
}

// ThreadKeyFor returns the thread key for an event on a channel, creating a
// new thread when no existing one matches. Strategies in preference order:
// subject entity, content similarity, temporal proximity.
func (m *Manager) ThreadKeyFor(ev *models.Event, channel string, now time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(now)

	if ev.SubjectKey != "" {
		key := "ent:" + channel + ":" + string(ev.Source) + "/" + ev.SubjectKey
		m.touchLocked(key, channel, ev, now)
		return key
	}

	if ev.SimilarityHash != 0 {
		if t := m.matchLocked(channel, now, m.cfg.SimilarityWindow, func(t *thread) bool {
			return event.Similar(t.simHash, ev.SimilarityHash, m.cfg.SimilarityMaxDistance)
		}); t != nil {
			t.lastActivity = now
			return t.key
		}
	}

	if t := m.matchLocked(channel, now, m.cfg.TemporalWindow, func(t *thread) bool {
		return t.kind == ev.Kind
	}); t != nil {
		t.lastActivity = now
		return t.key
	}

	m.seq++
	key := "gen:" + channel + ":" + strconv.FormatUint(m.seq, 10)
	m.touchLocked(key, channel, ev, now)
	return key
}

// Bind associates the transport message id with a thread key so later
// notifications reply into the same thread.
func (m *Manager) Bind(threadKey, messageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byKey[threadKey]; ok {
		t.messageID = messageID
	}
}

// MessageID returns the bound transport message id for a key, if any.
func (m *Manager) MessageID(threadKey string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byKey[threadKey]
	if !ok || t.messageID == "" {
		return "", false
	}
	return t.messageID, true
}

func (m *Manager) touchLocked(key, channel string, ev *models.Event, now time.Time) {
	if t, ok := m.byKey[key]; ok {
		t.lastActivity = now
		if ev.SimilarityHash != 0 {
			t.simHash = ev.SimilarityHash
		}
		return
	}
	t := &thread{
		key:          key,
		channel:      channel,
		kind:         ev.Kind,
		simHash:      ev.SimilarityHash,
		lastActivity: now,
	}
	m.byKey[key] = t
	m.byChannel[channel] = append(m.byChannel[channel], t)
}

// matchLocked returns the most recently active thread on the channel inside
// the window satisfying the predicate.
func (m *Manager) matchLocked(channel string, now time.Time, window time.Duration, pred func(*thread) bool) *thread {
	var best *thread
	for _, t := range m.byChannel[channel] {
		if now.Sub(t.lastActivity) > window {
			continue
		}
		if !pred(t) {
			continue
		}
		if best == nil || t.lastActivity.After(best.lastActivity) {
			best = t
		}
	}
	return best
}

// evictLocked drops threads idle past the TTL. Subsequent events for the
// same subject start a fresh thread with no message binding.
func (m *Manager) evictLocked(now time.Time) {
	for channel, threads := range m.byChannel {
		kept := threads[:0]
		for _, t := range threads {
			if now.Sub(t.lastActivity) > m.cfg.IdleTTL {
				delete(m.byKey, t.key)
				continue
			}
			kept = append(kept, t)
		}
		if len(kept) == 0 {
			delete(m.byChannel, channel)
			continue
		}
		m.byChannel[channel] = kept
	}
}
