package threading

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/notifyops/relay/pkg/models"
)

func testManager() *Manager {
	return NewManager(DefaultConfig(), slog.Default())
}

func subjectEvent(subject string) *models.Event {
	return &models.Event{
		Source:     models.SourceIssueTracker,
		Kind:       models.KindIssueUpdated,
		SubjectKey: subject,
	}
}

func TestEntityKeyStableAcrossLifecycle(t *testing.T) {
	m := testManager()
	now := time.Now()

	opened := subjectEvent("ENG-42")
	opened.Kind = models.KindIssueCreated
	updated := subjectEvent("ENG-42")

	key1 := m.ThreadKeyFor(opened, "#eng", now)
	key2 := m.ThreadKeyFor(updated, "#eng", now.Add(time.Hour))
	assert.Equal(t, key1, key2)

	// Same subject on a different channel threads separately.
	key3 := m.ThreadKeyFor(updated, "#ops", now.Add(time.Hour))
	assert.NotEqual(t, key1, key3)
}

func TestSimilarityJoinsWithinWindow(t *testing.T) {
	m := testManager()
	now := time.Now()

	first := &models.Event{Kind: models.KindAlert, SimilarityHash: 0xFFFF_0000_FFFF_0000}
	near := &models.Event{Kind: models.KindAlert, SimilarityHash: 0xFFFF_0000_FFFF_0003}

	key1 := m.ThreadKeyFor(first, "#alerts", now)
	key2 := m.ThreadKeyFor(near, "#alerts", now.Add(10*time.Minute))
	assert.Equal(t, key1, key2)

	// Outside the similarity window the same content starts a new thread.
	key3 := m.ThreadKeyFor(near, "#alerts", now.Add(2*time.Hour))
	assert.NotEqual(t, key1, key3)
}

func TestTemporalProximityJoinsSubjectlessEvents(t *testing.T) {
	m := testManager()
	now := time.Now()

	first := &models.Event{Kind: models.KindDeployment}
	second := &models.Event{Kind: models.KindDeployment}
	other := &models.Event{Kind: models.KindAlert}

	key1 := m.ThreadKeyFor(first, "#deploys", now)
	key2 := m.ThreadKeyFor(second, "#deploys", now.Add(2*time.Minute))
	assert.Equal(t, key1, key2)

	// Different kind never joins temporally.
	key3 := m.ThreadKeyFor(other, "#deploys", now.Add(2*time.Minute))
	assert.NotEqual(t, key1, key3)

	// Past the temporal window a new thread opens.
	key4 := m.ThreadKeyFor(second, "#deploys", now.Add(20*time.Minute))
	assert.NotEqual(t, key1, key4)
}

func TestBindAndLookup(t *testing.T) {
	m := testManager()
	now := time.Now()

	key := m.ThreadKeyFor(subjectEvent("ENG-1"), "#eng", now)
	_, ok := m.MessageID(key)
	assert.False(t, ok)

	m.Bind(key, "msg-123")
	id, ok := m.MessageID(key)
	assert.True(t, ok)
	assert.Equal(t, "msg-123", id)
}

func TestIdleExpiryDropsBinding(t *testing.T) {
	m := testManager()
	now := time.Now()

	key := m.ThreadKeyFor(subjectEvent("ENG-1"), "#eng", now)
	m.Bind(key, "msg-1")

	// Activity past the idle TTL evicts the thread; the entity key is the
	// same string but the old message binding is gone.
	key2 := m.ThreadKeyFor(subjectEvent("ENG-1"), "#eng", now.Add(25*time.Hour))
	assert.Equal(t, key, key2)
	_, ok := m.MessageID(key2)
	assert.False(t, ok)
}
