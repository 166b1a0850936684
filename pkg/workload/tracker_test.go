package workload

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyops/relay/pkg/models"
)

func issueEvent(subject, assignee string, urgency models.Urgency) *models.Event {
	return &models.Event{
		Kind:           models.KindIssueAssignment,
		SubjectKey:     subject,
		Assignees:      []string{assignee},
		Classification: models.Classification{Urgency: urgency},
	}
}

func TestTrackerCountsOpenItems(t *testing.T) {
	tr := NewTracker()
	tr.Observe(issueEvent("ENG-1", "alice", models.UrgencyLow))
	tr.Observe(issueEvent("ENG-2", "alice", models.UrgencyHigh))
	tr.Observe(issueEvent("ENG-3", "bob", models.UrgencyLow))

	stats, err := tr.OpenItems(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.OpenCount)
	assert.Equal(t, 1, stats.HighPriorityOpen)

	stats, err = tr.OpenItems(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.OpenCount)
}

func TestTrackerReassignmentMovesItem(t *testing.T) {
	tr := NewTracker()
	tr.Observe(issueEvent("ENG-1", "alice", models.UrgencyLow))
	tr.Observe(issueEvent("ENG-1", "bob", models.UrgencyLow))

	alice, _ := tr.OpenItems(context.Background(), "alice")
	bob, _ := tr.OpenItems(context.Background(), "bob")
	assert.Zero(t, alice.OpenCount)
	assert.Equal(t, 1, bob.OpenCount)
	assert.Equal(t, 1, tr.Open())
}

func TestTrackerSettledStatusRemovesItem(t *testing.T) {
	tr := NewTracker()
	tr.Observe(issueEvent("ENG-1", "alice", models.UrgencyLow))

	done := &models.Event{
		Kind:        models.KindIssueStatus,
		SubjectKey:  "ENG-1",
		FieldDeltas: map[string]string{"status": "Done"},
	}
	tr.Observe(done)

	stats, err := tr.OpenItems(context.Background(), "alice")
	require.NoError(t, err)
	assert.Zero(t, stats.OpenCount)
	assert.Zero(t, tr.Open())
}

func TestTrackerPointsAndDueDates(t *testing.T) {
	tr := NewTracker()
	ev := issueEvent("ENG-1", "alice", models.UrgencyLow)
	ev.Payload = map[string]any{
		"issue": map[string]any{
			"key": "ENG-1",
			"fields": map[string]any{
				"story_points": 5.0,
				"duedate":      time.Now().AddDate(0, 0, -2).Format("2006-01-02"),
			},
		},
	}
	tr.Observe(ev)

	stats, err := tr.OpenItems(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 5.0, stats.StoryPointsOpen)
	assert.Equal(t, 1, stats.OverdueCount)
}

func TestTrackerIgnoresNonIssueEvents(t *testing.T) {
	tr := NewTracker()
	tr.Observe(&models.Event{Kind: models.KindPROpened, SubjectKey: "PR-1", Assignees: []string{"alice"}})
	tr.Observe(&models.Event{Kind: models.KindIssueComment, SubjectKey: "ENG-1", Assignees: []string{"alice"}})

	assert.Zero(t, tr.Open())
}

func TestAnalyzerOverTracker(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 12; i++ {
		ev := issueEvent("ENG-"+string(rune('a'+i)), "alice", models.UrgencyHigh)
		tr.Observe(ev)
	}

	a := NewAnalyzer(tr, DefaultConfig(), slog.Default())
	snap, err := a.Score(context.Background(), "alice", time.Now())
	require.NoError(t, err)
	assert.True(t, ShouldWarn(snap.Risk), "12 high-priority items should warn, got %s", snap.Risk)
}
