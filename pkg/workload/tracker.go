package workload

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/notifyops/relay/pkg/models"
)

// Statuses that settle an item and remove it from the open set.
var settledStatuses = []string{"done", "closed", "resolved", "cancelled", "won't do"}

type trackedItem struct {
	assignee     string
	points       float64
	highPriority bool
	due          time.Time
}

// Tracker is an event-fed workload source. It watches the issue stream and
// maintains per-assignee open item stats, so scoring needs no tracker API
// round trip. State is per-process; a restart rebuilds it from subsequent
// events.
type Tracker struct {
	mu    sync.Mutex
	items map[string]*trackedItem // by subject key
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{items: make(map[string]*trackedItem)}
}

// Observe folds one classified event into the open-item set. Non-issue
// events and events without a subject are ignored.
func (t *Tracker) Observe(ev *models.Event) {
	if ev.SubjectKey == "" || !isIssueKind(ev.Kind) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if to, ok := ev.FieldDeltas["status"]; ok && isSettledStatus(to) {
		delete(t.items, ev.SubjectKey)
		return
	}

	item, ok := t.items[ev.SubjectKey]
	if !ok {
		item = &trackedItem{}
		t.items[ev.SubjectKey] = item
	}
	if len(ev.Assignees) > 0 {
		item.assignee = ev.Assignees[0]
	}
	item.highPriority = ev.Classification.Urgency >= models.UrgencyHigh
	if points, ok := storyPoints(ev.Payload); ok {
		item.points = points
	}
	if due, ok := dueDate(ev.Payload); ok {
		item.due = due
	}
}

// OpenItems implements Source over the tracked state.
func (t *Tracker) OpenItems(_ context.Context, assignee string) (ItemStats, error) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var stats ItemStats
	for _, item := range t.items {
		if item.assignee != assignee {
			continue
		}
		stats.OpenCount++
		stats.StoryPointsOpen += item.points
		if item.highPriority {
			stats.HighPriorityOpen++
		}
		if !item.due.IsZero() && item.due.Before(now) {
			stats.OverdueCount++
		}
	}
	return stats, nil
}

// Open reports the current open-item count across all assignees.
func (t *Tracker) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

func isIssueKind(kind models.EventKind) bool {
	switch kind {
	case models.KindIssueCreated, models.KindIssueUpdated, models.KindIssueStatus,
		models.KindIssuePriority, models.KindIssueAssignment, models.KindIssueBlocker:
		return true
	}
	return false
}

func isSettledStatus(status string) bool {
	s := strings.ToLower(status)
	for _, settled := range settledStatuses {
		if strings.Contains(s, settled) {
			return true
		}
	}
	return false
}

func storyPoints(payload map[string]any) (float64, bool) {
	fields := issueFields(payload)
	if fields == nil {
		return 0, false
	}
	for _, key := range []string{"story_points", "storyPoints"} {
		if v, ok := fields[key].(float64); ok {
			return v, true
		}
	}
	return 0, false
}

func dueDate(payload map[string]any) (time.Time, bool) {
	fields := issueFields(payload)
	if fields == nil {
		return time.Time{}, false
	}
	raw, ok := fields["duedate"].(string)
	if !ok || raw == "" {
		return time.Time{}, false
	}
	due, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, false
	}
	return due, true
}

func issueFields(payload map[string]any) map[string]any {
	issue, ok := payload["issue"].(map[string]any)
	if !ok {
		return nil
	}
	fields, _ := issue["fields"].(map[string]any)
	return fields
}
