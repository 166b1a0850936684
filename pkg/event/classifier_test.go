package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyops/relay/pkg/models"
)

type staticOwners struct {
	projects   map[string][]string
	components map[string][]string
	labels     map[string][]string
	users      map[string][]string
}

func (o staticOwners) TeamsForProject(p string) []string   { return o.projects[p] }
func (o staticOwners) TeamsForComponent(c string) []string { return o.components[c] }
func (o staticOwners) TeamsForLabel(l string) []string     { return o.labels[l] }
func (o staticOwners) TeamsForUser(u string) []string      { return o.users[u] }

func testClassifier() *Classifier {
	return NewClassifier(staticOwners{
		projects:   map[string][]string{"ENG": {"eng-core"}},
		components: map[string][]string{"billing": {"payments"}},
		labels:     map[string][]string{"infra": {"platform"}},
		users:      map[string][]string{"alice": {"eng-core"}, "bob": {"payments"}},
	})
}

func issuePayload(t *testing.T, mutate func(map[string]any)) []byte {
	t.Helper()
	payload := map[string]any{
		"webhookEvent": "jira:issue_updated",
		"issue": map[string]any{
			"key": "ENG-42",
			"fields": map[string]any{
				"summary":  "Checkout intermittently times out",
				"labels":   []any{},
				"assignee": map[string]any{"name": "alice"},
				"project":  map[string]any{"key": "ENG"},
			},
		},
	}
	if mutate != nil {
		mutate(payload)
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return data
}

func TestClassifyIssueUpdated(t *testing.T) {
	c := testClassifier()
	ev, err := c.Classify(models.SourceIssueTracker, issuePayload(t, nil), time.Now())
	require.NoError(t, err)

	assert.Equal(t, models.KindIssueUpdated, ev.Kind)
	assert.Equal(t, "ENG-42", ev.SubjectKey)
	assert.Equal(t, models.UrgencyLow, ev.Classification.Urgency)
	assert.Equal(t, "issue", ev.Classification.Category)
	assert.NotEmpty(t, ev.ContentHash)
	assert.Contains(t, ev.AffectedTeams, "eng-core")
}

func TestProjectResolution(t *testing.T) {
	c := testClassifier()
	now := time.Now()

	ev, err := c.Classify(models.SourceIssueTracker, issuePayload(t, nil), now)
	require.NoError(t, err)
	assert.Equal(t, "ENG", ev.Project)

	// Without a project field the issue-key prefix stands in, so ownership
	// still resolves.
	ev, err = c.Classify(models.SourceIssueTracker, issuePayload(t, func(p map[string]any) {
		fields := p["issue"].(map[string]any)["fields"].(map[string]any)
		delete(fields, "project")
	}), now)
	require.NoError(t, err)
	assert.Equal(t, "ENG", ev.Project)
	assert.Contains(t, ev.AffectedTeams, "eng-core")
}

func TestClassifyBlockerLabelIsCritical(t *testing.T) {
	c := testClassifier()
	ev, err := c.Classify(models.SourceIssueTracker, issuePayload(t, func(p map[string]any) {
		fields := p["issue"].(map[string]any)["fields"].(map[string]any)
		fields["labels"] = []any{"blocker"}
	}), time.Now())
	require.NoError(t, err)

	assert.Equal(t, models.UrgencyCritical, ev.Classification.Urgency)
	assert.Equal(t, models.KindIssueBlocker, ev.Kind)
}

// Adding a blocker label must never decrease urgency relative to the same
// event without it.
func TestUrgencyMonotoneInBlockerLabel(t *testing.T) {
	c := testClassifier()
	now := time.Now()

	mutations := []func(map[string]any){
		nil,
		func(p map[string]any) {
			p["issue"].(map[string]any)["fields"].(map[string]any)["priority"] = map[string]any{"name": "High"}
		},
		func(p map[string]any) {
			p["issue"].(map[string]any)["fields"].(map[string]any)["summary"] = "production outage in checkout"
		},
	}

	for _, mutate := range mutations {
		without, err := c.Classify(models.SourceIssueTracker, issuePayload(t, mutate), now)
		require.NoError(t, err)

		with, err := c.Classify(models.SourceIssueTracker, issuePayload(t, func(p map[string]any) {
			if mutate != nil {
				mutate(p)
			}
			fields := p["issue"].(map[string]any)["fields"].(map[string]any)
			labels, _ := fields["labels"].([]any)
			fields["labels"] = append(labels, "blocker")
		}), now)
		require.NoError(t, err)

		assert.GreaterOrEqual(t, int(with.Classification.Urgency), int(without.Classification.Urgency))
	}
}

func TestStatusTransitionToBlockedIsMajor(t *testing.T) {
	c := testClassifier()
	ev, err := c.Classify(models.SourceIssueTracker, issuePayload(t, func(p map[string]any) {
		p["changelog"] = map[string]any{
			"items": []any{
				map[string]any{"field": "status", "fromString": "In Progress", "toString": "Blocked"},
			},
		}
	}), time.Now())
	require.NoError(t, err)

	assert.Equal(t, models.KindIssueBlocker, ev.Kind)
	assert.GreaterOrEqual(t, int(ev.Classification.Significance), int(models.SignificanceMajor))
}

func TestCommentSignificance(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected models.Significance
	}{
		{"plain comment is minor", "looked into this briefly", models.SignificanceMinor},
		{"mention is moderate", "can @bob take a look?", models.SignificanceModerate},
		{"decision keyword is moderate", "we decided to roll back", models.SignificanceModerate},
	}

	c := testClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := c.Classify(models.SourceIssueTracker, issuePayload(t, func(p map[string]any) {
				p["comment"] = map[string]any{"body": tt.body, "author": map[string]any{"name": "carol"}}
			}), time.Now())
			require.NoError(t, err)
			assert.Equal(t, models.KindIssueComment, ev.Kind)
			assert.Equal(t, tt.expected, ev.Classification.Significance)
		})
	}
}

func TestClassifyPullRequest(t *testing.T) {
	c := testClassifier()
	body := []byte(`{
		"action": "opened",
		"repository": "ENG",
		"pull_request": {
			"number": 123,
			"title": "Add retry to payment client",
			"body": "fixes flaky checkout",
			"author": "bob",
			"labels": [],
			"assignees": ["alice"]
		}
	}`)
	ev, err := c.Classify(models.SourceSourceControl, body, time.Now())
	require.NoError(t, err)

	assert.Equal(t, models.KindPROpened, ev.Kind)
	assert.Equal(t, "PR-123", ev.SubjectKey)
	assert.Equal(t, "pull_request", ev.Classification.Category)
	assert.ElementsMatch(t, []string{"eng-core", "payments"}, ev.AffectedTeams)
}

func TestClassifyInvalidPayload(t *testing.T) {
	tests := []struct {
		name   string
		source models.Source
		body   string
	}{
		{"not json", models.SourceIssueTracker, "{"},
		{"missing issue", models.SourceIssueTracker, `{"webhookEvent":"jira:issue_updated"}`},
		{"missing issue key", models.SourceIssueTracker, `{"issue":{"fields":{}}}`},
		{"missing action", models.SourceSourceControl, `{"pull_request":{"number":1}}`},
		{"missing pr number", models.SourceSourceControl, `{"action":"opened","pull_request":{}}`},
		{"manual missing title", models.SourceManual, `{"body":"x"}`},
	}

	c := testClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Classify(tt.source, []byte(tt.body), time.Now())
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}

func TestUnknownActionMapsToOther(t *testing.T) {
	c := testClassifier()
	body := []byte(`{"action":"locked","pull_request":{"number":7,"title":"x"}}`)
	ev, err := c.Classify(models.SourceSourceControl, body, time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.KindOther, ev.Kind)
}

func TestReassignmentToSamePersonHashesIdentically(t *testing.T) {
	c := testClassifier()
	now := time.Now()

	// Changelog rows where from == to are dropped, so the normalized payload
	// matches the plain update.
	first, err := c.Classify(models.SourceIssueTracker, issuePayload(t, nil), now)
	require.NoError(t, err)

	second, err := c.Classify(models.SourceIssueTracker, issuePayload(t, func(p map[string]any) {
		p["changelog"] = map[string]any{
			"items": []any{
				map[string]any{"field": "assignee", "fromString": "alice", "toString": "alice"},
			},
		}
	}), now)
	require.NoError(t, err)

	assert.Equal(t, models.KindIssueUpdated, second.Kind)
	assert.Equal(t, first.ContentHash, second.ContentHash,
		"same-person reassignment must dedup against the plain update")
	assert.Equal(t, first.SimilarityHash, second.SimilarityHash)
}
