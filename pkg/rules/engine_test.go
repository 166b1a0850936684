package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyops/relay/pkg/models"
)

func boolPtr(b bool) *bool { return &b }

func sampleEvent() *models.Event {
	return &models.Event{
		ID:         "ev-1",
		Source:     models.SourceIssueTracker,
		Kind:       models.KindIssueUpdated,
		SubjectKey: "ENG-42",
		Title:      "Checkout intermittently times out",
		Labels:     []string{"blocker", "checkout"},
		Project:    "ENG",
		Payload: map[string]any{
			"issue": map[string]any{
				"fields": map[string]any{"priority": "High"},
			},
		},
		Classification: models.Classification{
			Category: "issue",
			Urgency:  models.UrgencyCritical,
		},
	}
}

func TestCompileRejectsBadRules(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"bad action", Rule{ID: "r", Action: "deliver"}},
		{"bad operator", Rule{ID: "r", Action: ActionRoute, When: &Condition{Field: "kind", Op: "like", Value: "x"}}},
		{"bad regex", Rule{ID: "r", Action: ActionRoute, When: &Condition{Field: "title", Op: OpRegex, Value: "("}}},
		{"empty condition", Rule{ID: "r", Action: ActionRoute, When: &Condition{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile([]Rule{tt.rule})
			assert.Error(t, err)
		})
	}
}

func TestEvaluatePriorityOrderAndShortCircuit(t *testing.T) {
	rs, err := Compile([]Rule{
		{ID: "low", Priority: 1, Action: ActionRoute, Channels: []string{"#general"}},
		{ID: "high", Priority: 10, Action: ActionRoute, Channels: []string{"#eng-alerts"},
			When: &Condition{Field: "labels", Op: OpContains, Value: "blocker"}},
	})
	require.NoError(t, err)

	result := rs.Evaluate(sampleEvent())
	require.Len(t, result.Routes, 1)
	assert.Equal(t, "#eng-alerts", result.Routes[0].Channel)
	assert.Equal(t, "high", result.MatchedID)
}

func TestEvaluateBlockSuppresses(t *testing.T) {
	rs, err := Compile([]Rule{
		{ID: "mute-bots", Priority: 100, Action: ActionBlock,
			When: &Condition{Field: "authors", Op: OpContains, Value: "ci-bot"}},
		{ID: "route", Priority: 1, Action: ActionRoute, Channels: []string{"#general"}},
	})
	require.NoError(t, err)

	ev := sampleEvent()
	ev.Authors = []string{"ci-bot"}
	result := rs.Evaluate(ev)
	assert.True(t, result.Suppressed)
	assert.Contains(t, result.Reason, "mute-bots")
	assert.Empty(t, result.Routes)
}

func TestEvaluateTieBrokenByRuleID(t *testing.T) {
	rs, err := Compile([]Rule{
		{ID: "b-rule", Priority: 5, Action: ActionRoute, Channels: []string{"#b"}},
		{ID: "a-rule", Priority: 5, Action: ActionRoute, Channels: []string{"#a"}},
	})
	require.NoError(t, err)

	result := rs.Evaluate(sampleEvent())
	assert.Equal(t, "a-rule", result.MatchedID)
}

func TestHookScopeFiltersKinds(t *testing.T) {
	rs, err := Compile([]Rule{
		{ID: "pr-only", Priority: 10, Action: ActionRoute, Channels: []string{"#prs"},
			HookScope: []models.EventKind{models.KindPROpened}},
	})
	require.NoError(t, err)

	result := rs.Evaluate(sampleEvent())
	assert.Empty(t, result.Routes)
}

func TestDisabledRuleSkipped(t *testing.T) {
	rs, err := Compile([]Rule{
		{ID: "off", Priority: 10, Action: ActionRoute, Channels: []string{"#x"}, Enabled: boolPtr(false)},
	})
	require.NoError(t, err)
	assert.Empty(t, rs.Evaluate(sampleEvent()).Routes)
}

func TestOperators(t *testing.T) {
	ev := sampleEvent()
	tests := []struct {
		name    string
		cond    Condition
		matched bool
	}{
		{"eq", Condition{Field: "kind", Op: OpEq, Value: "issue_updated"}, true},
		{"neq", Condition{Field: "kind", Op: OpNeq, Value: "pr_opened"}, true},
		{"in", Condition{Field: "project", Op: OpIn, Value: []any{"ENG", "OPS"}}, true},
		{"not-in", Condition{Field: "project", Op: OpNotIn, Value: []any{"OPS"}}, true},
		{"contains substring", Condition{Field: "title", Op: OpContains, Value: "times out"}, true},
		{"contains list member", Condition{Field: "labels", Op: OpContains, Value: "checkout"}, true},
		{"regex", Condition{Field: "subject_key", Op: OpRegex, Value: `^ENG-\d+$`}, true},
		{"gt", Condition{Field: "urgency_level", Op: OpGt, Value: 2}, true},
		{"lt false", Condition{Field: "urgency_level", Op: OpLt, Value: 1}, false},
		{"payload path", Condition{Field: "payload.issue.fields.priority", Op: OpEq, Value: "High"}, true},
		{"nested all/any/not", Condition{All: []*Condition{
			{Field: "category", Op: OpEq, Value: "issue"},
			{Any: []*Condition{
				{Field: "labels", Op: OpContains, Value: "nope"},
				{Not: &Condition{Field: "source", Op: OpEq, Value: "manual"}},
			}},
		}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := tt.cond
			rs, err := Compile([]Rule{{ID: "r", Action: ActionRoute, Channels: []string{"#c"}, When: &cond}})
			require.NoError(t, err)
			result := rs.Evaluate(ev)
			assert.Equal(t, tt.matched, len(result.Routes) > 0)
		})
	}
}

func TestMissingFieldSemantics(t *testing.T) {
	ev := sampleEvent()
	tests := []struct {
		name    string
		cond    Condition
		matched bool
	}{
		{"eq on missing is false", Condition{Field: "payload.nope", Op: OpEq, Value: "x"}, false},
		{"neq on missing is true", Condition{Field: "payload.nope", Op: OpNeq, Value: "x"}, true},
		{"contains on missing is false", Condition{Field: "payload.nope", Op: OpContains, Value: "x"}, false},
		{"regex on missing is false", Condition{Field: "payload.nope", Op: OpRegex, Value: "x"}, false},
		{"unknown path is missing", Condition{Field: "no_such_field", Op: OpEq, Value: "x"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := tt.cond
			rs, err := Compile([]Rule{{ID: "r", Action: ActionRoute, Channels: []string{"#c"}, When: &cond}})
			require.NoError(t, err)
			assert.Equal(t, tt.matched, len(rs.Evaluate(ev).Routes) > 0)
		})
	}
}

// A type-mismatched leaf evaluates false, records an EvalError, and the next
// rule still runs.
func TestTypeMismatchDoesNotHaltEvaluation(t *testing.T) {
	rs, err := Compile([]Rule{
		{ID: "broken", Priority: 10, Action: ActionRoute, Channels: []string{"#broken"},
			When: &Condition{Field: "title", Op: OpGt, Value: 5}},
		{ID: "fallback", Priority: 1, Action: ActionRoute, Channels: []string{"#ok"}},
	})
	require.NoError(t, err)

	result := rs.Evaluate(sampleEvent())
	require.Len(t, result.Routes, 1)
	assert.Equal(t, "#ok", result.Routes[0].Channel)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "broken", result.Errors[0].RuleID)
}

func TestUrgencyOverride(t *testing.T) {
	rs, err := Compile([]Rule{
		{ID: "r", Action: ActionRoute, Channels: []string{"#c"}, UrgencyOverride: "critical"},
	})
	require.NoError(t, err)

	result := rs.Evaluate(sampleEvent())
	require.Len(t, result.Routes, 1)
	require.NotNil(t, result.Routes[0].UrgencyOverride)
	assert.Equal(t, models.UrgencyCritical, *result.Routes[0].UrgencyOverride)
}
