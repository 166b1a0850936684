// Package event normalizes raw webhook payloads into classified Events:
// kind, urgency, significance, affected teams, and the content/similarity
// hashes the rest of the pipeline keys on.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/notifyops/relay/pkg/models"
)

// ErrInvalidPayload indicates a webhook body missing required fields for
// its source. Surfaced as 400 at the ingress; no partial Event is emitted.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// InvalidPayloadError carries the offending field for the 400 response body.
type InvalidPayloadError struct {
	Source models.Source
	Field  string
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("invalid payload from %s: missing or malformed field %q", e.Source, e.Field)
}

func (e *InvalidPayloadError) Unwrap() error { return ErrInvalidPayload }

// OwnershipResolver maps projects, components, labels, and users to owning
// teams. Backed by the active team configs.
type OwnershipResolver interface {
	TeamsForProject(project string) []string
	TeamsForComponent(component string) []string
	TeamsForLabel(label string) []string
	TeamsForUser(handle string) []string
}

// Urgency keyword set, matched against labels, title, and body. Ordered
// precedence: explicit blocker/critical label, then keywords, then the
// priority field, then low.
var urgencyKeywords = []string{"blocker", "outage", "security", "production", "data loss", "sev1", "incident"}

// Decision keywords that raise a comment from minor to moderate.
var decisionKeywords = []string{"decision", "decided", "agreed", "approved", "blocking", "lgtm", "ship it"}

var mentionRe = regexp.MustCompile(`@[\w.-]+`)

// Classifier turns raw webhook bodies into immutable Events.
type Classifier struct {
	owners OwnershipResolver
}

// NewClassifier creates a classifier backed by the given ownership resolver.
func NewClassifier(owners OwnershipResolver) *Classifier {
	if owners == nil {
		panic("NewClassifier: owners must not be nil")
	}
	return &Classifier{owners: owners}
}

// Classify validates, normalizes, and classifies one webhook delivery.
// The returned Event is fully populated and must not be mutated.
func (c *Classifier) Classify(source models.Source, body []byte, now time.Time) (*models.Event, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &InvalidPayloadError{Source: source, Field: "(body)"}
	}

	var (
		ev  *models.Event
		err error
	)
	switch source {
	case models.SourceSourceControl:
		ev, err = c.normalizeSourceControl(payload)
	case models.SourceIssueTracker:
		ev, err = c.normalizeIssueTracker(payload)
	case models.SourceManual:
		ev, err = c.normalizeManual(payload)
	default:
		return nil, &InvalidPayloadError{Source: source, Field: "source"}
	}
	if err != nil {
		return nil, err
	}

	ev.ID = uuid.New().String()
	ev.Source = source
	ev.Payload = payload
	ev.IngestedAt = now
	ev.ContentHash = ContentHash(payload)
	ev.SimilarityHash = SimilarityHash(ev.Title + " " + ev.Body)
	ev.Classification = c.classify(ev)
	ev.AffectedTeams = c.affectedTeams(ev)
	return ev, nil
}

func (c *Classifier) normalizeSourceControl(payload map[string]any) (*models.Event, error) {
	action, ok := stringField(payload, "action")
	if !ok {
		return nil, &InvalidPayloadError{Source: models.SourceSourceControl, Field: "action"}
	}
	pr, ok := payload["pull_request"].(map[string]any)
	if action == "deployment" {
		return &models.Event{Kind: models.KindDeployment, Title: firstString(payload, "environment", "description")}, nil
	}
	if !ok {
		return nil, &InvalidPayloadError{Source: models.SourceSourceControl, Field: "pull_request"}
	}

	number, ok := numberField(pr, "number")
	if !ok {
		return nil, &InvalidPayloadError{Source: models.SourceSourceControl, Field: "pull_request.number"}
	}

	ev := &models.Event{
		Kind:       prKind(action, pr),
		SubjectKey: fmt.Sprintf("PR-%d", int64(number)),
		Title:      firstString(pr, "title"),
		Project:    firstString(payload, "repository"),
		Labels:     stringSlice(pr, "labels"),
		Authors:    compact(firstString(pr, "author", "user")),
		Assignees:  stringSlice(pr, "assignees"),
	}
	if comment, ok := payload["comment"].(map[string]any); ok {
		ev.Body = firstString(comment, "body")
		ev.Authors = compact(firstString(comment, "author", "user"))
	} else {
		ev.Body = firstString(pr, "body")
	}
	ev.Mentions = mentions(ev.Body)
	return ev, nil
}

func (c *Classifier) normalizeIssueTracker(payload map[string]any) (*models.Event, error) {
	issue, ok := payload["issue"].(map[string]any)
	if !ok {
		return nil, &InvalidPayloadError{Source: models.SourceIssueTracker, Field: "issue"}
	}
	key, ok := stringField(issue, "key")
	if !ok || key == "" {
		return nil, &InvalidPayloadError{Source: models.SourceIssueTracker, Field: "issue.key"}
	}
	fields, _ := issue["fields"].(map[string]any)

	ev := &models.Event{
		SubjectKey: key,
		Title:      firstString(fields, "summary"),
		Body:       firstString(fields, "description"),
		Project:    projectKey(key, fields),
		Labels:     stringSlice(fields, "labels"),
		Components: stringSlice(fields, "components"),
		Assignees:  compact(firstString(fields, "assignee")),
		Authors:    compact(firstString(payload, "user", "author")),
	}

	ev.FieldDeltas = changelogDeltas(payload)

	if comment, ok := payload["comment"].(map[string]any); ok {
		ev.Body = firstString(comment, "body")
		ev.Authors = compact(firstString(comment, "author", "user"))
		ev.Kind = models.KindIssueComment
	} else {
		ev.Kind = issueKind(payload, ev)
	}
	ev.Mentions = mentions(ev.Body)
	return ev, nil
}

func (c *Classifier) normalizeManual(payload map[string]any) (*models.Event, error) {
	title, ok := stringField(payload, "title")
	if !ok || title == "" {
		return nil, &InvalidPayloadError{Source: models.SourceManual, Field: "title"}
	}
	return &models.Event{
		Kind:       models.KindAlert,
		Title:      title,
		Body:       firstString(payload, "body", "message"),
		SubjectKey: firstString(payload, "subject_key"),
		Labels:     stringSlice(payload, "labels"),
	}, nil
}

// classify assigns category, urgency, and significance. Deterministic: the
// same event always classifies identically, and adding an urgency signal
// never lowers urgency.
func (c *Classifier) classify(ev *models.Event) models.Classification {
	urgency := c.urgency(ev)
	return models.Classification{
		Category:     category(ev.Kind),
		Urgency:      urgency,
		Significance: c.significance(ev, urgency),
	}
}

func (c *Classifier) urgency(ev *models.Event) models.Urgency {
	// 1. Explicit critical/blocker label.
	for _, l := range ev.Labels {
		switch strings.ToLower(l) {
		case "critical", "blocker":
			return models.UrgencyCritical
		}
	}
	// 2. Urgency keyword in labels, title, or body.
	text := NormalizeText(strings.Join(ev.Labels, " ") + " " + ev.Title + " " + ev.Body)
	for _, kw := range urgencyKeywords {
		if strings.Contains(text, kw) {
			return models.UrgencyHigh
		}
	}
	// 3. Priority field.
	if prio, ok := ev.FieldDeltas["priority"]; ok {
		if u := priorityUrgency(prio); u > models.UrgencyLow {
			return u
		}
	}
	if fields, ok := ev.Payload["issue"].(map[string]any); ok {
		if inner, ok := fields["fields"].(map[string]any); ok {
			if u := priorityUrgency(firstString(inner, "priority")); u > models.UrgencyLow {
				return u
			}
		}
	}
	// 4. Default.
	return models.UrgencyLow
}

func priorityUrgency(priority string) models.Urgency {
	switch strings.ToLower(priority) {
	case "highest", "critical", "blocker":
		return models.UrgencyCritical
	case "high":
		return models.UrgencyHigh
	case "medium":
		return models.UrgencyMedium
	}
	return models.UrgencyLow
}

func (c *Classifier) significance(ev *models.Event, urgency models.Urgency) models.Significance {
	// A status transition into a blocked state is always at least major.
	if to, ok := ev.FieldDeltas["status"]; ok && isBlockedStatus(to) {
		if urgency == models.UrgencyCritical {
			return models.SignificanceCritical
		}
		return models.SignificanceMajor
	}

	switch ev.Kind {
	case models.KindIssueComment, models.KindPRComment:
		// Moderate iff the comment carries a mention, assignment change, or
		// decision keyword; minor otherwise.
		if len(ev.Mentions) > 0 {
			return models.SignificanceModerate
		}
		if _, ok := ev.FieldDeltas["assignee"]; ok {
			return models.SignificanceModerate
		}
		body := NormalizeText(ev.Body)
		for _, kw := range decisionKeywords {
			if strings.Contains(body, kw) {
				return models.SignificanceModerate
			}
		}
		return models.SignificanceMinor
	case models.KindIssueBlocker, models.KindPRConflicts, models.KindAlert:
		return models.SignificanceMajor
	case models.KindPRMerged, models.KindDeployment, models.KindIssueStatus:
		return models.SignificanceModerate
	}

	if urgency >= models.UrgencyHigh {
		return models.SignificanceMajor
	}
	if urgency == models.UrgencyMedium {
		return models.SignificanceModerate
	}
	return models.SignificanceMinor
}

// affectedTeams is the union of project owners, component owners, label
// matches, and teams containing any assignee or author. Sorted for
// determinism.
func (c *Classifier) affectedTeams(ev *models.Event) []string {
	set := map[string]struct{}{}
	add := func(teams []string) {
		for _, t := range teams {
			set[t] = struct{}{}
		}
	}

	if ev.Project != "" {
		add(c.owners.TeamsForProject(ev.Project))
	}
	for _, comp := range ev.Components {
		add(c.owners.TeamsForComponent(comp))
	}
	for _, label := range ev.Labels {
		add(c.owners.TeamsForLabel(label))
	}
	for _, user := range append(append([]string{}, ev.Assignees...), ev.Authors...) {
		add(c.owners.TeamsForUser(user))
	}

	teams := make([]string, 0, len(set))
	for t := range set {
		teams = append(teams, t)
	}
	sort.Strings(teams)
	return teams
}

func prKind(action string, pr map[string]any) models.EventKind {
	switch action {
	case "opened":
		return models.KindPROpened
	case "ready_for_review":
		return models.KindPRReady
	case "approved", "submitted":
		return models.KindPRApproved
	case "merged":
		return models.KindPRMerged
	case "closed":
		if b, ok := pr["merged"].(bool); ok && b {
			return models.KindPRMerged
		}
		return models.KindPRClosed
	case "synchronize", "edited":
		if mergeable, ok := pr["mergeable"].(bool); ok && !mergeable {
			return models.KindPRConflicts
		}
		return models.KindOther
	case "created", "commented":
		return models.KindPRComment
	}
	return models.KindOther
}

func issueKind(payload map[string]any, ev *models.Event) models.EventKind {
	eventType := firstString(payload, "webhookEvent", "event_type")
	if strings.Contains(eventType, "created") {
		return models.KindIssueCreated
	}

	if to, ok := ev.FieldDeltas["status"]; ok {
		if isBlockedStatus(to) || ev.HasLabel("blocker") {
			return models.KindIssueBlocker
		}
		return models.KindIssueStatus
	}
	if _, ok := ev.FieldDeltas["priority"]; ok {
		return models.KindIssuePriority
	}
	if _, ok := ev.FieldDeltas["assignee"]; ok {
		return models.KindIssueAssignment
	}
	if ev.HasLabel("blocker") {
		return models.KindIssueBlocker
	}
	if strings.Contains(eventType, "updated") {
		return models.KindIssueUpdated
	}
	if eventType == "" {
		return models.KindIssueUpdated
	}
	return models.KindOther
}

func category(kind models.EventKind) string {
	switch kind {
	case models.KindPROpened, models.KindPRReady, models.KindPRApproved,
		models.KindPRConflicts, models.KindPRMerged, models.KindPRClosed, models.KindPRComment:
		return "pull_request"
	case models.KindIssueCreated, models.KindIssueUpdated, models.KindIssueStatus,
		models.KindIssuePriority, models.KindIssueAssignment, models.KindIssueComment,
		models.KindIssueBlocker:
		return "issue"
	case models.KindAlert:
		return "alert"
	case models.KindDeployment:
		return "deployment"
	}
	return "other"
}

func isBlockedStatus(status string) bool {
	s := strings.ToLower(status)
	return strings.Contains(s, "blocked") || strings.Contains(s, "impediment") || strings.Contains(s, "on hold")
}

// changelogDeltas extracts field→new-value pairs from the issue changelog.
// A re-assignment to the same person produces no delta, so the normalized
// payload (and its content hash) is unchanged and dedup treats it as a
// duplicate.
func changelogDeltas(payload map[string]any) map[string]string {
	changelog, ok := payload["changelog"].(map[string]any)
	if !ok {
		return nil
	}
	items, ok := changelog["items"].([]any)
	if !ok {
		return nil
	}
	deltas := make(map[string]string, len(items))
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		field := strings.ToLower(firstString(item, "field"))
		from := firstString(item, "fromString", "from")
		to := firstString(item, "toString", "to")
		if field == "" || from == to {
			continue
		}
		deltas[field] = to
	}
	if len(deltas) == 0 {
		return nil
	}
	return deltas
}

func mentions(body string) []string {
	matches := mentionRe.FindAllString(body, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		handle := strings.TrimPrefix(m, "@")
		if _, ok := seen[handle]; ok {
			continue
		}
		seen[handle] = struct{}{}
		out = append(out, handle)
	}
	return out
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// projectKey resolves the owning project for an issue: the project field
// when present, otherwise the issue-key prefix ("ENG-42" → "ENG").
func projectKey(key string, fields map[string]any) string {
	if proj := firstString(fields, "project"); proj != "" {
		return proj
	}
	if i := strings.Index(key, "-"); i > 0 {
		return key[:i]
	}
	return key
}

func numberField(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	n, ok := v.(float64)
	return n, ok
}

// firstString returns the first non-empty string among the given keys.
// Map values contribute their "name" or "login" field (tracker user and
// component objects).
func firstString(m map[string]any, keys ...string) string {
	if m == nil {
		return ""
	}
	for _, key := range keys {
		switch v := m[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			for _, inner := range []string{"name", "login", "key", "displayName"} {
				if s, ok := v[inner].(string); ok && s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func stringSlice(m map[string]any, key string) []string {
	if m == nil {
		return nil
	}
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		switch t := v.(type) {
		case string:
			out = append(out, t)
		case map[string]any:
			if name, ok := t["name"].(string); ok {
				out = append(out, name)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func compact(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
