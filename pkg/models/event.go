// Package models defines the canonical data shapes shared across the
// pipeline: events, decisions, batches, execution records, and the
// structured notification handed to the transport.
package models

import "time"

// Source identifies where a webhook delivery originated.
type Source string

// Known sources.
const (
	SourceSourceControl Source = "source-control"
	SourceIssueTracker  Source = "issue-tracker"
	SourceManual        Source = "manual"
)

// EventKind is the typed discriminator for normalized events.
type EventKind string

// Known event kinds. Unrecognised webhook actions map to KindOther and are
// left to the rule engine to suppress.
const (
	KindPROpened        EventKind = "pr_opened"
	KindPRReady         EventKind = "pr_ready"
	KindPRApproved      EventKind = "pr_approved"
	KindPRConflicts     EventKind = "pr_conflicts"
	KindPRMerged        EventKind = "pr_merged"
	KindPRClosed        EventKind = "pr_closed"
	KindPRComment       EventKind = "pr_comment"
	KindIssueCreated    EventKind = "issue_created"
	KindIssueUpdated    EventKind = "issue_updated"
	KindIssueStatus     EventKind = "issue_status"
	KindIssuePriority   EventKind = "issue_priority"
	KindIssueAssignment EventKind = "issue_assignment"
	KindIssueComment    EventKind = "issue_comment"
	KindIssueBlocker    EventKind = "issue_blocker"
	KindAlert           EventKind = "alert"
	KindDeployment      EventKind = "deployment"
	KindOther           EventKind = "other"
)

// Urgency orders delivery priority. Values are comparable: higher means
// more urgent.
type Urgency int

// Urgency levels.
const (
	UrgencyLow Urgency = iota
	UrgencyMedium
	UrgencyHigh
	UrgencyCritical
)

func (u Urgency) String() string {
	switch u {
	case UrgencyLow:
		return "low"
	case UrgencyMedium:
		return "medium"
	case UrgencyHigh:
		return "high"
	case UrgencyCritical:
		return "critical"
	}
	return "unknown"
}

// ParseUrgency maps a string to an Urgency, defaulting to low.
func ParseUrgency(s string) Urgency {
	switch s {
	case "critical":
		return UrgencyCritical
	case "high":
		return UrgencyHigh
	case "medium", "med":
		return UrgencyMedium
	}
	return UrgencyLow
}

// Significance grades how much an event matters independent of urgency.
type Significance int

// Significance levels.
const (
	SignificanceMinor Significance = iota
	SignificanceModerate
	SignificanceMajor
	SignificanceCritical
)

func (s Significance) String() string {
	switch s {
	case SignificanceMinor:
		return "minor"
	case SignificanceModerate:
		return "moderate"
	case SignificanceMajor:
		return "major"
	case SignificanceCritical:
		return "critical"
	}
	return "unknown"
}

// Classification is assigned once by the classifier and never mutated.
type Classification struct {
	Category     string       `json:"category"`
	Urgency      Urgency      `json:"urgency"`
	Significance Significance `json:"significance"`
}

// Event is the canonical enriched form of a webhook delivery. It is
// immutable after classification; stages hand it around by pointer and
// never write to it.
type Event struct {
	ID             string            `json:"id"`
	Source         Source            `json:"source"`
	Kind           EventKind         `json:"kind"`
	Payload        map[string]any    `json:"payload"`
	SubjectKey     string            `json:"subject_key,omitempty"`
	Title          string            `json:"title,omitempty"`
	Body           string            `json:"body,omitempty"`
	Authors        []string          `json:"authors,omitempty"`
	Assignees      []string          `json:"assignees,omitempty"`
	Mentions       []string          `json:"mentions,omitempty"`
	Labels         []string          `json:"labels,omitempty"`
	Project        string            `json:"project,omitempty"`
	Components     []string          `json:"components,omitempty"`
	AffectedTeams  []string          `json:"affected_teams"`
	Classification Classification    `json:"classification"`
	ContentHash    string            `json:"content_hash"`
	SimilarityHash uint64            `json:"similarity_hash"`
	FieldDeltas    map[string]string `json:"field_deltas,omitempty"`
	IngestedAt     time.Time         `json:"ingested_at"`
}

// SemanticKey identifies the semantic content of an event: two deliveries
// with the same key are the same occurrence. The raw content hash alone is
// not the logical key; source and subject disambiguate hash collisions.
func (e *Event) SemanticKey() string {
	return string(e.Source) + "/" + e.SubjectKey + "/" + e.ContentHash
}

// HasLabel reports whether the event carries the given label.
func (e *Event) HasLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}
