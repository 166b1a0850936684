package models

import "time"

// Disposition is the pipeline's verdict for one event on one channel.
type Disposition string

// Dispositions.
const (
	DispositionImmediate  Disposition = "immediate"
	DispositionBatched    Disposition = "batched"
	DispositionScheduled  Disposition = "scheduled"
	DispositionSuppressed Disposition = "suppressed"
	DispositionEscalated  Disposition = "escalated"
)

// Decision is the output of the pipeline for one event per candidate
// channel. Suppressed decisions never reach the dispatcher but are still
// recorded for traceability.
type Decision struct {
	EventID     string      `json:"event_id"`
	Event       *Event      `json:"-"`
	TeamID      string      `json:"team_id"`
	HookID      string      `json:"hook_id,omitempty"`
	Channel     string      `json:"target_channel"`
	ThreadKey   string      `json:"thread_key,omitempty"`
	Disposition Disposition `json:"disposition"`
	Reason      string      `json:"reason,omitempty"`
	Urgency     Urgency     `json:"urgency"`
	ScheduledAt *time.Time  `json:"scheduled_at,omitempty"`
	Recipient   string      `json:"recipient,omitempty"`
	BatchID     string      `json:"batch_id,omitempty"`
	// Annotations carry workload warnings and recommendation tags for the
	// renderer. They do not influence routing.
	Annotations []string `json:"annotations,omitempty"`
}

// FlushTrigger names why a batch was flushed.
type FlushTrigger string

// Flush triggers, in priority order.
const (
	FlushImmediateArrival FlushTrigger = "immediate_arrival"
	FlushSizeCap          FlushTrigger = "size_cap"
	FlushDeadline         FlushTrigger = "deadline"
	FlushBurstCooldown    FlushTrigger = "burst_cooldown"
	FlushExternal         FlushTrigger = "external"
	FlushShutdown         FlushTrigger = "shutdown"
	FlushSimilarityBreak  FlushTrigger = "similarity_break"
)

// Batch groups same-channel decisions held for joint delivery. Mutable
// until flushed, immutable after.
type Batch struct {
	ID           string       `json:"batch_id"`
	Channel      string       `json:"channel"`
	TeamID       string       `json:"team_id"`
	Decisions    []*Decision  `json:"-"`
	EventIDs     []string     `json:"event_ids"`
	OpenedAt     time.Time    `json:"opened_at"`
	LastAddedAt  time.Time    `json:"last_added_at"`
	DeadlineAt   time.Time    `json:"deadline_at"`
	Reason       string       `json:"reason,omitempty"`
	FlushTrigger FlushTrigger `json:"flush_trigger,omitempty"`
	Overflow     bool         `json:"overflow,omitempty"`
}

// Notification is the structured record handed to the transport. The core
// never renders chat-specific payloads; the renderer/transport does.
type Notification struct {
	ChannelID    string         `json:"channel_id"`
	ThreadKey    string         `json:"thread_key,omitempty"`
	Kind         EventKind      `json:"kind"`
	Urgency      Urgency        `json:"urgency"`
	Payload      map[string]any `json:"payload"`
	FallbackText string         `json:"fallback_text"`
}

// RenderItem is one event summary inside a render request.
type RenderItem struct {
	EventID    string    `json:"event_id"`
	Kind       EventKind `json:"kind"`
	SubjectKey string    `json:"subject_key,omitempty"`
	Title      string    `json:"title,omitempty"`
	Urgency    Urgency   `json:"urgency"`
}

// RenderRequest is the core's ask to the renderer.
type RenderRequest struct {
	Kind        EventKind    `json:"kind"`
	Urgency     Urgency      `json:"urgency"`
	Summary     string       `json:"summary"`
	Items       []RenderItem `json:"items,omitempty"`
	Annotations []string     `json:"annotations,omitempty"`
	Digest      bool         `json:"digest,omitempty"`
}
