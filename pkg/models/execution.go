package models

import "time"

// ExecutionStatus is the terminal status of one hook execution.
type ExecutionStatus string

// Execution statuses.
const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailure ExecutionStatus = "failure"
	ExecutionTimeout ExecutionStatus = "timeout"
	// ExecutionRecovered marks a delivery that failed first and then
	// succeeded through a recovery workflow.
	ExecutionRecovered ExecutionStatus = "recovered"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// ExecutionRecord is the append-only per-execution record emitted by the
// dispatcher and owned by the execution log. All retry attempts share one
// execution id; attempts are numbered inside the record.
type ExecutionRecord struct {
	ExecutionID string          `json:"execution_id" db:"execution_id"`
	HookID      string          `json:"hook_id" db:"hook_id"`
	EventID     string          `json:"event_id" db:"event_id"`
	TeamID      string          `json:"team_id" db:"team_id"`
	Channel     string          `json:"channel" db:"channel"`
	Status      ExecutionStatus `json:"status" db:"status"`
	StartedAt   time.Time       `json:"started_at" db:"started_at"`
	EndedAt     time.Time       `json:"ended_at" db:"ended_at"`
	DurationMS  int64           `json:"duration_ms" db:"duration_ms"`
	Attempts    int             `json:"attempts" db:"attempts"`
	Delivered   bool            `json:"delivered" db:"delivered"`
	Errors      []string        `json:"errors,omitempty" db:"-"`
	Notes       string          `json:"notes,omitempty" db:"notes"`
	Metadata    map[string]any  `json:"metadata,omitempty" db:"-"`
}

// HourlyStats is one aggregation bucket keyed (hook_id, hour).
type HourlyStats struct {
	HookID        string    `json:"hook_id" db:"hook_id"`
	Hour          time.Time `json:"hour" db:"hour"`
	Total         int64     `json:"total" db:"total"`
	Successes     int64     `json:"successes" db:"successes"`
	Failures      int64     `json:"failures" db:"failures"`
	Timeouts      int64     `json:"timeouts" db:"timeouts"`
	Cancelled     int64     `json:"cancelled" db:"cancelled"`
	MinDurationMS int64     `json:"min_duration_ms" db:"min_duration_ms"`
	AvgDurationMS float64   `json:"avg_duration_ms" db:"avg_duration_ms"`
	P95DurationMS int64     `json:"p95_duration_ms" db:"p95_duration_ms"`
	MaxDurationMS int64     `json:"max_duration_ms" db:"max_duration_ms"`
}

// SuccessRate returns successes/total, or 0 for an empty bucket.
func (h *HourlyStats) SuccessRate() float64 {
	if h.Total == 0 {
		return 0
	}
	return float64(h.Successes) / float64(h.Total)
}

// DeadLetter is a permanently failed delivery held for operator inspection.
type DeadLetter struct {
	ID          string    `json:"id" db:"id"`
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	EventID     string    `json:"event_id" db:"event_id"`
	TeamID      string    `json:"team_id" db:"team_id"`
	Channel     string    `json:"channel" db:"channel"`
	Reason      string    `json:"reason" db:"reason"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
