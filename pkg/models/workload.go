package models

import "time"

// WorkloadRisk buckets an assignee's capacity risk.
type WorkloadRisk string

// Risk buckets.
const (
	RiskLow      WorkloadRisk = "low"
	RiskModerate WorkloadRisk = "moderate"
	RiskHigh     WorkloadRisk = "high"
	RiskCritical WorkloadRisk = "critical"
)

// RecommendationTag is a closed-set advice tag consumed by the renderer.
type RecommendationTag string

// Recommendation tags.
const (
	RecommendDefer            RecommendationTag = "defer"
	RecommendReassign         RecommendationTag = "reassign"
	RecommendReducePriority   RecommendationTag = "reduce-priority-load"
	RecommendEscalateToLead   RecommendationTag = "escalate-to-lead"
)

// WorkloadSnapshot is a point-in-time capacity assessment for one assignee.
type WorkloadSnapshot struct {
	Assignee            string              `json:"assignee"`
	OpenCount           int                 `json:"open_count"`
	StoryPointsOpen     float64             `json:"story_points_open"`
	OverdueCount        int                 `json:"overdue_count"`
	HighPriorityOpen    int                 `json:"high_priority_open"`
	CapacityUtilization float64             `json:"capacity_utilization"`
	Score               float64             `json:"score"`
	Risk                WorkloadRisk        `json:"risk"`
	Recommendations     []RecommendationTag `json:"recommendations,omitempty"`
	AsOf                time.Time           `json:"as_of"`
}
