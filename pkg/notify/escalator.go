package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/notifyops/relay/pkg/dispatch"
	"github.com/notifyops/relay/pkg/models"
)

// ChannelLookup resolves a team's escalation channel, or "" when the team
// has none configured.
type ChannelLookup func(teamID string) string

// Escalator posts structured delivery-failure notifications to the team's
// escalation channel. It implements dispatch.Escalator.
type Escalator struct {
	transport *SlackTransport
	lookup    ChannelLookup
	fallback  string
	logger    *slog.Logger
}

// NewEscalator creates an escalator. fallback receives escalations for
// teams without an escalation channel; empty fallback drops them with a
// logged error.
func NewEscalator(transport *SlackTransport, lookup ChannelLookup, fallback string) *Escalator {
	return &Escalator{
		transport: transport,
		lookup:    lookup,
		fallback:  fallback,
		logger:    slog.Default().With("component", "escalator"),
	}
}

// Escalate delivers a failure summary for one undeliverable job. The
// execution id lets operators find the matching execution log entry.
func (e *Escalator) Escalate(ctx context.Context, job *dispatch.Job, executionID string, cause error) error {
	channel := ""
	if e.lookup != nil {
		channel = e.lookup(job.Decision.TeamID)
	}
	if channel == "" {
		channel = e.fallback
	}
	if channel == "" {
		e.logger.Error("no escalation channel for failed delivery",
			"team", job.Decision.TeamID,
			"event", job.Decision.EventID,
			"error", cause)
		return fmt.Errorf("no escalation channel for team %s", job.Decision.TeamID)
	}

	n := &models.Notification{
		ChannelID: channel,
		Kind:      job.Notification.Kind,
		Urgency:   models.UrgencyHigh,
		Payload: map[string]any{
			"header": ":rotating_light: *Delivery failed*",
			"body": fmt.Sprintf("Could not deliver to %s for event `%s`.\n*Execution:* `%s`\n*Cause:* %s",
				job.Notification.ChannelID, job.Decision.EventID, executionID, truncateText(cause.Error())),
		},
		FallbackText: fmt.Sprintf("Delivery to %s failed: %v", job.Notification.ChannelID, cause),
	}
	if _, err := e.transport.Deliver(ctx, n); err != nil {
		return fmt.Errorf("escalation post failed: %w", err)
	}
	return nil
}
