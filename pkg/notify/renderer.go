// Package notify renders routing decisions into chat notifications and
// delivers them over the Slack API.
package notify

import (
	"fmt"
	"strings"

	"github.com/notifyops/relay/pkg/models"
)

const maxBlockTextLength = 2900

var urgencyEmoji = map[models.Urgency]string{
	models.UrgencyLow:      ":information_source:",
	models.UrgencyMedium:   ":bell:",
	models.UrgencyHigh:     ":warning:",
	models.UrgencyCritical: ":rotating_light:",
}

var kindLabel = map[models.EventKind]string{
	models.KindPROpened:         "Pull request opened",
	models.KindPRReady:          "Pull request ready for review",
	models.KindPRApproved:       "Pull request approved",
	models.KindPRConflicts:      "Pull request has conflicts",
	models.KindPRMerged:         "Pull request merged",
	models.KindPRClosed:         "Pull request closed",
	models.KindPRComment:        "New review comment",
	models.KindIssueCreated:     "New issue",
	models.KindIssueUpdated:     "Issue updated",
	models.KindIssueStatus:      "Issue status changed",
	models.KindIssuePriority:    "Priority changed",
	models.KindIssueAssignment:  "Issue assigned",
	models.KindIssueComment:     "New comment",
	models.KindIssueBlocker:     "Blocker flagged",
	models.KindAlert:            "Alert",
	models.KindDeployment:       "Deployment",
}

// Renderer builds transport-neutral notification payloads from render
// requests. The core hands it a RenderRequest and routes the resulting
// Notification; it never sees chat formatting.
type Renderer interface {
	Render(channel, threadKey string, req *models.RenderRequest) *models.Notification
}

// BlockRenderer renders requests into Slack Block Kit style payloads
// stored in the notification payload map.
type BlockRenderer struct{}

// Render builds one notification. Digest requests get a count header and
// one line per item; single-item requests lead with the item title.
func (BlockRenderer) Render(channel, threadKey string, req *models.RenderRequest) *models.Notification {
	emoji := urgencyEmoji[req.Urgency]
	if emoji == "" {
		emoji = ":question:"
	}

	var header string
	switch {
	case req.Digest:
		header = fmt.Sprintf("%s *%d updates while you were away*", emoji, len(req.Items))
	case req.Summary != "":
		header = fmt.Sprintf("%s *%s*", emoji, req.Summary)
	default:
		header = fmt.Sprintf("%s *%s*", emoji, labelFor(req.Kind))
	}

	var lines []string
	for _, item := range req.Items {
		line := "• " + labelFor(item.Kind)
		if item.SubjectKey != "" {
			line += " `" + item.SubjectKey + "`"
		}
		if item.Title != "" {
			line += ": " + item.Title
		}
		lines = append(lines, line)
	}

	payload := map[string]any{
		"header": header,
	}
	if len(lines) > 0 {
		payload["body"] = truncateText(strings.Join(lines, "\n"))
	}
	if len(req.Annotations) > 0 {
		payload["context"] = strings.Join(req.Annotations, " · ")
	}

	return &models.Notification{
		ChannelID:    channel,
		ThreadKey:    threadKey,
		Kind:         req.Kind,
		Urgency:      req.Urgency,
		Payload:      payload,
		FallbackText: fallbackText(req),
	}
}

func labelFor(kind models.EventKind) string {
	if label, ok := kindLabel[kind]; ok {
		return label
	}
	return string(kind)
}

// fallbackText is the plain-text rendering for clients that cannot show
// blocks, and for transport-level previews.
func fallbackText(req *models.RenderRequest) string {
	if req.Digest {
		return fmt.Sprintf("%d updates while you were away", len(req.Items))
	}
	if req.Summary != "" {
		return req.Summary
	}
	if len(req.Items) == 1 && req.Items[0].Title != "" {
		return labelFor(req.Items[0].Kind) + ": " + req.Items[0].Title
	}
	return labelFor(req.Kind)
}

func truncateText(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated)_"
}
