package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"

	"github.com/notifyops/relay/pkg/models"
)

// ThreadResolver maps a logical thread key to the transport timestamp of
// the thread root, or "" when the thread has no bound message yet.
type ThreadResolver func(threadKey string) string

// SlackTransport delivers notifications over the Slack Web API. It is the
// dispatcher's delivery target; the returned message id is the Slack
// timestamp, which doubles as the thread anchor for replies.
type SlackTransport struct {
	api     *goslack.Client
	threads ThreadResolver
	logger  *slog.Logger
}

// NewSlackTransport creates a Slack transport. threads may be nil, in
// which case every message starts its own thread.
func NewSlackTransport(token string, threads ThreadResolver) *SlackTransport {
	return &SlackTransport{
		api:     goslack.New(token),
		threads: threads,
		logger:  slog.Default().With("component", "slack-transport"),
	}
}

// NewSlackTransportWithAPIURL targets a custom API URL. Useful for testing
// with a mock server.
func NewSlackTransportWithAPIURL(token, apiURL string, threads ThreadResolver) *SlackTransport {
	return &SlackTransport{
		api:     goslack.New(token, goslack.OptionAPIURL(apiURL)),
		threads: threads,
		logger:  slog.Default().With("component", "slack-transport"),
	}
}

// Name identifies the transport for circuit breaking.
func (t *SlackTransport) Name() string {
	return "slack"
}

// Deliver posts one notification and returns the message timestamp.
func (t *SlackTransport) Deliver(ctx context.Context, n *models.Notification) (string, error) {
	opts := []goslack.MsgOption{
		goslack.MsgOptionBlocks(buildBlocks(n)...),
		goslack.MsgOptionText(n.FallbackText, false),
	}
	if n.ThreadKey != "" && t.threads != nil {
		if ts := t.threads(n.ThreadKey); ts != "" {
			opts = append(opts, goslack.MsgOptionTS(ts))
		}
	}

	_, ts, err := t.api.PostMessageContext(ctx, n.ChannelID, opts...)
	if err != nil {
		return "", fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return ts, nil
}

// buildBlocks converts the structured payload into Block Kit blocks. The
// payload keys are the renderer's contract: header, body, context.
func buildBlocks(n *models.Notification) []goslack.Block {
	var blocks []goslack.Block

	if header, ok := n.Payload["header"].(string); ok && header != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false),
			nil, nil,
		))
	}
	if body, ok := n.Payload["body"].(string); ok && body != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, body, false, false),
			nil, nil,
		))
	}
	if ctxText, ok := n.Payload["context"].(string); ok && ctxText != "" {
		blocks = append(blocks, goslack.NewContextBlock("",
			goslack.NewTextBlockObject(goslack.MarkdownType, ctxText, false, false),
		))
	}

	if len(blocks) == 0 {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, n.FallbackText, false, false),
			nil, nil,
		))
	}
	return blocks
}
