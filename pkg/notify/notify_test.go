package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyops/relay/pkg/dispatch"
	"github.com/notifyops/relay/pkg/models"
)

func TestBlockRendererSingleEvent(t *testing.T) {
	req := &models.RenderRequest{
		Kind:    models.KindIssueCreated,
		Urgency: models.UrgencyHigh,
		Summary: "PROJ-42: payment service returns 500s",
		Items: []models.RenderItem{
			{EventID: "ev1", Kind: models.KindIssueCreated, SubjectKey: "PROJ-42", Title: "payment service returns 500s", Urgency: models.UrgencyHigh},
		},
	}

	n := BlockRenderer{}.Render("#eng-issues", "thr-1", req)

	assert.Equal(t, "#eng-issues", n.ChannelID)
	assert.Equal(t, "thr-1", n.ThreadKey)
	assert.Equal(t, models.UrgencyHigh, n.Urgency)
	assert.Contains(t, n.Payload["header"], ":warning:")
	assert.Contains(t, n.Payload["header"], "PROJ-42")
	assert.Contains(t, n.Payload["body"], "`PROJ-42`")
	assert.Equal(t, "PROJ-42: payment service returns 500s", n.FallbackText)
}

func TestBlockRendererDigest(t *testing.T) {
	req := &models.RenderRequest{
		Kind:    models.KindIssueUpdated,
		Urgency: models.UrgencyMedium,
		Digest:  true,
		Items: []models.RenderItem{
			{Kind: models.KindIssueUpdated, SubjectKey: "PROJ-1"},
			{Kind: models.KindIssueComment, SubjectKey: "PROJ-2"},
			{Kind: models.KindPRMerged, SubjectKey: "repo#7"},
		},
		Annotations: []string{"assignee near sprint capacity"},
	}

	n := BlockRenderer{}.Render("@alice", "", req)

	assert.Contains(t, n.Payload["header"], "3 updates")
	assert.Equal(t, "3 updates while you were away", n.FallbackText)
	body := n.Payload["body"].(string)
	assert.Equal(t, 3, strings.Count(body, "• "))
	assert.Contains(t, n.Payload["context"], "sprint capacity")
}

func TestBlockRendererTruncatesLongBody(t *testing.T) {
	items := make([]models.RenderItem, 200)
	for i := range items {
		items[i] = models.RenderItem{Kind: models.KindIssueComment, Title: strings.Repeat("x", 60)}
	}
	n := BlockRenderer{}.Render("#c", "", &models.RenderRequest{Kind: models.KindIssueComment, Items: items})
	body := n.Payload["body"].(string)
	assert.LessOrEqual(t, len(body), maxBlockTextLength+64)
	assert.Contains(t, body, "truncated")
}

// fakeSlack captures chat.postMessage calls made through the real SDK.
type fakeSlack struct {
	calls []map[string]string
}

func (f *fakeSlack) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		call := map[string]string{}
		for key := range r.Form {
			call[key] = r.Form.Get(key)
		}
		f.calls = append(f.calls, call)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "ts": "1724490000.000100"})
	}
}

func TestSlackTransportDeliver(t *testing.T) {
	fake := &fakeSlack{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	threads := func(key string) string {
		if key == "thr-1" {
			return "1724480000.000200"
		}
		return ""
	}
	transport := NewSlackTransportWithAPIURL("xoxb-test", srv.URL+"/", threads)

	n := BlockRenderer{}.Render("#eng", "thr-1", &models.RenderRequest{
		Kind:    models.KindAlert,
		Urgency: models.UrgencyCritical,
		Summary: "checkout error rate above 5%",
	})
	ts, err := transport.Deliver(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, "1724490000.000100", ts)

	require.Len(t, fake.calls, 1)
	call := fake.calls[0]
	assert.Equal(t, "#eng", call["channel"])
	assert.Equal(t, "1724480000.000200", call["thread_ts"], "bound thread key posts as reply")
	assert.Contains(t, call["blocks"], "checkout error rate")
}

func TestSlackTransportNewThreadWhenUnbound(t *testing.T) {
	fake := &fakeSlack{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	transport := NewSlackTransportWithAPIURL("xoxb-test", srv.URL+"/", func(string) string { return "" })

	n := BlockRenderer{}.Render("#eng", "thr-unbound", &models.RenderRequest{Kind: models.KindAlert})
	_, err := transport.Deliver(context.Background(), n)
	require.NoError(t, err)

	require.Len(t, fake.calls, 1)
	assert.Empty(t, fake.calls[0]["thread_ts"])
}

func TestEscalatorRoutesToTeamChannel(t *testing.T) {
	fake := &fakeSlack{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	transport := NewSlackTransportWithAPIURL("xoxb-test", srv.URL+"/", nil)
	esc := NewEscalator(transport, func(teamID string) string {
		if teamID == "eng" {
			return "#eng-escalations"
		}
		return ""
	}, "#ops")

	job := &dispatch.Job{
		Decision:     &models.Decision{TeamID: "eng", EventID: "ev1"},
		Notification: &models.Notification{ChannelID: "#eng", Kind: models.KindAlert},
	}
	require.NoError(t, esc.Escalate(context.Background(), job, "exec-42", errors.New("channel archived")))
	require.Len(t, fake.calls, 1)
	assert.Equal(t, "#eng-escalations", fake.calls[0]["channel"])
	assert.Contains(t, fake.calls[0]["blocks"], "channel archived")
	assert.Contains(t, fake.calls[0]["blocks"], "exec-42",
		"escalation names the execution log entry")

	// Unknown team falls back to the system channel.
	job.Decision.TeamID = "unknown"
	require.NoError(t, esc.Escalate(context.Background(), job, "exec-43", errors.New("boom")))
	assert.Equal(t, "#ops", fake.calls[1]["channel"])
}

func TestEscalatorNoChannelAnywhere(t *testing.T) {
	transport := NewSlackTransportWithAPIURL("xoxb-test", "http://127.0.0.1:0/", nil)
	esc := NewEscalator(transport, nil, "")

	job := &dispatch.Job{
		Decision:     &models.Decision{TeamID: "eng", EventID: "ev1"},
		Notification: &models.Notification{ChannelID: "#eng"},
	}
	err := esc.Escalate(context.Background(), job, "exec-44", errors.New("boom"))
	assert.Error(t, err)
}
