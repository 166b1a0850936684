// Package pipeline wires the broker stages together: classification,
// dedup, rules, workload, batching, scheduling, threading, and dispatch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/notifyops/relay/pkg/batcher"
	"github.com/notifyops/relay/pkg/config"
	"github.com/notifyops/relay/pkg/dedup"
	"github.com/notifyops/relay/pkg/dispatch"
	"github.com/notifyops/relay/pkg/event"
	"github.com/notifyops/relay/pkg/execlog"
	"github.com/notifyops/relay/pkg/models"
	"github.com/notifyops/relay/pkg/notify"
	"github.com/notifyops/relay/pkg/rules"
	"github.com/notifyops/relay/pkg/schedule"
	"github.com/notifyops/relay/pkg/threading"
	"github.com/notifyops/relay/pkg/workload"
)

// ErrBacklog is returned when the ingest queue is full; ingress should
// shed load with a retriable status.
var ErrBacklog = errors.New("ingest queue full")

// Deps are the externally constructed collaborators. Batcher, scheduler,
// and dispatcher are built here so their sinks can close over the
// pipeline.
type Deps struct {
	Teams    *config.Store
	Dedup    *dedup.Store
	Workload *workload.Analyzer // optional
	Tracker  *workload.Tracker  // optional; fed from the issue stream
	Renderer notify.Renderer
	Writer   *execlog.Writer

	Target      dispatch.Target
	Recoverer   *dispatch.Recoverer
	DeadLetters dispatch.DeadLetterSink

	ScheduleStore schedule.Store

	Batching  batcher.Config
	Scheduler schedule.Config
	Threading threading.Config
	Dispatch  dispatch.Config
	Pipeline  config.PipelineConfig
}

// Pipeline is the event broker core. Ingest classifies and enqueues;
// workers run every stage and hand finished decisions to the dispatcher.
type Pipeline struct {
	classifier *event.Classifier
	dedup      *dedup.Store
	workload   *workload.Analyzer
	tracker    *workload.Tracker
	threads    *threading.Manager
	batcher    *batcher.Batcher
	scheduler  *schedule.Scheduler
	dispatcher *dispatch.Dispatcher
	renderer   notify.Renderer
	writer     *execlog.Writer
	teams      *config.Store
	batching   batcher.Config
	cfg        config.PipelineConfig
	logger     *slog.Logger

	queue chan *models.Event

	rulesMu  sync.Mutex
	rulesets map[string]*compiledRules
}

type compiledRules struct {
	version int64
	set     *rules.RuleSet
}

// New builds the pipeline and its downstream stages.
func New(deps Deps, logger *slog.Logger) *Pipeline {
	cfg := deps.Pipeline
	if cfg.IngestQueueSize <= 0 {
		cfg.IngestQueueSize = config.DefaultPipelineConfig().IngestQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = config.DefaultPipelineConfig().Workers
	}

	p := &Pipeline{
		dedup:    deps.Dedup,
		workload: deps.Workload,
		tracker:  deps.Tracker,
		renderer: deps.Renderer,
		writer:   deps.Writer,
		teams:    deps.Teams,
		batching: deps.Batching,
		cfg:      cfg,
		logger:   logger.With("component", "pipeline"),
		queue:    make(chan *models.Event, cfg.IngestQueueSize),
		rulesets: make(map[string]*compiledRules),
	}

	p.classifier = event.NewClassifier(&teamOwnership{teams: deps.Teams})
	p.threads = threading.NewManager(deps.Threading, logger)
	p.dispatcher = dispatch.New(deps.Dispatch, deps.Target, deps.Recoverer,
		p.record, deps.DeadLetters, p.requeue, logger)
	p.batcher = batcher.New(deps.Batching, p.batchPolicy, p.flushBatch, p.quietHours, logger)
	p.scheduler = schedule.New(deps.ScheduleStore, &teamCalendars{teams: deps.Teams},
		p.releaseDigest, deps.Scheduler, logger)

	return p
}

// Dispatcher exposes breaker state for the stats endpoint.
func (p *Pipeline) Dispatcher() *dispatch.Dispatcher { return p.dispatcher }

// Batcher exposes the external flush surface.
func (p *Pipeline) Batcher() *batcher.Batcher { return p.batcher }

// Threads exposes thread-key bindings for the transport.
func (p *Pipeline) Threads() *threading.Manager { return p.threads }

// QueueDepth reports the current ingest backlog.
func (p *Pipeline) QueueDepth() int { return len(p.queue) }

// Ingest classifies a raw webhook body and enqueues the event. Invalid
// payloads fail fast; a full queue sheds load with ErrBacklog after the
// enqueue timeout.
func (p *Pipeline) Ingest(ctx context.Context, source models.Source, body []byte) error {
	ev, err := p.classifier.Classify(source, body, time.Now())
	if err != nil {
		return err
	}

	timeout := p.cfg.EnqueueTimeout
	if timeout <= 0 {
		timeout = config.DefaultPipelineConfig().EnqueueTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p.queue <- ev:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %d events queued", ErrBacklog, len(p.queue))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the worker pool and the stage background loops, blocking
// until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() { defer wg.Done(); p.batcher.Run(ctx) }()
	wg.Add(1)
	go func() { defer wg.Done(); p.scheduler.Run(ctx) }()
	wg.Add(1)
	go func() { defer wg.Done(); p.writer.Run(ctx) }()

	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-p.queue:
					p.process(ctx, ev)
				}
			}
		}()
	}

	p.logger.Info("pipeline started",
		"workers", p.cfg.Workers,
		"queue_size", cap(p.queue))
	wg.Wait()
}

// Drain flushes open batches and waits for in-flight dispatches, bounded
// by the context deadline. Persisted scheduled entries survive shutdown,
// and the execution log writer flushes on its own cadence.
func (p *Pipeline) Drain(ctx context.Context) error {
	flushed := p.batcher.Drain(ctx, time.Now())
	p.logger.Info("drained batcher", "batches", flushed)
	return p.dispatcher.Drain(ctx)
}

// process runs one classified event through dedup, rules, workload, and
// placement.
func (p *Pipeline) process(ctx context.Context, ev *models.Event) {
	now := time.Now()

	res, err := p.dedup.Observe(ctx, ev, now)
	if err != nil {
		// Dedup degradation must not drop events; deliver at the risk of a
		// duplicate.
		p.logger.Error("dedup observe failed, delivering anyway",
			"event_id", ev.ID, "error", err)
	} else if res.Status == dedup.StatusDuplicate {
		p.logger.Debug("duplicate suppressed",
			"event_id", ev.ID,
			"subject", ev.SubjectKey,
			"count", res.Count)
		return
	}

	if p.tracker != nil {
		p.tracker.Observe(ev)
		if p.workload != nil && len(ev.Assignees) > 0 {
			p.workload.Invalidate(ev.Assignees[0])
		}
	}

	for _, teamID := range ev.AffectedTeams {
		p.routeForTeam(ctx, ev, teamID, now)
	}
}

func (p *Pipeline) routeForTeam(ctx context.Context, ev *models.Event, teamID string, now time.Time) {
	snap, err := p.teams.Load(teamID)
	if err != nil {
		p.logger.Warn("event for unknown team", "team", teamID, "event_id", ev.ID)
		return
	}
	team := snap.Config

	result := p.evaluate(snap, ev)
	for _, evalErr := range result.Errors {
		p.logger.Warn("rule evaluation error",
			"team", teamID,
			"rule", evalErr.RuleID,
			"field", evalErr.Field,
			"error", evalErr.Err)
	}
	if result.Suppressed {
		p.logger.Debug("event suppressed by rule",
			"team", teamID,
			"event_id", ev.ID,
			"reason", result.Reason)
		return
	}

	routes := result.Routes
	if len(routes) == 0 {
		// Fatal-free fallback: the team default channel for the kind group.
		if ch := team.ChannelFor(batcher.KindGroup(ev.Kind)); ch != "" {
			routes = []rules.Route{{Channel: ch}}
		}
	}

	annotations := p.annotateWorkload(ctx, ev, team, now)

	for _, route := range routes {
		urgency := ev.Classification.Urgency
		if route.UrgencyOverride != nil {
			urgency = *route.UrgencyOverride
		}

		d := &models.Decision{
			EventID:     ev.ID,
			Event:       ev,
			TeamID:      teamID,
			HookID:      route.HookID,
			Channel:     route.Channel,
			Urgency:     urgency,
			Reason:      result.MatchedID,
			Annotations: annotations,
		}

		if isPersonal(route.Channel) {
			d.Recipient = route.Channel
			deliverNow, err := p.scheduler.Place(ctx, d, now)
			if err != nil {
				p.logger.Error("scheduler placement failed",
					"recipient", d.Recipient, "event_id", ev.ID, "error", err)
				continue
			}
			if deliverNow {
				d.Disposition = models.DispositionImmediate
				p.submitSingle(ctx, d)
			}
			continue
		}

		d.ThreadKey = p.threads.ThreadKeyFor(ev, route.Channel, now)
		p.batcher.Add(ctx, d, now)
	}
}

// evaluate compiles lazily and caches per published snapshot version.
func (p *Pipeline) evaluate(snap *config.Snapshot, ev *models.Event) rules.Result {
	p.rulesMu.Lock()
	cached, ok := p.rulesets[snap.TeamID]
	if !ok || cached.version != snap.Version {
		set, err := rules.Compile(snap.Config.Rules)
		if err != nil {
			p.rulesMu.Unlock()
			// Validation runs before publish, so this is a programming error;
			// fall back to the default route rather than dropping events.
			p.logger.Error("ruleset failed to compile", "team", snap.TeamID, "error", err)
			return rules.Result{}
		}
		cached = &compiledRules{version: snap.Version, set: set}
		p.rulesets[snap.TeamID] = cached
	}
	p.rulesMu.Unlock()
	return cached.set.Evaluate(ev)
}

// annotateWorkload scores the assignee on assignment events. High risk
// appends a warning decision on the team's warning channel.
func (p *Pipeline) annotateWorkload(ctx context.Context, ev *models.Event, team *config.TeamConfig, now time.Time) []string {
	if p.workload == nil || ev.Kind != models.KindIssueAssignment || len(ev.Assignees) == 0 {
		return nil
	}
	assignee := ev.Assignees[0]
	snap, err := p.workload.Score(ctx, assignee, now)
	if err != nil {
		p.logger.Warn("workload score failed", "assignee", assignee, "error", err)
		return nil
	}

	var annotations []string
	for _, tag := range snap.Recommendations {
		annotations = append(annotations, string(tag))
	}

	if workload.ShouldWarn(snap.Risk) {
		channel := team.WorkloadWarningChannel
		if channel == "" {
			channel = team.ChannelFor("other")
		}
		if channel != "" {
			warning := &models.Decision{
				EventID:     ev.ID,
				Event:       ev,
				TeamID:      team.ID,
				Channel:     channel,
				Disposition: models.DispositionImmediate,
				Urgency:     models.UrgencyHigh,
				Reason:      "workload_warning",
				Annotations: append([]string{fmt.Sprintf("%s is at %s workload (score %.2f)", assignee, snap.Risk, snap.Score)}, annotations...),
			}
			p.submitSingle(ctx, warning)
		}
	}
	return annotations
}

// flushBatch is the batcher sink: one outgoing notification per batch.
func (p *Pipeline) flushBatch(ctx context.Context, batch *models.Batch) {
	if len(batch.Decisions) == 0 {
		return
	}
	first := batch.Decisions[0]
	first.BatchID = batch.ID

	req := renderRequest(batch.Decisions, len(batch.Decisions) > 1)
	if batch.Overflow {
		req.Annotations = append(req.Annotations, "rate limited: updates coalesced")
	}

	threadKey := ""
	if len(batch.Decisions) == 1 {
		threadKey = first.ThreadKey
	}
	n := p.renderer.Render(batch.Channel, threadKey, req)
	p.submit(ctx, first, n)
}

// releaseDigest is the scheduler sink: held decisions for one recipient,
// packaged as a digest when more than one accumulated.
func (p *Pipeline) releaseDigest(ctx context.Context, recipient string, decisions []*models.Decision, digest bool) {
	req := renderRequest(decisions, digest)
	n := p.renderer.Render(recipient, "", req)
	p.submit(ctx, decisions[0], n)
}

func (p *Pipeline) submitSingle(ctx context.Context, d *models.Decision) {
	req := renderRequest([]*models.Decision{d}, false)
	n := p.renderer.Render(d.Channel, d.ThreadKey, req)
	p.submit(ctx, d, n)
}

func (p *Pipeline) submit(ctx context.Context, d *models.Decision, n *models.Notification) {
	job := &dispatch.Job{
		Decision:     d,
		Notification: n,
	}
	if n.ThreadKey != "" {
		key := n.ThreadKey
		job.Bind = func(messageID string) { p.threads.Bind(key, messageID) }
	}
	if err := p.dispatcher.Submit(ctx, job); err != nil {
		p.logger.Error("dispatch submit failed",
			"channel", d.Channel, "event_id", d.EventID, "error", err)
	}
}

// record is the dispatcher's record sink, feeding the execution log.
func (p *Pipeline) record(rec *models.ExecutionRecord) {
	p.writer.Write(context.Background(), rec)
}

// requeue backs the queue-for-later recovery step: the notification is
// resubmitted after a fixed pause.
func (p *Pipeline) requeue(_ context.Context, n *models.Notification) error {
	time.AfterFunc(time.Minute, func() {
		d := &models.Decision{
			Channel:     n.ChannelID,
			Disposition: models.DispositionImmediate,
			Urgency:     n.Urgency,
			Reason:      "requeued",
		}
		p.submit(context.Background(), d, n)
	})
	return nil
}

// batchPolicy layers the owning team's batching overrides onto the system
// defaults. Channels without an owning team keep the defaults.
func (p *Pipeline) batchPolicy(channel string) batcher.Config {
	for _, teamID := range p.teams.Teams() {
		snap, err := p.teams.Load(teamID)
		if err != nil {
			continue
		}
		if ownsChannel(snap.Config, channel) {
			return snap.Config.Batching.Apply(p.batching)
		}
	}
	return p.batching
}

// quietHours resolves a channel's owning team and its quiet window.
func (p *Pipeline) quietHours(channel string, now time.Time) (time.Time, bool) {
	for _, teamID := range p.teams.Teams() {
		snap, err := p.teams.Load(teamID)
		if err != nil {
			continue
		}
		if ownsChannel(snap.Config, channel) {
			return snap.Config.InQuietHours(now)
		}
	}
	return time.Time{}, false
}

func ownsChannel(team *config.TeamConfig, channel string) bool {
	for _, ch := range team.Channels {
		if ch == channel {
			return true
		}
	}
	return team.EscalationChannel == channel || team.WorkloadWarningChannel == channel
}

func isPersonal(channel string) bool {
	return len(channel) > 0 && channel[0] == '@'
}

// renderRequest summarises a decision group for the renderer.
func renderRequest(decisions []*models.Decision, digest bool) *models.RenderRequest {
	req := &models.RenderRequest{Digest: digest}
	seen := make(map[string]struct{})
	for _, d := range decisions {
		if d.Urgency > req.Urgency {
			req.Urgency = d.Urgency
		}
		for _, a := range d.Annotations {
			if _, dup := seen[a]; dup {
				continue
			}
			seen[a] = struct{}{}
			req.Annotations = append(req.Annotations, a)
		}
		item := models.RenderItem{EventID: d.EventID, Urgency: d.Urgency}
		if d.Event != nil {
			item.Kind = d.Event.Kind
			item.SubjectKey = d.Event.SubjectKey
			item.Title = d.Event.Title
		}
		req.Items = append(req.Items, item)
	}
	if len(decisions) > 0 {
		first := decisions[0]
		if first.Event != nil {
			req.Kind = first.Event.Kind
			if !digest {
				req.Summary = summaryOf(first.Event)
			}
		}
	}
	return req
}

func summaryOf(ev *models.Event) string {
	switch {
	case ev.SubjectKey != "" && ev.Title != "":
		return ev.SubjectKey + ": " + ev.Title
	case ev.Title != "":
		return ev.Title
	default:
		return ev.SubjectKey
	}
}

// teamOwnership resolves event ownership from the published team
// snapshots.
type teamOwnership struct {
	teams *config.Store
}

func (o *teamOwnership) TeamsForProject(project string) []string {
	return o.match(func(t *config.TeamConfig) []string { return t.Projects }, project)
}

func (o *teamOwnership) TeamsForComponent(component string) []string {
	return o.match(func(t *config.TeamConfig) []string { return t.Components }, component)
}

// TeamsForLabel treats configured labels as prefixes, so "infra" claims
// "infra-networking" and "infra-dns" alike.
func (o *teamOwnership) TeamsForLabel(label string) []string {
	var out []string
	for _, teamID := range o.teams.Teams() {
		snap, err := o.teams.Load(teamID)
		if err != nil {
			continue
		}
		for _, prefix := range snap.Config.Labels {
			if strings.HasPrefix(label, prefix) {
				out = append(out, teamID)
				break
			}
		}
	}
	return out
}

func (o *teamOwnership) TeamsForUser(user string) []string {
	var out []string
	for _, teamID := range o.teams.Teams() {
		snap, err := o.teams.Load(teamID)
		if err != nil {
			continue
		}
		if _, ok := snap.Config.Members[user]; ok {
			out = append(out, teamID)
		}
	}
	return out
}

func (o *teamOwnership) match(field func(*config.TeamConfig) []string, value string) []string {
	var out []string
	for _, teamID := range o.teams.Teams() {
		snap, err := o.teams.Load(teamID)
		if err != nil {
			continue
		}
		for _, candidate := range field(snap.Config) {
			if candidate == value {
				out = append(out, teamID)
				break
			}
		}
	}
	return out
}

// teamCalendars resolves per-member calendars from team config, falling
// back to the default schedule in the team's timezone.
type teamCalendars struct {
	teams *config.Store
}

func (c *teamCalendars) CalendarFor(recipient string) *schedule.Calendar {
	member := recipient
	if isPersonal(member) {
		member = member[1:]
	}
	for _, teamID := range c.teams.Teams() {
		snap, err := c.teams.Load(teamID)
		if err != nil {
			continue
		}
		hours, ok := snap.Config.Members[member]
		if !ok {
			continue
		}
		cal, err := schedule.NewCalendar(hours)
		if err == nil {
			return cal
		}
	}
	cal, _ := schedule.NewCalendar(schedule.DefaultWorkHours())
	return cal
}
