package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/notifyops/relay/pkg/models"
)

// StepAction is the closed set of recovery step types.
type StepAction string

// Recovery step actions.
const (
	StepRetryWithBackoff   StepAction = "retry-with-backoff"
	StepUseCachedData      StepAction = "use-cached-data"
	StepPartialCollect     StepAction = "partial-collect"
	StepAlternativeChannel StepAction = "alternative-channel"
	StepDegradeContent     StepAction = "degrade-content"
	StepQueueForLater      StepAction = "queue-for-later"
	StepEscalate           StepAction = "escalate"
)

var knownSteps = map[StepAction]struct{}{
	StepRetryWithBackoff:   {},
	StepUseCachedData:      {},
	StepPartialCollect:     {},
	StepAlternativeChannel: {},
	StepDegradeContent:     {},
	StepQueueForLater:      {},
	StepEscalate:           {},
}

// ErrStepNotApplicable is returned by a step that cannot serve the current
// failure; the runner moves to the next step.
var ErrStepNotApplicable = errors.New("recovery step not applicable")

// Step is one entry in a workflow.
type Step struct {
	Action StepAction `yaml:"action" json:"action"`
	// Channel is the fallback target for alternative-channel steps.
	Channel string `yaml:"channel,omitempty" json:"channel,omitempty"`
	// MaxRetries bounds retry-with-backoff steps.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// Workflow is an ordered step list bound to an (error category, service)
// pair.
type Workflow struct {
	Category models.ErrorCategory `yaml:"category" json:"category"`
	Service  string               `yaml:"service" json:"service"`
	Steps    []Step               `yaml:"steps" json:"steps"`
}

// RecoveryOutcome is the terminal state of one workflow run.
type RecoveryOutcome string

// Outcomes.
const (
	OutcomeRecovered RecoveryOutcome = "recovered"
	OutcomeEscalated RecoveryOutcome = "escalated"
)

// recoveryJob is what a step operates on.
type recoveryJob struct {
	job         *Job
	executionID string
	deliver     func(ctx context.Context, n *models.Notification) (string, error)
	requeue     func(ctx context.Context, n *models.Notification) error
	cause       error
}

// Escalator emits structured error notifications on the escalation channel.
// executionID ties the escalation back to the execution log entry.
type Escalator interface {
	Escalate(ctx context.Context, job *Job, executionID string, cause error) error
}

// Recoverer runs workflows for failed executions.
type Recoverer struct {
	workflows map[workflowKey]*Workflow
	escalator Escalator
	deadline  time.Duration
	logger    *slog.Logger
}

type workflowKey struct {
	category models.ErrorCategory
	service  string
}

// NewRecoverer compiles the workflow list. Unknown step actions are
// rejected here rather than at run time.
func NewRecoverer(workflows []Workflow, escalator Escalator, deadline time.Duration, logger *slog.Logger) (*Recoverer, error) {
	if deadline <= 0 {
		deadline = 5 * time.Minute
	}
	compiled := make(map[workflowKey]*Workflow, len(workflows))
	for i := range workflows {
		wf := workflows[i]
		for _, step := range wf.Steps {
			if _, ok := knownSteps[step.Action]; !ok {
				return nil, fmt.Errorf("workflow (%s, %s): unknown step action %q", wf.Category, wf.Service, step.Action)
			}
		}
		compiled[workflowKey{category: wf.Category, service: wf.Service}] = &wf
	}
	return &Recoverer{
		workflows: compiled,
		escalator: escalator,
		deadline:  deadline,
		logger:    logger.With("component", "recovery"),
	}, nil
}

// Recover runs the workflow bound to (category, service). With no bound
// workflow the failure escalates directly. The run stops at the first
// successful step, after all steps fail, or at the global deadline.
func (r *Recoverer) Recover(ctx context.Context, rj recoveryJob, category models.ErrorCategory, service string) RecoveryOutcome {
	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	wf, ok := r.workflows[workflowKey{category: category, service: service}]
	if !ok {
		// Fall back to a category-wide workflow bound to any service.
		wf, ok = r.workflows[workflowKey{category: category}]
	}
	if !ok {
		return r.escalate(ctx, rj)
	}

	for _, step := range wf.Steps {
		if ctx.Err() != nil {
			break
		}
		err := r.runStep(ctx, step, rj)
		if err == nil && step.Action == StepEscalate {
			return OutcomeEscalated
		}
		if err == nil {
			r.logger.Info("recovery step succeeded",
				"action", step.Action,
				"category", category,
				"service", service,
				"event_id", rj.job.Decision.EventID)
			return OutcomeRecovered
		}
		if !errors.Is(err, ErrStepNotApplicable) {
			r.logger.Warn("recovery step failed",
				"action", step.Action,
				"error", err)
		}
	}
	return r.escalate(ctx, rj)
}

func (r *Recoverer) escalate(ctx context.Context, rj recoveryJob) RecoveryOutcome {
	if r.escalator != nil {
		if err := r.escalator.Escalate(ctx, rj.job, rj.executionID, rj.cause); err != nil {
			r.logger.Error("escalation delivery failed", "error", err)
		}
	}
	return OutcomeEscalated
}

func (r *Recoverer) runStep(ctx context.Context, step Step, rj recoveryJob) error {
	switch step.Action {
	case StepRetryWithBackoff:
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(max(step.MaxRetries, 1))), ctx)
		return backoff.Retry(func() error {
			_, err := rj.deliver(ctx, rj.job.Notification)
			if err != nil && !models.Categorize(err).Retriable() {
				return backoff.Permanent(err)
			}
			return err
		}, policy)

	case StepAlternativeChannel:
		if step.Channel == "" {
			return ErrStepNotApplicable
		}
		alt := *rj.job.Notification
		alt.ChannelID = step.Channel
		alt.ThreadKey = ""
		_, err := rj.deliver(ctx, &alt)
		return err

	case StepDegradeContent:
		degraded := *rj.job.Notification
		degraded.Payload = nil
		_, err := rj.deliver(ctx, &degraded)
		return err

	case StepQueueForLater:
		if rj.requeue == nil {
			return ErrStepNotApplicable
		}
		return rj.requeue(ctx, rj.job.Notification)

	case StepUseCachedData, StepPartialCollect:
		// Delivery jobs carry their full content already; these steps serve
		// data-fetch workflows and never apply here.
		return ErrStepNotApplicable

	case StepEscalate:
		if r.escalator == nil {
			return ErrStepNotApplicable
		}
		return r.escalator.Escalate(ctx, rj.job, rj.executionID, rj.cause)
	}
	return ErrStepNotApplicable
}
