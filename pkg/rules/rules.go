// Package rules evaluates team-scoped boolean rule trees against classified
// events and produces per-team routing: either a suppression or an ordered
// list of (channel, hook) targets.
package rules

import (
	"errors"
	"fmt"

	"github.com/notifyops/relay/pkg/models"
)

// Operator is the closed set of leaf comparison operators.
type Operator string

// Operators.
const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpIn       Operator = "in"
	OpNotIn    Operator = "not-in"
	OpContains Operator = "contains"
	OpRegex    Operator = "regex"
	OpGt       Operator = "gt"
	OpLt       Operator = "lt"
)

// Action is what a matching rule does.
type Action string

// Actions.
const (
	ActionRoute Action = "route"
	ActionBlock Action = "block"
)

var (
	// ErrUnknownOperator indicates a rule leaf with an operator outside the
	// closed set. Caught at compile time, not evaluation time.
	ErrUnknownOperator = errors.New("unknown rule operator")

	// ErrEmptyCondition indicates a condition node with no leaf and no children.
	ErrEmptyCondition = errors.New("empty rule condition")
)

// Condition is one node of a rule tree: either an internal node (exactly one
// of All/Any/Not set) or a leaf (Field/Op/Value set).
type Condition struct {
	All []*Condition `yaml:"all,omitempty" json:"all,omitempty"`
	Any []*Condition `yaml:"any,omitempty" json:"any,omitempty"`
	Not *Condition   `yaml:"not,omitempty" json:"not,omitempty"`

	Field string   `yaml:"field,omitempty" json:"field,omitempty"`
	Op    Operator `yaml:"op,omitempty" json:"op,omitempty"`
	Value any      `yaml:"value,omitempty" json:"value,omitempty"`
}

// Rule is one team-configured routing rule.
type Rule struct {
	ID              string             `yaml:"id" json:"id"`
	Priority        int                `yaml:"priority" json:"priority"`
	Enabled         *bool              `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	HookScope       []models.EventKind `yaml:"hook_scope,omitempty" json:"hook_scope,omitempty"`
	Action          Action             `yaml:"action" json:"action"`
	HookID          string             `yaml:"hook_id,omitempty" json:"hook_id,omitempty"`
	Channels        []string           `yaml:"channels,omitempty" json:"channels,omitempty"`
	UrgencyOverride string             `yaml:"urgency_override,omitempty" json:"urgency_override,omitempty"`
	When            *Condition         `yaml:"when,omitempty" json:"when,omitempty"`
}

// IsEnabled reports the effective enabled flag (default true).
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// AppliesTo reports whether the rule's hook scope covers the given kind.
// An empty scope covers every kind.
func (r *Rule) AppliesTo(kind models.EventKind) bool {
	if len(r.HookScope) == 0 {
		return true
	}
	for _, k := range r.HookScope {
		if k == kind {
			return true
		}
	}
	return false
}

// Hook is a registered handler a rule can route to.
type Hook struct {
	ID         string             `yaml:"id" json:"id"`
	Kinds      []models.EventKind `yaml:"kinds,omitempty" json:"kinds,omitempty"`
	RenderSpec string             `yaml:"render_spec,omitempty" json:"render_spec,omitempty"`
	Team       string             `yaml:"team,omitempty" json:"team,omitempty"`
	Service    string             `yaml:"service,omitempty" json:"service,omitempty"`
}

// Route is one routing target produced by evaluation.
type Route struct {
	Channel         string
	HookID          string
	UrgencyOverride *models.Urgency
}

// EvalError records a leaf whose operator/value types mismatched the field.
// The leaf evaluates false and evaluation continues.
type EvalError struct {
	RuleID string
	Field  string
	Err    error
}

func (e EvalError) Error() string {
	return fmt.Sprintf("rule %s: field %s: %v", e.RuleID, e.Field, e.Err)
}

// Result is the per-team evaluation outcome.
type Result struct {
	Suppressed bool
	Reason     string
	Routes     []Route
	MatchedID  string
	Errors     []EvalError
}
