package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/notifyops/relay/pkg/models"
)

// missing is the sentinel for unresolved field paths. It never equals any
// literal, so eq is false, neq is true, and contains is false.
type missingValue struct{}

var missing = missingValue{}

// RuleSet is a compiled, immutable snapshot of one team's rules. Regex
// leaves are compiled once here and reused for every event.
type RuleSet struct {
	rules []compiledRule
}

type compiledRule struct {
	rule Rule
	cond *compiledCondition
}

type compiledCondition struct {
	all []*compiledCondition
	any []*compiledCondition
	not *compiledCondition

	field string
	op    Operator
	value any
	re    *regexp.Regexp
}

// Compile validates and compiles a rule list into an evaluable set. Rules
// are ordered by descending priority, ties broken by rule id.
func Compile(rules []Rule) (*RuleSet, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Action != ActionRoute && r.Action != ActionBlock {
			return nil, fmt.Errorf("rule %s: invalid action %q", r.ID, r.Action)
		}
		var cond *compiledCondition
		if r.When != nil {
			var err error
			cond, err = compileCondition(r.When)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", r.ID, err)
			}
		}
		compiled = append(compiled, compiledRule{rule: r, cond: cond})
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].rule.Priority != compiled[j].rule.Priority {
			return compiled[i].rule.Priority > compiled[j].rule.Priority
		}
		return compiled[i].rule.ID < compiled[j].rule.ID
	})

	return &RuleSet{rules: compiled}, nil
}

func compileCondition(c *Condition) (*compiledCondition, error) {
	out := &compiledCondition{field: c.Field, op: c.Op, value: c.Value}

	switch {
	case len(c.All) > 0:
		for _, child := range c.All {
			cc, err := compileCondition(child)
			if err != nil {
				return nil, err
			}
			out.all = append(out.all, cc)
		}
	case len(c.Any) > 0:
		for _, child := range c.Any {
			cc, err := compileCondition(child)
			if err != nil {
				return nil, err
			}
			out.any = append(out.any, cc)
		}
	case c.Not != nil:
		cc, err := compileCondition(c.Not)
		if err != nil {
			return nil, err
		}
		out.not = cc
	case c.Field != "":
		switch c.Op {
		case OpEq, OpNeq, OpIn, OpNotIn, OpContains, OpGt, OpLt:
		case OpRegex:
			pattern, ok := c.Value.(string)
			if !ok {
				return nil, fmt.Errorf("field %s: regex value must be a string", c.Field)
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", c.Field, err)
			}
			out.re = re
		default:
			return nil, fmt.Errorf("field %s: %w: %q", c.Field, ErrUnknownOperator, c.Op)
		}
	default:
		return nil, ErrEmptyCondition
	}

	return out, nil
}

// Evaluate runs the set against one event. Rules outside the event's kind
// scope or disabled are skipped. Evaluation short-circuits at the first
// matching block (suppression) or route (channels collected). Leaf type
// mismatches are collected as EvalErrors and treated as false.
func (rs *RuleSet) Evaluate(ev *models.Event) Result {
	var result Result
	for _, cr := range rs.rules {
		rule := cr.rule
		if !rule.IsEnabled() || !rule.AppliesTo(ev.Kind) {
			continue
		}

		matched := true
		if cr.cond != nil {
			matched = cr.cond.eval(ev, rule.ID, &result.Errors)
		}
		if !matched {
			continue
		}

		switch rule.Action {
		case ActionBlock:
			result.Suppressed = true
			result.Reason = "blocked by rule " + rule.ID
			result.MatchedID = rule.ID
			return result
		case ActionRoute:
			var override *models.Urgency
			if rule.UrgencyOverride != "" {
				u := models.ParseUrgency(rule.UrgencyOverride)
				override = &u
			}
			for _, ch := range rule.Channels {
				result.Routes = append(result.Routes, Route{
					Channel:         ch,
					HookID:          rule.HookID,
					UrgencyOverride: override,
				})
			}
			result.MatchedID = rule.ID
			return result
		}
	}
	return result
}

func (c *compiledCondition) eval(ev *models.Event, ruleID string, errs *[]EvalError) bool {
	switch {
	case len(c.all) > 0:
		for _, child := range c.all {
			if !child.eval(ev, ruleID, errs) {
				return false
			}
		}
		return true
	case len(c.any) > 0:
		for _, child := range c.any {
			if child.eval(ev, ruleID, errs) {
				return true
			}
		}
		return false
	case c.not != nil:
		return !c.not.eval(ev, ruleID, errs)
	}

	val := resolveField(ev, c.field)
	ok, err := c.compare(val)
	if err != nil {
		*errs = append(*errs, EvalError{RuleID: ruleID, Field: c.field, Err: err})
		return false
	}
	return ok
}

func (c *compiledCondition) compare(val any) (bool, error) {
	switch c.op {
	case OpEq:
		return equals(val, c.value), nil
	case OpNeq:
		return !equals(val, c.value), nil
	case OpIn, OpNotIn:
		list, ok := anySlice(c.value)
		if !ok {
			return false, fmt.Errorf("%s value must be a list", c.op)
		}
		found := false
		for _, candidate := range list {
			if equals(val, candidate) {
				found = true
				break
			}
		}
		if c.op == OpIn {
			return found, nil
		}
		return !found, nil
	case OpContains:
		return contains(val, c.value), nil
	case OpRegex:
		s, ok := asString(val)
		if !ok {
			// Missing or non-string value: regex never matches.
			return false, nil
		}
		return c.re.MatchString(s), nil
	case OpGt, OpLt:
		a, aok := asNumber(val)
		b, bok := asNumber(c.value)
		if !aok || !bok {
			return false, fmt.Errorf("%s requires numeric operands", c.op)
		}
		if c.op == OpGt {
			return a > b, nil
		}
		return a < b, nil
	}
	return false, ErrUnknownOperator
}

// knownFields are the fixed field paths a rule leaf can reference, beyond
// the payload. and delta. prefixes.
var knownFields = map[string]struct{}{
	"kind": {}, "source": {}, "subject_key": {}, "title": {}, "body": {},
	"project": {}, "labels": {}, "components": {}, "authors": {},
	"assignees": {}, "mentions": {}, "affected_teams": {}, "category": {},
	"urgency": {}, "urgency_level": {}, "significance": {},
}

// KnownField reports whether a leaf field path resolves to a real event
// field. Used by config validation.
func KnownField(path string) bool {
	if _, ok := knownFields[path]; ok {
		return true
	}
	return strings.HasPrefix(path, "payload.") || strings.HasPrefix(path, "delta.")
}

// resolveField maps a dotted field path to a value on the event. Unresolved
// paths return the missing sentinel.
func resolveField(ev *models.Event, path string) any {
	switch path {
	case "kind":
		return string(ev.Kind)
	case "source":
		return string(ev.Source)
	case "subject_key":
		return ev.SubjectKey
	case "title":
		return ev.Title
	case "body":
		return ev.Body
	case "project":
		return ev.Project
	case "labels":
		return ev.Labels
	case "components":
		return ev.Components
	case "authors":
		return ev.Authors
	case "assignees":
		return ev.Assignees
	case "mentions":
		return ev.Mentions
	case "affected_teams":
		return ev.AffectedTeams
	case "category":
		return ev.Classification.Category
	case "urgency":
		return ev.Classification.Urgency.String()
	case "urgency_level":
		return float64(ev.Classification.Urgency)
	case "significance":
		return ev.Classification.Significance.String()
	}

	if strings.HasPrefix(path, "payload.") {
		return resolvePayload(ev.Payload, strings.TrimPrefix(path, "payload."))
	}
	if strings.HasPrefix(path, "delta.") {
		field := strings.TrimPrefix(path, "delta.")
		if v, ok := ev.FieldDeltas[field]; ok {
			return v
		}
		return missing
	}
	return missing
}

func resolvePayload(payload map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var cur any = payload
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return missing
		}
		cur, ok = m[part]
		if !ok {
			return missing
		}
	}
	return cur
}

func equals(a, b any) bool {
	if _, ok := a.(missingValue); ok {
		return false
	}
	if as, ok := asString(a); ok {
		if bs, ok := asString(b); ok {
			return as == bs
		}
	}
	if an, ok := asNumber(a); ok {
		if bn, ok := asNumber(b); ok {
			return an == bn
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	return false
}

// contains: for string fields, substring; for list fields, membership.
// Missing values never contain anything.
func contains(val, needle any) bool {
	ns, ok := asString(needle)
	if !ok {
		return false
	}
	switch v := val.(type) {
	case missingValue:
		return false
	case string:
		return strings.Contains(strings.ToLower(v), strings.ToLower(ns))
	case []string:
		for _, item := range v {
			if strings.EqualFold(item, ns) {
				return true
			}
		}
		return false
	case []any:
		for _, item := range v {
			if s, ok := asString(item); ok && strings.EqualFold(s, ns) {
				return true
			}
		}
		return false
	}
	return false
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func anySlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	}
	return nil, false
}
