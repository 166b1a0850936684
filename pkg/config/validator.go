package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/notifyops/relay/pkg/rules"
	"github.com/notifyops/relay/pkg/schedule"
)

// channelNameRe matches chat channel names (#channel) and user handles
// (@user).
var channelNameRe = regexp.MustCompile(`^[#@][a-z0-9][a-z0-9._-]*$`)

// Report is the outcome of validating a configuration. Errors block the
// update; warnings and suggestions are advisory.
type Report struct {
	Errors      []error  `json:"errors,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// HasErrors reports whether the configuration must be rejected.
func (r *Report) HasErrors() bool {
	return len(r.Errors) > 0
}

// Summary renders the error list for logs and API responses.
func (r *Report) Summary() string {
	if !r.HasErrors() {
		return "ok"
	}
	msgs := make([]string, len(r.Errors))
	for i, err := range r.Errors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

func (r *Report) errorf(component, id, field string, err error) {
	r.Errors = append(r.Errors, NewValidationError(component, id, field, err))
}

// Validate performs comprehensive validation on loaded configuration.
func Validate(cfg *Config) *Report {
	report := &Report{}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		report.errorf("server", "server", "port",
			fmt.Errorf("%w: %d", ErrInvalidValue, cfg.Server.Port))
	}
	if len(cfg.Sources) == 0 {
		report.Warnings = append(report.Warnings,
			"no webhook sources configured; ingestion endpoints will reject everything")
	}
	for source, sc := range cfg.Sources {
		if sc.SecretEnv == "" {
			report.errorf("source", source, "secret_env", ErrMissingRequiredField)
		}
	}
	if err := cfg.Workload.Validate(); err != nil {
		report.errorf("workload", "workload", "", err)
	}

	for _, team := range cfg.Teams {
		teamReport := ValidateTeam(team)
		report.Errors = append(report.Errors, teamReport.Errors...)
		report.Warnings = append(report.Warnings, teamReport.Warnings...)
		report.Suggestions = append(report.Suggestions, teamReport.Suggestions...)
	}
	return report
}

// ValidateTeam checks one team snapshot: structural (required fields,
// channel name format, timezone names), semantic (rule field paths and
// operator types), and referential (hook ids resolve).
func ValidateTeam(team *TeamConfig) *Report {
	report := &Report{}

	if team.ID == "" {
		report.errorf("team", "(unnamed)", "id", ErrMissingRequiredField)
		return report
	}

	if team.Timezone == "" {
		report.errorf("team", team.ID, "timezone", ErrMissingRequiredField)
	} else if _, err := time.LoadLocation(team.Timezone); err != nil {
		report.errorf("team", team.ID, "timezone",
			fmt.Errorf("%w: %q", ErrInvalidValue, team.Timezone))
	}

	if len(team.Channels) == 0 {
		report.errorf("team", team.ID, "channels", ErrMissingRequiredField)
	}
	for group, channel := range team.Channels {
		validateChannelName(report, team.ID, "channels."+group, channel)
	}
	validateChannelName(report, team.ID, "escalation_channel", team.EscalationChannel)
	validateChannelName(report, team.ID, "workload_warning_channel", team.WorkloadWarningChannel)
	if team.EscalationChannel == "" {
		report.Suggestions = append(report.Suggestions,
			fmt.Sprintf("team %s: set escalation_channel so delivery failures are visible", team.ID))
	}

	if team.QuietHours != nil {
		if _, err := parseClockMinutes(team.QuietHours.Start); err != nil {
			report.errorf("team", team.ID, "quiet_hours.start", err)
		}
		if _, err := parseClockMinutes(team.QuietHours.End); err != nil {
			report.errorf("team", team.ID, "quiet_hours.end", err)
		}
	}

	for member, hours := range team.Members {
		if _, err := schedule.NewCalendar(hours); err != nil {
			report.errorf("schedule", team.ID+"/"+member, "", err)
		}
	}

	hookIDs := make(map[string]struct{}, len(team.Hooks))
	for _, hook := range team.Hooks {
		if hook.ID == "" {
			report.errorf("hook", team.ID, "id", ErrMissingRequiredField)
			continue
		}
		if _, dup := hookIDs[hook.ID]; dup {
			report.errorf("hook", hook.ID, "id",
				fmt.Errorf("%w: duplicate hook id", ErrInvalidValue))
		}
		hookIDs[hook.ID] = struct{}{}
	}

	validateRules(report, team, hookIDs)
	return report
}

func validateRules(report *Report, team *TeamConfig, hookIDs map[string]struct{}) {
	// Compile catches unknown operators, bad regexes, and invalid actions.
	if _, err := rules.Compile(team.Rules); err != nil {
		report.errorf("rule", team.ID, "", err)
	}

	seen := make(map[string]struct{}, len(team.Rules))
	for _, rule := range team.Rules {
		if rule.ID == "" {
			report.errorf("rule", team.ID, "id", ErrMissingRequiredField)
			continue
		}
		if _, dup := seen[rule.ID]; dup {
			report.errorf("rule", rule.ID, "id",
				fmt.Errorf("%w: duplicate rule id", ErrInvalidValue))
		}
		seen[rule.ID] = struct{}{}

		if rule.HookID != "" {
			if _, ok := hookIDs[rule.HookID]; !ok {
				report.errorf("rule", rule.ID, "hook_id",
					fmt.Errorf("%w: %q", ErrHookNotFound, rule.HookID))
			}
		}
		if rule.Action == rules.ActionRoute && len(rule.Channels) == 0 && rule.HookID == "" {
			report.errorf("rule", rule.ID, "channels",
				fmt.Errorf("%w: route rule needs channels or a hook", ErrMissingRequiredField))
		}
		switch rule.UrgencyOverride {
		case "", "low", "medium", "high", "critical":
		default:
			report.errorf("rule", rule.ID, "urgency_override",
				fmt.Errorf("%w: %q", ErrInvalidValue, rule.UrgencyOverride))
		}
		if !rule.IsEnabled() {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("rule %s is disabled", rule.ID))
		}
		validateFieldPaths(report, rule.ID, rule.When)
	}
}

func validateFieldPaths(report *Report, ruleID string, cond *rules.Condition) {
	if cond == nil {
		return
	}
	for _, child := range cond.All {
		validateFieldPaths(report, ruleID, child)
	}
	for _, child := range cond.Any {
		validateFieldPaths(report, ruleID, child)
	}
	if cond.Not != nil {
		validateFieldPaths(report, ruleID, cond.Not)
	}
	if cond.Field != "" && !rules.KnownField(cond.Field) {
		report.errorf("rule", ruleID, cond.Field,
			fmt.Errorf("%w: unknown field path", ErrInvalidValue))
	}
}

func validateChannelName(report *Report, teamID, field, channel string) {
	if channel == "" {
		return
	}
	if !channelNameRe.MatchString(channel) {
		report.errorf("channel", teamID, field,
			fmt.Errorf("%w: %q must look like #channel or @user", ErrInvalidValue, channel))
	}
}
