package config

import (
	"fmt"
	"time"

	"github.com/notifyops/relay/pkg/batcher"
	"github.com/notifyops/relay/pkg/rules"
	"github.com/notifyops/relay/pkg/schedule"
)

// QuietHoursConfig is a daily do-not-disturb window for a team's channels,
// local to the team's timezone. Non-critical batches are held until the
// window ends.
type QuietHoursConfig struct {
	Start string `yaml:"start" json:"start"` // "22:00"
	End   string `yaml:"end" json:"end"`     // "08:00"
}

// BatchingOverrides are the per-team knobs layered over the system
// batching defaults. Nil pointers mean "inherit".
type BatchingOverrides struct {
	MaxBatchSize *int           `yaml:"max_batch_size,omitempty" json:"max_batch_size,omitempty"`
	MaxWait      *time.Duration `yaml:"max_wait,omitempty" json:"max_wait,omitempty"`
	PerMinuteCap *int           `yaml:"per_minute_cap,omitempty" json:"per_minute_cap,omitempty"`
	PerHourCap   *int           `yaml:"per_hour_cap,omitempty" json:"per_hour_cap,omitempty"`
}

// Apply layers the team overrides onto the system batching defaults.
func (o *BatchingOverrides) Apply(base batcher.Config) batcher.Config {
	if o == nil {
		return base
	}
	out := base
	if o.MaxBatchSize != nil {
		out.MaxBatchSize = *o.MaxBatchSize
	}
	if o.MaxWait != nil {
		out.MaxWait = *o.MaxWait
	}
	if o.PerMinuteCap != nil {
		out.PerMinuteCap = *o.PerMinuteCap
	}
	if o.PerHourCap != nil {
		out.PerHourCap = *o.PerHourCap
	}
	return out
}

// TeamConfig is one team's full routing configuration. Snapshots are
// immutable once published; updates produce a new version.
type TeamConfig struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name,omitempty" json:"name,omitempty"`
	Timezone string `yaml:"timezone" json:"timezone"`

	// Channels maps kind-groups (pull_request, issue, alert, deployment,
	// other) to chat channels.
	Channels map[string]string `yaml:"channels" json:"channels"`
	// EscalationChannel receives structured failure notifications.
	EscalationChannel string `yaml:"escalation_channel,omitempty" json:"escalation_channel,omitempty"`
	// WorkloadWarningChannel receives capacity warnings, distinct from the
	// assignment channel.
	WorkloadWarningChannel string `yaml:"workload_warning_channel,omitempty" json:"workload_warning_channel,omitempty"`

	// Members maps usernames to per-person work schedules. Members without
	// an entry inherit the default schedule in the team timezone.
	Members map[string]schedule.WorkHours `yaml:"members,omitempty" json:"members,omitempty"`

	QuietHours *QuietHoursConfig  `yaml:"quiet_hours,omitempty" json:"quiet_hours,omitempty"`
	Batching   *BatchingOverrides `yaml:"batching,omitempty" json:"batching,omitempty"`

	Hooks []rules.Hook `yaml:"hooks,omitempty" json:"hooks,omitempty"`
	Rules []rules.Rule `yaml:"rules,omitempty" json:"rules,omitempty"`

	// Ownership feeds event enrichment.
	Projects   []string `yaml:"projects,omitempty" json:"projects,omitempty"`
	Components []string `yaml:"components,omitempty" json:"components,omitempty"`
	Labels     []string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// ChannelFor returns the team channel for a kind-group, falling back to
// the "other" channel.
func (t *TeamConfig) ChannelFor(kindGroup string) string {
	if ch, ok := t.Channels[kindGroup]; ok && ch != "" {
		return ch
	}
	return t.Channels["other"]
}

// HookByID returns the registered hook, if any.
func (t *TeamConfig) HookByID(id string) (*rules.Hook, bool) {
	for i := range t.Hooks {
		if t.Hooks[i].ID == id {
			return &t.Hooks[i], true
		}
	}
	return nil, false
}

// InQuietHours reports whether the instant falls in the team's quiet
// window and, if so, when the window ends. Windows may cross midnight.
func (t *TeamConfig) InQuietHours(at time.Time) (time.Time, bool) {
	if t.QuietHours == nil {
		return time.Time{}, false
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := at.In(loc)

	start, err := parseClockMinutes(t.QuietHours.Start)
	if err != nil {
		return time.Time{}, false
	}
	end, err := parseClockMinutes(t.QuietHours.End)
	if err != nil {
		return time.Time{}, false
	}

	minutes := local.Hour()*60 + local.Minute()
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	if start <= end {
		if minutes >= start && minutes < end {
			return midnight.Add(time.Duration(end) * time.Minute), true
		}
		return time.Time{}, false
	}
	// Window crosses midnight, e.g. 22:00-08:00.
	switch {
	case minutes >= start:
		return midnight.AddDate(0, 0, 1).Add(time.Duration(end) * time.Minute), true
	case minutes < end:
		return midnight.Add(time.Duration(end) * time.Minute), true
	}
	return time.Time{}, false
}

// parseClockMinutes parses "HH:MM" to minutes since midnight.
func parseClockMinutes(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("%w: clock time %q", ErrInvalidValue, s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: clock time %q", ErrInvalidValue, s)
	}
	return h*60 + m, nil
}

// Snapshot is one immutable published version of a team's configuration.
type Snapshot struct {
	TeamID    string      `json:"team_id" db:"team_id"`
	Version   int64       `json:"version" db:"version"`
	Config    *TeamConfig `json:"config"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	CreatedBy string      `json:"created_by,omitempty" db:"created_by"`
	Active    bool        `json:"active" db:"active"`
}
