// Package schedule times deliveries per recipient: work hours, timezones,
// holidays and PTO, morning digests, and urgent bypass. Held decisions are
// persisted so they survive restarts.
package schedule

import (
	"fmt"
	"time"
)

// Interval is one working span within a day, local time.
type Interval struct {
	Start string `yaml:"start" json:"start"` // "09:00"
	End   string `yaml:"end" json:"end"`     // "17:30"
}

// DateRange is an inclusive PTO span of local dates.
type DateRange struct {
	From string `yaml:"from" json:"from"` // "2026-08-24"
	To   string `yaml:"to" json:"to"`
}

// WorkHours is one recipient's delivery window definition.
type WorkHours struct {
	Timezone string `yaml:"timezone" json:"timezone"`
	// Weekly maps lowercase weekday names to working intervals. A missing
	// day is a non-working day.
	Weekly map[string][]Interval `yaml:"weekly" json:"weekly"`
	// Holidays are local dates, "2006-01-02".
	Holidays []string    `yaml:"holidays,omitempty" json:"holidays,omitempty"`
	PTO      []DateRange `yaml:"pto,omitempty" json:"pto,omitempty"`
	// UrgentBypass lets critical events through regardless of hours.
	UrgentBypass bool `yaml:"urgent_bypass" json:"urgent_bypass"`
}

// DefaultWorkHours is the 9-to-17 weekday schedule applied to recipients
// with no explicit configuration.
func DefaultWorkHours() WorkHours {
	day := []Interval{{Start: "09:00", End: "17:00"}}
	return WorkHours{
		Timezone: "UTC",
		Weekly: map[string][]Interval{
			"monday": day, "tuesday": day, "wednesday": day,
			"thursday": day, "friday": day,
		},
		UrgentBypass: true,
	}
}

// Calendar answers work-hours questions for one recipient.
type Calendar struct {
	hours WorkHours
	loc   *time.Location
}

// NewCalendar validates the definition and resolves the timezone.
func NewCalendar(hours WorkHours) (*Calendar, error) {
	loc, err := time.LoadLocation(hours.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", hours.Timezone, err)
	}
	for day, intervals := range hours.Weekly {
		if _, ok := weekdayNames[day]; !ok {
			return nil, fmt.Errorf("invalid weekday %q", day)
		}
		for _, iv := range intervals {
			start, err := parseClock(iv.Start)
			if err != nil {
				return nil, fmt.Errorf("day %s: %w", day, err)
			}
			end, err := parseClock(iv.End)
			if err != nil {
				return nil, fmt.Errorf("day %s: %w", day, err)
			}
			if end <= start {
				return nil, fmt.Errorf("day %s: interval %s-%s is empty", day, iv.Start, iv.End)
			}
		}
	}
	return &Calendar{hours: hours, loc: loc}, nil
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// parseClock parses "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return h*60 + m, nil
}

// InWorkHours reports whether the instant falls inside a working interval
// on a working day.
func (c *Calendar) InWorkHours(at time.Time) bool {
	local := at.In(c.loc)
	if c.dayOff(local) {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	for _, iv := range c.intervalsFor(local.Weekday()) {
		start, _ := parseClock(iv.Start)
		end, _ := parseClock(iv.End)
		if minutes >= start && minutes < end {
			return true
		}
	}
	return false
}

// NextWorkInstant returns the earliest working instant at or after the
// given time. Scans day by day, bounded at one year for degenerate
// schedules.
func (c *Calendar) NextWorkInstant(at time.Time) (time.Time, error) {
	local := at.In(c.loc)
	for days := 0; days < 366; days++ {
		day := local.AddDate(0, 0, days)
		if c.dayOff(day) {
			continue
		}
		minutes := -1
		if days == 0 {
			minutes = local.Hour()*60 + local.Minute()
		}
		best := -1
		for _, iv := range c.intervalsFor(day.Weekday()) {
			start, _ := parseClock(iv.Start)
			end, _ := parseClock(iv.End)
			switch {
			case minutes >= start && minutes < end:
				return local, nil
			case start >= minutes || days > 0:
				if best == -1 || start < best {
					best = start
				}
			}
		}
		if best >= 0 {
			return time.Date(day.Year(), day.Month(), day.Day(), best/60, best%60, 0, 0, c.loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("no working hours within a year of %s", at.Format(time.RFC3339))
}

// UrgentBypass reports whether critical events skip the schedule.
func (c *Calendar) UrgentBypass() bool {
	return c.hours.UrgentBypass
}

func (c *Calendar) intervalsFor(day time.Weekday) []Interval {
	for name, wd := range weekdayNames {
		if wd == day {
			return c.hours.Weekly[name]
		}
	}
	return nil
}

func (c *Calendar) dayOff(local time.Time) bool {
	date := local.Format("2006-01-02")
	for _, h := range c.hours.Holidays {
		if h == date {
			return true
		}
	}
	for _, pto := range c.hours.PTO {
		if date >= pto.From && date <= pto.To {
			return true
		}
	}
	return false
}
