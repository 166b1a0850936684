package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nycCalendar(t *testing.T, mutate func(*WorkHours)) *Calendar {
	t.Helper()
	hours := DefaultWorkHours()
	hours.Timezone = "America/New_York"
	if mutate != nil {
		mutate(&hours)
	}
	cal, err := NewCalendar(hours)
	require.NoError(t, err)
	return cal
}

// Mon 2026-08-24 is a regular workday.
func localTime(t *testing.T, value string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	parsed, err := time.ParseInLocation("2006-01-02 15:04", value, loc)
	require.NoError(t, err)
	return parsed
}

func TestNewCalendarRejectsBadDefinitions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*WorkHours)
	}{
		{"bad timezone", func(h *WorkHours) { h.Timezone = "Mars/Olympus" }},
		{"bad weekday", func(h *WorkHours) { h.Weekly["funday"] = []Interval{{Start: "09:00", End: "10:00"}} }},
		{"bad clock", func(h *WorkHours) { h.Weekly["monday"] = []Interval{{Start: "25:00", End: "26:00"}} }},
		{"empty interval", func(h *WorkHours) { h.Weekly["monday"] = []Interval{{Start: "10:00", End: "09:00"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hours := DefaultWorkHours()
			tt.mutate(&hours)
			_, err := NewCalendar(hours)
			assert.Error(t, err)
		})
	}
}

func TestInWorkHours(t *testing.T) {
	cal := nycCalendar(t, nil)
	tests := []struct {
		name string
		at   string
		in   bool
	}{
		{"mid-morning weekday", "2026-08-24 10:30", true},
		{"start boundary inclusive", "2026-08-24 09:00", true},
		{"end boundary exclusive", "2026-08-24 17:00", false},
		{"early morning", "2026-08-24 06:00", false},
		{"evening", "2026-08-24 21:00", false},
		{"saturday", "2026-08-22 11:00", false},
		{"sunday", "2026-08-23 11:00", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.in, cal.InWorkHours(localTime(t, tt.at)))
		})
	}
}

func TestInWorkHoursHonoursTimezone(t *testing.T) {
	cal := nycCalendar(t, nil)
	// 14:00 UTC on a Monday is 10:00 in New York.
	at := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	assert.True(t, cal.InWorkHours(at))
	// 02:00 UTC is 22:00 the previous evening in New York.
	assert.False(t, cal.InWorkHours(time.Date(2026, 8, 25, 2, 0, 0, 0, time.UTC)))
}

func TestNextWorkInstant(t *testing.T) {
	cal := nycCalendar(t, func(h *WorkHours) {
		h.Holidays = []string{"2026-08-25"}
		h.PTO = []DateRange{{From: "2026-08-26", To: "2026-08-27"}}
	})

	tests := []struct {
		name     string
		at       string
		expected string
	}{
		{"inside hours returns now", "2026-08-24 10:30", "2026-08-24 10:30"},
		{"evening rolls past holiday and pto", "2026-08-24 19:00", "2026-08-28 09:00"},
		{"weekend rolls to monday", "2026-08-22 12:00", "2026-08-24 09:00"},
		{"early morning same day", "2026-08-24 06:00", "2026-08-24 09:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := cal.NextWorkInstant(localTime(t, tt.at))
			require.NoError(t, err)
			assert.True(t, next.Equal(localTime(t, tt.expected)),
				"got %s want %s", next, localTime(t, tt.expected))
		})
	}
}

func TestNextWorkInstantDegenerateSchedule(t *testing.T) {
	cal := nycCalendar(t, func(h *WorkHours) { h.Weekly = map[string][]Interval{} })
	_, err := cal.NextWorkInstant(localTime(t, "2026-08-24 10:00"))
	assert.Error(t, err)
}
