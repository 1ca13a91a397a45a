// Package schedule computes when a sequence step may run. The scheduler is
// pure: it takes a clock value and returns an instant, with no I/O beyond
// a warning log on malformed configuration.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emberline/dripflow/internal/pkg/logger"
)

// Wait describes a wait step's timing: a duration plus an optional exact
// time-of-day pin ("HH:MM").
type Wait struct {
	Value     int    `json:"value"`
	Unit      string `json:"unit"` // minutes, hours, days, weeks
	ExactTime string `json:"exactTime,omitempty"`
}

// Window is a business-hours window. Days are 0=Sunday..6=Saturday.
// End <= Start describes an overnight window (e.g. 22:00-06:00).
type Window struct {
	Days  []int  `json:"daysOfWeek"`
	Start string `json:"startTime"` // "HH:MM"
	End   string `json:"endTime"`   // "HH:MM"
}

// Settings are the sequence-level scheduling settings.
type Settings struct {
	Timezone          string  `json:"timezone"`
	BusinessHoursOnly bool    `json:"businessHoursOnly"`
	Window            *Window `json:"sendingSchedule,omitempty"`
}

// maxScanDays bounds the forward day scan so a window that never matches
// cannot loop forever.
const maxScanDays = 14

var log = logger.With("schedule")

// Duration converts the wait into a time.Duration. Unknown units fall back
// to hours, matching how sequences were configured historically.
func (w Wait) Duration() time.Duration {
	v := w.Value
	if v < 0 {
		v = 0
	}
	switch w.Unit {
	case "minutes":
		return time.Duration(v) * time.Minute
	case "hours":
		return time.Duration(v) * time.Hour
	case "days":
		return time.Duration(v) * 24 * time.Hour
	case "weeks":
		return time.Duration(v) * 7 * 24 * time.Hour
	default:
		return time.Duration(v) * time.Hour
	}
}

// NextTime computes the next valid execution instant for a wait step:
// now + duration, optionally pinned to an exact time of day, optionally
// pushed into the sequence's business-hours window. Malformed schedule
// configuration is permissive: it logs a warning and leaves the time
// unadjusted rather than failing the step.
func NextTime(now time.Time, wait Wait, settings Settings) time.Time {
	loc := loadLocation(settings.Timezone)
	t := now.Add(wait.Duration())

	if wait.ExactTime != "" {
		t = pinExactTime(t, wait.ExactTime, loc)
	}

	if settings.BusinessHoursOnly && settings.Window != nil {
		t = adjustToWindow(t, *settings.Window, loc)
	}

	if t.Before(now) {
		// Guard: scheduling in the past would make the job fire immediately
		// out of order.
		return now
	}
	return t
}

// pinExactTime moves t to the given clock time on its own date, rolling to
// the next day when that moment has already passed.
func pinExactTime(t time.Time, exact string, loc *time.Location) time.Time {
	hour, minute, ok := parseClock(exact)
	if !ok {
		log.Warn("invalid exactTime, leaving schedule unadjusted", "exact_time", exact)
		return t
	}
	local := t.In(loc)
	pinned := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if pinned.Before(local) {
		pinned = pinned.AddDate(0, 0, 1)
	}
	return pinned
}

// adjustToWindow returns t unchanged when it falls inside the window,
// otherwise the start of the next allowed day. Overnight windows treat
// membership as t>=start OR t<=end.
func adjustToWindow(t time.Time, w Window, loc *time.Location) time.Time {
	if len(w.Days) == 0 {
		log.Warn("business-hours window has no days, leaving schedule unadjusted")
		return t
	}
	allowed := make(map[time.Weekday]bool, len(w.Days))
	for _, d := range w.Days {
		if d < 0 || d > 6 {
			log.Warn("business-hours window has out-of-range weekday, leaving schedule unadjusted", "day", d)
			return t
		}
		allowed[time.Weekday(d)] = true
	}

	startH, startM, okStart := parseClock(w.Start)
	endH, endM, okEnd := parseClock(w.End)
	if !okStart || !okEnd {
		log.Warn("business-hours window has invalid time bounds, leaving schedule unadjusted",
			"start", w.Start, "end", w.End)
		return t
	}

	local := t.In(loc)
	if allowed[local.Weekday()] && inWindow(local, startH, startM, endH, endM) {
		return local
	}

	for i := 1; i <= maxScanDays; i++ {
		day := local.AddDate(0, 0, i)
		if allowed[day.Weekday()] {
			return time.Date(day.Year(), day.Month(), day.Day(), startH, startM, 0, 0, loc)
		}
	}

	log.Warn("no allowed day within scan bound, leaving schedule unadjusted")
	return t
}

// inWindow reports whether the clock time of t is inside [start, end).
// When end <= start the window wraps midnight and membership becomes
// t>=start OR t<=end.
func inWindow(t time.Time, startH, startM, endH, endM int) bool {
	minutes := t.Hour()*60 + t.Minute()
	start := startH*60 + startM
	end := endH*60 + endM
	if end <= start {
		return minutes >= start || minutes <= end
	}
	return minutes >= start && minutes < end
}

// parseClock parses "HH:MM". Returns ok=false on anything malformed or
// out of range.
func parseClock(s string) (hour, minute int, ok bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, false
	}
	h, errH := strconv.Atoi(parts[0])
	m, errM := strconv.Atoi(parts[1])
	if errH != nil || errM != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

func loadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warn("unknown timezone, falling back to UTC", "timezone", name, "error", fmt.Sprint(err))
		return time.UTC
	}
	return loc
}
