package sched

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field specs plus descriptors like "@daily".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ComputeNextRun returns the next fire time for r strictly after now.
// last is the previous NextRun (zero if none); it only matters for "interval".
// The second return is false when the schedule has nothing left to fire
// ("once" whose moment has passed, or an invalid spec).
func ComputeNextRun(r Recurrence, last, now time.Time, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)
	hh, mm := timeOfDay(r.TimeOfDay)

	switch r.Kind {
	case RecurOnce:
		d, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(r.Date), loc)
		if err != nil {
			return time.Time{}, false
		}
		at := time.Date(d.Year(), d.Month(), d.Day(), hh, mm, 0, 0, loc)
		if at.After(now) {
			return at, true
		}
		// A passed "once" never silently reschedules.
		return time.Time{}, false

	case RecurDaily:
		at := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, loc)
		if at.After(now) {
			return at, true
		}
		return at.AddDate(0, 0, 1), true

	case RecurWeekly:
		if len(r.Days) == 0 {
			return time.Time{}, false
		}
		// Scan up to 14 days so "today at an already-passed time" resolves to
		// the following week, never the occurrence that already went by.
		for off := 0; off < 14; off++ {
			day := now.AddDate(0, 0, off)
			if !weekdayIn(day.Weekday(), r.Days) {
				continue
			}
			at := time.Date(day.Year(), day.Month(), day.Day(), hh, mm, 0, 0, loc)
			if at.After(now) {
				return at, true
			}
		}
		return time.Time{}, false

	case RecurMonthly:
		dom := r.DayOfMonth
		if dom < 1 {
			dom = 1
		}
		at := monthlyAt(now.Year(), now.Month(), dom, hh, mm, loc)
		if at.After(now) {
			return at, true
		}
		return monthlyAt(now.Year(), now.Month()+1, dom, hh, mm, loc), true

	case RecurInterval:
		n := r.IntervalDays
		if n < 1 {
			return time.Time{}, false
		}
		base := last
		if base.IsZero() {
			base = now
		}
		next := base.AddDate(0, 0, n)
		for !next.After(now) {
			next = next.AddDate(0, 0, n)
		}
		return next, true

	case RecurCron:
		sched, err := cronParser.Parse(strings.TrimSpace(r.CronSpec))
		if err != nil {
			return time.Time{}, false
		}
		return sched.Next(now), true

	default:
		return time.Time{}, false
	}
}

// monthlyAt clamps dom to the last valid day of the target month.
func monthlyAt(year int, month time.Month, dom, hh, mm int, loc *time.Location) time.Time {
	// Normalize month overflow first (time.Date would also do it, but we need
	// the clamp against the *normalized* month).
	norm := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	lastDay := norm.AddDate(0, 1, -1).Day()
	if dom > lastDay {
		dom = lastDay
	}
	return time.Date(norm.Year(), norm.Month(), dom, hh, mm, 0, 0, loc)
}

// AdvanceAfterFire mutates s after one fire: one-shots disable
// unconditionally; a repeat counter of 1 hits zero and disables; otherwise
// NextRun is recomputed.
func AdvanceAfterFire(s *Schedule, now time.Time, loc *time.Location) {
	prev := time.Time{}
	if s.NextRun != nil {
		prev = *s.NextRun
	}

	if s.Recurrence.Kind == RecurOnce {
		s.Enabled = false
		s.NextRun = nil
		return
	}
	if s.Repeats > 0 {
		s.Repeats--
		if s.Repeats == 0 {
			s.Enabled = false
			s.NextRun = nil
			return
		}
	}
	next, ok := ComputeNextRun(s.Recurrence, prev, now, loc)
	if !ok {
		s.Enabled = false
		s.NextRun = nil
		return
	}
	s.NextRun = &next
}

// ValidateRecurrence rejects specs that can never produce a next run.
func ValidateRecurrence(r Recurrence) error {
	if r.TimeOfDay != "" {
		if _, _, err := parseHHMM(r.TimeOfDay); err != nil {
			return err
		}
	}
	switch r.Kind {
	case RecurOnce:
		if _, err := time.Parse("2006-01-02", strings.TrimSpace(r.Date)); err != nil {
			return fmt.Errorf("once: invalid date %q: %w", r.Date, err)
		}
	case RecurDaily:
	case RecurWeekly:
		if len(r.Days) == 0 {
			return errors.New("weekly: at least one weekday required")
		}
	case RecurMonthly:
		if r.DayOfMonth < 1 || r.DayOfMonth > 31 {
			return fmt.Errorf("monthly: day_of_month %d out of range", r.DayOfMonth)
		}
	case RecurInterval:
		if r.IntervalDays < 1 {
			return fmt.Errorf("interval: interval_days %d out of range", r.IntervalDays)
		}
	case RecurCron:
		if _, err := cronParser.Parse(strings.TrimSpace(r.CronSpec)); err != nil {
			return fmt.Errorf("cron: %w", err)
		}
	default:
		return fmt.Errorf("unknown recurrence kind %q", r.Kind)
	}
	return nil
}

func weekdayIn(d time.Weekday, days []time.Weekday) bool {
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}

func timeOfDay(s string) (hh, mm int) {
	hh, mm, err := parseHHMM(s)
	if err != nil {
		return 0, 0
	}
	return hh, mm
}

func parseHHMM(s string) (int, int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time of day %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// minuteOfDay converts "HH:MM" to minutes since midnight; -1 if invalid.
func minuteOfDay(s string) int {
	h, m, err := parseHHMM(s)
	if err != nil || strings.TrimSpace(s) == "" {
		return -1
	}
	return h*60 + m
}
