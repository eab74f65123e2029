package sched

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"rosterbot/internal/transport"
)

// RecurrenceKind selects the next-run policy for a schedule.
type RecurrenceKind string

const (
	RecurOnce     RecurrenceKind = "once"
	RecurDaily    RecurrenceKind = "daily"
	RecurWeekly   RecurrenceKind = "weekly"
	RecurMonthly  RecurrenceKind = "monthly"
	RecurInterval RecurrenceKind = "interval"
	RecurCron     RecurrenceKind = "cron"
)

type Recurrence struct {
	Kind RecurrenceKind `json:"kind"`

	// TimeOfDay is "HH:MM" in the scheduler's timezone. Empty means 00:00.
	TimeOfDay string `json:"time_of_day,omitempty"`

	// Date is "2006-01-02"; only meaningful for "once".
	Date string `json:"date,omitempty"`

	// Days are the matching weekdays for "weekly".
	Days []time.Weekday `json:"days,omitempty"`

	// DayOfMonth for "monthly"; clamped to the last valid day of the target month.
	DayOfMonth int `json:"day_of_month,omitempty"`

	// IntervalDays for "interval".
	IntervalDays int `json:"interval_days,omitempty"`

	// CronSpec is a raw cron expression for "cron".
	CronSpec string `json:"cron_spec,omitempty"`
}

// Schedule is a standalone recurring announcement. The tick loop owns all
// mutations: after each fire the repeat counter is decremented (zero disables)
// and NextRun is recomputed; one-shots disable unconditionally.
type Schedule struct {
	ID         string               `json:"id"`
	Channel    transport.ChatTarget `json:"channel"`
	Payload    string               `json:"payload"`
	Recurrence Recurrence           `json:"recurrence"`

	// Repeats remaining; 0 means unlimited.
	Repeats int  `json:"repeats,omitempty"`
	Enabled bool `json:"enabled"`

	NextRun *time.Time `json:"next_run,omitempty"`
}

// TimeRange is one open interval of an event occurrence, as "HH:MM" strings.
// The event is open within [Start, End).
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// AutoMessage is an auxiliary notification fired at Start − OffsetMinutes.
// An offset that lands on the previous calendar day is skipped for that
// occurrence rather than firing early.
type AutoMessage struct {
	ID            string `json:"id"`
	OffsetMinutes int    `json:"offset_minutes"`
	Enabled       bool   `json:"enabled"`

	// Text is a template; {{name}}, {{start}} and {{end}} are substituted
	// before dispatch.
	Text string `json:"text,omitempty"`

	// Fields is an optional structured payload (title/body pairs) rendered by
	// the renderer; Text and Fields may both be set.
	Fields map[string]string `json:"fields,omitempty"`

	// Channel overrides the event channel when non-zero.
	Channel *transport.ChatTarget `json:"channel,omitempty"`

	// DeleteAfterMs removes the sent message after this many milliseconds
	// (0 = keep).
	DeleteAfterMs int64 `json:"delete_after_ms,omitempty"`

	Mentions []int64 `json:"mentions,omitempty"`

	// ClockIn posts the clock-in view instead of a plain notification and
	// tracks the sent message for live updates.
	ClockIn bool `json:"clock_in,omitempty"`
}

// Role is a claimable clock-in position. Capacity 0 means unbounded.
type Role struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Capacity int    `json:"capacity,omitempty"`
}

// RoleNone is the selection sentinel that clears a member's registration.
const RoleNone = "none"

// MaxRoleKeyLen bounds role keys so "ci:sel:<id>:<key>" callback data stays
// inside Telegram's 64-byte cap: 64 − len("ci:sel:") − 36 (uuid) − 1.
const MaxRoleKeyLen = 20

// ValidateRoles rejects role sets that cannot be addressed by the selection
// keyboard.
func ValidateRoles(roles []Role) error {
	seen := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		key := strings.TrimSpace(r.Key)
		if key == "" {
			return errors.New("role key is required")
		}
		if key == RoleNone {
			return fmt.Errorf("role key %q is reserved", RoleNone)
		}
		if len(key) > MaxRoleKeyLen {
			return fmt.Errorf("role key %q exceeds %d bytes", key, MaxRoleKeyLen)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate role key %q", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// ClockInState is the per-event claim roster.
//
// Invariants: a member occupies at most one position; capacity is enforced on
// insertion by rejection, never by eviction.
type ClockInState struct {
	// Positions maps role key to the ordered member-id list.
	Positions map[string][]int64 `json:"positions,omitempty"`

	// Members maps member id to display name, for roster rendering.
	Members map[int64]string `json:"members,omitempty"`

	// MessageRefs are the tracked live renderings (bounded history).
	MessageRefs []transport.MessageRef `json:"message_refs,omitempty"`

	// AutoNext maps member id to the role requested for the next occurrence.
	AutoNext map[int64]string `json:"auto_next,omitempty"`

	LastSentAt *time.Time `json:"last_sent_at,omitempty"`
}

// Event is a recurring calendar-like campaign.
type Event struct {
	ID      string               `json:"id"`
	Name    string               `json:"name"`
	Channel transport.ChatTarget `json:"channel"`

	// Times are legacy point triggers ("HH:MM"); Ranges supersede them.
	Times  []string    `json:"times,omitempty"`
	Ranges []TimeRange `json:"ranges,omitempty"`

	// Days filters occurrences by weekday; empty means every day.
	Days []time.Weekday `json:"days,omitempty"`

	Enabled bool `json:"enabled"`

	// Anchor is the single live-edited status message (zero = none).
	Anchor transport.MessageRef `json:"anchor,omitempty"`

	// AnchorTemplate holds named placeholders {{name}}, {{status}}, {{next}};
	// anchor content is a deterministic function of (template, status, next).
	AnchorTemplate string `json:"anchor_template,omitempty"`

	// LastRendered is the anchor content as of the last successful edit; it
	// seeds the idempotence check across restarts.
	LastRendered string `json:"last_rendered,omitempty"`

	AutoMessages []AutoMessage `json:"auto_messages,omitempty"`

	// FiredKeys records timed actions that already executed, keyed by fire
	// signature and stamped with the firing timestamp. Pruned on a rolling
	// window.
	FiredKeys map[string]time.Time `json:"fired_keys,omitempty"`

	Roles   []Role        `json:"roles,omitempty"`
	ClockIn *ClockInState `json:"clock_in,omitempty"`
}

// Status is an event's position relative to its time ranges right now.
type Status int

const (
	StatusUpcoming Status = iota
	StatusOpen
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	default:
		return "upcoming"
	}
}

// RoleByKey returns the role definition for key.
func (e *Event) RoleByKey(key string) (Role, bool) {
	for _, r := range e.Roles {
		if r.Key == key {
			return r, true
		}
	}
	return Role{}, false
}

// DayMatches reports whether the event runs on the given weekday.
func (e *Event) DayMatches(d time.Weekday) bool {
	if len(e.Days) == 0 {
		return true
	}
	for _, x := range e.Days {
		if x == d {
			return true
		}
	}
	return false
}

func (e *Event) clockIn() *ClockInState {
	if e.ClockIn == nil {
		e.ClockIn = &ClockInState{}
	}
	if e.ClockIn.Positions == nil {
		e.ClockIn.Positions = map[string][]int64{}
	}
	if e.ClockIn.Members == nil {
		e.ClockIn.Members = map[int64]string{}
	}
	if e.ClockIn.AutoNext == nil {
		e.ClockIn.AutoNext = map[int64]string{}
	}
	return e.ClockIn
}

// PositionOf returns the role key currently held by member, if any.
func (c *ClockInState) PositionOf(member int64) (string, bool) {
	if c == nil {
		return "", false
	}
	for key, list := range c.Positions {
		for _, id := range list {
			if id == member {
				return key, true
			}
		}
	}
	return "", false
}
