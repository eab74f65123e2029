package sched

import (
	"context"
	"fmt"
	"time"

	logx "rosterbot/pkg/logx"
)

// fireGuardWindow is the freshness window for fire keys: a key stamped within
// it blocks re-fire, which absorbs tick jitter and restarts alike (the keys
// persist with the event).
const fireGuardWindow = 60 * time.Second

func (s *Service) tickSchedules(ctx context.Context, now time.Time) {
	for _, rec := range s.store.Schedules() {
		if !rec.Enabled {
			continue
		}

		// Schedules lacking a next-run get one lazily.
		if rec.NextRun == nil {
			next, ok := ComputeNextRun(rec.Recurrence, time.Time{}, now, s.loc)
			if !ok {
				rec.Enabled = false
				s.log.Warn("schedule has no next run; disabling", logx.String("schedule", rec.ID))
			} else {
				rec.NextRun = &next
			}
			if err := s.store.UpdateSchedule(rec); err != nil {
				s.log.Warn("schedule update failed", logx.String("schedule", rec.ID), logx.Err(err))
			}
			continue
		}

		if rec.NextRun.After(now.Add(s.cfg.Lookahead)) {
			continue
		}

		text, opt := s.render.ScheduleMessage(rec)
		if _, err := s.gw.SendText(ctx, rec.Channel, text, opt); err != nil {
			// Persisted state is unchanged, so the fire retries next tick.
			s.log.Warn("schedule send failed", logx.String("schedule", rec.ID), logx.Err(err))
			continue
		}
		s.publish("sched.fired", map[string]string{"schedule": rec.ID})

		AdvanceAfterFire(rec, now, s.loc)
		if err := s.store.UpdateSchedule(rec); err != nil {
			s.log.Warn("schedule update failed", logx.String("schedule", rec.ID), logx.Err(err))
		}
	}
}

// StatusAt resolves an event's status from its ranges at the given instant.
// The first range containing the current time-of-day wins.
func StatusAt(ev *Event, now time.Time) Status {
	nowMin := now.Hour()*60 + now.Minute()
	upcoming := false
	for _, r := range ev.Ranges {
		start := minuteOfDay(r.Start)
		end := minuteOfDay(r.End)
		if start < 0 || end < 0 {
			continue
		}
		if nowMin >= start && nowMin < end {
			return StatusOpen
		}
		if nowMin < start {
			upcoming = true
		}
	}
	if upcoming {
		return StatusUpcoming
	}
	return StatusClosed
}

// NextOccurrence returns the start of the event's next occurrence strictly
// after now, scanning up to 14 days of its weekday filter.
func NextOccurrence(ev *Event, now time.Time, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)

	starts := make([]int, 0, len(ev.Ranges)+len(ev.Times))
	for _, r := range ev.Ranges {
		if m := minuteOfDay(r.Start); m >= 0 {
			starts = append(starts, m)
		}
	}
	if len(starts) == 0 {
		for _, t := range ev.Times {
			if m := minuteOfDay(t); m >= 0 {
				starts = append(starts, m)
			}
		}
	}
	if len(starts) == 0 {
		return time.Time{}, false
	}

	for off := 0; off < 14; off++ {
		day := now.AddDate(0, 0, off)
		if !ev.DayMatches(day.Weekday()) {
			continue
		}
		best := -1
		for _, m := range starts {
			at := time.Date(day.Year(), day.Month(), day.Day(), m/60, m%60, 0, 0, loc)
			if !at.After(now) {
				continue
			}
			if best < 0 || m < best {
				best = m
			}
		}
		if best >= 0 {
			return time.Date(day.Year(), day.Month(), day.Day(), best/60, best%60, 0, 0, loc), true
		}
	}
	return time.Time{}, false
}

// dispatchPointTriggers fires the single legacy dispatch for events that have
// Times but no Ranges.
func (s *Service) dispatchPointTriggers(ctx context.Context, ev *Event, now time.Time) {
	nowMin := now.Hour()*60 + now.Minute()
	changed := false
	for _, tstr := range ev.Times {
		m := minuteOfDay(tstr)
		if m < 0 || m != nowMin {
			continue
		}
		key := fmt.Sprintf("fire_%s_%s", ev.ID, tstr)
		if s.alreadyFired(ev, key, now) {
			s.publish("sched.deduped", map[string]string{"event": ev.ID, "key": key})
			continue
		}
		at := time.Date(now.Year(), now.Month(), now.Day(), m/60, m%60, 0, 0, s.loc)
		text, opt := s.render.Announcement(ev, at)
		if _, err := s.gw.SendText(ctx, ev.Channel, text, opt); err != nil {
			s.log.Warn("announcement send failed", logx.String("event", ev.ID), logx.Err(err))
			continue
		}
		s.stampFired(ev, key, now)
		changed = true
		s.publish("sched.fired", map[string]string{"event": ev.ID, "key": key})
	}
	if changed {
		if err := s.store.UpdateEvent(ev); err != nil {
			s.log.Warn("event update failed", logx.String("event", ev.ID), logx.Err(err))
		}
	}
}

func (s *Service) alreadyFired(ev *Event, key string, now time.Time) bool {
	at, ok := ev.FiredKeys[key]
	if !ok {
		return false
	}
	d := now.Sub(at)
	if d < 0 {
		d = -d
	}
	return d < fireGuardWindow
}

func (s *Service) stampFired(ev *Event, key string, now time.Time) {
	if ev.FiredKeys == nil {
		ev.FiredKeys = map[string]time.Time{}
	}
	ev.FiredKeys[key] = now
}
