package sched

import (
	"context"
	"fmt"
	"time"

	logx "rosterbot/pkg/logx"
)

// timeEntry is one occurrence trigger: a range start (with end) or a legacy
// point time (end < 0).
type timeEntry struct {
	startStr string
	startMin int
	endMin   int
}

func timeEntries(ev *Event) []timeEntry {
	out := make([]timeEntry, 0, len(ev.Ranges)+len(ev.Times))
	if len(ev.Ranges) > 0 {
		for _, r := range ev.Ranges {
			start := minuteOfDay(r.Start)
			end := minuteOfDay(r.End)
			if start < 0 {
				continue
			}
			out = append(out, timeEntry{startStr: r.Start, startMin: start, endMin: end})
		}
		return out
	}
	for _, t := range ev.Times {
		if m := minuteOfDay(t); m >= 0 {
			out = append(out, timeEntry{startStr: t, startMin: m, endMin: -1})
		}
	}
	return out
}

// dispatchAutoMessages fires every enabled sub-message whose target minute
// (start − offset) equals the current minute-of-day, guarded by a persisted
// fire key so tick jitter and restarts within the window cannot double-fire.
func (s *Service) dispatchAutoMessages(ctx context.Context, ev *Event, now time.Time) {
	if len(ev.AutoMessages) == 0 {
		return
	}
	nowMin := now.Hour()*60 + now.Minute()
	changed := false

	for i := range ev.AutoMessages {
		am := ev.AutoMessages[i]
		if !am.Enabled {
			continue
		}
		for _, entry := range timeEntries(ev) {
			target := entry.startMin - am.OffsetMinutes
			if target < 0 {
				// Would land on the previous day; skip this occurrence rather
				// than firing early.
				continue
			}
			if target != nowMin {
				continue
			}
			key := fmt.Sprintf("fire_%s_%s", am.ID, entry.startStr)
			if s.alreadyFired(ev, key, now) {
				s.publish("sched.deduped", map[string]string{"event": ev.ID, "key": key})
				continue
			}
			if s.fireAutoMessage(ctx, ev, am, entry, now) {
				s.stampFired(ev, key, now)
				changed = true
				s.publish("sched.fired", map[string]string{"event": ev.ID, "key": key})
			}
		}
	}

	if changed {
		if err := s.store.UpdateEvent(ev); err != nil {
			s.log.Warn("event update failed", logx.String("event", ev.ID), logx.Err(err))
		}
	}
}

func (s *Service) fireAutoMessage(ctx context.Context, ev *Event, am AutoMessage, entry timeEntry, now time.Time) bool {
	start := time.Date(now.Year(), now.Month(), now.Day(), entry.startMin/60, entry.startMin%60, 0, 0, s.loc)
	var end time.Time
	if entry.endMin >= 0 {
		end = time.Date(now.Year(), now.Month(), now.Day(), entry.endMin/60, entry.endMin%60, 0, 0, s.loc)
	}

	if am.ClockIn {
		return s.postClockInView(ctx, ev, now)
	}

	to := ev.Channel
	if am.Channel != nil {
		to = *am.Channel
	}
	text, opt := s.render.AutoMessage(ev, am, start, end)
	ref, err := s.gw.SendText(ctx, to, text, opt)
	if err != nil {
		s.log.Warn("auto message send failed",
			logx.String("event", ev.ID),
			logx.String("auto_message", am.ID),
			logx.Err(err),
		)
		return false
	}

	if am.DeleteAfterMs > 0 {
		gw := s.gw
		log := s.log
		time.AfterFunc(time.Duration(am.DeleteAfterMs)*time.Millisecond, func() {
			if err := gw.DeleteMessage(context.Background(), ref); err != nil {
				log.Debug("auto message delete failed", logx.Err(err))
			}
		})
	}
	return true
}

// postClockInView sends a fresh clock-in rendering and tracks it for live
// updates. The tracked history is bounded; pruning happens on the tick.
func (s *Service) postClockInView(ctx context.Context, ev *Event, now time.Time) bool {
	text, opt := s.render.ClockInView(ev)
	ref, err := s.gw.SendText(ctx, ev.Channel, text, opt)
	if err != nil {
		s.log.Warn("clock-in view send failed", logx.String("event", ev.ID), logx.Err(err))
		return false
	}
	ci := ev.clockIn()
	ci.MessageRefs = append(ci.MessageRefs, ref)
	at := now
	ci.LastSentAt = &at
	return true
}
