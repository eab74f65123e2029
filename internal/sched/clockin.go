package sched

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "rosterbot/pkg/logx"
)

var (
	// ErrBusy means another selection for the same event is in flight.
	ErrBusy = errors.New("clock-in busy")
	// ErrRoleFull means the target position is at capacity.
	ErrRoleFull = errors.New("role full")
	// ErrUnknownRole means the selection value matches no position key.
	ErrUnknownRole = errors.New("unknown role")
)

// maxTrackedViews bounds the clock-in message history per event.
const maxTrackedViews = 5

// Select applies one member selection to an event's roster and returns the
// member-facing notice.
//
// State machine: choosing the currently-held role or the "none" sentinel
// collapses to unregistered (idempotent); choosing a new role removes the
// member from every other position first, then inserts only if capacity
// allows. A selection spans several I/O suspension points, so the whole
// mutation runs under the per-event lock; a concurrent selection for the same
// event is rejected with ErrBusy instead of interleaved.
func (s *Service) Select(ctx context.Context, eventID string, member int64, memberName, roleKey string) (string, error) {
	if !s.tryAcquire(eventID) {
		return "Busy, please retry.", ErrBusy
	}
	defer s.release(eventID)

	ev, ok := s.store.GetEvent(eventID)
	if !ok {
		return "", ErrUnknownEvent
	}
	ci := ev.clockIn()
	current, registered := ci.PositionOf(member)

	// Unregister path: "none", or re-selecting the held role.
	if roleKey == RoleNone || (registered && current == roleKey) {
		if !registered {
			// Idempotent: no mutation, stable confirmation.
			return "You are not signed up.", nil
		}
		removeFromPositions(ci, member)
		if memberName != "" {
			ci.Members[member] = memberName
		}
		if err := s.store.UpdateEvent(ev); err != nil {
			return "", err
		}
		s.refreshViews(ctx, ev)
		s.publish("clockin.changed", map[string]string{"event": ev.ID})
		return "Signed off.", nil
	}

	role, ok := ev.RoleByKey(roleKey)
	if !ok {
		return "", ErrUnknownRole
	}
	// Capacity is enforced on insertion by rejection; the member is not in
	// this list (re-selecting the held role was handled above).
	if role.Capacity > 0 && len(ci.Positions[roleKey]) >= role.Capacity {
		return fmt.Sprintf("%s is full.", role.Label), ErrRoleFull
	}

	removeFromPositions(ci, member)
	ci.Positions[roleKey] = append(ci.Positions[roleKey], member)
	if memberName != "" {
		ci.Members[member] = memberName
	}
	if err := s.store.UpdateEvent(ev); err != nil {
		return "", err
	}
	s.refreshViews(ctx, ev)
	s.publish("clockin.changed", map[string]string{"event": ev.ID, "role": roleKey})
	return fmt.Sprintf("Signed up as %s.", role.Label), nil
}

// SetAutoNext records a role request for the event's next occurrence without
// touching current-occurrence state. "none" clears the request.
func (s *Service) SetAutoNext(ctx context.Context, eventID string, member int64, memberName, roleKey string) (string, error) {
	if !s.tryAcquire(eventID) {
		return "Busy, please retry.", ErrBusy
	}
	defer s.release(eventID)

	ev, ok := s.store.GetEvent(eventID)
	if !ok {
		return "", ErrUnknownEvent
	}
	ci := ev.clockIn()

	if roleKey == RoleNone {
		delete(ci.AutoNext, member)
		if err := s.store.UpdateEvent(ev); err != nil {
			return "", err
		}
		return "Auto sign-up cleared.", nil
	}

	role, ok := ev.RoleByKey(roleKey)
	if !ok {
		return "", ErrUnknownRole
	}
	ci.AutoNext[member] = roleKey
	if memberName != "" {
		ci.Members[member] = memberName
	}
	if err := s.store.UpdateEvent(ev); err != nil {
		return "", err
	}
	return fmt.Sprintf("You will be signed up as %s next time.", role.Label), nil
}

// applyAutoNext converts pending next-occurrence requests into positions when
// an occurrence opens. Guarded by a per-day fire key so it runs once per
// occurrence; capacity still rejects, in which case the request is dropped.
// The caller holds the per-event lock.
func (s *Service) applyAutoNext(ctx context.Context, ev *Event, now time.Time) {
	ci := ev.ClockIn
	if ci == nil || len(ci.AutoNext) == 0 {
		return
	}
	key := "autonext_" + ev.ID + "_" + now.Format("2006-01-02")
	if _, done := ev.FiredKeys[key]; done {
		return
	}

	cc := ev.clockIn()
	for member, roleKey := range cc.AutoNext {
		role, ok := ev.RoleByKey(roleKey)
		if !ok {
			continue
		}
		if role.Capacity > 0 && len(cc.Positions[roleKey]) >= role.Capacity {
			s.log.Debug("auto-next dropped: role full",
				logx.String("event", ev.ID),
				logx.String("role", roleKey),
				logx.Int64("member", member),
			)
			continue
		}
		removeFromPositions(cc, member)
		cc.Positions[roleKey] = append(cc.Positions[roleKey], member)
	}
	cc.AutoNext = map[int64]string{}
	s.stampFired(ev, key, now)
	if err := s.store.UpdateEvent(ev); err != nil {
		s.log.Warn("event update failed", logx.String("event", ev.ID), logx.Err(err))
		return
	}
	s.refreshViews(ctx, ev)
}

// refreshViews re-renders every tracked live view of the event and edits it
// in place. Each edit is independently catch-and-log; one stale reference
// failing never blocks the member-facing confirmation.
func (s *Service) refreshViews(ctx context.Context, ev *Event) {
	ci := ev.ClockIn
	if ci == nil || len(ci.MessageRefs) == 0 {
		return
	}
	text, opt := s.render.ClockInView(ev)
	for _, ref := range ci.MessageRefs {
		if err := s.gw.EditText(ctx, ref, text, opt); err != nil {
			s.log.Debug("clock-in view edit failed",
				logx.String("event", ev.ID),
				logx.Int("message", ref.MessageID),
				logx.Err(err),
			)
			s.publish("sched.edit_failed", map[string]string{"event": ev.ID})
		}
	}
}

// pruneClockInRefs trims the tracked view history to its bound, deleting the
// oldest messages best-effort.
func (s *Service) pruneClockInRefs(ctx context.Context, ev *Event) {
	ci := ev.ClockIn
	if ci == nil || len(ci.MessageRefs) <= maxTrackedViews {
		return
	}
	stale := ci.MessageRefs[:len(ci.MessageRefs)-maxTrackedViews]
	ci.MessageRefs = append(ci.MessageRefs[:0:0], ci.MessageRefs[len(ci.MessageRefs)-maxTrackedViews:]...)
	for _, ref := range stale {
		if err := s.gw.DeleteMessage(ctx, ref); err != nil {
			s.log.Debug("stale clock-in view delete failed", logx.Int("message", ref.MessageID), logx.Err(err))
		}
	}
	if err := s.store.UpdateEvent(ev); err != nil {
		s.log.Warn("event update failed", logx.String("event", ev.ID), logx.Err(err))
	}
}

// ReconcileViews re-renders tracked clock-in views once at startup, throttled
// by an inter-step delay and a hard cap on total edits per run.
func (s *Service) ReconcileViews(ctx context.Context) {
	steps := 0
	for _, ev := range s.store.Events() {
		ci := ev.ClockIn
		if ci == nil || len(ci.MessageRefs) == 0 {
			continue
		}
		text, opt := s.render.ClockInView(ev)
		for _, ref := range ci.MessageRefs {
			if steps >= s.cfg.ReconcileMaxSteps {
				s.log.Info("reconcile cap reached", logx.Int("steps", steps))
				return
			}
			if err := s.gw.EditText(ctx, ref, text, opt); err != nil {
				s.log.Debug("reconcile edit failed", logx.Int("message", ref.MessageID), logx.Err(err))
			}
			steps++
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.ReconcileStepDelay):
			}
		}
	}
	if steps > 0 {
		s.log.Info("clock-in views reconciled", logx.Int("steps", steps))
	}
}

func removeFromPositions(ci *ClockInState, member int64) {
	for key, list := range ci.Positions {
		out := list[:0]
		for _, id := range list {
			if id != member {
				out = append(out, id)
			}
		}
		if len(out) == 0 {
			delete(ci.Positions, key)
		} else {
			ci.Positions[key] = out
		}
	}
}

func (s *Service) tryAcquire(eventID string) bool {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	if _, held := s.busy[eventID]; held {
		return false
	}
	s.busy[eventID] = struct{}{}
	return true
}

func (s *Service) release(eventID string) {
	s.busyMu.Lock()
	delete(s.busy, eventID)
	s.busyMu.Unlock()
}
