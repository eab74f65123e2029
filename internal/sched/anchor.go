package sched

import (
	"context"
	"time"

	logx "rosterbot/pkg/logx"
)

const anchorTimeFormat = "Mon 02 Jan 15:04"

// renderAnchor substitutes the named placeholders in the stored template.
// It is deterministic in (template, status, next), which is what lets the
// synchronizer skip edits when nothing changed.
func renderAnchor(ev *Event, st Status, next time.Time, hasNext bool) string {
	nextStr := "—"
	if hasNext {
		nextStr = next.Format(anchorTimeFormat)
	}
	return SubstitutePlaceholders(ev.AnchorTemplate, map[string]string{
		"name":   ev.Name,
		"status": st.String(),
		"next":   nextStr,
	})
}

// syncAnchor recomputes the anchor content and edits the live message only
// when it differs byte-for-byte from what is currently rendered. The cache is
// seeded from the persisted record so a restart does not cost an extra edit.
func (s *Service) syncAnchor(ctx context.Context, ev *Event, st Status, now time.Time) {
	if ev.Anchor.IsZero() || ev.AnchorTemplate == "" {
		return
	}

	next, hasNext := NextOccurrence(ev, now, s.loc)
	content := renderAnchor(ev, st, next, hasNext)

	s.anchorMu.Lock()
	cached, ok := s.anchorCache[ev.ID]
	s.anchorMu.Unlock()
	if !ok {
		cached = ev.LastRendered
	}
	if content == cached {
		return
	}

	if err := s.gw.EditText(ctx, ev.Anchor, content, nil); err != nil {
		// Leave the cache alone so the next tick retries the edit.
		s.log.Warn("anchor edit failed", logx.String("event", ev.ID), logx.Err(err))
		s.publish("sched.edit_failed", map[string]string{"event": ev.ID})
		return
	}

	s.anchorMu.Lock()
	s.anchorCache[ev.ID] = content
	s.anchorMu.Unlock()

	ev.LastRendered = content
	if err := s.store.UpdateEvent(ev); err != nil {
		s.log.Warn("event update failed", logx.String("event", ev.ID), logx.Err(err))
	}
}
