// Package render holds the default text renderer for the scheduler. All
// functions are pure: identical records render to identical payloads, which
// the scheduler relies on to keep re-edits idempotent.
package render

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"rosterbot/internal/sched"
	"rosterbot/internal/transport"
	"rosterbot/pkg/tgui"
)

const timeFormat = "Mon 02 Jan 15:04"

type Text struct{}

func New() Text { return Text{} }

var _ sched.Renderer = Text{}

func htmlOpts(keyboard [][]transport.Button) *transport.SendOptions {
	return &transport.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
		Keyboard:       keyboard,
	}
}

// ClockInView renders the roster plus the single-choice selection keyboard.
// Keyboard values map 1:1 to position keys, plus the "none" sentinel.
func (Text) ClockInView(ev *sched.Event) (string, *transport.SendOptions) {
	var b strings.Builder
	b.WriteString(tgui.B(ev.Name).String())
	b.WriteString("\n")

	ci := ev.ClockIn
	rows := make([][]transport.Button, 0, len(ev.Roles)+1)
	for _, role := range ev.Roles {
		var members []int64
		if ci != nil {
			members = ci.Positions[role.Key]
		}
		capLabel := "∞"
		if role.Capacity > 0 {
			capLabel = strconv.Itoa(role.Capacity)
		}
		b.WriteString(fmt.Sprintf("\n%s (%d/%s)", tgui.B(role.Label), len(members), capLabel))
		for _, id := range members {
			name := memberName(ci, id)
			b.WriteString("\n  • " + tgui.Mention(name, id).String())
		}

		rows = append(rows, []transport.Button{{
			Label: fmt.Sprintf("%s (%d/%s)", role.Label, len(members), capLabel),
			Data:  tgui.Data("ci", "sel", ev.ID+":"+role.Key),
		}})
	}
	rows = append(rows, []transport.Button{{
		Label: "Sign off",
		Data:  tgui.Data("ci", "sel", ev.ID+":"+sched.RoleNone),
	}})

	return b.String(), htmlOpts(rows)
}

// AutoMessage substitutes the event placeholders into the message template
// and appends structured fields and mentions.
func (Text) AutoMessage(ev *sched.Event, am sched.AutoMessage, start, end time.Time) (string, *transport.SendOptions) {
	vars := map[string]string{
		"name":  ev.Name,
		"start": start.Format(timeFormat),
	}
	if !end.IsZero() {
		vars["end"] = end.Format(timeFormat)
	}
	text := sched.SubstitutePlaceholders(am.Text, vars)

	var b strings.Builder
	if text != "" {
		b.WriteString(tgui.Esc(text).String())
	}

	// Fields render sorted by key so the payload stays deterministic.
	if len(am.Fields) > 0 {
		keys := make([]string, 0, len(am.Fields))
		for k := range am.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(tgui.B(k).String())
			b.WriteString(": ")
			b.WriteString(tgui.Esc(sched.SubstitutePlaceholders(am.Fields[k], vars)).String())
		}
	}

	if len(am.Mentions) > 0 {
		parts := make([]tgui.H, 0, len(am.Mentions))
		for _, id := range am.Mentions {
			parts = append(parts, tgui.Mention(strconv.FormatInt(id, 10), id))
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(tgui.JoinH(" ", parts...).String())
	}

	return b.String(), htmlOpts(nil)
}

// Announcement is the legacy point-trigger dispatch.
func (Text) Announcement(ev *sched.Event, at time.Time) (string, *transport.SendOptions) {
	return fmt.Sprintf("%s — %s", tgui.B(ev.Name), at.Format(timeFormat)), htmlOpts(nil)
}

// ScheduleMessage renders a standalone schedule fire: the stored payload,
// verbatim.
func (Text) ScheduleMessage(s *sched.Schedule) (string, *transport.SendOptions) {
	return tgui.Esc(s.Payload).String(), htmlOpts(nil)
}

func memberName(ci *sched.ClockInState, id int64) string {
	if ci != nil {
		if name, ok := ci.Members[id]; ok && name != "" {
			return name
		}
	}
	return strconv.FormatInt(id, 10)
}
