package sched

import (
	"context"
	"strings"
	"time"

	"rosterbot/internal/transport"
)

// Gateway is the slice of the message I/O boundary the scheduler uses.
// *telegram.Adapter satisfies it; tests use a fake.
type Gateway interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error
	DeleteMessage(ctx context.Context, ref transport.MessageRef) error
}

// Renderer turns records into message payloads. Implementations must be pure:
// identical inputs always produce identical output, which is what makes the
// anchor and roster re-edits idempotent.
type Renderer interface {
	// ClockInView renders the roster + selection keyboard for an event.
	ClockInView(ev *Event) (string, *transport.SendOptions)

	// AutoMessage renders one auxiliary notification. start/end describe the
	// occurrence the message belongs to (end may be zero for point triggers).
	AutoMessage(ev *Event, am AutoMessage, start, end time.Time) (string, *transport.SendOptions)

	// Announcement renders the legacy point-trigger dispatch.
	Announcement(ev *Event, at time.Time) (string, *transport.SendOptions)

	// ScheduleMessage renders a standalone schedule fire.
	ScheduleMessage(s *Schedule) (string, *transport.SendOptions)
}

// SubstitutePlaceholders replaces {{key}} tokens by name. Unknown tokens are
// left in place; substitution runs over the stored template, never over
// previously rendered output.
func SubstitutePlaceholders(template string, vars map[string]string) string {
	out := template
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}
