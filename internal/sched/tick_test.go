package sched

import (
	"context"
	"errors"
	"testing"
	"time"

	"rosterbot/internal/transport"
)

func TestStatusAt(t *testing.T) {
	t.Parallel()

	ev := &Event{Ranges: []TimeRange{{Start: "22:00", End: "23:59"}}}

	tests := []struct {
		name string
		at   time.Time
		want Status
	}{
		{name: "before start", at: date(2026, time.January, 9, 21, 0), want: StatusUpcoming},
		{name: "at start", at: date(2026, time.January, 9, 22, 0), want: StatusOpen},
		{name: "inside", at: date(2026, time.January, 9, 22, 30), want: StatusOpen},
		{name: "end is exclusive", at: date(2026, time.January, 9, 23, 59), want: StatusClosed},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := StatusAt(ev, tt.at); got != tt.want {
				t.Fatalf("status = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatusAtMultipleRanges(t *testing.T) {
	t.Parallel()

	ev := &Event{Ranges: []TimeRange{
		{Start: "10:00", End: "11:00"},
		{Start: "20:00", End: "21:00"},
	}}

	if got := StatusAt(ev, date(2026, time.January, 9, 10, 30)); got != StatusOpen {
		t.Fatalf("first range: status = %v, want open", got)
	}
	if got := StatusAt(ev, date(2026, time.January, 9, 15, 0)); got != StatusUpcoming {
		t.Fatalf("between ranges: status = %v, want upcoming", got)
	}
	if got := StatusAt(ev, date(2026, time.January, 9, 22, 0)); got != StatusClosed {
		t.Fatalf("after last range: status = %v, want closed", got)
	}
}

func TestNextOccurrence(t *testing.T) {
	t.Parallel()

	// 2026-01-09 is a Friday.
	ev := &Event{
		Ranges: []TimeRange{{Start: "22:00", End: "23:59"}},
		Days:   []time.Weekday{time.Friday},
	}

	t.Run("weekday ahead", func(t *testing.T) {
		t.Parallel()
		got, ok := NextOccurrence(ev, date(2026, time.January, 7, 12, 0), time.UTC)
		if !ok || !got.Equal(date(2026, time.January, 9, 22, 0)) {
			t.Fatalf("next = %v (%v), want Fri 22:00", got, ok)
		}
	})

	t.Run("past start rolls a week", func(t *testing.T) {
		t.Parallel()
		got, ok := NextOccurrence(ev, date(2026, time.January, 9, 23, 0), time.UTC)
		if !ok || !got.Equal(date(2026, time.January, 16, 22, 0)) {
			t.Fatalf("next = %v (%v), want next Fri 22:00", got, ok)
		}
	})

	t.Run("no triggers", func(t *testing.T) {
		t.Parallel()
		if _, ok := NextOccurrence(&Event{}, date(2026, time.January, 9, 12, 0), time.UTC); ok {
			t.Fatal("expected no occurrence")
		}
	})
}

func TestFridayRangeScenario(t *testing.T) {
	t.Parallel()
	svc, store, gw, _ := newTestService(t, Config{})

	store.AddEvent(&Event{
		ID:             "ev1",
		Name:           "raid",
		Channel:        transport.ChatTarget{ChatID: 10},
		Ranges:         []TimeRange{{Start: "22:00", End: "23:59"}},
		Days:           []time.Weekday{time.Friday},
		Enabled:        true,
		Anchor:         transport.MessageRef{ChatID: 10, MessageID: 5},
		AnchorTemplate: "{{status}}",
	})
	ctx := context.Background()

	// Friday 22:30: open.
	fixNow(svc, date(2026, time.January, 9, 22, 30))
	svc.Tick(ctx)
	if gw.editCount() != 1 || gw.edits[0].text != "open" {
		t.Fatalf("edits = %v, want one open edit", gw.edits)
	}

	// Friday 23:59: closed.
	fixNow(svc, date(2026, time.January, 9, 23, 59))
	svc.Tick(ctx)
	if gw.editCount() != 2 || gw.edits[1].text != "closed" {
		t.Fatalf("edits = %v, want closed edit", gw.edits)
	}

	// Saturday inside the same clock range: skipped entirely.
	fixNow(svc, date(2026, time.January, 10, 22, 30))
	svc.Tick(ctx)
	if gw.editCount() != 2 {
		t.Fatalf("edits = %d, want no edit on a non-matching weekday", gw.editCount())
	}
}

func TestTickScheduleLifecycle(t *testing.T) {
	t.Parallel()
	svc, store, gw, _ := newTestService(t, Config{})

	store.AddSchedule(&Schedule{
		ID:         "s1",
		Channel:    transport.ChatTarget{ChatID: 42},
		Payload:    "standup",
		Recurrence: Recurrence{Kind: RecurDaily, TimeOfDay: "10:00"},
		Enabled:    true,
	})
	ctx := context.Background()

	// First tick only assigns the lazy next-run.
	fixNow(svc, date(2026, time.January, 7, 9, 0))
	svc.Tick(ctx)
	if gw.sendCount() != 0 {
		t.Fatalf("sends = %d, want 0 before due", gw.sendCount())
	}
	rec, _ := store.GetSchedule("s1")
	if rec.NextRun == nil || !rec.NextRun.Equal(date(2026, time.January, 7, 10, 0)) {
		t.Fatalf("next = %v, want today 10:00", rec.NextRun)
	}

	// Due: fires once and advances.
	fixNow(svc, date(2026, time.January, 7, 10, 0))
	svc.Tick(ctx)
	if gw.sendCount() != 1 {
		t.Fatalf("sends = %d, want 1", gw.sendCount())
	}
	rec, _ = store.GetSchedule("s1")
	if rec.NextRun == nil || !rec.NextRun.Equal(date(2026, time.January, 8, 10, 0)) {
		t.Fatalf("next = %v, want tomorrow 10:00", rec.NextRun)
	}

	// Same instant again: already advanced, nothing fires.
	svc.Tick(ctx)
	if gw.sendCount() != 1 {
		t.Fatalf("sends = %d, want still 1", gw.sendCount())
	}
}

func TestTickScheduleSendFailureRetries(t *testing.T) {
	t.Parallel()
	svc, store, gw, _ := newTestService(t, Config{})

	next := date(2026, time.January, 7, 10, 0)
	store.AddSchedule(&Schedule{
		ID:         "s1",
		Channel:    transport.ChatTarget{ChatID: 42},
		Payload:    "standup",
		Recurrence: Recurrence{Kind: RecurDaily, TimeOfDay: "10:00"},
		Enabled:    true,
		NextRun:    &next,
	})
	ctx := context.Background()

	gw.setSendErr(errors.New("telegram down"))
	fixNow(svc, next)
	svc.Tick(ctx)
	if gw.sendCount() != 0 {
		t.Fatalf("sends = %d, want 0 on failure", gw.sendCount())
	}
	rec, _ := store.GetSchedule("s1")
	if rec.NextRun == nil || !rec.NextRun.Equal(next) {
		t.Fatalf("next = %v, want unchanged %v", rec.NextRun, next)
	}

	// Next tick retries.
	gw.setSendErr(nil)
	fixNow(svc, next.Add(15*time.Second))
	svc.Tick(ctx)
	if gw.sendCount() != 1 {
		t.Fatalf("sends = %d, want 1 after retry", gw.sendCount())
	}
}

func TestTickScheduleOnceDisablesAfterFire(t *testing.T) {
	t.Parallel()
	svc, store, gw, _ := newTestService(t, Config{})

	next := date(2026, time.January, 7, 10, 0)
	store.AddSchedule(&Schedule{
		ID:         "s1",
		Channel:    transport.ChatTarget{ChatID: 42},
		Payload:    "launch",
		Recurrence: Recurrence{Kind: RecurOnce, Date: "2026-01-07", TimeOfDay: "10:00"},
		Enabled:    true,
		NextRun:    &next,
	})

	fixNow(svc, next)
	svc.Tick(context.Background())
	if gw.sendCount() != 1 {
		t.Fatalf("sends = %d, want 1", gw.sendCount())
	}
	rec, _ := store.GetSchedule("s1")
	if rec.Enabled || rec.NextRun != nil {
		t.Fatalf("schedule = %+v, want disabled one-shot", rec)
	}
}

func TestPointTriggerFiresOncePerWindow(t *testing.T) {
	t.Parallel()
	svc, store, gw, _ := newTestService(t, Config{})

	store.AddEvent(&Event{
		ID:      "ev1",
		Name:    "reset",
		Channel: transport.ChatTarget{ChatID: 10},
		Times:   []string{"12:00"},
		Enabled: true,
	})
	ctx := context.Background()

	fixNow(svc, date(2026, time.January, 7, 12, 0))
	svc.Tick(ctx)
	if gw.sendCount() != 1 {
		t.Fatalf("sends = %d, want 1", gw.sendCount())
	}

	// A second tick in the same minute is absorbed by the fire guard.
	fixNow(svc, date(2026, time.January, 7, 12, 0).Add(30*time.Second))
	svc.Tick(ctx)
	if gw.sendCount() != 1 {
		t.Fatalf("sends = %d, want still 1", gw.sendCount())
	}

	ev, _ := store.GetEvent("ev1")
	if _, ok := ev.FiredKeys["fire_ev1_12:00"]; !ok {
		t.Fatal("fire key not persisted")
	}
}
