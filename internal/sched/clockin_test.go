package sched

import (
	"context"
	"errors"
	"testing"
	"time"

	"rosterbot/internal/transport"
)

func rosterEvent() *Event {
	return &Event{
		ID:      "ev1",
		Name:    "raid",
		Channel: transport.ChatTarget{ChatID: 10},
		Ranges:  []TimeRange{{Start: "20:00", End: "22:00"}},
		Enabled: true,
		Roles: []Role{
			{Key: "tank", Label: "Tank", Capacity: 1},
			{Key: "healer", Label: "Healer", Capacity: 2},
			{Key: "dps", Label: "DPS"},
		},
	}
}

// occupiedRoles returns every role key the member currently appears under.
func occupiedRoles(ev *Event, member int64) []string {
	var out []string
	if ev.ClockIn == nil {
		return out
	}
	for key, list := range ev.ClockIn.Positions {
		for _, id := range list {
			if id == member {
				out = append(out, key)
			}
		}
	}
	return out
}

func TestSelectSignUpSwitchAndOff(t *testing.T) {
	t.Parallel()
	svc, store, _, _ := newTestService(t, Config{})
	store.AddEvent(rosterEvent())
	ctx := context.Background()

	notice, err := svc.Select(ctx, "ev1", 1, "alice", "tank")
	if err != nil || notice != "Signed up as Tank." {
		t.Fatalf("notice = %q, err = %v", notice, err)
	}

	// Switching roles moves the member; they never appear in two lists.
	notice, err = svc.Select(ctx, "ev1", 1, "alice", "healer")
	if err != nil || notice != "Signed up as Healer." {
		t.Fatalf("notice = %q, err = %v", notice, err)
	}
	ev, _ := store.GetEvent("ev1")
	if got := occupiedRoles(ev, 1); len(got) != 1 || got[0] != "healer" {
		t.Fatalf("member in roles %v, want only healer", got)
	}
	if _, ok := ev.ClockIn.Positions["tank"]; ok {
		t.Fatal("empty tank list should have been dropped")
	}
	if ev.ClockIn.Members[1] != "alice" {
		t.Fatalf("member name = %q, want alice", ev.ClockIn.Members[1])
	}

	// Re-selecting the held role signs off.
	notice, err = svc.Select(ctx, "ev1", 1, "alice", "healer")
	if err != nil || notice != "Signed off." {
		t.Fatalf("notice = %q, err = %v", notice, err)
	}
	ev, _ = store.GetEvent("ev1")
	if got := occupiedRoles(ev, 1); len(got) != 0 {
		t.Fatalf("member still in roles %v after sign-off", got)
	}
}

func TestSelectNoneIsIdempotent(t *testing.T) {
	t.Parallel()
	svc, store, _, backend := newTestService(t, Config{})
	store.AddEvent(rosterEvent())
	store.Flush(context.Background())
	saves := backend.saveCount()

	notice, err := svc.Select(context.Background(), "ev1", 1, "alice", RoleNone)
	if err != nil || notice != "You are not signed up." {
		t.Fatalf("notice = %q, err = %v", notice, err)
	}
	// No mutation, no persistence.
	store.Flush(context.Background())
	if backend.saveCount() != saves {
		t.Fatalf("saves = %d, want %d (no write for a no-op)", backend.saveCount(), saves)
	}
}

func TestSelectCapacityRejects(t *testing.T) {
	t.Parallel()
	svc, store, _, _ := newTestService(t, Config{})
	store.AddEvent(rosterEvent())
	ctx := context.Background()

	if _, err := svc.Select(ctx, "ev1", 1, "alice", "tank"); err != nil {
		t.Fatalf("first sign-up: %v", err)
	}
	notice, err := svc.Select(ctx, "ev1", 2, "bob", "tank")
	if !errors.Is(err, ErrRoleFull) || notice != "Tank is full." {
		t.Fatalf("notice = %q, err = %v, want role-full rejection", notice, err)
	}
	// Rejection never evicts the holder.
	ev, _ := store.GetEvent("ev1")
	if got := ev.ClockIn.Positions["tank"]; len(got) != 1 || got[0] != 1 {
		t.Fatalf("tank = %v, want [1]", got)
	}
}

func TestSelectUnboundedRole(t *testing.T) {
	t.Parallel()
	svc, store, _, _ := newTestService(t, Config{})
	store.AddEvent(rosterEvent())
	ctx := context.Background()

	for member := int64(1); member <= 3; member++ {
		if _, err := svc.Select(ctx, "ev1", member, "", "dps"); err != nil {
			t.Fatalf("member %d: %v", member, err)
		}
	}
	ev, _ := store.GetEvent("ev1")
	if got := ev.ClockIn.Positions["dps"]; len(got) != 3 {
		t.Fatalf("dps = %v, want 3 members", got)
	}
}

func TestSelectBusyRejects(t *testing.T) {
	t.Parallel()
	svc, store, _, _ := newTestService(t, Config{})
	store.AddEvent(rosterEvent())
	ctx := context.Background()

	if !svc.tryAcquire("ev1") {
		t.Fatal("setup: could not take the event lock")
	}
	notice, err := svc.Select(ctx, "ev1", 1, "alice", "tank")
	if !errors.Is(err, ErrBusy) || notice != "Busy, please retry." {
		t.Fatalf("notice = %q, err = %v, want busy rejection", notice, err)
	}
	svc.release("ev1")

	if _, err := svc.Select(ctx, "ev1", 1, "alice", "tank"); err != nil {
		t.Fatalf("after release: %v", err)
	}
}

func TestSelectUnknownEventAndRole(t *testing.T) {
	t.Parallel()
	svc, store, _, _ := newTestService(t, Config{})
	store.AddEvent(rosterEvent())
	ctx := context.Background()

	if _, err := svc.Select(ctx, "missing", 1, "", "tank"); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("err = %v, want ErrUnknownEvent", err)
	}
	if _, err := svc.Select(ctx, "ev1", 1, "", "bard"); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("err = %v, want ErrUnknownRole", err)
	}
}

func TestSelectRefreshesTrackedViews(t *testing.T) {
	t.Parallel()
	svc, store, gw, _ := newTestService(t, Config{})

	ev := rosterEvent()
	ev.ClockIn = &ClockInState{MessageRefs: []transport.MessageRef{{ChatID: 10, MessageID: 7}}}
	store.AddEvent(ev)

	if _, err := svc.Select(context.Background(), "ev1", 1, "alice", "tank"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if gw.editCount() != 1 {
		t.Fatalf("edits = %d, want 1 roster refresh", gw.editCount())
	}
	if gw.edits[0].ref.MessageID != 7 {
		t.Fatalf("edited message %d, want 7", gw.edits[0].ref.MessageID)
	}
}

func TestAutoNextAppliedWhenOccurrenceOpens(t *testing.T) {
	t.Parallel()
	svc, store, _, _ := newTestService(t, Config{})
	store.AddEvent(rosterEvent())
	ctx := context.Background()

	notice, err := svc.SetAutoNext(ctx, "ev1", 1, "alice", "tank")
	if err != nil || notice != "You will be signed up as Tank next time." {
		t.Fatalf("notice = %q, err = %v", notice, err)
	}

	// Before the occurrence opens nothing happens.
	fixNow(svc, date(2026, time.January, 7, 19, 0))
	svc.Tick(ctx)
	ev, _ := store.GetEvent("ev1")
	if len(ev.ClockIn.Positions["tank"]) != 0 {
		t.Fatal("auto-next applied before open")
	}

	// Open: the request converts into a position and clears.
	fixNow(svc, date(2026, time.January, 7, 20, 30))
	svc.Tick(ctx)
	ev, _ = store.GetEvent("ev1")
	if got := ev.ClockIn.Positions["tank"]; len(got) != 1 || got[0] != 1 {
		t.Fatalf("tank = %v, want [1]", got)
	}
	if len(ev.ClockIn.AutoNext) != 0 {
		t.Fatalf("auto-next = %v, want cleared", ev.ClockIn.AutoNext)
	}
}

func TestAutoNextDroppedWhenRoleFull(t *testing.T) {
	t.Parallel()
	svc, store, _, _ := newTestService(t, Config{})
	store.AddEvent(rosterEvent())
	ctx := context.Background()

	if _, err := svc.Select(ctx, "ev1", 9, "pre", "tank"); err != nil {
		t.Fatalf("setup sign-up: %v", err)
	}
	if _, err := svc.SetAutoNext(ctx, "ev1", 1, "alice", "tank"); err != nil {
		t.Fatalf("SetAutoNext: %v", err)
	}

	fixNow(svc, date(2026, time.January, 7, 20, 30))
	svc.Tick(ctx)
	ev, _ := store.GetEvent("ev1")
	if got := ev.ClockIn.Positions["tank"]; len(got) != 1 || got[0] != 9 {
		t.Fatalf("tank = %v, want holder kept", got)
	}
	if len(ev.ClockIn.AutoNext) != 0 {
		t.Fatalf("auto-next = %v, want cleared even when dropped", ev.ClockIn.AutoNext)
	}
}

func TestAutoNextClear(t *testing.T) {
	t.Parallel()
	svc, store, _, _ := newTestService(t, Config{})
	store.AddEvent(rosterEvent())
	ctx := context.Background()

	if _, err := svc.SetAutoNext(ctx, "ev1", 1, "alice", "tank"); err != nil {
		t.Fatalf("SetAutoNext: %v", err)
	}
	notice, err := svc.SetAutoNext(ctx, "ev1", 1, "alice", RoleNone)
	if err != nil || notice != "Auto sign-up cleared." {
		t.Fatalf("notice = %q, err = %v", notice, err)
	}
	ev, _ := store.GetEvent("ev1")
	if len(ev.ClockIn.AutoNext) != 0 {
		t.Fatalf("auto-next = %v, want empty", ev.ClockIn.AutoNext)
	}
}

func TestSelectDuringTickNeverLosesClaim(t *testing.T) {
	t.Parallel()
	svc, store, gw, _ := newTestService(t, Config{})

	ev := rosterEvent()
	ev.AutoMessages = []AutoMessage{{ID: "am1", OffsetMinutes: 0, Enabled: true, Text: "go"}}
	store.AddEvent(ev)
	ctx := context.Background()

	// A selection lands while the tick is suspended inside the dispatch
	// send. The tick holds the event lock for its whole mutation, so the
	// selection is rejected busy instead of being silently overwritten by
	// the tick's stale copy.
	var notice string
	var selErr error
	gw.setOnSend(func() {
		notice, selErr = svc.Select(ctx, "ev1", 1, "alice", "dps")
	})
	fixNow(svc, date(2026, time.January, 7, 20, 0))
	svc.Tick(ctx)

	if !errors.Is(selErr, ErrBusy) || notice != "Busy, please retry." {
		t.Fatalf("notice = %q, err = %v, want busy rejection during tick", notice, selErr)
	}
	if gw.sendCount() != 1 {
		t.Fatalf("sends = %d, want the auto message dispatched once", gw.sendCount())
	}

	// The retry succeeds, and later tick mutations keep the claim.
	gw.setOnSend(nil)
	if _, err := svc.Select(ctx, "ev1", 1, "alice", "dps"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	fixNow(svc, date(2026, time.January, 7, 20, 1))
	svc.Tick(ctx)

	got, _ := store.GetEvent("ev1")
	if got.ClockIn == nil {
		t.Fatal("role claim lost: clock-in state is nil")
	}
	if list := got.ClockIn.Positions["dps"]; len(list) != 1 || list[0] != 1 {
		t.Fatalf("role claim lost: dps = %v, want [1]", list)
	}
}

func TestPruneClockInRefs(t *testing.T) {
	t.Parallel()
	svc, store, gw, _ := newTestService(t, Config{})

	ev := rosterEvent()
	ci := &ClockInState{}
	for i := 1; i <= 7; i++ {
		ci.MessageRefs = append(ci.MessageRefs, transport.MessageRef{ChatID: 10, MessageID: i})
	}
	ev.ClockIn = ci
	store.AddEvent(ev)

	fixNow(svc, date(2026, time.January, 7, 10, 0))
	svc.Tick(context.Background())

	got, _ := store.GetEvent("ev1")
	if len(got.ClockIn.MessageRefs) != maxTrackedViews {
		t.Fatalf("refs = %d, want %d", len(got.ClockIn.MessageRefs), maxTrackedViews)
	}
	if got.ClockIn.MessageRefs[0].MessageID != 3 {
		t.Fatalf("oldest kept = %d, want 3", got.ClockIn.MessageRefs[0].MessageID)
	}
	if len(gw.deletes) != 2 {
		t.Fatalf("deletes = %d, want 2", len(gw.deletes))
	}
}

func TestReconcileViewsHonorsStepCap(t *testing.T) {
	t.Parallel()
	svc, store, gw, _ := newTestService(t, Config{
		ReconcileStepDelay: time.Millisecond,
		ReconcileMaxSteps:  2,
	})

	for i := 1; i <= 3; i++ {
		ev := rosterEvent()
		ev.ID = ""
		ev.ClockIn = &ClockInState{MessageRefs: []transport.MessageRef{{ChatID: 10, MessageID: i}}}
		store.AddEvent(ev)
	}

	svc.ReconcileViews(context.Background())
	if gw.editCalls != 2 {
		t.Fatalf("edit calls = %d, want cap of 2", gw.editCalls)
	}
}
