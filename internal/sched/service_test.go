package sched

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"rosterbot/internal/transport"
	logx "rosterbot/pkg/logx"
)

// memBackend is an in-memory storage.Backend for tests.
type memBackend struct {
	mu    sync.Mutex
	data  map[string]map[string]json.RawMessage
	saves int
}

func newMemBackend() *memBackend {
	return &memBackend{data: map[string]map[string]json.RawMessage{}}
}

func (b *memBackend) Load(_ context.Context, collection string) (map[string]json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := map[string]json.RawMessage{}
	for k, v := range b.data[collection] {
		out[k] = v
	}
	return out, nil
}

func (b *memBackend) Save(_ context.Context, collection string, docs map[string]json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := map[string]json.RawMessage{}
	for k, v := range docs {
		cp[k] = v
	}
	b.data[collection] = cp
	b.saves++
	return nil
}

func (b *memBackend) Close() error { return nil }

func (b *memBackend) saveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves
}

type sentMessage struct {
	to   transport.ChatTarget
	text string
	opt  *transport.SendOptions
}

type editedMessage struct {
	ref  transport.MessageRef
	text string
}

// fakeGateway records sends/edits/deletes and supports error injection.
// onSend, when set, runs at the start of SendText so tests can interleave
// work with an in-flight dispatch.
type fakeGateway struct {
	mu      sync.Mutex
	sendErr error
	editErr error
	onSend  func()

	nextID    int
	sends     []sentMessage
	edits     []editedMessage
	editCalls int
	deletes   []transport.MessageRef
}

func (g *fakeGateway) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	g.mu.Lock()
	hook := g.onSend
	g.mu.Unlock()
	if hook != nil {
		hook()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return transport.MessageRef{}, g.sendErr
	}
	g.nextID++
	g.sends = append(g.sends, sentMessage{to: to, text: text, opt: opt})
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: g.nextID}, nil
}

func (g *fakeGateway) EditText(_ context.Context, ref transport.MessageRef, text string, _ *transport.SendOptions) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.editCalls++
	if g.editErr != nil {
		return g.editErr
	}
	g.edits = append(g.edits, editedMessage{ref: ref, text: text})
	return nil
}

func (g *fakeGateway) DeleteMessage(_ context.Context, ref transport.MessageRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deletes = append(g.deletes, ref)
	return nil
}

func (g *fakeGateway) sendCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sends)
}

func (g *fakeGateway) editCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.edits)
}

func (g *fakeGateway) setSendErr(err error) {
	g.mu.Lock()
	g.sendErr = err
	g.mu.Unlock()
}

func (g *fakeGateway) setEditErr(err error) {
	g.mu.Lock()
	g.editErr = err
	g.mu.Unlock()
}

func (g *fakeGateway) setOnSend(fn func()) {
	g.mu.Lock()
	g.onSend = fn
	g.mu.Unlock()
}

// fakeRenderer produces small deterministic payloads.
type fakeRenderer struct{}

func (fakeRenderer) ClockInView(ev *Event) (string, *transport.SendOptions) {
	return "view " + ev.Name, nil
}

func (fakeRenderer) AutoMessage(_ *Event, am AutoMessage, start, _ time.Time) (string, *transport.SendOptions) {
	return "auto " + am.ID + " " + start.Format("15:04"), nil
}

func (fakeRenderer) Announcement(ev *Event, at time.Time) (string, *transport.SendOptions) {
	return "ann " + ev.Name + " " + at.Format("15:04"), nil
}

func (fakeRenderer) ScheduleMessage(s *Schedule) (string, *transport.SendOptions) {
	return "sched " + s.Payload, nil
}

func newTestService(t *testing.T, cfg Config) (*Service, *Store, *fakeGateway, *memBackend) {
	t.Helper()
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	backend := newMemBackend()
	store := NewStore(backend, time.Hour, logx.Logger{})
	gw := &fakeGateway{}
	svc, err := New(cfg, store, gw, fakeRenderer{}, nil, logx.Logger{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, store, gw, backend
}

func date(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func fixNow(svc *Service, at time.Time) {
	svc.SetNow(func() time.Time { return at })
}

func TestTickSkipsDisabledEvents(t *testing.T) {
	t.Parallel()
	svc, store, gw, _ := newTestService(t, Config{})

	store.AddEvent(&Event{
		ID:      "ev1",
		Name:    "raid",
		Channel: transport.ChatTarget{ChatID: 10},
		Times:   []string{"12:00"},
		Enabled: false,
	})

	fixNow(svc, date(2026, time.January, 7, 12, 0))
	svc.Tick(context.Background())

	if gw.sendCount() != 0 {
		t.Fatalf("sends = %d, want 0", gw.sendCount())
	}
}

func TestTickSkipsNonMatchingWeekday(t *testing.T) {
	t.Parallel()
	svc, store, gw, _ := newTestService(t, Config{})

	store.AddEvent(&Event{
		ID:      "ev1",
		Name:    "raid",
		Channel: transport.ChatTarget{ChatID: 10},
		Times:   []string{"12:00"},
		Days:    []time.Weekday{time.Friday},
		Enabled: true,
	})

	// 2026-01-07 is a Wednesday.
	fixNow(svc, date(2026, time.January, 7, 12, 0))
	svc.Tick(context.Background())

	if gw.sendCount() != 0 {
		t.Fatalf("sends = %d, want 0", gw.sendCount())
	}
}
