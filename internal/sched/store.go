package sched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"rosterbot/internal/storage"
	logx "rosterbot/pkg/logx"
)

const (
	colSchedules = "schedules"
	colEvents    = "events"

	// firedKeyWindow bounds how long fire keys are kept. Anything older can no
	// longer collide with a live guard window and is pruned.
	firedKeyWindow = 24 * time.Hour
)

var (
	ErrUnknownEvent    = errors.New("unknown event")
	ErrUnknownSchedule = errors.New("unknown schedule")
)

// Store holds the authoritative in-memory record set and flushes whole
// collections through a storage.Backend.
//
// Writes are debounced: a mutation marks the collection dirty and arms a
// timer; the flush rewrites the entire collection. A crash inside the
// debounce window loses at most that window of mutations, never corrupts the
// backing store (the backend save is atomic).
type Store struct {
	log      logx.Logger
	backend  storage.Backend
	debounce time.Duration
	nowFn    func() time.Time

	mu        sync.Mutex
	schedules map[string]*Schedule
	events    map[string]*Event

	flushMu    sync.Mutex
	dirty      map[string]bool
	flushTimer *time.Timer
}

func NewStore(backend storage.Backend, debounce time.Duration, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Store{
		log:       log,
		backend:   backend,
		debounce:  debounce,
		nowFn:     time.Now,
		schedules: map[string]*Schedule{},
		events:    map[string]*Event{},
		dirty:     map[string]bool{},
	}
}

// Load reads both collections from the backend, pruning stale fire keys.
func (s *Store) Load(ctx context.Context) error {
	scheds, err := s.backend.Load(ctx, colSchedules)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	events, err := s.backend.Load(ctx, colEvents)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}

	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.schedules = make(map[string]*Schedule, len(scheds))
	for id, raw := range scheds {
		var rec Schedule
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.log.Warn("skipping unreadable schedule", logx.String("id", id), logx.Err(err))
			continue
		}
		s.schedules[rec.ID] = &rec
	}

	s.events = make(map[string]*Event, len(events))
	for id, raw := range events {
		var rec Event
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.log.Warn("skipping unreadable event", logx.String("id", id), logx.Err(err))
			continue
		}
		pruneFiredKeys(&rec, now)
		s.events[rec.ID] = &rec
	}

	s.log.Info("store loaded", logx.Int("schedules", len(s.schedules)), logx.Int("events", len(s.events)))
	return nil
}

// ---- Schedules ----

func (s *Store) Schedules() []*Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Schedule, 0, len(s.schedules))
	for _, rec := range s.schedules {
		out = append(out, cloneSchedule(rec))
	}
	return out
}

func (s *Store) GetSchedule(id string) (*Schedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.schedules[id]
	if !ok {
		return nil, false
	}
	return cloneSchedule(rec), true
}

func (s *Store) AddSchedule(rec *Schedule) *Schedule {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.schedules[rec.ID] = cloneSchedule(rec)
	s.mu.Unlock()
	s.markDirty(colSchedules)
	return rec
}

func (s *Store) UpdateSchedule(rec *Schedule) error {
	s.mu.Lock()
	if _, ok := s.schedules[rec.ID]; !ok {
		s.mu.Unlock()
		return ErrUnknownSchedule
	}
	s.schedules[rec.ID] = cloneSchedule(rec)
	s.mu.Unlock()
	s.markDirty(colSchedules)
	return nil
}

func (s *Store) RemoveSchedule(id string) error {
	s.mu.Lock()
	if _, ok := s.schedules[id]; !ok {
		s.mu.Unlock()
		return ErrUnknownSchedule
	}
	delete(s.schedules, id)
	s.mu.Unlock()
	s.markDirty(colSchedules)
	return nil
}

// ---- Events ----

func (s *Store) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, 0, len(s.events))
	for _, rec := range s.events {
		out = append(out, cloneEvent(rec))
	}
	return out
}

func (s *Store) GetEvent(id string) (*Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.events[id]
	if !ok {
		return nil, false
	}
	return cloneEvent(rec), true
}

func (s *Store) AddEvent(rec *Event) *Event {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	for i := range rec.AutoMessages {
		if rec.AutoMessages[i].ID == "" {
			rec.AutoMessages[i].ID = uuid.NewString()
		}
	}
	s.mu.Lock()
	s.events[rec.ID] = cloneEvent(rec)
	s.mu.Unlock()
	s.markDirty(colEvents)
	return rec
}

// UpdateEvent replaces the whole record (merge-and-persist).
func (s *Store) UpdateEvent(rec *Event) error {
	s.mu.Lock()
	if _, ok := s.events[rec.ID]; !ok {
		s.mu.Unlock()
		return ErrUnknownEvent
	}
	s.events[rec.ID] = cloneEvent(rec)
	s.mu.Unlock()
	s.markDirty(colEvents)
	return nil
}

func (s *Store) RemoveEvent(id string) error {
	s.mu.Lock()
	if _, ok := s.events[id]; !ok {
		s.mu.Unlock()
		return ErrUnknownEvent
	}
	delete(s.events, id)
	s.mu.Unlock()
	s.markDirty(colEvents)
	return nil
}

// ---- Flush ----

func (s *Store) markDirty(collection string) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.dirty[collection] = true
	if s.flushTimer == nil {
		s.flushTimer = time.AfterFunc(s.debounce, func() {
			s.flush(context.Background())
		})
	}
}

// Flush forces pending writes out immediately.
func (s *Store) Flush(ctx context.Context) {
	s.flushMu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	s.flushMu.Unlock()
	s.flush(ctx)
}

func (s *Store) flush(ctx context.Context) {
	s.flushMu.Lock()
	pending := s.dirty
	s.dirty = map[string]bool{}
	s.flushTimer = nil
	s.flushMu.Unlock()

	for collection := range pending {
		docs, err := s.snapshot(collection)
		if err != nil {
			s.log.Error("flush snapshot failed", logx.String("collection", collection), logx.Err(err))
			continue
		}
		if err := s.backend.Save(ctx, collection, docs); err != nil {
			// In-memory state stays authoritative; the next mutation re-arms
			// the flush and retries.
			s.log.Error("flush failed", logx.String("collection", collection), logx.Err(err))
			s.markDirty(collection)
		}
	}
}

func (s *Store) snapshot(collection string) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := map[string]json.RawMessage{}
	switch collection {
	case colSchedules:
		for id, rec := range s.schedules {
			b, err := json.Marshal(rec)
			if err != nil {
				return nil, err
			}
			docs[id] = b
		}
	case colEvents:
		for id, rec := range s.events {
			b, err := json.Marshal(rec)
			if err != nil {
				return nil, err
			}
			docs[id] = b
		}
	default:
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	return docs, nil
}

// PruneFiredKeys drops stale fire keys across all events. Called by the tick
// loop on its own cadence.
func (s *Store) PruneFiredKeys(now time.Time) {
	changed := false
	s.mu.Lock()
	for _, rec := range s.events {
		if pruneFiredKeys(rec, now) {
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.markDirty(colEvents)
	}
}

func pruneFiredKeys(e *Event, now time.Time) bool {
	changed := false
	for k, at := range e.FiredKeys {
		if now.Sub(at) > firedKeyWindow {
			delete(e.FiredKeys, k)
			changed = true
		}
	}
	return changed
}

// Clones go through JSON so callers can never alias the authoritative maps.

func cloneSchedule(rec *Schedule) *Schedule {
	b, _ := json.Marshal(rec)
	var cp Schedule
	_ = json.Unmarshal(b, &cp)
	return &cp
}

func cloneEvent(rec *Event) *Event {
	b, _ := json.Marshal(rec)
	var cp Event
	_ = json.Unmarshal(b, &cp)
	return &cp
}
