package sched

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"rosterbot/internal/eventbus"
	logx "rosterbot/pkg/logx"
)

// Config controls the scheduler service.
type Config struct {
	// Timezone is the IANA zone for all time-of-day math ("" = host local).
	Timezone string

	// TickInterval between scans (default 15s).
	TickInterval time.Duration

	// Lookahead is the window ahead of now within which a schedule's next-run
	// counts as due (default 5s).
	Lookahead time.Duration

	// ReconcileStepDelay and ReconcileMaxSteps throttle the startup pass over
	// tracked clock-in messages.
	ReconcileStepDelay time.Duration
	ReconcileMaxSteps  int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 15 * time.Second
	}
	if c.Lookahead <= 0 {
		c.Lookahead = 5 * time.Second
	}
	if c.ReconcileStepDelay <= 0 {
		c.ReconcileStepDelay = 250 * time.Millisecond
	}
	if c.ReconcileMaxSteps <= 0 {
		c.ReconcileMaxSteps = 50
	}
	return c
}

// Service owns the tick loop and the clock-in mutations. All formerly-global
// state (the busy set, anchor cache) lives here so independent instances can
// run under test.
type Service struct {
	cfg    Config
	log    logx.Logger
	store  *Store
	gw     Gateway
	render Renderer
	bus    eventbus.Bus

	loc   *time.Location
	nowFn func() time.Time

	// busy is the per-event clock-in lock: a selection handler spans several
	// I/O suspension points, and a second selection for the same event must
	// not interleave with it.
	busyMu sync.Mutex
	busy   map[string]struct{}

	// anchorCache maps event id to the last anchor content this process
	// rendered; seeded from the persisted record on first touch.
	anchorMu    sync.Mutex
	anchorCache map[string]string

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func New(cfg Config, store *Store, gw Gateway, render Renderer, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, err
		}
		loc = l
	}
	return &Service{
		cfg:         cfg,
		log:         log,
		store:       store,
		gw:          gw,
		render:      render,
		bus:         bus,
		loc:         loc,
		nowFn:       time.Now,
		busy:        map[string]struct{}{},
		anchorCache: map[string]string{},
	}, nil
}

// Start launches the tick loop. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.runCancel != nil {
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel

	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		s.run(rctx)
	}()
	s.log.Info("scheduler started",
		logx.Duration("tick", s.cfg.TickInterval),
		logx.String("tz", s.loc.String()),
	)
}

// Stop halts the loop and flushes pending writes. A tick in flight runs to
// completion; there is no mid-tick cancellation.
func (s *Service) Stop(ctx context.Context) {
	s.runMu.Lock()
	cancel := s.runCancel
	s.runCancel = nil
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.store.Flush(context.Background())
	s.log.Info("scheduler stopped")
}

func (s *Service) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safeTick(ctx)
		}
	}
}

func (s *Service) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in tick", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	s.Tick(ctx)
}

// Tick runs one scan over all schedules and events. Exported so tests can
// drive the loop with a fixed clock.
func (s *Service) Tick(ctx context.Context) {
	now := s.nowFn().In(s.loc)

	s.tickSchedules(ctx, now)

	for _, ev := range s.store.Events() {
		s.processEvent(ctx, ev, now)
	}

	s.store.PruneFiredKeys(now)
}

// processEvent isolates each event in its own failure boundary so one
// malformed record cannot halt processing of the rest.
func (s *Service) processEvent(ctx context.Context, ev *Event, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic processing event",
				logx.String("event", ev.ID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()

	if !ev.Enabled || !ev.DayMatches(now.Weekday()) {
		return
	}

	// Tick mutations rewrite the whole record, so they take the same
	// per-event lock the selection handler uses; without it a selection that
	// commits while the tick is suspended on I/O would be overwritten by the
	// tick's stale copy. Busy means a selection is in flight; the next tick
	// retries.
	if !s.tryAcquire(ev.ID) {
		return
	}
	defer s.release(ev.ID)

	// The iteration snapshot may predate the last committed selection;
	// re-read under the lock.
	fresh, ok := s.store.GetEvent(ev.ID)
	if !ok {
		return
	}
	ev = fresh

	if len(ev.Ranges) > 0 {
		st := StatusAt(ev, now)
		s.syncAnchor(ctx, ev, st, now)
		s.dispatchAutoMessages(ctx, ev, now)
		if st == StatusOpen {
			s.applyAutoNext(ctx, ev, now)
		}
		s.pruneClockInRefs(ctx, ev)
		return
	}

	// Legacy point triggers.
	s.dispatchPointTriggers(ctx, ev, now)
	s.dispatchAutoMessages(ctx, ev, now)
	s.pruneClockInRefs(ctx, ev)
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.nowFn(), Data: data})
}

// SetNow overrides the service clock. Test hook.
func (s *Service) SetNow(fn func() time.Time) { s.nowFn = fn }

// Location returns the zone the scheduler computes time-of-day in.
func (s *Service) Location() *time.Location { return s.loc }

// Store exposes the record store for the command layer.
func (s *Service) Store() *Store { return s.store }
