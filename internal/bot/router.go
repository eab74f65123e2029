package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"rosterbot/internal/eventbus"
	"rosterbot/internal/sched"
	"rosterbot/internal/transport"
	logx "rosterbot/pkg/logx"
	"rosterbot/pkg/tgui"
)

// statusHistorySize bounds the bus-event ring shown by /status.
const statusHistorySize = 20

// Router consumes transport updates and dispatches admin commands and
// clock-in callbacks. It holds no record state of its own; every mutation
// goes through the scheduler service or its store.
type Router struct {
	app *App
	log logx.Logger

	histMu  sync.Mutex
	history []eventbus.Event
}

func NewRouter(app *App) *Router {
	return &Router{
		app: app,
		log: app.log.With(logx.String("comp", "router")),
	}
}

func (r *Router) Start(ctx context.Context) {
	go r.loop(ctx)
	go r.collectBusEvents(ctx)
}

func (r *Router) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-r.app.updates:
			if !ok {
				return
			}
			r.dispatch(ctx, up)
		}
	}
}

// collectBusEvents keeps a small ring of recent scheduler signals for the
// /status command.
func (r *Router) collectBusEvents(ctx context.Context) {
	ch, unsub := r.app.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.histMu.Lock()
			r.history = append(r.history, e)
			if len(r.history) > statusHistorySize {
				r.history = r.history[len(r.history)-statusHistorySize:]
			}
			r.histMu.Unlock()
		}
	}
}

func (r *Router) dispatch(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message != nil {
			r.handleMessage(ctx, up.Message)
		}
	case transport.UpdateCallback:
		if up.Callback != nil {
			r.handleCallback(ctx, up.Callback)
		}
	}
}

func (r *Router) isAdmin(userID int64) bool {
	cfg := r.app.cfgm.Get()
	if cfg == nil {
		return false
	}
	for _, id := range cfg.Telegram.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (r *Router) handleMessage(ctx context.Context, msg *transport.Message) {
	cmd, args := splitCommand(msg.Text)
	if cmd == "" {
		return
	}
	if !r.isAdmin(msg.FromID) {
		// Commands are admin-only; everyone else interacts via buttons.
		return
	}

	to := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	var reply tgui.H
	var err error

	switch cmd {
	case "event_add":
		reply, err = r.cmdEventAdd(args, to)
	case "event_list":
		reply = r.cmdEventList()
	case "event_remove":
		reply, err = r.cmdEventRemove(args)
	case "event_enable":
		reply, err = r.cmdEventEnable(args, true)
	case "event_disable":
		reply, err = r.cmdEventEnable(args, false)
	case "schedule_add":
		reply, err = r.cmdScheduleAdd(args, to)
	case "schedule_list":
		reply = r.cmdScheduleList()
	case "schedule_remove":
		reply, err = r.cmdScheduleRemove(args)
	case "status":
		reply = r.cmdStatus()
	default:
		return
	}

	if err != nil {
		reply = tgui.JoinH(" ", tgui.B("Error:"), tgui.Esc(err.Error()))
	}
	if reply.String() == "" {
		return
	}
	opt := &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}
	if _, serr := r.app.adapter.SendText(ctx, to, reply.String(), opt); serr != nil {
		r.log.Warn("command reply failed", logx.String("cmd", cmd), logx.Err(serr))
	}
}

// cmdEventAdd accepts a JSON event record as the argument. The ID is
// assigned by the store; the channel defaults to where the command was sent.
func (r *Router) cmdEventAdd(args string, from transport.ChatTarget) (tgui.H, error) {
	if strings.TrimSpace(args) == "" {
		return tgui.H(""), fmt.Errorf("usage: /event_add {json}")
	}
	var ev sched.Event
	if err := json.Unmarshal([]byte(args), &ev); err != nil {
		return tgui.H(""), fmt.Errorf("parse event: %w", err)
	}
	if ev.Name == "" {
		return tgui.H(""), fmt.Errorf("event needs a name")
	}
	if err := sched.ValidateRoles(ev.Roles); err != nil {
		return tgui.H(""), err
	}
	if ev.Channel.ChatID == 0 {
		ev.Channel = from
	}
	ev.Enabled = true
	rec := r.app.sched.Store().AddEvent(&ev)
	return tgui.JoinH(" ", tgui.Esc("Event added:"), tgui.Code(rec.ID)), nil
}

func (r *Router) cmdEventList() tgui.H {
	events := r.app.sched.Store().Events()
	if len(events) == 0 {
		return tgui.Esc("No events.")
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Name < events[j].Name })

	var b strings.Builder
	b.WriteString(tgui.B("Events").String())
	now := time.Now().In(r.app.sched.Location())
	for _, ev := range events {
		state := "off"
		if ev.Enabled {
			state = "on"
		}
		b.WriteString(fmt.Sprintf("\n%s %s [%s]",
			tgui.Code(ev.ID), tgui.Esc(ev.Name), state))
		if next, ok := sched.NextOccurrence(ev, now, r.app.sched.Location()); ok {
			b.WriteString(" → " + next.Format("Mon 02 Jan 15:04"))
		}
	}
	return tgui.Raw(b.String())
}

func (r *Router) cmdEventRemove(args string) (tgui.H, error) {
	id := strings.TrimSpace(args)
	if id == "" {
		return tgui.H(""), fmt.Errorf("usage: /event_remove <id>")
	}
	if err := r.app.sched.Store().RemoveEvent(id); err != nil {
		return tgui.H(""), err
	}
	return tgui.Esc("Event removed."), nil
}

func (r *Router) cmdEventEnable(args string, enable bool) (tgui.H, error) {
	id := strings.TrimSpace(args)
	if id == "" {
		return tgui.H(""), fmt.Errorf("usage: /event_enable <id>")
	}
	store := r.app.sched.Store()
	ev, ok := store.GetEvent(id)
	if !ok {
		return tgui.H(""), sched.ErrUnknownEvent
	}
	ev.Enabled = enable
	if err := store.UpdateEvent(ev); err != nil {
		return tgui.H(""), err
	}
	if enable {
		return tgui.Esc("Event enabled."), nil
	}
	return tgui.Esc("Event disabled."), nil
}

func (r *Router) cmdScheduleAdd(args string, from transport.ChatTarget) (tgui.H, error) {
	if strings.TrimSpace(args) == "" {
		return tgui.H(""), fmt.Errorf("usage: /schedule_add {json}")
	}
	var s sched.Schedule
	if err := json.Unmarshal([]byte(args), &s); err != nil {
		return tgui.H(""), fmt.Errorf("parse schedule: %w", err)
	}
	if err := sched.ValidateRecurrence(s.Recurrence); err != nil {
		return tgui.H(""), err
	}
	if s.Channel.ChatID == 0 {
		s.Channel = from
	}
	s.Enabled = true
	s.NextRun = nil // tick loop computes it lazily
	rec := r.app.sched.Store().AddSchedule(&s)
	return tgui.JoinH(" ", tgui.Esc("Schedule added:"), tgui.Code(rec.ID)), nil
}

func (r *Router) cmdScheduleList() tgui.H {
	schedules := r.app.sched.Store().Schedules()
	if len(schedules) == 0 {
		return tgui.Esc("No schedules.")
	}
	sort.Slice(schedules, func(i, j int) bool { return schedules[i].ID < schedules[j].ID })

	var b strings.Builder
	b.WriteString(tgui.B("Schedules").String())
	for _, s := range schedules {
		state := "off"
		if s.Enabled {
			state = "on"
		}
		b.WriteString(fmt.Sprintf("\n%s %s [%s]",
			tgui.Code(s.ID), tgui.Esc(string(s.Recurrence.Kind)), state))
		if s.NextRun != nil {
			b.WriteString(" → " + s.NextRun.In(r.app.sched.Location()).Format("Mon 02 Jan 15:04"))
		}
		if s.Payload != "" {
			b.WriteString(" " + tgui.I(tgui.TruncRunes(s.Payload, 40)).String())
		}
	}
	return tgui.Raw(b.String())
}

func (r *Router) cmdScheduleRemove(args string) (tgui.H, error) {
	id := strings.TrimSpace(args)
	if id == "" {
		return tgui.H(""), fmt.Errorf("usage: /schedule_remove <id>")
	}
	if err := r.app.sched.Store().RemoveSchedule(id); err != nil {
		return tgui.H(""), err
	}
	return tgui.Esc("Schedule removed."), nil
}

func (r *Router) cmdStatus() tgui.H {
	store := r.app.sched.Store()
	var b strings.Builder
	b.WriteString(tgui.B("Status").String())
	b.WriteString(fmt.Sprintf("\nevents: %d, schedules: %d",
		len(store.Events()), len(store.Schedules())))

	r.histMu.Lock()
	hist := append([]eventbus.Event(nil), r.history...)
	r.histMu.Unlock()
	if len(hist) > 0 {
		b.WriteString("\n\n" + tgui.B("Recent").String())
		for _, e := range hist {
			b.WriteString(fmt.Sprintf("\n%s %s",
				e.Time.In(r.app.sched.Location()).Format("15:04:05"), tgui.Esc(e.Type)))
		}
	}
	return tgui.Raw(b.String())
}

// handleCallback routes inline-keyboard presses. Clock-in payloads carry
// "<eventID>:<roleKey>"; the answer text is always the member-facing notice,
// including on rejection (busy, full).
func (r *Router) handleCallback(ctx context.Context, cb *transport.Callback) {
	scope, action, payload := tgui.SplitData(cb.Data)
	if scope != "ci" {
		return
	}
	eventID, roleKey, ok := splitPayload(payload)
	if !ok {
		r.answer(ctx, cb.ID, "Unknown selection.")
		return
	}

	var notice string
	var err error
	switch action {
	case "sel":
		notice, err = r.app.sched.Select(ctx, eventID, cb.FromID, cb.FromName, roleKey)
	case "next":
		notice, err = r.app.sched.SetAutoNext(ctx, eventID, cb.FromID, cb.FromName, roleKey)
	default:
		return
	}
	if err != nil && notice == "" {
		r.log.Debug("clock-in selection failed",
			logx.String("event", eventID),
			logx.String("role", roleKey),
			logx.Err(err),
		)
		notice = "Something went wrong."
	}
	r.answer(ctx, cb.ID, notice)
}

func (r *Router) answer(ctx context.Context, callbackID, text string) {
	if err := r.app.adapter.AnswerCallback(ctx, callbackID, text); err != nil {
		r.log.Debug("callback answer failed", logx.Err(err))
	}
}

// splitCommand extracts "name" and the raw argument tail from "/name@bot args".
func splitCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	head, tail, _ := strings.Cut(text[1:], " ")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	return head, strings.TrimSpace(tail)
}

func splitPayload(payload string) (eventID, roleKey string, ok bool) {
	eventID, roleKey, ok = strings.Cut(payload, ":")
	if !ok || eventID == "" || roleKey == "" {
		return "", "", false
	}
	return eventID, roleKey, true
}

func menuCommands() []transport.BotCommand {
	return []transport.BotCommand{
		{Command: "event_list", Description: "List events"},
		{Command: "event_add", Description: "Add an event (JSON)"},
		{Command: "event_enable", Description: "Enable an event"},
		{Command: "event_disable", Description: "Disable an event"},
		{Command: "event_remove", Description: "Remove an event"},
		{Command: "schedule_list", Description: "List schedules"},
		{Command: "schedule_add", Description: "Add a schedule (JSON)"},
		{Command: "schedule_remove", Description: "Remove a schedule"},
		{Command: "status", Description: "Scheduler status"},
	}
}
