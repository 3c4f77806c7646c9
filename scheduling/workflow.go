// Package scheduling drives meetings from the client side: every action
// is checked against the meeting rules on a local copy before anything
// is sent, stored over the API, then announced to the other participant
// on the channel. Accepted meetings get a reminder timer that fires when
// the join window opens.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/channel"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/clock"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/meeting"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/rooms"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/rpc"
)

var ErrReasonRequired = errors.New("a reason is required to decline")

type API interface {
	ListMeetings(ctx context.Context, conversationID string) ([]meeting.Meeting, error)
	ScheduleMeeting(ctx context.Context, req meeting.ScheduleRequest) (meeting.Meeting, error)
	AcceptMeeting(ctx context.Context, id string) (meeting.Meeting, error)
	DeclineMeeting(ctx context.Context, id, reason string) (meeting.Meeting, error)
	ProposeMeetingTime(ctx context.Context, id string, proposed time.Time, reason string) (meeting.Meeting, error)
	CancelMeeting(ctx context.Context, id string) (meeting.Meeting, error)
	CompleteMeeting(ctx context.Context, id string) (meeting.Meeting, error)
}

type Rooms interface {
	Emit(ctx context.Context, event string, params any) error
	On(name string, h rooms.Handler) *channel.Subscription
	UserID() string
}

type Config struct {
	Clock clock.Clock
	Log   *slog.Logger
}

type Workflow struct {
	rooms Rooms
	api   API
	clock clock.Clock
	log   *slog.Logger
	subs  channel.Group

	changes   channel.Listeners[meeting.Meeting]
	startable channel.Listeners[meeting.Meeting]

	mu       sync.Mutex
	meetings map[string]*tracked
	closed   bool
}

type tracked struct {
	meeting   meeting.Meeting
	timer     *clock.Timer
	announced bool // startable listeners ran for the current window
}

func New(r Rooms, api API, cfg Config) *Workflow {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	w := &Workflow{
		rooms:    r,
		api:      api,
		clock:    cfg.Clock,
		log:      cfg.Log.With("module", "scheduling"),
		meetings: make(map[string]*tracked),
	}
	for _, name := range []string{
		rpc.MeetingInvite,
		rpc.MeetingAccepted,
		rpc.MeetingDeclined,
		rpc.MeetingCancelled,
		rpc.MeetingProposed,
	} {
		w.subs.Add(r.On(name, w.handleEvent))
	}
	return w
}

// Close releases subscriptions and cancels every reminder.
func (w *Workflow) Close() {
	w.subs.Close()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for _, t := range w.meetings {
		t.timer.Stop()
	}
}

// OnChange registers fn for every meeting added or updated.
func (w *Workflow) OnChange(fn func(meeting.Meeting)) *channel.Subscription {
	return w.changes.Add(fn)
}

// OnStartable registers fn for accepted meetings entering their join
// window.
func (w *Workflow) OnStartable(fn func(meeting.Meeting)) *channel.Subscription {
	return w.startable.Add(fn)
}

// Schedule validates req, stores it, and invites the other participant.
// Nothing is sent for a request that fails validation.
func (w *Workflow) Schedule(ctx context.Context, req meeting.ScheduleRequest) (meeting.Meeting, error) {
	if err := meeting.ValidateSchedule(req, w.clock.Now()); err != nil {
		return meeting.Meeting{}, err
	}
	m, err := w.api.ScheduleMeeting(ctx, req)
	if err != nil {
		return meeting.Meeting{}, fmt.Errorf("schedule meeting: %w", err)
	}
	w.store(m)
	w.announce(ctx, rpc.MeetingInvite, m)
	return m, nil
}

func (w *Workflow) Accept(ctx context.Context, id string) (meeting.Meeting, error) {
	return w.respond(ctx, id, rpc.MeetingAccepted,
		func(m *meeting.Meeting, now time.Time) error { return m.Accept(w.rooms.UserID(), now) },
		func() (meeting.Meeting, error) { return w.api.AcceptMeeting(ctx, id) },
	)
}

// Decline refuses a meeting. Unlike the server, the client insists on a
// reason so the creator is told why.
func (w *Workflow) Decline(ctx context.Context, id, reason string) (meeting.Meeting, error) {
	if strings.TrimSpace(reason) == "" {
		return meeting.Meeting{}, ErrReasonRequired
	}
	return w.respond(ctx, id, rpc.MeetingDeclined,
		func(m *meeting.Meeting, now time.Time) error { return m.Decline(w.rooms.UserID(), reason, now) },
		func() (meeting.Meeting, error) { return w.api.DeclineMeeting(ctx, id, reason) },
	)
}

// ProposeNewTime suggests an alternate time without changing the status.
func (w *Workflow) ProposeNewTime(ctx context.Context, id string, proposed time.Time, reason string) (meeting.Meeting, error) {
	return w.respond(ctx, id, rpc.MeetingProposed,
		func(m *meeting.Meeting, now time.Time) error {
			return m.ProposeNewTime(w.rooms.UserID(), proposed, reason, now)
		},
		func() (meeting.Meeting, error) { return w.api.ProposeMeetingTime(ctx, id, proposed, reason) },
	)
}

func (w *Workflow) Cancel(ctx context.Context, id string) (meeting.Meeting, error) {
	return w.respond(ctx, id, rpc.MeetingCancelled,
		func(m *meeting.Meeting, now time.Time) error { return m.Cancel(w.rooms.UserID(), now) },
		func() (meeting.Meeting, error) { return w.api.CancelMeeting(ctx, id) },
	)
}

// Complete marks an accepted meeting as held. There is no channel event
// for it; the other side sees it on its next Load.
func (w *Workflow) Complete(ctx context.Context, id string) (meeting.Meeting, error) {
	return w.respond(ctx, id, "",
		func(m *meeting.Meeting, now time.Time) error { return m.Complete(now) },
		func() (meeting.Meeting, error) { return w.api.CompleteMeeting(ctx, id) },
	)
}

func (w *Workflow) respond(ctx context.Context, id, event string, check func(*meeting.Meeting, time.Time) error, call func() (meeting.Meeting, error)) (meeting.Meeting, error) {
	local, ok := w.Get(id)
	if !ok {
		return meeting.Meeting{}, meeting.ErrMeetingNotFound
	}
	if err := check(&local, w.clock.Now()); err != nil {
		return meeting.Meeting{}, err
	}

	m, err := call()
	if err != nil {
		return meeting.Meeting{}, fmt.Errorf("update meeting: %w", err)
	}
	w.store(m)
	if event != "" {
		w.announce(ctx, event, m)
	}
	return m, nil
}

func (w *Workflow) announce(ctx context.Context, event string, m meeting.Meeting) {
	if err := w.rooms.Emit(ctx, event, rpc.MeetingParams{Meeting: m}); err != nil {
		w.log.Debug("failed to announce meeting", "event", event, "meetingId", m.ID, "error", err)
	}
}

// Load fetches the meetings of a conversation.
func (w *Workflow) Load(ctx context.Context, conversationID string) error {
	list, err := w.api.ListMeetings(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load meetings: %w", err)
	}
	for _, m := range list {
		w.store(m)
	}
	return nil
}

// Get returns a copy of a known meeting.
func (w *Workflow) Get(id string) (meeting.Meeting, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.meetings[id]
	if !ok {
		return meeting.Meeting{}, false
	}
	return clone(t.meeting), true
}

// Meetings returns a conversation's meetings by scheduled time.
func (w *Workflow) Meetings(conversationID string) []meeting.Meeting {
	w.mu.Lock()
	var out []meeting.Meeting
	for _, t := range w.meetings {
		if t.meeting.ConversationID == conversationID {
			out = append(out, clone(t.meeting))
		}
	}
	w.mu.Unlock()

	slices.SortFunc(out, func(a, b meeting.Meeting) int { return a.ScheduledAt.Compare(b.ScheduledAt) })
	return out
}

func (w *Workflow) CanStart(id string) bool {
	m, ok := w.Get(id)
	return ok && m.CanStart(w.clock.Now())
}

func (w *Workflow) handleEvent(ev rooms.Event) {
	var p rpc.MeetingParams
	if err := ev.Decode(&p); err != nil || p.Meeting.ID == "" {
		w.log.Warn("invalid meeting event", "event", ev.Name, "error", err)
		return
	}
	w.log.Debug("meeting event", "event", ev.Name, "meetingId", p.Meeting.ID, "status", p.Meeting.Status)
	w.store(p.Meeting)
}

// store keeps m unless an update at least as recent is already held.
func (w *Workflow) store(m meeting.Meeting) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	t, ok := w.meetings[m.ID]
	if ok && m.UpdatedAt.Before(t.meeting.UpdatedAt) {
		w.mu.Unlock()
		return
	}
	if !ok {
		t = &tracked{}
		w.meetings[m.ID] = t
	}
	if ok && !m.ScheduledAt.Equal(t.meeting.ScheduledAt) {
		t.announced = false
	}
	t.meeting = clone(m)
	fire := w.arm(t)
	w.mu.Unlock()

	w.changes.Emit(clone(m))
	if fire {
		w.startable.Emit(clone(m))
	}
}

// arm schedules the next reminder for t and reports whether the meeting
// is startable now and has not been announced yet.
func (w *Workflow) arm(t *tracked) bool {
	t.timer.Stop()
	t.timer = nil

	m := t.meeting
	if m.Status != meeting.StatusAccepted {
		return false
	}
	now := w.clock.Now()
	opens := m.ScheduledAt.Add(-meeting.StartWindowBefore)
	closes := m.ScheduledAt.Add(meeting.StartWindowAfter)

	switch {
	case now.Before(opens):
		t.timer = w.clock.AfterFunc(opens.Sub(now), func() { w.reminder(m.ID) })
		return false
	case !now.After(closes):
		t.timer = w.clock.AfterFunc(closes.Sub(now)+time.Millisecond, func() { w.reminder(m.ID) })
		if t.announced {
			return false
		}
		t.announced = true
		return true
	default:
		return false
	}
}

// reminder runs when the join window opens or closes.
func (w *Workflow) reminder(id string) {
	w.mu.Lock()
	t, ok := w.meetings[id]
	if !ok || w.closed {
		w.mu.Unlock()
		return
	}
	fire := w.arm(t)
	m := clone(t.meeting)
	w.mu.Unlock()

	if fire {
		w.log.Info("meeting can start", "meetingId", id)
		w.startable.Emit(m)
	} else {
		w.changes.Emit(m)
	}
}

func clone(m meeting.Meeting) meeting.Meeting {
	m.Responses = slices.Clone(m.Responses)
	return m
}
