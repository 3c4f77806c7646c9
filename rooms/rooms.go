// Package rooms multiplexes conversation rooms over the session channel.
// It keeps the set of joined rooms (rejoined after every reconnect), the
// presence and typing state of other users, and routes inbound events to
// the handlers registered for their event name and conversation.
package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/channel"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/clock"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/rpc"
)

var ErrNoConversation = errors.New("conversation id is required")

const (
	// TypingQuiet is how long after the last keystroke stop_typing is sent.
	TypingQuiet = time.Second
	// DefaultTypingExpiry clears a remote typing flag when stop_typing
	// never arrives.
	DefaultTypingExpiry = 3 * time.Second
)

// Event is an inbound channel event with its conversation id extracted.
// ConversationID is empty for broadcast events that carry none.
type Event struct {
	Name           string
	ConversationID string
	Params         json.RawMessage
}

// Decode unmarshals the event params into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Params, v)
}

type Handler func(Event)

// routedEvents are delivered to conversation routes as well as to
// handlers registered with On.
var routedEvents = []string{
	rpc.ReceiveMessage,
	rpc.MessagesRead,
	rpc.Typing,
	rpc.StopTyping,
	rpc.CallIncoming,
	rpc.CallAccepted,
	rpc.CallRejected,
	rpc.CallEnded,
	rpc.WebRTCOffer,
	rpc.WebRTCAnswer,
	rpc.WebRTCICECandidate,
	rpc.MeetingInvite,
	rpc.MeetingAccepted,
	rpc.MeetingDeclined,
	rpc.MeetingCancelled,
	rpc.MeetingProposed,
}

type Config struct {
	TypingExpiry time.Duration
	Clock        clock.Clock
	Log          *slog.Logger
}

type Multiplexer struct {
	conn  channel.Conn
	clock clock.Clock
	log   *slog.Logger
	subs  channel.Group

	presence *Presence
	typing   *typingTracker

	mu       sync.Mutex
	joined   map[string]int // conversation id → reference count
	handlers map[string]*channel.Listeners[Event]
	routes   map[string]*channel.Listeners[Event]
	outgoing map[string]*clock.Timer // conversation id → pending stop_typing
	closed   bool
}

func New(conn channel.Conn, cfg Config) *Multiplexer {
	if cfg.TypingExpiry <= 0 {
		cfg.TypingExpiry = DefaultTypingExpiry
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	m := &Multiplexer{
		conn:     conn,
		clock:    cfg.Clock,
		log:      cfg.Log.With("module", "rooms"),
		presence: newPresence(cfg.Clock),
		joined:   make(map[string]int),
		handlers: make(map[string]*channel.Listeners[Event]),
		routes:   make(map[string]*channel.Listeners[Event]),
		outgoing: make(map[string]*clock.Timer),
	}
	m.typing = newTypingTracker(cfg.Clock, cfg.TypingExpiry)

	for _, name := range routedEvents {
		m.subs.Add(conn.Subscribe(name, m.dispatcher(name)))
	}
	m.subs.Add(
		conn.Subscribe(rpc.UserOnline, m.handlePresence(true)),
		conn.Subscribe(rpc.UserOffline, m.handlePresence(false)),
		conn.Subscribe(rpc.PresenceSnapshot, m.handleSnapshot),
		conn.OnState(m.handleState),
	)
	m.On(rpc.Typing, m.handleTyping)
	m.On(rpc.StopTyping, m.handleStopTyping)
	return m
}

// Close releases every subscription and cancels pending typing timers.
// Joined rooms are left on the server when the connection closes.
func (m *Multiplexer) Close() {
	m.subs.Close()

	m.mu.Lock()
	m.closed = true
	for id, t := range m.outgoing {
		t.Stop()
		delete(m.outgoing, id)
	}
	m.mu.Unlock()

	m.typing.reset()
}

func (m *Multiplexer) UserID() string {
	return m.conn.UserID()
}

func (m *Multiplexer) Presence() *Presence {
	return m.presence
}

// Emit forwards to the channel.
func (m *Multiplexer) Emit(ctx context.Context, event string, params any) error {
	return m.conn.Emit(ctx, event, params)
}

// On registers h for every inbound event named name.
func (m *Multiplexer) On(name string, h Handler) *channel.Subscription {
	m.mu.Lock()
	l, ok := m.handlers[name]
	if !ok {
		l = &channel.Listeners[Event]{}
		m.handlers[name] = l
	}
	m.mu.Unlock()

	if !ok && !isRouted(name) {
		m.subs.Add(m.conn.Subscribe(name, m.dispatcher(name)))
	}
	return l.Add(h)
}

// Route registers h for every routed event of one conversation, in
// arrival order. The conversation's route is dropped with its last
// handler.
func (m *Multiplexer) Route(conversationID string, h Handler) *channel.Subscription {
	m.mu.Lock()
	l, ok := m.routes[conversationID]
	if !ok {
		l = &channel.Listeners[Event]{}
		m.routes[conversationID] = l
	}
	sub := l.Add(h)
	m.mu.Unlock()

	return channel.NewSubscription(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		sub.Close()
		if m.routes[conversationID] == l && l.Len() == 0 {
			delete(m.routes, conversationID)
		}
	})
}

func (m *Multiplexer) dispatcher(name string) channel.Handler {
	return func(raw json.RawMessage) {
		var head struct {
			ConversationID string `json:"conversation_id"`
			Message        struct {
				ConversationID string `json:"conversation_id"`
			} `json:"message"`
			Meeting struct {
				ConversationID string `json:"conversation_id"`
			} `json:"meeting"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			m.log.Warn("invalid event params", "event", name, "error", err)
			return
		}
		ev := Event{Name: name, Params: raw, ConversationID: head.ConversationID}
		if ev.ConversationID == "" {
			ev.ConversationID = head.Message.ConversationID
		}
		if ev.ConversationID == "" {
			ev.ConversationID = head.Meeting.ConversationID
		}

		m.mu.Lock()
		handlers := m.handlers[name]
		route := m.routes[ev.ConversationID]
		m.mu.Unlock()

		if handlers != nil {
			handlers.Emit(ev)
		}
		if route != nil && ev.ConversationID != "" {
			route.Emit(ev)
		}
	}
}

func isRouted(name string) bool {
	for _, r := range routedEvents {
		if r == name {
			return true
		}
	}
	return false
}

// Membership is one holder's interest in a room. Close releases it; the
// room is left when the last membership closes.
type Membership struct {
	m              *Multiplexer
	conversationID string
	once           sync.Once
}

func (ms *Membership) ConversationID() string { return ms.conversationID }

func (ms *Membership) Close() {
	ms.once.Do(func() { ms.m.release(ms.conversationID) })
}

// Join registers interest in a conversation room. Only the first holder
// causes a join_room; while disconnected the room is joined on the next
// connect.
func (m *Multiplexer) Join(ctx context.Context, conversationID string) (*Membership, error) {
	if conversationID == "" {
		return nil, ErrNoConversation
	}

	m.mu.Lock()
	m.joined[conversationID]++
	first := m.joined[conversationID] == 1
	m.mu.Unlock()

	if first {
		err := m.conn.Emit(ctx, rpc.JoinRoom, rpc.RoomParams{ConversationID: conversationID})
		if err != nil && !errors.Is(err, channel.ErrNotConnected) {
			m.mu.Lock()
			if m.joined[conversationID]--; m.joined[conversationID] <= 0 {
				delete(m.joined, conversationID)
			}
			m.mu.Unlock()
			return nil, err
		}
	}
	return &Membership{m: m, conversationID: conversationID}, nil
}

// Joined reports whether any membership for the room is open.
func (m *Multiplexer) Joined(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joined[conversationID] > 0
}

func (m *Multiplexer) release(conversationID string) {
	m.mu.Lock()
	n := m.joined[conversationID] - 1
	if n > 0 {
		m.joined[conversationID] = n
		m.mu.Unlock()
		return
	}
	delete(m.joined, conversationID)
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return
	}
	err := m.conn.Emit(context.Background(), rpc.LeaveRoom, rpc.RoomParams{ConversationID: conversationID})
	if err != nil && !errors.Is(err, channel.ErrNotConnected) {
		m.log.Debug("failed to leave room", "conversationId", conversationID, "error", err)
	}
}

func (m *Multiplexer) handleState(s channel.State) {
	switch s {
	case channel.Connected:
		m.mu.Lock()
		rooms := make([]string, 0, len(m.joined))
		for id := range m.joined {
			rooms = append(rooms, id)
		}
		m.mu.Unlock()

		for _, id := range rooms {
			if err := m.conn.Emit(context.Background(), rpc.JoinRoom, rpc.RoomParams{ConversationID: id}); err != nil {
				m.log.Debug("failed to rejoin room", "conversationId", id, "error", err)
			}
		}
	case channel.Disconnected:
		m.presence.clear()
		m.typing.reset()
	}
}

// Typing signals a keystroke in a conversation. typing is sent on the
// first keystroke of a burst; stop_typing follows TypingQuiet after the
// last one.
func (m *Multiplexer) Typing(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	t, active := m.outgoing[conversationID]
	if active {
		t.Stop()
	}
	m.outgoing[conversationID] = m.clock.AfterFunc(TypingQuiet, func() {
		m.mu.Lock()
		delete(m.outgoing, conversationID)
		m.mu.Unlock()
		m.emitTyping(context.Background(), rpc.StopTyping, conversationID)
	})
	m.mu.Unlock()

	if active {
		return nil
	}
	return m.emitTyping(ctx, rpc.Typing, conversationID)
}

// StopTyping ends a typing burst immediately, e.g. when the message is
// sent.
func (m *Multiplexer) StopTyping(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	t, active := m.outgoing[conversationID]
	if active {
		t.Stop()
		delete(m.outgoing, conversationID)
	}
	m.mu.Unlock()

	if !active {
		return nil
	}
	return m.emitTyping(ctx, rpc.StopTyping, conversationID)
}

func (m *Multiplexer) emitTyping(ctx context.Context, event, conversationID string) error {
	err := m.conn.Emit(ctx, event, rpc.TypingParams{ConversationID: conversationID})
	if errors.Is(err, channel.ErrNotConnected) {
		return nil
	}
	return err
}

// IsTyping reports whether userID is typing in conversationID.
func (m *Multiplexer) IsTyping(conversationID, userID string) bool {
	return m.typing.isTyping(conversationID, userID)
}

// OnTyping registers fn for every change of a remote typing flag.
func (m *Multiplexer) OnTyping(fn func(TypingChange)) *channel.Subscription {
	return m.typing.listeners.Add(fn)
}

// SetTypingExpiry changes the receiver-side expiry for flags set from now on.
func (m *Multiplexer) SetTypingExpiry(d time.Duration) {
	if d > 0 {
		m.typing.setExpiry(d)
	}
}

func (m *Multiplexer) handleTyping(ev Event) {
	var p rpc.TypingParams
	if err := ev.Decode(&p); err != nil || p.UserID == "" || p.UserID == m.conn.UserID() {
		return
	}
	m.presence.touch(p.UserID)
	m.typing.set(ev.ConversationID, p.UserID)
}

func (m *Multiplexer) handleStopTyping(ev Event) {
	var p rpc.TypingParams
	if err := ev.Decode(&p); err != nil || p.UserID == "" {
		return
	}
	m.typing.clear(ev.ConversationID, p.UserID)
}

func (m *Multiplexer) handlePresence(online bool) channel.Handler {
	return func(raw json.RawMessage) {
		var p rpc.PresenceParams
		if err := json.Unmarshal(raw, &p); err != nil || p.UserID == "" {
			m.log.Warn("invalid presence event", "error", err)
			return
		}
		m.presence.set(p.UserID, online, p.LastSeen)
		if !online {
			m.typing.clearUser(p.UserID)
		}
	}
}

func (m *Multiplexer) handleSnapshot(raw json.RawMessage) {
	var p rpc.PresenceSnapshotParams
	if err := json.Unmarshal(raw, &p); err != nil {
		m.log.Warn("invalid presence snapshot", "error", err)
		return
	}
	for _, id := range p.Online {
		m.presence.set(id, true, time.Time{})
	}
}
