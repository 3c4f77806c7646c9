// Package pipeline sends and receives chat messages for one user. Sends
// show up immediately as pending entries and are reconciled with the
// stored message once the server acknowledges them; inbound messages are
// kept in receipt order and, when their conversation is not open,
// handed to a Router for notification.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/apiclient"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/channel"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/chat"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/clock"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/logger"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/rooms"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/rpc"
)

var (
	ErrNoConversation = errors.New("conversation id is required")
	ErrUnknownEntry   = errors.New("no such entry")
)

const textLogMaxLen = 60

type Status string

const (
	StatusPending  Status = "pending"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
	StatusReceived Status = "received"
)

// Entry is one line of a conversation log. LocalID is set for messages
// sent from this client and stays stable across reconciliation.
type Entry struct {
	LocalID string       `json:"local_id,omitempty"`
	Message chat.Message `json:"message"`
	Status  Status       `json:"status"`
	Err     error        `json:"-"`
}

type API interface {
	SendMessage(ctx context.Context, conversationID, text string, uploads []apiclient.Upload) (chat.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int, before time.Time) ([]chat.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	RecordCall(ctx context.Context, conversationID string, info chat.CallInfo) (chat.Message, error)
}

// Router receives inbound messages for conversations that have no open
// surface.
type Router interface {
	IsOpen(conversationID string) bool
	RouteMessage(msg chat.Message)
}

type Rooms interface {
	Emit(ctx context.Context, event string, params any) error
	On(name string, h rooms.Handler) *channel.Subscription
	StopTyping(ctx context.Context, conversationID string) error
	UserID() string
}

type Config struct {
	Clock clock.Clock
	Log   *slog.Logger
}

type Pipeline struct {
	rooms  Rooms
	api    API
	router Router
	clock  clock.Clock
	log    *slog.Logger
	subs   channel.Group

	changes channel.Listeners[string]

	mu     sync.Mutex
	logs   map[string][]*Entry
	seen   map[string]struct{} // stored message ids present in a log
	unread map[string]int
	readAt map[string]time.Time // conversation → counterpart's last mark-read
}

func New(r Rooms, api API, router Router, cfg Config) *Pipeline {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	p := &Pipeline{
		rooms:  r,
		api:    api,
		router: router,
		clock:  cfg.Clock,
		log:    cfg.Log.With("module", "pipeline"),
		logs:   make(map[string][]*Entry),
		seen:   make(map[string]struct{}),
		unread: make(map[string]int),
		readAt: make(map[string]time.Time),
	}
	p.subs.Add(
		r.On(rpc.ReceiveMessage, p.handleReceive),
		r.On(rpc.MessagesRead, p.handleRead),
	)
	return p
}

func (p *Pipeline) Close() {
	p.subs.Close()
}

// OnChange registers fn to be called with the conversation id whenever
// that conversation's log changes.
func (p *Pipeline) OnChange(fn func(conversationID string)) *channel.Subscription {
	return p.changes.Add(fn)
}

// Send stores and relays a message. The pending entry is appended before
// any network call; on failure it is marked failed and the error
// returned, leaving other entries untouched.
func (p *Pipeline) Send(ctx context.Context, conversationID, text string, uploads []apiclient.Upload) (chat.Message, error) {
	if conversationID == "" {
		return chat.Message{}, ErrNoConversation
	}
	if strings.TrimSpace(text) == "" && len(uploads) == 0 {
		return chat.Message{}, chat.ErrEmptyMessage
	}

	localID := "local-" + uuid.Must(uuid.NewV7()).String()
	pending := chat.Message{
		ID:             localID,
		ConversationID: conversationID,
		SenderID:       p.rooms.UserID(),
		Text:           text,
		CreatedAt:      p.clock.Now(),
	}
	for _, u := range uploads {
		pending.Attachments = append(pending.Attachments, chat.Attachment{
			Name: u.Name,
			Type: chat.AttachmentTypeOf(u.Name, ""),
		})
	}
	p.append(&Entry{LocalID: localID, Message: pending, Status: StatusPending})

	if err := p.rooms.StopTyping(ctx, conversationID); err != nil {
		p.log.Debug("failed to stop typing", "conversationId", conversationID, "error", err)
	}

	msg, err := p.api.SendMessage(ctx, conversationID, text, uploads)
	if err != nil {
		p.fail(conversationID, localID, err)
		p.log.Warn("send failed", "conversationId", conversationID, "localId", localID, "error", err)
		return chat.Message{}, fmt.Errorf("send message: %w", err)
	}
	p.reconcile(localID, msg)

	err = p.rooms.Emit(ctx, rpc.SendMessage, rpc.SendMessageParams{Message: msg})
	if err != nil {
		// Stored anyway; the recipient sees it when it next loads history.
		p.log.Debug("relay failed", "messageId", msg.ID, "error", err)
	}
	p.log.Debug("message sent", "messageId", msg.ID, "text", logger.Truncate(msg.Text, textLogMaxLen))
	return msg, nil
}

// RecordCall stores a call summary message, adds it to the log and
// relays it to the other participant.
func (p *Pipeline) RecordCall(ctx context.Context, conversationID string, info chat.CallInfo) (chat.Message, error) {
	msg, err := p.api.RecordCall(ctx, conversationID, info)
	if err != nil {
		return chat.Message{}, fmt.Errorf("record call: %w", err)
	}

	p.mu.Lock()
	_, dup := p.seen[msg.ID]
	if !dup {
		p.seen[msg.ID] = struct{}{}
		p.logs[conversationID] = append(p.logs[conversationID], &Entry{Message: msg, Status: StatusSent})
	}
	p.mu.Unlock()
	if !dup {
		p.changes.Emit(conversationID)
	}

	if err := p.rooms.Emit(ctx, rpc.SendMessage, rpc.SendMessageParams{Message: msg}); err != nil {
		p.log.Debug("relay failed", "messageId", msg.ID, "error", err)
	}
	return msg, nil
}

// Discard removes a failed entry from its log.
func (p *Pipeline) Discard(conversationID, localID string) error {
	p.mu.Lock()
	entries := p.logs[conversationID]
	idx := -1
	for i, e := range entries {
		if e.LocalID == localID && e.Status == StatusFailed {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return ErrUnknownEntry
	}
	p.logs[conversationID] = append(entries[:idx:idx], entries[idx+1:]...)
	p.mu.Unlock()

	p.changes.Emit(conversationID)
	return nil
}

// Log returns a copy of a conversation's entries in receipt order.
func (p *Pipeline) Log(conversationID string) []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, len(p.logs[conversationID]))
	for i, e := range p.logs[conversationID] {
		out[i] = *e
	}
	return out
}

// Load fetches recent history and puts the messages this client has not
// seen yet in front of the live entries.
func (p *Pipeline) Load(ctx context.Context, conversationID string, limit int) error {
	history, err := p.api.ListMessages(ctx, conversationID, limit, time.Time{})
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	p.mu.Lock()
	var older []*Entry
	for _, msg := range history {
		if _, ok := p.seen[msg.ID]; ok {
			continue
		}
		p.seen[msg.ID] = struct{}{}
		older = append(older, &Entry{Message: msg, Status: p.statusOf(msg)})
	}
	if len(older) > 0 {
		p.logs[conversationID] = append(older, p.logs[conversationID]...)
	}
	p.mu.Unlock()

	if len(older) > 0 {
		p.changes.Emit(conversationID)
	}
	return nil
}

// MarkRead clears the local unread count and tells the server.
func (p *Pipeline) MarkRead(ctx context.Context, conversationID string) error {
	p.mu.Lock()
	changed := p.unread[conversationID] != 0
	delete(p.unread, conversationID)
	p.mu.Unlock()

	if changed {
		p.changes.Emit(conversationID)
	}
	if err := p.api.MarkRead(ctx, conversationID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// Unread is the number of messages received since the last MarkRead
// while the conversation was not open.
func (p *Pipeline) Unread(conversationID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unread[conversationID]
}

// ReadAt is when the counterpart last marked the conversation read.
func (p *Pipeline) ReadAt(conversationID string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.readAt[conversationID]
	return t, ok
}

func (p *Pipeline) handleReceive(ev rooms.Event) {
	var params rpc.ReceiveMessageParams
	if err := ev.Decode(&params); err != nil {
		p.log.Warn("invalid receive_message", "error", err)
		return
	}
	msg := params.Message
	if msg.ID == "" || msg.ConversationID == "" {
		return
	}

	p.mu.Lock()
	if _, dup := p.seen[msg.ID]; dup {
		p.mu.Unlock()
		p.log.Debug("duplicate message ignored", "messageId", msg.ID)
		return
	}
	p.seen[msg.ID] = struct{}{}
	p.logs[msg.ConversationID] = append(p.logs[msg.ConversationID], &Entry{Message: msg, Status: p.statusOf(msg)})
	p.mu.Unlock()

	if msg.SenderID != p.rooms.UserID() && !p.router.IsOpen(msg.ConversationID) {
		p.mu.Lock()
		p.unread[msg.ConversationID]++
		p.mu.Unlock()
		p.router.RouteMessage(msg)
	}
	p.changes.Emit(msg.ConversationID)
}

func (p *Pipeline) handleRead(ev rooms.Event) {
	var params rpc.MessagesReadParams
	if err := ev.Decode(&params); err != nil || params.UserID == p.rooms.UserID() {
		return
	}
	p.mu.Lock()
	p.readAt[params.ConversationID] = p.clock.Now()
	p.mu.Unlock()
	p.changes.Emit(params.ConversationID)
}

func (p *Pipeline) statusOf(msg chat.Message) Status {
	if msg.SenderID == p.rooms.UserID() {
		return StatusSent
	}
	return StatusReceived
}

func (p *Pipeline) append(e *Entry) {
	conv := e.Message.ConversationID
	p.mu.Lock()
	p.logs[conv] = append(p.logs[conv], e)
	p.mu.Unlock()
	p.changes.Emit(conv)
}

func (p *Pipeline) fail(conversationID, localID string, err error) {
	p.mu.Lock()
	for _, e := range p.logs[conversationID] {
		if e.LocalID == localID {
			e.Status = StatusFailed
			e.Err = err
			break
		}
	}
	p.mu.Unlock()
	p.changes.Emit(conversationID)
}

// reconcile swaps the pending copy for the stored message.
func (p *Pipeline) reconcile(localID string, msg chat.Message) {
	conv := msg.ConversationID
	p.mu.Lock()
	entries := p.logs[conv]
	_, already := p.seen[msg.ID]
	for i, e := range entries {
		if e.LocalID != localID {
			continue
		}
		if already {
			p.logs[conv] = append(entries[:i:i], entries[i+1:]...)
		} else {
			e.Message = msg
			e.Status = StatusSent
			e.Err = nil
		}
		break
	}
	p.seen[msg.ID] = struct{}{}
	p.mu.Unlock()
	p.changes.Emit(conv)
}
