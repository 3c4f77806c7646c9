package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/apiclient"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/channel"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/channel/channeltest"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/chat"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/clock"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/logger"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/rooms"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/rpc"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu       sync.Mutex
	sendErr  map[string]error // text → error
	sent     []string
	history  []chat.Message
	readCall []string
	next     int
	// during is called while SendMessage is in flight.
	during func()
}

func (a *fakeAPI) SendMessage(_ context.Context, conversationID, text string, uploads []apiclient.Upload) (chat.Message, error) {
	if a.during != nil {
		a.during()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.sendErr[text]; err != nil {
		return chat.Message{}, err
	}
	a.next++
	a.sent = append(a.sent, text)
	msg := chat.Message{
		ID:             "msg-" + string(rune('0'+a.next)),
		ConversationID: conversationID,
		SenderID:       "me",
		Text:           text,
		CreatedAt:      epoch,
	}
	for _, u := range uploads {
		msg.Attachments = append(msg.Attachments, chat.Attachment{Name: u.Name, URL: "/uploads/" + u.Name, Type: chat.AttachmentTypeOf(u.Name, "")})
	}
	return msg, nil
}

func (a *fakeAPI) ListMessages(_ context.Context, _ string, _ int, _ time.Time) ([]chat.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.history, nil
}

func (a *fakeAPI) MarkRead(_ context.Context, conversationID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.readCall = append(a.readCall, conversationID)
	return nil
}

func (a *fakeAPI) RecordCall(_ context.Context, conversationID string, info chat.CallInfo) (chat.Message, error) {
	return chat.Message{ID: "call-summary", ConversationID: conversationID, SenderID: "me", Call: &info, CreatedAt: epoch}, nil
}

type fakeRouter struct {
	open   map[string]bool
	routed []chat.Message
}

func (r *fakeRouter) IsOpen(conversationID string) bool { return r.open[conversationID] }

func (r *fakeRouter) RouteMessage(msg chat.Message) { r.routed = append(r.routed, msg) }

type testEnv struct {
	p      *Pipeline
	conn   *channeltest.Fake
	api    *fakeAPI
	router *fakeRouter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn := channeltest.New("me")
	clk := clock.Fake(epoch)
	mux := rooms.New(conn, rooms.Config{Clock: clk, Log: logger.Discard()})
	t.Cleanup(mux.Close)

	env := &testEnv{
		conn:   conn,
		api:    &fakeAPI{sendErr: map[string]error{}},
		router: &fakeRouter{open: map[string]bool{}},
	}
	env.p = New(mux, env.api, env.router, Config{Clock: clk, Log: logger.Discard()})
	t.Cleanup(env.p.Close)
	return env
}

func TestSend_Validation(t *testing.T) {
	tests := []struct {
		name    string
		conv    string
		text    string
		uploads []apiclient.Upload
		want    error
	}{
		{name: "empty text", conv: "conv-1", text: "", want: chat.ErrEmptyMessage},
		{name: "whitespace only", conv: "conv-1", text: "  \n\t", want: chat.ErrEmptyMessage},
		{name: "no conversation", conv: "", text: "hi", want: ErrNoConversation},
		{name: "attachment only", conv: "conv-1", uploads: []apiclient.Upload{{Name: "brief.pdf", Body: strings.NewReader("%PDF")}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := env.p.Send(context.Background(), tt.conv, tt.text, tt.uploads)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if tt.want != nil {
				if len(env.api.sent) != 0 || len(env.conn.Emitted()) != 0 {
					t.Error("rejected message reached the network")
				}
				if len(env.p.Log(tt.conv)) != 0 {
					t.Error("rejected message was logged")
				}
			}
		})
	}
}

func TestSend_OptimisticThenReconciled(t *testing.T) {
	env := newTestEnv(t)

	var pending []Entry
	env.api.during = func() { pending = env.p.Log("conv-1") }

	msg, err := env.p.Send(context.Background(), "conv-1", "hello", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(pending) != 1 || pending[0].Status != StatusPending || pending[0].Message.Text != "hello" {
		t.Fatalf("entry during send = %+v", pending)
	}

	got := env.p.Log("conv-1")
	if len(got) != 1 {
		t.Fatalf("log has %d entries, want 1", len(got))
	}
	if got[0].Status != StatusSent || got[0].Message.ID != msg.ID || got[0].LocalID != pending[0].LocalID {
		t.Errorf("reconciled entry = %+v", got[0])
	}

	var relayed rpc.SendMessageParams
	if !env.conn.Last(rpc.SendMessage, &relayed) || relayed.Message.ID != msg.ID {
		t.Errorf("send_message not relayed: %+v", relayed)
	}
}

func TestSend_FailureIsolated(t *testing.T) {
	env := newTestEnv(t)
	env.api.sendErr["boom"] = errors.New("server down")
	ctx := context.Background()

	if _, err := env.p.Send(ctx, "conv-1", "first", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := env.p.Send(ctx, "conv-1", "boom", nil); err == nil {
		t.Fatal("expected error")
	}
	if _, err := env.p.Send(ctx, "conv-1", "third", nil); err != nil {
		t.Fatal(err)
	}

	got := env.p.Log("conv-1")
	want := []Status{StatusSent, StatusFailed, StatusSent}
	if len(got) != len(want) {
		t.Fatalf("log = %+v", got)
	}
	for i, s := range want {
		if got[i].Status != s {
			t.Errorf("entry %d status = %s, want %s", i, got[i].Status, s)
		}
	}
	if got[1].Err == nil {
		t.Error("failed entry has no error")
	}

	if err := env.p.Discard("conv-1", got[1].LocalID); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if err := env.p.Discard("conv-1", got[0].LocalID); !errors.Is(err, ErrUnknownEntry) {
		t.Errorf("Discard of a sent entry: %v", err)
	}
	if n := len(env.p.Log("conv-1")); n != 2 {
		t.Errorf("log length after discard = %d", n)
	}
}

func TestSend_RelayFailureStillSent(t *testing.T) {
	env := newTestEnv(t)
	env.conn.SetEmitError(channel.ErrNotConnected)

	msg, err := env.p.Send(context.Background(), "conv-1", "offline relay", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := env.p.Log("conv-1"); got[0].Status != StatusSent || got[0].Message.ID != msg.ID {
		t.Errorf("entry = %+v", got[0])
	}
}

func TestReceive_RoutesWhenClosed(t *testing.T) {
	env := newTestEnv(t)
	env.router.open["conv-open"] = true

	var changed []string
	sub := env.p.OnChange(func(id string) { changed = append(changed, id) })
	defer sub.Close()

	deliver := func(id, conv string) {
		env.conn.Deliver(rpc.ReceiveMessage, rpc.ReceiveMessageParams{Message: chat.Message{
			ID: id, ConversationID: conv, SenderID: "them", Text: id, CreatedAt: epoch,
		}})
	}
	deliver("m1", "conv-open")
	deliver("m2", "conv-closed")
	deliver("m3", "conv-closed")
	deliver("m2", "conv-closed")

	if len(env.router.routed) != 2 || env.router.routed[0].ID != "m2" || env.router.routed[1].ID != "m3" {
		t.Errorf("routed = %+v", env.router.routed)
	}
	if n := env.p.Unread("conv-closed"); n != 2 {
		t.Errorf("unread = %d, want 2", n)
	}
	if n := env.p.Unread("conv-open"); n != 0 {
		t.Errorf("open conversation unread = %d", n)
	}

	closed := env.p.Log("conv-closed")
	if len(closed) != 2 || closed[0].Message.ID != "m2" || closed[1].Message.ID != "m3" {
		t.Errorf("log = %+v", closed)
	}
	if closed[0].Status != StatusReceived {
		t.Errorf("status = %s", closed[0].Status)
	}
	if len(changed) != 3 {
		t.Errorf("change notifications = %v", changed)
	}

	if err := env.p.MarkRead(context.Background(), "conv-closed"); err != nil {
		t.Fatal(err)
	}
	if env.p.Unread("conv-closed") != 0 || len(env.api.readCall) != 1 {
		t.Errorf("MarkRead did not reset: unread=%d calls=%v", env.p.Unread("conv-closed"), env.api.readCall)
	}
}

func TestReceive_EchoOfOwnSendIgnored(t *testing.T) {
	env := newTestEnv(t)

	msg, err := env.p.Send(context.Background(), "conv-1", "mine", nil)
	if err != nil {
		t.Fatal(err)
	}
	env.conn.Deliver(rpc.ReceiveMessage, rpc.ReceiveMessageParams{Message: msg})

	if n := len(env.p.Log("conv-1")); n != 1 {
		t.Errorf("log length = %d, want 1", n)
	}
	if len(env.router.routed) != 0 {
		t.Error("own message was routed")
	}
}

func TestReceive_DuringSendDropsPending(t *testing.T) {
	env := newTestEnv(t)

	// The stored copy can arrive on the channel before the send returns.
	env.api.during = func() {
		env.conn.Deliver(rpc.ReceiveMessage, rpc.ReceiveMessageParams{Message: chat.Message{
			ID: "msg-1", ConversationID: "conv-1", SenderID: "me", Text: "race", CreatedAt: epoch,
		}})
	}
	if _, err := env.p.Send(context.Background(), "conv-1", "race", nil); err != nil {
		t.Fatal(err)
	}

	got := env.p.Log("conv-1")
	if len(got) != 1 || got[0].Message.ID != "msg-1" || got[0].Status != StatusSent {
		t.Errorf("log = %+v", got)
	}
}

func TestLoad_MergesHistory(t *testing.T) {
	env := newTestEnv(t)
	env.api.history = []chat.Message{
		{ID: "h1", ConversationID: "conv-1", SenderID: "them", Text: "old", CreatedAt: epoch.Add(-time.Hour)},
		{ID: "live", ConversationID: "conv-1", SenderID: "them", Text: "new", CreatedAt: epoch},
	}
	env.router.open["conv-1"] = true
	env.conn.Deliver(rpc.ReceiveMessage, rpc.ReceiveMessageParams{Message: env.api.history[1]})

	if err := env.p.Load(context.Background(), "conv-1", 50); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := env.p.Log("conv-1")
	if len(got) != 2 || got[0].Message.ID != "h1" || got[1].Message.ID != "live" {
		t.Errorf("log = %+v", got)
	}
}

func TestMessagesRead(t *testing.T) {
	env := newTestEnv(t)

	env.conn.Deliver(rpc.MessagesRead, rpc.MessagesReadParams{ConversationID: "conv-1", UserID: "me"})
	if _, ok := env.p.ReadAt("conv-1"); ok {
		t.Error("own read receipt recorded")
	}

	env.conn.Deliver(rpc.MessagesRead, rpc.MessagesReadParams{ConversationID: "conv-1", UserID: "them"})
	at, ok := env.p.ReadAt("conv-1")
	if !ok || !at.Equal(epoch) {
		t.Errorf("ReadAt = %v, %v", at, ok)
	}
}

func TestRecordCall(t *testing.T) {
	env := newTestEnv(t)

	info := chat.CallInfo{Type: chat.CallVideo, Duration: 12, Status: chat.CallCompleted}
	msg, err := env.p.RecordCall(context.Background(), "conv-1", info)
	if err != nil {
		t.Fatalf("RecordCall: %v", err)
	}

	got := env.p.Log("conv-1")
	if len(got) != 1 || got[0].Message.Call == nil || *got[0].Message.Call != info {
		t.Errorf("log = %+v", got)
	}
	var relayed rpc.SendMessageParams
	if !env.conn.Last(rpc.SendMessage, &relayed) || relayed.Message.ID != msg.ID {
		t.Errorf("summary not relayed: %+v", relayed)
	}
}
