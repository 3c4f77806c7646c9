package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/auth"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/chat"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/hub"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/meeting"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/rpc"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/settings"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/store"
	"github.com/sourcegraph/jsonrpc2"
)

type testEnv struct {
	t      *testing.T
	jwt    *auth.JWT
	store  *store.Store
	hub    *hub.Hub
	server *httptest.Server
	conv   chat.Conversation
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	settingsStore, err := settings.NewStore(dir)
	if err != nil {
		t.Fatalf("failed to create settings store: %v", err)
	}
	conv, _, err := st.GetOrCreateConversation(context.Background(), "seller", "buyer")
	if err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}

	j := auth.NewJWT("test-secret")
	h := hub.New()
	handler := NewRPCHandler(j, st, h, settingsStore, Options{Version: "test", DevMode: true})
	server := httptest.NewServer(handler)

	t.Cleanup(func() {
		server.Close()
		handler.Stop()
		st.Close()
	})

	return &testEnv{t: t, jwt: j, store: st, hub: h, server: server, conv: conv}
}

type wireMessage struct {
	ID     *uint64         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *jsonrpc2.Error `json:"error,omitempty"`
}

type testClient struct {
	t       *testing.T
	conn    *websocket.Conn
	ctx     context.Context
	nextID  uint64
	pending []wireMessage // notifications read while waiting for a response
}

func (e *testEnv) dial() *testClient {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		cancel()
		e.t.Fatalf("failed to connect: %v", err)
	}
	e.t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "")
		cancel()
	})
	return &testClient{t: e.t, conn: conn, ctx: ctx}
}

// connect dials and authenticates as userID.
func (e *testEnv) connect(userID string) *testClient {
	e.t.Helper()
	c := e.dial()
	token, err := e.jwt.Sign(userID, time.Hour)
	if err != nil {
		e.t.Fatalf("failed to sign token: %v", err)
	}
	resp := c.call(rpc.MethodAuth, rpc.AuthParams{Token: token})
	if resp.Error != nil {
		e.t.Fatalf("auth failed: %s", resp.Error.Message)
	}
	c.expect(rpc.PresenceSnapshot)
	return c
}

func (c *testClient) write(msg map[string]any) {
	msg["jsonrpc"] = "2.0"
	data, _ := json.Marshal(msg)
	if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		c.t.Fatalf("failed to send: %v", err)
	}
}

func (c *testClient) read() wireMessage {
	_, data, err := c.conn.Read(c.ctx)
	if err != nil {
		c.t.Fatalf("failed to read: %v", err)
	}
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.t.Fatalf("failed to unmarshal: %v", err)
	}
	return msg
}

func (c *testClient) call(method string, params any) wireMessage {
	c.t.Helper()
	c.nextID++
	id := c.nextID
	c.write(map[string]any{"id": id, "method": method, "params": params})
	for {
		msg := c.read()
		if msg.ID != nil && msg.Method == "" && *msg.ID == id {
			return msg
		}
		c.pending = append(c.pending, msg)
	}
}

func (c *testClient) notify(method string, params any) {
	c.write(map[string]any{"method": method, "params": params})
}

// expect returns the next notification with the given method, skipping
// unrelated ones.
func (c *testClient) expect(method string) wireMessage {
	c.t.Helper()
	for i, msg := range c.pending {
		if msg.Method == method {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return msg
		}
	}
	for {
		msg := c.read()
		if msg.Method == method {
			return msg
		}
		c.pending = append(c.pending, msg)
	}
}

func (c *testClient) received(method string) bool {
	for _, msg := range c.pending {
		if msg.Method == method {
			return true
		}
	}
	return false
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("failed to decode %s: %v", raw, err)
	}
	return v
}

func TestHandler_FirstRequestMustBeAuth(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial()

	resp := c.call(rpc.JoinRoom, rpc.RoomParams{ConversationID: env.conv.ID})
	if resp.Error == nil || resp.Error.Code != jsonrpc2.CodeInvalidRequest {
		t.Fatalf("expected invalid request error, got %+v", resp)
	}
}

func TestHandler_InvalidToken(t *testing.T) {
	env := newTestEnv(t)
	expired, _ := env.jwt.Sign("seller", -time.Minute)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "abc.def.ghi"},
		{"expired", expired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := env.dial()
			resp := c.call(rpc.MethodAuth, rpc.AuthParams{Token: tt.token})
			if resp.Error == nil || resp.Error.Code != rpc.CodeUnauthorized {
				t.Fatalf("expected unauthorized, got %+v", resp)
			}
		})
	}
}

func TestHandler_AuthReturnsSettings(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial()
	token, _ := env.jwt.Sign("seller", time.Hour)

	resp := c.call(rpc.MethodAuth, rpc.AuthParams{Token: token})
	if resp.Error != nil {
		t.Fatalf("auth failed: %s", resp.Error.Message)
	}
	result := decode[rpc.AuthResult](t, resp.Result)
	if result.UserID != "seller" || result.Version != "test" {
		t.Errorf("unexpected result %+v", result)
	}
	if result.Settings.MaxSurfaces != 3 || len(result.Settings.ICEServers) == 0 {
		t.Errorf("settings not advertised: %+v", result.Settings)
	}

	snap := decode[rpc.PresenceSnapshotParams](t, c.expect(rpc.PresenceSnapshot).Params)
	if len(snap.Online) != 1 || snap.Online[0] != "seller" {
		t.Errorf("snapshot = %v", snap.Online)
	}
}

func TestHandler_Presence(t *testing.T) {
	env := newTestEnv(t)
	seller := env.connect("seller")
	buyer := env.connect("buyer")

	online := decode[rpc.PresenceParams](t, seller.expect(rpc.UserOnline).Params)
	if online.UserID != "buyer" {
		t.Errorf("user_online for %q", online.UserID)
	}

	buyer.conn.Close(websocket.StatusNormalClosure, "")

	offline := decode[rpc.PresenceParams](t, seller.expect(rpc.UserOffline).Params)
	if offline.UserID != "buyer" || offline.LastSeen.IsZero() {
		t.Errorf("user_offline = %+v", offline)
	}
}

func TestHandler_JoinRequiresParticipant(t *testing.T) {
	env := newTestEnv(t)
	outsider := env.connect("stranger")

	resp := outsider.call(rpc.JoinRoom, rpc.RoomParams{ConversationID: env.conv.ID})
	if resp.Error == nil {
		t.Fatal("outsider must not join")
	}

	seller := env.connect("seller")
	for i := 0; i < 2; i++ {
		if resp := seller.call(rpc.JoinConversation, rpc.RoomParams{ConversationID: env.conv.ID}); resp.Error != nil {
			t.Fatalf("join %d: %s", i, resp.Error.Message)
		}
	}
	if got := env.hub.RoomMembers(env.conv.ID); len(got) != 1 {
		t.Errorf("double join produced %d memberships", len(got))
	}
}

func TestHandler_TypingBroadcast(t *testing.T) {
	env := newTestEnv(t)
	seller := env.connect("seller")
	buyer := env.connect("buyer")

	buyer.notify(rpc.Typing, rpc.TypingParams{ConversationID: env.conv.ID})

	got := decode[rpc.TypingParams](t, seller.expect(rpc.Typing).Params)
	if got.ConversationID != env.conv.ID || got.UserID != "buyer" {
		t.Errorf("typing = %+v", got)
	}
}

func TestHandler_SendMessageRelay(t *testing.T) {
	env := newTestEnv(t)
	seller := env.connect("seller")
	buyer := env.connect("buyer")
	seller.call(rpc.JoinRoom, rpc.RoomParams{ConversationID: env.conv.ID})

	msg, err := env.store.InsertMessage(context.Background(), chat.Message{
		ConversationID: env.conv.ID, SenderID: "seller", Text: "Delivery is ready",
	})
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	if resp := seller.call(rpc.SendMessage, rpc.SendMessageParams{Message: msg}); resp.Error != nil {
		t.Fatalf("send_message: %s", resp.Error.Message)
	}

	got := decode[rpc.ReceiveMessageParams](t, buyer.expect(rpc.ReceiveMessage).Params)
	if got.Message.ID != msg.ID || got.Message.Text != "Delivery is ready" {
		t.Errorf("received %+v", got.Message)
	}
	if seller.received(rpc.ReceiveMessage) {
		t.Error("message echoed to the sending connection")
	}

	forged := msg
	forged.SenderID = "buyer"
	if resp := seller.call(rpc.SendMessage, rpc.SendMessageParams{Message: forged}); resp.Error == nil {
		t.Error("forged sender accepted")
	}
}

func TestHandler_CallRelay(t *testing.T) {
	env := newTestEnv(t)
	seller := env.connect("seller")
	buyer := env.connect("buyer")

	resp := seller.call(rpc.CallInitiate, rpc.CallParams{
		CallID:         "call-1",
		ConversationID: env.conv.ID,
		CallType:       chat.CallVideo,
		From:           "someone-else",
		Offer:          &rpc.SessionDesc{Type: "offer", SDP: "v=0"},
	})
	if resp.Error != nil {
		t.Fatalf("call:initiate: %s", resp.Error.Message)
	}

	incoming := decode[rpc.CallParams](t, buyer.expect(rpc.CallIncoming).Params)
	if incoming.CallID != "call-1" || incoming.From != "seller" || incoming.To != "buyer" {
		t.Errorf("incoming = %+v", incoming)
	}
	if incoming.Offer == nil || incoming.Offer.SDP != "v=0" {
		t.Errorf("offer not forwarded: %+v", incoming.Offer)
	}

	buyer.notify(rpc.WebRTCICECandidate, rpc.SignalParams{
		CallID:         "call-1",
		ConversationID: env.conv.ID,
		Payload:        json.RawMessage(`{"candidate":"candidate:1 1 UDP 1 10.0.0.1 9 typ host"}`),
	})
	sig := decode[rpc.SignalParams](t, seller.expect(rpc.WebRTCICECandidate).Params)
	if sig.From != "buyer" || !strings.Contains(string(sig.Payload), "10.0.0.1") {
		t.Errorf("signal = %+v", sig)
	}

	buyer.notify(rpc.CallReject, rpc.CallParams{CallID: "call-1", ConversationID: env.conv.ID})
	rejected := decode[rpc.CallParams](t, seller.expect(rpc.CallRejected).Params)
	if rejected.CallID != "call-1" {
		t.Errorf("rejected = %+v", rejected)
	}
}

func TestHandler_CallSettledOnOtherConnections(t *testing.T) {
	env := newTestEnv(t)
	seller := env.connect("seller")
	phone := env.connect("buyer")
	laptop := env.connect("buyer")

	ring := func(callID string) {
		t.Helper()
		seller.call(rpc.CallInitiate, rpc.CallParams{CallID: callID, ConversationID: env.conv.ID, CallType: chat.CallAudio})
		phone.expect(rpc.CallIncoming)
		laptop.expect(rpc.CallIncoming)
	}

	ring("call-1")
	if resp := phone.call(rpc.CallAccept, rpc.CallParams{CallID: "call-1", ConversationID: env.conv.ID}); resp.Error != nil {
		t.Fatalf("call:accept: %s", resp.Error.Message)
	}
	seller.expect(rpc.CallAccepted)
	ended := decode[rpc.CallParams](t, laptop.expect(rpc.CallEnded).Params)
	if ended.CallID != "call-1" || ended.Reason != reasonAnsweredElsewhere {
		t.Errorf("ended = %+v", ended)
	}
	if phone.received(rpc.CallEnded) {
		t.Error("answering connection told the call ended")
	}

	ring("call-2")
	if resp := laptop.call(rpc.CallReject, rpc.CallParams{CallID: "call-2", ConversationID: env.conv.ID}); resp.Error != nil {
		t.Fatalf("call:reject: %s", resp.Error.Message)
	}
	seller.expect(rpc.CallRejected)
	ended = decode[rpc.CallParams](t, phone.expect(rpc.CallEnded).Params)
	if ended.CallID != "call-2" || ended.Reason != reasonRejectedElsewhere {
		t.Errorf("ended = %+v", ended)
	}
	if seller.received(rpc.CallEnded) {
		t.Error("caller told the call ended")
	}
}

func TestHandler_CallInitiateValidation(t *testing.T) {
	env := newTestEnv(t)
	seller := env.connect("seller")

	tests := []struct {
		name   string
		params rpc.CallParams
	}{
		{"missing call id", rpc.CallParams{ConversationID: env.conv.ID, CallType: chat.CallAudio}},
		{"bad type", rpc.CallParams{CallID: "c", ConversationID: env.conv.ID, CallType: "fax"}},
		{"unknown conversation", rpc.CallParams{CallID: "c", ConversationID: "nope", CallType: chat.CallAudio}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := seller.call(rpc.CallInitiate, tt.params); resp.Error == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestHandler_DisconnectEndsCall(t *testing.T) {
	env := newTestEnv(t)
	seller := env.connect("seller")
	buyer := env.connect("buyer")

	seller.call(rpc.CallInitiate, rpc.CallParams{CallID: "call-9", ConversationID: env.conv.ID, CallType: chat.CallAudio})
	buyer.expect(rpc.CallIncoming)

	seller.conn.Close(websocket.StatusNormalClosure, "")

	ended := decode[rpc.CallParams](t, buyer.expect(rpc.CallEnded).Params)
	if ended.CallID != "call-9" || ended.Reason != "disconnected" {
		t.Errorf("ended = %+v", ended)
	}
}

func TestHandler_MeetingRelay(t *testing.T) {
	env := newTestEnv(t)
	seller := env.connect("seller")
	buyer := env.connect("buyer")

	m, err := env.store.CreateMeeting(context.Background(), "seller", meeting.ScheduleRequest{
		ConversationID: env.conv.ID,
		Title:          "Kickoff",
		ScheduledAt:    time.Now().Add(24 * time.Hour),
		Duration:       30,
		Type:           chat.CallVideo,
	})
	if err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}

	seller.notify(rpc.MeetingInvite, rpc.MeetingParams{Meeting: m})

	got := decode[rpc.MeetingParams](t, buyer.expect(rpc.MeetingInvite).Params)
	if got.Meeting.ID != m.ID || got.From != "seller" {
		t.Errorf("invite = %+v", got)
	}
}

func TestHandler_UnknownMethod(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect("seller")

	resp := c.call("gig.delete", struct{}{})
	if resp.Error == nil || resp.Error.Code != jsonrpc2.CodeMethodNotFound {
		t.Errorf("expected method not found, got %+v", resp)
	}
}
