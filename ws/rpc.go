package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/auth"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/chat"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/hub"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/logger"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/rpc"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/settings"
	"github.com/sourcegraph/jsonrpc2"
)

// TokenVerifier resolves an identity token to its claims.
type TokenVerifier interface {
	Parse(token string) (*auth.Claims, error)
}

// ConversationLookup is the slice of the store the router needs.
type ConversationLookup interface {
	GetConversation(ctx context.Context, id string) (chat.Conversation, error)
}

type Options struct {
	Version        string
	DevMode        bool
	AllowedOrigins []string
}

// RPCHandler handles JSON-RPC 2.0 over WebSocket.
type RPCHandler struct {
	tokens        TokenVerifier
	conversations ConversationLookup
	hub           *hub.Hub
	settingsStore *settings.Store
	broadcaster   *settingsBroadcaster
	opts          Options
}

func NewRPCHandler(tokens TokenVerifier, conversations ConversationLookup, h *hub.Hub, settingsStore *settings.Store, opts Options) *RPCHandler {
	broadcaster := newSettingsBroadcaster(h)
	settingsStore.AddListener(broadcaster)
	broadcaster.Start()

	return &RPCHandler{
		tokens:        tokens,
		conversations: conversations,
		hub:           h,
		settingsStore: settingsStore,
		broadcaster:   broadcaster,
		opts:          opts,
	}
}

// Stop stops the RPC handler and releases resources.
func (h *RPCHandler) Stop() {
	h.broadcaster.Stop()
}

func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.opts.DevMode,
		OriginPatterns:     h.opts.AllowedOrigins,
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}

	h.handleConnection(r.Context(), conn)
}

func (h *RPCHandler) handleConnection(ctx context.Context, wsConn *websocket.Conn) {
	stream := rpc.NewWebSocketStream(wsConn)
	connID := uuid.Must(uuid.NewV7()).String()
	h.HandleStream(ctx, stream, connID)
}

// HandleStream serves one connection until it closes. Requests are handled
// in arrival order so that a client's signaling (offer before candidates,
// typing before stop_typing) reaches the peer in the order it was sent.
func (h *RPCHandler) HandleStream(ctx context.Context, stream jsonrpc2.ObjectStream, connID string) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "websocket connection crashed", "connId", connID)
		}
	}()

	log := slog.With("connId", connID)
	log.Info("new connection")

	state := &rpcConnState{
		connID: connID,
		log:    log,
		calls:  make(map[string]string),
	}

	handler := &rpcMethodHandler{
		RPCHandler: h,
		state:      state,
		log:        log,
	}

	rpcConn := jsonrpc2.NewConn(ctx, stream, handler)
	state.setConn(rpcConn)

	<-rpcConn.DisconnectNotify()

	state.cleanup(h)
	log.Info("connection closed")
}

// rpcConnState tracks per-connection state.
type rpcConnState struct {
	mu       sync.Mutex
	connID   string
	conn     *jsonrpc2.Conn
	notifier *connNotifier
	log      *slog.Logger
	userID   string            // set after auth
	calls    map[string]string // call id → counterpart user, for calls this connection took part in
}

func (s *rpcConnState) setConn(conn *jsonrpc2.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.notifier = newConnNotifier(conn)
	s.mu.Unlock()
}

func (s *rpcConnState) getUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *rpcConnState) trackCall(callID, counterpart string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[callID] = counterpart
}

func (s *rpcConnState) untrackCall(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.calls, callID)
}

func (s *rpcConnState) cleanup(h *RPCHandler) {
	s.mu.Lock()
	userID := s.userID
	calls := s.calls
	s.calls = nil
	s.mu.Unlock()

	if userID == "" {
		return // Not authenticated yet (e.g., connection closed before auth)
	}

	ctx := context.Background()

	// A dropped connection ends its calls for the other side.
	for callID, counterpart := range calls {
		h.hub.Notify(ctx, hub.Target{Users: []string{counterpart}}, rpc.CallEnded, rpc.CallParams{
			CallID: callID,
			From:   userID,
			To:     counterpart,
			Reason: "disconnected",
		})
	}

	_, wentOffline, lastSeen := h.hub.Unregister(s.connID)
	if wentOffline {
		h.hub.Notify(ctx, hub.Target{All: true}, rpc.UserOffline, rpc.PresenceParams{UserID: userID, LastSeen: lastSeen})
	}
}

type rpcMethodHandler struct {
	*RPCHandler
	state *rpcConnState
	log   *slog.Logger
}

func (h *rpcMethodHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "rpc handler panic", "method", req.Method, "connId", h.state.connID)
		}
	}()

	h.log.Debug("received request", "method", req.Method, "notif", req.Notif)

	// Auth must be the first request
	userID := h.state.getUserID()
	if userID == "" {
		if req.Method != rpc.MethodAuth {
			h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidRequest, "first request must be auth")
			conn.Close()
			return
		}
		h.handleAuth(ctx, conn, req)
		return
	}

	h.hub.Touch(userID)

	switch req.Method {
	// rooms
	case rpc.JoinRoom, rpc.JoinConversation:
		h.handleJoin(ctx, conn, req, userID)
	case rpc.LeaveRoom, rpc.LeaveConversation:
		h.handleLeave(ctx, conn, req)
	case rpc.Typing, rpc.StopTyping:
		h.handleTyping(ctx, conn, req, userID)
	// messages
	case rpc.SendMessage:
		h.handleSendMessage(ctx, conn, req, userID)
	// calls
	case rpc.CallInitiate, rpc.CallAccept, rpc.CallReject, rpc.CallEnd:
		h.handleCall(ctx, conn, req, userID)
	case rpc.WebRTCOffer, rpc.WebRTCAnswer, rpc.WebRTCICECandidate:
		h.handleSignal(ctx, conn, req, userID)
	// meetings
	case rpc.MeetingInvite, rpc.MeetingAccepted, rpc.MeetingDeclined, rpc.MeetingCancelled, rpc.MeetingProposed:
		h.handleMeeting(ctx, conn, req, userID)
	default:
		h.replyError(ctx, conn, req, jsonrpc2.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (h *rpcMethodHandler) handleAuth(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.AuthParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidParams, "invalid params")
		conn.Close()
		return
	}

	claims, err := h.tokens.Parse(params.Token)
	if err != nil {
		h.log.Warn("invalid auth token", "error", err)
		h.replyError(ctx, conn, req, rpc.CodeUnauthorized, "invalid token")
		conn.Close()
		return
	}

	h.state.mu.Lock()
	h.state.userID = claims.UserID
	notifier := h.state.notifier
	h.state.mu.Unlock()

	h.log = h.log.With("userId", claims.UserID)
	h.state.log = h.log

	cameOnline := h.hub.Register(&hub.Subscription{ID: h.state.connID, UserID: claims.UserID, Notifier: notifier})
	h.log.Info("authenticated")

	result := rpc.AuthResult{
		UserID:   claims.UserID,
		Version:  h.opts.Version,
		Settings: h.settingsStore.Get(),
	}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send auth response", "error", err)
		return
	}

	if err := conn.Notify(ctx, rpc.PresenceSnapshot, rpc.PresenceSnapshotParams{Online: h.hub.Online()}); err != nil {
		h.log.Debug("failed to send presence snapshot", "error", err)
	}
	if cameOnline {
		lastSeen, _ := h.hub.LastSeen(claims.UserID)
		h.hub.Notify(ctx, hub.Target{All: true, Except: h.state.connID}, rpc.UserOnline,
			rpc.PresenceParams{UserID: claims.UserID, LastSeen: lastSeen})
	}
}

// ack answers requests that carry an id. Events sent as notifications get
// no reply.
func (h *rpcMethodHandler) ack(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req.Notif {
		return
	}
	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send response", "method", req.Method, "error", err)
	}
}

func (h *rpcMethodHandler) replyError(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, code int64, message string) {
	if req.Notif {
		h.log.Warn("rejected notification", "method", req.Method, "code", code, "reason", message)
		return
	}
	err := &jsonrpc2.Error{
		Code:    code,
		Message: message,
	}
	if replyErr := conn.ReplyWithError(ctx, req.ID, err); replyErr != nil {
		h.log.Error("failed to send error response", "error", replyErr)
	}
}

// conversationFor loads the conversation and checks that userID takes
// part in it. On failure the request has already been answered.
func (h *rpcMethodHandler) conversationFor(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, conversationID, userID string) (chat.Conversation, bool) {
	if conversationID == "" {
		h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidParams, "conversation_id is required")
		return chat.Conversation{}, false
	}
	conv, err := h.conversations.GetConversation(ctx, conversationID)
	if errors.Is(err, chat.ErrConversationNotFound) {
		h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidParams, "conversation not found")
		return chat.Conversation{}, false
	}
	if err != nil {
		h.log.Error("failed to load conversation", "conversationId", conversationID, "error", err)
		h.replyError(ctx, conn, req, jsonrpc2.CodeInternalError, "internal error")
		return chat.Conversation{}, false
	}
	if !conv.HasParticipant(userID) {
		h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidRequest, "not a participant")
		return chat.Conversation{}, false
	}
	return conv, true
}

func unmarshalParams(req *jsonrpc2.Request, v interface{}) error {
	if req.Params == nil {
		return errors.New("params required")
	}
	return json.Unmarshal(*req.Params, v)
}
