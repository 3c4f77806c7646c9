package ws

import (
	"context"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/hub"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/rpc"
	"github.com/sourcegraph/jsonrpc2"
)

func (h *rpcMethodHandler) handleJoin(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, userID string) {
	var params rpc.RoomParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	if _, ok := h.conversationFor(ctx, conn, req, params.ConversationID, userID); !ok {
		return
	}

	if h.hub.Join(h.state.connID, params.ConversationID) {
		h.log.Debug("joined room", "conversationId", params.ConversationID)
	}
	h.ack(ctx, conn, req)
}

func (h *rpcMethodHandler) handleLeave(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.RoomParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	if h.hub.Leave(h.state.connID, params.ConversationID) {
		h.log.Debug("left room", "conversationId", params.ConversationID)
	}
	h.ack(ctx, conn, req)
}

// handleTyping broadcasts to every other connection; receivers filter by
// conversation.
func (h *rpcMethodHandler) handleTyping(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, userID string) {
	var params rpc.TypingParams
	if err := unmarshalParams(req, &params); err != nil || params.ConversationID == "" {
		h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	params.UserID = userID

	h.hub.Notify(ctx, hub.Target{All: true, Except: h.state.connID}, req.Method, params)
	h.ack(ctx, conn, req)
}
