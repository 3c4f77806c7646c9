package ws

import (
	"context"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/hub"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/rpc"
	"github.com/sourcegraph/jsonrpc2"
)

// handleSendMessage relays an already persisted message to the counterpart
// and to everyone else in the room.
func (h *rpcMethodHandler) handleSendMessage(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, userID string) {
	var params rpc.SendMessageParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	msg := params.Message
	if msg.ID == "" {
		h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidParams, "message id is required")
		return
	}
	if msg.SenderID != userID {
		h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidRequest, "sender mismatch")
		return
	}

	conv, ok := h.conversationFor(ctx, conn, req, msg.ConversationID, userID)
	if !ok {
		return
	}
	counterpart, _ := conv.Counterpart(userID)

	n := h.hub.Notify(ctx, hub.Target{
		Users:  []string{counterpart},
		Room:   msg.ConversationID,
		Except: h.state.connID,
	}, rpc.ReceiveMessage, rpc.ReceiveMessageParams{Message: msg})
	h.log.Debug("relayed message", "messageId", msg.ID, "recipients", n)

	h.ack(ctx, conn, req)
}
