package ws

import (
	"context"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/hub"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/rpc"
	"github.com/sourcegraph/jsonrpc2"
)

// handleMeeting forwards meeting:* events to the other participant of the
// meeting's conversation. The meeting itself is persisted over HTTP.
func (h *rpcMethodHandler) handleMeeting(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, userID string) {
	var params rpc.MeetingParams
	if err := unmarshalParams(req, &params); err != nil || params.Meeting.ID == "" {
		h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	conv, ok := h.conversationFor(ctx, conn, req, params.Meeting.ConversationID, userID)
	if !ok {
		return
	}
	counterpart, _ := conv.Counterpart(userID)
	params.From = userID
	params.To = counterpart

	h.hub.Notify(ctx, hub.Target{Users: []string{counterpart}}, req.Method, params)
	h.log.Info("relayed meeting event", "method", req.Method, "meetingId", params.Meeting.ID)

	h.ack(ctx, conn, req)
}
