package ws

import (
	"context"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/hub"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/rpc"
	"github.com/sourcegraph/jsonrpc2"
)

// callRelay maps an inbound call event to what the addressee receives.
var callRelay = map[string]string{
	rpc.CallInitiate: rpc.CallIncoming,
	rpc.CallAccept:   rpc.CallAccepted,
	rpc.CallReject:   rpc.CallRejected,
	rpc.CallEnd:      rpc.CallEnded,
}

// Reasons sent to a callee's other connections once one of them has
// answered or declined, so they stop ringing.
const (
	reasonAnsweredElsewhere = "answered_elsewhere"
	reasonRejectedElsewhere = "rejected_elsewhere"
)

func (h *rpcMethodHandler) handleCall(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, userID string) {
	var params rpc.CallParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	if params.CallID == "" {
		h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidParams, "call_id is required")
		return
	}
	if req.Method == rpc.CallInitiate && !params.CallType.IsValid() {
		h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidParams, "invalid call_type")
		return
	}

	conv, ok := h.conversationFor(ctx, conn, req, params.ConversationID, userID)
	if !ok {
		return
	}
	// The addressee is always the other participant, whatever the client sent.
	counterpart, _ := conv.Counterpart(userID)
	params.From = userID
	params.To = counterpart

	switch req.Method {
	case rpc.CallInitiate, rpc.CallAccept:
		h.state.trackCall(params.CallID, counterpart)
	case rpc.CallReject, rpc.CallEnd:
		h.state.untrackCall(params.CallID)
	}

	out := callRelay[req.Method]
	n := h.hub.Notify(ctx, hub.Target{Users: []string{counterpart}}, out, params)
	h.log.Info("relayed call event", "method", out, "callId", params.CallID, "to", counterpart, "recipients", n)

	switch req.Method {
	case rpc.CallAccept:
		h.settleElsewhere(ctx, params, userID, reasonAnsweredElsewhere)
	case rpc.CallReject:
		h.settleElsewhere(ctx, params, userID, reasonRejectedElsewhere)
	}

	h.ack(ctx, conn, req)
}

// settleElsewhere ends the ringing call on the user's other connections.
func (h *rpcMethodHandler) settleElsewhere(ctx context.Context, params rpc.CallParams, userID, reason string) {
	ended := rpc.CallParams{
		CallID:         params.CallID,
		ConversationID: params.ConversationID,
		CallType:       params.CallType,
		From:           userID,
		To:             userID,
		Reason:         reason,
	}
	target := hub.Target{Users: []string{userID}, Except: h.state.connID}
	if n := h.hub.Notify(ctx, target, rpc.CallEnded, ended); n > 0 {
		h.log.Debug("call settled on other connections", "callId", params.CallID, "reason", reason, "recipients", n)
	}
}

// handleSignal forwards negotiation fragments verbatim.
func (h *rpcMethodHandler) handleSignal(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, userID string) {
	var params rpc.SignalParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	if params.CallID == "" {
		h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidParams, "call_id is required")
		return
	}

	conv, ok := h.conversationFor(ctx, conn, req, params.ConversationID, userID)
	if !ok {
		return
	}
	counterpart, _ := conv.Counterpart(userID)
	params.From = userID
	params.To = counterpart

	h.hub.Notify(ctx, hub.Target{Users: []string{counterpart}}, req.Method, params)
	h.log.Debug("relayed signal", "method", req.Method, "callId", params.CallID)

	h.ack(ctx, conn, req)
}
