// Package rpc defines the JSON-RPC 2.0 wire format shared by the realtime
// server and the client channel: method names for every channel event and
// the params structures they carry.
package rpc

import (
	"encoding/json"
	"time"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/chat"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/meeting"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/settings"
)

// CodeUnauthorized is returned for a missing, invalid or expired token.
const CodeUnauthorized int64 = -32001

// Methods. Everything except MethodAuth travels as a notification.
const (
	MethodAuth = "auth"

	JoinRoom          = "join_room"
	LeaveRoom         = "leave_room"
	JoinConversation  = "join_conversation"
	LeaveConversation = "leave_conversation"

	Typing           = "typing"
	StopTyping       = "stop_typing"
	UserOnline       = "user_online"
	UserOffline      = "user_offline"
	PresenceSnapshot = "presence_snapshot"

	SendMessage    = "send_message"
	ReceiveMessage = "receive_message"
	MessagesRead   = "messages_read"

	CallInitiate = "call:initiate"
	CallIncoming = "call:incoming"
	CallAccept   = "call:accept"
	CallAccepted = "call:accepted"
	CallReject   = "call:reject"
	CallRejected = "call:rejected"
	CallEnd      = "call:end"
	CallEnded    = "call:ended"

	WebRTCOffer        = "webrtc:offer"
	WebRTCAnswer       = "webrtc:answer"
	WebRTCICECandidate = "webrtc:ice-candidate"

	MeetingInvite    = "meeting:invite"
	MeetingAccepted  = "meeting:accepted"
	MeetingDeclined  = "meeting:declined"
	MeetingCancelled = "meeting:cancelled"
	MeetingProposed  = "meeting:proposed"

	SettingsChanged = "settings_changed"
)

// Client → Server

type AuthParams struct {
	Token string `json:"token"`
}

type AuthResult struct {
	UserID   string            `json:"user_id"`
	Version  string            `json:"version"`
	Settings settings.Settings `json:"settings"`
}

type RoomParams struct {
	ConversationID string `json:"conversation_id"`
}

type SendMessageParams struct {
	Message chat.Message `json:"message"`
}

// Server → Client

type TypingParams struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
}

type PresenceParams struct {
	UserID   string    `json:"user_id"`
	LastSeen time.Time `json:"last_seen"`
}

type PresenceSnapshotParams struct {
	Online []string `json:"online"`
}

type ReceiveMessageParams struct {
	Message chat.Message `json:"message"`
}

type SettingsChangedParams struct {
	Settings settings.Settings `json:"settings"`
}

type MessagesReadParams struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// Call lifecycle. The same structure is used in both directions: To is
// set by the sender, From is overwritten by the server with the
// authenticated identity before delivery.
type CallParams struct {
	CallID         string          `json:"call_id"`
	ConversationID string          `json:"conversation_id"`
	CallType       chat.CallType   `json:"call_type,omitempty"`
	From           string          `json:"from,omitempty"`
	To             string          `json:"to,omitempty"`
	Offer          *SessionDesc    `json:"offer,omitempty"`
	Answer         *SessionDesc    `json:"answer,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	SentAt         time.Time       `json:"sent_at,omitempty"`
	Extra          json.RawMessage `json:"extra,omitempty"`
}

// SessionDesc mirrors an SDP offer/answer.
type SessionDesc struct {
	Type string `json:"type"` // "offer" | "answer"
	SDP  string `json:"sdp"`
}

// SignalParams carries low-level negotiation fragments (webrtc:*).
type SignalParams struct {
	CallID         string          `json:"call_id"`
	ConversationID string          `json:"conversation_id"`
	From           string          `json:"from,omitempty"`
	To             string          `json:"to,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

// ICECandidate mirrors webrtc.ICECandidateInit on the wire.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type MeetingParams struct {
	Meeting meeting.Meeting `json:"meeting"`
	To      string          `json:"to,omitempty"`
	From    string          `json:"from,omitempty"`
}
