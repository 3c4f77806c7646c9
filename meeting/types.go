// Package meeting implements the lightweight appointment object exchanged
// between the two participants of a conversation and the lifecycle rules
// shared by the server handlers and the client.
package meeting

import (
	"errors"
	"time"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/chat"
)

var (
	ErrMeetingNotFound   = errors.New("meeting not found")
	ErrInvalidMeeting    = errors.New("invalid meeting")
	ErrPastSchedule      = errors.New("scheduled time must be in the future")
	ErrMeetingClosed     = errors.New("meeting is no longer open for responses")
	ErrCreatorResponse   = errors.New("the creator cannot respond to their own meeting")
	ErrAlreadyResponded  = errors.New("a new time can only be proposed before responding")
	ErrNotCreator        = errors.New("only the creator can do this")
	ErrInvalidTransition = errors.New("invalid meeting status transition")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusDeclined  Status = "declined"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the meeting no longer accepts responses.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDeclined, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

type ResponseStatus string

const (
	ResponseAccepted ResponseStatus = "accepted"
	ResponseDeclined ResponseStatus = "declined"
	ResponseProposed ResponseStatus = "proposed"
)

// Response is one participant's answer. A meeting keeps at most one per user.
type Response struct {
	UserID       string         `json:"user_id"`
	Status       ResponseStatus `json:"status"`
	ProposedTime *time.Time     `json:"proposed_time,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	RespondedAt  time.Time      `json:"responded_at"`
}

type Meeting struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	CreatorID      string        `json:"creator_id"`
	Title          string        `json:"title"`
	Agenda         string        `json:"agenda,omitempty"`
	ScheduledAt    time.Time     `json:"scheduled_at"`
	Duration       int           `json:"duration"` // minutes
	Type           chat.CallType `json:"type"`
	Status         Status        `json:"status"`
	Responses      []Response    `json:"responses"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// ScheduleRequest carries the fields a creator supplies.
type ScheduleRequest struct {
	ConversationID string        `json:"conversation_id"`
	Title          string        `json:"title"`
	Agenda         string        `json:"agenda,omitempty"`
	ScheduledAt    time.Time     `json:"scheduled_at"`
	Duration       int           `json:"duration"`
	Type           chat.CallType `json:"type"`
}

// Response returns the response recorded for userID, if any.
func (m *Meeting) Response(userID string) (Response, bool) {
	for _, r := range m.Responses {
		if r.UserID == userID {
			return r, true
		}
	}
	return Response{}, false
}
