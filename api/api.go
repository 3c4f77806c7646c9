// Package api serves the request/response side of the realtime core:
// conversations, message history and uploads, call summaries and meetings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/chat"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/hub"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/meeting"
)

// Store is the persistence the handlers need.
type Store interface {
	GetOrCreateConversation(ctx context.Context, a, b string) (chat.Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (chat.Conversation, error)
	ListConversations(ctx context.Context, userID string, page, limit int) ([]chat.Conversation, int, error)
	InsertMessage(ctx context.Context, msg chat.Message) (chat.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int, before time.Time) ([]chat.Message, error)
	MarkRead(ctx context.Context, conversationID, userID string) error

	CreateMeeting(ctx context.Context, creatorID string, req meeting.ScheduleRequest) (meeting.Meeting, error)
	GetMeeting(ctx context.Context, id string) (meeting.Meeting, error)
	ListMeetings(ctx context.Context, conversationID string) ([]meeting.Meeting, error)
	UpdateMeeting(ctx context.Context, id string, fn func(m *meeting.Meeting, now time.Time) error) (meeting.Meeting, error)
}

// Notifier pushes server-originated channel events (messages_read).
type Notifier interface {
	Notify(ctx context.Context, t hub.Target, method string, params any) int
}

// EventEmitter publishes domain events.
type EventEmitter interface {
	Emit(key string, data any)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chat.ErrConversationNotFound), errors.Is(err, meeting.ErrMeetingNotFound):
		status = http.StatusNotFound
	case errors.Is(err, chat.ErrNotParticipant), errors.Is(err, meeting.ErrNotCreator):
		status = http.StatusForbidden
	case errors.Is(err, meeting.ErrMeetingClosed), errors.Is(err, meeting.ErrInvalidTransition),
		errors.Is(err, meeting.ErrAlreadyResponded):
		status = http.StatusConflict
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrSelfConversation),
		errors.Is(err, meeting.ErrInvalidMeeting), errors.Is(err, meeting.ErrPastSchedule),
		errors.Is(err, meeting.ErrCreatorResponse), errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

var errBadRequest = errors.New("bad request")

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}
