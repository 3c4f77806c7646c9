package api

import (
	"net/http"
	"time"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/chat"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/events"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/logger"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/meeting"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/middleware"
)

type MeetingHandler struct {
	store  Store
	events EventEmitter
}

func NewMeetingHandler(store Store, events EventEmitter) *MeetingHandler {
	return &MeetingHandler{store: store, events: events}
}

type meetingListResponse struct {
	Meetings []meeting.Meeting `json:"meetings"`
}

// HandleList serves GET /api/conversations/{id}/meetings.
func (h *MeetingHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	log := logger.NewRequestLogger()
	if _, err := h.conversation(r); err != nil {
		writeError(w, log, err)
		return
	}

	meetings, err := h.store.ListMeetings(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, http.StatusOK, meetingListResponse{Meetings: meetings})
}

// HandleCreate serves POST /api/conversations/{id}/meetings.
func (h *MeetingHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	log := logger.NewRequestLogger()
	userID := middleware.UserID(r.Context())

	var req meeting.ScheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, log, err)
		return
	}
	req.ConversationID = r.PathValue("id")

	m, err := h.store.CreateMeeting(r.Context(), userID, req)
	if err != nil {
		writeError(w, log, err)
		return
	}

	log.Info("meeting scheduled", "meetingId", m.ID, "scheduledAt", m.ScheduledAt)
	h.events.Emit(events.MeetingScheduled, m)
	writeJSON(w, http.StatusCreated, m)
}

type declineRequest struct {
	Reason string `json:"reason"`
}

type proposeRequest struct {
	Time   time.Time `json:"time"`
	Reason string    `json:"reason"`
}

func (h *MeetingHandler) HandleAccept(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, func(m *meeting.Meeting, userID string, now time.Time) error {
		return m.Accept(userID, now)
	})
}

// HandleDecline accepts an empty reason.
func (h *MeetingHandler) HandleDecline(w http.ResponseWriter, r *http.Request) {
	var req declineRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, logger.NewRequestLogger(), err)
			return
		}
	}
	h.update(w, r, func(m *meeting.Meeting, userID string, now time.Time) error {
		return m.Decline(userID, req.Reason, now)
	})
}

func (h *MeetingHandler) HandlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, logger.NewRequestLogger(), err)
		return
	}
	h.update(w, r, func(m *meeting.Meeting, userID string, now time.Time) error {
		return m.ProposeNewTime(userID, req.Time.UTC(), req.Reason, now)
	})
}

func (h *MeetingHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, func(m *meeting.Meeting, userID string, now time.Time) error {
		return m.Cancel(userID, now)
	})
}

func (h *MeetingHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, func(m *meeting.Meeting, userID string, now time.Time) error {
		if m.CreatorID != userID {
			if _, ok := m.Response(userID); !ok {
				return chat.ErrNotParticipant
			}
		}
		return m.Complete(now)
	})
}

// update applies a transition to /api/meetings/{id} on behalf of the caller.
func (h *MeetingHandler) update(w http.ResponseWriter, r *http.Request, fn func(m *meeting.Meeting, userID string, now time.Time) error) {
	log := logger.NewRequestLogger()
	userID := middleware.UserID(r.Context())
	id := r.PathValue("id")

	// Participants never change, so the check can run before the
	// transaction that applies fn.
	current, err := h.store.GetMeeting(r.Context(), id)
	if err != nil {
		writeError(w, log, err)
		return
	}
	conv, err := h.store.GetConversation(r.Context(), current.ConversationID)
	if err != nil {
		writeError(w, log, err)
		return
	}
	if !conv.HasParticipant(userID) {
		writeError(w, log, chat.ErrNotParticipant)
		return
	}

	m, err := h.store.UpdateMeeting(r.Context(), id, func(m *meeting.Meeting, now time.Time) error {
		return fn(m, userID, now)
	})
	if err != nil {
		writeError(w, log, err)
		return
	}

	log.Info("meeting updated", "meetingId", m.ID, "status", m.Status)
	h.events.Emit(events.MeetingUpdated, m)
	writeJSON(w, http.StatusOK, m)
}

func (h *MeetingHandler) conversation(r *http.Request) (chat.Conversation, error) {
	conv, err := h.store.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		return chat.Conversation{}, err
	}
	if !conv.HasParticipant(middleware.UserID(r.Context())) {
		return chat.Conversation{}, chat.ErrNotParticipant
	}
	return conv, nil
}
