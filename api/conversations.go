package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/chat"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/events"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/hub"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/logger"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/middleware"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/rpc"
)

// textLogMaxLen limits message text in logs for privacy.
const textLogMaxLen = 40

type ConversationHandler struct {
	store    Store
	uploads  *UploadStore
	notifier Notifier
	events   EventEmitter
}

func NewConversationHandler(store Store, uploads *UploadStore, notifier Notifier, events EventEmitter) *ConversationHandler {
	return &ConversationHandler{store: store, uploads: uploads, notifier: notifier, events: events}
}

type conversationListResponse struct {
	Conversations []chat.Conversation `json:"conversations"`
	Total         int                 `json:"total"`
	Page          int                 `json:"page"`
	Limit         int                 `json:"limit"`
}

// HandleList serves GET /api/conversations?page=&limit=.
func (h *ConversationHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	log := logger.NewRequestLogger()
	userID := middleware.UserID(r.Context())

	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 20)
	if limit > 100 {
		limit = 100
	}

	convs, total, err := h.store.ListConversations(r.Context(), userID, page, limit)
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationListResponse{Conversations: convs, Total: total, Page: page, Limit: limit})
}

type createConversationRequest struct {
	ParticipantID string `json:"participant_id"`
}

// HandleCreate serves POST /api/conversations. Returns the existing
// conversation for the pair when there is one.
func (h *ConversationHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	log := logger.NewRequestLogger()
	userID := middleware.UserID(r.Context())

	var req createConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, log, err)
		return
	}

	conv, created, err := h.store.GetOrCreateConversation(r.Context(), userID, strings.TrimSpace(req.ParticipantID))
	if err != nil {
		writeError(w, log, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		log.Info("conversation created", "conversationId", conv.ID)
	}
	writeJSON(w, status, conv)
}

// HandleGet serves GET /api/conversations/{id}.
func (h *ConversationHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	log := logger.NewRequestLogger()
	conv, err := h.participantConversation(r)
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

type messageListResponse struct {
	Messages []chat.Message `json:"messages"`
}

// HandleListMessages serves GET /api/conversations/{id}/messages?limit=&before=.
func (h *ConversationHandler) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	log := logger.NewRequestLogger()
	conv, err := h.participantConversation(r)
	if err != nil {
		writeError(w, log, err)
		return
	}

	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		before, err = time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, log, fmt.Errorf("%w: before must be RFC 3339", errBadRequest))
			return
		}
	}

	msgs, err := h.store.ListMessages(r.Context(), conv.ID, queryInt(r, "limit", 50), before)
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, http.StatusOK, messageListResponse{Messages: msgs})
}

// HandleSendMessage serves POST /api/conversations/{id}/messages as
// multipart form data: a "text" field and any number of "files".
func (h *ConversationHandler) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	log := logger.NewRequestLogger()
	userID := middleware.UserID(r.Context())

	conv, err := h.participantConversation(r)
	if err != nil {
		writeError(w, log, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadFiles*maxUploadSize)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, log, errors.Join(errBadRequest, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	text := r.FormValue("text")
	files := r.MultipartForm.File["files"]
	if strings.TrimSpace(text) == "" && len(files) == 0 {
		writeError(w, log, chat.ErrEmptyMessage)
		return
	}
	if len(files) > maxUploadFiles {
		writeError(w, log, fmt.Errorf("%w: at most %d files", errBadRequest, maxUploadFiles))
		return
	}

	attachments := make([]chat.Attachment, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			writeError(w, log, err)
			return
		}
		stored, size, err := h.uploads.Save(fh.Filename, f)
		f.Close()
		if err != nil {
			writeError(w, log, err)
			return
		}
		attachments = append(attachments, chat.Attachment{
			URL:  "/uploads/" + stored,
			Name: fh.Filename,
			Size: size,
			Type: chat.AttachmentTypeOf(fh.Filename, fh.Header.Get("Content-Type")),
		})
	}

	msg, err := h.store.InsertMessage(r.Context(), chat.Message{
		ConversationID: conv.ID,
		SenderID:       userID,
		Text:           text,
		Attachments:    attachments,
	})
	if err != nil {
		writeError(w, log, err)
		return
	}

	log.Info("message stored", "messageId", msg.ID, "text", logger.Truncate(msg.Text, textLogMaxLen), "attachments", len(attachments))
	h.events.Emit(events.MessageCreated, msg)
	writeJSON(w, http.StatusCreated, msg)
}

// HandleMarkRead serves POST /api/conversations/{id}/read.
func (h *ConversationHandler) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	log := logger.NewRequestLogger()
	userID := middleware.UserID(r.Context())

	conv, err := h.participantConversation(r)
	if err != nil {
		writeError(w, log, err)
		return
	}
	if err := h.store.MarkRead(r.Context(), conv.ID, userID); err != nil {
		writeError(w, log, err)
		return
	}

	counterpart, _ := conv.Counterpart(userID)
	h.notifier.Notify(r.Context(), hub.Target{Users: []string{counterpart}}, rpc.MessagesRead,
		rpc.MessagesReadParams{ConversationID: conv.ID, UserID: userID})

	w.WriteHeader(http.StatusNoContent)
}

type recordCallRequest struct {
	CallType chat.CallType   `json:"call_type"`
	Duration int             `json:"duration"`
	Status   chat.CallStatus `json:"status"`
}

// HandleRecordCall serves POST /api/conversations/{id}/calls and stores the
// call summary message on behalf of the caller.
func (h *ConversationHandler) HandleRecordCall(w http.ResponseWriter, r *http.Request) {
	log := logger.NewRequestLogger()
	userID := middleware.UserID(r.Context())

	conv, err := h.participantConversation(r)
	if err != nil {
		writeError(w, log, err)
		return
	}

	var req recordCallRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, log, err)
		return
	}
	if !req.CallType.IsValid() || !req.Status.IsValid() || req.Duration < 0 {
		writeError(w, log, fmt.Errorf("%w: invalid call summary", errBadRequest))
		return
	}
	// Only completed calls have a duration.
	if req.Status != chat.CallCompleted {
		req.Duration = 0
	}

	msg, err := h.store.InsertMessage(r.Context(), chat.Message{
		ConversationID: conv.ID,
		SenderID:       userID,
		Call:           &chat.CallInfo{Type: req.CallType, Duration: req.Duration, Status: req.Status},
	})
	if err != nil {
		writeError(w, log, err)
		return
	}

	log.Info("call recorded", "messageId", msg.ID, "status", req.Status, "duration", req.Duration)
	h.events.Emit(events.CallRecorded, msg)
	writeJSON(w, http.StatusCreated, msg)
}

// participantConversation loads {id} and checks the caller takes part in it.
func (h *ConversationHandler) participantConversation(r *http.Request) (chat.Conversation, error) {
	conv, err := h.store.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		return chat.Conversation{}, err
	}
	if !conv.HasParticipant(middleware.UserID(r.Context())) {
		return chat.Conversation{}, chat.ErrNotParticipant
	}
	return conv, nil
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 1 {
		return def
	}
	return v
}
