package api

import "net/http"

// Register mounts every endpoint on mux. Authentication is applied by the
// caller around the whole mux.
func Register(mux *http.ServeMux, conversations *ConversationHandler, meetings *MeetingHandler, uploads *UploadStore) {
	mux.HandleFunc("GET /api/conversations", conversations.HandleList)
	mux.HandleFunc("POST /api/conversations", conversations.HandleCreate)
	mux.HandleFunc("GET /api/conversations/{id}", conversations.HandleGet)
	mux.HandleFunc("GET /api/conversations/{id}/messages", conversations.HandleListMessages)
	mux.HandleFunc("POST /api/conversations/{id}/messages", conversations.HandleSendMessage)
	mux.HandleFunc("POST /api/conversations/{id}/read", conversations.HandleMarkRead)
	mux.HandleFunc("POST /api/conversations/{id}/calls", conversations.HandleRecordCall)

	mux.HandleFunc("GET /api/conversations/{id}/meetings", meetings.HandleList)
	mux.HandleFunc("POST /api/conversations/{id}/meetings", meetings.HandleCreate)
	mux.HandleFunc("POST /api/meetings/{id}/accept", meetings.HandleAccept)
	mux.HandleFunc("POST /api/meetings/{id}/decline", meetings.HandleDecline)
	mux.HandleFunc("POST /api/meetings/{id}/propose", meetings.HandlePropose)
	mux.HandleFunc("POST /api/meetings/{id}/cancel", meetings.HandleCancel)
	mux.HandleFunc("POST /api/meetings/{id}/complete", meetings.HandleComplete)

	mux.HandleFunc("GET /uploads/{name}", uploads.HandleServe)
}
