// Package chat holds the conversation and message model shared by the
// server store and the client message pipeline, and the client-side
// Pipeline that sends, receives and reconciles chat messages.
package chat

import (
	"errors"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrEmptyMessage         = errors.New("message must have text or at least one attachment")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("user is not a participant of the conversation")
	ErrSelfConversation     = errors.New("conversation needs two distinct participants")
)

// AttachmentType is the coarse type tag used for rendering attachments.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentVideo AttachmentType = "video"
	AttachmentPDF   AttachmentType = "pdf"
	AttachmentDoc   AttachmentType = "doc"
	AttachmentPPT   AttachmentType = "ppt"
	AttachmentXLS   AttachmentType = "xls"
	AttachmentTXT   AttachmentType = "txt"
	AttachmentCSV   AttachmentType = "csv"
	AttachmentZIP   AttachmentType = "zip"
	AttachmentOther AttachmentType = "other"
)

var extensionTypes = map[string]AttachmentType{
	".pdf":  AttachmentPDF,
	".doc":  AttachmentDoc,
	".docx": AttachmentDoc,
	".ppt":  AttachmentPPT,
	".pptx": AttachmentPPT,
	".xls":  AttachmentXLS,
	".xlsx": AttachmentXLS,
	".txt":  AttachmentTXT,
	".csv":  AttachmentCSV,
	".zip":  AttachmentZIP,
	".rar":  AttachmentZIP,
	".7z":   AttachmentZIP,
}

// AttachmentTypeOf classifies a file by MIME type first, then extension.
func AttachmentTypeOf(name, mimeType string) AttachmentType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return AttachmentImage
	case strings.HasPrefix(mimeType, "video/"):
		return AttachmentVideo
	}

	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg":
		return AttachmentImage
	case ".mp4", ".mov", ".webm", ".mkv", ".avi":
		return AttachmentVideo
	}
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	return AttachmentOther
}

type Attachment struct {
	URL  string         `json:"url"`
	Name string         `json:"name"`
	Size int64          `json:"size"`
	Type AttachmentType `json:"type"`
}

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

func (t CallType) IsValid() bool {
	return t == CallAudio || t == CallVideo
}

type CallStatus string

const (
	CallCompleted CallStatus = "completed"
	CallDeclined  CallStatus = "declined"
	CallMissed    CallStatus = "missed"
)

func (s CallStatus) IsValid() bool {
	switch s {
	case CallCompleted, CallDeclined, CallMissed:
		return true
	default:
		return false
	}
}

// CallInfo marks a system-generated call summary message.
type CallInfo struct {
	Type     CallType   `json:"call_type"`
	Duration int        `json:"duration"` // whole seconds
	Status   CallStatus `json:"status"`
}

// Message is immutable once created.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	Text           string       `json:"text,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	Call           *CallInfo    `json:"call_info,omitempty"`
}

// IsEmpty reports whether the message has neither text nor attachments.
func (m Message) IsEmpty() bool {
	return strings.TrimSpace(m.Text) == "" && len(m.Attachments) == 0 && m.Call == nil
}

// Summary renders the one-line preview stored as the conversation's last message.
func (m Message) Summary() string {
	switch {
	case m.Call != nil:
		return string(m.Call.Type) + " call " + string(m.Call.Status)
	case strings.TrimSpace(m.Text) != "":
		return m.Text
	case len(m.Attachments) > 0:
		return "sent " + string(m.Attachments[0].Type)
	default:
		return ""
	}
}

type LastMessage struct {
	Text      string    `json:"text"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation always has exactly two participants.
type Conversation struct {
	ID           string         `json:"id"`
	Participants [2]string      `json:"participants"`
	LastMessage  *LastMessage   `json:"last_message,omitempty"`
	Unread       map[string]int `json:"unread"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (c Conversation) HasParticipant(userID string) bool {
	return c.Participants[0] == userID || c.Participants[1] == userID
}

// Counterpart returns the other participant.
func (c Conversation) Counterpart(userID string) (string, bool) {
	switch userID {
	case c.Participants[0]:
		return c.Participants[1], true
	case c.Participants[1]:
		return c.Participants[0], true
	default:
		return "", false
	}
}

// OrderedPair returns the participant pair in canonical order, so that a
// pair maps to one conversation regardless of who starts it.
func OrderedPair(a, b string) ([2]string, error) {
	if a == "" || b == "" || a == b {
		return [2]string{}, ErrSelfConversation
	}
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}, nil
}
