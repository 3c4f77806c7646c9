// Package apiclient calls the server's request/response endpoints on
// behalf of one authenticated user: conversations, message history and
// uploads, call summaries and meetings.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/chat"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/meeting"
)

// ErrUnauthorized is returned for a 401; the caller should stop and
// obtain a new token.
var ErrUnauthorized = errors.New("request was not authorized")

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status: %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status: %d: %s", e.StatusCode, e.Message)
}

// Upload is one attachment to send with a message.
type Upload struct {
	Name string
	Body io.Reader
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type ConversationPage struct {
	Conversations []chat.Conversation `json:"conversations"`
	Total         int                 `json:"total"`
	Page          int                 `json:"page"`
	Limit         int                 `json:"limit"`
}

func (c *Client) ListConversations(ctx context.Context, page, limit int) (ConversationPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var out ConversationPage
	err := c.do(ctx, http.MethodGet, "/api/conversations?"+q.Encode(), nil, &out)
	return out, err
}

// CreateConversation returns the conversation with participantID,
// creating it on first use.
func (c *Client) CreateConversation(ctx context.Context, participantID string) (chat.Conversation, error) {
	var out chat.Conversation
	err := c.do(ctx, http.MethodPost, "/api/conversations", map[string]string{"participant_id": participantID}, &out)
	return out, err
}

func (c *Client) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	var out chat.Conversation
	err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(id), nil, &out)
	return out, err
}

// ListMessages returns up to limit messages older than before (zero for
// the latest), oldest first.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int, before time.Time) ([]chat.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SendMessage stores a message with its attachments, streamed as
// multipart form data.
func (c *Client) SendMessage(ctx context.Context, conversationID, text string, uploads []Upload) (chat.Message, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeMessageForm(mw, text, uploads))
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", pr)
	if err != nil {
		pr.Close()
		return chat.Message{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out chat.Message
	err = c.send(req, &out)
	pr.Close()
	return out, err
}

func writeMessageForm(mw *multipart.Writer, text string, uploads []Upload) error {
	if text != "" {
		if err := mw.WriteField("text", text); err != nil {
			return err
		}
	}
	for _, u := range uploads {
		fw, err := mw.CreateFormFile("files", u.Name)
		if err != nil {
			return err
		}
		if _, err := io.Copy(fw, u.Body); err != nil {
			return fmt.Errorf("read %s: %w", u.Name, err)
		}
	}
	return mw.Close()
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
}

// RecordCall stores the summary message of a finished call attempt.
func (c *Client) RecordCall(ctx context.Context, conversationID string, info chat.CallInfo) (chat.Message, error) {
	body := map[string]any{
		"call_type": info.Type,
		"duration":  info.Duration,
		"status":    info.Status,
	}
	var out chat.Message
	err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/calls", body, &out)
	return out, err
}

func (c *Client) ListMeetings(ctx context.Context, conversationID string) ([]meeting.Meeting, error) {
	var out struct {
		Meetings []meeting.Meeting `json:"meetings"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID)+"/meetings", nil, &out); err != nil {
		return nil, err
	}
	return out.Meetings, nil
}

func (c *Client) ScheduleMeeting(ctx context.Context, req meeting.ScheduleRequest) (meeting.Meeting, error) {
	var out meeting.Meeting
	err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(req.ConversationID)+"/meetings", req, &out)
	return out, err
}

func (c *Client) AcceptMeeting(ctx context.Context, id string) (meeting.Meeting, error) {
	return c.meetingAction(ctx, id, "accept", nil)
}

func (c *Client) DeclineMeeting(ctx context.Context, id, reason string) (meeting.Meeting, error) {
	return c.meetingAction(ctx, id, "decline", map[string]string{"reason": reason})
}

func (c *Client) ProposeMeetingTime(ctx context.Context, id string, proposed time.Time, reason string) (meeting.Meeting, error) {
	return c.meetingAction(ctx, id, "propose", map[string]any{"time": proposed, "reason": reason})
}

func (c *Client) CancelMeeting(ctx context.Context, id string) (meeting.Meeting, error) {
	return c.meetingAction(ctx, id, "cancel", nil)
}

func (c *Client) CompleteMeeting(ctx context.Context, id string) (meeting.Meeting, error) {
	return c.meetingAction(ctx, id, "complete", nil)
}

func (c *Client) meetingAction(ctx context.Context, id, action string, body any) (meeting.Meeting, error) {
	var out meeting.Meeting
	err := c.do(ctx, http.MethodPost, "/api/meetings/"+url.PathEscape(id)+"/"+action, body, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		return &StatusError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
