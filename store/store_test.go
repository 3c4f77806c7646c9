package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/chat"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/meeting"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "realtime.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreateConversation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c1, created, err := s.GetOrCreateConversation(ctx, "seller", "buyer")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	if !created {
		t.Error("first call should create")
	}

	c2, created, err := s.GetOrCreateConversation(ctx, "buyer", "seller")
	if err != nil {
		t.Fatalf("second GetOrCreateConversation: %v", err)
	}
	if created || c2.ID != c1.ID {
		t.Errorf("pair must map to one conversation: %s vs %s (created=%v)", c1.ID, c2.ID, created)
	}
	if c2.Participants != [2]string{"buyer", "seller"} {
		t.Errorf("participants = %v", c2.Participants)
	}

	if _, _, err := s.GetOrCreateConversation(ctx, "solo", "solo"); !errors.Is(err, chat.ErrSelfConversation) {
		t.Errorf("self conversation: err = %v", err)
	}
}

func TestInsertMessage_UpdatesPreviewAndUnread(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conv, _, _ := s.GetOrCreateConversation(ctx, "seller", "buyer")

	msg, err := s.InsertMessage(ctx, chat.Message{ConversationID: conv.ID, SenderID: "buyer", Text: "hello"})
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if msg.ID == "" || msg.CreatedAt.IsZero() {
		t.Errorf("id/created_at not assigned: %+v", msg)
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.LastMessage == nil || got.LastMessage.Text != "hello" || got.LastMessage.SenderID != "buyer" {
		t.Errorf("last message = %+v", got.LastMessage)
	}
	if got.Unread["seller"] != 1 || got.Unread["buyer"] != 0 {
		t.Errorf("unread = %v", got.Unread)
	}

	if err := s.MarkRead(ctx, conv.ID, "seller"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	got, _ = s.GetConversation(ctx, conv.ID)
	if got.Unread["seller"] != 0 {
		t.Errorf("unread after MarkRead = %v", got.Unread)
	}
}

func TestInsertMessage_Rejects(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conv, _, _ := s.GetOrCreateConversation(ctx, "seller", "buyer")

	tests := []struct {
		name    string
		msg     chat.Message
		wantErr error
	}{
		{"empty", chat.Message{ConversationID: conv.ID, SenderID: "buyer", Text: "  "}, chat.ErrEmptyMessage},
		{"unknown conversation", chat.Message{ConversationID: "nope", SenderID: "buyer", Text: "hi"}, chat.ErrConversationNotFound},
		{"outsider", chat.Message{ConversationID: conv.ID, SenderID: "stranger", Text: "hi"}, chat.ErrNotParticipant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.InsertMessage(ctx, tt.msg); !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestListMessages_OrderAndPaging(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conv, _, _ := s.GetOrCreateConversation(ctx, "seller", "buyer")

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	s.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	texts := []string{"one", "two", "three", "four"}
	for _, text := range texts {
		if _, err := s.InsertMessage(ctx, chat.Message{ConversationID: conv.ID, SenderID: "seller", Text: text}); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}

	all, err := s.ListMessages(ctx, conv.ID, 10, time.Time{})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(all) != 4 || all[0].Text != "one" || all[3].Text != "four" {
		t.Fatalf("unexpected order: %+v", all)
	}

	older, err := s.ListMessages(ctx, conv.ID, 2, all[2].CreatedAt)
	if err != nil {
		t.Fatalf("ListMessages before: %v", err)
	}
	if len(older) != 2 || older[0].Text != "one" || older[1].Text != "two" {
		t.Errorf("page before %v = %+v", all[2].CreatedAt, older)
	}
}

func TestInsertMessage_CallSummary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conv, _, _ := s.GetOrCreateConversation(ctx, "seller", "buyer")

	_, err := s.InsertMessage(ctx, chat.Message{
		ConversationID: conv.ID,
		SenderID:       "seller",
		Call:           &chat.CallInfo{Type: chat.CallVideo, Duration: 42, Status: chat.CallCompleted},
	})
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	msgs, _ := s.ListMessages(ctx, conv.ID, 10, time.Time{})
	if len(msgs) != 1 || msgs[0].Call == nil || msgs[0].Call.Duration != 42 {
		t.Fatalf("call summary not round-tripped: %+v", msgs)
	}
}

func TestListConversations_Paging(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, other := range []string{"a", "b", "c"} {
		if _, _, err := s.GetOrCreateConversation(ctx, "me", other); err != nil {
			t.Fatal(err)
		}
	}
	s.GetOrCreateConversation(ctx, "x", "y")

	page1, total, err := s.ListConversations(ctx, "me", 1, 2)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if total != 3 || len(page1) != 2 {
		t.Errorf("total=%d len=%d", total, len(page1))
	}
	page2, _, _ := s.ListConversations(ctx, "me", 2, 2)
	if len(page2) != 1 {
		t.Errorf("page 2 len = %d", len(page2))
	}
	for _, c := range append(page1, page2...) {
		if !c.HasParticipant("me") {
			t.Errorf("foreign conversation listed: %+v", c)
		}
		if _, ok := c.Unread["me"]; !ok {
			t.Errorf("unread missing for %s", c.ID)
		}
	}
}

func TestMeetings_CreateAndRespond(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conv, _, _ := s.GetOrCreateConversation(ctx, "seller", "buyer")

	req := meeting.ScheduleRequest{
		ConversationID: conv.ID,
		Title:          "Scope review",
		ScheduledAt:    time.Now().Add(48 * time.Hour),
		Duration:       45,
		Type:           chat.CallVideo,
	}
	m, err := s.CreateMeeting(ctx, "seller", req)
	if err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}
	if m.Status != meeting.StatusPending {
		t.Errorf("status = %s", m.Status)
	}

	if _, err := s.UpdateMeeting(ctx, m.ID, func(m *meeting.Meeting, now time.Time) error {
		return m.Accept("buyer", now)
	}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	updated, err := s.UpdateMeeting(ctx, m.ID, func(m *meeting.Meeting, now time.Time) error {
		return m.Decline("buyer", "conflict", now)
	})
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if updated.Status != meeting.StatusDeclined {
		t.Errorf("status = %s", updated.Status)
	}

	stored, err := s.GetMeeting(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMeeting: %v", err)
	}
	if len(stored.Responses) != 1 || stored.Responses[0].Status != meeting.ResponseDeclined || stored.Responses[0].Reason != "conflict" {
		t.Errorf("responses = %+v", stored.Responses)
	}

	list, err := s.ListMeetings(ctx, conv.ID)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListMeetings = %v, %v", list, err)
	}
}

func TestMeetings_Rejects(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conv, _, _ := s.GetOrCreateConversation(ctx, "seller", "buyer")

	past := meeting.ScheduleRequest{
		ConversationID: conv.ID,
		Title:          "Too late",
		ScheduledAt:    time.Now().Add(-time.Hour),
		Duration:       30,
		Type:           chat.CallAudio,
	}
	if _, err := s.CreateMeeting(ctx, "seller", past); !errors.Is(err, meeting.ErrPastSchedule) {
		t.Errorf("past: err = %v", err)
	}

	future := past
	future.ScheduledAt = time.Now().Add(time.Hour)
	if _, err := s.CreateMeeting(ctx, "stranger", future); !errors.Is(err, chat.ErrNotParticipant) {
		t.Errorf("stranger: err = %v", err)
	}

	if _, err := s.GetMeeting(ctx, "missing"); !errors.Is(err, meeting.ErrMeetingNotFound) {
		t.Errorf("missing: err = %v", err)
	}

	m, _ := s.CreateMeeting(ctx, "seller", future)
	_, err := s.UpdateMeeting(ctx, m.ID, func(m *meeting.Meeting, now time.Time) error {
		return m.Accept("seller", now)
	})
	if !errors.Is(err, meeting.ErrCreatorResponse) {
		t.Errorf("creator accept: err = %v", err)
	}
}
