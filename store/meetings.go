package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/chat"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/meeting"
)

type meetingRow struct {
	ID             string    `db:"id"`
	ConversationID string    `db:"conversation_id"`
	CreatorID      string    `db:"creator_id"`
	Title          string    `db:"title"`
	Agenda         string    `db:"agenda"`
	ScheduledAt    time.Time `db:"scheduled_at"`
	Duration       int       `db:"duration"`
	Type           string    `db:"type"`
	Status         string    `db:"status"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

type responseRow struct {
	MeetingID    string       `db:"meeting_id"`
	UserID       string       `db:"user_id"`
	Status       string       `db:"status"`
	ProposedTime sql.NullTime `db:"proposed_time"`
	Reason       string       `db:"reason"`
	RespondedAt  time.Time    `db:"responded_at"`
}

func (r meetingRow) toMeeting() meeting.Meeting {
	return meeting.Meeting{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		CreatorID:      r.CreatorID,
		Title:          r.Title,
		Agenda:         r.Agenda,
		ScheduledAt:    r.ScheduledAt,
		Duration:       r.Duration,
		Type:           chat.CallType(r.Type),
		Status:         meeting.Status(r.Status),
		Responses:      []meeting.Response{},
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func (r responseRow) toResponse() meeting.Response {
	resp := meeting.Response{
		UserID:      r.UserID,
		Status:      meeting.ResponseStatus(r.Status),
		Reason:      r.Reason,
		RespondedAt: r.RespondedAt,
	}
	if r.ProposedTime.Valid {
		t := r.ProposedTime.Time
		resp.ProposedTime = &t
	}
	return resp
}

const meetingColumns = `id, conversation_id, creator_id, title, agenda, scheduled_at, duration, type, status, created_at, updated_at`

// CreateMeeting validates req against the current time and stores a new
// pending meeting created by creatorID.
func (s *Store) CreateMeeting(ctx context.Context, creatorID string, req meeting.ScheduleRequest) (meeting.Meeting, error) {
	now := s.now()
	if err := meeting.ValidateSchedule(req, now); err != nil {
		return meeting.Meeting{}, err
	}
	conv, err := s.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return meeting.Meeting{}, err
	}
	if !conv.HasParticipant(creatorID) {
		return meeting.Meeting{}, chat.ErrNotParticipant
	}

	req.ScheduledAt = req.ScheduledAt.UTC()
	m := meeting.New(newID(), creatorID, req, now)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO meetings (`+meetingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.CreatorID, m.Title, m.Agenda, m.ScheduledAt, m.Duration,
		string(m.Type), string(m.Status), m.CreatedAt, m.UpdatedAt); err != nil {
		return meeting.Meeting{}, fmt.Errorf("insert meeting: %w", err)
	}
	return m, nil
}

func (s *Store) GetMeeting(ctx context.Context, id string) (meeting.Meeting, error) {
	return s.getMeeting(ctx, s.db, id)
}

// ListMeetings returns the meetings of a conversation by scheduled time.
func (s *Store) ListMeetings(ctx context.Context, conversationID string) ([]meeting.Meeting, error) {
	var rows []meetingRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+meetingColumns+` FROM meetings WHERE conversation_id = ? ORDER BY scheduled_at, id`,
		conversationID); err != nil {
		return nil, err
	}
	meetings := make([]meeting.Meeting, 0, len(rows))
	for _, r := range rows {
		m := r.toMeeting()
		if err := s.loadResponses(ctx, s.db, &m); err != nil {
			return nil, err
		}
		meetings = append(meetings, m)
	}
	return meetings, nil
}

// UpdateMeeting loads the meeting, applies fn and writes the result back
// in one transaction. fn receives the current time; an error from fn
// aborts the update and is returned unchanged.
func (s *Store) UpdateMeeting(ctx context.Context, id string, fn func(m *meeting.Meeting, now time.Time) error) (meeting.Meeting, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return meeting.Meeting{}, err
	}
	defer tx.Rollback()

	m, err := s.getMeeting(ctx, tx, id)
	if err != nil {
		return meeting.Meeting{}, err
	}
	if err := fn(&m, s.now()); err != nil {
		return meeting.Meeting{}, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE meetings SET status = ?, updated_at = ? WHERE id = ?`,
		string(m.Status), m.UpdatedAt, m.ID); err != nil {
		return meeting.Meeting{}, fmt.Errorf("update meeting: %w", err)
	}
	for _, r := range m.Responses {
		var proposed sql.NullTime
		if r.ProposedTime != nil {
			proposed = sql.NullTime{Time: r.ProposedTime.UTC(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO meeting_responses (meeting_id, user_id, status, proposed_time, reason, responded_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (meeting_id, user_id) DO UPDATE SET
			   status = excluded.status,
			   proposed_time = excluded.proposed_time,
			   reason = excluded.reason,
			   responded_at = excluded.responded_at`,
			m.ID, r.UserID, string(r.Status), proposed, r.Reason, r.RespondedAt); err != nil {
			return meeting.Meeting{}, fmt.Errorf("upsert response: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return meeting.Meeting{}, err
	}
	return m, nil
}

func (s *Store) getMeeting(ctx context.Context, q sqlx.QueryerContext, id string) (meeting.Meeting, error) {
	var row meetingRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+meetingColumns+` FROM meetings WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return meeting.Meeting{}, meeting.ErrMeetingNotFound
	}
	if err != nil {
		return meeting.Meeting{}, err
	}
	m := row.toMeeting()
	if err := s.loadResponses(ctx, q, &m); err != nil {
		return meeting.Meeting{}, err
	}
	return m, nil
}

func (s *Store) loadResponses(ctx context.Context, q sqlx.QueryerContext, m *meeting.Meeting) error {
	var rows []responseRow
	if err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT meeting_id, user_id, status, proposed_time, reason, responded_at
		 FROM meeting_responses WHERE meeting_id = ? ORDER BY responded_at`, m.ID); err != nil {
		return err
	}
	for _, r := range rows {
		m.Responses = append(m.Responses, r.toResponse())
	}
	return nil
}
