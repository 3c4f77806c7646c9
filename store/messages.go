package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/chat"
)

const maxMessagePage = 200

type messageRow struct {
	Seq            int64          `db:"seq"`
	ID             string         `db:"id"`
	ConversationID string         `db:"conversation_id"`
	SenderID       string         `db:"sender_id"`
	Text           string         `db:"text"`
	Attachments    string         `db:"attachments"`
	CallInfo       sql.NullString `db:"call_info"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (r messageRow) toMessage() (chat.Message, error) {
	m := chat.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Text:           r.Text,
		CreatedAt:      r.CreatedAt,
	}
	if err := json.Unmarshal([]byte(r.Attachments), &m.Attachments); err != nil {
		return chat.Message{}, fmt.Errorf("decode attachments of %s: %w", r.ID, err)
	}
	if r.CallInfo.Valid {
		var info chat.CallInfo
		if err := json.Unmarshal([]byte(r.CallInfo.String), &info); err != nil {
			return chat.Message{}, fmt.Errorf("decode call info of %s: %w", r.ID, err)
		}
		m.Call = &info
	}
	return m, nil
}

// InsertMessage stores msg, updates the conversation preview and bumps the
// counterpart's unread counter. ID and CreatedAt are assigned here.
func (s *Store) InsertMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if msg.IsEmpty() {
		return chat.Message{}, chat.ErrEmptyMessage
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return chat.Message{}, err
	}
	defer tx.Rollback()

	var row conversationRow
	err = tx.GetContext(ctx, &row, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, msg.ConversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, chat.ErrConversationNotFound
	}
	if err != nil {
		return chat.Message{}, err
	}
	conv := row.toConversation()
	counterpart, ok := conv.Counterpart(msg.SenderID)
	if !ok {
		return chat.Message{}, chat.ErrNotParticipant
	}

	msg.ID = newID()
	msg.CreatedAt = s.now()
	if msg.Attachments == nil {
		msg.Attachments = []chat.Attachment{}
	}
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return chat.Message{}, err
	}
	var callInfo sql.NullString
	if msg.Call != nil {
		b, err := json.Marshal(msg.Call)
		if err != nil {
			return chat.Message{}, err
		}
		callInfo = sql.NullString{String: string(b), Valid: true}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, text, attachments, call_info, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Text, string(attachments), callInfo, msg.CreatedAt); err != nil {
		return chat.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_text = ?, last_sender = ?, last_at = ?, updated_at = ? WHERE id = ?`,
		msg.Summary(), msg.SenderID, msg.CreatedAt, msg.CreatedAt, msg.ConversationID); err != nil {
		return chat.Message{}, fmt.Errorf("update conversation: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversation_unread SET count = count + 1 WHERE conversation_id = ? AND user_id = ?`,
		msg.ConversationID, counterpart); err != nil {
		return chat.Message{}, fmt.Errorf("update unread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

// ListMessages returns up to limit messages older than before (all when
// before is zero), oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int, before time.Time) ([]chat.Message, error) {
	if limit < 1 || limit > maxMessagePage {
		limit = 50
	}

	query := `SELECT seq, id, conversation_id, sender_id, text, attachments, call_info, created_at
		FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if !before.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, before.UTC())
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	msgs := make([]chat.Message, len(rows))
	for i, r := range rows {
		m, err := r.toMessage()
		if err != nil {
			return nil, err
		}
		msgs[len(rows)-1-i] = m
	}
	return msgs, nil
}
