package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/chat"
)

type conversationRow struct {
	ID         string         `db:"id"`
	A          string         `db:"participant_a"`
	B          string         `db:"participant_b"`
	LastText   sql.NullString `db:"last_text"`
	LastSender sql.NullString `db:"last_sender"`
	LastAt     sql.NullTime   `db:"last_at"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

func (r conversationRow) toConversation() chat.Conversation {
	c := chat.Conversation{
		ID:           r.ID,
		Participants: [2]string{r.A, r.B},
		Unread:       map[string]int{r.A: 0, r.B: 0},
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.LastAt.Valid {
		c.LastMessage = &chat.LastMessage{
			Text:      r.LastText.String,
			SenderID:  r.LastSender.String,
			CreatedAt: r.LastAt.Time,
		}
	}
	return c
}

type unreadRow struct {
	ConversationID string `db:"conversation_id"`
	UserID         string `db:"user_id"`
	Count          int    `db:"count"`
}

const conversationColumns = `id, participant_a, participant_b, last_text, last_sender, last_at, created_at, updated_at`

// GetOrCreateConversation returns the single conversation between a and b,
// creating it on first contact.
func (s *Store) GetOrCreateConversation(ctx context.Context, a, b string) (chat.Conversation, bool, error) {
	pair, err := chat.OrderedPair(a, b)
	if err != nil {
		return chat.Conversation{}, false, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return chat.Conversation{}, false, err
	}
	defer tx.Rollback()

	var row conversationRow
	err = tx.GetContext(ctx, &row,
		`SELECT `+conversationColumns+` FROM conversations WHERE participant_a = ? AND participant_b = ?`,
		pair[0], pair[1])
	switch {
	case err == nil:
		conv, err := s.withUnread(ctx, tx, row)
		return conv, false, err
	case !errors.Is(err, sql.ErrNoRows):
		return chat.Conversation{}, false, err
	}

	now := s.now()
	row = conversationRow{ID: newID(), A: pair[0], B: pair[1], CreatedAt: now, UpdatedAt: now}
	if _, err := tx.NamedExecContext(ctx,
		`INSERT INTO conversations (id, participant_a, participant_b, created_at, updated_at)
		 VALUES (:id, :participant_a, :participant_b, :created_at, :updated_at)`, row); err != nil {
		return chat.Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}
	for _, user := range pair {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_unread (conversation_id, user_id, count) VALUES (?, ?, 0)`,
			row.ID, user); err != nil {
			return chat.Conversation{}, false, fmt.Errorf("insert unread: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return chat.Conversation{}, false, err
	}
	return row.toConversation(), true, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Conversation{}, chat.ErrConversationNotFound
	}
	if err != nil {
		return chat.Conversation{}, err
	}
	return s.withUnread(ctx, s.db, row)
}

// ListConversations returns one page of userID's conversations, most
// recently active first, and the total count.
func (s *Store) ListConversations(ctx context.Context, userID string, page, limit int) ([]chat.Conversation, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	var total int
	if err := s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM conversations WHERE participant_a = ? OR participant_b = ?`, userID, userID); err != nil {
		return nil, 0, err
	}

	var rows []conversationRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE participant_a = ? OR participant_b = ?
		 ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?`,
		userID, userID, limit, (page-1)*limit); err != nil {
		return nil, 0, err
	}
	if len(rows) == 0 {
		return []chat.Conversation{}, total, nil
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	query, args, err := sqlx.In(`SELECT conversation_id, user_id, count FROM conversation_unread WHERE conversation_id IN (?)`, ids)
	if err != nil {
		return nil, 0, err
	}
	var unread []unreadRow
	if err := s.db.SelectContext(ctx, &unread, s.db.Rebind(query), args...); err != nil {
		return nil, 0, err
	}

	convs := make([]chat.Conversation, len(rows))
	index := make(map[string]int, len(rows))
	for i, r := range rows {
		convs[i] = r.toConversation()
		index[r.ID] = i
	}
	for _, u := range unread {
		convs[index[u.ConversationID]].Unread[u.UserID] = u.Count
	}
	return convs, total, nil
}

// MarkRead resets userID's unread counter for the conversation.
func (s *Store) MarkRead(ctx context.Context, conversationID, userID string) error {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return chat.ErrNotParticipant
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversation_unread SET count = 0 WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID)
	return err
}

func (s *Store) withUnread(ctx context.Context, q sqlx.QueryerContext, row conversationRow) (chat.Conversation, error) {
	conv := row.toConversation()
	var unread []unreadRow
	if err := sqlx.SelectContext(ctx, q, &unread,
		`SELECT conversation_id, user_id, count FROM conversation_unread WHERE conversation_id = ?`, row.ID); err != nil {
		return chat.Conversation{}, err
	}
	for _, u := range unread {
		conv.Unread[u.UserID] = u.Count
	}
	return conv, nil
}
