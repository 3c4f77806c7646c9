package meeting

import (
	"fmt"
	"strings"
	"time"
)

const (
	// StartWindowBefore and StartWindowAfter bound when an accepted
	// meeting can be joined, relative to its scheduled time.
	StartWindowBefore = 10 * time.Minute
	StartWindowAfter  = 60 * time.Minute
)

// ValidateSchedule rejects a request before anything is sent or stored.
func ValidateSchedule(req ScheduleRequest, now time.Time) error {
	if strings.TrimSpace(req.ConversationID) == "" {
		return fmt.Errorf("%w: conversation_id is required", ErrInvalidMeeting)
	}
	if strings.TrimSpace(req.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidMeeting)
	}
	if req.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidMeeting)
	}
	if !req.Type.IsValid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMeeting, req.Type)
	}
	if !req.ScheduledAt.After(now) {
		return ErrPastSchedule
	}
	return nil
}

// New builds a pending meeting from a validated request.
func New(id, creatorID string, req ScheduleRequest, now time.Time) Meeting {
	return Meeting{
		ID:             id,
		ConversationID: req.ConversationID,
		CreatorID:      creatorID,
		Title:          strings.TrimSpace(req.Title),
		Agenda:         req.Agenda,
		ScheduledAt:    req.ScheduledAt,
		Duration:       req.Duration,
		Type:           req.Type,
		Status:         StatusPending,
		Responses:      []Response{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Accept records an acceptance by userID and moves the meeting to accepted.
func (m *Meeting) Accept(userID string, now time.Time) error {
	if err := m.checkRespondent(userID); err != nil {
		return err
	}
	m.setResponse(Response{UserID: userID, Status: ResponseAccepted, RespondedAt: now})
	m.Status = StatusAccepted
	m.UpdatedAt = now
	return nil
}

// Decline records a decline. With two participants the only invitee
// declining means everyone declined, so the meeting closes.
func (m *Meeting) Decline(userID, reason string, now time.Time) error {
	if err := m.checkRespondent(userID); err != nil {
		return err
	}
	m.setResponse(Response{UserID: userID, Status: ResponseDeclined, Reason: strings.TrimSpace(reason), RespondedAt: now})
	m.Status = StatusDeclined
	m.UpdatedAt = now
	return nil
}

// ProposeNewTime records an alternate time. Status is unchanged; the
// creator is told out of band.
func (m *Meeting) ProposeNewTime(userID string, proposed time.Time, reason string, now time.Time) error {
	if err := m.checkRespondent(userID); err != nil {
		return err
	}
	if _, ok := m.Response(userID); ok {
		return ErrAlreadyResponded
	}
	if !proposed.After(now) {
		return ErrPastSchedule
	}
	t := proposed
	m.setResponse(Response{UserID: userID, Status: ResponseProposed, ProposedTime: &t, Reason: strings.TrimSpace(reason), RespondedAt: now})
	m.UpdatedAt = now
	return nil
}

// Cancel is creator-only and allowed until the meeting is terminal.
func (m *Meeting) Cancel(userID string, now time.Time) error {
	if userID != m.CreatorID {
		return ErrNotCreator
	}
	if m.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, StatusCancelled)
	}
	m.Status = StatusCancelled
	m.UpdatedAt = now
	return nil
}

// Complete closes an accepted meeting.
func (m *Meeting) Complete(now time.Time) error {
	if m.Status != StatusAccepted {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, StatusCompleted)
	}
	m.Status = StatusCompleted
	m.UpdatedAt = now
	return nil
}

// CanStart is true only for accepted meetings inside the join window.
func (m *Meeting) CanStart(now time.Time) bool {
	if m.Status != StatusAccepted {
		return false
	}
	opens := m.ScheduledAt.Add(-StartWindowBefore)
	closes := m.ScheduledAt.Add(StartWindowAfter)
	return !now.Before(opens) && !now.After(closes)
}

func (m *Meeting) checkRespondent(userID string) error {
	if userID == m.CreatorID {
		return ErrCreatorResponse
	}
	if m.Status.IsTerminal() {
		return ErrMeetingClosed
	}
	return nil
}

// setResponse replaces any previous response from the same user.
func (m *Meeting) setResponse(r Response) {
	for i := range m.Responses {
		if m.Responses[i].UserID == r.UserID {
			m.Responses[i] = r
			return
		}
	}
	m.Responses = append(m.Responses, r)
}
