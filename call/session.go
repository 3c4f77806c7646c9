package call

import (
	"context"
	"errors"
	"time"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/chat"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/clock"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/rpc"
)

var errScreenEnded = errors.New("screen capture ended")

// Session is one call attempt. All fields are guarded by the manager's
// mutex.
type Session struct {
	m *Manager

	id             string
	conversationID string
	peerID         string
	callType       chat.CallType
	direction      Direction
	state          State

	offer  rpc.SessionDesc // inbound offer, kept until Accept
	peer   Peer
	media  *LocalMedia
	screen *Track

	screenPending bool // a screen capture is being opened

	startedAt   time.Time
	connectedAt time.Time
	duration    int
	endReason   string
	result      chat.CallStatus

	ring *clock.Timer
	tick *clock.Timer

	signaled  bool // our initiate or accept has been sent
	remoteSet bool
	localICE  []rpc.ICECandidate
	remoteICE []rpc.ICECandidate
}

func (s *Session) ID() string { return s.id }

func (s *Session) Snapshot() Snapshot {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.snapshot()
}

func (s *Session) Accept(ctx context.Context) error { return s.m.Accept(ctx, s.id) }

func (s *Session) Reject(ctx context.Context) error { return s.m.Reject(ctx, s.id) }

func (s *Session) Hangup(ctx context.Context) error { return s.m.End(ctx, s.id) }

// SetAudioEnabled mutes or unmutes the microphone. Nothing is signaled.
func (s *Session) SetAudioEnabled(enabled bool) error {
	s.m.mu.Lock()
	defer s.m.unlock()
	if s.state == Ended || s.media == nil || s.media.Audio == nil {
		return ErrInvalidState
	}
	s.media.Audio.SetEnabled(enabled)
	s.m.notify(s)
	return nil
}

// SetVideoEnabled turns the camera off or back on.
func (s *Session) SetVideoEnabled(enabled bool) error {
	s.m.mu.Lock()
	defer s.m.unlock()
	if s.callType != chat.CallVideo {
		return ErrNotVideo
	}
	if s.state == Ended || s.media == nil || s.media.Video == nil {
		return ErrInvalidState
	}
	s.media.Video.SetEnabled(enabled)
	s.m.notify(s)
	return nil
}

// StartScreenShare replaces the outgoing camera track with a screen
// capture. When the capture ends on its own the camera comes back. The
// capture is opened without holding the manager's lock.
func (s *Session) StartScreenShare(ctx context.Context) error {
	m := s.m
	m.mu.Lock()
	if s.callType != chat.CallVideo {
		m.unlock()
		return ErrNotVideo
	}
	if s.state != Connected {
		m.unlock()
		return ErrInvalidState
	}
	if s.screen != nil || s.screenPending {
		m.unlock()
		return nil
	}
	s.screenPending = true
	m.unlock()

	track, err := m.cfg.Media.AcquireScreen(ctx)

	m.mu.Lock()
	defer m.unlock()
	s.screenPending = false
	if err != nil {
		return err
	}
	if s.state != Connected {
		m.later(track.Stop)
		return ErrInvalidState
	}
	track.OnEnded(func() { s.stopScreen(track) })
	if track.Stopped() {
		return errScreenEnded
	}
	if err := s.peer.ReplaceVideo(track); err != nil {
		m.later(track.Stop)
		return err
	}
	s.screen = track
	m.notify(s)
	m.log.Info("screen share started", "callId", s.id)
	return nil
}

// StopScreenShare restores the camera track. It is a no-op when not
// sharing.
func (s *Session) StopScreenShare() error {
	s.m.mu.Lock()
	defer s.m.unlock()
	return s.restoreCamera(s.screen)
}

func (s *Session) stopScreen(track *Track) {
	s.m.mu.Lock()
	defer s.m.unlock()
	if err := s.restoreCamera(track); err != nil {
		s.m.log.Warn("failed to restore camera", "callId", s.id, "error", err)
	}
}

func (s *Session) restoreCamera(track *Track) error {
	if track == nil || s.screen != track {
		return nil
	}
	s.screen = nil
	s.m.later(track.Stop)

	var err error
	if s.state != Ended && s.media != nil && s.media.Video != nil {
		err = s.peer.ReplaceVideo(s.media.Video)
	}
	s.m.notify(s)
	s.m.log.Info("screen share stopped", "callId", s.id)
	return err
}

// params is the call event addressed to the other party.
func (s *Session) params(reason string) rpc.CallParams {
	return rpc.CallParams{
		CallID:         s.id,
		ConversationID: s.conversationID,
		CallType:       s.callType,
		To:             s.peerID,
		Reason:         reason,
	}
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		CallID:         s.id,
		ConversationID: s.conversationID,
		PeerID:         s.peerID,
		Type:           s.callType,
		Direction:      s.direction,
		State:          s.state,
		AudioEnabled:   true,
		VideoEnabled:   s.callType == chat.CallVideo,
		ScreenSharing:  s.screen != nil,
		StartedAt:      s.startedAt,
		ConnectedAt:    s.connectedAt,
		Duration:       s.duration,
		EndReason:      s.endReason,
		Result:         s.result,
	}
	if s.media != nil {
		if s.media.Audio != nil {
			snap.AudioEnabled = s.media.Audio.Enabled()
		}
		if s.media.Video != nil {
			snap.VideoEnabled = s.media.Video.Enabled()
		}
	}
	return snap
}
