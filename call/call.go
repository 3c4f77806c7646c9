// Package call runs the signaling state machine of one-to-one audio and
// video calls over the room multiplexer. Every call attempt carries a
// call id chosen by the caller; the id is the only dedupe key for
// incoming calls. Local capture is exclusive: one session at a time holds
// it, from the moment it is placed or accepted until it ends.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/channel"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/chat"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/clock"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/rooms"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/rpc"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/settings"
)

var (
	ErrBusy             = errors.New("another call is active")
	ErrUnknownCall      = errors.New("no such call")
	ErrInvalidState     = errors.New("not allowed in the current call state")
	ErrInvalidCallType  = errors.New("invalid call type")
	ErrNoConversation   = errors.New("conversation id is required")
	ErrNotVideo         = errors.New("not a video call")
	ErrMediaUnavailable = errors.New("local media unavailable")
	ErrClosed           = errors.New("call manager is closed")
)

const (
	DefaultRingTimeout = 45 * time.Second
	recordTimeout      = 10 * time.Second
)

type State int

const (
	Idle State = iota
	Calling
	Incoming
	Connecting
	Connected
	Ended
)

func (s State) String() string {
	switch s {
	case Calling:
		return "calling"
	case Incoming:
		return "incoming"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Ended:
		return "ended"
	default:
		return "idle"
	}
}

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// End reasons. ReasonDeclined means this side refused an incoming call,
// ReasonRejected that the other side refused ours. The two elsewhere
// reasons end a ringing call that another device of the same user took.
const (
	ReasonHangup           = "hangup"
	ReasonRemoteHangup     = "remote_hangup"
	ReasonDeclined         = "declined"
	ReasonRejected         = "rejected"
	ReasonTimeout          = "timeout"
	ReasonConnectionLost   = "connection_lost"
	ReasonMediaUnavailable = "media_unavailable"
	ReasonFailed           = "failed"
	ReasonClosed           = "closed"

	ReasonAnsweredElsewhere = "answered_elsewhere"
	ReasonRejectedElsewhere = "rejected_elsewhere"
)

// Snapshot is a point-in-time copy of a session's state.
type Snapshot struct {
	CallID         string          `json:"call_id"`
	ConversationID string          `json:"conversation_id"`
	PeerID         string          `json:"peer_id"`
	Type           chat.CallType   `json:"call_type"`
	Direction      Direction       `json:"direction"`
	State          State           `json:"state"`
	AudioEnabled   bool            `json:"audio_enabled"`
	VideoEnabled   bool            `json:"video_enabled"`
	ScreenSharing  bool            `json:"screen_sharing"`
	StartedAt      time.Time       `json:"started_at"`
	ConnectedAt    time.Time       `json:"connected_at,omitzero"`
	Duration       int             `json:"duration"`
	EndReason      string          `json:"end_reason,omitempty"`
	Result         chat.CallStatus `json:"result,omitempty"`
}

type Rooms interface {
	Emit(ctx context.Context, event string, params any) error
	On(name string, h rooms.Handler) *channel.Subscription
	UserID() string
}

// Recorder persists the summary message of a finished call.
type Recorder interface {
	RecordCall(ctx context.Context, conversationID string, info chat.CallInfo) (chat.Message, error)
}

type Config struct {
	RingTimeout time.Duration
	Media       MediaSource
	NewPeer     PeerFactory
	ICEServers  func() []settings.ICEServer
	Recorder    Recorder
	Clock       clock.Clock
	Log         *slog.Logger
}

type Manager struct {
	rooms   Rooms
	cfg     Config
	clock   clock.Clock
	log     *slog.Logger
	subs    channel.Group
	changes channel.Listeners[Snapshot]
	records sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session // call id → session not yet ended
	active   *Session            // holder of local media
	seen     map[string]struct{}
	deferred []func()
	closed   bool
}

func NewManager(r Rooms, cfg Config) *Manager {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.Media == nil {
		cfg.Media = SampleSource{}
	}
	if cfg.NewPeer == nil {
		cfg.NewPeer = NewPionFactory(nil)
	}
	if cfg.ICEServers == nil {
		cfg.ICEServers = func() []settings.ICEServer { return settings.Default().ICEServers }
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	m := &Manager{
		rooms:    r,
		cfg:      cfg,
		clock:    cfg.Clock,
		log:      cfg.Log.With("module", "call"),
		sessions: make(map[string]*Session),
		seen:     make(map[string]struct{}),
	}
	m.subs.Add(
		r.On(rpc.CallIncoming, m.handleIncoming),
		r.On(rpc.CallAccepted, m.handleAccepted),
		r.On(rpc.CallRejected, m.handleRejected),
		r.On(rpc.CallEnded, m.handleEnded),
		r.On(rpc.WebRTCICECandidate, m.handleCandidate),
		r.On(rpc.WebRTCOffer, m.handleOffer),
		r.On(rpc.WebRTCAnswer, m.handleAnswer),
	)
	return m
}

// Close ends every session and waits for pending summary writes. A call
// still ringing here is declined so the caller stops waiting.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for _, s := range m.sessions {
		if s.state == Incoming {
			s.ring.Stop()
			m.signal(rpc.CallReject, s.params(ReasonClosed))
			m.finish(s, ReasonDeclined)
			continue
		}
		m.signal(rpc.CallEnd, s.params(ReasonClosed))
		m.finish(s, ReasonClosed)
	}
	m.unlock()

	m.subs.Close()
	m.records.Wait()
}

// OnChange registers fn for every state or media change of any session.
func (m *Manager) OnChange(fn func(Snapshot)) *channel.Subscription {
	return m.changes.Add(fn)
}

// Active returns the session holding local media, if any. A call still
// being placed is not reported until its offer is out.
func (m *Manager) Active() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.state == Idle {
		return nil, false
	}
	return m.active, true
}

// Session returns a session that has not ended.
func (m *Manager) Session(callID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	return s, ok
}

// Call places an outgoing call. Media is acquired first; if that fails
// nothing is sent. The media slot is reserved before capture opens and the
// lock is released while capture opens and while the offer is sent.
func (m *Manager) Call(ctx context.Context, conversationID, peerID string, t chat.CallType) (*Session, error) {
	if conversationID == "" {
		return nil, ErrNoConversation
	}
	if !t.IsValid() {
		return nil, ErrInvalidCallType
	}

	s, offer, err := m.prepareCall(ctx, conversationID, peerID, t)
	if err != nil {
		return nil, err
	}

	params := s.params("")
	params.Offer = &offer
	params.SentAt = s.startedAt
	sendErr := m.rooms.Emit(ctx, rpc.CallInitiate, params)

	m.mu.Lock()
	defer m.unlock()
	if sendErr != nil {
		if s.state != Ended {
			delete(m.sessions, s.id)
			m.discard(s)
		}
		return nil, fmt.Errorf("initiate call: %w", sendErr)
	}
	if s.state == Ended {
		if m.closed {
			return nil, ErrClosed
		}
		return s, nil
	}
	m.markSignaled(s)
	if s.state == Calling {
		s.ring = m.clock.AfterFunc(m.cfg.RingTimeout, func() { m.ringExpired(s) })
	}
	m.notify(s)

	m.log.Info("calling", "callId", s.id, "conversationId", conversationID, "type", t)
	return s, nil
}

// prepareCall reserves the media slot, opens capture without the lock, and
// builds the offer.
func (m *Manager) prepareCall(ctx context.Context, conversationID, peerID string, t chat.CallType) (*Session, rpc.SessionDesc, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, rpc.SessionDesc{}, ErrClosed
	}
	if m.active != nil {
		m.mu.Unlock()
		return nil, rpc.SessionDesc{}, ErrBusy
	}
	s := &Session{
		m:              m,
		id:             uuid.Must(uuid.NewV7()).String(),
		conversationID: conversationID,
		peerID:         peerID,
		callType:       t,
		direction:      DirectionOutgoing,
		state:          Idle,
		startedAt:      m.clock.Now(),
	}
	m.active = s
	m.mu.Unlock()

	media, err := m.cfg.Media.Acquire(ctx, t)

	m.mu.Lock()
	defer m.unlock()
	if err != nil {
		m.discard(s)
		return nil, rpc.SessionDesc{}, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	s.media = media
	if m.closed {
		m.discard(s)
		return nil, rpc.SessionDesc{}, ErrClosed
	}
	if err := m.startPeer(s); err != nil {
		m.discard(s)
		return nil, rpc.SessionDesc{}, err
	}
	offer, err := s.peer.CreateOffer()
	if err != nil {
		m.discard(s)
		return nil, rpc.SessionDesc{}, err
	}
	// Registered before the offer goes out so an answer racing the send
	// acknowledgement finds the session.
	s.state = Calling
	m.sessions[s.id] = s
	m.seen[s.id] = struct{}{}
	return s, offer, nil
}

// Accept answers a ringing incoming call. The call keeps ringing on the
// other side while capture opens; if it ends meanwhile Accept fails with
// ErrInvalidState.
func (m *Manager) Accept(ctx context.Context, callID string) error {
	s, err := m.claim(callID)
	if err != nil {
		return err
	}

	media, err := m.cfg.Media.Acquire(ctx, s.callType)

	answer, err := m.prepareAnswer(s, media, err)
	if err != nil {
		return err
	}

	params := s.params("")
	params.Answer = &answer
	params.SentAt = m.clock.Now()
	sendErr := m.rooms.Emit(ctx, rpc.CallAccept, params)

	m.mu.Lock()
	defer m.unlock()
	if sendErr != nil {
		m.finish(s, ReasonFailed)
		return fmt.Errorf("accept call: %w", sendErr)
	}
	if s.state != Ended {
		m.markSignaled(s)
		m.notify(s)
	}

	m.log.Info("call accepted", "callId", s.id)
	return nil
}

// claim reserves the media slot for a ringing call and silences its ring
// timer.
func (m *Manager) claim(callID string) (*Session, error) {
	m.mu.Lock()
	defer m.unlock()

	s, ok := m.sessions[callID]
	if !ok {
		return nil, ErrUnknownCall
	}
	if s.state != Incoming {
		return nil, ErrInvalidState
	}
	if m.active != nil {
		return nil, ErrBusy
	}
	s.ring.Stop()
	m.active = s
	return s, nil
}

// prepareAnswer commits the acquired media to s and answers its offer.
func (m *Manager) prepareAnswer(s *Session, media *LocalMedia, acquireErr error) (rpc.SessionDesc, error) {
	m.mu.Lock()
	defer m.unlock()

	if s.state != Incoming {
		// Ended while capture was opening.
		m.later(media.Stop)
		if m.active == s {
			m.active = nil
		}
		return rpc.SessionDesc{}, ErrInvalidState
	}
	if acquireErr != nil {
		m.signal(rpc.CallEnd, s.params(ReasonMediaUnavailable))
		m.finish(s, ReasonMediaUnavailable)
		return rpc.SessionDesc{}, fmt.Errorf("%w: %v", ErrMediaUnavailable, acquireErr)
	}
	s.media = media

	if err := m.startPeer(s); err != nil {
		m.fail(s, err)
		return rpc.SessionDesc{}, err
	}
	answer, err := s.peer.AcceptOffer(s.offer)
	if err != nil {
		m.fail(s, err)
		return rpc.SessionDesc{}, err
	}
	s.remoteSet = true
	if err := m.flushRemote(s); err != nil {
		m.fail(s, err)
		return rpc.SessionDesc{}, err
	}
	s.state = Connecting
	return answer, nil
}

// Reject refuses a ringing incoming call.
func (m *Manager) Reject(ctx context.Context, callID string) error {
	m.mu.Lock()
	defer m.unlock()

	s, ok := m.sessions[callID]
	if !ok {
		return ErrUnknownCall
	}
	if s.state != Incoming {
		return ErrInvalidState
	}
	m.reject(ctx, s)
	return nil
}

// End hangs up: cancels an outgoing call that is still ringing, or ends a
// connecting or connected one. Ending an incoming call rejects it.
func (m *Manager) End(ctx context.Context, callID string) error {
	m.mu.Lock()
	defer m.unlock()

	s, ok := m.sessions[callID]
	if !ok {
		return ErrUnknownCall
	}
	if s.state == Incoming {
		m.reject(ctx, s)
		return nil
	}
	m.send(ctx, rpc.CallEnd, s.params(ReasonHangup))
	m.finish(s, ReasonHangup)
	return nil
}

func (m *Manager) reject(ctx context.Context, s *Session) {
	s.ring.Stop()
	m.send(ctx, rpc.CallReject, s.params(ReasonDeclined))
	m.finish(s, ReasonDeclined)
}

func (m *Manager) startPeer(s *Session) error {
	peer, err := m.cfg.NewPeer(s.id, m.cfg.ICEServers())
	if err != nil {
		return fmt.Errorf("create peer: %w", err)
	}
	s.peer = peer
	peer.OnICECandidate(func(c rpc.ICECandidate) { m.localCandidate(s, c) })
	peer.OnStateChange(func(st PeerState) { m.peerStateChanged(s, st) })
	if err := peer.AddMedia(s.media); err != nil {
		return err
	}
	return nil
}

// discard releases a session that never left this client.
func (m *Manager) discard(s *Session) {
	s.state = Ended
	if m.active == s {
		m.active = nil
	}
	peer, media := s.peer, s.media
	m.later(func() {
		media.Stop()
		if peer != nil {
			peer.Close()
		}
	})
}

func (m *Manager) fail(s *Session, err error) {
	m.log.Warn("call failed", "callId", s.id, "error", err)
	m.signal(rpc.CallEnd, s.params(ReasonFailed))
	m.finish(s, ReasonFailed)
}

// finish moves s to Ended, cancels its timers, releases media and the
// connection, and records the summary when this side owns it: the caller
// records every attempt except one the callee declined, which the callee
// records itself.
func (m *Manager) finish(s *Session, reason string) {
	if s.state == Ended {
		return
	}
	now := m.clock.Now()
	s.state = Ended
	s.endReason = reason
	s.ring.Stop()
	s.tick.Stop()

	switch {
	case !s.connectedAt.IsZero():
		s.duration = int(now.Sub(s.connectedAt) / time.Second)
		s.result = chat.CallCompleted
	case reason == ReasonDeclined || reason == ReasonRejected:
		s.result = chat.CallDeclined
	default:
		s.result = chat.CallMissed
	}

	delete(m.sessions, s.id)
	if m.active == s {
		m.active = nil
	}

	peer, media, screen := s.peer, s.media, s.screen
	s.screen = nil
	m.later(func() {
		if screen != nil {
			screen.Stop()
		}
		media.Stop()
		if peer != nil {
			if err := peer.Close(); err != nil {
				m.log.Debug("failed to close peer", "callId", s.id, "error", err)
			}
		}
	})
	m.notify(s)

	m.log.Info("call ended", "callId", s.id, "reason", reason, "result", s.result, "duration", s.duration)

	owns := s.endReason != ReasonRejected
	if s.direction == DirectionIncoming {
		owns = s.endReason == ReasonDeclined
	}
	if owns {
		m.record(s)
	}
}

func (m *Manager) record(s *Session) {
	if m.cfg.Recorder == nil {
		return
	}
	info := chat.CallInfo{Type: s.callType, Duration: s.duration, Status: s.result}
	conv := s.conversationID

	m.records.Add(1)
	go func() {
		defer m.records.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if _, err := m.cfg.Recorder.RecordCall(ctx, conv, info); err != nil {
			m.log.Warn("failed to record call", "conversationId", conv, "error", err)
		}
	}()
}

func (m *Manager) ringExpired(s *Session) {
	m.mu.Lock()
	defer m.unlock()
	if s.state != Calling && s.state != Incoming {
		return
	}
	// Only the caller cancels on the wire. An unanswered ring on this
	// device says nothing about the user's other devices.
	if s.direction == DirectionOutgoing {
		m.signal(rpc.CallEnd, s.params(ReasonTimeout))
	}
	m.finish(s, ReasonTimeout)
}

func (m *Manager) peerStateChanged(s *Session, st PeerState) {
	m.mu.Lock()
	defer m.unlock()
	if s.state == Ended || s.state == Idle {
		return
	}
	m.log.Debug("peer state", "callId", s.id, "state", st)

	switch st {
	case PeerConnected:
		if s.state != Connecting {
			return
		}
		s.state = Connected
		s.connectedAt = m.clock.Now()
		s.ring.Stop()
		s.tick = m.clock.AfterFunc(time.Second, func() { m.tick(s) })
		m.notify(s)
	case PeerDisconnected, PeerFailed:
		m.signal(rpc.CallEnd, s.params(ReasonConnectionLost))
		m.finish(s, ReasonConnectionLost)
	}
}

func (m *Manager) tick(s *Session) {
	m.mu.Lock()
	defer m.unlock()
	if s.state != Connected {
		return
	}
	s.duration = int(m.clock.Now().Sub(s.connectedAt) / time.Second)
	s.tick = m.clock.AfterFunc(time.Second, func() { m.tick(s) })
	m.notify(s)
}

func (m *Manager) localCandidate(s *Session, c rpc.ICECandidate) {
	m.mu.Lock()
	defer m.unlock()
	if s.state == Ended {
		return
	}
	if !s.signaled {
		s.localICE = append(s.localICE, c)
		return
	}
	m.sendCandidate(s, c)
}

// markSignaled releases local candidates held back until the offer or
// answer they belong to has been sent.
func (m *Manager) markSignaled(s *Session) {
	s.signaled = true
	for _, c := range s.localICE {
		m.sendCandidate(s, c)
	}
	s.localICE = nil
}

func (m *Manager) sendCandidate(s *Session, c rpc.ICECandidate) {
	payload, err := json.Marshal(c)
	if err != nil {
		return
	}
	m.signal(rpc.WebRTCICECandidate, rpc.SignalParams{
		CallID:         s.id,
		ConversationID: s.conversationID,
		To:             s.peerID,
		Payload:        payload,
	})
}

// flushRemote applies candidates that arrived before the remote
// description.
func (m *Manager) flushRemote(s *Session) error {
	pending := s.remoteICE
	s.remoteICE = nil
	for _, c := range pending {
		if err := s.peer.AddICECandidate(c); err != nil {
			return fmt.Errorf("add candidate: %w", err)
		}
	}
	return nil
}

func (m *Manager) handleIncoming(ev rooms.Event) {
	var p rpc.CallParams
	if err := ev.Decode(&p); err != nil || p.CallID == "" {
		m.log.Warn("invalid call:incoming", "error", err)
		return
	}

	m.mu.Lock()
	defer m.unlock()

	if _, dup := m.seen[p.CallID]; dup {
		m.log.Debug("duplicate incoming call ignored", "callId", p.CallID)
		return
	}
	m.seen[p.CallID] = struct{}{}
	if m.closed || p.Offer == nil || !p.CallType.IsValid() {
		return
	}

	s := &Session{
		m:              m,
		id:             p.CallID,
		conversationID: p.ConversationID,
		peerID:         p.From,
		callType:       p.CallType,
		direction:      DirectionIncoming,
		state:          Incoming,
		offer:          *p.Offer,
		startedAt:      m.clock.Now(),
	}
	m.sessions[s.id] = s
	s.ring = m.clock.AfterFunc(m.cfg.RingTimeout, func() { m.ringExpired(s) })
	m.notify(s)

	m.log.Info("incoming call", "callId", s.id, "from", p.From, "type", p.CallType)
}

// lookup returns the live session for a signal, or nil after logging the
// discard.
func (m *Manager) lookup(event, callID string) *Session {
	s, ok := m.sessions[callID]
	if !ok {
		m.log.Debug("signal for unknown or ended call discarded", "event", event, "callId", callID)
		return nil
	}
	return s
}

func (m *Manager) handleAccepted(ev rooms.Event) {
	var p rpc.CallParams
	if err := ev.Decode(&p); err != nil {
		return
	}
	m.mu.Lock()
	defer m.unlock()

	s := m.lookup(ev.Name, p.CallID)
	if s == nil || s.direction != DirectionOutgoing || s.state != Calling || p.Answer == nil {
		return
	}
	s.ring.Stop()
	if err := s.peer.SetAnswer(*p.Answer); err != nil {
		m.fail(s, err)
		return
	}
	s.remoteSet = true
	if err := m.flushRemote(s); err != nil {
		m.fail(s, err)
		return
	}
	s.state = Connecting
	m.notify(s)
}

func (m *Manager) handleRejected(ev rooms.Event) {
	var p rpc.CallParams
	if err := ev.Decode(&p); err != nil {
		return
	}
	m.mu.Lock()
	defer m.unlock()

	s := m.lookup(ev.Name, p.CallID)
	if s == nil || s.direction != DirectionOutgoing || s.state != Calling {
		return
	}
	m.finish(s, ReasonRejected)
}

func (m *Manager) handleEnded(ev rooms.Event) {
	var p rpc.CallParams
	if err := ev.Decode(&p); err != nil {
		return
	}
	m.mu.Lock()
	defer m.unlock()

	s := m.lookup(ev.Name, p.CallID)
	if s == nil {
		return
	}
	reason := ReasonRemoteHangup
	if s.state == Incoming && (p.Reason == ReasonAnsweredElsewhere || p.Reason == ReasonRejectedElsewhere) {
		reason = p.Reason
	}
	m.finish(s, reason)
}

func (m *Manager) handleCandidate(ev rooms.Event) {
	var p rpc.SignalParams
	if err := ev.Decode(&p); err != nil {
		m.log.Debug("invalid signal", "event", ev.Name, "error", err)
		return
	}
	m.mu.Lock()
	defer m.unlock()

	s := m.lookup(ev.Name, p.CallID)
	if s == nil {
		return
	}
	var c rpc.ICECandidate
	if err := json.Unmarshal(p.Payload, &c); err != nil {
		m.fail(s, fmt.Errorf("invalid candidate: %w", err))
		return
	}
	if !s.remoteSet {
		s.remoteICE = append(s.remoteICE, c)
		return
	}
	if err := s.peer.AddICECandidate(c); err != nil {
		m.fail(s, fmt.Errorf("add candidate: %w", err))
	}
}

// handleOffer answers a renegotiation from the other side.
func (m *Manager) handleOffer(ev rooms.Event) {
	var p rpc.SignalParams
	if err := ev.Decode(&p); err != nil {
		m.log.Debug("invalid signal", "event", ev.Name, "error", err)
		return
	}
	m.mu.Lock()
	defer m.unlock()

	s := m.lookup(ev.Name, p.CallID)
	if s == nil || (s.state != Connecting && s.state != Connected) {
		return
	}
	var offer rpc.SessionDesc
	if err := json.Unmarshal(p.Payload, &offer); err != nil {
		m.fail(s, fmt.Errorf("invalid offer: %w", err))
		return
	}
	answer, err := s.peer.AcceptOffer(offer)
	if err != nil {
		m.fail(s, fmt.Errorf("renegotiate: %w", err))
		return
	}
	payload, err := json.Marshal(answer)
	if err != nil {
		m.fail(s, err)
		return
	}
	m.signal(rpc.WebRTCAnswer, rpc.SignalParams{
		CallID:         s.id,
		ConversationID: s.conversationID,
		To:             s.peerID,
		Payload:        payload,
	})
}

func (m *Manager) handleAnswer(ev rooms.Event) {
	var p rpc.SignalParams
	if err := ev.Decode(&p); err != nil {
		m.log.Debug("invalid signal", "event", ev.Name, "error", err)
		return
	}
	m.mu.Lock()
	defer m.unlock()

	s := m.lookup(ev.Name, p.CallID)
	if s == nil || (s.state != Connecting && s.state != Connected) {
		return
	}
	var answer rpc.SessionDesc
	if err := json.Unmarshal(p.Payload, &answer); err != nil {
		m.fail(s, fmt.Errorf("invalid answer: %w", err))
		return
	}
	if err := s.peer.SetAnswer(answer); err != nil {
		m.fail(s, fmt.Errorf("renegotiation answer: %w", err))
	}
}

// signal sends a best-effort event once the lock is released.
func (m *Manager) signal(event string, params any) {
	m.later(func() {
		if err := m.rooms.Emit(context.Background(), event, params); err != nil {
			m.log.Debug("failed to send signal", "event", event, "error", err)
		}
	})
}

// send is signal with the caller's context.
func (m *Manager) send(ctx context.Context, event string, params any) {
	m.later(func() {
		if err := m.rooms.Emit(ctx, event, params); err != nil {
			m.log.Debug("failed to send signal", "event", event, "error", err)
		}
	})
}

func (m *Manager) notify(s *Session) {
	snap := s.snapshot()
	m.later(func() { m.changes.Emit(snap) })
}

// later queues fn to run after the current holder of mu unlocks.
func (m *Manager) later(fn func()) {
	m.deferred = append(m.deferred, fn)
}

func (m *Manager) unlock() {
	fns := m.deferred
	m.deferred = nil
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
