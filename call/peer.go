package call

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/rpc"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/settings"
)

var ErrNoVideoSender = errors.New("peer has no outgoing video")

type PeerState int

const (
	PeerNew PeerState = iota
	PeerConnecting
	PeerConnected
	PeerDisconnected
	PeerFailed
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	case PeerClosed:
		return "closed"
	default:
		return "new"
	}
}

// Peer is the negotiated media connection of one call. Callbacks must
// not be invoked synchronously from inside the other methods.
type Peer interface {
	AddMedia(m *LocalMedia) error
	CreateOffer() (rpc.SessionDesc, error)
	// AcceptOffer sets offer as the remote description and returns the
	// local answer.
	AcceptOffer(offer rpc.SessionDesc) (rpc.SessionDesc, error)
	SetAnswer(answer rpc.SessionDesc) error
	AddICECandidate(c rpc.ICECandidate) error
	// ReplaceVideo swaps the outgoing video track in place.
	ReplaceVideo(t *Track) error
	OnICECandidate(fn func(rpc.ICECandidate))
	OnStateChange(fn func(PeerState))
	Close() error
}

// PeerFactory creates the connection for a call.
type PeerFactory func(callID string, iceServers []settings.ICEServer) (Peer, error)

// PionPeer is a Peer backed by a pion PeerConnection.
type PionPeer struct {
	pc *webrtc.PeerConnection

	mu    sync.Mutex
	video *webrtc.RTPSender
}

var _ Peer = (*PionPeer)(nil)

func NewPionPeer(iceServers []settings.ICEServer) (*PionPeer, error) {
	config := webrtc.Configuration{}
	for _, s := range iceServers {
		config.ICEServers = append(config.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &PionPeer{pc: pc}, nil
}

// NewPionFactory returns a PeerFactory that creates PionPeers. onTrack,
// if set, receives every remote track with the id of its call.
func NewPionFactory(onTrack func(callID string, track *webrtc.TrackRemote)) PeerFactory {
	return func(callID string, iceServers []settings.ICEServer) (Peer, error) {
		p, err := NewPionPeer(iceServers)
		if err != nil {
			return nil, err
		}
		if onTrack != nil {
			p.OnRemoteTrack(func(t *webrtc.TrackRemote) { onTrack(callID, t) })
		}
		return p, nil
	}
}

func (p *PionPeer) AddMedia(m *LocalMedia) error {
	for _, t := range m.Tracks() {
		sender, err := p.pc.AddTrack(t.Local())
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		go drainRTCP(sender)
		if t.Kind() == TrackVideo {
			p.mu.Lock()
			p.video = sender
			p.mu.Unlock()
		}
	}
	return nil
}

// drainRTCP reads incoming RTCP so interceptors such as NACK keep
// working. It returns when the sender is closed.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *PionPeer) CreateOffer() (rpc.SessionDesc, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return rpc.SessionDesc{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return rpc.SessionDesc{}, fmt.Errorf("set local description: %w", err)
	}
	return rpc.SessionDesc{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *PionPeer) AcceptOffer(offer rpc.SessionDesc) (rpc.SessionDesc, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return rpc.SessionDesc{}, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return rpc.SessionDesc{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return rpc.SessionDesc{}, fmt.Errorf("set local description: %w", err)
	}
	return rpc.SessionDesc{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *PionPeer) SetAnswer(answer rpc.SessionDesc) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (p *PionPeer) AddICECandidate(c rpc.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *PionPeer) ReplaceVideo(t *Track) error {
	p.mu.Lock()
	sender := p.video
	p.mu.Unlock()
	if sender == nil {
		return ErrNoVideoSender
	}
	return sender.ReplaceTrack(t.Local())
}

func (p *PionPeer) OnICECandidate(fn func(rpc.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(rpc.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (p *PionPeer) OnStateChange(fn func(PeerState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(peerState(s))
	})
}

// OnRemoteTrack registers fn for media arriving from the other party.
func (p *PionPeer) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	p.pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(t)
	})
}

func (p *PionPeer) Close() error {
	return p.pc.Close()
}

func peerState(s webrtc.PeerConnectionState) PeerState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return PeerConnecting
	case webrtc.PeerConnectionStateConnected:
		return PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return PeerFailed
	case webrtc.PeerConnectionStateClosed:
		return PeerClosed
	default:
		return PeerNew
	}
}
