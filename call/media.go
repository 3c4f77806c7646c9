package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/chat"
)

var ErrScreenUnsupported = errors.New("screen capture is not available")

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track is a local outgoing media track. While disabled or after Stop,
// written samples are dropped.
type Track struct {
	kind  TrackKind
	local *webrtc.TrackLocalStaticSample

	enabled atomic.Bool
	stopped atomic.Bool

	mu      sync.Mutex
	onEnded []func()
}

// NewTrack creates an Opus audio or VP8 video track.
func NewTrack(kind TrackKind, streamID string) (*Track, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == TrackVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	local, err := webrtc.NewTrackLocalStaticSample(codec, string(kind)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	t := &Track{kind: kind, local: local}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) Kind() TrackKind { return t.kind }

func (t *Track) ID() string { return t.local.ID() }

// Local is the pion track to attach to a peer connection.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *Track) Stopped() bool { return t.stopped.Load() }

// WriteSample sends one encoded frame.
func (t *Track) WriteSample(data []byte, d time.Duration) error {
	if t.stopped.Load() || !t.enabled.Load() {
		return nil
	}
	return t.local.WriteSample(media.Sample{Data: data, Duration: d})
}

// OnEnded registers fn to run once when the track stops, whether the
// call stopped it or the capture source ended on its own.
func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

func (t *Track) Stop() {
	if !t.stopped.CompareAndSwap(false, true) {
		return
	}
	t.mu.Lock()
	fns := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// LocalMedia is the camera and microphone capture of one call. Video is
// nil for audio calls.
type LocalMedia struct {
	Audio *Track
	Video *Track
}

func (m *LocalMedia) Tracks() []*Track {
	if m == nil {
		return nil
	}
	var out []*Track
	if m.Audio != nil {
		out = append(out, m.Audio)
	}
	if m.Video != nil {
		out = append(out, m.Video)
	}
	return out
}

func (m *LocalMedia) Stop() {
	for _, t := range m.Tracks() {
		t.Stop()
	}
}

// MediaSource acquires local capture. Implementations must not call back
// into the Manager.
type MediaSource interface {
	Acquire(ctx context.Context, t chat.CallType) (*LocalMedia, error)
	AcquireScreen(ctx context.Context) (*Track, error)
}

// CaptureFunc starts feeding samples into track, typically from a
// goroutine that returns once the track is stopped. An error means the
// device could not be opened.
type CaptureFunc func(ctx context.Context, track *Track) error

// SampleSource hands new tracks to the host application, which writes
// encoded samples into them.
type SampleSource struct {
	Microphone CaptureFunc
	Camera     CaptureFunc
	Screen     CaptureFunc // nil when screen sharing is unavailable
}

func (s SampleSource) Acquire(ctx context.Context, t chat.CallType) (*LocalMedia, error) {
	streamID := "call-" + uuid.NewString()
	m := &LocalMedia{}

	audio, err := s.start(ctx, TrackAudio, streamID, s.Microphone)
	if err != nil {
		return nil, err
	}
	m.Audio = audio

	if t == chat.CallVideo {
		video, err := s.start(ctx, TrackVideo, streamID, s.Camera)
		if err != nil {
			m.Stop()
			return nil, err
		}
		m.Video = video
	}
	return m, nil
}

func (s SampleSource) AcquireScreen(ctx context.Context) (*Track, error) {
	if s.Screen == nil {
		return nil, ErrScreenUnsupported
	}
	return s.start(ctx, TrackVideo, "screen-"+uuid.NewString(), s.Screen)
}

func (s SampleSource) start(ctx context.Context, kind TrackKind, streamID string, capture CaptureFunc) (*Track, error) {
	if capture == nil {
		return nil, fmt.Errorf("no %s capture configured", kind)
	}
	track, err := NewTrack(kind, streamID)
	if err != nil {
		return nil, err
	}
	if err := capture(ctx, track); err != nil {
		track.Stop()
		return nil, fmt.Errorf("start %s capture: %w", kind, err)
	}
	return track, nil
}
