// Package media acquires the local camera and microphone tracks that a peer
// connection sends.
package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/mossy-p/consult-signaling/internal/callerr"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

var (
	ErrNotAllowed = errors.New("media access not allowed")
	ErrNotFound   = errors.New("no media device found")
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

const (
	FacingUser        = "user"
	FacingEnvironment = "environment"
)

type VideoConstraints struct {
	Disabled   bool
	Width      int
	Height     int
	FacingMode string
	DeviceID   string
}

type AudioConstraints struct {
	Disabled         bool
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

type Constraints struct {
	Video VideoConstraints
	Audio AudioConstraints
}

// DefaultConstraints asks for 720p from the front camera and a processed
// microphone.
func DefaultConstraints() Constraints {
	return Constraints{
		Video: VideoConstraints{Width: 1280, Height: 720, FacingMode: FacingUser},
		Audio: AudioConstraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true},
	}
}

// OtherFacing returns the facing mode to switch to.
func OtherFacing(mode string) string {
	if mode == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// Devices opens local media.
type Devices interface {
	GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error)
	// OpenVideo opens a single video track, used to switch cameras.
	OpenVideo(ctx context.Context, c VideoConstraints) (*LocalTrack, error)
}

// AccessError classifies a device failure as MediaAccessDenied.
func AccessError(op string, err error) error {
	if err == nil {
		return nil
	}
	return callerr.Wrap(callerr.KindMediaAccessDenied, op, err)
}

// LocalTrack is one captured track. Samples written while the track is
// disabled or stopped are dropped, which is how a muted microphone or a
// covered camera looks to the remote side.
type LocalTrack struct {
	kind       Kind
	facingMode string
	track      *webrtc.TrackLocalStaticSample

	enabled  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	release  func()
}

// NewLocalTrack wraps a static sample track. release runs once on Stop.
func NewLocalTrack(kind Kind, streamID string, release func()) (*LocalTrack, error) {
	mime := webrtc.MimeTypeOpus
	if kind == KindVideo {
		mime = webrtc.MimeTypeVP8
	}
	codec := webrtc.RTPCodecCapability{MimeType: mime}
	if kind == KindAudio {
		codec.ClockRate, codec.Channels = 48000, 2
	} else {
		codec.ClockRate = 90000
	}
	track, err := webrtc.NewTrackLocalStaticSample(codec, string(kind)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}
	t := &LocalTrack{kind: kind, track: track, release: release}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) Kind() Kind                    { return t.kind }
func (t *LocalTrack) ID() string                    { return t.track.ID() }
func (t *LocalTrack) FacingMode() string            { return t.facingMode }
func (t *LocalTrack) TrackLocal() webrtc.TrackLocal { return t.track }
func (t *LocalTrack) Enabled() bool                 { return t.enabled.Load() }
func (t *LocalTrack) Stopped() bool                 { return t.stopped.Load() }

func (t *LocalTrack) SetEnabled(on bool) { t.enabled.Store(on) }

// WriteSample forwards s to the remote side unless the track is disabled.
func (t *LocalTrack) WriteSample(s media.Sample) error {
	if !t.enabled.Load() || t.stopped.Load() {
		return nil
	}
	return t.track.WriteSample(s)
}

// Stop releases the underlying device. Safe to call more than once.
func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		if t.release != nil {
			t.release()
		}
	})
}

// LocalStream groups the tracks of one acquisition.
type LocalStream struct {
	id string

	mu    sync.Mutex
	audio *LocalTrack
	video *LocalTrack
	stops int
}

func NewLocalStream(id string, audio, video *LocalTrack) *LocalStream {
	return &LocalStream{id: id, audio: audio, video: video}
}

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) AudioTrack() *LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

func (s *LocalStream) VideoTrack() *LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video
}

// Tracks returns the audio then video track, skipping absent ones.
func (s *LocalStream) Tracks() []*LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*LocalTrack
	for _, t := range []*LocalTrack{s.audio, s.video} {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// ReplaceVideo swaps in a new video track and returns the previous one. The
// caller stops the old track once the sender no longer uses it.
func (s *LocalStream) ReplaceVideo(t *LocalTrack) *LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.video
	s.video = t
	return old
}

// Stop stops every track. Later calls are no-ops.
func (s *LocalStream) Stop() {
	s.mu.Lock()
	s.stops++
	first := s.stops == 1
	tracks := []*LocalTrack{s.audio, s.video}
	s.mu.Unlock()
	if !first {
		return
	}
	for _, t := range tracks {
		if t != nil {
			t.Stop()
		}
	}
}

// StopCalls reports how many times Stop was called.
func (s *LocalStream) StopCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}
