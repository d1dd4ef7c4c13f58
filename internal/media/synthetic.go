package media

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Synthetic produces tracks without touching hardware. With Pump set, each
// track is fed placeholder samples until it stops, which is enough for a
// headless participant to complete ICE and keep RTP flowing.
type Synthetic struct {
	// Err, when set, is returned by every acquisition.
	Err  error
	Pump bool

	mu       sync.Mutex
	opened   int
	released int
}

var (
	silentOpus = []byte{0xf8, 0xff, 0xfe}
	// A VP8 key frame header for a 2x2 black picture.
	blankVP8 = []byte{0x50, 0x01, 0x00, 0x9d, 0x01, 0x2a, 0x02, 0x00, 0x02, 0x00, 0x00}
)

func (s *Synthetic) GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error) {
	if s.Err != nil {
		return nil, AccessError("getUserMedia", s.Err)
	}
	if c.Audio.Disabled && c.Video.Disabled {
		return nil, AccessError("getUserMedia", ErrNotFound)
	}

	streamID := "stream-" + uuid.NewString()
	var audio, video *LocalTrack
	if !c.Audio.Disabled {
		t, err := s.open(KindAudio, streamID)
		if err != nil {
			return nil, err
		}
		audio = t
	}
	if !c.Video.Disabled {
		t, err := s.open(KindVideo, streamID)
		if err != nil {
			if audio != nil {
				audio.Stop()
			}
			return nil, err
		}
		t.facingMode = c.Video.FacingMode
		video = t
	}
	return NewLocalStream(streamID, audio, video), nil
}

func (s *Synthetic) OpenVideo(ctx context.Context, c VideoConstraints) (*LocalTrack, error) {
	if s.Err != nil {
		return nil, AccessError("openVideo", s.Err)
	}
	t, err := s.open(KindVideo, "stream-"+uuid.NewString())
	if err != nil {
		return nil, err
	}
	t.facingMode = c.FacingMode
	return t, nil
}

func (s *Synthetic) open(kind Kind, streamID string) (*LocalTrack, error) {
	done := make(chan struct{})
	t, err := NewLocalTrack(kind, streamID, func() {
		close(done)
		s.mu.Lock()
		s.released++
		s.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.opened++
	s.mu.Unlock()

	if s.Pump {
		go pump(t, done)
	}
	return t, nil
}

func pump(t *LocalTrack, done chan struct{}) {
	interval, payload := 20*time.Millisecond, silentOpus
	if t.Kind() == KindVideo {
		interval, payload = 100*time.Millisecond, blankVP8
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := t.WriteSample(media.Sample{Data: payload, Duration: interval}); err != nil {
				return
			}
		}
	}
}

// Opened reports how many tracks were created.
func (s *Synthetic) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// Released reports how many tracks were stopped.
func (s *Synthetic) Released() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
