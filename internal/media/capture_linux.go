//go:build linux && cgo

package media

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

// Capture opens the camera and microphone through pion/mediadevices (V4L2
// and malgo). Encoded frames are copied into the track's static sample
// writer so that toggling a track only gates delivery.
type Capture struct {
	Logger zerolog.Logger
}

func (c *Capture) codecs() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

func (c *Capture) GetUserMedia(ctx context.Context, mc Constraints) (*LocalStream, error) {
	if mc.Audio.Disabled && mc.Video.Disabled {
		return nil, AccessError("getUserMedia", ErrNotFound)
	}
	// mediadevices has no audio processing constraints; the hints are
	// recorded so a capture without them is visible in the logs.
	if !mc.Audio.Disabled {
		c.Logger.Debug().
			Bool("echo_cancellation", mc.Audio.EchoCancellation).
			Bool("noise_suppression", mc.Audio.NoiseSuppression).
			Bool("auto_gain_control", mc.Audio.AutoGainControl).
			Msg("Audio processing hints not supported by capture driver")
	}

	streamID := "stream-" + uuid.NewString()
	var audio, video *LocalTrack
	if !mc.Audio.Disabled {
		t, err := c.open(KindAudio, streamID, mc)
		if err != nil {
			return nil, err
		}
		audio = t
	}
	if !mc.Video.Disabled {
		t, err := c.open(KindVideo, streamID, mc)
		if err != nil {
			if audio != nil {
				audio.Stop()
			}
			return nil, err
		}
		video = t
	}
	return NewLocalStream(streamID, audio, video), nil
}

func (c *Capture) OpenVideo(ctx context.Context, vc VideoConstraints) (*LocalTrack, error) {
	return c.open(KindVideo, "stream-"+uuid.NewString(), Constraints{Video: vc, Audio: AudioConstraints{Disabled: true}})
}

func (c *Capture) open(kind Kind, streamID string, mc Constraints) (*LocalTrack, error) {
	selector, err := c.codecs()
	if err != nil {
		return nil, fmt.Errorf("codec selector: %w", err)
	}

	msc := mediadevices.MediaStreamConstraints{Codec: selector}
	mime := webrtc.MimeTypeOpus
	if kind == KindVideo {
		mime = webrtc.MimeTypeVP8
		deviceID := mc.Video.DeviceID
		if deviceID == "" {
			deviceID = pickCamera(mc.Video.FacingMode)
		}
		msc.Video = func(t *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				t.DeviceID = prop.String(deviceID)
			}
			// Raw formats only; some cameras expose broken MJPEG nodes.
			t.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420, frame.FormatI444, frame.FormatRGBA}
			t.Width = prop.Int(mc.Video.Width)
			t.Height = prop.Int(mc.Video.Height)
		}
	} else {
		msc.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(msc)
	if err != nil {
		return nil, AccessError("getUserMedia "+string(kind), classify(err))
	}
	tracks := stream.GetTracks()
	if len(tracks) == 0 {
		return nil, AccessError("getUserMedia "+string(kind), ErrNotFound)
	}
	source := tracks[0]

	reader, err := source.NewEncodedReader(mime)
	if err != nil {
		source.Close()
		return nil, AccessError("encode "+string(kind), fmt.Errorf("%w: %v", ErrNotFound, err))
	}

	t, err := NewLocalTrack(kind, streamID, func() {
		reader.Close()
		source.Close()
	})
	if err != nil {
		reader.Close()
		source.Close()
		return nil, err
	}
	if kind == KindVideo {
		t.facingMode = mc.Video.FacingMode
	}

	go c.forward(t, reader)
	c.Logger.Info().Str("kind", string(kind)).Str("track_id", t.ID()).Msg("Local media captured")
	return t, nil
}

// forward copies encoded frames into the local track until the reader is
// closed by Stop.
func (c *Capture) forward(t *LocalTrack, r mediadevices.EncodedReadCloser) {
	last := time.Now()
	for {
		buf, release, err := r.Read()
		if err != nil {
			if !t.Stopped() {
				c.Logger.Warn().Err(err).Str("kind", string(t.Kind())).Msg("Local track ended")
			}
			return
		}
		now := time.Now()
		err = t.WriteSample(media.Sample{Data: buf.Data, Duration: now.Sub(last)})
		last = now
		release()
		if err != nil {
			c.Logger.Debug().Err(err).Msg("Dropping local sample")
		}
	}
}

// pickCamera maps a facing mode onto the enumerated video inputs: the first
// camera is treated as front-facing and the next one as rear-facing.
func pickCamera(facing string) string {
	var cams []string
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			cams = append(cams, d.DeviceID)
		}
	}
	switch {
	case len(cams) == 0:
		return ""
	case facing == FacingEnvironment && len(cams) > 1:
		return cams[1]
	}
	return cams[0]
}

func classify(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "not permitted") {
		return fmt.Errorf("%w: %v", ErrNotAllowed, err)
	}
	return fmt.Errorf("%w: %v", ErrNotFound, err)
}
