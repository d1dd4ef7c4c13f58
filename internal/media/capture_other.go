//go:build !linux || !cgo

package media

import (
	"context"

	"github.com/rs/zerolog"
)

// Capture has no device drivers outside linux; use Synthetic instead.
type Capture struct {
	Logger zerolog.Logger
}

func (c *Capture) GetUserMedia(context.Context, Constraints) (*LocalStream, error) {
	return nil, AccessError("getUserMedia", ErrNotFound)
}

func (c *Capture) OpenVideo(context.Context, VideoConstraints) (*LocalTrack, error) {
	return nil, AccessError("openVideo", ErrNotFound)
}
