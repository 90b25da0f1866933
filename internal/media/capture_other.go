//go:build !linux

package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Capture has no device drivers on this platform; every request reports
// ErrUnavailable.
type Capture struct{}

func NewCapture() (*Capture, error) { return &Capture{}, nil }

func (*Capture) RegisterCodecs(m *webrtc.MediaEngine) error { return m.RegisterDefaultCodecs() }

func (*Capture) Microphone(context.Context) (Track, error) { return nil, ErrUnavailable }

func (*Capture) Screen(context.Context) (Track, error) { return nil, ErrUnavailable }
