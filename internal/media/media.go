// Package media acquires the local tracks a call sends: microphone audio and
// screen capture.
package media

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

var (
	ErrUnavailable      = errors.New("media: capture unavailable")
	ErrPermissionDenied = errors.New("media: permission denied")
)

const streamID = "rtlink"

// Track is a local track owned by one call. Stop releases the capture device.
type Track interface {
	webrtc.TrackLocal
	Stop() error
}

// Source hands out local tracks and registers the codecs they encode with.
type Source interface {
	Microphone(ctx context.Context) (Track, error)
	Screen(ctx context.Context) (Track, error)
	RegisterCodecs(m *webrtc.MediaEngine) error
}

// Null produces silent static tracks. It is used headless and in tests.
type Null struct{}

func (Null) RegisterCodecs(m *webrtc.MediaEngine) error { return m.RegisterDefaultCodecs() }

func (Null) Microphone(ctx context.Context) (Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newStaticTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio")
}

func (Null) Screen(ctx context.Context) (Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newStaticTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "screen")
}

// StaticTrack is a sample track nothing writes to.
type StaticTrack struct {
	*webrtc.TrackLocalStaticSample
	stopped atomic.Int32
}

func newStaticTrack(c webrtc.RTPCodecCapability, id string) (*StaticTrack, error) {
	t, err := webrtc.NewTrackLocalStaticSample(c, id, streamID)
	if err != nil {
		return nil, err
	}
	return &StaticTrack{TrackLocalStaticSample: t}, nil
}

func (t *StaticTrack) Stop() error {
	t.stopped.Add(1)
	return nil
}

// Stops reports how many times Stop was called.
func (t *StaticTrack) Stops() int { return int(t.stopped.Load()) }
