//go:build linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// Capture reads the microphone through malgo and the screen through X11.
type Capture struct {
	selector *mediadevices.CodecSelector
}

// NewCapture prepares Opus and VP8 encoders for captured tracks.
func NewCapture() (*Capture, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("media: vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("media: opus params: %w", err)
	}

	return &Capture{selector: mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)}, nil
}

func (c *Capture) RegisterCodecs(m *webrtc.MediaEngine) error {
	c.selector.Populate(m)
	return nil
}

func (c *Capture) Microphone(ctx context.Context) (Track, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(*mediadevices.MediaTrackConstraints) {},
		Codec: c.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: microphone: %v", ErrUnavailable, err)
	}
	return pick(ctx, stream.GetAudioTracks(), "microphone")
}

func (c *Capture) Screen(ctx context.Context) (Track, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(t *mediadevices.MediaTrackConstraints) {
			t.FrameRate = prop.Float(15)
		},
		Codec: c.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: screen: %v", ErrUnavailable, err)
	}
	return pick(ctx, stream.GetVideoTracks(), "screen")
}

// pick keeps the first track and closes the rest. A cancelled ctx releases
// everything.
func pick(ctx context.Context, tracks []mediadevices.Track, what string) (Track, error) {
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no %s track", ErrUnavailable, what)
	}
	for _, t := range tracks[1:] {
		_ = t.Close()
	}
	if err := ctx.Err(); err != nil {
		_ = tracks[0].Close()
		return nil, err
	}
	return &deviceTrack{Track: tracks[0]}, nil
}

type deviceTrack struct {
	mediadevices.Track
}

func (t *deviceTrack) Stop() error { return t.Track.Close() }
