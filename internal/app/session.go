package app

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/rtlink/internal/call"
	"github.com/petervdpas/rtlink/internal/media"
	"github.com/petervdpas/rtlink/internal/negotiate"
)

var errPeerFailed = errors.New("peer connection failed")

// engineSession adapts a negotiation engine to the controller's Session.
type engineSession struct {
	*negotiate.Engine
}

func (s engineSession) ScreenSharing() bool {
	return s.ScreenSlotState() == negotiate.SlotSending
}

func sessionFactory(sig negotiate.Signaler, src media.Source, newPeer negotiate.PeerFactory, stableWait time.Duration) call.SessionFactory {
	return func(sc call.SessionConfig, h call.SessionHooks) (call.Session, error) {
		eng, err := negotiate.New(negotiate.Options{
			CallID:       sc.CallID,
			RemotePeerID: sc.RemotePeerID,
			Signaler:     sig,
			Media:        src,
			NewPeer:      newPeer,
			StableWait:   stableWait,
			OnConnectionState: func(s webrtc.PeerConnectionState) {
				switch s {
				case webrtc.PeerConnectionStateConnected:
					h.OnConnected()
				case webrtc.PeerConnectionStateFailed:
					h.OnFailed(errPeerFailed)
				}
			},
			OnRemoteScreenShare: h.OnRemoteScreenShare,
			OnError:             h.OnFailed,
		})
		if err != nil {
			return nil, err
		}
		return engineSession{eng}, nil
	}
}

func mediaSource(kind string) (media.Source, error) {
	if kind == "null" {
		return media.Null{}, nil
	}
	c, err := media.NewCapture()
	if err != nil {
		return nil, err
	}
	return c, nil
}
