package negotiate

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/rtlink/internal/media"
)

// PionConfig configures peer connections created by PionFactory.
type PionConfig struct {
	ICEServers []string
	UDPPortMin uint16
	UDPPortMax uint16
}

// PionFactory builds pion peer connections sharing one API instance.
type PionFactory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

// NewPionFactory registers src's codecs plus the default interceptors.
func NewPionFactory(cfg PionConfig, src media.Source) (*PionFactory, error) {
	me := &webrtc.MediaEngine{}
	if err := src.RegisterCodecs(me); err != nil {
		return nil, fmt.Errorf("negotiate: register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("negotiate: register interceptors: %w", err)
	}

	// A short relay outage should not end the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	if cfg.UDPPortMin > 0 && cfg.UDPPortMax >= cfg.UDPPortMin {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("negotiate: udp port range: %w", err)
		}
	}

	var servers []webrtc.ICEServer
	for _, u := range cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}

	return &PionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		cfg: webrtc.Configuration{ICEServers: servers},
	}, nil
}

// NewPeer creates a fresh peer connection.
func (f *PionFactory) NewPeer() (Peer, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("negotiate: new peer connection: %w", err)
	}
	return &pionPeer{pc: pc}, nil
}

type pionPeer struct {
	pc   *webrtc.PeerConnection
	slot *pionSlot
}

func (p *pionPeer) SignalingState() webrtc.SignalingState { return p.pc.SignalingState() }

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) { return p.pc.CreateOffer(nil) }

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) { return p.pc.CreateAnswer(nil) }

func (p *pionPeer) SetLocalDescription(sd webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sd)
}

func (p *pionPeer) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sd)
}

func (p *pionPeer) RemoteDescription() *webrtc.SessionDescription { return p.pc.RemoteDescription() }

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error { return p.pc.AddICECandidate(c) }

func (p *pionPeer) AddTrack(t media.Track) error {
	_, err := p.pc.AddTrack(t)
	return err
}

// ReserveScreenSlot adopts the video transceiver a remote offer created, or
// adds a recvonly one.
func (p *pionPeer) ReserveScreenSlot() (Transceiver, error) {
	if p.slot != nil {
		return p.slot, nil
	}
	for _, tr := range p.pc.GetTransceivers() {
		if tr.Kind() == webrtc.RTPCodecTypeVideo {
			p.slot = &pionSlot{pc: p.pc, tr: tr, sender: tr.Sender()}
			return p.slot, nil
		}
	}
	tr, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return nil, fmt.Errorf("negotiate: reserve screen slot: %w", err)
	}
	p.slot = &pionSlot{pc: p.pc, tr: tr}
	return p.slot, nil
}

func (p *pionPeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) Close() error { return p.pc.Close() }

var errSlotMoved = errors.New("negotiate: screen track landed on a new transceiver")

// pionSlot keeps the screen track on one fixed video transceiver. The sender
// created on first use is kept and re-attached on later shares.
type pionSlot struct {
	pc     *webrtc.PeerConnection
	tr     *webrtc.RTPTransceiver
	sender *webrtc.RTPSender
}

func (s *pionSlot) SetTrack(t media.Track) error {
	if t == nil {
		if s.tr.Sender() == nil {
			return nil
		}
		return s.tr.SetSender(s.tr.Sender(), nil)
	}
	if s.sender == nil {
		sender, err := s.pc.AddTrack(t)
		if err != nil {
			return err
		}
		if s.tr.Sender() != sender {
			_ = s.pc.RemoveTrack(sender)
			return errSlotMoved
		}
		s.sender = sender
		return nil
	}
	return s.tr.SetSender(s.sender, t)
}

func (s *pionSlot) Direction() webrtc.RTPTransceiverDirection { return s.tr.Direction() }
