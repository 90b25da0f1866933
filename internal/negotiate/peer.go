package negotiate

import (
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/rtlink/internal/media"
)

// Peer is the part of a WebRTC peer connection the engine drives.
type Peer interface {
	SignalingState() webrtc.SignalingState
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error

	AddTrack(media.Track) error
	// ReserveScreenSlot returns the video transceiver used for screen
	// sharing, creating it recvonly if the connection has none yet.
	ReserveScreenSlot() (Transceiver, error)

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// Transceiver is the reserved screen-share media line.
type Transceiver interface {
	// SetTrack puts t on the sender (sendrecv). A nil t clears the sender
	// and returns the line to recvonly without removing it.
	SetTrack(t media.Track) error
	Direction() webrtc.RTPTransceiverDirection
}

// PeerFactory creates the peer connection for one call.
type PeerFactory func() (Peer, error)
