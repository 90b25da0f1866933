// Package signal frames WebRTC handshake messages for one call and relays
// them over the event bus.
package signal

import (
	"encoding/json"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/rtlink/internal/bus"
)

var log = logging.Logger("signal")

// Type is the kind of a signaling envelope.
type Type string

const (
	Offer            Type = "OFFER"
	Answer           Type = "ANSWER"
	ICECandidate     Type = "ICE_CANDIDATE"
	ScreenShareStart Type = "SCREEN_SHARE_START"
	ScreenShareStop  Type = "SCREEN_SHARE_STOP"
)

// Envelope is one signaling message. SessionID carries the call id.
type Envelope struct {
	Type        Type            `json:"type"`
	SessionID   string          `json:"sessionId"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RecipientID string          `json:"recipientId"`
	SenderID    string          `json:"senderId,omitempty"`
}

// SessionDescription decodes an OFFER or ANSWER payload.
func (e Envelope) SessionDescription() (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(e.Payload, &sd); err != nil {
		return sd, fmt.Errorf("signal: decode %s: %w", e.Type, err)
	}
	return sd, nil
}

// Candidate decodes an ICE_CANDIDATE payload.
func (e Envelope) Candidate() (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(e.Payload, &c); err != nil {
		return c, fmt.Errorf("signal: decode %s: %w", e.Type, err)
	}
	return c, nil
}

// Bus is the part of the event bus the channel uses.
type Bus interface {
	Publish(destination string, payload any) error
	Subscribe(t bus.EventType, fn func(bus.Event)) func()
}

// Channel sends and receives envelopes on behalf of the local user.
type Channel struct {
	bus    Bus
	selfID string
}

func NewChannel(b Bus, selfID string) *Channel {
	return &Channel{bus: b, selfID: selfID}
}

// Send publishes an envelope for callID to recipientID. A nil payload is
// sent without a payload field.
func (c *Channel) Send(callID, recipientID string, t Type, payload any) error {
	env := Envelope{
		Type:        t,
		SessionID:   callID,
		RecipientID: recipientID,
		SenderID:    c.selfID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("signal: encode %s: %w", t, err)
		}
		env.Payload = raw
	}
	if err := c.bus.Publish(bus.DestCallSignal, env); err != nil {
		return fmt.Errorf("signal: send %s for %s: %w", t, callID, err)
	}
	return nil
}

// Listen delivers envelopes for callID to fn until the returned function is
// called. Envelopes for other calls and the local user's own envelopes are
// dropped.
func (c *Channel) Listen(callID string, fn func(Envelope)) func() {
	return c.bus.Subscribe(bus.EventCallSignal, func(ev bus.Event) {
		var env Envelope
		if err := ev.Decode(&env); err != nil {
			log.Warnf("bad signal envelope: %v", err)
			return
		}
		switch {
		case env.SessionID != callID:
			log.Debugf("dropping stale %s for call %s (current %s)", env.Type, env.SessionID, callID)
			return
		case c.selfID != "" && env.SenderID == c.selfID:
			return
		case env.RecipientID != "" && c.selfID != "" && env.RecipientID != c.selfID:
			log.Debugf("dropping %s addressed to %s", env.Type, env.RecipientID)
			return
		}
		fn(env)
	})
}
