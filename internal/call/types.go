package call

import (
	"errors"
	"time"
)

var (
	ErrBusy   = errors.New("call: another call is in progress")
	ErrNoCall = errors.New("call: no matching call")
)

// Phase is where the local side is in a call's lifecycle.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseIncoming Phase = "incoming"
	PhaseOutgoing Phase = "outgoing"
	PhaseActive   Phase = "active"
)

type Role string

const (
	RoleCaller   Role = "caller"
	RoleReceiver Role = "receiver"
)

// Reason classifies how a call ended.
type Reason string

const (
	ReasonNormal       Reason = "NORMAL"
	ReasonBusy         Reason = "BUSY"
	ReasonDisconnected Reason = "DISCONNECTED"
	ReasonFailed       Reason = "FAILED"
	ReasonRejected     Reason = "REJECTED"
)

// EventType is the type tag of call-control events on the calls queue.
type EventType string

const (
	EventInitiate EventType = "CALL_INITIATE"
	EventRinging  EventType = "CALL_RINGING"
	EventAccept   EventType = "CALL_ACCEPT"
	EventReject   EventType = "CALL_REJECT"
	EventEnd      EventType = "CALL_END"
)

// Event is one call-control message from the server.
type Event struct {
	Type       EventType `json:"type"`
	CallID     string    `json:"callId"`
	CallerID   string    `json:"callerId,omitempty"`
	CallerName string    `json:"callerName,omitempty"`
	ReceiverID string    `json:"receiverId,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	Reason     Reason    `json:"reason,omitempty"`
}

// Record is the live call.
type Record struct {
	CallID        string    `json:"callId"`
	Role          Role      `json:"role"`
	RemotePeerID  string    `json:"remotePeerId"`
	RemoteName    string    `json:"remoteName,omitempty"`
	Phase         Phase     `json:"phase"`
	SessionID     string    `json:"sessionId,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	Connected     bool      `json:"connected"`
	LocalSharing  bool      `json:"localSharing"`
	RemoteSharing bool      `json:"remoteSharing"`
}

// End describes the most recent finished call.
type End struct {
	CallID       string    `json:"callId"`
	RemotePeerID string    `json:"remotePeerId"`
	Reason       Reason    `json:"reason"`
	At           time.Time `json:"at"`
}

// State is a snapshot handed to watchers.
type State struct {
	Phase Phase   `json:"phase"`
	Call  *Record `json:"call,omitempty"`
	Last  *End    `json:"last,omitempty"`
}
