package bus

import (
	"encoding/json"
	"strings"
)

// EventType tags one typed stream multiplexed over the bus.
type EventType string

const (
	EventMessage      EventType = "message"
	EventFriend       EventType = "friend"
	EventCall         EventType = "call"
	EventNotification EventType = "notification"
	EventCallSignal   EventType = "call-signal"
	EventMatch        EventType = "match"
	EventSession      EventType = "session"

	// EventConnection carries connectivity transitions. It has no
	// destination; the bus raises it itself.
	EventConnection EventType = "connection-state"
)

// User queues subscribed on every connection.
var queues = []struct {
	typ  EventType
	dest string
}{
	{EventMessage, "/user/queue/messages"},
	{EventFriend, "/user/queue/friends"},
	{EventCall, "/user/queue/calls"},
	{EventNotification, "/user/queue/notifications"},
	{EventCallSignal, "/user/queue/call-signal"},
	{EventMatch, "/user/queue/match"},
	{EventSession, "/user/queue/session"},
}

// Outbound destinations.
const (
	DestChatSend   = "/app/chat.send"
	DestMatchJoin  = "/app/match.join"
	DestMatchLeave = "/app/match.leave"
	DestCallSignal = "/app/call.signal"
)

const presencePrefix = "/topic/presence/"

// PresenceDestination is the topic carrying one peer's presence updates.
func PresenceDestination(peerID string) string { return presencePrefix + peerID }

// QueueDestination returns the user queue for t, or "" for event types that
// have no queue.
func QueueDestination(t EventType) string {
	for _, q := range queues {
		if q.typ == t {
			return q.dest
		}
	}
	return ""
}

// Event is one delivery on a typed stream.
type Event struct {
	Type        EventType
	Destination string
	Body        json.RawMessage

	// Connected is set on EventConnection events.
	Connected bool
}

// Decode unmarshals the event body into v.
func (e Event) Decode(v any) error { return json.Unmarshal(e.Body, v) }

// Presence statuses as sent by the server.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusInCall  = "in-call"
)

// Presence is a single presence update for one peer.
type Presence struct {
	PeerID   string `json:"userId"`
	Status   string `json:"status"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

func normalizeStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.ReplaceAll(s, "_", "-")
}
