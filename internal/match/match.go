// Package match joins and leaves the server's matching queue and forwards
// match events to local listeners.
package match

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/rtlink/internal/bus"
)

var log = logging.Logger("match")

// Match event types sent by the server.
const (
	TypeQueued  = "QUEUED"
	TypeFound   = "MATCH_FOUND"
	TypeLeft    = "LEFT"
	TypeTimeout = "TIMEOUT"
)

var ErrNotQueued = errors.New("match: not in the queue")

// Intent is what the user is looking for.
type Intent struct {
	Intent string   `json:"intent"`
	Tags   []string `json:"tags,omitempty"`
}

// Event is one match event from the server.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	PeerID    string          `json:"peerId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type Bus interface {
	Publish(destination string, payload any) error
	Subscribe(t bus.EventType, fn func(bus.Event)) func()
}

// Queue tracks this user's place in the matching queue.
type Queue struct {
	bus Bus

	mu        sync.RWMutex
	queued    *Intent
	last      *Event
	listeners []chan *Event
	unsub     func()
}

func New(b Bus) *Queue {
	q := &Queue{bus: b}
	q.unsub = b.Subscribe(bus.EventMatch, q.handleEvent)
	return q
}

// Join enters the queue with intent. Joining again replaces the intent.
func (q *Queue) Join(intent Intent) error {
	intent.Intent = strings.TrimSpace(intent.Intent)
	if intent.Intent == "" {
		return errors.New("match: empty intent")
	}
	if err := q.bus.Publish(bus.DestMatchJoin, intent); err != nil {
		return fmt.Errorf("match: join: %w", err)
	}
	q.mu.Lock()
	q.queued = &intent
	q.mu.Unlock()
	log.Infof("joined queue (%s)", intent.Intent)
	return nil
}

// Leave exits the queue.
func (q *Queue) Leave() error {
	q.mu.Lock()
	intent := q.queued
	q.mu.Unlock()
	if intent == nil {
		return ErrNotQueued
	}
	if err := q.bus.Publish(bus.DestMatchLeave, intent); err != nil {
		return fmt.Errorf("match: leave: %w", err)
	}
	q.mu.Lock()
	q.queued = nil
	q.mu.Unlock()
	log.Infof("left queue")
	return nil
}

// Status reports the current intent, if queued, and the last match event.
func (q *Queue) Status() (queued *Intent, last *Event) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.queued != nil {
		i := *q.queued
		queued = &i
	}
	if q.last != nil {
		e := *q.last
		last = &e
	}
	return queued, last
}

func (q *Queue) handleEvent(ev bus.Event) {
	var e Event
	if err := ev.Decode(&e); err != nil {
		log.Warnf("bad match event: %v", err)
		return
	}
	e.Type = strings.ToUpper(e.Type)

	q.mu.Lock()
	switch e.Type {
	case TypeFound, TypeLeft, TypeTimeout:
		q.queued = nil
	}
	q.last = &e
	q.mu.Unlock()

	if e.Type == TypeFound {
		log.Infof("matched with %s (session %s)", e.PeerID, e.SessionID)
	}
	q.notifyListeners(&e)
}

// Subscribe returns a channel that receives match events.
func (q *Queue) Subscribe() <-chan *Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch := make(chan *Event, 10)
	q.listeners = append(q.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel.
func (q *Queue) Unsubscribe(ch <-chan *Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, listener := range q.listeners {
		if listener == ch {
			close(listener)
			q.listeners = append(q.listeners[:i], q.listeners[i+1:]...)
			return
		}
	}
}

func (q *Queue) notifyListeners(evt *Event) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, listener := range q.listeners {
		select {
		case listener <- evt:
		default:
		}
	}
}

func (q *Queue) Close() {
	q.unsub()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, listener := range q.listeners {
		close(listener)
	}
	q.listeners = nil
}
