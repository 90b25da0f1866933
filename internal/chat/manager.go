// Package chat sends direct messages over the event bus and keeps the most
// recent ones in memory for the local UI.
package chat

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/rtlink/internal/bus"
	"github.com/petervdpas/rtlink/internal/util"
)

var log = logging.Logger("chat")

const (
	// DefaultBufferSize is the default number of messages to keep in memory
	DefaultBufferSize = 100

	MaxContentLength = 4000
)

var ErrInvalidMessage = errors.New("chat: invalid message")

// Bus is the part of the event bus chat uses.
type Bus interface {
	Publish(destination string, payload any) error
	Subscribe(t bus.EventType, fn func(bus.Event)) func()
}

type Manager struct {
	bus    Bus
	selfID string

	mu        sync.RWMutex
	messages  *util.RingBuffer[*Message]
	listeners []chan *Message
	unsub     func()
}

// New creates a chat manager and starts collecting incoming messages.
func New(b Bus, selfID string, bufferSize int) *Manager {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	m := &Manager{
		bus:      b,
		selfID:   selfID,
		messages: util.NewRingBuffer[*Message](bufferSize),
	}
	m.unsub = b.Subscribe(bus.EventMessage, m.handleEvent)
	return m
}

// Send publishes a direct message to recipientID. replyToID is optional.
func (m *Manager) Send(recipientID, content, replyToID string) (*Message, error) {
	recipientID = strings.TrimSpace(recipientID)
	content = strings.TrimSpace(content)
	switch {
	case recipientID == "":
		return nil, fmt.Errorf("%w: no recipient", ErrInvalidMessage)
	case recipientID == m.selfID:
		return nil, fmt.Errorf("%w: cannot message yourself", ErrInvalidMessage)
	case content == "":
		return nil, fmt.Errorf("%w: empty content", ErrInvalidMessage)
	case utf8.RuneCountInString(content) > MaxContentLength:
		return nil, fmt.Errorf("%w: content longer than %d characters", ErrInvalidMessage, MaxContentLength)
	}

	req := sendRequest{RecipientID: recipientID, Content: content, ReplyToID: replyToID}
	if err := m.bus.Publish(bus.DestChatSend, req); err != nil {
		return nil, fmt.Errorf("chat: send to %s: %w", recipientID, err)
	}
	msg := newOutgoing(m.selfID, recipientID, content, replyToID)
	m.addMessage(msg)
	log.Debugf("sent message to %s", recipientID)
	return msg, nil
}

// Recent returns the buffered messages, oldest first.
func (m *Manager) Recent() []*Message {
	return m.messages.Snapshot()
}

// Conversation returns the buffered messages exchanged with peerID.
func (m *Manager) Conversation(peerID string) []*Message {
	all := m.messages.Snapshot()
	out := make([]*Message, 0)
	for _, msg := range all {
		if msg.SenderID == peerID || msg.RecipientID == peerID {
			out = append(out, msg)
		}
	}
	return out
}

// Subscribe returns a channel that receives new messages
func (m *Manager) Subscribe() <-chan *Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan *Message, 10)
	m.listeners = append(m.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel
func (m *Manager) Unsubscribe(ch <-chan *Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, listener := range m.listeners {
		if listener == ch {
			close(listener)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *Manager) handleEvent(ev bus.Event) {
	var in incoming
	if err := ev.Decode(&in); err != nil {
		log.Warnf("bad message event: %v", err)
		return
	}
	if in.Content == "" {
		return
	}
	ts := in.CreatedAt
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	m.addMessage(&Message{
		ID:          in.ID,
		SenderID:    in.SenderID,
		RecipientID: in.RecipientID,
		Content:     in.Content,
		ReplyToID:   in.ReplyToID,
		Timestamp:   ts,
	})
	log.Debugf("received message from %s", in.SenderID)
}

// addMessage adds a message to the buffer and notifies listeners
func (m *Manager) addMessage(msg *Message) {
	m.messages.Push(msg)

	m.mu.RLock()
	for _, listener := range m.listeners {
		select {
		case listener <- msg:
		default:
			// Listener buffer full, skip
		}
	}
	m.mu.RUnlock()
}

// Close stops receiving and closes all listener channels.
func (m *Manager) Close() error {
	m.unsub()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, listener := range m.listeners {
		close(listener)
	}
	m.listeners = nil
	return nil
}
