package chat

import (
	"time"

	"github.com/google/uuid"
)

// Message is one direct message, sent or received.
type Message struct {
	ID          string `json:"id"`
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
	ReplyToID   string `json:"replyToId,omitempty"`
	Timestamp   int64  `json:"timestamp"` // unix milliseconds
	// Outgoing marks messages this client sent; their ID is local.
	Outgoing bool `json:"outgoing,omitempty"`
}

// sendRequest is the payload published to the chat destination.
type sendRequest struct {
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
	ReplyToID   string `json:"replyToId,omitempty"`
}

// incoming is a message event as the server sends it.
type incoming struct {
	ID          string `json:"id"`
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
	ReplyToID   string `json:"replyToId"`
	CreatedAt   int64  `json:"createdAt"`
}

func newOutgoing(from, to, content, replyTo string) *Message {
	return &Message{
		ID:          uuid.NewString(),
		SenderID:    from,
		RecipientID: to,
		Content:     content,
		ReplyToID:   replyTo,
		Timestamp:   time.Now().UnixMilli(),
		Outgoing:    true,
	}
}
