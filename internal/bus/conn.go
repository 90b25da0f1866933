package bus

import "context"

// Credentials identify the user to the server.
type Credentials struct {
	UserID string
	Token  string
}

// Message is a frame delivered by the transport for one subscription.
type Message struct {
	Subscription string
	Destination  string
	Body         []byte
}

// Conn is one live transport connection.
type Conn interface {
	Subscribe(id, destination string) error
	Unsubscribe(id string) error
	Send(destination string, body []byte) error

	// Done is closed once the connection is lost or closed.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
	Close() error
}

// Dialer opens transport connections. onMessage is called sequentially from
// the connection's read loop.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials, onMessage func(Message)) (Conn, error)
}
