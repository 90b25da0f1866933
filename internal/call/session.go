package call

import (
	"context"

	"github.com/petervdpas/rtlink/internal/bus"
	"github.com/petervdpas/rtlink/internal/callapi"
	"github.com/petervdpas/rtlink/internal/storage"
)

// Session is the media side of one active call.
type Session interface {
	// Start sends the first offer. Only the caller starts; a receiver's
	// session answers the caller's offer on its own.
	Start(ctx context.Context) error
	StartScreenShare(ctx context.Context) error
	StopScreenShare(ctx context.Context) error
	// ScreenSharing reports whether the local screen is being sent.
	ScreenSharing() bool
	Close() error
}

// SessionConfig describes the call a session is created for.
type SessionConfig struct {
	CallID       string
	RemotePeerID string
	Caller       bool
}

// SessionHooks report session progress back to the controller. They may be
// called from any goroutine.
type SessionHooks struct {
	OnConnected         func()
	OnFailed            func(error)
	OnRemoteScreenShare func(sharing bool)
}

type SessionFactory func(SessionConfig, SessionHooks) (Session, error)

// Service is the server's call REST API.
type Service interface {
	Initiate(ctx context.Context, receiverID, sessionID string) (string, error)
	Accept(ctx context.Context, callID string) error
	Reject(ctx context.Context, callID string) error
	End(ctx context.Context, callID string) error
	Active(ctx context.Context) (*callapi.ActiveCall, error)
}

// Bus is the part of the event bus the controller listens on.
type Bus interface {
	Subscribe(t bus.EventType, fn func(bus.Event)) func()
	OnConnectionChange(fn func(bool)) func()
}

// Recorder stores finished calls.
type Recorder interface {
	RecordCall(storage.CallEntry) error
}
