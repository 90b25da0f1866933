// Package routes holds the handlers of the local control API.
package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/rtlink/internal/bus"
	"github.com/petervdpas/rtlink/internal/call"
	"github.com/petervdpas/rtlink/internal/callapi"
	"github.com/petervdpas/rtlink/internal/chat"
	"github.com/petervdpas/rtlink/internal/match"
	"github.com/petervdpas/rtlink/internal/negotiate"
	"github.com/petervdpas/rtlink/internal/presence"
	"github.com/petervdpas/rtlink/internal/storage"
)

var log = logging.Logger("viewer")

type Connectivity interface {
	Connected() bool
}

type Calls interface {
	State() call.State
	Watch() (<-chan call.State, func())
	Call(ctx context.Context, peerID, sessionID string) (string, error)
	Accept(ctx context.Context) error
	Reject(ctx context.Context) error
	End(ctx context.Context) error
	StartScreenShare(ctx context.Context) error
	StopScreenShare(ctx context.Context) error
}

type History interface {
	RecentCalls(n int) ([]storage.CallEntry, error)
}

type Chat interface {
	Send(recipientID, content, replyToID string) (*chat.Message, error)
	Recent() []*chat.Message
	Conversation(peerID string) []*chat.Message
}

type Matcher interface {
	Join(match.Intent) error
	Leave() error
	Status() (*match.Intent, *match.Event)
}

type Presence interface {
	Watch(peerID string) presence.Peer
	Unwatch(peerID string)
	Snapshot() map[string]presence.Peer
}

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// Deps are the services the handlers use. Nil members leave their routes
// unregistered.
type Deps struct {
	SelfID   string
	Bus      Connectivity
	Calls    Calls
	History  History
	Chat     Chat
	Match    Matcher
	Presence Presence
	Logs     Logs
}

// Register mounts every route whose dependency is present.
func Register(r chi.Router, d Deps) {
	registerStatus(r, d)
	if d.Calls != nil {
		registerCall(r, d.Calls, d.History)
	}
	if d.Chat != nil {
		registerChat(r, d.Chat)
	}
	if d.Match != nil {
		registerMatch(r, d.Match)
	}
	if d.Presence != nil {
		registerPresence(r, d.Presence)
	}
	if d.Logs != nil {
		registerAPILogRoutes(r, d.Logs)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chat.ErrInvalidMessage):
		status = http.StatusBadRequest
	case errors.Is(err, call.ErrNoCall), errors.Is(err, call.ErrBusy),
		errors.Is(err, match.ErrNotQueued), errors.Is(err, negotiate.ErrSlotBusy),
		errors.Is(err, negotiate.ErrNotReady):
		status = http.StatusConflict
	case errors.Is(err, bus.ErrNotConnected):
		status = http.StatusServiceUnavailable
	case errors.Is(err, callapi.ErrUnauthorized):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		log.Warnf("request failed: %v", err)
	}
	http.Error(w, err.Error(), status)
}

func sseHeaders(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	b, _ := json.Marshal(v)
	_, _ = w.Write([]byte("event: " + event + "\ndata: " + string(b) + "\n\n"))
}
