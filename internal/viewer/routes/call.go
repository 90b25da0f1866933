package routes

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/petervdpas/rtlink/internal/storage"
)

// registerCall wires the call control endpoints.
//
//	POST /api/call/start          {peerId, sessionId?}
//	POST /api/call/accept|reject|end
//	POST /api/call/screen/start|stop
//	GET  /api/call/events         SSE of call state snapshots
//	GET  /api/calls/recent?limit=N
func registerCall(r chi.Router, calls Calls, history History) {
	r.Post("/api/call/start", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PeerID    string `json:"peerId"`
			SessionID string `json:"sessionId"`
		}
		if err := decodeJSON(r, &req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.PeerID == "" {
			http.Error(w, "missing peerId", http.StatusBadRequest)
			return
		}
		id, err := calls.Call(r.Context(), req.PeerID, req.SessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"callId": id})
	})

	action := func(fn func(context.Context) error) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if err := fn(r.Context()); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, calls.State())
		}
	}
	r.Post("/api/call/accept", action(calls.Accept))
	r.Post("/api/call/reject", action(calls.Reject))
	r.Post("/api/call/end", action(calls.End))
	r.Post("/api/call/screen/start", action(calls.StartScreenShare))
	r.Post("/api/call/screen/stop", action(calls.StopScreenShare))

	r.Get("/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := sseHeaders(w)
		if !ok {
			return
		}
		ch, cancel := calls.Watch()
		defer cancel()
		for {
			select {
			case <-r.Context().Done():
				return
			case s, ok := <-ch:
				if !ok {
					return
				}
				writeSSE(w, "state", s)
				flusher.Flush()
			}
		}
	})

	if history == nil {
		return
	}
	r.Get("/api/calls/recent", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > 500 {
				http.Error(w, "limit must be 1..500", http.StatusBadRequest)
				return
			}
			limit = n
		}
		entries, err := history.RecentCalls(limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if entries == nil {
			entries = []storage.CallEntry{}
		}
		writeJSON(w, entries)
	})
}
