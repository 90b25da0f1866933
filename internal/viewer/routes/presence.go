package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// registerPresence wires the presence endpoints. Reading a peer starts
// watching it; DELETE stops.
func registerPresence(r chi.Router, p Presence) {
	r.Get("/api/presence", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, p.Snapshot())
	})
	r.Get("/api/presence/{peerId}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, p.Watch(chi.URLParam(r, "peerId")))
	})
	r.Delete("/api/presence/{peerId}", func(w http.ResponseWriter, r *http.Request) {
		p.Unwatch(chi.URLParam(r, "peerId"))
		w.WriteHeader(http.StatusNoContent)
	})
}
