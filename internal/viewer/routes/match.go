package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/petervdpas/rtlink/internal/match"
)

type matchStatus struct {
	Queued *match.Intent `json:"queued"`
	Last   *match.Event  `json:"last,omitempty"`
}

func registerMatch(r chi.Router, m Matcher) {
	status := func(w http.ResponseWriter) {
		q, last := m.Status()
		writeJSON(w, matchStatus{Queued: q, Last: last})
	}

	r.Get("/api/match", func(w http.ResponseWriter, r *http.Request) { status(w) })

	r.Post("/api/match/join", func(w http.ResponseWriter, r *http.Request) {
		var intent match.Intent
		if err := decodeJSON(r, &intent); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if intent.Intent == "" {
			http.Error(w, "missing intent", http.StatusBadRequest)
			return
		}
		if err := m.Join(intent); err != nil {
			writeError(w, err)
			return
		}
		status(w)
	})

	r.Post("/api/match/leave", func(w http.ResponseWriter, r *http.Request) {
		if err := m.Leave(); err != nil {
			writeError(w, err)
			return
		}
		status(w)
	})
}
