package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/petervdpas/rtlink/internal/call"
)

type statusResponse struct {
	SelfID    string      `json:"selfId"`
	Connected bool        `json:"connected"`
	Call      *call.State `json:"call,omitempty"`
}

// GET /api/status
func registerStatus(r chi.Router, d Deps) {
	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{SelfID: d.SelfID}
		if d.Bus != nil {
			resp.Connected = d.Bus.Connected()
		}
		if d.Calls != nil {
			s := d.Calls.State()
			resp.Call = &s
		}
		writeJSON(w, resp)
	})
}
