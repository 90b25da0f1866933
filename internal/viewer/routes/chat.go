package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// registerChat wires the chat endpoints.
//
//	POST /api/chat/send      {recipientId, content, replyToId?}
//	GET  /api/chat/recent    ?peerId=X limits to one conversation
func registerChat(r chi.Router, c Chat) {
	r.Post("/api/chat/send", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RecipientID string `json:"recipientId"`
			Content     string `json:"content"`
			ReplyToID   string `json:"replyToId"`
		}
		if err := decodeJSON(r, &req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		msg, err := c.Send(req.RecipientID, req.Content, req.ReplyToID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, msg)
	})

	r.Get("/api/chat/recent", func(w http.ResponseWriter, r *http.Request) {
		if peer := r.URL.Query().Get("peerId"); peer != "" {
			writeJSON(w, c.Conversation(peer))
			return
		}
		writeJSON(w, c.Recent())
	})
}
