package routes

import "github.com/go-chi/chi/v5"

func registerAPILogRoutes(r chi.Router, l Logs) {
	r.Get("/api/logs", l.ServeLogsJSON)
	r.Get("/api/logs/stream", l.ServeLogsSSE)
}
