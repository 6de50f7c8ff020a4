package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func SetupRoutes(api *API, wsHandler http.HandlerFunc) http.Handler {
	r := chi.NewRouter()

	r.Post("/rooms", api.CreateRoom)
	r.Get("/rooms/{code}", api.GetRoom)
	r.Post("/rooms/{code}/join", api.JoinRoom)
	r.Put("/rooms/{code}/backlog", api.SetBacklog)
	r.Get("/rooms/{code}/backlog", api.GetBacklog)
	r.Get("/rooms/{code}/results", api.ExportResults)
	r.Get("/healthz", api.Healthz)
	r.Get("/ws", wsHandler)
	return r
}
