package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/folio/internal/workspace"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// events, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(ws *workspace.Workspace, authEnabled bool, token string, events http.Handler) chi.Router {
	h := NewHandler(ws)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Documents by id.
	r.Get("/documents", h.ListDocuments)
	r.Get("/documents/{id}", h.GetDocument)
	r.Get("/documents/{id}/backlinks", h.Backlinks)
	r.Get("/documents/{id}/links", h.OutgoingLinks)

	// Files by vault path.
	r.Post("/files/move", h.MoveFile)
	r.Put("/files/*", h.PutFile)
	r.Delete("/files/*", h.DeleteFile)

	r.Get("/resolve", h.Resolve)
	r.Get("/search", h.Search)
	r.Get("/graph", h.Graph)

	// Index maintenance.
	r.Post("/index/rebuild", h.Rebuild)
	r.Post("/index/refresh", h.Refresh)

	// Per-workspace UI state.
	r.Get("/state", h.StateKeys)
	r.Delete("/state", h.ClearState)
	r.Get("/state/{key}", h.LoadState)
	r.Put("/state/{key}", h.SaveState)
	r.Delete("/state/{key}", h.DeleteState)

	if events != nil {
		r.Get("/events", events.ServeHTTP)
	}

	return r
}
