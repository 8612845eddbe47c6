package api

import (
	"encoding/json"

	"github.com/starford/folio/internal/index"
	"github.com/starford/folio/internal/models"
)

// PutFileRequest is the request body for writing a document file.
type PutFileRequest struct {
	Content string `json:"content" example:"# Hello\nWorld" validate:"required"`
}

// MoveFileRequest is the request body for renaming a document file.
type MoveFileRequest struct {
	From string `json:"from" example:"inbox/idea.md" validate:"required"`
	To   string `json:"to" example:"projects/idea.md" validate:"required"`
}

// FileResponse is returned after a file was written or moved.
type FileResponse struct {
	ID   string `json:"id" example:"n-3fa2c91b" validate:"required"`
	Path string `json:"path" example:"projects/idea.md" validate:"required"`
}

// Document is the document response type (aliased from the domain layer).
type Document = models.Document

// DocumentListResponse wraps paginated document listings.
type DocumentListResponse struct {
	Documents []Document `json:"documents" validate:"required"`
	Total     int        `json:"total" example:"42" validate:"required"`
}

// BacklinksResponse lists the edges that resolve to a document.
type BacklinksResponse struct {
	Backlinks []models.Edge `json:"backlinks" validate:"required"`
}

// LinksResponse lists the outgoing references of a document.
type LinksResponse struct {
	Links    []models.Edge         `json:"links" validate:"required"`
	External []models.ExternalLink `json:"external" validate:"required"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []index.SearchResult `json:"results" validate:"required"`
}

// GraphResponse wraps the link graph.
type GraphResponse struct {
	Nodes []index.GraphNode `json:"nodes" validate:"required"`
	Links []index.GraphLink `json:"links" validate:"required"`
}

// StateResponse carries one ui_state value. Value is null when absent.
type StateResponse struct {
	Key   string          `json:"key" example:"panes" validate:"required"`
	Value json.RawMessage `json:"value" swaggertype:"object"`
}

// StateKeysResponse lists the stored state keys.
type StateKeysResponse struct {
	Keys []string `json:"keys" validate:"required"`
}
