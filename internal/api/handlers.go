package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/index"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/workspace"
)

const maxBodyBytes = 10 << 20

// Handler holds API route handlers.
type Handler struct {
	ws *workspace.Workspace
}

// NewHandler creates a new Handler.
func NewHandler(ws *workspace.Workspace) *Handler {
	return &Handler{ws: ws}
}

// filePath extracts the vault path from the URL (everything after /api/files/).
// Supports encoded slashes from OpenAPI clients (e.g. daily%2F2025-01-01.md).
func filePath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// ListDocuments handles GET /api/documents.
//
//	@Summary		List documents with optional type filter and pagination
//	@Tags			documents
//	@Produce		json
//	@Param			type	query		string	false	"Filter by document type"
//	@Param			limit	query		int		false	"Page size"
//	@Param			offset	query		int		false	"Page offset"
//	@Success		200		{object}	DocumentListResponse
//	@Security		BearerAuth
//	@Router			/documents [get]
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	docs, total, err := h.ws.ListDocuments(r.Context(), index.ListOptions{
		Type:   q.Get("type"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, "list documents", err)
		return
	}
	writeJSON(w, http.StatusOK, DocumentListResponse{Documents: docs, Total: total})
}

// GetDocument handles GET /api/documents/{id}.
//
//	@Summary		Get a single document by id
//	@Tags			documents
//	@Produce		json
//	@Param			id	path		string	true	"Document id"
//	@Success		200	{object}	Document
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{id} [get]
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.ws.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get document", err)
		return
	}
	w.Header().Set("ETag", `"`+doc.Checksum+`"`)
	writeJSON(w, http.StatusOK, doc)
}

// Backlinks handles GET /api/documents/{id}/backlinks.
//
//	@Summary		Edges that resolve to a document
//	@Tags			links
//	@Produce		json
//	@Param			id	path		string	true	"Document id"
//	@Success		200	{object}	BacklinksResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{id}/backlinks [get]
func (h *Handler) Backlinks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.ws.GetDocument(r.Context(), id); err != nil {
		writeError(w, "backlinks", err)
		return
	}
	edges, err := h.ws.Backlinks(r.Context(), id)
	if err != nil {
		writeError(w, "backlinks", err)
		return
	}
	writeJSON(w, http.StatusOK, BacklinksResponse{Backlinks: edges})
}

// OutgoingLinks handles GET /api/documents/{id}/links.
//
//	@Summary		Outgoing references of a document, resolved and unresolved
//	@Tags			links
//	@Produce		json
//	@Param			id	path		string	true	"Document id"
//	@Success		200	{object}	LinksResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{id}/links [get]
func (h *Handler) OutgoingLinks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.ws.GetDocument(r.Context(), id); err != nil {
		writeError(w, "outgoing links", err)
		return
	}
	edges, external, err := h.ws.OutgoingLinks(r.Context(), id)
	if err != nil {
		writeError(w, "outgoing links", err)
		return
	}
	writeJSON(w, http.StatusOK, LinksResponse{Links: edges, External: external})
}

// PutFile handles PUT /api/files/*.
//
//	@Summary		Write a document file and index it
//	@Tags			files
//	@Accept			json
//	@Produce		json
//	@Param			path		path		string			true	"Vault path"
//	@Param			If-Match	header		string			false	"Indexed checksum for optimistic concurrency"
//	@Param			body		body		PutFileRequest	true	"File content"
//	@Success		200			{object}	FileResponse
//	@Success		201			{object}	FileResponse
//	@Failure		400			{object}	errResponse
//	@Failure		409			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/files/{path} [put]
func (h *Handler) PutFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	path := filePath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read body"))
		return
	}
	var req PutFileRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Content == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("content is required"))
		return
	}

	existing, err := h.ws.GetDocumentByPath(r.Context(), path)
	created := errors.Is(err, apperr.ErrNotFound)
	if err != nil && !created {
		writeError(w, "put file", err)
		return
	}
	// Strip surrounding quotes if present (standard ETag format).
	if ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`); ifMatch != "" {
		if created || existing.Checksum != ifMatch {
			writeJSON(w, http.StatusConflict, errorBody("checksum mismatch"))
			return
		}
	}

	id, err := h.ws.UpsertDocument(r.Context(), models.FileChange{Path: path, Content: []byte(req.Content)})
	if err != nil {
		writeError(w, "put file", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, FileResponse{ID: id, Path: path})
}

// DeleteFile handles DELETE /api/files/*.
//
//	@Summary		Delete a document file
//	@Tags			files
//	@Param			path	path	string	true	"Vault path"
//	@Success		204		"Document deleted"
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/files/{path} [delete]
func (h *Handler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	path := filePath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	if err := h.ws.DeleteDocument(r.Context(), path); err != nil {
		writeError(w, "delete file", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MoveFile handles POST /api/files/move.
//
//	@Summary		Rename a document file, keeping its id
//	@Tags			files
//	@Accept			json
//	@Produce		json
//	@Param			body	body		MoveFileRequest	true	"Source and destination"
//	@Success		200		{object}	FileResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/files/move [post]
func (h *Handler) MoveFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req MoveFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.From == "" || req.To == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("from and to are required"))
		return
	}
	id, err := h.ws.MoveDocument(r.Context(), req.From, req.To)
	if err != nil {
		writeError(w, "move file", err)
		return
	}
	writeJSON(w, http.StatusOK, FileResponse{ID: id, Path: req.To})
}

// Resolve handles GET /api/resolve.
//
//	@Summary		Resolve an identifier (id, type/name, title or name) to a document
//	@Tags			links
//	@Produce		json
//	@Param			q	query		string	true	"Identifier"
//	@Success		200	{object}	Document
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/resolve [get]
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	doc, err := h.ws.ResolveLink(r.Context(), q)
	if err != nil {
		writeError(w, "resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// Search handles GET /api/search.
//
//	@Summary		Full-text search across documents
//	@Tags			search
//	@Produce		json
//	@Param			q		query		string	true	"Search query"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := h.ws.Search(r.Context(), q, limit)
	if err != nil {
		writeError(w, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

// Graph handles GET /api/graph.
//
//	@Summary		Get the link graph
//	@Tags			links
//	@Produce		json
//	@Success		200	{object}	GraphResponse
//	@Security		BearerAuth
//	@Router			/graph [get]
func (h *Handler) Graph(w http.ResponseWriter, r *http.Request) {
	nodes, links, err := h.ws.Graph(r.Context())
	if err != nil {
		writeError(w, "graph", err)
		return
	}
	writeJSON(w, http.StatusOK, GraphResponse{Nodes: nodes, Links: links})
}

// Rebuild handles POST /api/index/rebuild.
//
//	@Summary		Rebuild the index from the vault
//	@Tags			index
//	@Produce		json
//	@Param			force	query		bool	false	"Rebuild even if the index is populated"
//	@Success		200		{object}	models.RebuildReport
//	@Failure		500		{object}	rebuildFailure
//	@Failure		503		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/index/rebuild [post]
func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	rep, err := h.ws.RebuildIndex(r.Context(), force)
	if err != nil {
		writeRebuildError(w, rep, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Refresh handles POST /api/index/refresh.
//
//	@Summary		Reopen index connections
//	@Tags			index
//	@Success		204	"Connections refreshed"
//	@Security		BearerAuth
//	@Router			/index/refresh [post]
func (h *Handler) Refresh(w http.ResponseWriter, _ *http.Request) {
	if err := h.ws.RefreshConnections(); err != nil {
		writeError(w, "refresh", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StateKeys handles GET /api/state.
func (h *Handler) StateKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.ws.StateKeys(r.Context())
	if err != nil {
		writeError(w, "state keys", err)
		return
	}
	writeJSON(w, http.StatusOK, StateKeysResponse{Keys: keys})
}

// LoadState handles GET /api/state/{key}. An absent key yields a null value.
func (h *Handler) LoadState(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	v, err := h.ws.LoadState(r.Context(), key)
	if err != nil {
		writeError(w, "load state", err)
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{Key: key, Value: v})
}

// SaveState handles PUT /api/state/{key}. The body is the raw JSON value.
func (h *Handler) SaveState(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read body"))
		return
	}
	if err := h.ws.SaveState(r.Context(), chi.URLParam(r, "key"), body); err != nil {
		writeError(w, "save state", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteState handles DELETE /api/state/{key}.
func (h *Handler) DeleteState(w http.ResponseWriter, r *http.Request) {
	if err := h.ws.DeleteState(r.Context(), chi.URLParam(r, "key")); err != nil {
		writeError(w, "delete state", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearState handles DELETE /api/state.
func (h *Handler) ClearState(w http.ResponseWriter, r *http.Request) {
	if err := h.ws.ClearState(r.Context()); err != nil {
		writeError(w, "clear state", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
