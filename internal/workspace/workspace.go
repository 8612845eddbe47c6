// Package workspace is the consumer-facing façade over one vault and its
// index, plus the registry that opens each workspace exactly once.
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/checksum"
	"github.com/starford/folio/internal/events"
	"github.com/starford/folio/internal/identity"
	"github.com/starford/folio/internal/index"
	"github.com/starford/folio/internal/links"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/storage"
)

// Rebuild-on-open policies.
const (
	RebuildAuto   = "auto"
	RebuildAlways = "always"
	RebuildNever  = "never"
)

// Options describes a workspace to open.
type Options struct {
	// ID keys the registry and scopes ui_state. Empty derives one from the
	// vault path.
	ID              string
	VaultPath       string
	DBPath          string
	BatchSize       int
	MaxReportErrors int
	RebuildOnOpen   string
	Generator       identity.Generator
	Logger          *slog.Logger
}

func (o *Options) normalize() error {
	if o.ID == "" && o.VaultPath != "" {
		o.ID = checksum.WorkspaceID(o.VaultPath)
	}
	if o.RebuildOnOpen == "" {
		o.RebuildOnOpen = RebuildAuto
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return validation.ValidateStruct(o,
		validation.Field(&o.VaultPath, validation.Required),
		validation.Field(&o.DBPath, validation.Required),
		validation.Field(&o.RebuildOnOpen, validation.In(RebuildAuto, RebuildAlways, RebuildNever)),
		validation.Field(&o.BatchSize, validation.Min(0)),
		validation.Field(&o.MaxReportErrors, validation.Min(0)),
	)
}

// Workspace serves the document, link, rebuild and state operations of one
// vault. All methods are safe for concurrent use.
type Workspace struct {
	id     string
	store  *storage.FS
	db     *index.DB
	ix     *index.Indexer
	bus    *events.Bus
	logger *slog.Logger

	opened *models.RebuildReport
}

// stamp tags events with the workspace they came from.
type stamp struct {
	id  string
	pub events.Publisher
}

func (s stamp) Publish(ev events.Event) {
	ev.Workspace = s.id
	s.pub.Publish(ev)
}

// Open runs the workspace lifecycle: open the index and migrate it, rebuild
// when the policy asks for it, then hand back a ready workspace. A
// migration failure is returned and nothing stays open.
func Open(ctx context.Context, bus *events.Bus, opts Options) (*Workspace, error) {
	if err := opts.normalize(); err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	logger := opts.Logger.With(slog.String("workspace", opts.ID))

	store, err := storage.NewFS(opts.VaultPath)
	if err != nil {
		return nil, fmt.Errorf("workspace: vault: %w", err)
	}
	db, err := index.Open(ctx, opts.DBPath,
		index.WithPublisher(stamp{id: opts.ID, pub: bus}),
		index.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("workspace: open index: %w", err)
	}
	w := &Workspace{
		id:     opts.ID,
		store:  store,
		db:     db,
		bus:    bus,
		logger: logger,
		ix: index.NewIndexer(db, store, index.IndexerOptions{
			WorkspaceID:     opts.ID,
			BatchSize:       opts.BatchSize,
			MaxReportErrors: opts.MaxReportErrors,
			Generator:       opts.Generator,
		}),
	}

	rebuild, force, err := w.rebuildOnOpen(ctx, opts.RebuildOnOpen)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("workspace: %w", err)
	}
	if rebuild {
		rep, err := w.ix.Rebuild(ctx, force)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("workspace: initial rebuild: %w", err)
		}
		w.opened = rep
	}
	logger.Info("workspace: ready",
		slog.String("vault", store.Root()),
		slog.Any("migrated", db.Migrated()))
	return w, nil
}

// rebuildOnOpen decides whether opening rebuilds. Under auto, an index
// migrated since its last completed rebuild is rebuilt because migrations
// may drop derived data, and an empty one is populated. The migration may
// have run in an earlier process, such as the migrate command.
func (w *Workspace) rebuildOnOpen(ctx context.Context, policy string) (rebuild, force bool, err error) {
	switch policy {
	case RebuildAlways:
		return true, true, nil
	case RebuildNever:
		return false, false, nil
	}
	pending, err := w.db.RebuildPending(ctx)
	if err != nil {
		return false, false, err
	}
	return true, pending, nil
}

// ID returns the workspace identifier.
func (w *Workspace) ID() string { return w.id }

// Root returns the absolute vault path.
func (w *Workspace) Root() string { return w.store.Root() }

// Indexer exposes the update path, for the watcher and the CLI.
func (w *Workspace) Indexer() *index.Indexer { return w.ix }

// OpenReport returns the report of the rebuild run while opening, or nil.
func (w *Workspace) OpenReport() *models.RebuildReport { return w.opened }

// Watch follows out-of-band vault edits until ctx is done.
func (w *Workspace) Watch(ctx context.Context) error {
	return w.ix.Watch(ctx, w.store.Root())
}

// Close releases the index connections.
func (w *Workspace) Close() error {
	return w.db.Close()
}

// GetDocument returns the document with id, or ErrNotFound.
func (w *Workspace) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	return w.db.GetDocument(ctx, id)
}

// GetDocumentByPath returns the document indexed at the vault path.
func (w *Workspace) GetDocumentByPath(ctx context.Context, path string) (*models.Document, error) {
	return w.db.GetDocumentByPath(ctx, path)
}

// ResolveLink returns the document identifier refers to, using the same
// rules as link extraction. An unresolvable identifier is ErrNotFound.
func (w *Workspace) ResolveLink(ctx context.Context, identifier string) (*models.Document, error) {
	known, err := w.db.KnownDocuments(ctx)
	if err != nil {
		return nil, err
	}
	t, ok := links.Resolve(identifier, known)
	if !ok {
		return nil, fmt.Errorf("workspace: resolve %q: %w", identifier, apperr.ErrNotFound)
	}
	return w.db.GetDocument(ctx, t.ID)
}

// UpsertDocument runs the per-document update path and returns the id.
func (w *Workspace) UpsertDocument(ctx context.Context, change models.FileChange) (string, error) {
	return w.ix.UpsertDocument(ctx, change)
}

// DeleteDocument removes the file at path from the vault and the index.
func (w *Workspace) DeleteDocument(ctx context.Context, path string) error {
	return w.ix.DeleteDocument(ctx, path)
}

// MoveDocument renames a file and re-indexes it under newPath. The id
// stays with the file.
func (w *Workspace) MoveDocument(ctx context.Context, oldPath, newPath string) (string, error) {
	return w.ix.MoveDocument(ctx, oldPath, newPath)
}

// RebuildIndex re-derives the index from the vault. Per-file failures are
// in the report; only clearing, commit, lock and context failures return
// an error.
func (w *Workspace) RebuildIndex(ctx context.Context, force bool) (*models.RebuildReport, error) {
	return w.ix.Rebuild(ctx, force)
}

// RefreshConnections closes and reopens the index connections so no reader
// keeps a snapshot older than the last commit.
func (w *Workspace) RefreshConnections() error {
	return w.db.Refresh()
}

// LoadState returns the value stored under key, or nil.
func (w *Workspace) LoadState(ctx context.Context, key string) (json.RawMessage, error) {
	return w.db.LoadState(ctx, w.id, key)
}

// SaveState stores value under key for this workspace.
func (w *Workspace) SaveState(ctx context.Context, key string, value json.RawMessage) error {
	return w.db.SaveState(ctx, w.id, key, value)
}

// DeleteState removes key. A missing key is not an error.
func (w *Workspace) DeleteState(ctx context.Context, key string) error {
	return w.db.DeleteState(ctx, w.id, key)
}

// ClearState removes every state value of this workspace.
func (w *Workspace) ClearState(ctx context.Context) error {
	return w.db.ClearState(ctx, w.id)
}

// StateKeys lists the state keys of this workspace.
func (w *Workspace) StateKeys(ctx context.Context) ([]string, error) {
	return w.db.StateKeys(ctx, w.id)
}

// Backlinks returns the resolved edges pointing at id.
func (w *Workspace) Backlinks(ctx context.Context, id string) ([]models.Edge, error) {
	return w.db.Backlinks(ctx, id)
}

// OutgoingLinks returns the edges and external links of id.
func (w *Workspace) OutgoingLinks(ctx context.Context, id string) ([]models.Edge, []models.ExternalLink, error) {
	return w.db.OutgoingLinks(ctx, id)
}

// ListDocuments returns a page of documents and the matching total.
func (w *Workspace) ListDocuments(ctx context.Context, opts index.ListOptions) ([]models.Document, int, error) {
	return w.db.ListDocuments(ctx, opts)
}

// Graph returns every document as a node and every resolved edge.
func (w *Workspace) Graph(ctx context.Context) ([]index.GraphNode, []index.GraphLink, error) {
	return w.db.Graph(ctx)
}

// Search runs a full-text query over titles, bodies and tags.
func (w *Workspace) Search(ctx context.Context, query string, limit int) ([]index.SearchResult, error) {
	return w.db.Search(ctx, query, limit)
}

// Ready reports whether the index answers queries.
func (w *Workspace) Ready(ctx context.Context) error {
	_, err := w.db.Count(ctx)
	return err
}
