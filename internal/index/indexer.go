package index

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/checksum"
	"github.com/starford/folio/internal/identity"
	"github.com/starford/folio/internal/links"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/parser"
	"github.com/starford/folio/internal/storage"
)

const (
	DefaultBatchSize       = 16
	DefaultMaxReportErrors = 20
)

// IndexerOptions tunes an Indexer. Zero values take the defaults.
type IndexerOptions struct {
	WorkspaceID     string
	BatchSize       int
	MaxReportErrors int
	// Generator overrides identifier generation (tests).
	Generator identity.Generator
}

// Indexer keeps the index in step with the vault. It owns the
// per-document update path, the rebuild engine and the watcher. Updates
// and rebuilds are serialized so a rebuild never interleaves with a
// single-document write.
type Indexer struct {
	db        *DB
	store     storage.Provider
	logger    *slog.Logger
	workspace string
	batchSize int
	maxErrors int
	gen       identity.Generator

	mu sync.Mutex
}

// NewIndexer binds db to the vault behind store.
func NewIndexer(db *DB, store storage.Provider, opts IndexerOptions) *Indexer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxReportErrors <= 0 {
		opts.MaxReportErrors = DefaultMaxReportErrors
	}
	return &Indexer{
		db:        db,
		store:     store,
		logger:    db.logger,
		workspace: opts.WorkspaceID,
		batchSize: opts.BatchSize,
		maxErrors: opts.MaxReportErrors,
		gen:       opts.Generator,
	}
}

// DB returns the index the indexer writes to.
func (ix *Indexer) DB() *DB { return ix.db }

// allocator checks candidates against the index and retired ids, plus
// claimed when non-nil.
func (ix *Indexer) allocator(claimed map[string]string) *identity.Allocator {
	return identity.NewAllocator(func(ctx context.Context, id string) (bool, error) {
		if _, ok := claimed[id]; ok {
			return true, nil
		}
		return ix.db.IDTaken(ctx, id)
	}, ix.gen)
}

// newDocument builds the index row for a parsed file. Rebuild and the
// update path both go through here, so type derivation cannot diverge.
func newDocument(path string, res *parser.Result, id string, data []byte) models.Document {
	return models.Document{
		ID:       id,
		Type:     parser.DeriveType(res.Meta, path),
		Name:     parser.DeriveName(path),
		Path:     path,
		Title:    res.DisplayTitle(path),
		Body:     res.Body,
		Tags:     res.Tags,
		Checksum: checksum.Sum(data),
		Created:  res.Meta.Created,
		Modified: res.Meta.Modified,
	}
}

// timestampFields returns the created/modified fields the block lacks.
func timestampFields(meta parser.Metadata, at time.Time) []parser.Field {
	at = at.UTC().Truncate(time.Second)
	var out []parser.Field
	if meta.Created.IsZero() {
		out = append(out, parser.TimeField("created", at))
	}
	if meta.Modified.IsZero() {
		out = append(out, parser.TimeField("modified", at))
	}
	return out
}

func buildLinks(r *links.Resolver, id, body string) ([]models.Edge, []models.ExternalLink) {
	ex := links.Extract(body)
	edges := r.Edges(id, ex.Internal)
	for i := range ex.External {
		ex.External[i].SourceID = id
	}
	return edges, ex.External
}

func withPath(err error, path string) error {
	var ve *apperr.ValidationError
	if errors.As(err, &ve) && ve.Path == "" {
		ve.Path = path
	}
	return err
}

// UpsertDocument runs the per-document update path: metadata write,
// identity resolution, index upsert, then link replacement. When
// change.Content is nil the file is read from the vault; otherwise the
// content is written to the vault first. A failed link replacement does not
// fail the update; the document is flagged for HealLinks instead.
func (ix *Indexer) UpsertDocument(ctx context.Context, change models.FileChange) (string, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	path := filepath.ToSlash(change.Path)
	data := change.Content
	explicit := data != nil
	if !explicit {
		var err error
		if data, err = ix.read(path); err != nil {
			return "", err
		}
	}
	return ix.upsertLocked(ctx, path, data, explicit)
}

// IndexIfChanged re-indexes path unless its content matches the indexed
// checksum. Echoes of the indexer's own write-backs are skipped this way.
func (ix *Indexer) IndexIfChanged(ctx context.Context, path string) (id string, changed bool, err error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	path = filepath.ToSlash(path)
	data, err := ix.read(path)
	if err != nil {
		return "", false, err
	}
	stored, err := ix.db.GetChecksum(ctx, path)
	if err != nil {
		return "", false, err
	}
	if stored != "" && stored == checksum.Sum(data) {
		return "", false, nil
	}
	id, err = ix.upsertLocked(ctx, path, data, false)
	return id, err == nil, err
}

func (ix *Indexer) read(path string) ([]byte, error) {
	data, err := ix.store.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("index: %s: %w", path, apperr.ErrNotFound)
	}
	return data, err
}

func (ix *Indexer) upsertLocked(ctx context.Context, path string, data []byte, explicit bool) (string, error) {
	if !storage.IsDocument(path) {
		return "", apperr.Invalid(path, "path", "not a document file")
	}
	res, err := parser.Parse(data)
	if err != nil {
		return "", withPath(err, path)
	}

	id, fields, err := ix.resolveIdentity(ctx, path, res)
	if err != nil {
		return "", err
	}
	now := time.Now()
	meta := res.Meta
	if explicit {
		fields = append(fields, parser.TimeField("modified", now.UTC().Truncate(time.Second)))
		meta.Modified = now
	}
	fields = append(fields, timestampFields(meta, now)...)

	if len(fields) > 0 {
		if data, err = parser.SetFields(data, fields...); err != nil {
			return "", withPath(err, path)
		}
		if res, err = parser.Parse(data); err != nil {
			return "", withPath(err, path)
		}
	}
	if explicit || len(fields) > 0 {
		if err := ix.store.Write(path, data); err != nil {
			return "", err
		}
	}

	doc := newDocument(path, res, id, data)
	err = ix.db.Update(ctx, func(tx *Tx) error {
		if _, err := tx.UpsertDocument(doc); err != nil {
			return err
		}
		target := links.Target{ID: doc.ID, Type: doc.Type, Name: doc.Name, Title: doc.Title}
		if _, err := tx.ResolvePending(target); err != nil {
			return err
		}
		return tx.RefreshInboundDisplay(doc.ID, doc.Title)
	})
	if err != nil {
		return "", err
	}

	if err := ix.extractLinks(ctx, doc.ID, doc.Body); err != nil {
		ix.logger.Warn("index: link replacement failed",
			slog.String("path", path),
			slog.String("id", doc.ID),
			slog.String("error", err.Error()))
		if markErr := ix.db.MarkLinksDirty(ctx, doc.ID); markErr != nil {
			ix.logger.Error("index: flag links_dirty failed",
				slog.String("id", doc.ID),
				slog.String("error", markErr.Error()))
		}
	}
	ix.logger.Debug("index: upserted", slog.String("path", path), slog.String("id", doc.ID))
	return doc.ID, nil
}

// resolveIdentity returns the id for the file at path and the fields to
// write back. A well-formed id in the file is authoritative. A legacy file
// keeps the id already indexed at its path, or gets a fresh one.
func (ix *Indexer) resolveIdentity(ctx context.Context, path string, res *parser.Result) (string, []parser.Field, error) {
	if !res.Meta.State.NeedsID() {
		id := res.Meta.ID
		owner, err := ix.db.GetDocument(ctx, id)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			return id, nil, nil
		case err != nil:
			return "", nil, err
		case owner.Path == path || !ix.carriesID(owner.Path, id):
			// Same file, or the file moved away from owner.Path.
			return id, nil, nil
		}
		return "", nil, fmt.Errorf("index: %s: id %s already belongs to %s: %w", path, id, owner.Path, apperr.ErrConflict)
	}

	prev, err := ix.db.GetDocumentByPath(ctx, path)
	switch {
	case err == nil:
		return prev.ID, []parser.Field{parser.IDField(prev.ID)}, nil
	case !errors.Is(err, apperr.ErrNotFound):
		return "", nil, err
	}
	id, err := ix.allocator(nil).Allocate(ctx)
	if err != nil {
		return "", nil, err
	}
	return id, []parser.Field{parser.IDField(id)}, nil
}

func (ix *Indexer) carriesID(path, id string) bool {
	data, err := ix.store.Read(path)
	if err != nil {
		return false
	}
	res, err := parser.Parse(data)
	return err == nil && res.Meta.ID == id
}

func (ix *Indexer) extractLinks(ctx context.Context, id, body string) error {
	return ix.db.Update(ctx, func(tx *Tx) error {
		known, err := tx.KnownDocuments()
		if err != nil {
			return err
		}
		edges, external := buildLinks(links.NewResolver(known), id, body)
		return tx.ReplaceLinks(id, edges, external)
	})
}

// DeleteDocument removes the file at path from the vault and the index.
func (ix *Indexer) DeleteDocument(ctx context.Context, path string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	path = filepath.ToSlash(path)
	doc, err := ix.db.GetDocumentByPath(ctx, path)
	if err != nil {
		return err
	}
	if err := ix.store.Delete(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return ix.db.DeleteDocument(ctx, doc.ID)
}

// Forget drops the index row of a file that is already gone.
func (ix *Indexer) Forget(ctx context.Context, path string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.forgetLocked(ctx, filepath.ToSlash(path))
}

func (ix *Indexer) forgetLocked(ctx context.Context, path string) error {
	doc, err := ix.db.GetDocumentByPath(ctx, path)
	if err != nil {
		return err
	}
	return ix.db.DeleteDocument(ctx, doc.ID)
}

// MoveDocument renames a file in the vault and re-indexes it under its new
// path. The id travels with the file, so inbound edges stay bound. When
// the file cannot be indexed at newPath, for example because its type and
// name collide with another document, it is put back at oldPath unchanged.
func (ix *Indexer) MoveDocument(ctx context.Context, oldPath, newPath string) (string, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	oldPath, newPath = filepath.ToSlash(oldPath), filepath.ToSlash(newPath)
	if !storage.IsDocument(newPath) {
		return "", apperr.Invalid(newPath, "path", "not a document file")
	}
	original, err := ix.read(oldPath)
	if err != nil {
		return "", err
	}
	if err := ix.store.Move(oldPath, newPath); err != nil {
		switch {
		case errors.Is(err, fs.ErrExist):
			return "", fmt.Errorf("index: move to %s: %w", newPath, apperr.ErrAlreadyExists)
		case errors.Is(err, fs.ErrNotExist):
			return "", fmt.Errorf("index: move %s: %w", oldPath, apperr.ErrNotFound)
		}
		return "", err
	}
	id, err := ix.upsertLocked(ctx, newPath, original, false)
	if err != nil {
		if rerr := ix.undoMove(oldPath, newPath, original); rerr != nil {
			ix.logger.Error("index: undo move failed",
				slog.String("from", newPath),
				slog.String("to", oldPath),
				slog.String("error", rerr.Error()))
			return "", errors.Join(err, rerr)
		}
		return "", err
	}
	return id, nil
}

// undoMove returns a moved file to oldPath with its original content, which
// the failed upsert may already have rewritten.
func (ix *Indexer) undoMove(oldPath, newPath string, original []byte) error {
	if err := ix.store.Move(newPath, oldPath); err != nil {
		return fmt.Errorf("index: undo move: %w", err)
	}
	if err := ix.store.Write(oldPath, original); err != nil {
		return fmt.Errorf("index: undo move: restore %s: %w", oldPath, err)
	}
	return nil
}

// Reconcile compares the vault with the index: new or changed files are
// indexed first, then rows whose file is gone are dropped, then dirty
// link sets are healed. Indexing before dropping lets a renamed file keep
// its id.
func (ix *Indexer) Reconcile(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	metas, err := ix.store.Scan(ctx, "")
	if err != nil {
		return err
	}
	checksums, err := ix.db.AllChecksums(ctx)
	if err != nil {
		return err
	}

	disk := make(map[string]struct{}, len(metas))
	for _, m := range metas {
		disk[m.Path] = struct{}{}
		if checksums[m.Path] == m.Checksum {
			continue
		}
		data, err := ix.store.Read(m.Path)
		if err != nil {
			ix.logger.Warn("reconcile: read failed", slog.String("path", m.Path), slog.String("error", err.Error()))
			continue
		}
		if _, err := ix.upsertLocked(ctx, m.Path, data, false); err != nil {
			ix.logger.Warn("reconcile: index failed", slog.String("path", m.Path), slog.String("error", err.Error()))
			continue
		}
		ix.logger.Debug("reconcile: indexed", slog.String("path", m.Path))
	}

	// Paths may have moved during the upserts above.
	checksums, err = ix.db.AllChecksums(ctx)
	if err != nil {
		return err
	}
	for p := range checksums {
		if _, ok := disk[p]; ok {
			continue
		}
		if err := ix.forgetLocked(ctx, p); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			ix.logger.Warn("reconcile: delete failed", slog.String("path", p), slog.String("error", err.Error()))
			continue
		}
		ix.logger.Debug("reconcile: removed stale", slog.String("path", p))
	}

	_, err = ix.healLinks(ctx)
	return err
}

// HealLinks re-extracts the links of every document flagged links_dirty
// and returns how many were healed.
func (ix *Indexer) HealLinks(ctx context.Context) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.healLinks(ctx)
}

func (ix *Indexer) healLinks(ctx context.Context) (int, error) {
	ids, err := ix.db.DirtyDocuments(ctx)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	known, err := ix.db.KnownDocuments(ctx)
	if err != nil {
		return 0, err
	}
	resolver := links.NewResolver(known)

	healed := 0
	for _, id := range ids {
		doc, err := ix.db.GetDocument(ctx, id)
		if err != nil {
			continue
		}
		edges, external := buildLinks(resolver, id, doc.Body)
		if err := ix.db.ReplaceLinks(ctx, nil, id, edges, external); err != nil {
			ix.logger.Warn("index: heal links failed", slog.String("id", id), slog.String("error", err.Error()))
			continue
		}
		healed++
	}
	if healed > 0 {
		ix.logger.Info("index: healed links", slog.Int("documents", healed))
	}
	return healed, nil
}
