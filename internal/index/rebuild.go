package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/events"
	"github.com/starford/folio/internal/links"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/parser"
)

// batchItem carries one file through the indexing phases of a batch.
type batchItem struct {
	meta     models.DocumentMetadata
	data     []byte
	res      *parser.Result
	id       string
	assigned bool
	fields   []parser.Field
	err      error
}

// Rebuild re-derives the whole index from the vault.
//
// Unless force is set, a non-empty index is left alone and the report says
// Skipped. Otherwise the index is cleared in one transaction (documents,
// edges, search rows and this workspace's ui_state), every document file is
// parsed and upserted in batches, edges are extracted for everything that
// was indexed, and dirty link sets are healed. A completed run also drops
// the flag a migration leaves behind.
//
// A file that cannot be indexed is reported and skipped. A failure of the
// clearing transaction, a batch commit, or the context aborts the rebuild
// and is returned with the partial report. Once the clear has committed,
// the connections are refreshed and a bulkRefresh event goes out however
// the run ends. Another process rebuilding the same index yields
// apperr.ErrIndexLocked.
func (ix *Indexer) Rebuild(ctx context.Context, force bool) (rep *models.RebuildReport, err error) {
	started := time.Now()
	rep = &models.RebuildReport{RunID: uuid.NewString(), Errors: []models.FileError{}}
	logger := ix.logger.With(slog.String("run_id", rep.RunID))

	if !force {
		n, err := ix.db.Count(ctx)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			rep.Skipped = true
			logger.Debug("rebuild: skipped, index not empty", slog.Int("documents", n))
			return rep, nil
		}
	}

	lock := flock.New(ix.db.Path() + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("rebuild: lock: %w", err)
	}
	if !locked {
		return nil, apperr.ErrIndexLocked
	}
	defer lock.Unlock() //nolint:errcheck

	ix.mu.Lock()
	defer ix.mu.Unlock()

	logger.Info("rebuild: started", slog.Bool("force", force), slog.Int("batch_size", ix.batchSize))

	// Clearing: all or nothing.
	if err := ix.db.updateQuiet(ctx, func(tx *Tx) error { return tx.Clear(ix.workspace) }); err != nil {
		return nil, fmt.Errorf("rebuild: clear: %w", err)
	}

	// Refreshing, on every exit from here on.
	defer func() {
		if rerr := ix.db.Refresh(); rerr != nil {
			err = errors.Join(err, fmt.Errorf("rebuild: refresh connections: %w", rerr))
		}
		ix.db.pub.Publish(events.Event{Kind: events.BulkRefresh})

		rep.Duration = time.Since(started)
		attrs := []any{
			slog.Int("files", rep.FilesScanned),
			slog.Int("documents", rep.DocumentsIndexed),
			slog.Int("ids_assigned", rep.IDsAssigned),
			slog.Int("edges", rep.EdgesExtracted),
			slog.Int("unresolved", rep.Unresolved),
			slog.Int("errors", rep.ErrorCount),
			slog.Duration("duration", rep.Duration),
		}
		if err != nil {
			logger.Error("rebuild: aborted", append(attrs, slog.String("error", err.Error()))...)
			return
		}
		logger.Info("rebuild: completed", attrs...)
	}()

	// Scanning.
	metas, err := ix.store.Scan(ctx, "")
	if err != nil {
		return rep, fmt.Errorf("rebuild: scan: %w", err)
	}
	rep.FilesScanned = len(metas)

	// Indexing.
	claimed := make(map[string]string, len(metas))
	var indexed []models.Document
	for start := 0; start < len(metas); start += ix.batchSize {
		end := min(start+ix.batchSize, len(metas))
		docs, err := ix.indexBatch(ctx, metas[start:end], claimed, rep, logger)
		if err != nil {
			return rep, fmt.Errorf("rebuild: index batch: %w", err)
		}
		indexed = append(indexed, docs...)
	}

	// Link extraction.
	if err := ix.extractBatches(ctx, indexed, rep, logger); err != nil {
		return rep, err
	}
	if _, err := ix.healLinks(ctx); err != nil {
		logger.Warn("rebuild: heal links failed", slog.String("error", err.Error()))
	}

	if err := ix.db.updateQuiet(ctx, func(tx *Tx) error { return tx.clearRebuildPending() }); err != nil {
		return rep, fmt.Errorf("rebuild: clear pending flag: %w", err)
	}
	return rep, nil
}

func (ix *Indexer) fileError(rep *models.RebuildReport, logger *slog.Logger, path string, err error) {
	rep.ErrorCount++
	if len(rep.Errors) < ix.maxErrors {
		rep.Errors = append(rep.Errors, models.FileError{Path: path, Message: err.Error()})
	}
	logger.Warn("rebuild: file skipped", slog.String("path", path), slog.String("error", err.Error()))
}

// indexBatch reads and parses a batch concurrently, claims identities in
// path order, writes missing metadata back concurrently, and upserts the
// batch in one transaction. It returns the documents that made it in.
func (ix *Indexer) indexBatch(ctx context.Context, metas []models.DocumentMetadata, claimed map[string]string, rep *models.RebuildReport, logger *slog.Logger) ([]models.Document, error) {
	items := make([]*batchItem, len(metas))
	for i, m := range metas {
		items[i] = &batchItem{meta: m}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.batchSize)
	for _, it := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if it.data, it.err = ix.store.Read(it.meta.Path); it.err != nil {
				return nil
			}
			it.res, it.err = parser.Parse(it.data)
			it.err = withPath(it.err, it.meta.Path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Sequential so a duplicated explicit id always stays with the first path.
	alloc := ix.allocator(claimed)
	for _, it := range items {
		if it.err != nil {
			continue
		}
		it.id = it.res.Meta.ID
		if it.res.Meta.State.NeedsID() {
			id, err := alloc.Allocate(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				it.err = err
				continue
			}
			it.id, it.assigned = id, true
			it.fields = append(it.fields, parser.IDField(id))
		} else if owner, dup := claimed[it.id]; dup {
			it.err = fmt.Errorf("duplicate id %s, already used by %s: %w", it.id, owner, apperr.ErrConflict)
			continue
		}
		claimed[it.id] = it.meta.Path
		it.fields = append(it.fields, timestampFields(it.res.Meta, it.meta.UpdatedAt)...)
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(ix.batchSize)
	for _, it := range items {
		if it.err != nil || len(it.fields) == 0 {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := parser.SetFields(it.data, it.fields...)
			if err == nil {
				err = ix.store.Write(it.meta.Path, out)
			}
			if err == nil {
				it.data = out
				it.res, err = parser.Parse(out)
			}
			it.err = err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var docs []models.Document
	err := ix.db.updateQuiet(ctx, func(tx *Tx) error {
		docs = docs[:0]
		for _, it := range items {
			if it.err != nil {
				continue
			}
			doc := newDocument(it.meta.Path, it.res, it.id, it.data)
			if err := tx.savepoint(func() error {
				_, err := tx.UpsertDocument(doc)
				return err
			}); err != nil {
				it.err = err
				continue
			}
			docs = append(docs, doc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, it := range items {
		if it.err != nil {
			ix.fileError(rep, logger, it.meta.Path, it.err)
			continue
		}
		rep.DocumentsIndexed++
		if it.assigned {
			rep.IDsAssigned++
		}
	}
	return docs, nil
}

// extractBatches replaces the edges of every indexed document, one
// transaction per batch. The edge writes join the batch transaction.
func (ix *Indexer) extractBatches(ctx context.Context, docs []models.Document, rep *models.RebuildReport, logger *slog.Logger) error {
	known, err := ix.db.KnownDocuments(ctx)
	if err != nil {
		return fmt.Errorf("rebuild: load known documents: %w", err)
	}
	resolver := links.NewResolver(known)

	for start := 0; start < len(docs); start += ix.batchSize {
		batch := docs[start:min(start+ix.batchSize, len(docs))]
		var edges, unresolved int
		var failed []models.FileError
		err := ix.db.updateQuiet(ctx, func(tx *Tx) error {
			edges, unresolved, failed = 0, 0, failed[:0]
			for _, d := range batch {
				out, external := buildLinks(resolver, d.ID, d.Body)
				err := tx.savepoint(func() error {
					return ix.db.ReplaceLinks(tx.Context(), tx, d.ID, out, external)
				})
				if err != nil {
					if markErr := tx.MarkLinksDirty(d.ID); markErr != nil {
						return markErr
					}
					failed = append(failed, models.FileError{Path: d.Path, Message: err.Error()})
					continue
				}
				edges += len(out)
				for _, e := range out {
					if !e.Resolved() {
						unresolved++
					}
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("rebuild: link extraction: %w", err)
		}
		rep.EdgesExtracted += edges
		rep.Unresolved += unresolved
		for _, f := range failed {
			ix.fileError(rep, logger, f.Path, fmt.Errorf("link extraction: %s", f.Message))
		}
	}
	return nil
}
