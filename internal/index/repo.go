package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/events"
	"github.com/starford/folio/internal/links"
	"github.com/starford/folio/internal/models"
)

// SearchResult represents one search hit.
type SearchResult struct {
	ID      string `json:"id"`
	Path    string `json:"path"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// ListOptions filters and pages ListDocuments.
type ListOptions struct {
	Type   string
	Limit  int
	Offset int
}

const docColumns = `id, type, name, path, title, body, tags, checksum, created, modified`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(s rowScanner) (*models.Document, error) {
	var (
		d                 models.Document
		tags              string
		created, modified sql.NullTime
	)
	if err := s.Scan(&d.ID, &d.Type, &d.Name, &d.Path, &d.Title, &d.Body, &tags, &d.Checksum, &created, &modified); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &d.Tags); err != nil || d.Tags == nil {
		d.Tags = []string{}
	}
	d.Created = created.Time
	d.Modified = modified.Time
	return &d, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// UpsertDocument inserts or replaces a document and its search entry. A
// different document previously indexed at the same path is removed first.
// created reports whether the id was new to the index.
func (t *Tx) UpsertDocument(d models.Document) (created bool, err error) {
	var stale string
	err = t.tx.QueryRowContext(t.ctx,
		`SELECT id FROM documents WHERE path = ? AND id <> ?`, d.Path, d.ID).Scan(&stale)
	switch {
	case err == nil:
		if err := t.DeleteDocument(stale); err != nil {
			return false, err
		}
	case !errors.Is(err, sql.ErrNoRows):
		return false, sqlError("lookup path", err)
	}

	var n int
	if err := t.tx.QueryRowContext(t.ctx, `SELECT count(*) FROM documents WHERE id = ?`, d.ID).Scan(&n); err != nil {
		return false, sqlError("lookup id", err)
	}

	tags := d.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, _ := json.Marshal(tags)

	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO documents (id, type, name, path, title, body, tags, checksum, created, modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type     = excluded.type,
			name     = excluded.name,
			path     = excluded.path,
			title    = excluded.title,
			body     = excluded.body,
			tags     = excluded.tags,
			checksum = excluded.checksum,
			created  = excluded.created,
			modified = excluded.modified
	`, d.ID, d.Type, d.Name, d.Path, d.Title, d.Body, string(tagsJSON), d.Checksum, nullTime(d.Created), nullTime(d.Modified))
	if err != nil {
		return false, sqlError("upsert document "+d.Path, err)
	}

	// FTS upsert (no-op when FTS5 tag is absent).
	if err := ftsUpsert(t.ctx, t.tx, d.ID, d.Title, d.Body, tags); err != nil {
		return false, err
	}

	if n == 0 {
		t.emit(events.DocumentCreated, d.ID, d.Path)
	} else {
		t.emit(events.DocumentUpdated, d.ID, d.Path)
	}
	return n == 0, nil
}

// DeleteDocument removes a document. Its outgoing edges go with it; edges
// pointing at it become unresolved. The id is retired so it is never
// allocated again.
func (t *Tx) DeleteDocument(id string) error {
	var path string
	err := t.tx.QueryRowContext(t.ctx, `SELECT path FROM documents WHERE id = ?`, id).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("index: document %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return sqlError("lookup document", err)
	}

	if _, err := t.tx.ExecContext(t.ctx, `INSERT OR IGNORE INTO retired_ids (id) VALUES (?)`, id); err != nil {
		return sqlError("retire id", err)
	}
	if err := ftsDelete(t.ctx, t.tx, id); err != nil {
		return sqlError("delete fts", err)
	}
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return sqlError("delete document", err)
	}
	t.emit(events.DocumentDeleted, id, path)
	return nil
}

// Clear empties the index for a rebuild: documents, internal and external
// edges, the search table, and the workspace's ui_state. Cleared ids are
// retired so identifiers of files that vanish meanwhile are not reissued.
func (t *Tx) Clear(workspaceID string) error {
	stmts := []struct{ op, sql string }{
		{"retire ids", `INSERT OR IGNORE INTO retired_ids (id) SELECT id FROM documents`},
		{"clear links", `DELETE FROM links`},
		{"clear external links", `DELETE FROM external_links`},
		{"clear documents", `DELETE FROM documents`},
	}
	for _, s := range stmts {
		if _, err := t.tx.ExecContext(t.ctx, s.sql); err != nil {
			return sqlError(s.op, err)
		}
	}
	if err := ftsClear(t.ctx, t.tx); err != nil {
		return sqlError("clear fts", err)
	}
	return t.ClearState(workspaceID)
}

// KnownDocuments returns the resolution targets of every indexed document,
// ordered by path.
func (t *Tx) KnownDocuments() ([]links.Target, error) {
	return knownDocuments(t.ctx, t.tx)
}

func knownDocuments(ctx context.Context, q querier) ([]links.Target, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, type, name, title FROM documents ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("index: known documents: %w", err)
	}
	defer rows.Close()
	var out []links.Target
	for rows.Next() {
		var tg links.Target
		if err := rows.Scan(&tg.ID, &tg.Type, &tg.Name, &tg.Title); err != nil {
			return nil, err
		}
		out = append(out, tg)
	}
	return out, rows.Err()
}

// UpsertDocument is Tx.UpsertDocument in a transaction of its own.
func (db *DB) UpsertDocument(ctx context.Context, d models.Document) (created bool, err error) {
	err = db.Update(ctx, func(tx *Tx) error {
		created, err = tx.UpsertDocument(d)
		return err
	})
	return created, err
}

// DeleteDocument is Tx.DeleteDocument in a transaction of its own.
func (db *DB) DeleteDocument(ctx context.Context, id string) error {
	return db.Update(ctx, func(tx *Tx) error { return tx.DeleteDocument(id) })
}

// GetDocument returns the document with the given id, or apperr.ErrNotFound.
func (db *DB) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	return db.getDocument(ctx, `SELECT `+docColumns+` FROM documents WHERE id = ?`, id)
}

// GetDocumentByPath returns the document indexed at path, or apperr.ErrNotFound.
func (db *DB) GetDocumentByPath(ctx context.Context, path string) (*models.Document, error) {
	return db.getDocument(ctx, `SELECT `+docColumns+` FROM documents WHERE path = ?`, path)
}

func (db *DB) getDocument(ctx context.Context, query, arg string) (*models.Document, error) {
	var d *models.Document
	err := db.conns.read(func(r *sql.DB) error {
		var err error
		d, err = scanDocument(r.QueryRowContext(ctx, query, arg))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index: document %s: %w", arg, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("index: get document: %w", err)
	}
	return d, nil
}

// GetChecksum returns the stored checksum for a path, or empty string if not indexed.
func (db *DB) GetChecksum(ctx context.Context, path string) (string, error) {
	var cs string
	err := db.conns.read(func(r *sql.DB) error {
		return r.QueryRowContext(ctx, `SELECT checksum FROM documents WHERE path = ?`, path).Scan(&cs)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil // not found is fine
	}
	if err != nil {
		return "", fmt.Errorf("index: get checksum: %w", err)
	}
	return cs, nil
}

// AllChecksums returns path → checksum for every indexed document.
func (db *DB) AllChecksums(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	err := db.conns.read(func(r *sql.DB) error {
		rows, err := r.QueryContext(ctx, `SELECT path, checksum FROM documents`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p, cs string
			if err := rows.Scan(&p, &cs); err != nil {
				return err
			}
			out[p] = cs
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("index: all checksums: %w", err)
	}
	return out, nil
}

// IDTaken reports whether id belongs to an indexed document or was
// retired. It is the collision check of the identity allocator.
func (db *DB) IDTaken(ctx context.Context, id string) (bool, error) {
	var n int
	err := db.conns.read(func(r *sql.DB) error {
		return r.QueryRowContext(ctx, `
			SELECT (SELECT count(*) FROM documents WHERE id = ?) +
			       (SELECT count(*) FROM retired_ids WHERE id = ?)
		`, id, id).Scan(&n)
	})
	if err != nil {
		return false, fmt.Errorf("index: id taken: %w", err)
	}
	return n > 0, nil
}

// Count returns the number of indexed documents.
func (db *DB) Count(ctx context.Context) (int, error) {
	var n int
	err := db.conns.read(func(r *sql.DB) error {
		return r.QueryRowContext(ctx, `SELECT count(*) FROM documents`).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("index: count: %w", err)
	}
	return n, nil
}

// ListDocuments returns a page of documents ordered by path, without
// bodies, and the total number matching the filter.
func (db *DB) ListDocuments(ctx context.Context, opts ListOptions) ([]models.Document, int, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	out := []models.Document{}
	var total int
	err := db.conns.read(func(r *sql.DB) error {
		where, args := "", []any{}
		if opts.Type != "" {
			where, args = ` WHERE type = ?`, append(args, opts.Type)
		}
		if err := r.QueryRowContext(ctx, `SELECT count(*) FROM documents`+where, args...).Scan(&total); err != nil {
			return err
		}
		rows, err := r.QueryContext(ctx,
			`SELECT id, type, name, path, title, '', tags, checksum, created, modified FROM documents`+
				where+` ORDER BY path LIMIT ? OFFSET ?`,
			append(args, opts.Limit, opts.Offset)...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			d, err := scanDocument(rows)
			if err != nil {
				return err
			}
			out = append(out, *d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, fmt.Errorf("index: list documents: %w", err)
	}
	return out, total, nil
}

// KnownDocuments returns the resolution targets of every indexed document.
func (db *DB) KnownDocuments(ctx context.Context) ([]links.Target, error) {
	var out []links.Target
	err := db.conns.read(func(r *sql.DB) error {
		var err error
		out, err = knownDocuments(ctx, r)
		return err
	})
	return out, err
}
