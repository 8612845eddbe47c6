//go:build !sqlite_fts5

package index

import (
	"context"
	"database/sql"
	"fmt"
)

func initFTS(_ *sql.DB) error {
	// FTS5 not available; full-text search uses LIKE fallback on documents.body.
	return nil
}

func ftsUpsert(_ context.Context, _ *sql.Tx, _, _, _ string, _ []string) error {
	// Body is already stored in the documents table; nothing extra to do.
	return nil
}

func ftsDelete(_ context.Context, _ *sql.Tx, _ string) error { return nil }

func ftsClear(_ context.Context, _ *sql.Tx) error { return nil }

// Search performs a LIKE-based search (fallback when FTS5 is not compiled in).
func (db *DB) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	like := "%" + query + "%"
	var out []SearchResult
	err := db.conns.read(func(r *sql.DB) error {
		rows, err := r.QueryContext(ctx, `
			SELECT id, path, title, substr(body, 1, 200)
			FROM documents
			WHERE title LIKE ? OR body LIKE ? OR tags LIKE ?
			ORDER BY path
			LIMIT ?
		`, like, like, like, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var sr SearchResult
			if err := rows.Scan(&sr.ID, &sr.Path, &sr.Title, &sr.Snippet); err != nil {
				return err
			}
			out = append(out, sr)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	return out, nil
}
