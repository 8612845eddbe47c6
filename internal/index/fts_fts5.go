//go:build sqlite_fts5

package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

func initFTS(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
			id UNINDEXED,
			title,
			body,
			tags,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`)
	return err
}

func ftsUpsert(ctx context.Context, tx *sql.Tx, id, title, body string, tags []string) error {
	_, _ = tx.ExecContext(ctx, `DELETE FROM documents_fts WHERE id = ?`, id)
	_, err := tx.ExecContext(ctx, `INSERT INTO documents_fts (id, title, body, tags) VALUES (?, ?, ?, ?)`,
		id, title, body, strings.Join(tags, " "))
	if err != nil {
		return fmt.Errorf("index: upsert fts: %w", err)
	}
	return nil
}

func ftsDelete(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM documents_fts WHERE id = ?`, id)
	return err
}

func ftsClear(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM documents_fts`)
	return err
}

// Search performs an FTS5 full-text search and returns matching results with snippets.
func (db *DB) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []SearchResult
	err := db.conns.read(func(r *sql.DB) error {
		rows, err := r.QueryContext(ctx, `
			SELECT d.id,
			       d.path,
			       d.title,
			       snippet(documents_fts, 2, '<b>', '</b>', '...', 64)
			FROM documents_fts
			JOIN documents d ON d.id = documents_fts.id
			WHERE documents_fts MATCH ?
			ORDER BY rank
			LIMIT ?
		`, query, limit)
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
