// Package index is the Index Store: a derived, rebuildable SQLite mirror of
// the vault's documents and their link graph. It also hosts the migration
// manager, the connection guard, the rebuild engine and the watcher that
// keeps the mirror current.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Per-table DDL in its current shape. Both the fresh-schema path and the
// migration steps that rebuild a table use these, so a migrated database
// ends up with exactly the tables a new one gets.
const (
	documentsDDL = `
CREATE TABLE IF NOT EXISTS %s (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	name        TEXT NOT NULL,
	path        TEXT NOT NULL UNIQUE,
	title       TEXT NOT NULL DEFAULT '',
	body        TEXT NOT NULL DEFAULT '',
	created     DATETIME,
	modified    DATETIME,
	checksum    TEXT NOT NULL DEFAULT '',
	tags        TEXT NOT NULL DEFAULT '[]',
	links_dirty INTEGER NOT NULL DEFAULT 0,
	UNIQUE(type, name)
);`

	linksDDL = `
CREATE TABLE IF NOT EXISTS %s (
	source_id    TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	target_id    TEXT REFERENCES documents(id) ON DELETE SET NULL,
	target_raw   TEXT NOT NULL DEFAULT '',
	display_text TEXT NOT NULL DEFAULT '',
	aliased      INTEGER NOT NULL DEFAULT 0,
	link_kind    TEXT NOT NULL DEFAULT 'internal'
);`

	linksIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_links_source ON links(source_id);
CREATE INDEX IF NOT EXISTS idx_links_target ON links(target_id);
CREATE INDEX IF NOT EXISTS idx_links_unresolved ON links(target_id) WHERE target_id IS NULL;`

	externalLinksDDL = `
CREATE TABLE IF NOT EXISTS external_links (
	source_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	url       TEXT NOT NULL,
	title     TEXT NOT NULL DEFAULT '',
	link_type TEXT NOT NULL DEFAULT 'other'
);
CREATE INDEX IF NOT EXISTS idx_external_links_source ON external_links(source_id);`

	uiStateDDL = `
CREATE TABLE IF NOT EXISTS %s (
	workspace_id   TEXT NOT NULL,
	state_key      TEXT NOT NULL,
	state_value    TEXT NOT NULL,
	schema_version INTEGER NOT NULL DEFAULT 1,
	updated_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(workspace_id, state_key)
);`

	retiredIDsDDL = `
CREATE TABLE IF NOT EXISTS retired_ids (
	id         TEXT PRIMARY KEY,
	retired_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

	rebuildPendingDDL = `
CREATE TABLE IF NOT EXISTS rebuild_pending (
	id        INTEGER PRIMARY KEY CHECK (id = 1),
	marked_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

	schemaVersionDDL = `
CREATE TABLE IF NOT EXISTS schema_version (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	version    TEXT NOT NULL,
	applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`
)

func table(ddl, name string) string { return fmt.Sprintf(ddl, name) }

// finalSchemaSQL builds a fresh database directly in its current shape,
// without replaying the migration history.
func finalSchemaSQL() string {
	return strings.Join([]string{
		table(documentsDDL, "documents"),
		table(linksDDL, "links"),
		linksIndexesSQL,
		externalLinksDDL,
		table(uiStateDDL, "ui_state"),
		retiredIDsDDL,
		rebuildPendingDDL,
		schemaVersionDDL,
	}, "\n")
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func hasTable(ctx context.Context, q querier, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("index: inspect table %s: %w", name, err)
	}
	return n > 0, nil
}

func columns(ctx context.Context, q querier, tableName string) (map[string]struct{}, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, tableName)
	if err != nil {
		return nil, fmt.Errorf("index: inspect columns of %s: %w", tableName, err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = struct{}{}
	}
	return out, rows.Err()
}

func hasColumn(ctx context.Context, q querier, tableName, column string) (bool, error) {
	cols, err := columns(ctx, q, tableName)
	if err != nil {
		return false, err
	}
	_, ok := cols[column]
	return ok, nil
}
