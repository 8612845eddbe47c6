package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/mod/semver"

	"github.com/starford/folio/internal/apperr"
)

// migration is one idempotent schema step. Each step runs in its own
// transaction together with the version bump, and inspects the schema
// before changing it so a re-run is harmless.
type migration struct {
	version string
	name    string
	apply   func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{version: "1.0.0", name: "baseline", apply: migrateBaseline},
	{version: "1.1.0", name: "document checksums and ui state", apply: migrateChecksumsAndState},
	{version: "2.0.0", name: "resolvable link graph", apply: migrateLinkGraph},
	{version: "2.0.1", name: "ui state shape", apply: migrateStateShape},
}

func init() {
	sort.Slice(migrations, func(i, j int) bool {
		return semver.Compare(sv(migrations[i].version), sv(migrations[j].version)) < 0
	})
}

// LatestVersion is the schema version a fresh or fully migrated index has.
func LatestVersion() string { return migrations[len(migrations)-1].version }

func sv(v string) string { return "v" + v }

func knownVersion(v string) bool {
	for _, m := range migrations {
		if m.version == v {
			return true
		}
	}
	return false
}

// currentVersion reads the recorded version. fresh is true for a database
// holding no index tables at all. An index that predates version tracking
// is reported as 1.0.0.
func currentVersion(ctx context.Context, q querier) (version string, fresh bool, err error) {
	tracked, err := hasTable(ctx, q, "schema_version")
	if err != nil {
		return "", false, err
	}
	if tracked {
		err := q.QueryRowContext(ctx, `SELECT version FROM schema_version WHERE id = 1`).Scan(&version)
		switch {
		case err == nil:
			return version, false, nil
		case !errors.Is(err, sql.ErrNoRows):
			return "", false, fmt.Errorf("index: read schema version: %w", err)
		}
	}
	docs, err := hasTable(ctx, q, "documents")
	if err != nil {
		return "", false, err
	}
	if docs {
		return "1.0.0", false, nil
	}
	return "", true, nil
}

func setVersion(ctx context.Context, tx *sql.Tx, version string) error {
	if _, err := tx.ExecContext(ctx, schemaVersionDDL); err != nil {
		return fmt.Errorf("index: create schema_version: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO schema_version (id, version, applied_at) VALUES (1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, applied_at = excluded.applied_at
	`, version)
	if err != nil {
		return fmt.Errorf("index: record schema version: %w", err)
	}
	return nil
}

// migrate brings the database at w to LatestVersion and returns the
// versions it applied, in order. A fresh database is created in its final
// shape and reports nothing applied.
func migrate(ctx context.Context, w *sql.DB, logger *slog.Logger) ([]string, error) {
	current, fresh, err := currentVersion(ctx, w)
	if err != nil {
		return nil, err
	}
	latest := LatestVersion()

	if fresh {
		err := runStep(ctx, w, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, finalSchemaSQL()); err != nil {
				return fmt.Errorf("index: create schema: %w", err)
			}
			return setVersion(ctx, tx, latest)
		})
		if err != nil {
			return nil, err
		}
		logger.Info("migrate: created schema", slog.String("version", latest))
		return nil, nil
	}

	if !knownVersion(current) || semver.Compare(sv(current), sv(latest)) > 0 {
		return nil, &apperr.SchemaMismatchError{Found: current, Latest: latest}
	}

	var applied []string
	for _, m := range migrations {
		if semver.Compare(sv(m.version), sv(current)) <= 0 {
			continue
		}
		err := runStep(ctx, w, func(tx *sql.Tx) error {
			if err := m.apply(ctx, tx); err != nil {
				return err
			}
			if err := markRebuildPending(ctx, tx); err != nil {
				return err
			}
			return setVersion(ctx, tx, m.version)
		})
		if err != nil {
			return applied, fmt.Errorf("index: migrate to %s (%s): %w", m.version, m.name, err)
		}
		logger.Info("migrate: applied",
			slog.String("from", current),
			slog.String("version", m.version),
			slog.String("step", m.name))
		applied = append(applied, m.version)
		current = m.version
	}
	return applied, nil
}

// markRebuildPending flags the index for a forced rebuild. The flag lives
// in the database, so it survives until a rebuild completes even when the
// process that migrated exits first.
func markRebuildPending(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, rebuildPendingDDL); err != nil {
		return fmt.Errorf("index: create rebuild_pending: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO rebuild_pending (id) VALUES (1)`); err != nil {
		return fmt.Errorf("index: flag rebuild: %w", err)
	}
	return nil
}

// clearRebuildPending drops the flag set by a migration.
func (t *Tx) clearRebuildPending() error {
	if _, err := t.tx.ExecContext(t.ctx, rebuildPendingDDL); err != nil {
		return sqlError("create rebuild_pending", err)
	}
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM rebuild_pending`); err != nil {
		return sqlError("clear rebuild flag", err)
	}
	return nil
}

// RebuildPending reports whether a migration ran since the last completed
// rebuild.
func (db *DB) RebuildPending(ctx context.Context) (bool, error) {
	var n int
	err := db.conns.read(func(r *sql.DB) error {
		ok, err := hasTable(ctx, r, "rebuild_pending")
		if err != nil || !ok {
			return err
		}
		return r.QueryRowContext(ctx, `SELECT count(*) FROM rebuild_pending`).Scan(&n)
	})
	if err != nil {
		return false, fmt.Errorf("index: rebuild pending: %w", err)
	}
	return n > 0, nil
}

func runStep(ctx context.Context, w *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := w.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func execAll(ctx context.Context, tx *sql.Tx, stmts ...string) error {
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// 1.0.0: documents and a bare source/target link table.
func migrateBaseline(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, `
		CREATE TABLE IF NOT EXISTS documents (
			id       TEXT PRIMARY KEY,
			type     TEXT NOT NULL,
			name     TEXT NOT NULL,
			path     TEXT NOT NULL UNIQUE,
			title    TEXT NOT NULL DEFAULT '',
			body     TEXT NOT NULL DEFAULT '',
			created  DATETIME,
			modified DATETIME,
			UNIQUE(type, name)
		)`, `
		CREATE TABLE IF NOT EXISTS links (
			source_id    TEXT NOT NULL,
			target_id    TEXT NOT NULL,
			display_text TEXT NOT NULL DEFAULT ''
		)`)
}

// 1.1.0: content checksums and a ui_state table keyed by workspace.
func migrateChecksumsAndState(ctx context.Context, tx *sql.Tx) error {
	ok, err := hasColumn(ctx, tx, "documents", "checksum")
	if err != nil {
		return err
	}
	if !ok {
		if err := execAll(ctx, tx, `ALTER TABLE documents ADD COLUMN checksum TEXT NOT NULL DEFAULT ''`); err != nil {
			return err
		}
	}
	return execAll(ctx, tx, `
		CREATE TABLE IF NOT EXISTS ui_state (
			workspace_id TEXT NOT NULL,
			state_key    TEXT NOT NULL,
			state_data   TEXT NOT NULL DEFAULT ''
		)`)
}

// 2.0.0: ui_state.state_data becomes state_value; documents gain tags and
// the links_dirty flag; links are rebuilt with foreign keys, the raw target
// and the link kind; external links and retired ids get their own tables.
func migrateLinkGraph(ctx context.Context, tx *sql.Tx) error {
	stateCols, err := columns(ctx, tx, "ui_state")
	if err != nil {
		return err
	}
	_, hasData := stateCols["state_data"]
	_, hasValue := stateCols["state_value"]
	if hasData && !hasValue {
		if err := execAll(ctx, tx, `ALTER TABLE ui_state RENAME COLUMN state_data TO state_value`); err != nil {
			return err
		}
	}

	docCols, err := columns(ctx, tx, "documents")
	if err != nil {
		return err
	}
	if _, ok := docCols["tags"]; !ok {
		if err := execAll(ctx, tx, `ALTER TABLE documents ADD COLUMN tags TEXT NOT NULL DEFAULT '[]'`); err != nil {
			return err
		}
	}
	if _, ok := docCols["links_dirty"]; !ok {
		if err := execAll(ctx, tx, `ALTER TABLE documents ADD COLUMN links_dirty INTEGER NOT NULL DEFAULT 0`); err != nil {
			return err
		}
	}

	rebuilt, err := hasColumn(ctx, tx, "links", "target_raw")
	if err != nil {
		return err
	}
	if !rebuilt {
		// Edges from unknown sources are dropped; edges to unknown targets
		// survive as unresolved, keeping the old target as the raw text.
		err := execAll(ctx, tx,
			`DROP TABLE IF EXISTS links_v2`,
			table(linksDDL, "links_v2"), `
			INSERT INTO links_v2 (source_id, target_id, target_raw, display_text, aliased, link_kind)
			SELECT l.source_id, t.id, l.target_id, l.display_text, 0, 'internal'
			FROM links l
			JOIN documents s ON s.id = l.source_id
			LEFT JOIN documents t ON t.id = l.target_id`,
			`DROP TABLE links`,
			`ALTER TABLE links_v2 RENAME TO links`)
		if err != nil {
			return err
		}
	}
	return execAll(ctx, tx, linksIndexesSQL, externalLinksDDL, retiredIDsDDL)
}

// 2.0.1: the ui_state table left by 2.0.0 lacks schema_version and the
// (workspace_id, state_key) uniqueness. It is recreated in its current
// shape. State written by older builds refers to pre-2.0 identifiers and
// is discarded.
func migrateStateShape(ctx context.Context, tx *sql.Tx) error {
	shaped, err := hasColumn(ctx, tx, "ui_state", "schema_version")
	if err != nil {
		return err
	}
	if shaped {
		return execAll(ctx, tx, `DELETE FROM ui_state`)
	}
	return execAll(ctx, tx,
		`DROP TABLE IF EXISTS ui_state`,
		table(uiStateDDL, "ui_state"))
}
