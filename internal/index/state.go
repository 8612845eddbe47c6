package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/starford/folio/internal/apperr"
)

// StateSchemaVersion tags every ui_state value written by this build. A
// value stored under another version is treated as absent.
const StateSchemaVersion = 1

// SaveState stores value under (workspaceID, key), replacing any previous value.
func (t *Tx) SaveState(workspaceID, key string, value json.RawMessage) error {
	if key == "" {
		return apperr.Invalid("", "state_key", "must not be empty")
	}
	if !json.Valid(value) {
		return apperr.Invalid("", "state_value", "must be valid JSON")
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO ui_state (workspace_id, state_key, state_value, schema_version, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(workspace_id, state_key) DO UPDATE SET
			state_value    = excluded.state_value,
			schema_version = excluded.schema_version,
			updated_at     = excluded.updated_at
	`, workspaceID, key, string(value), StateSchemaVersion)
	if err != nil {
		return sqlError("save state", err)
	}
	return nil
}

// ClearState removes every state value of workspaceID.
func (t *Tx) ClearState(workspaceID string) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM ui_state WHERE workspace_id = ?`, workspaceID); err != nil {
		return sqlError("clear state", err)
	}
	return nil
}

// DeleteState removes one key of workspaceID. A missing key is not an error.
func (t *Tx) DeleteState(workspaceID, key string) error {
	_, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM ui_state WHERE workspace_id = ? AND state_key = ?`, workspaceID, key)
	if err != nil {
		return sqlError("delete state", err)
	}
	return nil
}

// SaveState is Tx.SaveState in a transaction of its own.
func (db *DB) SaveState(ctx context.Context, workspaceID, key string, value json.RawMessage) error {
	return db.Update(ctx, func(tx *Tx) error { return tx.SaveState(workspaceID, key, value) })
}

// ClearState is Tx.ClearState in a transaction of its own.
func (db *DB) ClearState(ctx context.Context, workspaceID string) error {
	return db.Update(ctx, func(tx *Tx) error { return tx.ClearState(workspaceID) })
}

// DeleteState is Tx.DeleteState in a transaction of its own.
func (db *DB) DeleteState(ctx context.Context, workspaceID, key string) error {
	return db.Update(ctx, func(tx *Tx) error { return tx.DeleteState(workspaceID, key) })
}

// LoadState returns the value stored under (workspaceID, key), or nil when
// there is none or it was written under another StateSchemaVersion.
func (db *DB) LoadState(ctx context.Context, workspaceID, key string) (json.RawMessage, error) {
	var (
		value   string
		version int
	)
	err := db.conns.read(func(r *sql.DB) error {
		return r.QueryRowContext(ctx,
			`SELECT state_value, schema_version FROM ui_state WHERE workspace_id = ? AND state_key = ?`,
			workspaceID, key).Scan(&value, &version)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("index: load state: %w", err)
	}
	if version != StateSchemaVersion {
		return nil, nil
	}
	return json.RawMessage(value), nil
}

// StateKeys lists the keys stored for workspaceID.
func (db *DB) StateKeys(ctx context.Context, workspaceID string) ([]string, error) {
	out := []string{}
	err := db.conns.read(func(r *sql.DB) error {
		rows, err := r.QueryContext(ctx,
			`SELECT state_key FROM ui_state WHERE workspace_id = ? ORDER BY state_key`, workspaceID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				return err
			}
			out = append(out, k)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("index: state keys: %w", err)
	}
	return out, nil
}
