package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/events"
)

type txKey struct{}

// Tx is an open write transaction on the index. Write primitives are
// methods on Tx, so code that already holds one joins it by passing it
// down; code that does not calls the DB wrapper, which opens its own.
//
// Events raised through a Tx are published only after it commits.
type Tx struct {
	ctx    context.Context
	tx     *sql.Tx
	quiet  bool
	events []events.Event
}

// Context returns the context the transaction runs under. Passing it to
// DB.Update is refused with apperr.ErrTxConflict.
func (t *Tx) Context() context.Context { return t.ctx }

func (t *Tx) emit(kind events.Kind, id, path string) {
	if t.quiet {
		return
	}
	t.events = append(t.events, events.Event{Kind: kind, DocumentID: id, Path: path})
}

// savepoint runs fn so that a failure undoes only fn's statements and
// leaves the enclosing transaction usable.
func (t *Tx) savepoint(fn func() error) error {
	if _, err := t.tx.ExecContext(t.ctx, `SAVEPOINT doc`); err != nil {
		return fmt.Errorf("index: savepoint: %w", err)
	}
	mark := len(t.events)
	if err := fn(); err != nil {
		_, _ = t.tx.ExecContext(t.ctx, `ROLLBACK TO doc`)
		_, _ = t.tx.ExecContext(t.ctx, `RELEASE doc`)
		t.events = t.events[:mark]
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx, `RELEASE doc`); err != nil {
		return fmt.Errorf("index: release savepoint: %w", err)
	}
	return nil
}

// Update runs fn inside a write transaction. The transaction commits when
// fn returns nil and rolls back otherwise. Calling Update with a context
// that already carries a Tx returns apperr.ErrTxConflict instead of
// waiting forever on the single writer connection.
func (db *DB) Update(ctx context.Context, fn func(*Tx) error) error {
	return db.update(ctx, false, fn)
}

// updateQuiet is Update without per-row events; bulk callers publish a
// single summary event themselves.
func (db *DB) updateQuiet(ctx context.Context, fn func(*Tx) error) error {
	return db.update(ctx, true, fn)
}

func (db *DB) update(ctx context.Context, quiet bool, fn func(*Tx) error) error {
	if _, nested := ctx.Value(txKey{}).(*Tx); nested {
		return fmt.Errorf("index: update inside an open transaction: %w", apperr.ErrTxConflict)
	}
	return db.conns.write(func(w *sql.DB) error {
		sqlTx, err := w.BeginTx(ctx, nil)
		if err != nil {
			return sqlError("begin tx", err)
		}
		defer sqlTx.Rollback() //nolint:errcheck // best-effort on failure path

		t := &Tx{tx: sqlTx, quiet: quiet}
		t.ctx = context.WithValue(ctx, txKey{}, t)
		if err := fn(t); err != nil {
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return sqlError("commit", err)
		}
		// Still holding the writer: publish order is commit order.
		for _, ev := range t.events {
			db.pub.Publish(ev)
		}
		return nil
	})
}

// within joins tx when it is non-nil and opens a transaction otherwise.
func (db *DB) within(ctx context.Context, tx *Tx, fn func(*Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	return db.Update(ctx, fn)
}

// sqlError wraps a driver error, mapping constraint violations to
// apperr.ErrConflict and lock contention to apperr.ErrTxConflict.
func sqlError(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.ExtendedCode == sqlite3.ErrConstraintUnique,
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("index: %s: %w: %w", op, apperr.ErrConflict, err)
		case se.Code == sqlite3.ErrBusy, se.Code == sqlite3.ErrLocked:
			return fmt.Errorf("index: %s: %w: %w", op, apperr.ErrTxConflict, err)
		}
	}
	return fmt.Errorf("index: %s: %w", op, err)
}
