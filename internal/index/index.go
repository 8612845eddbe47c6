package index

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	"github.com/starford/folio/internal/events"
)

// DB is an open index database. All access goes through its connection
// guard; nothing outside this package holds a *sql.DB.
type DB struct {
	path    string
	conns   *conns
	pub     events.Publisher
	logger  *slog.Logger
	applied []string
}

// Option configures Open.
type Option func(*DB)

// WithPublisher routes committed changes to p.
func WithPublisher(p events.Publisher) Option {
	return func(db *DB) { db.pub = p }
}

// WithLogger sets the logger used for migration and rebuild messages.
func WithLogger(l *slog.Logger) Option {
	return func(db *DB) { db.logger = l }
}

type discard struct{}

func (discard) Publish(events.Event) {}

// Open opens (or creates) the index at path and migrates it to
// LatestVersion. A database recorded at an unknown or newer version is
// refused with an *apperr.SchemaMismatchError.
func Open(ctx context.Context, path string, opts ...Option) (*DB, error) {
	db := &DB{
		path:   path,
		pub:    discard{},
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(db)
	}

	c, err := openConns(path)
	if err != nil {
		return nil, err
	}
	db.conns = c

	err = c.write(func(w *sql.DB) error {
		applied, err := migrate(ctx, w, db.logger)
		if err != nil {
			return err
		}
		db.applied = applied
		if err := initFTS(w); err != nil {
			return fmt.Errorf("index: apply fts schema: %w", err)
		}
		return nil
	})
	if err != nil {
		c.close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Migrated returns the migration versions applied by Open, oldest first.
func (db *DB) Migrated() []string { return db.applied }

// SchemaVersion returns the recorded schema version.
func (db *DB) SchemaVersion(ctx context.Context) (string, error) {
	var v string
	err := db.conns.read(func(r *sql.DB) error {
		return r.QueryRowContext(ctx, `SELECT version FROM schema_version WHERE id = 1`).Scan(&v)
	})
	if err != nil {
		return "", fmt.Errorf("index: schema version: %w", err)
	}
	return v, nil
}

// Refresh closes and reopens every connection once in-flight work has
// drained. Reads started afterwards see everything committed before it.
// Refresh must not be called from inside an Update callback.
func (db *DB) Refresh() error {
	if err := db.conns.refresh(); err != nil {
		return err
	}
	db.logger.Debug("index: connections refreshed", slog.Uint64("generation", db.conns.generation()))
	return nil
}

// Generation counts how many times the connections have been opened.
func (db *DB) Generation() uint64 { return db.conns.generation() }

// Close closes the underlying database connections.
func (db *DB) Close() error {
	return db.conns.close()
}
