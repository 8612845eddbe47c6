package index

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// ErrClosed is returned by every operation on a closed DB.
var ErrClosed = errors.New("index: closed")

const (
	writerParams = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	readerParams = "?_busy_timeout=5000&_foreign_keys=on&_query_only=1"
	readerConns  = 4
)

// conns owns every connection to the index database: a single-connection
// writer pool and a small query-only reader pool. Work borrows a pool for
// the duration of a callback; refresh closes and reopens both pools once
// no callback is running, so no reader survives a rebuild holding a view
// taken before it.
//
// Callbacks must not call back into conns: a pending refresh blocks new
// borrowers, so a nested borrow would deadlock.
type conns struct {
	path string

	mu     sync.RWMutex
	rw     *sql.DB
	ro     *sql.DB
	gen    uint64
	closed bool
}

func openConns(path string) (*conns, error) {
	c := &conns{path: path}
	if err := c.open(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *conns) open() error {
	rw, err := sql.Open("sqlite3", c.path+writerParams)
	if err != nil {
		return fmt.Errorf("index: open writer: %w", err)
	}
	rw.SetMaxOpenConns(1)
	if err := rw.Ping(); err != nil {
		rw.Close()
		return fmt.Errorf("index: ping writer: %w", err)
	}

	ro, err := sql.Open("sqlite3", c.path+readerParams)
	if err != nil {
		rw.Close()
		return fmt.Errorf("index: open reader: %w", err)
	}
	ro.SetMaxOpenConns(readerConns)
	if err := ro.Ping(); err != nil {
		ro.Close()
		rw.Close()
		return fmt.Errorf("index: ping reader: %w", err)
	}

	c.rw, c.ro = rw, ro
	c.gen++
	return nil
}

func (c *conns) read(fn func(*sql.DB) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return fn(c.ro)
}

func (c *conns) write(fn func(*sql.DB) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return fn(c.rw)
}

// refresh waits for in-flight work, then replaces both pools.
func (c *conns) refresh() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	err := errors.Join(c.ro.Close(), c.rw.Close())
	if err != nil {
		return fmt.Errorf("index: close for refresh: %w", err)
	}
	if err := c.open(); err != nil {
		c.closed = true
		return err
	}
	return nil
}

func (c *conns) generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

func (c *conns) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return errors.Join(c.ro.Close(), c.rw.Close())
}
