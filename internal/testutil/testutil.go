// Package testutil provides shared test helpers for setting up vaults and databases.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/starford/folio/internal/identity"
	"github.com/starford/folio/internal/index"
	"github.com/starford/folio/internal/storage"
)

// TempDBPath returns a path for a temporary SQLite database that is removed
// (with its WAL, shared-memory and lock files) when the test ends.
func TempDBPath(t *testing.T) string {
	t.Helper()
	dbFile, err := os.CreateTemp("", "folio-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	name := dbFile.Name()
	t.Cleanup(func() {
		for _, suffix := range []string{"", "-wal", "-shm", ".lock"} {
			os.Remove(name + suffix)
		}
	})
	return name
}

// TestDB creates a temporary index database that is automatically cleaned up.
func TestDB(t *testing.T, opts ...index.Option) *index.DB {
	t.Helper()
	db, err := index.Open(context.Background(), TempDBPath(t), opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestVault creates a temporary vault directory with a storage.Provider.
func TestVault(t *testing.T) (string, *storage.FS) {
	t.Helper()
	vaultDir := t.TempDir()
	store, err := storage.NewFS(vaultDir)
	if err != nil {
		t.Fatal(err)
	}
	return vaultDir, store
}

// WriteFile creates rel (and its parent directories) under root.
func WriteFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// ReadFile returns the content of rel under root.
func ReadFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// SeqIDs returns a deterministic identity.Generator yielding n-00000001,
// n-00000002, and so on.
func SeqIDs() identity.Generator {
	var (
		mu sync.Mutex
		n  int
	)
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%08x", identity.Prefix, n), nil
	}
}
