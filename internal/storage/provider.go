// Package storage is the Document Store: the vault file tree that is the
// authoritative source for every document. The index is derived from it
// and can always be rebuilt.
package storage

import (
	"context"

	"github.com/starford/folio/internal/models"
)

// DocumentExt is the extension of recognised document files.
const DocumentExt = ".md"

// Provider is the vault as seen by the indexer. Paths are vault-relative
// and slash separated. A path that escapes the vault is an
// *apperr.ValidationError; a missing file wraps fs.ErrNotExist.
type Provider interface {
	// Scan returns every document under dir in path order.
	Scan(ctx context.Context, dir string) ([]models.DocumentMetadata, error)
	Read(path string) ([]byte, error)
	// Write replaces path in one step, so readers see old or new content.
	Write(path string, content []byte) error
	Delete(path string) error
	// Move fails with fs.ErrExist rather than overwrite newPath.
	Move(oldPath, newPath string) error
}
