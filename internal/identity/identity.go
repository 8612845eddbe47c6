// Package identity allocates and validates immutable document identifiers.
//
// An identifier is "n-" followed by 8 lowercase hex digits. It is written
// into the document's own front matter, so the file, not the index, is the
// source of identity.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// Prefix is the fixed identifier prefix.
const Prefix = "n-"

// MaxAttempts bounds collision retries. With 2^32 candidates a workspace
// would need millions of documents before one retry becomes likely.
const MaxAttempts = 8

// ErrExhausted is returned when every attempt collided.
var ErrExhausted = errors.New("identity: no free identifier after retries")

// Generator produces identifier candidates.
type Generator func() (string, error)

// Random is the default Generator: 4 bytes from crypto/rand.
func Random() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("identity: read random: %w", err)
	}
	return Prefix + hex.EncodeToString(b[:]), nil
}

// Validate reports whether candidate is a well-formed identifier.
func Validate(candidate string) bool {
	if len(candidate) != len(Prefix)+8 || candidate[:len(Prefix)] != Prefix {
		return false
	}
	for _, c := range candidate[len(Prefix):] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// TakenFunc reports whether an identifier is already in use.
type TakenFunc func(ctx context.Context, id string) (bool, error)

// Allocator hands out identifiers that TakenFunc reports as free.
type Allocator struct {
	gen   Generator
	taken TakenFunc
}

// NewAllocator creates an allocator. A nil gen means Random.
func NewAllocator(taken TakenFunc, gen Generator) *Allocator {
	if gen == nil {
		gen = Random
	}
	return &Allocator{gen: gen, taken: taken}
}

// Allocate returns a previously unused identifier.
func (a *Allocator) Allocate(ctx context.Context) (string, error) {
	for range MaxAttempts {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		id, err := a.gen()
		if err != nil {
			return "", err
		}
		if !Validate(id) {
			return "", fmt.Errorf("identity: generator produced malformed id %q", id)
		}
		if a.taken == nil {
			return id, nil
		}
		used, err := a.taken(ctx, id)
		if err != nil {
			return "", fmt.Errorf("identity: collision check: %w", err)
		}
		if !used {
			return id, nil
		}
	}
	return "", ErrExhausted
}
