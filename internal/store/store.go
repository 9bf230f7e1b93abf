// Package store persists per-plugin key/value state.
//
// Every operation is scoped to a plugin identity; one plugin can never name
// another's keys. Values are JSON-shaped: nil, bool, numbers, strings,
// []any, and map[string]any.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/dshills/warden/internal/plugin/manifest"
)

// Store errors.
var (
	ErrInvalidKey = errors.New("store: invalid key")
	ErrClosed     = errors.New("store: closed")
)

// Store holds plugin state.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, owner manifest.IdentityHash, key string) (value any, ok bool, err error)

	// Set stores value under key.
	Set(ctx context.Context, owner manifest.IdentityHash, key string, value any) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, owner manifest.IdentityHash, key string) error

	// Keys returns the owner's keys, sorted.
	Keys(ctx context.Context, owner manifest.IdentityHash) ([]string, error)

	// Close releases resources.
	Close() error
}

var keyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_\-]{0,127}$`)

// ValidateKey checks that a key is usable by every store.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
