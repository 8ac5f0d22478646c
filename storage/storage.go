// Package storage defines the key-value backend the merge engine keeps its
// per-boat entries in. Implementations live in memstore and kvstore.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/anqori/anchorwatch/errors"
)

// KeyPrefix starts every entry key.
const KeyPrefix = "am_v1"

// Entry kinds.
const (
	KindState  = "state"
	KindConfig = "config"
	KindTracks = "tracks"
)

// ErrSkipWrite returned from an UpdateFunc ends Update successfully without
// writing.
var ErrSkipWrite = errors.New("storage: skip write")

// UpdateFunc maps the current value (nil when missing) to the new one.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is a byte-valued key-value store with atomic read-modify-write.
// Implementations are safe for concurrent use.
type Store interface {
	// Get returns errors.ErrKeyNotFound when key is missing.
	Get(ctx context.Context, key string) ([]byte, error)

	// Update runs fn against the current value and stores the result so
	// that no concurrent write to key is lost. Errors from fn are returned
	// unchanged, except ErrSkipWrite.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	// List returns the keys starting with prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, key string) error

	// Backend names the implementation: "memory" or "kv".
	Backend() string
}

// Key builds the entry key for kind and boatID. Bytes outside the NATS key
// alphabet, plus '.' and '=', are written as =XX.
func Key(kind, boatID string) string {
	var b strings.Builder
	b.Grow(len(KeyPrefix) + len(kind) + len(boatID) + 2)
	b.WriteString(KeyPrefix)
	b.WriteByte('.')
	b.WriteString(kind)
	b.WriteByte('.')
	for i := 0; i < len(boatID); i++ {
		c := boatID[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '/':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "=%02X", c)
		}
	}
	return b.String()
}
