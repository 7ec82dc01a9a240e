// Package kvstore is the durable key/value layer every offline component persists through.
// Components own disjoint key namespaces, so no locking beyond the store's own is needed.
package kvstore

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrEmptyKey indicates that a key was blank.
	ErrEmptyKey = errors.New("kvstore: key required")
)

// Store is a string key/value store with prefix enumeration.
type Store interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// Remove deletes the key; removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
	// Keys lists keys starting with prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

func normalizeKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", ErrEmptyKey
	}
	return trimmed, nil
}
