package kv

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by Get for an absent key. Callers that treat
// absence as a normal condition should check for it with errors.Is.
var ErrKeyNotFound = errors.New("kv: key not found")

// Store is a flat key-value namespace with ordered prefix listing.
//
// ListByPrefix returns keys in ascending lexicographic order, capped at
// min(limit, Ceiling()). Keys beyond the ceiling are not reachable through
// a single call; callers paging past it see a truncated view.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	ListByPrefix(ctx context.Context, prefix string, limit int) ([]string, error)
	Ceiling() int
}
