package kvstore

import "context"

// Repo persists string values under string keys.
// Get returns errors.ErrNotFound (internal/errors) when the key is absent.
type Repo interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}
