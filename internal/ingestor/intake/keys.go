package intake

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// KeyStore remembers which artifacts have been taken in. Implemented by pgkeyvalue.PGKeyValueStore.
type KeyStore interface {
	// AddKey returns false if key was already present.
	AddKey(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// MemKeyStore is a KeyStore for the standalone mode. Keys expire after lifespan.
type MemKeyStore struct {
	keys *cache.Cache
}

func NewMemKeyStore(lifespan time.Duration) *MemKeyStore {
	if lifespan <= 0 {
		lifespan = cache.NoExpiration
	}
	return &MemKeyStore{keys: cache.New(lifespan, 10*time.Minute)}
}

func (s *MemKeyStore) AddKey(_ context.Context, key string) (bool, error) {
	// Add fails if the key is present and not expired.
	return s.keys.Add(key, struct{}{}, cache.DefaultExpiration) == nil, nil
}

func (s *MemKeyStore) Delete(_ context.Context, key string) error {
	s.keys.Delete(key)
	return nil
}
