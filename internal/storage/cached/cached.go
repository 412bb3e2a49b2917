// Package cached decorates a storage.Storage with an in-process cache for
// the credential lookup on the ingestion hot path.
package cached

import (
	"context"
	"time"

	"github.com/bcnelson/hostbeat/internal/domain"
	"github.com/bcnelson/hostbeat/internal/storage"
	"github.com/patrickmn/go-cache"
)

const signingKeyPrefix = "signing_key_"

// Store caches host signing keys by host ID. Only immutable fields (tenant
// ID and signing secret) are cached, so entries never go stale; the TTL
// only bounds memory. All other calls pass through.
type Store struct {
	storage.Storage

	c *cache.Cache
}

// New wraps s. A non-positive ttl disables caching.
func New(s storage.Storage, ttl time.Duration) storage.Storage {
	if ttl <= 0 {
		return s
	}
	return &Store{
		Storage: s,
		c:       cache.New(ttl, 2*ttl),
	}
}

func (s *Store) GetHostSigningKey(ctx context.Context, hostID string) (*domain.HostSigningKey, error) {
	key := signingKeyPrefix + hostID
	if cached, found := s.c.Get(key); found {
		if k, ok := cached.(domain.HostSigningKey); ok {
			return &k, nil
		}
	}

	k, err := s.Storage.GetHostSigningKey(ctx, hostID)
	if err != nil {
		return nil, err
	}

	s.c.Set(key, *k, cache.DefaultExpiration)

	return k, nil
}

// ItemCount returns the number of cached entries.
func (s *Store) ItemCount() int {
	return s.c.ItemCount()
}
