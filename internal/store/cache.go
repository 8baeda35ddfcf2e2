package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// APICache is the api_cache table exposed as a read-through ETag page cache
// for quota-sensitive listers. Expired rows read as misses and are reaped
// opportunistically on write.
type APICache struct {
	store *Store
}

// Cache returns the store's API page cache.
func (s *Store) Cache() *APICache { return &APICache{store: s} }

// Get returns the cached etag and payload for key, or ok=false on a miss or
// an expired row.
func (c *APICache) Get(ctx context.Context, key string) (etag string, payload []byte, ok bool, err error) {
	const q = `
		SELECT etag, payload
		FROM   api_cache
		WHERE  key = $1 AND expires_at > now()`

	err = c.store.pool.QueryRow(ctx, q, key).Scan(&etag, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, fmt.Errorf("store: cache get: %w", err)
	}
	return etag, payload, true, nil
}

// Put stores payload under key with its etag and expiry, replacing any prior
// row, and drops expired rows while it is here.
func (c *APICache) Put(ctx context.Context, key, etag string, payload []byte, expires time.Time) error {
	const q = `
		INSERT INTO api_cache (key, etag, payload, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
		    etag       = EXCLUDED.etag,
		    payload    = EXCLUDED.payload,
		    expires_at = EXCLUDED.expires_at`

	if _, err := c.store.pool.Exec(ctx, q, key, etag, payload, expires); err != nil {
		return fmt.Errorf("store: cache put: %w", err)
	}
	_, _ = c.store.pool.Exec(ctx, `DELETE FROM api_cache WHERE expires_at < now()`)
	return nil
}
