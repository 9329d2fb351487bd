// Package cache provides a read-through cache for completed sales keyed by
// idempotency key. The ledger in Postgres stays authoritative; a cache miss
// only costs one extra query.
package cache

import (
	"context"
	"time"

	"tokocabang/backend/internal/domain"
)

type SaleCache interface {
	Get(ctx context.Context, key string) (*domain.Sale, bool, error)
	Set(ctx context.Context, key string, sale *domain.Sale, ttl time.Duration) error
}

type NoopSaleCache struct{}

func (NoopSaleCache) Get(_ context.Context, _ string) (*domain.Sale, bool, error) {
	return nil, false, nil
}

func (NoopSaleCache) Set(_ context.Context, _ string, _ *domain.Sale, _ time.Duration) error {
	return nil
}
