// Package cache provides a small read-through cache for movement
// ledger queries. The ledger itself is append-only and authoritative;
// cached pages may lag writes by up to the configured TTL.
package cache

import (
	"context"
	"time"

	"github.com/KhalanHappiness/Point-Of-Sale/internal/domain"
)

// MovementCache caches rendered movement pages keyed by filter.
type MovementCache interface {
	Get(ctx context.Context, key string) (*domain.MovementListResponse, bool)
	Set(ctx context.Context, key string, page *domain.MovementListResponse, ttl time.Duration)
}

// Noop satisfies MovementCache without storing anything. It is the
// default when no Redis address is configured.
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (*Noop) Get(context.Context, string) (*domain.MovementListResponse, bool) {
	return nil, false
}

func (*Noop) Set(context.Context, string, *domain.MovementListResponse, time.Duration) {}
