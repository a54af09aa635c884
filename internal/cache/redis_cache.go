package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/KhalanHappiness/Point-Of-Sale/internal/domain"
)

// Redis stores movement pages as JSON blobs with a short TTL.
// Cache errors are logged and treated as misses so the store stays
// the source of truth.
type Redis struct {
	client *redis.Client
	log    *zap.SugaredLogger
}

func NewRedis(addr, password string, db int, log *zap.SugaredLogger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Redis{client: client, log: log}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (*domain.MovementListResponse, bool) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.log.Warnw("movement cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	var page domain.MovementListResponse
	if err := json.Unmarshal(raw, &page); err != nil {
		r.log.Warnw("movement cache entry corrupt", "key", key, "error", err)
		return nil, false
	}
	return &page, true
}

func (r *Redis) Set(ctx context.Context, key string, page *domain.MovementListResponse, ttl time.Duration) {
	raw, err := json.Marshal(page)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		r.log.Warnw("movement cache write failed", "key", key, "error", err)
	}
}

func (r *Redis) Close() error { return r.client.Close() }
