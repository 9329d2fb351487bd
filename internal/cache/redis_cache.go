package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"tokocabang/backend/internal/domain"
)

type RedisSaleCache struct {
	client *redis.Client
}

func NewRedisSaleCache(addr string, password string, db int) *RedisSaleCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisSaleCache{client: client}
}

func (c *RedisSaleCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSaleCache) Close() error {
	return c.client.Close()
}

func (c *RedisSaleCache) Get(ctx context.Context, key string) (*domain.Sale, bool, error) {
	val, err := c.client.Get(ctx, saleKey(key)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var sale domain.Sale
	if err := json.Unmarshal([]byte(val), &sale); err != nil {
		return nil, false, err
	}
	return &sale, true, nil
}

func (c *RedisSaleCache) Set(ctx context.Context, key string, sale *domain.Sale, ttl time.Duration) error {
	if sale == nil {
		return nil
	}
	payload, err := json.Marshal(sale)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, saleKey(key), payload, ttl).Err()
}

func saleKey(idempotencyKey string) string {
	return "sale:idem:" + idempotencyKey
}
