package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/Izu99/rice-app/internal/domain"
)

type RedisStockSummaryCache struct {
	client *redis.Client
}

func NewRedisStockSummaryCache(addr string, password string, db int) *RedisStockSummaryCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisStockSummaryCache{client: client}
}

func (c *RedisStockSummaryCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisStockSummaryCache) Close() error {
	return c.client.Close()
}

func summaryKey(companyID string) string {
	return "stock-summary:" + companyID
}

func (c *RedisStockSummaryCache) Get(ctx context.Context, companyID string) (*domain.StockSummary, bool, error) {
	val, err := c.client.Get(ctx, summaryKey(companyID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var summary domain.StockSummary
	if err := json.Unmarshal([]byte(val), &summary); err != nil {
		return nil, false, err
	}
	return &summary, true, nil
}

func (c *RedisStockSummaryCache) Set(ctx context.Context, companyID string, summary *domain.StockSummary, ttl time.Duration) error {
	if summary == nil {
		return nil
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, summaryKey(companyID), payload, ttl).Err()
}

func (c *RedisStockSummaryCache) Invalidate(ctx context.Context, companyID string) error {
	return c.client.Del(ctx, summaryKey(companyID)).Err()
}
