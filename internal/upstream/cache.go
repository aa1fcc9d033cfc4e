package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/candlevault/candlevault/internal/config"
	"github.com/candlevault/candlevault/internal/models"
)

// ResponseCache memoizes candle responses in Redis so a re-run over an
// already-fetched window does not spend provider quota. Cache hits bypass
// the rate limiter. A nil *ResponseCache is a valid no-op cache.
type ResponseCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewResponseCache connects to Redis per cfg. An empty Addr disables
// caching and returns nil.
func NewResponseCache(cfg config.RedisConfig, ttl time.Duration) *ResponseCache {
	if cfg.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &ResponseCache{client: client, ttl: ttl}
}

func newResponseCacheWithClient(client *redis.Client, ttl time.Duration) *ResponseCache {
	return &ResponseCache{client: client, ttl: ttl}
}

func candleCacheKey(symbol string, class models.AssetClass, tf models.Timeframe, rng models.DateRange, adjusted bool) string {
	return fmt.Sprintf("mf:candles:%s:%s:%s:%d:%d:%t",
		class, symbol, tf, rng.Start.Unix(), rng.End.Unix(), adjusted)
}

// Get returns the cached candle batch, or ok=false on miss. Redis failures
// degrade to a miss; the cache is never load-bearing.
func (c *ResponseCache) Get(ctx context.Context, key string) ([]models.RawCandle, bool) {
	if c == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Msg("response cache read failed")
		}
		return nil, false
	}
	var out []models.RawCandle
	if err := json.Unmarshal(data, &out); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("response cache entry corrupt, dropping")
		c.client.Del(ctx, key)
		return nil, false
	}
	return out, true
}

// Put stores the candle batch under key with the configured TTL.
func (c *ResponseCache) Put(ctx context.Context, key string, candles []models.RawCandle) {
	if c == nil {
		return
	}
	data, err := json.Marshal(candles)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("response cache write failed")
	}
}

// Close releases the Redis connection.
func (c *ResponseCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
