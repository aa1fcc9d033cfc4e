package upstream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlevault/candlevault/internal/config"
	"github.com/candlevault/candlevault/internal/models"
)

func cachedBatch() []models.RawCandle {
	return []models.RawCandle{{
		Symbol:    "AAPL",
		Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Open:      100, High: 101, Low: 99, Close: 100.5,
		Volume:    1000,
	}}
}

func TestResponseCache_HitAndMiss(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cache := newResponseCacheWithClient(client, 15*time.Minute)

	rng := models.DateRange{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	}
	key := candleCacheKey("AAPL", models.AssetStock, models.Timeframe1d, rng, false)
	payload, err := json.Marshal(cachedBatch())
	require.NoError(t, err)

	mock.ExpectGet(key).RedisNil()
	_, ok := cache.Get(context.Background(), key)
	assert.False(t, ok)

	mock.ExpectGet(key).SetVal(string(payload))
	got, ok := cache.Get(context.Background(), key)
	assert.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "AAPL", got[0].Symbol)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResponseCache_PutStoresWithTTL(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cache := newResponseCacheWithClient(client, 15*time.Minute)

	key := "mf:candles:stock:AAPL:1d:0:0:false"
	payload, err := json.Marshal(cachedBatch())
	require.NoError(t, err)

	mock.ExpectSet(key, payload, 15*time.Minute).SetVal("OK")
	cache.Put(context.Background(), key, cachedBatch())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResponseCache_CorruptEntryDropped(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cache := newResponseCacheWithClient(client, time.Minute)

	key := "mf:candles:stock:AAPL:1d:0:0:false"
	mock.ExpectGet(key).SetVal("not json")
	mock.ExpectDel(key).SetVal(1)

	_, ok := cache.Get(context.Background(), key)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResponseCache_NilCacheIsNoop(t *testing.T) {
	var cache *ResponseCache

	_, ok := cache.Get(context.Background(), "any")
	assert.False(t, ok)
	cache.Put(context.Background(), "any", cachedBatch())
	assert.NoError(t, cache.Close())
}

func TestNewResponseCache_DisabledWithoutAddr(t *testing.T) {
	assert.Nil(t, NewResponseCache(config.RedisConfig{}, time.Minute))
	assert.NotNil(t, NewResponseCache(config.RedisConfig{Addr: "localhost:6379"}, time.Minute))
}
