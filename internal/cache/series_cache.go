package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"nyyu-stream/internal/metrics"
	"nyyu-stream/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// ErrMiss is returned when a key is not cached.
var ErrMiss = errors.New("cache miss")

// SeriesCache stores historical candle series in Redis, keyed by symbol,
// interval and lookback period.
type SeriesCache struct {
	client *redis.Client
	logger *logrus.Logger
	prefix string
}

func NewSeriesCache(client *redis.Client, prefix string, logger *logrus.Logger) *SeriesCache {
	return &SeriesCache{
		client: client,
		logger: logger,
		prefix: prefix,
	}
}

// SeriesKey builds the cache key for one history request.
func (c *SeriesCache) SeriesKey(symbol string, interval, period time.Duration) string {
	return fmt.Sprintf("%s:history:%s:%d:%d", c.prefix, symbol, interval.Milliseconds(), period.Milliseconds())
}

// Set caches a series
func (c *SeriesCache) Set(ctx context.Context, key string, candles []models.Candle, ttl time.Duration) error {
	data, err := json.Marshal(candles)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, key, data, ttl).Err()
}

// Get retrieves a cached series. A missing key returns ErrMiss.
func (c *SeriesCache) Get(ctx context.Context, key string) ([]models.Candle, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.RecordCacheAccess("history", false)
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}

	var candles []models.Candle
	if err := json.Unmarshal(data, &candles); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("Dropping undecodable cached series")
		_ = c.client.Del(ctx, key).Err()
		metrics.RecordCacheAccess("history", false)
		return nil, ErrMiss
	}

	metrics.RecordCacheAccess("history", true)
	return candles, nil
}

// Delete removes from cache
func (c *SeriesCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
