package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"nyyu-stream/internal/metrics"
	"nyyu-stream/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// QuoteCache keeps the latest quote per symbol in Redis so other processes
// can render list rows without subscribing.
type QuoteCache struct {
	client *redis.Client
	logger *logrus.Logger
	prefix string
	ttl    time.Duration
}

func NewQuoteCache(client *redis.Client, prefix string, ttl time.Duration, logger *logrus.Logger) *QuoteCache {
	return &QuoteCache{
		client: client,
		logger: logger,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (c *QuoteCache) key(symbol string) string {
	return c.prefix + ":quote:" + symbol
}

// SetQuote caches the quote under its symbol
func (c *QuoteCache) SetQuote(ctx context.Context, q models.Quote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, c.key(q.Symbol), data, c.ttl).Err()
}

// GetQuote retrieves a cached quote. A missing key returns ErrMiss.
func (c *QuoteCache) GetQuote(ctx context.Context, symbol string) (models.Quote, error) {
	data, err := c.client.Get(ctx, c.key(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.RecordCacheAccess("quote", false)
		return models.Quote{}, ErrMiss
	}
	if err != nil {
		return models.Quote{}, err
	}

	var q models.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return models.Quote{}, err
	}

	metrics.RecordCacheAccess("quote", true)
	return q, nil
}

// Delete removes the cached quote for symbol
func (c *QuoteCache) Delete(ctx context.Context, symbol string) error {
	return c.client.Del(ctx, c.key(symbol)).Err()
}
