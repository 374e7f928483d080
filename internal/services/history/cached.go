package history

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"nyyu-stream/internal/cache"
	"nyyu-stream/internal/models"
)

// CachedProvider serves repeated requests from Redis for ttl, capped at the
// requested interval so a cached series never ends more than one window
// before the live stream. Redis failures fall through to the wrapped provider.
type CachedProvider struct {
	next   Provider
	cache  *cache.SeriesCache
	ttl    time.Duration
	logger *logrus.Logger
}

func NewCachedProvider(next Provider, c *cache.SeriesCache, ttl time.Duration, logger *logrus.Logger) *CachedProvider {
	return &CachedProvider{next: next, cache: c, ttl: ttl, logger: logger}
}

func (p *CachedProvider) GetHistoricalSeries(ctx context.Context, symbol string, period, interval time.Duration) ([]models.Candle, error) {
	key := p.cache.SeriesKey(symbol, interval, period)

	candles, err := p.cache.Get(ctx, key)
	if err == nil {
		return candles, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		p.logger.WithError(err).WithField("key", key).Warn("History cache read failed")
	}

	candles, err = p.next.GetHistoricalSeries(ctx, symbol, period, interval)
	if err != nil {
		return nil, err
	}

	if ttl := min(p.ttl, interval); ttl > 0 {
		if err := p.cache.Set(ctx, key, candles, ttl); err != nil {
			p.logger.WithError(err).WithField("key", key).Warn("History cache write failed")
		}
	}
	return candles, nil
}
