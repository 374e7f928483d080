package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"nyyu-stream/internal/models"
)

var (
	ErrInvalidRequest = errors.New("invalid history request")
	ErrInvalidSeries  = errors.New("invalid history series")
)

// Provider fetches a historical series for one symbol and interval covering
// the trailing period. Results are ordered oldest first.
type Provider interface {
	GetHistoricalSeries(ctx context.Context, symbol string, period, interval time.Duration) ([]models.Candle, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, symbol string, period, interval time.Duration) ([]models.Candle, error)

func (f ProviderFunc) GetHistoricalSeries(ctx context.Context, symbol string, period, interval time.Duration) ([]models.Candle, error) {
	return f(ctx, symbol, period, interval)
}

// window returns [start, end) for a lookback of period ending with the
// window that contains now.
func window(now time.Time, period, interval time.Duration) (time.Time, time.Time) {
	end := models.AlignOpenTime(now, interval).Add(interval)
	return end.Add(-period), end
}

func validateRequest(symbol string, period, interval time.Duration) error {
	switch {
	case symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrInvalidRequest)
	case interval < time.Millisecond:
		return fmt.Errorf("%w: interval %s", ErrInvalidRequest, interval)
	case period < interval:
		return fmt.Errorf("%w: period %s shorter than interval %s", ErrInvalidRequest, period, interval)
	}
	return nil
}

// finish sorts candles, marks every window that ended before now as closed
// and rejects candles that break OHLC bounds or alignment. Missing windows are
// left missing.
func finish(candles []models.Candle, now time.Time) ([]models.Candle, error) {
	sort.SliceStable(candles, func(i, j int) bool { return candles[i].OpenTime.Before(candles[j].OpenTime) })

	for i := range candles {
		c := &candles[i]
		if !c.Valid() {
			return nil, fmt.Errorf("%w: candle at %d violates ohlc bounds", ErrInvalidSeries, c.OpenTime.UnixMilli())
		}
		if !models.AlignOpenTime(c.OpenTime, c.Interval).Equal(c.OpenTime) {
			return nil, fmt.Errorf("%w: candle at %d not aligned to %s", ErrInvalidSeries, c.OpenTime.UnixMilli(), c.Interval)
		}
		if i > 0 && !c.OpenTime.After(candles[i-1].OpenTime) {
			return nil, fmt.Errorf("%w: duplicate open time %d", ErrInvalidSeries, c.OpenTime.UnixMilli())
		}
		c.IsClosed = !c.OpenTime.Add(c.Interval).After(now)
	}
	return candles, nil
}
