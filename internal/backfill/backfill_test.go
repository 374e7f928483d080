package backfill

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nyyu-stream/internal/models"
	"nyyu-stream/internal/services/history"
)

type memWriter struct {
	mu      sync.Mutex
	written map[models.StreamKey]int
}

func (w *memWriter) InsertCandles(_ context.Context, source string, candles []models.Candle) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range candles {
		if source != "backfill" || !c.IsClosed {
			return errors.New("unexpected candle")
		}
		w.written[c.Key()]++
	}
	return nil
}

func series(symbol string, interval time.Duration, closed, open int) []models.Candle {
	p := decimal.NewFromInt(1)
	var out []models.Candle
	for i := 0; i < closed+open; i++ {
		out = append(out, models.Candle{
			Symbol: symbol, Interval: interval,
			OpenTime: time.UnixMilli(int64(i) * interval.Milliseconds()).UTC(),
			Open:     p, High: p, Low: p, Close: p,
			IsClosed: i < closed,
		})
	}
	return out
}

func TestBackfiller_Run(t *testing.T) {
	provider := history.ProviderFunc(func(_ context.Context, symbol string, _, interval time.Duration) ([]models.Candle, error) {
		switch symbol {
		case "FAIL":
			return nil, errors.New("not found")
		case "EMPTY":
			return series(symbol, interval, 0, 1), nil
		}
		return series(symbol, interval, 3, 1), nil
	})
	w := &memWriter{written: make(map[models.StreamKey]int)}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	b := New(provider, w, logger)
	b.SetProgressOutput(io.Discard)

	sum, err := b.Run(context.Background(), &Job{
		Symbols:   []string{"AAPL", "MSFT", "FAIL", "EMPTY"},
		Intervals: []time.Duration{time.Minute, time.Hour},
		Period:    24 * time.Hour,
		Workers:   3,
	})
	require.Error(t, err)

	assert.Equal(t, Summary{Tasks: 8, Succeeded: 4, Skipped: 2, Failed: 2, Candles: 12}, sum)
	assert.Equal(t, 3, w.written[models.StreamKey{Symbol: "AAPL", Interval: time.Minute}])
	assert.Equal(t, 3, w.written[models.StreamKey{Symbol: "MSFT", Interval: time.Hour}])
	assert.Len(t, w.written, 4)
}
