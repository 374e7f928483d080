package history

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"nyyu-stream/internal/metrics"
	"nyyu-stream/internal/models"
)

// CandleReader is the read side of the candle repository.
type CandleReader interface {
	GetCandles(ctx context.Context, symbol string, interval time.Duration, start, end time.Time, limit int) ([]models.Candle, error)
}

// StoreProvider serves history from candles recorded in ClickHouse.
type StoreProvider struct {
	reader CandleReader
	logger *logrus.Logger
	now    func() time.Time
}

func NewStoreProvider(reader CandleReader, logger *logrus.Logger) *StoreProvider {
	return &StoreProvider{reader: reader, logger: logger, now: time.Now}
}

func (p *StoreProvider) GetHistoricalSeries(ctx context.Context, symbol string, period, interval time.Duration) ([]models.Candle, error) {
	if err := validateRequest(symbol, period, interval); err != nil {
		return nil, err
	}
	defer metrics.TrackLatency(time.Now(), metrics.HistoryLatency.WithLabelValues("clickhouse"))

	now := p.now()
	start, end := window(now, period, interval)
	candles, err := p.reader.GetCandles(ctx, symbol, interval, start, end, 0)
	if err != nil {
		metrics.HistoryRequests.WithLabelValues("clickhouse", "error").Inc()
		return nil, err
	}

	out, err := finish(candles, now)
	if err != nil {
		metrics.HistoryRequests.WithLabelValues("clickhouse", "invalid").Inc()
		return nil, err
	}
	metrics.HistoryRequests.WithLabelValues("clickhouse", "ok").Inc()
	return out, nil
}
