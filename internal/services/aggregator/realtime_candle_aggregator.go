package aggregator

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"nyyu-stream/internal/metrics"
	"nyyu-stream/internal/models"
)

// RealtimeCandleAggregator turns ticks into OHLC candles, one in-progress
// slot per (symbol, interval). A slot is never mutated in place: every tick
// installs a fresh candle value, so a candle handed out in an event is never
// changed afterwards.
//
// Windows are epoch-aligned. Ticks older than the current window are dropped
// and missing windows are not synthesized.
type RealtimeCandleAggregator struct {
	logger *logrus.Logger

	mu    sync.Mutex
	slots map[models.StreamKey]*models.Candle

	quotes *QuoteBook

	// Statistics
	updateCount int64
	closedCount int64
	staleCount  int64
}

// NewRealtimeCandleAggregator creates an aggregator with no open slots.
func NewRealtimeCandleAggregator(logger *logrus.Logger) *RealtimeCandleAggregator {
	return &RealtimeCandleAggregator{
		logger: logger,
		slots:  make(map[models.StreamKey]*models.Candle),
		quotes: NewQuoteBook(),
	}
}

// Quotes returns the latest-quote book fed by ProcessTick.
func (a *RealtimeCandleAggregator) Quotes() *QuoteBook {
	return a.quotes
}

// ProcessTick updates the quote book and then applies the tick to each of the
// given intervals. Events are returned in order, a Closed event always before
// the Updated event of the window that replaced it.
func (a *RealtimeCandleAggregator) ProcessTick(tick models.Tick, intervals []time.Duration) []models.CandleEvent {
	a.quotes.Update(tick)

	var events []models.CandleEvent
	for _, iv := range intervals {
		evs, err := a.Apply(models.StreamKey{Symbol: tick.Symbol, Interval: iv}, tick)
		if err != nil {
			a.logger.WithError(err).Debug("Dropped tick")
			continue
		}
		events = append(events, evs...)
	}
	return events
}

// Apply folds one tick into the slot for key.
//
// A tick in a later window closes the current candle and opens a new one with
// open=high=low=close=price. A tick in the current window extends high/low,
// sets close and adds its size (zero when absent) to volume. A tick in an
// earlier window is rejected with a stale-data error.
func (a *RealtimeCandleAggregator) Apply(key models.StreamKey, tick models.Tick) ([]models.CandleEvent, error) {
	openTime := models.AlignOpenTime(tick.Timestamp, key.Interval)
	size := decimal.Zero
	if tick.Size.Valid {
		size = tick.Size.Decimal
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	cur := a.slots[key]
	switch {
	case cur != nil && openTime.Before(cur.OpenTime):
		atomic.AddInt64(&a.staleCount, 1)
		metrics.StaleDrops.WithLabelValues("aggregator").Inc()
		return nil, models.NewStaleError(key, fmt.Errorf("tick at %d precedes window %d",
			tick.Timestamp.UnixMilli(), cur.OpenTime.UnixMilli()))

	case cur != nil && openTime.Equal(cur.OpenTime):
		next := *cur
		if tick.Price.GreaterThan(next.High) {
			next.High = tick.Price
		}
		if tick.Price.LessThan(next.Low) {
			next.Low = tick.Price
		}
		next.Close = tick.Price
		next.Volume = next.Volume.Add(size)
		next.TradeCount++
		a.slots[key] = &next

		atomic.AddInt64(&a.updateCount, 1)
		metrics.TrackCandleEvent(models.EventUpdated.String())
		return []models.CandleEvent{{Kind: models.EventUpdated, Candle: next}}, nil
	}

	events := make([]models.CandleEvent, 0, 2)
	if cur != nil {
		closed := *cur
		closed.IsClosed = true
		events = append(events, models.CandleEvent{Kind: models.EventClosed, Candle: closed})
		atomic.AddInt64(&a.closedCount, 1)
		metrics.TrackCandleEvent(models.EventClosed.String())
	}

	next := &models.Candle{
		Symbol:     key.Symbol,
		Interval:   key.Interval,
		OpenTime:   openTime,
		Open:       tick.Price,
		High:       tick.Price,
		Low:        tick.Price,
		Close:      tick.Price,
		Volume:     size,
		TradeCount: 1,
	}
	a.slots[key] = next
	events = append(events, models.CandleEvent{Kind: models.EventUpdated, Candle: *next})

	atomic.AddInt64(&a.updateCount, 1)
	metrics.TrackCandleEvent(models.EventUpdated.String())
	return events, nil
}

// Current returns the in-progress candle for key.
func (a *RealtimeCandleAggregator) Current(key models.StreamKey) (models.Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.slots[key]; ok {
		return *c, true
	}
	return models.Candle{}, false
}

// Drop forgets the slot for key. It is called once a key loses its last
// consumer; a later subscription starts from a fresh window.
func (a *RealtimeCandleAggregator) Drop(key models.StreamKey) {
	a.mu.Lock()
	delete(a.slots, key)
	a.mu.Unlock()
}

// GetStats returns aggregator statistics
func (a *RealtimeCandleAggregator) GetStats() map[string]interface{} {
	a.mu.Lock()
	open := len(a.slots)
	a.mu.Unlock()

	return map[string]interface{}{
		"open_slots":  open,
		"updates":     atomic.LoadInt64(&a.updateCount),
		"closed":      atomic.LoadInt64(&a.closedCount),
		"stale_drops": atomic.LoadInt64(&a.staleCount),
		"quoted":      a.quotes.Len(),
	}
}
