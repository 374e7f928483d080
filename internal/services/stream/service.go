package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"nyyu-stream/internal/connection"
	"nyyu-stream/internal/metrics"
	"nyyu-stream/internal/models"
	"nyyu-stream/internal/services/aggregator"
	"nyyu-stream/internal/services/history"
	"nyyu-stream/internal/services/subscription"
)

var ErrNoHistory = errors.New("no history provider configured")

// Upstream is the single shared market-data link. connection.Manager
// implements it.
type Upstream interface {
	Connect(ctx context.Context) error
	Disconnect()
	Send(frame connection.OutboundFrame) error
	State() models.ConnectionState
	OnConnectionChange(h func(models.ConnectionEvent)) func()
	SetTickHandler(h connection.TickHandler)
}

// Service is the consumer-facing API of the streaming core. It owns the
// registry and the aggregator and feeds upstream ticks through them.
type Service struct {
	upstream   Upstream
	registry   *subscription.Registry
	aggregator *aggregator.RealtimeCandleAggregator
	history    history.Provider
	logger     *logrus.Logger

	detach func()

	quoteMu    sync.RWMutex
	quoteHooks []func(models.Quote)
}

// NewService wires the registry and aggregator to upstream. hist may be nil,
// in which case charts run live only.
func NewService(upstream Upstream, hist history.Provider, maxSymbolsPerFrame int, logger *logrus.Logger) *Service {
	s := &Service{
		upstream:   upstream,
		registry:   subscription.NewRegistry(upstream, maxSymbolsPerFrame, logger),
		aggregator: aggregator.NewRealtimeCandleAggregator(logger),
		history:    hist,
		logger:     logger,
	}
	s.registry.OnRelease(s.aggregator.Drop)
	s.detach = s.registry.Attach(upstream)
	upstream.SetTickHandler(s.handleTick)
	return s
}

// Connect opens the upstream link. It is a no-op while a link is already up
// or being established.
func (s *Service) Connect(ctx context.Context) error {
	return s.upstream.Connect(ctx)
}

// Close stops replaying subscriptions and closes the upstream link for good.
func (s *Service) Close() {
	s.detach()
	s.upstream.Disconnect()
}

// Subscribe registers callbacks for (symbol, interval). Either callback may be
// nil. The returned handle is passed to Unsubscribe.
func (s *Service) Subscribe(symbol string, interval time.Duration, onClosed, onUpdated func(models.Candle)) (subscription.Handle, error) {
	return s.registry.AddInterest(symbol, interval, subscription.ConsumerFunc(func(ev models.CandleEvent) {
		switch ev.Kind {
		case models.EventClosed:
			if onClosed != nil {
				onClosed(ev.Candle)
			}
		case models.EventUpdated:
			if onUpdated != nil {
				onUpdated(ev.Candle)
			}
		}
	}))
}

// AddConsumer registers a typed consumer for (symbol, interval).
func (s *Service) AddConsumer(symbol string, interval time.Duration, c subscription.Consumer) (subscription.Handle, error) {
	return s.registry.AddInterest(symbol, interval, c)
}

// Unsubscribe releases h. It never blocks on the upstream link and is safe to
// call more than once.
func (s *Service) Unsubscribe(h subscription.Handle) bool {
	return s.registry.RemoveInterest(h)
}

func (s *Service) ConnectionStatus() models.ConnectionState {
	return s.upstream.State()
}

// OnConnectionChange registers h for every connection state change. The
// returned function unregisters it.
func (s *Service) OnConnectionChange(h func(models.ConnectionEvent)) func() {
	return s.upstream.OnConnectionChange(h)
}

// OnQuote registers fn for every quote update. Hooks run on the tick path and
// must not block.
func (s *Service) OnQuote(fn func(models.Quote)) {
	s.quoteMu.Lock()
	s.quoteHooks = append(s.quoteHooks, fn)
	s.quoteMu.Unlock()
}

func (s *Service) LatestQuote(symbol string) (models.Quote, bool) {
	return s.aggregator.Quotes().Get(symbol)
}

func (s *Service) Quotes() []models.Quote {
	return s.aggregator.Quotes().All()
}

// CurrentCandle returns the in-progress candle for key, if any.
func (s *Service) CurrentCandle(key models.StreamKey) (models.Candle, bool) {
	return s.aggregator.Current(key)
}

// Keys lists the active (symbol, interval) subscriptions.
func (s *Service) Keys() []models.StreamKey {
	return s.registry.Keys()
}

// GetStats returns service statistics
func (s *Service) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"connection":    s.upstream.State().String(),
		"subscriptions": len(s.registry.Keys()),
		"aggregator":    s.aggregator.GetStats(),
	}
}

// handleTick runs on the upstream read loop, the only writer of candle state.
func (s *Service) handleTick(tick models.Tick, receivedAt time.Time) {
	metrics.TrackTick(receivedAt)

	events := s.aggregator.ProcessTick(tick, s.registry.IntervalsFor(tick.Symbol))
	for _, ev := range events {
		s.registry.Dispatch(ev)
	}

	s.quoteMu.RLock()
	hooks := s.quoteHooks
	s.quoteMu.RUnlock()
	if len(hooks) == 0 {
		return
	}
	q, ok := s.aggregator.Quotes().Get(tick.Symbol)
	if !ok {
		return
	}
	for _, fn := range hooks {
		s.runQuoteHook(fn, q)
	}
}

// runQuoteHook isolates a failing hook so the read loop and the remaining
// hooks keep running.
func (s *Service) runQuoteHook(fn func(models.Quote), q models.Quote) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.CallbackErrors.Inc()
			s.logger.WithField("symbol", q.Symbol).
				WithError(models.NewCallbackError(models.StreamKey{Symbol: q.Symbol}, rec)).
				Error("Quote hook failed")
		}
	}()
	fn(q)
}
