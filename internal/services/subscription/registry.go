package subscription

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"nyyu-stream/internal/connection"
	"nyyu-stream/internal/metrics"
	"nyyu-stream/internal/models"
)

var ErrInvalidInterest = errors.New("invalid interest")

const defaultMaxSymbolsPerFrame = 50

// Sender is the outbound side of the upstream link.
type Sender interface {
	Send(frame connection.OutboundFrame) error
}

// ConnectionNotifier publishes connection state changes.
type ConnectionNotifier interface {
	OnConnectionChange(h func(models.ConnectionEvent)) func()
}

// Consumer receives candle events for the keys it registered interest in.
type Consumer interface {
	OnCandle(ev models.CandleEvent)
}

// ConsumerFunc adapts a plain function to Consumer.
type ConsumerFunc func(ev models.CandleEvent)

func (f ConsumerFunc) OnCandle(ev models.CandleEvent) { f(ev) }

// Handle identifies one registered interest. The zero Handle is never issued.
type Handle struct {
	id  uuid.UUID
	key models.StreamKey
}

func (h Handle) Key() models.StreamKey { return h.key }
func (h Handle) IsZero() bool          { return h.id == uuid.Nil }
func (h Handle) String() string        { return h.key.String() + "/" + h.id.String() }

type entry struct {
	id       uuid.UUID
	consumer Consumer
}

// subscription is one upstream (symbol, interval) stream. Its reference count
// is the number of entries.
type subscription struct {
	key       models.StreamKey
	consumers []entry
}

func (s *subscription) find(id uuid.UUID) int {
	for i, e := range s.consumers {
		if e.id == id {
			return i
		}
	}
	return -1
}

// Registry reference-counts consumer interest and keeps the upstream
// subscription set in step with it. Upstream frames are sent while holding the
// registry lock, so interest changes and the reconnect replay are serialized.
type Registry struct {
	sender      Sender
	logger      *logrus.Logger
	maxPerFrame int

	mu       sync.Mutex
	subs     map[models.StreamKey]*subscription
	bySymbol map[string]map[time.Duration]struct{}
	released []func(models.StreamKey)
}

// NewRegistry creates an empty registry. maxPerFrame bounds the number of
// symbols in a replayed subscribe frame; zero selects the default.
func NewRegistry(sender Sender, maxPerFrame int, logger *logrus.Logger) *Registry {
	if maxPerFrame <= 0 {
		maxPerFrame = defaultMaxSymbolsPerFrame
	}
	return &Registry{
		sender:      sender,
		logger:      logger,
		maxPerFrame: maxPerFrame,
		subs:        make(map[models.StreamKey]*subscription),
		bySymbol:    make(map[string]map[time.Duration]struct{}),
	}
}

// Attach makes the registry replay its interest set on every Connected event.
// The returned function detaches it.
func (r *Registry) Attach(n ConnectionNotifier) func() {
	return n.OnConnectionChange(func(ev models.ConnectionEvent) {
		if ev.State == models.StateConnected {
			r.Replay()
		}
	})
}

// OnRelease registers fn to run after the last consumer of a key is removed.
func (r *Registry) OnRelease(fn func(models.StreamKey)) {
	r.mu.Lock()
	r.released = append(r.released, fn)
	r.mu.Unlock()
}

// AddInterest registers consumer for (symbol, interval). Only the first
// interest in a key subscribes upstream.
func (r *Registry) AddInterest(symbol string, interval time.Duration, consumer Consumer) (Handle, error) {
	if symbol == "" || interval <= 0 || consumer == nil {
		return Handle{}, ErrInvalidInterest
	}

	key := models.StreamKey{Symbol: symbol, Interval: interval}
	h := Handle{id: uuid.New(), key: key}

	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[key]
	if !ok {
		sub = &subscription{key: key}
		r.subs[key] = sub
		if r.bySymbol[symbol] == nil {
			r.bySymbol[symbol] = make(map[time.Duration]struct{})
		}
		r.bySymbol[symbol][interval] = struct{}{}

		metrics.TotalSubscriptions.Inc()
		metrics.ActiveSubscriptions.Set(float64(len(r.subs)))
		r.send(connection.SubscribeFrame(interval, symbol))
		r.logger.WithField("key", key.String()).Info("Subscribed upstream")
	}
	sub.consumers = append(sub.consumers, entry{id: h.id, consumer: consumer})
	metrics.ActiveConsumers.Inc()

	return h, nil
}

// RemoveInterest drops the interest behind h. It reports whether anything was
// removed; removing an unknown or already removed handle is a no-op. When the
// last consumer of a key goes, the key is unsubscribed upstream.
func (r *Registry) RemoveInterest(h Handle) bool {
	if h.IsZero() {
		return false
	}

	r.mu.Lock()
	sub, ok := r.subs[h.key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	i := sub.find(h.id)
	if i < 0 {
		r.mu.Unlock()
		return false
	}
	sub.consumers = append(sub.consumers[:i:i], sub.consumers[i+1:]...)
	metrics.ActiveConsumers.Dec()

	if len(sub.consumers) > 0 {
		r.mu.Unlock()
		return true
	}

	delete(r.subs, h.key)
	if ivs := r.bySymbol[h.key.Symbol]; ivs != nil {
		delete(ivs, h.key.Interval)
		if len(ivs) == 0 {
			delete(r.bySymbol, h.key.Symbol)
		}
	}
	metrics.ActiveSubscriptions.Set(float64(len(r.subs)))
	r.send(connection.UnsubscribeFrame(h.key.Interval, h.key.Symbol))
	hooks := append([]func(models.StreamKey){}, r.released...)
	r.mu.Unlock()

	r.logger.WithField("key", h.key.String()).Info("Unsubscribed upstream")
	for _, fn := range hooks {
		fn(h.key)
	}
	return true
}

// Replay re-sends a subscribe for every key that currently has consumers,
// batched per interval.
func (r *Registry) Replay() {
	r.mu.Lock()
	defer r.mu.Unlock()

	byInterval := make(map[time.Duration][]string)
	for key := range r.subs {
		byInterval[key.Interval] = append(byInterval[key.Interval], key.Symbol)
	}

	intervals := make([]time.Duration, 0, len(byInterval))
	for iv := range byInterval {
		intervals = append(intervals, iv)
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i] < intervals[j] })

	frames := 0
	for _, iv := range intervals {
		symbols := byInterval[iv]
		sort.Strings(symbols)
		for start := 0; start < len(symbols); start += r.maxPerFrame {
			end := start + r.maxPerFrame
			if end > len(symbols) {
				end = len(symbols)
			}
			r.send(connection.SubscribeFrame(iv, symbols[start:end]...))
			frames++
		}
	}

	metrics.ReplayedSubscriptions.Add(float64(len(r.subs)))
	r.logger.WithFields(logrus.Fields{
		"subscriptions": len(r.subs),
		"frames":        frames,
	}).Info("Replayed subscriptions")
}

// IntervalsFor returns the subscribed intervals of symbol in ascending order.
func (r *Registry) IntervalsFor(symbol string) []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	ivs := r.bySymbol[symbol]
	if len(ivs) == 0 {
		return nil
	}
	out := make([]time.Duration, 0, len(ivs))
	for iv := range ivs {
		out = append(out, iv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RefCount returns the number of consumers registered for key.
func (r *Registry) RefCount(key models.StreamKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[key]; ok {
		return len(sub.consumers)
	}
	return 0
}

// Keys returns every active key, sorted by symbol then interval.
func (r *Registry) Keys() []models.StreamKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]models.StreamKey, 0, len(r.subs))
	for k := range r.subs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Symbol != keys[j].Symbol {
			return keys[i].Symbol < keys[j].Symbol
		}
		return keys[i].Interval < keys[j].Interval
	})
	return keys
}

// send must be called with r.mu held.
func (r *Registry) send(frame connection.OutboundFrame) {
	if err := r.sender.Send(frame); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"action":  frame.Action,
			"symbols": frame.Symbols,
		}).Warn("Failed to send subscription frame")
	}
}
