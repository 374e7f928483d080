package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"nyyu-stream/internal/metrics"
	"nyyu-stream/internal/models"
)

// QuoteStore keeps the latest quote per symbol outside the process.
type QuoteStore interface {
	SetQuote(ctx context.Context, q models.Quote) error
}

type job struct {
	channelType string
	run         func(ctx context.Context) error
}

// Relay forwards candle events, quotes and connection changes to Redis from a
// single background worker so the tick path never waits on the network. When
// the buffer is full new messages are dropped.
type Relay struct {
	publisher *Publisher
	quotes    QuoteStore
	logger    *logrus.Logger
	timeout   time.Duration

	jobs     chan job
	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewRelay creates a relay; quotes may be nil.
func NewRelay(publisher *Publisher, quotes QuoteStore, buffer int, logger *logrus.Logger) *Relay {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Relay{
		publisher: publisher,
		quotes:    quotes,
		logger:    logger,
		timeout:   2 * time.Second,
		jobs:      make(chan job, buffer),
		stop:      make(chan struct{}),
	}
}

// Start runs the publish worker until Stop or ctx is cancelled.
func (r *Relay) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.worker(ctx)
}

// Stop drains what is already queued and waits for the worker.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

// OnCandle publishes every candle event for the keys the relay is
// subscribed to.
func (r *Relay) OnCandle(ev models.CandleEvent) {
	r.submit(job{channelType: "candle", run: func(ctx context.Context) error {
		return r.publisher.PublishCandle(ctx, ev)
	}})
}

func (r *Relay) OnQuote(q models.Quote) {
	r.submit(job{channelType: "quote", run: func(ctx context.Context) error {
		if r.quotes != nil {
			if err := r.quotes.SetQuote(ctx, q); err != nil {
				r.logger.WithError(err).WithField("symbol", q.Symbol).Debug("Failed to cache quote")
			}
		}
		return r.publisher.PublishQuote(ctx, q)
	}})
}

func (r *Relay) OnConnectionChange(ev models.ConnectionEvent) {
	r.submit(job{channelType: "status", run: func(ctx context.Context) error {
		return r.publisher.PublishStatus(ctx, ev)
	}})
}

func (r *Relay) submit(j job) {
	select {
	case r.jobs <- j:
	default:
		metrics.PublishFailures.WithLabelValues(j.channelType).Inc()
		r.logger.WithField("channel_type", j.channelType).Debug("Relay buffer full, dropping message")
	}
}

func (r *Relay) worker(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case j := <-r.jobs:
			r.publish(ctx, j)
		case <-r.stop:
			r.drain(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Relay) drain(ctx context.Context) {
	for {
		select {
		case j := <-r.jobs:
			r.publish(ctx, j)
		default:
			return
		}
	}
}

func (r *Relay) publish(ctx context.Context, j job) {
	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	if err := j.run(pctx); err != nil {
		r.logger.WithError(err).Debugf("Failed to publish %s message", j.channelType)
		metrics.PublishFailures.WithLabelValues(j.channelType).Inc()
		return
	}
	metrics.PublishSuccess.WithLabelValues(j.channelType).Inc()
	metrics.TrackLatency(start, metrics.PublishLatency.WithLabelValues(j.channelType))
}
