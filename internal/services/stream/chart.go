package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"nyyu-stream/internal/models"
	"nyyu-stream/internal/services/merge"
	"nyyu-stream/internal/services/subscription"
)

var ErrChartClosed = errors.New("chart closed")

// Chart is one on-screen series: a merge controller fed by a history fetch
// and a live subscription for the same key.
type Chart struct {
	svc     *Service
	surface merge.Surface
	symbol  string
	period  time.Duration
	logger  *logrus.Logger

	// opMu serializes SetInterval and Close.
	opMu sync.Mutex

	mu      sync.Mutex
	ctrl    *merge.Controller
	handle  subscription.Handle
	cancel  context.CancelFunc
	closed  bool
	unwatch func()
}

// OpenChart starts a chart for (symbol, interval) that seeds itself with
// period worth of history. The history fetch runs in the background under
// ctx; the chart goes live as soon as candles arrive. surface may be nil.
func (s *Service) OpenChart(ctx context.Context, symbol string, interval, period time.Duration, surface merge.Surface) (*Chart, error) {
	if symbol == "" || interval <= 0 {
		return nil, subscription.ErrInvalidInterest
	}
	if period < interval {
		period = interval
	}

	c := &Chart{
		svc:     s,
		surface: surface,
		symbol:  symbol,
		period:  period,
		logger:  s.logger,
	}
	c.unwatch = s.OnConnectionChange(c.onConnectionChange)
	if err := c.open(ctx, interval); err != nil {
		c.unwatch()
		return nil, err
	}
	return c, nil
}

// Key returns the chart's current (symbol, interval).
func (c *Chart) Key() models.StreamKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctrl.Key()
}

func (c *Chart) Series() []models.Candle {
	c.mu.Lock()
	ctrl := c.ctrl
	c.mu.Unlock()
	return ctrl.Series()
}

func (c *Chart) Status() merge.Status {
	c.mu.Lock()
	ctrl := c.ctrl
	c.mu.Unlock()
	return ctrl.Status()
}

// SetInterval switches the chart to a new interval: the old interest is
// released, then a fresh series is built for the new key.
func (c *Chart) SetInterval(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return subscription.ErrInvalidInterest
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChartClosed
	}
	if c.ctrl.Key().Interval == interval {
		c.mu.Unlock()
		return nil
	}
	old, cancel := c.handle, c.cancel
	c.mu.Unlock()

	cancel()
	c.svc.Unsubscribe(old)

	if c.period < interval {
		c.period = interval
	}
	return c.open(ctx, interval)
}

// Close releases the chart's subscription and stops its history fetch. It is
// safe to call more than once.
func (c *Chart) Close() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	h, cancel, unwatch := c.handle, c.cancel, c.unwatch
	c.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	cancel()
	c.svc.Unsubscribe(h)
}

// open must be called with opMu held.
func (c *Chart) open(ctx context.Context, interval time.Duration) error {
	key := models.StreamKey{Symbol: c.symbol, Interval: interval}
	ctrl := merge.NewController(key, c.surface, c.logger)
	ctrl.SetLive(c.svc.ConnectionStatus() == models.StateConnected)
	ctrl.Sync()

	h, err := c.svc.AddConsumer(key.Symbol, key.Interval, ctrl)
	if err != nil {
		return err
	}

	hctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.ctrl, c.handle, c.cancel = ctrl, h, cancel
	// A change delivered while the controller was being built went to the
	// previous one.
	ctrl.SetLive(c.svc.ConnectionStatus() == models.StateConnected)
	c.mu.Unlock()

	go c.loadHistory(hctx, ctrl, c.period)
	return nil
}

func (c *Chart) loadHistory(ctx context.Context, ctrl *merge.Controller, period time.Duration) {
	key := ctrl.Key()

	var candles []models.Candle
	err := ErrNoHistory
	if c.svc.history != nil {
		candles, err = c.svc.history.GetHistoricalSeries(ctx, key.Symbol, period, key.Interval)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.ctrl != ctrl {
		return
	}
	if err != nil {
		ctrl.FailHistory(err)
		return
	}
	ctrl.Attach(candles)
}

func (c *Chart) onConnectionChange(ev models.ConnectionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed && c.ctrl != nil {
		c.ctrl.OnConnectionChange(ev)
	}
}
