package merge

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"nyyu-stream/internal/metrics"
	"nyyu-stream/internal/models"
)

type HistoryState int

const (
	HistoryPending HistoryState = iota
	HistoryLoaded
	HistoryUnavailable
)

func (s HistoryState) String() string {
	switch s {
	case HistoryPending:
		return "pending"
	case HistoryLoaded:
		return "loaded"
	case HistoryUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Status is the non-fatal health of one merged series.
type Status struct {
	History HistoryState `json:"history"`
	Live    bool         `json:"live"`
	Err     error        `json:"-"`
}

// Surface receives every change to the visible series. Calls are made while
// the controller holds its lock, in the order the changes happened, so a
// Surface must not call back into the controller.
type Surface interface {
	SetSeries(candles []models.Candle)
	UpdateLast(c models.Candle)
	Append(c models.Candle)
	SetStatus(s Status)
}

// Controller seeds one chart with a historical series and splices live
// candles for the same key onto it without gaps or duplicates.
type Controller struct {
	key     models.StreamKey
	surface Surface
	logger  *logrus.Logger

	mu      sync.Mutex
	series  []models.Candle
	status  Status
	frozen  bool      // tail closed by a live Closed event
	liveAt  time.Time // open time of the first accepted live candle
	hasLive bool
	stale   int
}

// NewController creates a controller waiting for history. surface may be nil.
func NewController(key models.StreamKey, surface Surface, logger *logrus.Logger) *Controller {
	return &Controller{
		key:     key,
		surface: surface,
		logger:  logger,
	}
}

func (c *Controller) Key() models.StreamKey { return c.key }

// Attach installs the historical baseline. When live candles have already
// arrived they win: history is cut just before the first live candle.
func (c *Controller) Attach(history []models.Candle) {
	hist := normalize(history)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hasLive {
		var live []models.Candle
		for _, cd := range c.series {
			if !cd.OpenTime.Before(c.liveAt) {
				live = append(live, cd)
			}
		}
		cut := sort.Search(len(hist), func(i int) bool { return !hist[i].OpenTime.Before(c.liveAt) })
		hist = append(hist[:cut], live...)
	} else {
		c.frozen = false
	}
	c.series = hist
	c.status.History = HistoryLoaded
	c.status.Err = nil

	c.logger.WithFields(logrus.Fields{
		"key":     c.key.String(),
		"candles": len(c.series),
		"live":    c.hasLive,
	}).Debug("History attached")

	if c.surface != nil {
		c.surface.SetSeries(c.snapshotLocked())
		c.surface.SetStatus(c.status)
	}
}

// FailHistory records that history could not be loaded. Live candles keep
// flowing into the series.
func (c *Controller) FailHistory(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.status.History = HistoryUnavailable
	c.status.Err = err
	c.logger.WithError(err).WithField("key", c.key.String()).Warn("History unavailable, continuing live only")

	if c.surface != nil {
		c.surface.SetStatus(c.status)
	}
}

// SetLive records whether the upstream link is connected. The series is kept
// either way.
func (c *Controller) SetLive(live bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status.Live == live {
		return
	}
	c.status.Live = live
	if c.surface != nil {
		c.surface.SetStatus(c.status)
	}
}

// OnConnectionChange adapts SetLive to connection events.
func (c *Controller) OnConnectionChange(ev models.ConnectionEvent) {
	c.SetLive(ev.State == models.StateConnected)
}

// OnCandle merges one live event.
//
// Same open time as the tail: replace it, unless a live Closed event already
// froze it. Later open time: append. Earlier: discard.
func (c *Controller) OnCandle(ev models.CandleEvent) {
	cd := ev.Candle
	if cd.Key() != c.key {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.series)
	switch {
	case n == 0 || cd.OpenTime.After(c.series[n-1].OpenTime):
		c.series = append(c.series, cd)
		c.frozen = ev.Kind == models.EventClosed
		if c.surface != nil {
			c.surface.Append(cd)
		}

	case cd.OpenTime.Equal(c.series[n-1].OpenTime) && !c.frozen:
		c.series[n-1] = cd
		c.frozen = ev.Kind == models.EventClosed
		if c.surface != nil {
			c.surface.UpdateLast(cd)
		}

	default:
		c.stale++
		metrics.StaleDrops.WithLabelValues("merge").Inc()
		c.logger.WithFields(logrus.Fields{
			"key":       c.key.String(),
			"open_time": cd.OpenTime.UnixMilli(),
			"tail":      c.series[n-1].OpenTime.UnixMilli(),
			"frozen":    c.frozen,
		}).Debug("Discarded stale live candle")
		return
	}

	if !c.hasLive {
		c.hasLive = true
		c.liveAt = cd.OpenTime
	}
}

// Sync pushes the current series and status to the surface.
func (c *Controller) Sync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.surface != nil {
		c.surface.SetSeries(c.snapshotLocked())
		c.surface.SetStatus(c.status)
	}
}

// Series returns a copy of the merged series.
func (c *Controller) Series() []models.Candle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// StaleDrops counts live candles discarded by the merge rules.
func (c *Controller) StaleDrops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

func (c *Controller) snapshotLocked() []models.Candle {
	out := make([]models.Candle, len(c.series))
	copy(out, c.series)
	return out
}

// normalize sorts by open time and keeps the last candle for duplicate times.
func normalize(history []models.Candle) []models.Candle {
	out := make([]models.Candle, len(history))
	copy(out, history)
	sort.SliceStable(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })

	dedup := out[:0]
	for _, cd := range out {
		if n := len(dedup); n > 0 && dedup[n-1].OpenTime.Equal(cd.OpenTime) {
			dedup[n-1] = cd
			continue
		}
		dedup = append(dedup, cd)
	}
	return dedup
}
