package merge

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nyyu-stream/internal/models"
)

var key = models.StreamKey{Symbol: "AAPL", Interval: time.Minute}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func candle(openMs int64, closePrice int64, closed bool) models.Candle {
	p := decimal.NewFromInt(closePrice)
	return models.Candle{
		Symbol: key.Symbol, Interval: key.Interval, OpenTime: time.UnixMilli(openMs).UTC(),
		Open: p, High: p, Low: p, Close: p, IsClosed: closed,
	}
}

func updated(openMs, price int64) models.CandleEvent {
	return models.CandleEvent{Kind: models.EventUpdated, Candle: candle(openMs, price, false)}
}

func closedEv(openMs, price int64) models.CandleEvent {
	return models.CandleEvent{Kind: models.EventClosed, Candle: candle(openMs, price, true)}
}

func history() []models.Candle {
	return []models.Candle{candle(0, 10, true), candle(60000, 11, true), candle(120000, 12, true)}
}

func openTimes(series []models.Candle) []int64 {
	out := make([]int64, len(series))
	for i, c := range series {
		out[i] = c.OpenTime.UnixMilli()
	}
	return out
}

type recordingSurface struct {
	calls  []string
	series []models.Candle
	status Status
}

func (s *recordingSurface) SetSeries(c []models.Candle) {
	s.calls = append(s.calls, "set")
	s.series = c
}
func (s *recordingSurface) UpdateLast(c models.Candle) {
	s.calls = append(s.calls, "update")
	s.series[len(s.series)-1] = c
}
func (s *recordingSurface) Append(c models.Candle) {
	s.calls = append(s.calls, "append")
	s.series = append(s.series, c)
}
func (s *recordingSurface) SetStatus(st Status) {
	s.calls = append(s.calls, "status")
	s.status = st
}

func TestController_FirstLiveReplacesHistoricalTail(t *testing.T) {
	c := NewController(key, nil, testLogger())
	c.Attach(history())

	c.OnCandle(updated(120000, 99))

	series := c.Series()
	assert.Equal(t, []int64{0, 60000, 120000}, openTimes(series))
	assert.Equal(t, "99", series[2].Close.String())
	assert.False(t, series[2].IsClosed)
}

func TestController_LaterLiveAppends(t *testing.T) {
	c := NewController(key, nil, testLogger())
	c.Attach(history())

	c.OnCandle(updated(180000, 13))
	assert.Equal(t, []int64{0, 60000, 120000, 180000}, openTimes(c.Series()))
}

func TestController_EarlierLiveDiscarded(t *testing.T) {
	c := NewController(key, nil, testLogger())
	c.Attach(history())

	c.OnCandle(updated(60000, 1))

	series := c.Series()
	assert.Equal(t, []int64{0, 60000, 120000}, openTimes(series))
	assert.Equal(t, "11", series[1].Close.String())
	assert.Equal(t, 1, c.StaleDrops())
}

func TestController_UpdateCloseThenAppend(t *testing.T) {
	c := NewController(key, nil, testLogger())
	c.Attach(history())

	c.OnCandle(updated(180000, 13))
	c.OnCandle(updated(180000, 14))
	c.OnCandle(closedEv(180000, 15))
	// The tail is frozen now.
	c.OnCandle(updated(180000, 99))
	c.OnCandle(updated(240000, 16))

	series := c.Series()
	require.Equal(t, []int64{0, 60000, 120000, 180000, 240000}, openTimes(series))
	assert.Equal(t, "15", series[3].Close.String())
	assert.True(t, series[3].IsClosed)
	assert.Equal(t, "16", series[4].Close.String())
	assert.Equal(t, 1, c.StaleDrops())
}

func TestController_HistoryFailureIsNonFatal(t *testing.T) {
	surface := &recordingSurface{}
	c := NewController(key, surface, testLogger())

	c.FailHistory(errors.New("provider down"))
	c.OnCandle(updated(60000, 1))
	c.OnCandle(closedEv(60000, 2))
	c.OnCandle(updated(120000, 3))

	st := c.Status()
	assert.Equal(t, HistoryUnavailable, st.History)
	assert.EqualError(t, st.Err, "provider down")
	assert.Equal(t, []int64{60000, 120000}, openTimes(c.Series()))
	assert.Equal(t, []string{"status", "append", "update", "append"}, surface.calls)
}

func TestController_LateHistoryYieldsToLive(t *testing.T) {
	c := NewController(key, nil, testLogger())

	c.OnCandle(updated(120000, 50))
	c.OnCandle(closedEv(120000, 51))
	c.OnCandle(updated(180000, 52))

	c.Attach([]models.Candle{
		candle(0, 10, true),
		candle(60000, 11, true),
		candle(120000, 12, true),
		candle(180000, 13, true),
	})

	series := c.Series()
	require.Equal(t, []int64{0, 60000, 120000, 180000}, openTimes(series))
	assert.Equal(t, "51", series[2].Close.String())
	assert.Equal(t, "52", series[3].Close.String())
	assert.Equal(t, HistoryLoaded, c.Status().History)

	// The live tail is still updatable after the splice.
	c.OnCandle(updated(180000, 53))
	assert.Equal(t, "53", c.Series()[3].Close.String())
}

func TestController_AttachNormalizesHistory(t *testing.T) {
	c := NewController(key, nil, testLogger())
	c.Attach([]models.Candle{candle(60000, 2, true), candle(0, 1, true), candle(60000, 3, true)})

	series := c.Series()
	require.Equal(t, []int64{0, 60000}, openTimes(series))
	assert.Equal(t, "3", series[1].Close.String())
}

func TestController_ConnectionLossKeepsSeries(t *testing.T) {
	surface := &recordingSurface{}
	c := NewController(key, surface, testLogger())
	c.Attach(history())

	c.OnConnectionChange(models.ConnectionEvent{State: models.StateConnected})
	assert.True(t, c.Status().Live)

	c.OnConnectionChange(models.ConnectionEvent{State: models.StateReconnecting})
	assert.False(t, c.Status().Live)
	assert.Len(t, c.Series(), 3)
	assert.Len(t, surface.series, 3)
	assert.False(t, surface.status.Live)
}

func TestController_IgnoresOtherKeys(t *testing.T) {
	c := NewController(key, nil, testLogger())
	ev := updated(0, 1)
	ev.Candle.Interval = 5 * time.Minute
	c.OnCandle(ev)
	assert.Empty(t, c.Series())
}

func TestController_SyncPushesState(t *testing.T) {
	surface := &recordingSurface{}
	c := NewController(key, surface, testLogger())
	c.SetLive(true)
	surface.calls = nil

	c.Sync()
	assert.Equal(t, []string{"set", "status"}, surface.calls)
	assert.Empty(t, surface.series)
	assert.True(t, surface.status.Live)
	assert.Equal(t, HistoryPending, surface.status.History)
}
