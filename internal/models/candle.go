package models

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar for a (symbol, interval) window.
//
// While IsClosed is false the candle is the in-progress bar owned by the
// aggregator; once closed it is never mutated again.
type Candle struct {
	Symbol     string          `json:"symbol"`
	Interval   time.Duration   `json:"interval"`
	OpenTime   time.Time       `json:"open_time"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
	TradeCount int             `json:"trade_count"`
	IsClosed   bool            `json:"is_closed"`
}

// CandleResponse represents API response format
type CandleResponse struct {
	Symbol     string `json:"symbol"`
	Interval   string `json:"interval"`
	IntervalMs int64  `json:"interval_ms"`
	OpenTime   int64  `json:"open_time"`  // Milliseconds
	CloseTime  int64  `json:"close_time"` // Milliseconds
	Open       string `json:"open"`
	High       string `json:"high"`
	Low        string `json:"low"`
	Close      string `json:"close"`
	Volume     string `json:"volume"`
	TradeCount int    `json:"trade_count"`
	IsClosed   bool   `json:"is_closed"`
}

// CloseTime is the last millisecond covered by the candle.
func (c *Candle) CloseTime() time.Time {
	return c.OpenTime.Add(c.Interval - time.Millisecond)
}

// Key returns the stream key this candle belongs to.
func (c *Candle) Key() StreamKey {
	return StreamKey{Symbol: c.Symbol, Interval: c.Interval}
}

// Valid reports whether low <= open, close <= high holds.
func (c *Candle) Valid() bool {
	if c.Low.GreaterThan(c.High) {
		return false
	}
	for _, v := range []decimal.Decimal{c.Open, c.Close} {
		if v.LessThan(c.Low) || v.GreaterThan(c.High) {
			return false
		}
	}
	return true
}

// ToResponse converts Candle to API response format
func (c *Candle) ToResponse() *CandleResponse {
	return &CandleResponse{
		Symbol:     c.Symbol,
		Interval:   DurationToInterval(c.Interval),
		IntervalMs: c.Interval.Milliseconds(),
		OpenTime:   c.OpenTime.UnixMilli(),
		CloseTime:  c.CloseTime().UnixMilli(),
		Open:       c.Open.String(),
		High:       c.High.String(),
		Low:        c.Low.String(),
		Close:      c.Close.String(),
		Volume:     c.Volume.String(),
		TradeCount: c.TradeCount,
		IsClosed:   c.IsClosed,
	}
}

// AlignOpenTime floors ts to the interval boundary measured from the Unix
// epoch, in milliseconds.
func AlignOpenTime(ts time.Time, interval time.Duration) time.Time {
	ms := ts.UnixMilli()
	step := interval.Milliseconds()
	if step <= 0 {
		return time.UnixMilli(ms).UTC()
	}
	open := (ms / step) * step
	if ms < 0 && ms%step != 0 {
		open -= step
	}
	return time.UnixMilli(open).UTC()
}

var intervalLabels = []struct {
	label string
	d     time.Duration
}{
	{"1s", time.Second},
	{"1m", time.Minute},
	{"3m", 3 * time.Minute},
	{"5m", 5 * time.Minute},
	{"15m", 15 * time.Minute},
	{"30m", 30 * time.Minute},
	{"1h", time.Hour},
	{"2h", 2 * time.Hour},
	{"4h", 4 * time.Hour},
	{"6h", 6 * time.Hour},
	{"8h", 8 * time.Hour},
	{"12h", 12 * time.Hour},
	{"1d", 24 * time.Hour},
	{"3d", 72 * time.Hour},
	{"1w", 168 * time.Hour},
}

// ParseInterval accepts either a label ("1m", "4h") or a millisecond count
// ("60000").
func ParseInterval(s string) (time.Duration, error) {
	for _, l := range intervalLabels {
		if l.label == s {
			return l.d, nil
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("interval must be positive: %s", s)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	return 0, fmt.Errorf("unknown interval: %s", s)
}

// IntervalToDuration converts interval string to duration, defaulting to one
// minute for anything unknown.
func IntervalToDuration(interval string) time.Duration {
	d, err := ParseInterval(interval)
	if err != nil {
		return time.Minute
	}
	return d
}

// DurationToInterval returns the label for d, or its millisecond count when
// there is no label.
func DurationToInterval(d time.Duration) string {
	for _, l := range intervalLabels {
		if l.d == d {
			return l.label
		}
	}
	return fmt.Sprintf("%d", d.Milliseconds())
}

// ValidIntervals returns list of valid intervals
func ValidIntervals() []string {
	out := make([]string, 0, len(intervalLabels))
	for _, l := range intervalLabels {
		out = append(out, l.label)
	}
	return out
}

// ValidateSeries checks that candles respect OHLC bounds, are aligned, ascend
// one interval at a time and so contain no gaps.
func ValidateSeries(candles []Candle) error {
	for i := range candles {
		c := &candles[i]
		if !c.Valid() {
			return fmt.Errorf("candle %d violates ohlc bounds", i)
		}
		if !AlignOpenTime(c.OpenTime, c.Interval).Equal(c.OpenTime) {
			return fmt.Errorf("candle %d open time %d not aligned to %s", i, c.OpenTime.UnixMilli(), c.Interval)
		}
		if i == 0 {
			continue
		}
		prev := &candles[i-1]
		if !c.OpenTime.Equal(prev.OpenTime.Add(prev.Interval)) {
			return fmt.Errorf("candle %d does not follow candle %d", i, i-1)
		}
	}
	return nil
}
