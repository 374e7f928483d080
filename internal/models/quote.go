package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one raw upstream price update. It is consumed by the aggregator
// and never stored.
type Tick struct {
	Symbol    string              `json:"symbol"`
	Timestamp time.Time           `json:"timestamp"`
	Price     decimal.Decimal     `json:"price"`
	Size      decimal.NullDecimal `json:"size"`
	Bid       decimal.NullDecimal `json:"bid"`
	Ask       decimal.NullDecimal `json:"ask"`
}

// Quote is the latest known top-of-book for a symbol, used by list rows.
type Quote struct {
	Symbol    string          `json:"symbol"`
	LastPrice decimal.Decimal `json:"last_price"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Spread returns ask minus bid, or zero when either side is unknown.
func (q *Quote) Spread() decimal.Decimal {
	if q.Bid.IsZero() || q.Ask.IsZero() {
		return decimal.Zero
	}
	return q.Ask.Sub(q.Bid)
}
