package aggregator

import (
	"sort"
	"sync"

	"nyyu-stream/internal/models"
)

// QuoteBook keeps the latest quote per symbol for list rows.
type QuoteBook struct {
	mu     sync.RWMutex
	quotes map[string]models.Quote
}

func NewQuoteBook() *QuoteBook {
	return &QuoteBook{quotes: make(map[string]models.Quote)}
}

// Update applies tick and returns the resulting quote. Ticks older than the
// stored quote leave it unchanged. Bid and ask carry over when the tick has
// none.
func (b *QuoteBook) Update(tick models.Tick) models.Quote {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.quotes[tick.Symbol]
	if ok && tick.Timestamp.Before(q.UpdatedAt) {
		return q
	}

	q.Symbol = tick.Symbol
	q.LastPrice = tick.Price
	q.UpdatedAt = tick.Timestamp
	if tick.Bid.Valid {
		q.Bid = tick.Bid.Decimal
	}
	if tick.Ask.Valid {
		q.Ask = tick.Ask.Decimal
	}
	b.quotes[tick.Symbol] = q
	return q
}

func (b *QuoteBook) Get(symbol string) (models.Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[symbol]
	return q, ok
}

// All returns every quote sorted by symbol.
func (b *QuoteBook) All() []models.Quote {
	b.mu.RLock()
	out := make([]models.Quote, 0, len(b.quotes))
	for _, q := range b.quotes {
		out = append(out, q)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (b *QuoteBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.quotes)
}
