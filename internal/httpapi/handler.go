package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"nyyu-stream/internal/models"
)

// Stream is the read-only view of the stream service the API serves.
type Stream interface {
	ConnectionStatus() models.ConnectionState
	GetStats() map[string]interface{}
	LatestQuote(symbol string) (models.Quote, bool)
	Quotes() []models.Quote
}

// QuoteLookup is a secondary quote source consulted when the local book has
// no quote for a symbol.
type QuoteLookup interface {
	GetQuote(ctx context.Context, symbol string) (models.Quote, error)
}

type quoteResponse struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"last_price"`
	Bid       string `json:"bid"`
	Ask       string `json:"ask"`
	Spread    string `json:"spread"`
	UpdatedAt int64  `json:"updated_at"` // Milliseconds
	Source    string `json:"source"`
}

type Handler struct {
	stream    Stream
	quotes    QuoteLookup
	logger    *logrus.Logger
	version   string
	startTime time.Time

	mu      sync.RWMutex
	reports []statusReport
}

type statusReport struct {
	name string
	fn   func() interface{}
}

// NewHandler builds the HTTP API. quotes may be nil.
func NewHandler(stream Stream, quotes QuoteLookup, version string, logger *logrus.Logger) *Handler {
	return &Handler{
		stream:    stream,
		quotes:    quotes,
		logger:    logger,
		version:   version,
		startTime: time.Now(),
	}
}

// AddStatus adds a named section to /api/v1/status.
func (h *Handler) AddStatus(name string, fn func() interface{}) {
	h.mu.Lock()
	h.reports = append(h.reports, statusReport{name: name, fn: fn})
	h.mu.Unlock()
}

func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/v1/status", h.status)
	mux.HandleFunc("GET /api/v1/quotes", h.listQuotes)
	mux.HandleFunc("GET /api/v1/quotes/{symbol}", h.getQuote)
	return mux
}

// health reports 200 only while the upstream link is connected.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	state := h.stream.ConnectionStatus()
	code := http.StatusOK
	if state != models.StateConnected {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, map[string]interface{}{
		"healthy":        state == models.StateConnected,
		"connection":     state.String(),
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"stream": h.stream.GetStats(),
	}
	h.mu.RLock()
	for _, rep := range h.reports {
		out[rep.name] = rep.fn()
	}
	h.mu.RUnlock()
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) listQuotes(w http.ResponseWriter, r *http.Request) {
	quotes := h.stream.Quotes()
	out := make([]quoteResponse, 0, len(quotes))
	for _, q := range quotes {
		out = append(out, toQuoteResponse(q, "live"))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getQuote(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))

	if q, ok := h.stream.LatestQuote(symbol); ok {
		h.writeJSON(w, http.StatusOK, toQuoteResponse(q, "live"))
		return
	}
	if h.quotes != nil {
		if q, err := h.quotes.GetQuote(r.Context(), symbol); err == nil {
			h.writeJSON(w, http.StatusOK, toQuoteResponse(q, "cache"))
			return
		}
	}
	h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no quote for " + symbol})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Debug("Failed to write response")
	}
}

func toQuoteResponse(q models.Quote, source string) quoteResponse {
	return quoteResponse{
		Symbol:    q.Symbol,
		LastPrice: q.LastPrice.String(),
		Bid:       q.Bid.String(),
		Ask:       q.Ask.String(),
		Spread:    q.Spread().String(),
		UpdatedAt: q.UpdatedAt.UnixMilli(),
		Source:    source,
	}
}
