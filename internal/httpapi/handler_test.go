package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nyyu-stream/internal/models"
)

type fakeStream struct {
	state  models.ConnectionState
	quotes map[string]models.Quote
}

func (s *fakeStream) ConnectionStatus() models.ConnectionState { return s.state }
func (s *fakeStream) GetStats() map[string]interface{} {
	return map[string]interface{}{"subscriptions": 2}
}
func (s *fakeStream) LatestQuote(symbol string) (models.Quote, bool) {
	q, ok := s.quotes[symbol]
	return q, ok
}
func (s *fakeStream) Quotes() []models.Quote {
	var out []models.Quote
	for _, q := range s.quotes {
		out = append(out, q)
	}
	return out
}

type fakeLookup map[string]models.Quote

func (l fakeLookup) GetQuote(_ context.Context, symbol string) (models.Quote, error) {
	if q, ok := l[symbol]; ok {
		return q, nil
	}
	return models.Quote{}, errors.New("miss")
}

func newTestHandler(stream *fakeStream, lookup QuoteLookup) http.Handler {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	h := NewHandler(stream, lookup, "test", logger)
	h.AddStatus("watchlist", func() interface{} { return []string{"AAPL@60000"} })
	return h.Routes()
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	if rec.Body.Len() > 0 && rec.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	stream := &fakeStream{state: models.StateReconnecting}
	h := newTestHandler(stream, nil)

	rec, body := get(t, h, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, body["healthy"])
	assert.Equal(t, "reconnecting", body["connection"])

	stream.state = models.StateConnected
	rec, body = get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["healthy"])
}

func TestStatus(t *testing.T) {
	h := newTestHandler(&fakeStream{}, nil)

	rec, body := get(t, h, "/api/v1/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "stream")
	assert.Equal(t, []interface{}{"AAPL@60000"}, body["watchlist"])
}

func TestQuotes(t *testing.T) {
	live := models.Quote{
		Symbol: "AAPL", LastPrice: decimal.RequireFromString("187.5"),
		Bid: decimal.RequireFromString("187.4"), Ask: decimal.RequireFromString("187.6"),
	}
	cached := models.Quote{Symbol: "MSFT", LastPrice: decimal.RequireFromString("410")}
	h := newTestHandler(&fakeStream{quotes: map[string]models.Quote{"AAPL": live}}, fakeLookup{"MSFT": cached})

	rec, body := get(t, h, "/api/v1/quotes/aapl")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "187.5", body["last_price"])
	assert.Equal(t, "0.2", body["spread"])
	assert.Equal(t, "live", body["source"])

	rec, body = get(t, h, "/api/v1/quotes/MSFT")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache", body["source"])

	rec, _ = get(t, h, "/api/v1/quotes/NVDA")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = get(t, h, "/api/v1/quotes")
	assert.Equal(t, http.StatusOK, rec.Code)
	var list []quoteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "AAPL", list[0].Symbol)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHandler(&fakeStream{}, nil)
	rec, _ := get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
