package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"nyyu-stream/internal/metrics"
	"nyyu-stream/internal/models"
)

const candlesPath = "/v1/candles"

// APIError is a non-2xx answer from the history endpoint.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("history api error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the error should trigger a retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type restCandle struct {
	OpenTime   int64           `json:"t"`
	Open       decimal.Decimal `json:"o"`
	High       decimal.Decimal `json:"h"`
	Low        decimal.Decimal `json:"l"`
	Close      decimal.Decimal `json:"c"`
	Volume     decimal.Decimal `json:"v"`
	TradeCount int             `json:"n"`
}

type restResponse struct {
	Symbol  string       `json:"symbol"`
	Candles []restCandle `json:"candles"`
}

// RESTProvider reads candles from the market-data REST endpoint.
type RESTProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger

	maxRetries   int
	retryBackoff time.Duration
	now          func() time.Time
}

// RESTOption configures a RESTProvider.
type RESTOption func(*RESTProvider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) RESTOption {
	return func(p *RESTProvider) {
		p.httpClient = hc
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) RESTOption {
	return func(p *RESTProvider) {
		p.maxRetries = max
		p.retryBackoff = backoff
	}
}

// WithRateLimit caps outgoing requests. rps <= 0 disables the cap.
func WithRateLimit(rps float64, burst int) RESTOption {
	return func(p *RESTProvider) {
		if rps <= 0 {
			p.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithClock overrides the clock used to compute the request window.
func WithClock(now func() time.Time) RESTOption {
	return func(p *RESTProvider) {
		p.now = now
	}
}

func NewRESTProvider(baseURL, apiKey string, timeout time.Duration, logger *logrus.Logger, opts ...RESTOption) *RESTProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	p := &RESTProvider{
		baseURL:      baseURL,
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: timeout},
		limiter:      rate.NewLimiter(rate.Inf, 1),
		logger:       logger,
		maxRetries:   2,
		retryBackoff: 500 * time.Millisecond,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *RESTProvider) GetHistoricalSeries(ctx context.Context, symbol string, period, interval time.Duration) ([]models.Candle, error) {
	if err := validateRequest(symbol, period, interval); err != nil {
		return nil, err
	}
	defer metrics.TrackLatency(time.Now(), metrics.HistoryLatency.WithLabelValues("rest"))

	now := p.now()
	start, end := window(now, period, interval)
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("interval", strconv.FormatInt(interval.Milliseconds(), 10))
	query.Set("start", strconv.FormatInt(start.UnixMilli(), 10))
	query.Set("end", strconv.FormatInt(end.UnixMilli(), 10))

	body, err := p.doWithRetry(ctx, candlesPath, query)
	if err != nil {
		metrics.HistoryRequests.WithLabelValues("rest", "error").Inc()
		return nil, err
	}

	var resp restResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		metrics.HistoryRequests.WithLabelValues("rest", "error").Inc()
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	candles := make([]models.Candle, 0, len(resp.Candles))
	for _, rc := range resp.Candles {
		openTime := time.UnixMilli(rc.OpenTime).UTC()
		if openTime.Before(start) || !openTime.Before(end) {
			continue
		}
		candles = append(candles, models.Candle{
			Symbol:     symbol,
			Interval:   interval,
			OpenTime:   openTime,
			Open:       rc.Open,
			High:       rc.High,
			Low:        rc.Low,
			Close:      rc.Close,
			Volume:     rc.Volume,
			TradeCount: rc.TradeCount,
		})
	}

	out, err := finish(candles, now)
	if err != nil {
		metrics.HistoryRequests.WithLabelValues("rest", "invalid").Inc()
		return nil, err
	}
	metrics.HistoryRequests.WithLabelValues("rest", "ok").Inc()

	p.logger.WithFields(logrus.Fields{
		"symbol":   symbol,
		"interval": models.DurationToInterval(interval),
		"candles":  len(out),
	}).Debug("Fetched history")
	return out, nil
}

func (p *RESTProvider) doRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	fullURL := p.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       body,
		}
	}

	return body, nil
}

func (p *RESTProvider) doWithRetry(ctx context.Context, path string, query url.Values) ([]byte, error) {
	var lastErr error
	backoff := p.retryBackoff

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			p.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"backoff": backoff,
				"path":    path,
			}).Debug("Retrying history request")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, err := p.doRequest(ctx, path, query)
		if err == nil {
			return body, nil
		}
		lastErr = err

		apiErr, ok := err.(*APIError)
		if !ok || !apiErr.IsRetryable() {
			return nil, err
		}
	}

	return nil, models.NewTransientError("history", fmt.Errorf("max retries exceeded: %w", lastErr))
}
