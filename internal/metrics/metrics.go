package metrics

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// Upstream connection metrics
	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nyyu_stream_connection_state",
			Help: "Upstream connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting)",
		},
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nyyu_stream_reconnect_attempts_total",
			Help: "Total upstream reconnect attempts",
		},
	)

	ConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_stream_connection_errors_total",
			Help: "Total upstream connection errors",
		},
		[]string{"error_type"}, // dial, auth, read, write, heartbeat, exhausted
	)

	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_stream_frames_sent_total",
			Help: "Total frames written to the upstream link",
		},
		[]string{"action"},
	)

	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_stream_frames_received_total",
			Help: "Total frames read from the upstream link",
		},
		[]string{"type"},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_stream_frames_dropped_total",
			Help: "Outbound frames dropped before reaching the upstream",
		},
		[]string{"reason"}, // queue_full, disconnected, superseded
	)

	MalformedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nyyu_stream_malformed_frames_total",
			Help: "Inbound frames dropped because they could not be decoded",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nyyu_stream_rate_limit_hits_total",
			Help: "Times the upstream reported a rate limit",
		},
	)

	// Candle metrics
	CandleEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_stream_candle_events_total",
			Help: "Candle events produced by the aggregator",
		},
		[]string{"kind"}, // updated, closed
	)

	StaleDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_stream_stale_drops_total",
			Help: "Ticks or candles discarded because they were older than the current window",
		},
		[]string{"stage"}, // aggregator, merge
	)

	TickLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nyyu_stream_tick_latency_ms",
			Help:    "Time from tick receipt to the end of dispatch in milliseconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000},
		},
	)

	// Subscription metrics
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nyyu_stream_active_subscriptions",
			Help: "Number of upstream (symbol, interval) subscriptions with at least one consumer",
		},
	)

	ActiveConsumers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nyyu_stream_active_consumers",
			Help: "Number of registered consumer handles",
		},
	)

	TotalSubscriptions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nyyu_stream_subscriptions_total",
			Help: "Total upstream subscriptions created",
		},
	)

	ReplayedSubscriptions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nyyu_stream_replayed_subscriptions_total",
			Help: "Subscriptions re-sent after a (re)connect",
		},
	)

	CallbackErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nyyu_stream_callback_errors_total",
			Help: "Consumer callbacks that panicked",
		},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_stream_cache_hits_total",
			Help: "Total cache hits by tier",
		},
		[]string{"tier"}, // history, quote
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_stream_cache_misses_total",
			Help: "Total cache misses by tier",
		},
		[]string{"tier"},
	)

	CacheHitRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nyyu_stream_cache_hit_ratio",
			Help: "Cache hit ratio by tier (0-1)",
		},
		[]string{"tier"},
	)

	// History metrics
	HistoryRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_stream_history_requests_total",
			Help: "Historical series requests by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	HistoryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nyyu_stream_history_latency_ms",
			Help:    "Historical series fetch latency in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		},
		[]string{"source"},
	)

	// Database metrics
	DatabaseQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_stream_database_queries_total",
			Help: "Total database queries executed",
		},
		[]string{"operation"}, // select, insert
	)

	DatabaseQueryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nyyu_stream_database_query_latency_ms",
			Help:    "Database query latency in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		},
		[]string{"operation"},
	)

	DatabaseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_stream_database_errors_total",
			Help: "Total failed database operations",
		},
		[]string{"operation"},
	)

	// Publishing metrics
	PublishSuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_stream_publish_success_total",
			Help: "Total successful Redis publishes",
		},
		[]string{"channel_type"}, // candle, quote, status
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_stream_publish_failures_total",
			Help: "Total failed Redis publishes",
		},
		[]string{"channel_type"},
	)

	PublishLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nyyu_stream_publish_latency_ms",
			Help:    "Redis publish latency in milliseconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 50, 100},
		},
		[]string{"channel_type"},
	)

	// System metrics
	GoroutinesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nyyu_stream_goroutines_active",
			Help: "Number of active goroutines",
		},
	)

	MemoryAllocated = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nyyu_stream_memory_allocated_bytes",
			Help: "Total memory allocated in bytes",
		},
	)
)

// RateTracker tracks rate per second for dynamic metrics
type RateTracker struct {
	count       int64
	lastCount   int64
	lastUpdated time.Time
	mu          sync.Mutex
}

func NewRateTracker() *RateTracker {
	return &RateTracker{
		lastUpdated: time.Now(),
	}
}

func (rt *RateTracker) Increment() {
	atomic.AddInt64(&rt.count, 1)
}

func (rt *RateTracker) GetRate() float64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rt.lastUpdated).Seconds()

	if elapsed < 1.0 {
		return 0 // Not enough time passed
	}

	current := atomic.LoadInt64(&rt.count)
	diff := current - rt.lastCount
	rate := float64(diff) / elapsed

	rt.lastCount = current
	rt.lastUpdated = now

	return rate
}

var ticksTracker = NewRateTracker()

// TrackTick counts one processed tick.
func TrackTick(received time.Time) {
	ticksTracker.Increment()
	TrackLatency(received, TickLatency)
}

// GetTicksPerSecond returns current ticks/sec
func GetTicksPerSecond() float64 {
	return ticksTracker.GetRate()
}

// TrackCandleEvent counts an Updated or Closed event.
func TrackCandleEvent(kind string) {
	CandleEvents.WithLabelValues(kind).Inc()
}

// RecordCacheAccess records a cache hit or miss
func RecordCacheAccess(tier string, hit bool) {
	if hit {
		CacheHits.WithLabelValues(tier).Inc()
	} else {
		CacheMisses.WithLabelValues(tier).Inc()
	}
	updateCacheHitRatio(tier)
}

// updateCacheHitRatio is an approximation for real-time display; use promql
// for accurate ratios.
func updateCacheHitRatio(tier string) {
	hits, _ := CacheHits.GetMetricWithLabelValues(tier)
	misses, _ := CacheMisses.GetMetricWithLabelValues(tier)
	if hits == nil || misses == nil {
		return
	}

	hitsMetric := &dto.Metric{}
	missesMetric := &dto.Metric{}
	if hits.Write(hitsMetric) != nil || misses.Write(missesMetric) != nil {
		return
	}

	hitsVal := hitsMetric.Counter.GetValue()
	total := hitsVal + missesMetric.Counter.GetValue()
	if total > 0 {
		CacheHitRatio.WithLabelValues(tier).Set(hitsVal / total)
	}
}

// SampleRuntime refreshes the goroutine and memory gauges.
func SampleRuntime() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	GoroutinesActive.Set(float64(runtime.NumGoroutine()))
	MemoryAllocated.Set(float64(m.Alloc))
}

// TrackLatency is a helper to measure and record latency
func TrackLatency(start time.Time, histogram prometheus.Observer) {
	duration := float64(time.Since(start).Microseconds()) / 1000
	histogram.Observe(duration)
}
