package connection

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nyyu-stream/internal/config"
	"nyyu-stream/internal/models"
)

// fakeUpstream is a websocket server speaking the upstream protocol.
type fakeUpstream struct {
	srv *httptest.Server

	rejectAuth  atomic.Bool
	refuse      atomic.Bool
	ignorePings atomic.Bool
	connects    atomic.Int32

	mu     sync.Mutex
	wmu    sync.Mutex
	conns  []*websocket.Conn
	frames []OutboundFrame
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	f := &fakeUpstream{}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.refuse.Load() {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		f.serve(conn)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) serve(conn *websocket.Conn) {
	var auth OutboundFrame
	if err := conn.ReadJSON(&auth); err != nil || auth.Action != ActionAuth {
		return
	}
	if f.rejectAuth.Load() {
		f.write(conn, map[string]string{"type": "auth", "status": "error", "message": "bad key"})
		return
	}
	f.write(conn, map[string]string{"type": "auth", "status": "ok"})
	f.connects.Add(1)

	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	for {
		var frame OutboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		f.mu.Lock()
		f.frames = append(f.frames, frame)
		f.mu.Unlock()

		if frame.Action == ActionPing && !f.ignorePings.Load() {
			f.write(conn, map[string]string{"type": "pong"})
		}
	}
}

func (f *fakeUpstream) write(conn *websocket.Conn, v any) {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	_ = conn.WriteJSON(v)
}

// push writes raw to the most recent connection.
func (f *fakeUpstream) push(raw string) {
	f.mu.Lock()
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()

	f.wmu.Lock()
	defer f.wmu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, []byte(raw))
}

func (f *fakeUpstream) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
	f.conns = nil
}

func (f *fakeUpstream) received(action string) []OutboundFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []OutboundFrame
	for _, fr := range f.frames {
		if fr.Action == action {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeUpstream) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig(url string) config.UpstreamConfig {
	return config.UpstreamConfig{
		URL:              url,
		APIKey:           "key",
		APISecret:        "secret",
		HandshakeTimeout: time.Second,
		WriteTimeout:     time.Second,
		BaseDelay:        10 * time.Millisecond,
		MaxDelay:         40 * time.Millisecond,
		MaxAttempts:      5,
		HeartbeatTimeout: 5 * time.Second,
		MaxMissedPongs:   2,
		QueueSize:        64,
	}
}

// eventLog records connection events.
type eventLog struct {
	mu     sync.Mutex
	events []models.ConnectionEvent
}

func (l *eventLog) handle(ev models.ConnectionEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) states() []models.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.ConnectionState, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.State)
	}
	return out
}

func (l *eventLog) last() models.ConnectionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return models.ConnectionEvent{}
	}
	return l.events[len(l.events)-1]
}

func (l *eventLog) count(state models.ConnectionState) int {
	n := 0
	for _, s := range l.states() {
		if s == state {
			n++
		}
	}
	return n
}

func TestManager_ConnectAndSend(t *testing.T) {
	up := newFakeUpstream(t)
	m := NewManager(testConfig(up.url()), testLogger())
	t.Cleanup(m.Disconnect)

	events := &eventLog{}
	m.OnConnectionChange(events.handle)

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, models.StateConnected, m.State())
	assert.Equal(t, []models.ConnectionState{models.StateConnecting, models.StateConnected}, events.states())

	require.NoError(t, m.Send(SubscribeFrame(time.Minute, "AAPL")))
	require.Eventually(t, func() bool { return len(up.received(ActionSubscribe)) == 1 }, time.Second, 5*time.Millisecond)

	sub := up.received(ActionSubscribe)[0]
	assert.Equal(t, []string{"AAPL"}, sub.Symbols)
	assert.Equal(t, int64(60000), sub.IntervalMs)
}

func TestManager_ConnectIsNoOpWhenConnected(t *testing.T) {
	up := newFakeUpstream(t)
	m := NewManager(testConfig(up.url()), testLogger())
	t.Cleanup(m.Disconnect)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))

	assert.Equal(t, int32(1), up.connects.Load())
}

func TestManager_QueuedFramesBeforeConnect(t *testing.T) {
	up := newFakeUpstream(t)
	m := NewManager(testConfig(up.url()), testLogger())
	t.Cleanup(m.Disconnect)

	require.NoError(t, m.Send(SubscribeFrame(time.Minute, "AAPL")))
	require.NoError(t, m.Send(PingFrame()))
	assert.Equal(t, 2, m.Stats().Queued)

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(up.received(ActionPing)) == 1 }, time.Second, 5*time.Millisecond)

	// Subscription frames are left to the registry's replay.
	assert.Empty(t, up.received(ActionSubscribe))
	assert.Zero(t, m.Stats().Queued)
}

func TestManager_SendAfterDisconnectIsDropped(t *testing.T) {
	up := newFakeUpstream(t)
	m := NewManager(testConfig(up.url()), testLogger())
	events := &eventLog{}
	m.OnConnectionChange(events.handle)

	require.NoError(t, m.Connect(context.Background()))
	m.Disconnect()

	assert.Equal(t, models.StateDisconnected, m.State())
	last := events.last()
	assert.Equal(t, models.StateDisconnected, last.State)
	assert.True(t, last.Terminal)

	assert.NoError(t, m.Send(UnsubscribeFrame(time.Minute, "AAPL")))
	assert.Zero(t, m.Stats().Queued)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, up.received(ActionUnsubscribe))
	assert.Equal(t, int32(1), up.connects.Load(), "no reconnect after manual disconnect")
}

func TestManager_ReconnectsAfterDrop(t *testing.T) {
	up := newFakeUpstream(t)
	m := NewManager(testConfig(up.url()), testLogger())
	t.Cleanup(m.Disconnect)

	events := &eventLog{}
	m.OnConnectionChange(events.handle)

	require.NoError(t, m.Connect(context.Background()))
	up.dropAll()

	require.Eventually(t, func() bool {
		return up.connects.Load() == 2 && m.State() == models.StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, events.count(models.StateConnected))
	assert.Equal(t, 1, events.count(models.StateReconnecting))
	assert.Zero(t, m.Stats().Attempt, "attempt resets after a clean connect")

	require.NoError(t, m.Send(SubscribeFrame(time.Minute, "MSFT")))
	require.Eventually(t, func() bool { return len(up.received(ActionSubscribe)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestManager_RetriesExhausted(t *testing.T) {
	up := newFakeUpstream(t)
	url := up.url()
	up.srv.Close()

	cfg := testConfig(url)
	cfg.MaxAttempts = 2
	m := NewManager(cfg, testLogger())
	t.Cleanup(m.Disconnect)

	events := &eventLog{}
	m.OnConnectionChange(events.handle)

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConnection)

	require.Eventually(t, func() bool { return events.last().Terminal }, 2*time.Second, 5*time.Millisecond)

	last := events.last()
	assert.Equal(t, models.StateDisconnected, last.State)
	assert.Equal(t, 2, last.Attempt)
	assert.ErrorIs(t, last.Err, ErrRetriesExhausted)
	assert.ErrorIs(t, last.Err, models.ErrConnection)
	assert.Equal(t, models.StateDisconnected, m.State())
}

func TestManager_AuthRejected(t *testing.T) {
	up := newFakeUpstream(t)
	up.rejectAuth.Store(true)

	cfg := testConfig(up.url())
	cfg.MaxAttempts = 1
	m := NewManager(cfg, testLogger())
	t.Cleanup(m.Disconnect)

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthRejected)
	assert.Zero(t, up.connects.Load())
}

func TestManager_HeartbeatForcesReconnect(t *testing.T) {
	up := newFakeUpstream(t)
	up.ignorePings.Store(true)

	cfg := testConfig(up.url())
	cfg.HeartbeatTimeout = 40 * time.Millisecond
	m := NewManager(cfg, testLogger())
	t.Cleanup(m.Disconnect)

	require.NoError(t, m.Connect(context.Background()))

	require.Eventually(t, func() bool { return up.connects.Load() >= 2 }, 3*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, len(up.received(ActionPing)), 2)
}

func TestManager_PongsKeepLinkAlive(t *testing.T) {
	up := newFakeUpstream(t)

	cfg := testConfig(up.url())
	cfg.HeartbeatTimeout = 30 * time.Millisecond
	m := NewManager(cfg, testLogger())
	t.Cleanup(m.Disconnect)

	require.NoError(t, m.Connect(context.Background()))
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, int32(1), up.connects.Load())
	assert.NotEmpty(t, up.received(ActionPing))
	assert.Equal(t, models.StateConnected, m.State())
}

func TestManager_DeliversTicks(t *testing.T) {
	up := newFakeUpstream(t)
	m := NewManager(testConfig(up.url()), testLogger())
	t.Cleanup(m.Disconnect)

	var mu sync.Mutex
	var ticks []models.Tick
	m.SetTickHandler(func(tick models.Tick, _ time.Time) {
		mu.Lock()
		ticks = append(ticks, tick)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))

	up.push(`{"type":"tick","symbol":"AAPL","price":"oops","ts":1}`)
	up.push(`garbage`)
	up.push(`{"type":"tick","symbol":"AAPL","price":-1,"ts":1}`)
	up.push(`{"type":"tick","symbol":"AAPL","price":100,"size":2,"ts":60000}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ticks) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "AAPL", ticks[0].Symbol)
	assert.Equal(t, "100", ticks[0].Price.String())
	assert.Equal(t, int64(60000), ticks[0].Timestamp.UnixMilli())
}

func TestManager_RateLimitErrorBacksOff(t *testing.T) {
	up := newFakeUpstream(t)
	m := NewManager(testConfig(up.url()), testLogger())
	t.Cleanup(m.Disconnect)

	require.NoError(t, m.Connect(context.Background()))
	raw, _ := json.Marshal(map[string]string{"type": "error", "code": codeRateLimited, "message": "slow down"})
	up.push(string(raw))

	require.Eventually(t, func() bool { return m.Stats().Limiter.RateLimitHits == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1000), m.Stats().Limiter.CurrentBackoffMs)
}

func TestManager_UnsubscribeConnectionHandler(t *testing.T) {
	up := newFakeUpstream(t)
	m := NewManager(testConfig(up.url()), testLogger())
	t.Cleanup(m.Disconnect)

	events := &eventLog{}
	off := m.OnConnectionChange(events.handle)
	off()
	off()

	m.OnConnectionChange(func(models.ConnectionEvent) { panic("handler bug") })

	require.NoError(t, m.Connect(context.Background()))
	assert.Empty(t, events.states())
	assert.Equal(t, models.StateConnected, m.State())
}

func TestManager_PingsBypassRateLimitBackoff(t *testing.T) {
	up := newFakeUpstream(t)

	cfg := testConfig(up.url())
	cfg.HeartbeatTimeout = 40 * time.Millisecond
	m := NewManager(cfg, testLogger())
	t.Cleanup(m.Disconnect)

	require.NoError(t, m.Connect(context.Background()))
	raw, _ := json.Marshal(map[string]string{"type": "error", "code": codeRateLimited, "message": "slow down"})
	up.push(string(raw))
	require.Eventually(t, func() bool { return m.Stats().Limiter.CurrentBackoffMs >= 1000 }, time.Second, 5*time.Millisecond)

	// The 1s backoff outlasts several heartbeat windows; pings must still flow.
	time.Sleep(400 * time.Millisecond)

	assert.Equal(t, int32(1), up.connects.Load())
	assert.GreaterOrEqual(t, len(up.received(ActionPing)), 2)
	assert.Equal(t, models.StateConnected, m.State())
}

func TestManager_FirstConnectFailureKeepsRetrying(t *testing.T) {
	up := newFakeUpstream(t)
	up.refuse.Store(true)

	m := NewManager(testConfig(up.url()), testLogger())
	t.Cleanup(m.Disconnect)

	events := &eventLog{}
	m.OnConnectionChange(events.handle)

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConnection)
	assert.Equal(t, models.StateReconnecting, m.State())

	up.refuse.Store(false)
	require.Eventually(t, func() bool { return m.State() == models.StateConnected }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), up.connects.Load())
	assert.False(t, events.last().Terminal)
}
