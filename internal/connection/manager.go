package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"nyyu-stream/internal/config"
	"nyyu-stream/internal/metrics"
	"nyyu-stream/internal/models"
)

var (
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	ErrMissedPongs      = errors.New("upstream stopped answering pings")
	ErrQueueFull        = errors.New("outbound queue full")
	errRunStopped       = errors.New("connection run stopped")
)

// TickHandler receives every valid tick on the session's read loop.
type TickHandler func(tick models.Tick, receivedAt time.Time)

// Manager owns the single upstream link: handshake, heartbeats, reconnects
// with exponential backoff and the outbound queue.
//
// Connection change handlers run synchronously and in order. They may call
// Send and State but must not call Connect or Disconnect.
type Manager struct {
	cfg     config.UpstreamConfig
	logger  *logrus.Logger
	dialer  *websocket.Dialer
	limiter *sendLimiter

	mu      sync.Mutex
	state   models.ConnectionState
	attempt int
	manual  bool
	run     *runState
	sess    *session
	pending []OutboundFrame
	seq     uint64
	onTick  TickHandler

	handlersMu sync.Mutex
	handlers   []handlerEntry
	nextID     uint64

	emitMu      sync.Mutex
	lastEmitted uint64

	wg sync.WaitGroup
}

// runState spans one Connect call and the reconnect cycles that follow it,
// until Disconnect or retry exhaustion cancels it.
type runState struct {
	ctx    context.Context
	cancel context.CancelFunc
}

type outbound struct {
	action string
	data   []byte
}

type session struct {
	conn *websocket.Conn
	out  chan outbound
	done chan struct{}

	hbMu sync.Mutex
	hb   *heartbeatMonitor

	// wmu serializes data writes; the socket allows one writer at a time.
	wmu sync.Mutex

	closeOnce sync.Once
}

func (s *session) write(data []byte, timeout time.Duration) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) traffic(now time.Time) {
	s.hbMu.Lock()
	s.hb.traffic(now)
	s.hbMu.Unlock()
}

func (s *session) heartbeat(now time.Time) heartbeatAction {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	return s.hb.tick(now)
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = s.conn.Close()
	})
}

type handlerEntry struct {
	id uint64
	fn func(models.ConnectionEvent)
}

type stateChange struct {
	seq uint64
	ev  models.ConnectionEvent
}

// NewManager creates a manager in the Disconnected state.
func NewManager(cfg config.UpstreamConfig, logger *logrus.Logger) *Manager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 15 * time.Second
	}
	if cfg.MaxMissedPongs <= 0 {
		cfg.MaxMissedPongs = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	return &Manager{
		cfg:     cfg,
		logger:  logger,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		limiter: newSendLimiter(cfg.SendRate, cfg.SendBurst),
		state:   models.StateDisconnected,
	}
}

// SetTickHandler installs the consumer of decoded ticks. Call it before Connect.
func (m *Manager) SetTickHandler(h TickHandler) {
	m.mu.Lock()
	m.onTick = h
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnConnectionChange registers h for every state transition and returns a
// function that removes it.
func (m *Manager) OnConnectionChange(h func(models.ConnectionEvent)) func() {
	m.handlersMu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers = append(m.handlers, handlerEntry{id: id, fn: h})
	m.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.handlersMu.Lock()
			defer m.handlersMu.Unlock()
			for i, e := range m.handlers {
				if e.id == id {
					m.handlers = append(m.handlers[:i:i], m.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Connect dials the upstream and performs the login handshake. It is a no-op
// while a connection exists or is being (re)established. On failure a
// reconnect cycle is scheduled and the error is returned.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != models.StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.manual = false
	m.attempt = 0
	runCtx, cancel := context.WithCancel(context.Background())
	run := &runState{ctx: runCtx, cancel: cancel}
	m.run = run
	change := m.setStateLocked(models.StateConnecting, nil, false)
	m.mu.Unlock()
	m.emit(change)

	err := m.establish(ctx, run)
	if err == nil || errors.Is(err, errRunStopped) {
		return err
	}

	m.logger.WithError(err).Warn("Initial upstream connect failed, scheduling reconnect")
	m.lose(run, nil, err)
	return err
}

// Disconnect closes the link and stops reconnecting. Frames sent afterwards
// are logged and dropped until the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	if n := len(m.pending); n > 0 {
		metrics.FramesDropped.WithLabelValues("disconnected").Add(float64(n))
	}
	m.pending = nil
	run, sess := m.run, m.sess
	m.run, m.sess = nil, nil
	if run != nil {
		run.cancel()
	}
	var change *stateChange
	if m.state != models.StateDisconnected {
		c := m.setStateLocked(models.StateDisconnected, nil, true)
		change = &c
	}
	m.mu.Unlock()

	if sess != nil {
		sess.close()
	}
	if change != nil {
		m.emit(*change)
	}
	m.wg.Wait()
	m.logger.Info("Upstream disconnected")
}

// Send writes frame immediately when connected and queues it while a
// connection is being established. After Disconnect it is dropped.
//
// Queued subscribe and unsubscribe frames are discarded when a session is
// established, since the registry replays its full interest set on every
// Connected event.
func (m *Manager) Send(frame OutboundFrame) error {
	m.mu.Lock()
	if m.manual {
		m.mu.Unlock()
		metrics.FramesDropped.WithLabelValues("disconnected").Inc()
		m.logger.WithFields(logrus.Fields{
			"action":  frame.Action,
			"symbols": frame.Symbols,
		}).Debug("Dropping frame after manual disconnect")
		return nil
	}
	if m.state == models.StateConnected && m.sess != nil {
		sess := m.sess
		m.mu.Unlock()
		return m.enqueue(sess, frame)
	}

	m.pending = append(m.pending, frame)
	if over := len(m.pending) - m.cfg.QueueSize; over > 0 {
		m.pending = m.pending[over:]
		metrics.FramesDropped.WithLabelValues("queue_full").Add(float64(over))
		m.logger.Warnf("Pending frame queue full, dropped %d oldest", over)
	}
	m.mu.Unlock()
	return nil
}

// Stats is a snapshot for the status endpoint.
type Stats struct {
	State   string       `json:"state"`
	Attempt int          `json:"attempt"`
	Queued  int          `json:"queued"`
	Limiter LimiterStats `json:"limiter"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		State:   m.state.String(),
		Attempt: m.attempt,
		Queued:  len(m.pending),
		Limiter: m.limiter.Stats(),
	}
}

func (m *Manager) enqueue(sess *session, frame OutboundFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", frame.Action, err)
	}

	select {
	case sess.out <- outbound{action: frame.Action, data: data}:
		return nil
	default:
		metrics.FramesDropped.WithLabelValues("queue_full").Inc()
		m.logger.WithField("action", frame.Action).Warn("Outbound queue full, dropping frame")
		return ErrQueueFull
	}
}

// establish dials, authenticates and installs a new session. It is used by
// Connect and by every reconnect attempt.
func (m *Manager) establish(ctx context.Context, run *runState) error {
	conn, err := m.handshake(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	sess := &session{
		conn: conn,
		out:  make(chan outbound, m.cfg.QueueSize),
		done: make(chan struct{}),
		hb:   newHeartbeatMonitor(m.cfg.HeartbeatTimeout, m.cfg.MaxMissedPongs, now),
	}
	conn.SetPongHandler(func(string) error {
		sess.traffic(time.Now())
		return nil
	})

	m.mu.Lock()
	if m.run != run || run.ctx.Err() != nil {
		m.mu.Unlock()
		sess.close()
		return errRunStopped
	}
	attempt := m.attempt
	m.sess = sess
	m.attempt = 0

	superseded := 0
	for _, f := range m.pending {
		if f.isSubscriptionControl() {
			superseded++
			continue
		}
		_ = m.enqueue(sess, f)
	}
	m.pending = nil
	if superseded > 0 {
		metrics.FramesDropped.WithLabelValues("superseded").Add(float64(superseded))
	}

	change := m.setStateLocked(models.StateConnected, nil, false)
	m.wg.Add(3)
	m.mu.Unlock()

	go m.readLoop(run, sess)
	go m.writeLoop(run, sess)
	go m.heartbeatLoop(run, sess)

	m.logger.WithFields(logrus.Fields{
		"url":        m.cfg.URL,
		"attempt":    attempt,
		"superseded": superseded,
	}).Info("Upstream connected")

	m.emit(change)
	return nil
}

func (m *Manager) handshake(ctx context.Context) (*websocket.Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := m.dialer.DialContext(hctx, m.cfg.URL, nil)
	if err != nil {
		metrics.ConnectionErrors.WithLabelValues("dial").Inc()
		return nil, models.NewConnectionError("dial", err)
	}

	fail := func(err error) (*websocket.Conn, error) {
		conn.Close()
		metrics.ConnectionErrors.WithLabelValues("auth").Inc()
		return nil, models.NewConnectionError("auth", err)
	}

	auth, err := json.Marshal(authFrame(m.cfg.APIKey, m.cfg.APISecret, time.Now()))
	if err != nil {
		return fail(err)
	}

	deadline := time.Now().Add(m.cfg.HandshakeTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, auth); err != nil {
		return fail(err)
	}

	_ = conn.SetReadDeadline(deadline)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fail(err)
		}
		f, err := decodeFrame(data)
		if err != nil || f.Type != TypeAuth {
			// Frames before the auth ack are not expected; ignore them.
			continue
		}
		if f.Status != "ok" {
			return fail(fmt.Errorf("%w: %s", ErrAuthRejected, f.Message))
		}
		break
	}

	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

// lose tears down sess (nil for a failed initial connect) and starts a
// reconnect cycle. Only the first caller for a given session has any effect.
func (m *Manager) lose(run *runState, sess *session, cause error) {
	m.mu.Lock()
	if m.run != run || run.ctx.Err() != nil || m.sess != sess {
		m.mu.Unlock()
		return
	}
	m.sess = nil
	change := m.setStateLocked(models.StateReconnecting, cause, false)
	m.wg.Add(1)
	m.mu.Unlock()

	if sess != nil {
		sess.close()
	}
	m.emit(change)
	go m.reconnectLoop(run)
}

func (m *Manager) reconnectLoop(run *runState) {
	defer m.wg.Done()

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		m.mu.Lock()
		if m.run != run || run.ctx.Err() != nil {
			m.mu.Unlock()
			return
		}
		m.attempt = attempt
		m.mu.Unlock()

		delay := reconnectDelay(attempt, m.cfg.BaseDelay, m.cfg.MaxDelay)
		metrics.ReconnectAttempts.Inc()
		m.logger.WithFields(logrus.Fields{
			"attempt":      attempt,
			"max_attempts": m.cfg.MaxAttempts,
			"delay":        delay.String(),
		}).Info("Reconnecting to upstream")

		timer := time.NewTimer(delay)
		select {
		case <-run.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := m.establish(run.ctx, run)
		if err == nil || errors.Is(err, errRunStopped) {
			return
		}
		lastErr = err
		m.logger.WithError(err).Warnf("Reconnect attempt %d failed", attempt)
	}

	m.mu.Lock()
	if m.run != run || run.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	run.cancel()
	m.run = nil
	cause := models.NewConnectionError("reconnect", errors.Join(ErrRetriesExhausted, lastErr))
	change := m.setStateLocked(models.StateDisconnected, cause, true)
	m.mu.Unlock()

	metrics.ConnectionErrors.WithLabelValues("exhausted").Inc()
	m.logger.WithError(cause).Error("Giving up on upstream")
	m.emit(change)
}

// reconnectDelay is min(base*2^(attempt-1), max).
func reconnectDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (m *Manager) readLoop(run *runState, sess *session) {
	defer m.wg.Done()

	for {
		_, data, err := sess.conn.ReadMessage()
		receivedAt := time.Now()
		if err != nil {
			select {
			case <-sess.done:
				return
			default:
			}
			metrics.ConnectionErrors.WithLabelValues("read").Inc()
			m.logger.WithError(err).Warn("Upstream read failed")
			m.lose(run, sess, models.NewConnectionError("read", err))
			return
		}

		sess.traffic(receivedAt)
		m.handleFrame(data, receivedAt)
	}
}

func (m *Manager) handleFrame(data []byte, receivedAt time.Time) {
	f, err := decodeFrame(data)
	if err != nil {
		metrics.MalformedFrames.Inc()
		m.logger.WithError(err).Debug("Dropping malformed frame")
		return
	}
	metrics.FramesReceived.WithLabelValues(f.Type).Inc()

	switch f.Type {
	case TypeTick:
		tick, err := f.tick()
		if err != nil {
			metrics.MalformedFrames.Inc()
			m.logger.WithError(err).Debug("Dropping invalid tick")
			return
		}
		m.mu.Lock()
		h := m.onTick
		m.mu.Unlock()
		if h != nil {
			h(tick, receivedAt)
		}

	case TypePong:

	case TypeError:
		if f.Code == codeRateLimited {
			m.limiter.RecordRateLimitHit()
			metrics.RateLimitHits.Inc()
		}
		m.logger.WithFields(logrus.Fields{
			"code":    f.Code,
			"message": f.Message,
		}).Warn("Upstream reported error")

	case TypeSubscribed, TypeUnsubscribed:
		m.logger.WithFields(logrus.Fields{
			"type":     f.Type,
			"symbols":  f.Symbols,
			"interval": f.IntervalMs,
		}).Debug("Upstream acknowledged")

	default:
		m.logger.WithField("type", f.Type).Debug("Ignoring unknown frame type")
	}
}

func (m *Manager) writeLoop(run *runState, sess *session) {
	defer m.wg.Done()

	for {
		select {
		case <-sess.done:
			return
		case msg := <-sess.out:
			if err := m.limiter.Wait(run.ctx); err != nil {
				return
			}
			select {
			case <-sess.done:
				return
			default:
			}

			if err := sess.write(msg.data, m.cfg.WriteTimeout); err != nil {
				metrics.ConnectionErrors.WithLabelValues("write").Inc()
				m.logger.WithError(err).Warn("Upstream write failed")
				m.lose(run, sess, models.NewConnectionError("write", err))
				return
			}
			m.limiter.RecordSuccess()
			metrics.FramesSent.WithLabelValues(msg.action).Inc()
		}
	}
}

func (m *Manager) heartbeatLoop(run *runState, sess *session) {
	defer m.wg.Done()

	interval := m.cfg.HeartbeatTimeout / 4
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case now := <-ticker.C:
			switch sess.heartbeat(now) {
			case heartbeatPing:
				m.logger.Debug("No upstream traffic, sending ping")
				m.ping(run, sess)
			case heartbeatReconnect:
				metrics.ConnectionErrors.WithLabelValues("heartbeat").Inc()
				m.logger.Warnf("Upstream missed %d pongs, reconnecting", m.cfg.MaxMissedPongs)
				m.lose(run, sess, models.NewConnectionError("heartbeat", ErrMissedPongs))
				return
			}
		}
	}
}

// ping writes a heartbeat ping directly, bypassing the outbound queue and
// the send limiter. A rate-limit backoff can outlast the heartbeat window.
func (m *Manager) ping(run *runState, sess *session) {
	data, err := json.Marshal(PingFrame())
	if err != nil {
		return
	}
	if err := sess.write(data, m.cfg.WriteTimeout); err != nil {
		metrics.ConnectionErrors.WithLabelValues("write").Inc()
		m.logger.WithError(err).Warn("Upstream ping failed")
		m.lose(run, sess, models.NewConnectionError("write", err))
		return
	}
	metrics.FramesSent.WithLabelValues(ActionPing).Inc()
}

func (m *Manager) setStateLocked(to models.ConnectionState, err error, terminal bool) stateChange {
	prev := m.state
	m.state = to
	m.seq++
	metrics.ConnectionState.Set(float64(to))
	return stateChange{
		seq: m.seq,
		ev: models.ConnectionEvent{
			State:    to,
			Previous: prev,
			Attempt:  m.attempt,
			Terminal: terminal,
			Err:      err,
			At:       time.Now(),
		},
	}
}

// emit delivers a change to every handler. A change that was overtaken by a
// newer one before it could be delivered is skipped, so handlers always end
// on the current state.
func (m *Manager) emit(c stateChange) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	if c.seq <= m.lastEmitted {
		return
	}
	m.lastEmitted = c.seq

	entry := m.logger.WithFields(logrus.Fields{
		"state":    c.ev.State.String(),
		"previous": c.ev.Previous.String(),
		"attempt":  c.ev.Attempt,
	})
	if c.ev.Err != nil {
		entry = entry.WithError(c.ev.Err)
	}
	entry.Debug("Connection state changed")

	m.handlersMu.Lock()
	handlers := make([]handlerEntry, len(m.handlers))
	copy(handlers, m.handlers)
	m.handlersMu.Unlock()

	for _, h := range handlers {
		m.callHandler(h.fn, c.ev)
	}
}

func (m *Manager) callHandler(h func(models.ConnectionEvent), ev models.ConnectionEvent) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CallbackErrors.Inc()
			m.logger.WithField("panic", r).Error("Connection change handler panicked")
		}
	}()
	h(ev)
}
