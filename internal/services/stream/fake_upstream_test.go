package stream

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"nyyu-stream/internal/connection"
	"nyyu-stream/internal/models"
)

type handlerSlot struct {
	id int
	fn func(models.ConnectionEvent)
}

// fakeUpstream is an in-memory Upstream that records frames and lets tests
// drive state changes and ticks directly.
type fakeUpstream struct {
	mu       sync.Mutex
	state    models.ConnectionState
	frames   []connection.OutboundFrame
	handlers []handlerSlot
	nextID   int
	onTick   connection.TickHandler
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{state: models.StateDisconnected}
}

func (u *fakeUpstream) Connect(context.Context) error {
	u.setState(models.StateConnected)
	return nil
}

func (u *fakeUpstream) Disconnect() { u.setState(models.StateDisconnected) }

func (u *fakeUpstream) Send(f connection.OutboundFrame) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.frames = append(u.frames, f)
	return nil
}

func (u *fakeUpstream) State() models.ConnectionState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *fakeUpstream) OnConnectionChange(h func(models.ConnectionEvent)) func() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.nextID++
	id := u.nextID
	u.handlers = append(u.handlers, handlerSlot{id: id, fn: h})
	return func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		for i, s := range u.handlers {
			if s.id == id {
				u.handlers = append(u.handlers[:i:i], u.handlers[i+1:]...)
				return
			}
		}
	}
}

func (u *fakeUpstream) SetTickHandler(h connection.TickHandler) {
	u.mu.Lock()
	u.onTick = h
	u.mu.Unlock()
}

func (u *fakeUpstream) setState(s models.ConnectionState) {
	u.mu.Lock()
	prev := u.state
	u.state = s
	handlers := append([]handlerSlot(nil), u.handlers...)
	u.mu.Unlock()

	ev := models.ConnectionEvent{State: s, Previous: prev, At: time.Now()}
	for _, h := range handlers {
		h.fn(ev)
	}
}

func (u *fakeUpstream) tick(symbol string, ms int64, price string) {
	u.mu.Lock()
	h := u.onTick
	u.mu.Unlock()
	h(models.Tick{
		Symbol:    symbol,
		Timestamp: time.UnixMilli(ms).UTC(),
		Price:     decimal.RequireFromString(price),
		Size:      decimal.NewNullDecimal(decimal.NewFromInt(1)),
	}, time.Now())
}

func (u *fakeUpstream) actions(action string) []connection.OutboundFrame {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []connection.OutboundFrame
	for _, f := range u.frames {
		if f.Action == action {
			out = append(out, f)
		}
	}
	return out
}

func (u *fakeUpstream) resetFrames() {
	u.mu.Lock()
	u.frames = nil
	u.mu.Unlock()
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
