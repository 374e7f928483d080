package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nyyu-stream/internal/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func setup(t *testing.T) (*redis.Client, *Publisher) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, NewPublisher(client, "test", quietLogger())
}

func subscribe(t *testing.T, client *redis.Client, channel string) <-chan *redis.Message {
	t.Helper()
	sub := client.Subscribe(context.Background(), channel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)
	return sub.Channel()
}

func receive(t *testing.T, ch <-chan *redis.Message) *redis.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

type recordingQuotes struct {
	got []models.Quote
}

func (s *recordingQuotes) SetQuote(_ context.Context, q models.Quote) error {
	s.got = append(s.got, q)
	return nil
}

func TestPublisher_Channels(t *testing.T) {
	_, p := setup(t)
	key := models.StreamKey{Symbol: "AAPL", Interval: time.Minute}

	assert.Equal(t, "test:candle:AAPL:1m", p.CandleChannel(key))
	assert.Equal(t, "test:candle:AAPL:90000", p.CandleChannel(models.StreamKey{Symbol: "AAPL", Interval: 90 * time.Second}))
	assert.Equal(t, "test:quote:AAPL", p.QuoteChannel("AAPL"))
	assert.Equal(t, "test:status", p.StatusChannel())
}

func TestRelay_PublishesCandleEvents(t *testing.T) {
	client, p := setup(t)
	ch := subscribe(t, client, "test:candle:AAPL:1m")

	r := NewRelay(p, nil, 16, quietLogger())
	r.Start(context.Background())
	defer r.Stop()

	price := decimal.RequireFromString("187.25")
	r.OnCandle(models.CandleEvent{Kind: models.EventClosed, Candle: models.Candle{
		Symbol: "AAPL", Interval: time.Minute, OpenTime: time.UnixMilli(60000).UTC(),
		Open: price, High: price, Low: price, Close: price, IsClosed: true,
	}})

	var msg CandleMessage
	require.NoError(t, json.Unmarshal([]byte(receive(t, ch).Payload), &msg))
	assert.Equal(t, "closed", msg.Event)
	require.NotNil(t, msg.Candle)
	assert.Equal(t, int64(60000), msg.Candle.OpenTime)
	assert.Equal(t, int64(119999), msg.Candle.CloseTime)
	assert.Equal(t, "187.25", msg.Candle.Close)
	assert.Equal(t, "1m", msg.Candle.Interval)
}

func TestRelay_QuotesAreCachedAndPublished(t *testing.T) {
	client, p := setup(t)
	ch := subscribe(t, client, "test:quote:MSFT")
	store := &recordingQuotes{}

	r := NewRelay(p, store, 16, quietLogger())
	r.Start(context.Background())

	r.OnQuote(models.Quote{Symbol: "MSFT", LastPrice: decimal.NewFromInt(410)})
	msg := receive(t, ch)
	r.Stop()

	var q models.Quote
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &q))
	assert.Equal(t, "410", q.LastPrice.String())
	require.Len(t, store.got, 1)
	assert.Equal(t, "MSFT", store.got[0].Symbol)
}

func TestRelay_PublishesStatus(t *testing.T) {
	client, p := setup(t)
	ch := subscribe(t, client, "test:status")

	r := NewRelay(p, nil, 16, quietLogger())
	r.Start(context.Background())
	defer r.Stop()

	r.OnConnectionChange(models.ConnectionEvent{
		State:    models.StateDisconnected,
		Previous: models.StateReconnecting,
		Attempt:  5,
		Terminal: true,
		Err:      errors.New("retries exhausted"),
		At:       time.UnixMilli(1000),
	})

	var msg StatusMessage
	require.NoError(t, json.Unmarshal([]byte(receive(t, ch).Payload), &msg))
	assert.Equal(t, "disconnected", msg.State)
	assert.Equal(t, "reconnecting", msg.Previous)
	assert.True(t, msg.Terminal)
	assert.Equal(t, "retries exhausted", msg.Error)
	assert.Equal(t, int64(1000), msg.At)
}

func TestRelay_StopDrainsQueue(t *testing.T) {
	client, p := setup(t)
	ch := subscribe(t, client, "test:quote:NVDA")

	// Not started: messages wait in the buffer until Stop drains them.
	r := NewRelay(p, nil, 4, quietLogger())
	r.OnQuote(models.Quote{Symbol: "NVDA", LastPrice: decimal.NewFromInt(1)})
	r.OnQuote(models.Quote{Symbol: "NVDA", LastPrice: decimal.NewFromInt(2)})

	r.wg.Add(1)
	go r.worker(context.Background())
	r.Stop()

	receive(t, ch)
	receive(t, ch)
}

func TestRelay_DropsWhenFull(t *testing.T) {
	_, p := setup(t)
	r := NewRelay(p, nil, 1, quietLogger())

	r.OnQuote(models.Quote{Symbol: "A"})
	r.OnQuote(models.Quote{Symbol: "B"})
	assert.Len(t, r.jobs, 1)
}
