package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"nyyu-stream/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// CandleMessage is the payload published for every candle event.
type CandleMessage struct {
	Event  string                 `json:"event"` // updated or closed
	Candle *models.CandleResponse `json:"candle"`
}

// StatusMessage is the payload published for connection changes.
type StatusMessage struct {
	State    string `json:"state"`
	Previous string `json:"previous"`
	Attempt  int    `json:"attempt,omitempty"`
	Terminal bool   `json:"terminal,omitempty"`
	Error    string `json:"error,omitempty"`
	At       int64  `json:"at"`
}

type Publisher struct {
	client *redis.Client
	logger *logrus.Logger
	prefix string
}

func NewPublisher(client *redis.Client, prefix string, logger *logrus.Logger) *Publisher {
	return &Publisher{
		client: client,
		logger: logger,
		prefix: prefix,
	}
}

// CandleChannel is "<prefix>:candle:<symbol>:<interval>", e.g.
// "nyyu:stream:candle:AAPL:1m".
func (p *Publisher) CandleChannel(key models.StreamKey) string {
	return fmt.Sprintf("%s:candle:%s:%s", p.prefix, key.Symbol, models.DurationToInterval(key.Interval))
}

func (p *Publisher) QuoteChannel(symbol string) string {
	return p.prefix + ":quote:" + symbol
}

func (p *Publisher) StatusChannel() string {
	return p.prefix + ":status"
}

// PublishCandle publishes a candle event to its key's channel
func (p *Publisher) PublishCandle(ctx context.Context, ev models.CandleEvent) error {
	data, err := json.Marshal(CandleMessage{
		Event:  ev.Kind.String(),
		Candle: ev.Candle.ToResponse(),
	})
	if err != nil {
		return err
	}

	return p.client.Publish(ctx, p.CandleChannel(ev.Candle.Key()), data).Err()
}

// PublishQuote publishes the latest quote for a symbol
func (p *Publisher) PublishQuote(ctx context.Context, q models.Quote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}

	return p.client.Publish(ctx, p.QuoteChannel(q.Symbol), data).Err()
}

// PublishStatus publishes an upstream connection change
func (p *Publisher) PublishStatus(ctx context.Context, ev models.ConnectionEvent) error {
	msg := StatusMessage{
		State:    ev.State.String(),
		Previous: ev.Previous.String(),
		Attempt:  ev.Attempt,
		Terminal: ev.Terminal,
		At:       ev.At.UnixMilli(),
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	if ev.At.IsZero() {
		msg.At = time.Now().UnixMilli()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return p.client.Publish(ctx, p.StatusChannel(), data).Err()
}
