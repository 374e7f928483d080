package connection

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"nyyu-stream/internal/models"
)

// Outbound actions
const (
	ActionAuth        = "auth"
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// Inbound frame types
const (
	TypeAuth         = "auth"
	TypeTick         = "tick"
	TypePong         = "pong"
	TypeError        = "error"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
)

// Upstream error code that triggers adaptive send backoff.
const codeRateLimited = "rate_limited"

var (
	ErrAuthRejected = errors.New("authentication rejected")
	errBadTick      = errors.New("invalid tick")
)

// OutboundFrame is a frame written to the upstream link.
type OutboundFrame struct {
	Action     string   `json:"action"`
	Symbols    []string `json:"symbols,omitempty"`
	IntervalMs int64    `json:"intervalMs,omitempty"`

	Key       string `json:"key,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// SubscribeFrame asks the upstream to start streaming symbols for interval.
func SubscribeFrame(interval time.Duration, symbols ...string) OutboundFrame {
	return OutboundFrame{Action: ActionSubscribe, Symbols: symbols, IntervalMs: interval.Milliseconds()}
}

// UnsubscribeFrame asks the upstream to stop streaming symbols for interval.
func UnsubscribeFrame(interval time.Duration, symbols ...string) OutboundFrame {
	return OutboundFrame{Action: ActionUnsubscribe, Symbols: symbols, IntervalMs: interval.Milliseconds()}
}

// PingFrame is the application-level keepalive.
func PingFrame() OutboundFrame {
	return OutboundFrame{Action: ActionPing}
}

// isSubscriptionControl reports whether the frame changes upstream interest.
// Such frames are superseded by the replay that follows every new session.
func (f OutboundFrame) isSubscriptionControl() bool {
	return f.Action == ActionSubscribe || f.Action == ActionUnsubscribe
}

// authFrame signs "<timestamp><key>" with the API secret.
func authFrame(key, secret string, now time.Time) OutboundFrame {
	ts := now.UnixMilli()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10) + key))
	return OutboundFrame{
		Action:    ActionAuth,
		Key:       key,
		Timestamp: ts,
		Signature: hex.EncodeToString(mac.Sum(nil)),
	}
}

// inboundFrame is the union of every frame the upstream sends.
type inboundFrame struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`

	Symbol string              `json:"symbol"`
	Price  decimal.NullDecimal `json:"price"`
	Size   decimal.NullDecimal `json:"size"`
	Bid    decimal.NullDecimal `json:"bid"`
	Ask    decimal.NullDecimal `json:"ask"`
	TS     int64               `json:"ts"`

	Symbols    []string `json:"symbols"`
	IntervalMs int64    `json:"intervalMs"`
}

func decodeFrame(data []byte) (*inboundFrame, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, models.NewTransientError("decode", err)
	}
	if f.Type == "" {
		return nil, models.NewTransientError("decode", errors.New("missing frame type"))
	}
	return &f, nil
}

// tick converts a tick frame, rejecting anything that cannot produce a valid
// candle update.
func (f *inboundFrame) tick() (models.Tick, error) {
	switch {
	case f.Symbol == "":
		return models.Tick{}, models.NewTransientError("tick", fmt.Errorf("%w: missing symbol", errBadTick))
	case !f.Price.Valid || !f.Price.Decimal.IsPositive():
		return models.Tick{}, models.NewTransientError("tick", fmt.Errorf("%w: bad price for %s", errBadTick, f.Symbol))
	case f.TS <= 0:
		return models.Tick{}, models.NewTransientError("tick", fmt.Errorf("%w: bad timestamp for %s", errBadTick, f.Symbol))
	case f.Size.Valid && f.Size.Decimal.IsNegative():
		return models.Tick{}, models.NewTransientError("tick", fmt.Errorf("%w: negative size for %s", errBadTick, f.Symbol))
	}
	return models.Tick{
		Symbol:    f.Symbol,
		Timestamp: time.UnixMilli(f.TS).UTC(),
		Price:     f.Price.Decimal,
		Size:      f.Size,
		Bid:       f.Bid,
		Ask:       f.Ask,
	}, nil
}
