package models

import (
	"fmt"
	"time"
)

// StreamKey identifies one upstream subscription.
type StreamKey struct {
	Symbol   string
	Interval time.Duration
}

func (k StreamKey) String() string {
	return fmt.Sprintf("%s@%d", k.Symbol, k.Interval.Milliseconds())
}

// EventKind tells a consumer whether a candle is still forming or final.
type EventKind int

const (
	EventUpdated EventKind = iota + 1
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventUpdated:
		return "updated"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CandleEvent is what the distribution layer hands to consumers.
type CandleEvent struct {
	Kind   EventKind `json:"kind"`
	Candle Candle    `json:"candle"`
}

// ConnectionState of the single upstream link.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ConnectionEvent is emitted on every state transition.
type ConnectionEvent struct {
	State    ConnectionState `json:"state"`
	Previous ConnectionState `json:"previous"`
	Attempt  int             `json:"attempt"`
	// Terminal is set when the manager has given up (retries exhausted or a
	// manual disconnect) and will not reconnect on its own.
	Terminal bool      `json:"terminal"`
	Err      error     `json:"-"`
	At       time.Time `json:"at"`
}
