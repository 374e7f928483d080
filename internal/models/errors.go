package models

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is against a *StreamError.
var (
	ErrConnection        = errors.New("connection error")
	ErrTransientUpstream = errors.New("transient upstream error")
	ErrStaleData         = errors.New("stale data")
	ErrConsumerCallback  = errors.New("consumer callback error")
)

// StreamError is the error type shared by the streaming pipeline.
type StreamError struct {
	Kind error
	Op   string
	Key  string
	Err  error
}

func (e *StreamError) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Key != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Key)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StreamError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func NewConnectionError(op string, err error) error {
	return &StreamError{Kind: ErrConnection, Op: op, Err: err}
}

func NewTransientError(op string, err error) error {
	return &StreamError{Kind: ErrTransientUpstream, Op: op, Err: err}
}

func NewStaleError(key StreamKey, err error) error {
	return &StreamError{Kind: ErrStaleData, Op: "aggregate", Key: key.String(), Err: err}
}

func NewCallbackError(key StreamKey, recovered any) error {
	return &StreamError{Kind: ErrConsumerCallback, Op: "dispatch", Key: key.String(), Err: fmt.Errorf("panic: %v", recovered)}
}
