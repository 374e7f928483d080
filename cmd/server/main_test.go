package main

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type connectFunc func(ctx context.Context) error

func (f connectFunc) Connect(ctx context.Context) error { return f(ctx) }

func TestStartUpstream_FailureIsNotFatal(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.ExitFunc = func(int) { t.Fatal("startUpstream must not exit the process") }

	calls := 0
	startUpstream(context.Background(), connectFunc(func(context.Context) error {
		calls++
		return errors.New("dial tcp: connection refused")
	}), logger)

	assert.Equal(t, 1, calls)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestStartUpstream_Success(t *testing.T) {
	logger, hook := logtest.NewNullLogger()

	startUpstream(context.Background(), connectFunc(func(context.Context) error { return nil }), logger)
	assert.Empty(t, hook.AllEntries())
}
