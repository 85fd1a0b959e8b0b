package util

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestGracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := GracefulShutdown(ctx, func(context.Context) error {
		called = true
		return nil
	}, time.Second)
	assert.NilError(t, err)
	assert.Assert(t, called)
}

func TestGracefulShutdownTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	block := make(chan struct{})
	defer close(block)
	err := GracefulShutdown(ctx, func(context.Context) error {
		<-block
		return nil
	}, 50*time.Millisecond)
	assert.Equal(t, err, context.DeadlineExceeded)
}
