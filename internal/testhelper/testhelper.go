package testhelper

import (
	"context"
	"testing"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// ContextOpt returns a new context instance with the new additions to it.
type ContextOpt func(context.Context) (context.Context, func())

// ContextWithTimeout allows to set provided timeout to the context.
func ContextWithTimeout(duration time.Duration) ContextOpt {
	return func(ctx context.Context) (context.Context, func()) {
		return context.WithTimeout(ctx, duration)
	}
}

// ContextWithLogger allows to inject provided logger into the context.
func ContextWithLogger(logger *log.Entry) ContextOpt {
	return func(ctx context.Context) (context.Context, func()) {
		return ctxlogrus.ToContext(ctx, logger), func() {}
	}
}

// Context returns a cancellable context.
func Context(opts ...ContextOpt) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())

	cancels := make([]func(), len(opts)+1)
	cancels[0] = cancel
	for i, opt := range opts {
		ctx, cancel = opt(ctx)
		cancels[i+1] = cancel
	}

	return ctx, func() {
		for i := len(cancels) - 1; i >= 0; i-- {
			cancels[i]()
		}
	}
}

// RequireClosed fails the test if the channel isn't closed within the timeout.
func RequireClosed(tb testing.TB, ch <-chan struct{}, timeout time.Duration, msg string) {
	tb.Helper()

	select {
	case <-ch:
	case <-time.After(timeout):
		require.FailNow(tb, "timed out waiting for channel to close", msg)
	}
}

// RequireOpen fails the test if the channel gets closed within the wait.
func RequireOpen(tb testing.TB, ch <-chan struct{}, wait time.Duration, msg string) {
	tb.Helper()

	select {
	case <-ch:
		require.FailNow(tb, "channel closed unexpectedly", msg)
	case <-time.After(wait):
	}
}
