package testhelper

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// NewDiscardingLogger creates a logger that discards everything. It logs at
// debug level so that every logging call of the code under test is formatted.
func NewDiscardingLogger(tb testing.TB) *logrus.Logger {
	logger := logrus.New()
	logger.Out = io.Discard
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

// NewDiscardingLogEntry creates a logrus entry that discards everything.
func NewDiscardingLogEntry(tb testing.TB) *logrus.Entry {
	return logrus.NewEntry(NewDiscardingLogger(tb))
}

// NewCapturingLogEntry creates a logrus entry that discards its output. The
// returned hook records every entry logged through it.
func NewCapturingLogEntry(tb testing.TB) (*logrus.Entry, *test.Hook) {
	logger := NewDiscardingLogger(tb)
	return logrus.NewEntry(logger), test.NewLocal(logger)
}
