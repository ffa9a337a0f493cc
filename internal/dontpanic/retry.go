// Package dontpanic provides function wrappers to ensure that wrapped code
// does not panic and cause program crashes.
//
// The broadcaster calls into replicas it doesn't control from its dispatch
// workers. A replica panicking must cost the broadcaster that replica, not the
// process.
package dontpanic

import (
	"fmt"

	sentry "github.com/getsentry/sentry-go"
	"gitlab.com/gitlab-org/broadcaster/internal/log"
)

// PanicError wraps a value recovered from a panic.
type PanicError struct {
	Recovered interface{}
}

func (err PanicError) Error() string {
	return fmt.Sprintf("recovered from panic: %v", err.Recovered)
}

// Try will wrap the provided function with a panic recovery. If a panic occurs,
// the recovered panic will be sent to Sentry and logged as an error.
// Returns `true` if no panic and `false` otherwise.
func Try(fn func()) bool { return Recover(fn) == nil }

// Recover runs fn and returns a PanicError if it panicked. The recovered
// value is sent to Sentry and logged as an error.
func Recover(fn func()) (err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}

		err = PanicError{Recovered: recovered}
		report(recovered)
	}()

	fn()
	return nil
}

// Go will run the provided function in a goroutine and recover from any
// panics.  If a panic occurs, the recovered panic will be sent to Sentry
// and logged as an error. Go is best used in fire-and-forget goroutines where
// observability is lost.
func Go(fn func()) { go Try(fn) }

var logger = log.Default()

func report(recovered interface{}) {
	var id *sentry.EventID
	if err, ok := recovered.(error); ok {
		id = sentry.CaptureException(err)
	} else {
		id = sentry.CaptureMessage(fmt.Sprint(recovered))
	}

	entry := logger
	if id != nil && *id != "" {
		entry = entry.WithField("sentry_id", *id)
	}

	entry.Errorf("dontpanic: recovered from panic: %+v", recovered)
}
