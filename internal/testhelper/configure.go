package testhelper

import (
	"fmt"
	"os"
	"testing"

	"gitlab.com/gitlab-org/broadcaster/internal/log"
	"go.uber.org/goleak"
)

// Run sets up required testing state and executes the given test suite. After the suite passed
// it fails the run if any Goroutine was leaked, such as a dispatch worker outliving its
// broadcaster.
func Run(m *testing.M) {
	// Run tests in a separate function such that we can use deferred statements and still
	// (indirectly) call `os.Exit()` in case the test setup failed.
	code, err := func() (int, error) {
		if err := log.Configure(log.Loggers, "json", "panic"); err != nil {
			return 1, fmt.Errorf("test configuration: %w", err)
		}

		code := m.Run()
		if code != 0 {
			return code, nil
		}

		if err := goleak.Find(); err != nil {
			return 1, fmt.Errorf("goroutines leaked: %w", err)
		}

		return 0, nil
	}()
	if err != nil {
		fmt.Printf("%s\n", err)
	}

	os.Exit(code)
}
