package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/microsoft/perldbg/pkg/osutil"
)

// Overrides every test timeout, as a Go duration. Handy when stepping through tests in a debugger.
const PERLDBG_TEST_TIMEOUT = "PERLDBG_TEST_TIMEOUT"

// GetTestContext returns a context that expires after testTimeout or at the test deadline, whichever comes first.
// A zero testTimeout means only the test deadline applies.
func GetTestContext(t *testing.T, testTimeout time.Duration) (context.Context, context.CancelFunc) {
	if override := osutil.EnvVarDurationValWithDefault(PERLDBG_TEST_TIMEOUT, 0); override > 0 {
		return context.WithTimeout(context.Background(), override)
	}

	deadline, haveDeadline := t.Deadline()
	if testTimeout > 0 {
		timeoutDeadline := time.Now().Add(testTimeout)
		if !haveDeadline || timeoutDeadline.Before(deadline) {
			deadline, haveDeadline = timeoutDeadline, true
		}
	}

	if !haveDeadline {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), deadline)
}
