package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/log"
	"github.com/testcontainers/testcontainers-go/wait"
)

// containerOptions prefixes opts with a logger that logs to the given
// [testing.TB].
func containerOptions(tb testing.TB, opts ...testcontainers.ContainerCustomizer) []testcontainers.ContainerCustomizer {
	customizers := make([]testcontainers.ContainerCustomizer, 0, len(opts)+1)
	customizers = append(customizers, testcontainers.WithLogger(log.TestLogger(tb)))
	return append(customizers, opts...)
}

// WithWaitForExposedPort extends the wait strategy of a container to also wait
// for its exposed port to accept connections.
//
// Some images log their readiness before they listen on their port, and tests
// using them fail spontaneously when they connect too early. Do not use it
// with containers exposing more than a single port.
func WithWaitForExposedPort() testcontainers.CustomizeRequestOption {
	return func(req *testcontainers.GenericContainerRequest) error {
		strategies := []wait.Strategy{wait.ForExposedPort()}
		if req.WaitingFor != nil {
			strategies = append(strategies, req.WaitingFor)
		}
		return testcontainers.WithWaitStrategy(strategies...).Customize(req)
	}
}

// verifyWithRetries calls verify until it succeeds, a few times at most.
//
// Containers may report that they are ready slightly before the database
// accepts sessions, so the first check of a fresh container is allowed to fail.
func verifyWithRetries(t *testing.T, ctx context.Context, what string, verify func(context.Context) error) error {
	t.Helper()

	const retryLimit = 5
	const retryPause = 100 * time.Millisecond

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(retryPause), retryLimit), ctx)
	var attempt int
	return backoff.RetryNotify(func() error { return verify(ctx) }, b, func(err error, _ time.Duration) {
		attempt++
		t.Logf("Attempting retry [%d/%d] after failing to connect to %v: %v", attempt, retryLimit, what, err)
	})
}

// longRunning skips t in short mode and otherwise runs it in parallel with the
// other container tests.
func longRunning(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping container-based test in short mode...")
	}
	t.Parallel()
}

// terminateOnCleanup tears the container down once the test completes.
func terminateOnCleanup(t *testing.T, ctx context.Context, what string, c testcontainers.Container) {
	t.Cleanup(func() {
		t.Logf("Terminating %v container %q...", what, c.GetContainerID())
		if err := c.Terminate(ctx); err != nil {
			t.Errorf("Couldn't terminate %v container: %v", what, err)
		}
	})
}
