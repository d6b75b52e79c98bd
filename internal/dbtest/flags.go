package dbtest

import (
	"flag"
	"os"
	"os/signal"
	"testing"
)

// Inspect keeps the container of a failed test running until Ctrl+C, so the
// journal it holds can be queried by hand. The testcontainers reaper still
// removes it eventually.
var Inspect = flag.Bool("dbtest.inspect", false, "keep the database container of a failed test running until interrupted")

// inspectOnFailure registers a cleanup that, when the test failed and Inspect
// is set, logs how to reach the container and blocks until interrupted.
func inspectOnFailure(t testing.TB, containerID string, endpoints ...string) {
	t.Cleanup(func() {
		if !t.Failed() || !*Inspect {
			return
		}
		t.Logf("Container %v is still running for inspection (Ctrl+C to terminate)...", containerID)
		for _, e := range endpoints {
			t.Log(e)
		}
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt)
		defer signal.Stop(c)
		<-c
	})
}
