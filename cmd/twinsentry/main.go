// Command twinsentry runs a digital twin behavioral engine as a standalone
// service.
//
// It consumes device messages from a pubsub subscription, publishes alert
// records to a pubsub topic, and optionally journals transitions and anomalies
// to Neo4j and TimescaleDB and checkpoints its state to a local Badger
// directory:
//
//	twinsentry run \
//		--telemetry-url nats://plant.telemetry \
//		--alerts-url nats://plant.alerts \
//		--schemas kinds.yaml \
//		--checkpoint-dir /var/lib/twinsentry \
//		--metrics-addr :9090
//
// Every flag can also be set in a YAML config file (--config) or through a
// TWINSENTRY_ environment variable, e.g. TWINSENTRY_TELEMETRY_URL. Engine
// tuning lives under the "engine" key of the config file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
