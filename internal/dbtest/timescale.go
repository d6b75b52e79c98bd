package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TimescaleImage exposes the image to use for the TimescaleDB container.
//
// See <https://hub.docker.com/r/timescale/timescaledb> for more images.
const TimescaleImage = "docker.io/timescale/timescaledb:latest-pg16"

const postgresPort = nat.Port("5432/tcp")

// SetupTimescale spins up a new TimescaleDB Docker container and returns a
// database handle connected to it through lib/pq. The handle is closed during
// cleanup of the provided [*testing.T].
//
// Like SetupNeo4j, the test is skipped with '-short' and marked as parallel.
func SetupTimescale(t *testing.T) *sql.DB {
	t.Helper()

	longRunning(t)

	ctx := context.Background()

	const user, password, database = "twinsentry", "twinsentry", "journal"
	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        TimescaleImage,
			ExposedPorts: []string{string(postgresPort)},
			Env: map[string]string{
				"POSTGRES_USER":     user,
				"POSTGRES_PASSWORD": password,
				"POSTGRES_DB":       database,
			},
		},
		Started: true,
	}
	// Postgres logs its readiness twice: once for the init scripts and once for
	// the actual server.
	opts := containerOptions(t,
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
		WithWaitForExposedPort(),
	)
	for _, opt := range opts {
		if err := opt.Customize(&req); err != nil {
			t.Fatal("Failed to customize timescale container:", err)
		}
	}

	container, err := testcontainers.GenericContainer(ctx, req)
	if err != nil {
		t.Fatal("Failed to run timescale container:", err)
	}
	terminateOnCleanup(t, ctx, "timescale", container)

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal("Failed to get container host:", err)
	}
	port, err := container.MappedPort(ctx, postgresPort)
	if err != nil {
		t.Fatal("Failed to get mapped port:", err)
	}
	dsn := (&url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, password),
		Host:     fmt.Sprintf("%s:%s", host, port.Port()),
		Path:     database,
		RawQuery: "sslmode=disable",
	}).String()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatal("Failed to open database:", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Error("Encountered an error during cleanup while closing the database:", err)
		}
	})

	if err := verifyWithRetries(t, ctx, "timescale", db.PingContext); err != nil {
		t.Fatalf("Failed to establish a connection with the timescale server after retries: %v", err)
	}

	inspectOnFailure(t, container.GetContainerID(), "DSN = "+dsn)

	return db
}
