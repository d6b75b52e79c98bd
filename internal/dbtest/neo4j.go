package dbtest

import (
	"context"
	"net/url"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	neo4jtest "github.com/testcontainers/testcontainers-go/modules/neo4j"
)

// Neo4jImage is the image of the Neo4j container. Node key constraints, which
// neo4jsink.BootstrapDatabase creates, need the enterprise edition.
const Neo4jImage = "docker.io/neo4j:5-enterprise"

// The browser is served over HTTP next to the bolt port.
const neo4jHTTP = nat.Port("7474/tcp")

// SetupNeo4j runs a Neo4j server without authentication and returns a driver
// connected to it. The test is skipped in short mode and runs in parallel; the
// driver and the container are released when it completes.
//
// Journal tests should bootstrap a database of their own rather than write to
// the default one.
func SetupNeo4j(t *testing.T) neo4j.DriverWithContext {
	t.Helper()
	longRunning(t)
	ctx := context.Background()

	container, err := neo4jtest.Run(ctx, Neo4jImage, containerOptions(t,
		neo4jtest.WithoutAuthentication(),
		neo4jtest.WithAcceptCommercialLicenseAgreement(),
	)...)
	if err != nil {
		t.Fatal("Failed to run neo4j container:", err)
	}
	terminateOnCleanup(t, ctx, "neo4j", container)

	boltURL, err := container.BoltUrl(ctx)
	if err != nil {
		t.Fatal("Failed to get bolt url:", err)
	}
	browser, err := container.PortEndpoint(ctx, neo4jHTTP, "http")
	if err != nil {
		t.Fatal("Failed to get browser endpoint:", err)
	}

	driver, err := neo4j.NewDriverWithContext(boltURL, neo4j.NoAuth())
	if err != nil {
		t.Fatal("Failed to open neo4j driver:", err)
	}
	t.Cleanup(func() {
		if err := driver.Close(ctx); err != nil {
			t.Error("Couldn't close neo4j driver:", err)
		}
	})
	if err := verifyWithRetries(t, ctx, "neo4j", driver.VerifyConnectivity); err != nil {
		t.Fatalf("Neo4j is unreachable at %v: %v", boltURL, err)
	}

	// <https://neo4j.com/docs/browser-manual/current/operations/browser-url-parameters>
	inspectOnFailure(t, container.GetContainerID(),
		"Browser = "+browser+"/browser?preselectAuthMethod="+url.QueryEscape("[NO_AUTH]")+"&dbms="+url.QueryEscape(boltURL),
		"Bolt URL = "+boltURL,
	)
	return driver
}
