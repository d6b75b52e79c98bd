/*
Package dbtest spins up database containers for the adapter tests of this
module. It wraps testcontainers-go with the setup that the journal stores
share: a Neo4j server for package neo4jsink and a TimescaleDB server for
package timescale.

Use this package when the test only needs "a database" and the details of the
deployment do not matter. Tests that depend on a specific customisation should
use testcontainers-go directly.

Developing locally with Docker, you may want to manually inspect the database
after a test failure. To do this, set the Inspect flag to true:

	go test ./neo4jsink -dbtest.inspect

Every container-based test is skipped with -short.
*/
package dbtest
