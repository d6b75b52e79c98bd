package neo4jsink

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Labels of the nodes written by a Journal. Every label is keyed by its id
// property.
const (
	LabelTwin       = "Twin"
	LabelTransition = "Transition"
	LabelAnomaly    = "Anomaly"
	LabelRule       = "Rule"
)

// Labels lists every node label written by a Journal.
func Labels() []string {
	return []string{LabelTwin, LabelTransition, LabelAnomaly, LabelRule}
}

// BootstrapDatabase prepares the named database for a Journal: it creates the
// database when missing, then constrains every label of Labels to a unique id.
// The constraints index the MERGE lookups of the journal and keep redelivered
// records from duplicating nodes under concurrent writers.
//
// The name must not be empty, "neo4j", or start with "system" or "_"; those are
// programming errors and panic. Other names Neo4j refuses fail with an error.
//
// It is idempotent.
func BootstrapDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	mustBeJournalName(name)

	_, err := neo4j.ExecuteQuery(ctx, d, `CREATE DATABASE $name IF NOT EXISTS WAIT`,
		map[string]any{"name": name},
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase("system"),
	)
	if err != nil {
		return fmt.Errorf("create database %q: %w", name, err)
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: name})
	defer func() { _ = s.Close(ctx) }()
	_, err = s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, l := range Labels() {
			// NODE KEY implies existence and uniqueness; enterprise edition only.
			q := fmt.Sprintf("CREATE CONSTRAINT %s_id IF NOT EXISTS FOR (n:%s) REQUIRE n.id IS NODE KEY", strings.ToLower(l), l)
			if _, err := tx.Run(ctx, q, nil); err != nil {
				return nil, fmt.Errorf("label %v: %w", l, err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("create constraints: %w", err)
	}
	return s.Close(ctx)
}

func mustBeJournalName(name string) {
	switch {
	case name == "":
		panic("neo4jsink: empty database name")
	case name == "neo4j":
		panic("neo4jsink: database name neo4j is reserved for the default database")
	case strings.HasPrefix(name, "system"), strings.HasPrefix(name, "_"):
		panic(fmt.Sprintf("neo4jsink: database name %q is reserved for internal use", name))
	}
}
