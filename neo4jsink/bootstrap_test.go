package neo4jsink

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/go-digitaltwin/twinsentry/internal/dbtest"
)

// nodeKeyLabels lists the labels constrained by a NODE_KEY constraint in the
// database, sorted.
func nodeKeyLabels(t *testing.T, d neo4j.DriverWithContext, database string) []string {
	t.Helper()
	res, err := neo4j.ExecuteQuery(context.Background(), d, "SHOW CONSTRAINTS WHERE type = 'NODE_KEY'", nil,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(database),
	)
	if err != nil {
		t.Fatal("Failed to list constraints:", err)
	}
	var labels []string
	for _, r := range res.Records {
		t.Log(formatRecord(r))
		v, ok := r.Get("labelsOrTypes")
		if !ok {
			t.Fatal("Constraints table has no labelsOrTypes column")
		}
		for _, l := range v.([]any) {
			labels = append(labels, l.(string))
		}
	}
	slices.Sort(labels)
	return labels
}

func TestBootstrapDatabase(t *testing.T) {
	d := dbtest.SetupNeo4j(t)
	want := slices.Sorted(slices.Values(Labels()))

	for _, name := range []string{"Aa1", "plant-1", "plant.1", "a1b2c3d4-e5f6-4a1b-9c2d-3e4f5a6b7c8d"} {
		t.Run(name, func(t *testing.T) {
			for range 2 {
				if err := BootstrapDatabase(context.Background(), d, name); err != nil {
					t.Fatalf("BootstrapDatabase(%q) error = %v", name, err)
				}
			}
			if diff := cmp.Diff(want, nodeKeyLabels(t, d, name)); diff != "" {
				t.Errorf("NODE_KEY constraints mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBootstrapDatabaseReservedName(t *testing.T) {
	for _, name := range []string{"", "neo4j", "systemJournal", "_journal"} {
		t.Run(fmt.Sprintf("%q", name), func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("BootstrapDatabase(%q) did not panic", name)
				}
			}()
			// Reserved names panic before the driver is used.
			_ = BootstrapDatabase(context.Background(), nil, name)
		})
	}
}

func TestBootstrapDatabaseRejectedName(t *testing.T) {
	d := dbtest.SetupNeo4j(t)
	for _, name := range []string{"aa", strings.Repeat("a", 64), "plant_1", "plant/1"} {
		if err := BootstrapDatabase(context.Background(), d, name); err == nil {
			t.Errorf("BootstrapDatabase(%q) succeeded, want error", name)
		}
	}
}

func formatRecord(r *neo4j.Record) string {
	fields := make([]string, len(r.Keys))
	for i, key := range r.Keys {
		fields[i] = fmt.Sprintf("%s: %v", key, r.Values[i])
	}
	return strings.Join(fields, ", ")
}
