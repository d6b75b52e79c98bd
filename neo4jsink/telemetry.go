package neo4jsink

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/twinsentry/neo4jsink")
var meter = otel.Meter("github.com/go-digitaltwin/twinsentry/neo4jsink")

var streamKey = attribute.Key("journal.stream")

var (
	// recordsWritten counts the journal records (transitions or anomalies) that
	// were written in committed transactions, redeliveries included.
	recordsWritten metric.Int64Counter
)

func init() {
	// Failing to initialise an instrument is a programming error, most likely
	// related to the attributes applied on it.
	var err error
	recordsWritten, err = meter.Int64Counter(
		"neo4jsink_records_written_counter",
		metric.WithDescription("how many journal records were written to neo4j"),
	)
	if err != nil {
		panic(fmt.Sprintf("neo4jsink: failed to init 'neo4jsink_records_written_counter' instrument: %v", err))
	}
}
