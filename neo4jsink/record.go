package neo4jsink

import (
	"errors"
	"reflect"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// An errPropertyNotFound occurs when a column is missing from a query result.
//
// It most likely means a Cypher query was changed without changing the code
// reading its results.
var errPropertyNotFound = errors.New("property not found")

// An unexpectedPropertyTypeError occurs when a column of a query result has a
// runtime type different from the expected one. The error message contains the
// effective type of the property at runtime.
type unexpectedPropertyTypeError struct {
	Type reflect.Type // Effective type encountered at runtime.
}

func (e unexpectedPropertyTypeError) Error() string {
	if e.Type == nil {
		return "unexpected property type: nil"
	}
	return "unexpected property type: " + e.Type.String()
}

// The Go types the driver decodes the properties written by a Journal into.
type recordProperty interface {
	string | int64 | float64 | time.Time
}

func getRecordProperty[T recordProperty](record *neo4j.Record, key string) (value T, err error) {
	prop, exists := record.Get(key)
	if !exists {
		return value, errPropertyNotFound
	}
	v, ok := prop.(T)
	if !ok {
		return value, unexpectedPropertyTypeError{Type: reflect.TypeOf(prop)}
	}
	return v, nil
}
