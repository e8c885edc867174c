// Package model defines the shared value types of the data layer: dynamic
// records produced by fetchers, record categories, and the stable 128-bit
// identifiers that tie the cold and hot stores together.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ID is the stable 128-bit identifier of a node, edge or vector.
// IDs are derived deterministically (see StableNodeID) so that re-ingesting
// the same primary key always lands on the same identifier.
type ID = uuid.UUID

// NilID is the zero identifier.
var NilID ID

// ParseID parses the canonical textual form of an ID.
func ParseID(s string) (ID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NilID, fmt.Errorf("model: invalid id %q: %w", s, err)
	}
	return id, nil
}

// Category classifies a record type as node, edge or vector.
type Category string

const (
	CategoryNode   Category = "node"
	CategoryEdge   Category = "edge"
	CategoryVector Category = "vector"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryNode, CategoryEdge, CategoryVector:
		return true
	}
	return false
}

// Record is a dynamic, schema-described row. Values are normalized to
// int64, float64, bool, string, time.Time, []float32 (embeddings) or nil.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// StringField returns the value of a field rendered as a string, for use in
// primary-key tuples and index rows. Timestamps render as RFC 3339 with
// microsecond precision so the rendering is stable across processes.
func (r Record) StringField(name string) (string, bool) {
	v, ok := r[name]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case int64:
		return fmt.Sprintf("%d", t), true
	case float64:
		return fmt.Sprintf("%g", t), true
	case bool:
		return fmt.Sprintf("%t", t), true
	case time.Time:
		return t.UTC().Format("2006-01-02T15:04:05.000000Z"), true
	default:
		return fmt.Sprintf("%v", t), true
	}
}

// Merge overlays other onto r, replacing values for keys present in other.
// Merge over disjoint key sets is associative and commutative.
func (r Record) Merge(other Record) Record {
	for k, v := range other {
		r[k] = v
	}
	return r
}
