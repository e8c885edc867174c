// Package schema resolves the typed record descriptors the data layer is
// driven by: node, edge and vector shapes, primary keys, cold table paths and
// vector-edge rules. The registry is loaded once at startup from a YAML
// bundle and is immutable for the lifetime of an instance.
package schema

import (
	"errors"
	"fmt"

	"github.com/xiaoniaoyouhuajiang/fstorage/model"
)

var (
	// ErrUnknownType is returned when a descriptor lookup misses.
	ErrUnknownType = errors.New("schema: unknown type")

	// ErrNoRuleConfigured is returned when a vector type has no edge rule.
	ErrNoRuleConfigured = errors.New("schema: no vector rule configured")
)

// FieldType is the semantic type of a record field.
type FieldType string

const (
	FieldInt       FieldType = "int"
	FieldFloat     FieldType = "float"
	FieldBool      FieldType = "bool"
	FieldString    FieldType = "string"
	FieldTimestamp FieldType = "timestamp"
	FieldJSON      FieldType = "json"
	FieldEmbedding FieldType = "embedding"
)

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case FieldInt, FieldFloat, FieldBool, FieldString, FieldTimestamp, FieldJSON, FieldEmbedding:
		return true
	}
	return false
}

// Field describes a single typed field of a record.
type Field struct {
	Name        string    `yaml:"name"`
	Type        FieldType `yaml:"type"`
	Nullable    bool      `yaml:"nullable"`
	Indexed     bool      `yaml:"indexed"`
	TextIndexed bool      `yaml:"text_indexed"`
}

// Descriptor describes one record type: its category, ordered fields,
// primary keys and cold table path. Vector descriptors additionally carry
// the embedding field and its fixed dimension.
type Descriptor struct {
	Name        string
	Category    model.Category
	Fields      []Field
	PrimaryKeys []string
	TablePath   string

	// Edge-only.
	From string
	To   string

	// Vector-only.
	EmbeddingField string
	Dimension      int
}

// Field returns the field with the given name.
func (d *Descriptor) Field(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// PrimaryKeyTuple extracts the primary-key values of rec in declared order.
// A nil or missing primary-key field is an error.
func (d *Descriptor) PrimaryKeyTuple(rec model.Record) ([]model.KV, error) {
	tuple := make([]model.KV, 0, len(d.PrimaryKeys))
	for _, pk := range d.PrimaryKeys {
		v, ok := rec.StringField(pk)
		if !ok {
			return nil, fmt.Errorf("schema: %s: primary-key field %q is null or missing", d.Name, pk)
		}
		tuple = append(tuple, model.KV{Key: pk, Value: v})
	}
	return tuple, nil
}

// StableID derives the stable identifier of rec under this descriptor.
func (d *Descriptor) StableID(rec model.Record) (model.ID, error) {
	tuple, err := d.PrimaryKeyTuple(rec)
	if err != nil {
		return model.NilID, err
	}
	return model.StableNodeID(d.Name, tuple), nil
}

// TextIndexedFields returns the names of all text-indexed fields.
func (d *Descriptor) TextIndexedFields() []string {
	var out []string
	for _, f := range d.Fields {
		if f.TextIndexed {
			out = append(out, f.Name)
		}
	}
	return out
}

// VectorRule links a vector type to the node type that produced it: every
// ingested vector gets one synthesized edge of EdgeLabel from its source
// node, and the IndexTable maps embedding_id to stable id.
type VectorRule struct {
	VectorType     string `yaml:"vector_type"`
	SourceNodeType string `yaml:"source_node_type"`
	EdgeLabel      string `yaml:"edge_label"`
	IndexTable     string `yaml:"index_table"`
}
