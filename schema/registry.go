package schema

import (
	"fmt"
	"sort"

	"github.com/xiaoniaoyouhuajiang/fstorage/model"
)

// Registry resolves descriptors by type name. It is immutable after New.
type Registry struct {
	descriptors map[string]*Descriptor
	rules       map[string]*VectorRule
}

// New builds a registry from descriptors and vector rules, validating the
// bundle as a whole: primary keys must exist and be non-empty, edge endpoint
// types must be declared, and every vector rule must reference a declared
// vector type and node type and name a non-empty edge label (the label need
// not be declared as an edge type).
func New(descriptors []*Descriptor, rules []*VectorRule) (*Registry, error) {
	r := &Registry{
		descriptors: make(map[string]*Descriptor, len(descriptors)),
		rules:       make(map[string]*VectorRule, len(rules)),
	}
	for _, d := range descriptors {
		if d.Name == "" {
			return nil, fmt.Errorf("schema: descriptor with empty name")
		}
		if !d.Category.Valid() {
			return nil, fmt.Errorf("schema: %s: invalid category %q", d.Name, d.Category)
		}
		if _, dup := r.descriptors[d.Name]; dup {
			return nil, fmt.Errorf("schema: duplicate type %q", d.Name)
		}
		for _, f := range d.Fields {
			if !f.Type.Valid() {
				return nil, fmt.Errorf("schema: %s.%s: invalid field type %q", d.Name, f.Name, f.Type)
			}
		}
		switch d.Category {
		case model.CategoryNode, model.CategoryVector:
			if len(d.PrimaryKeys) == 0 {
				return nil, fmt.Errorf("schema: %s: primary key required", d.Name)
			}
			for _, pk := range d.PrimaryKeys {
				if _, ok := d.Field(pk); !ok {
					return nil, fmt.Errorf("schema: %s: primary-key field %q not declared", d.Name, pk)
				}
			}
		}
		if d.Category == model.CategoryVector {
			if d.EmbeddingField == "" {
				return nil, fmt.Errorf("schema: %s: embedding field required", d.Name)
			}
			if d.Dimension <= 0 {
				return nil, fmt.Errorf("schema: %s: embedding dimension must be positive", d.Name)
			}
		}
		if d.TablePath == "" {
			d.TablePath = defaultTablePath(d)
		}
		r.descriptors[d.Name] = d
	}

	// Edge endpoints are resolved after all descriptors are registered so
	// declaration order in the bundle does not matter.
	for _, d := range r.descriptors {
		if d.Category != model.CategoryEdge {
			continue
		}
		if _, ok := r.nodeType(d.From); !ok {
			return nil, fmt.Errorf("schema: edge %s: unknown source type %q", d.Name, d.From)
		}
		if dst, ok := r.descriptors[d.To]; !ok || dst.Category == model.CategoryEdge {
			return nil, fmt.Errorf("schema: edge %s: unknown destination type %q", d.Name, d.To)
		}
	}

	for _, rule := range rules {
		v, ok := r.descriptors[rule.VectorType]
		if !ok || v.Category != model.CategoryVector {
			return nil, fmt.Errorf("schema: vector rule for unknown vector type %q", rule.VectorType)
		}
		if _, ok := r.nodeType(rule.SourceNodeType); !ok {
			return nil, fmt.Errorf("schema: vector rule %s: unknown source node type %q", rule.VectorType, rule.SourceNodeType)
		}
		if rule.EdgeLabel == "" {
			return nil, fmt.Errorf("schema: vector rule %s: edge label required", rule.VectorType)
		}
		if rule.IndexTable == "" {
			rule.IndexTable = "silver/index_vector/" + rule.VectorType
		}
		r.rules[rule.VectorType] = rule
	}

	return r, nil
}

func (r *Registry) nodeType(name string) (*Descriptor, bool) {
	d, ok := r.descriptors[name]
	if !ok || d.Category != model.CategoryNode {
		return nil, false
	}
	return d, true
}

func defaultTablePath(d *Descriptor) string {
	switch d.Category {
	case model.CategoryEdge:
		return "silver/edges/" + d.Name
	case model.CategoryVector:
		return "silver/vectors/" + d.Name
	default:
		return "silver/entities/" + d.Name
	}
}

// Describe returns the descriptor for the given type name.
func (r *Registry) Describe(name string) (*Descriptor, error) {
	d, ok := r.descriptors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return d, nil
}

// VectorRule returns the vector-edge rule for the given vector type.
func (r *Registry) VectorRule(vectorType string) (*VectorRule, error) {
	if _, err := r.Describe(vectorType); err != nil {
		return nil, err
	}
	rule, ok := r.rules[vectorType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoRuleConfigured, vectorType)
	}
	return rule, nil
}

// NodeTypes lists the declared node type names, sorted.
func (r *Registry) NodeTypes() []string { return r.typeNames(model.CategoryNode) }

// EdgeTypes lists the declared edge type names, sorted.
func (r *Registry) EdgeTypes() []string { return r.typeNames(model.CategoryEdge) }

// VectorTypes lists the declared vector type names, sorted.
func (r *Registry) VectorTypes() []string { return r.typeNames(model.CategoryVector) }

func (r *Registry) typeNames(cat model.Category) []string {
	var out []string
	for name, d := range r.descriptors {
		if d.Category == cat {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// IndexTablePath returns the cold index table mapping the primary-key tuple
// of the given entity type to its stable id.
func IndexTablePath(entityType string) string {
	return "silver/index/" + entityType
}
