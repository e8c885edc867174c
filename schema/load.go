package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/xiaoniaoyouhuajiang/fstorage/model"
)

// bundle is the on-disk YAML shape of a schema configuration. The DSL
// parser/codegen toolchain that produces these bundles lives outside the
// core; at runtime only this resolved form is consumed.
type bundle struct {
	Nodes []struct {
		Name       string   `yaml:"name"`
		PrimaryKey []string `yaml:"primary_key"`
		Table      string   `yaml:"table"`
		Fields     []Field  `yaml:"fields"`
	} `yaml:"nodes"`
	Edges []struct {
		Label  string  `yaml:"label"`
		From   string  `yaml:"from"`
		To     string  `yaml:"to"`
		Table  string  `yaml:"table"`
		Fields []Field `yaml:"fields"`
	} `yaml:"edges"`
	Vectors []struct {
		Name           string   `yaml:"name"`
		PrimaryKey     []string `yaml:"primary_key"`
		Table          string   `yaml:"table"`
		Fields         []Field  `yaml:"fields"`
		EmbeddingField string   `yaml:"embedding_field"`
		Dim            int      `yaml:"dim"`
	} `yaml:"vectors"`
	VectorRules []VectorRule `yaml:"vector_rules"`
}

// LoadBundle parses a YAML schema bundle and builds the registry.
func LoadBundle(data []byte) (*Registry, error) {
	var b bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("schema: parsing bundle: %w", err)
	}

	var descriptors []*Descriptor
	for _, n := range b.Nodes {
		descriptors = append(descriptors, &Descriptor{
			Name:        n.Name,
			Category:    model.CategoryNode,
			Fields:      n.Fields,
			PrimaryKeys: n.PrimaryKey,
			TablePath:   n.Table,
		})
	}
	for _, e := range b.Edges {
		descriptors = append(descriptors, &Descriptor{
			Name:      e.Label,
			Category:  model.CategoryEdge,
			Fields:    e.Fields,
			From:      e.From,
			To:        e.To,
			TablePath: e.Table,
		})
	}
	for _, v := range b.Vectors {
		fields := v.Fields
		if _, ok := fieldByName(fields, v.EmbeddingField); !ok {
			fields = append(fields, Field{Name: v.EmbeddingField, Type: FieldEmbedding})
		}
		descriptors = append(descriptors, &Descriptor{
			Name:           v.Name,
			Category:       model.CategoryVector,
			Fields:         fields,
			PrimaryKeys:    v.PrimaryKey,
			TablePath:      v.Table,
			EmbeddingField: v.EmbeddingField,
			Dimension:      v.Dim,
		})
	}

	rules := make([]*VectorRule, len(b.VectorRules))
	for i := range b.VectorRules {
		rules[i] = &b.VectorRules[i]
	}

	return New(descriptors, rules)
}

// LoadBundleFile reads and parses a YAML schema bundle from disk.
func LoadBundleFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: reading bundle: %w", err)
	}
	return LoadBundle(data)
}

func fieldByName(fields []Field, name string) (Field, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
