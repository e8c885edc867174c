package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiaoniaoyouhuajiang/fstorage/model"
)

// Coerce validates rec against the descriptor and returns a normalized copy:
// integers as int64, floats as float64, timestamps as time.Time in UTC,
// JSON fields as compact strings, embeddings as []float32. Unknown fields
// are rejected; non-nullable missing fields and null primary keys fail.
func (d *Descriptor) Coerce(rec model.Record) (model.Record, error) {
	out := make(model.Record, len(rec))

	for name := range rec {
		if _, ok := d.Field(name); !ok {
			return nil, fmt.Errorf("%s: undeclared field %q", d.Name, name)
		}
	}

	for _, f := range d.Fields {
		v, present := rec[f.Name]
		if !present || v == nil {
			if !f.Nullable && !present {
				return nil, fmt.Errorf("%s: required field %q missing", d.Name, f.Name)
			}
			if v == nil && present && !f.Nullable {
				return nil, fmt.Errorf("%s: field %q is null", d.Name, f.Name)
			}
			continue
		}
		cv, err := coerceValue(f.Type, v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", d.Name, f.Name, err)
		}
		out[f.Name] = cv
	}

	for _, pk := range d.PrimaryKeys {
		if out[pk] == nil {
			return nil, fmt.Errorf("%s: primary-key field %q is null", d.Name, pk)
		}
	}

	return out, nil
}

func coerceValue(t FieldType, v any) (any, error) {
	switch t {
	case FieldInt:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case float64:
			if n == float64(int64(n)) {
				return int64(n), nil
			}
		case json.Number:
			return n.Int64()
		}
	case FieldFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case int:
			return float64(n), nil
		case json.Number:
			return n.Float64()
		}
	case FieldBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case FieldString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case FieldTimestamp:
		switch ts := v.(type) {
		case time.Time:
			return ts.UTC().Truncate(time.Microsecond), nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				return nil, fmt.Errorf("invalid timestamp %q", ts)
			}
			return parsed.UTC().Truncate(time.Microsecond), nil
		case int64:
			return time.UnixMicro(ts).UTC(), nil
		}
	case FieldJSON:
		switch j := v.(type) {
		case string:
			if !json.Valid([]byte(j)) {
				return nil, fmt.Errorf("invalid json text")
			}
			return j, nil
		default:
			raw, err := json.Marshal(j)
			if err != nil {
				return nil, fmt.Errorf("unencodable json value: %w", err)
			}
			return string(raw), nil
		}
	case FieldEmbedding:
		switch e := v.(type) {
		case []float32:
			return e, nil
		case []float64:
			out := make([]float32, len(e))
			for i, x := range e {
				out[i] = float32(x)
			}
			return out, nil
		case []any:
			out := make([]float32, len(e))
			for i, x := range e {
				f, ok := x.(float64)
				if !ok {
					return nil, fmt.Errorf("embedding element %d is not a number", i)
				}
				out[i] = float32(f)
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("cannot coerce %T to %s", v, t)
}
