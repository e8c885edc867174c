package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiaoniaoyouhuajiang/fstorage/model"
)

// Property values round-trip through a tagged JSON encoding so that int64,
// float64 and time.Time survive storage without type loss.

type taggedValue struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v"`
}

type nodeRecord struct {
	Type  string       `json:"type"`
	Props model.Record `json:"-"`
}

type edgeRecord struct {
	SrcType string       `json:"src_type"`
	DstType string       `json:"dst_type"`
	Props   model.Record `json:"-"`
}

type vectorRecord struct {
	Type      string       `json:"type"`
	Embedding []float32    `json:"embedding"`
	Props     model.Record `json:"-"`
}

func encodeProps(props model.Record) (map[string]taggedValue, error) {
	out := make(map[string]taggedValue, len(props))
	for k, v := range props {
		tv, err := tagValue(v)
		if err != nil {
			return nil, fmt.Errorf("engine: property %q: %w", k, err)
		}
		out[k] = tv
	}
	return out, nil
}

func tagValue(v any) (taggedValue, error) {
	var (
		tag string
		val any
	)
	switch t := v.(type) {
	case nil:
		return taggedValue{T: "null", V: json.RawMessage("null")}, nil
	case int64:
		tag, val = "i", t
	case int:
		tag, val = "i", int64(t)
	case float64:
		tag, val = "f", t
	case bool:
		tag, val = "b", t
	case string:
		tag, val = "s", t
	case time.Time:
		tag, val = "ts", t.UTC().UnixMicro()
	case []float32:
		tag, val = "e", t
	default:
		return taggedValue{}, fmt.Errorf("unsupported property type %T", v)
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return taggedValue{}, err
	}
	return taggedValue{T: tag, V: raw}, nil
}

func decodeProps(tagged map[string]taggedValue) (model.Record, error) {
	out := make(model.Record, len(tagged))
	for k, tv := range tagged {
		v, err := untagValue(tv)
		if err != nil {
			return nil, fmt.Errorf("engine: property %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func untagValue(tv taggedValue) (any, error) {
	switch tv.T {
	case "null":
		return nil, nil
	case "i":
		var v int64
		return v, json.Unmarshal(tv.V, &v)
	case "f":
		var v float64
		return v, json.Unmarshal(tv.V, &v)
	case "b":
		var v bool
		return v, json.Unmarshal(tv.V, &v)
	case "s":
		var v string
		return v, json.Unmarshal(tv.V, &v)
	case "ts":
		var micros int64
		if err := json.Unmarshal(tv.V, &micros); err != nil {
			return nil, err
		}
		return time.UnixMicro(micros).UTC(), nil
	case "e":
		var v []float32
		return v, json.Unmarshal(tv.V, &v)
	}
	return nil, fmt.Errorf("unknown value tag %q", tv.T)
}

func encodeNodeRecord(rec nodeRecord) ([]byte, error) {
	props, err := encodeProps(rec.Props)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Type  string                 `json:"type"`
		Props map[string]taggedValue `json:"props"`
	}{rec.Type, props})
}

func decodeNodeRecord(data []byte, rec *nodeRecord) error {
	var raw struct {
		Type  string                 `json:"type"`
		Props map[string]taggedValue `json:"props"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	props, err := decodeProps(raw.Props)
	if err != nil {
		return err
	}
	rec.Type = raw.Type
	rec.Props = props
	return nil
}

func encodeEdgeRecord(rec edgeRecord) ([]byte, error) {
	props, err := encodeProps(rec.Props)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		SrcType string                 `json:"src_type"`
		DstType string                 `json:"dst_type"`
		Props   map[string]taggedValue `json:"props"`
	}{rec.SrcType, rec.DstType, props})
}

func decodeEdgeRecord(data []byte, rec *edgeRecord) error {
	var raw struct {
		SrcType string                 `json:"src_type"`
		DstType string                 `json:"dst_type"`
		Props   map[string]taggedValue `json:"props"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	props, err := decodeProps(raw.Props)
	if err != nil {
		return err
	}
	rec.SrcType = raw.SrcType
	rec.DstType = raw.DstType
	rec.Props = props
	return nil
}

func encodeVectorRecord(rec vectorRecord) ([]byte, error) {
	props, err := encodeProps(rec.Props)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Type      string                 `json:"type"`
		Embedding []float32              `json:"embedding"`
		Props     map[string]taggedValue `json:"props"`
	}{rec.Type, rec.Embedding, props})
}

func decodeVectorRecord(data []byte, rec *vectorRecord) error {
	var raw struct {
		Type      string                 `json:"type"`
		Embedding []float32              `json:"embedding"`
		Props     map[string]taggedValue `json:"props"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	props, err := decodeProps(raw.Props)
	if err != nil {
		return err
	}
	rec.Type = raw.Type
	rec.Embedding = raw.Embedding
	rec.Props = props
	return nil
}
