package lake

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/xiaoniaoyouhuajiang/fstorage/model"
	"github.com/xiaoniaoyouhuajiang/fstorage/schema"
)

// parquetSchema builds the parquet schema for a column set. Timestamps are
// stored as microsecond INT64 logical timestamps, embeddings as float lists,
// everything else as the obvious leaf type.
func parquetSchema(name string, cols []Column) (*parquet.Schema, error) {
	group := parquet.Group{}
	for _, col := range cols {
		var node parquet.Node
		switch col.Type {
		case schema.FieldInt:
			node = parquet.Int(64)
		case schema.FieldFloat:
			node = parquet.Leaf(parquet.DoubleType)
		case schema.FieldBool:
			node = parquet.Leaf(parquet.BooleanType)
		case schema.FieldString, schema.FieldJSON:
			node = parquet.String()
		case schema.FieldTimestamp:
			node = parquet.Timestamp(parquet.Microsecond)
		case schema.FieldEmbedding:
			node = parquet.List(parquet.Leaf(parquet.FloatType))
		default:
			return nil, fmt.Errorf("lake: column %q: unsupported type %q", col.Name, col.Type)
		}
		if col.Nullable {
			node = parquet.Optional(node)
		}
		group[col.Name] = node
	}
	return parquet.NewSchema(name, group), nil
}

// encodeRows converts normalized records into parquet-writable maps.
func encodeRows(cols []Column, records []model.Record) []map[string]any {
	rows := make([]map[string]any, len(records))
	for i, rec := range records {
		row := make(map[string]any, len(cols))
		for _, col := range cols {
			v, ok := rec[col.Name]
			if !ok || v == nil {
				continue
			}
			switch col.Type {
			case schema.FieldTimestamp:
				if ts, ok := v.(time.Time); ok {
					row[col.Name] = ts.UTC().UnixMicro()
				}
			case schema.FieldFloat:
				// Rows written before an int column widened still carry
				// int64 values.
				row[col.Name] = toFloat64(v)
			default:
				row[col.Name] = v
			}
		}
		rows[i] = row
	}
	return rows
}

// decodeRow converts a parquet row map back into a normalized record.
func decodeRow(cols []Column, row map[string]any) model.Record {
	rec := make(model.Record, len(row))
	for _, col := range cols {
		v, ok := row[col.Name]
		if !ok || v == nil {
			continue
		}
		switch col.Type {
		case schema.FieldInt:
			rec[col.Name] = toInt64(v)
		case schema.FieldFloat:
			rec[col.Name] = toFloat64(v)
		case schema.FieldTimestamp:
			rec[col.Name] = time.UnixMicro(toInt64(v)).UTC()
		case schema.FieldEmbedding:
			rec[col.Name] = toFloat32Slice(v)
		default:
			rec[col.Name] = v
		}
	}
	return rec
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func toFloat32Slice(v any) []float32 {
	switch e := v.(type) {
	case []float32:
		return e
	case []float64:
		out := make([]float32, len(e))
		for i, x := range e {
			out[i] = float32(x)
		}
		return out
	case []any:
		out := make([]float32, len(e))
		for i, x := range e {
			out[i] = float32(toFloat64(x))
		}
		return out
	}
	return nil
}

// writeParquetFile writes records to path (via temp file and rename).
func writeParquetFile(path string, cols []Column, records []model.Record) error {
	ps, err := parquetSchema("record", cols)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	w := parquet.NewGenericWriter[map[string]any](f, ps, parquet.Compression(&parquet.Zstd))
	rows := encodeRows(cols, records)
	for len(rows) > 0 {
		n, err := w.Write(rows)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		rows = rows[n:]
	}
	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// readParquetFile reads all records of a data file.
func readParquetFile(path string, cols []Column) ([]model.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ps, err := parquetSchema("record", cols)
	if err != nil {
		return nil, err
	}

	r := parquet.NewGenericReader[map[string]any](f, ps)
	defer r.Close()

	var out []model.Record
	buf := make([]map[string]any, 128)
	for {
		for i := range buf {
			buf[i] = make(map[string]any)
		}
		n, err := r.Read(buf)
		for i := 0; i < n; i++ {
			out = append(out, decodeRow(cols, buf[i]))
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out, nil
		}
	}
}
