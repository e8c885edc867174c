// Package lake is the cold store: columnar tables persisted as parquet files
// under a hierarchical namespace, with batch-level atomicity, merge-on-write
// upserts, additive schema evolution and SQL-style scans.
//
// Each table directory holds parquet data files plus a versioned manifest;
// the CURRENT pointer is replaced atomically on commit, so a failed write
// leaves the table at its previous version.
package lake

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/xiaoniaoyouhuajiang/fstorage/model"
	"github.com/xiaoniaoyouhuajiang/fstorage/schema"
)

// WriteMode selects the semantics of WriteBatch.
type WriteMode int

const (
	// UpsertByKey matches incoming rows by primary-key tuple, replacing
	// matched rows and appending unmatched ones (merge-on-write).
	UpsertByKey WriteMode = iota
	// Append adds the batch as-is.
	Append
	// Overwrite replaces the whole table content.
	Overwrite
)

// IncompatibleSchemaError is returned when a write would narrow an existing
// column type or add a non-nullable column to a non-empty table.
type IncompatibleSchemaError struct {
	Table  string
	Column string
	From   schema.FieldType
	To     schema.FieldType
}

func (e *IncompatibleSchemaError) Error() string {
	return fmt.Sprintf("lake: table %s: column %q cannot change %s -> %s", e.Table, e.Column, e.From, e.To)
}

// ErrTableNotFound is returned when a scan targets an absent table.
var ErrTableNotFound = errors.New("lake: table not found")

// TableSummary describes one table for listing.
type TableSummary struct {
	Path    string
	Version int64
	Rows    int64
	Columns []Column
}

// Lake is the cold store rooted at a directory.
type Lake struct {
	root string

	mu     sync.Mutex
	stores map[string]*manifestStore
}

// Open opens (or creates) a lake rooted at dir. The silver and gold
// namespaces are created eagerly.
func Open(dir string) (*Lake, error) {
	for _, sub := range []string{"silver", "gold"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return nil, fmt.Errorf("lake: creating %s: %w", sub, err)
		}
	}
	return &Lake{root: dir, stores: make(map[string]*manifestStore)}, nil
}

func (l *Lake) store(table string) (*manifestStore, error) {
	if strings.Contains(table, "..") || filepath.IsAbs(table) {
		return nil, fmt.Errorf("lake: invalid table path %q", table)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.stores[table]; ok {
		return s, nil
	}
	dir := filepath.Join(l.root, filepath.FromSlash(table))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	s := newManifestStore(dir)
	l.stores[table] = s
	return s, nil
}

// Version returns the current committed version of a table (0 if absent).
func (l *Lake) Version(table string) (int64, error) {
	s, err := l.store(table)
	if err != nil {
		return 0, err
	}
	m, err := s.Load()
	if err != nil {
		return 0, err
	}
	return m.Version, nil
}

// WriteBatch writes records to a table under the given mode and column
// schema, returning the new table version. The batch commits atomically.
func (l *Lake) WriteBatch(ctx context.Context, table string, cols []Column, records []model.Record, mode WriteMode, primaryKeys []string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s, err := l.store(table)
	if err != nil {
		return 0, err
	}

	// One writer per table at a time: the version computed from Load must
	// still be current when the new manifest commits.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	m, err := s.Load()
	if err != nil {
		return 0, err
	}

	merged, err := mergeColumns(table, m.Columns, cols, m.Version > 0)
	if err != nil {
		return 0, err
	}

	next := &tableManifest{Version: m.Version + 1, Columns: merged}
	dir := filepath.Join(l.root, filepath.FromSlash(table))

	switch mode {
	case Append:
		name := fmt.Sprintf("part-%06d.parquet", next.Version)
		if err := writeParquetFile(filepath.Join(dir, name), merged, records); err != nil {
			return 0, err
		}
		next.Files = append(append([]dataFile{}, m.Files...), dataFile{Name: name, Rows: int64(len(records))})

	case Overwrite:
		name := fmt.Sprintf("part-%06d.parquet", next.Version)
		if err := writeParquetFile(filepath.Join(dir, name), merged, records); err != nil {
			return 0, err
		}
		next.Files = []dataFile{{Name: name, Rows: int64(len(records))}}

	case UpsertByKey:
		if len(primaryKeys) == 0 {
			return 0, fmt.Errorf("lake: upsert into %s requires primary keys", table)
		}
		existing, err := l.readAll(m, dir)
		if err != nil {
			return 0, err
		}
		rows := upsertRows(existing, records, primaryKeys)
		name := fmt.Sprintf("part-%06d.parquet", next.Version)
		if err := writeParquetFile(filepath.Join(dir, name), merged, rows); err != nil {
			return 0, err
		}
		next.Files = []dataFile{{Name: name, Rows: int64(len(rows))}}

	default:
		return 0, fmt.Errorf("lake: unknown write mode %d", mode)
	}

	if err := s.Save(next); err != nil {
		return 0, err
	}
	return next.Version, nil
}

// mergeColumns validates schema evolution: existing columns may keep their
// type or widen Int -> Float; new columns must be nullable once the table
// holds data; anything else is incompatible.
func mergeColumns(table string, existing, incoming []Column, hasData bool) ([]Column, error) {
	if len(existing) == 0 {
		return incoming, nil
	}
	byName := make(map[string]int, len(existing))
	merged := append([]Column{}, existing...)
	for i, col := range existing {
		byName[col.Name] = i
	}
	for _, col := range incoming {
		i, ok := byName[col.Name]
		if !ok {
			if hasData && !col.Nullable {
				return nil, &IncompatibleSchemaError{Table: table, Column: col.Name, To: col.Type}
			}
			merged = append(merged, col)
			continue
		}
		old := merged[i]
		switch {
		case old.Type == col.Type:
		case old.Type == schema.FieldInt && col.Type == schema.FieldFloat:
			merged[i].Type = schema.FieldFloat // widening
		default:
			return nil, &IncompatibleSchemaError{Table: table, Column: col.Name, From: old.Type, To: col.Type}
		}
		if col.Nullable {
			merged[i].Nullable = true
		}
	}
	return merged, nil
}

func upsertRows(existing, incoming []model.Record, primaryKeys []string) []model.Record {
	index := make(map[string]int, len(existing))
	out := append([]model.Record{}, existing...)
	for i, rec := range out {
		index[pkString(rec, primaryKeys)] = i
	}
	for _, rec := range incoming {
		key := pkString(rec, primaryKeys)
		if i, ok := index[key]; ok {
			out[i] = rec
		} else {
			index[key] = len(out)
			out = append(out, rec)
		}
	}
	return out
}

func pkString(rec model.Record, primaryKeys []string) string {
	var sb strings.Builder
	for _, pk := range primaryKeys {
		v, _ := rec.StringField(pk)
		sb.WriteString(v)
		sb.WriteByte(0)
	}
	return sb.String()
}

func (l *Lake) readAll(m *tableManifest, dir string) ([]model.Record, error) {
	var out []model.Record
	for _, df := range m.Files {
		rows, err := readParquetFile(filepath.Join(dir, df.Name), m.Columns)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

// Predicate filters scanned records. A nil predicate matches everything.
type Predicate func(model.Record) bool

// Scan streams the table content in batches to fn. Projection restricts the
// returned fields when non-empty. fn returning false stops the scan.
func (l *Lake) Scan(ctx context.Context, table string, projection []string, pred Predicate, fn func(batch []model.Record) bool) error {
	s, err := l.store(table)
	if err != nil {
		return err
	}
	m, err := s.Load()
	if err != nil {
		return err
	}
	if m.Version == 0 {
		return fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	dir := filepath.Join(l.root, filepath.FromSlash(table))
	for _, df := range m.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := readParquetFile(filepath.Join(dir, df.Name), m.Columns)
		if err != nil {
			return err
		}
		batch := make([]model.Record, 0, len(rows))
		for _, rec := range rows {
			if pred != nil && !pred(rec) {
				continue
			}
			batch = append(batch, project(rec, projection))
		}
		if len(batch) > 0 && !fn(batch) {
			return nil
		}
	}
	return nil
}

func project(rec model.Record, projection []string) model.Record {
	if len(projection) == 0 {
		return rec
	}
	out := make(model.Record, len(projection))
	for _, name := range projection {
		if v, ok := rec[name]; ok {
			out[name] = v
		}
	}
	return out
}

// ReadRowByKey returns the row whose key fields equal the given values, or
// nil when absent.
func (l *Lake) ReadRowByKey(ctx context.Context, table string, keyFields, keyValues []string) (model.Record, error) {
	if len(keyFields) != len(keyValues) {
		return nil, fmt.Errorf("lake: key fields/values length mismatch")
	}
	var found model.Record
	err := l.Scan(ctx, table, nil, func(rec model.Record) bool {
		for i, kf := range keyFields {
			v, ok := rec.StringField(kf)
			if !ok || v != keyValues[i] {
				return false
			}
		}
		return true
	}, func(batch []model.Record) bool {
		found = batch[0]
		return false
	})
	if errors.Is(err, ErrTableNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return found, nil
}

// ListTables lists committed tables under a path prefix, with their schema
// summaries, sorted by path.
func (l *Lake) ListTables(prefix string) ([]TableSummary, error) {
	var out []TableSummary
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != currentFileName {
			return nil
		}
		table, err := filepath.Rel(l.root, filepath.Dir(path))
		if err != nil {
			return err
		}
		table = filepath.ToSlash(table)
		if prefix != "" && !strings.HasPrefix(table, prefix) {
			return nil
		}
		s, err := l.store(table)
		if err != nil {
			return err
		}
		m, err := s.Load()
		if err != nil {
			return err
		}
		var rows int64
		for _, df := range m.Files {
			rows += df.Rows
		}
		out = append(out, TableSummary{Path: table, Version: m.Version, Rows: rows, Columns: m.Columns})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
