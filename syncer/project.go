package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xiaoniaoyouhuajiang/fstorage/catalog"
	"github.com/xiaoniaoyouhuajiang/fstorage/fetch"
	"github.com/xiaoniaoyouhuajiang/fstorage/lake"
	"github.com/xiaoniaoyouhuajiang/fstorage/model"
	"github.com/xiaoniaoyouhuajiang/fstorage/schema"
)

// Reserved record fields carried by fetchers outside the declared schema:
// edge endpoints and vector sources reference nodes by their canonical key
// string ("Type|pk=value|..."), from which the stable id derives directly.
const (
	fieldFromKey     = "from_key"
	fieldToKey       = "to_key"
	fieldSourceKey   = "source_key"
	fieldEmbeddingID = "embedding_id"
	fieldStableID    = "stable_id"
)

type coercedBatch struct {
	desc    *schema.Descriptor
	records []model.Record
	// reserved holds the stripped reserved fields per record.
	reserved []map[string]string
}

// writePanel appends panel data to its cold table. Panel writes bypass hot
// projection entirely; a partial failure advances nothing.
func (s *Synchronizer) writePanel(ctx context.Context, panel *fetch.PanelData) (map[string]int64, []catalog.Offset, error) {
	if panel.TablePath == "" {
		return nil, nil, &ValidationError{Type: "panel", Reason: "empty table path"}
	}
	cols := inferColumns(panel.Records)
	version, err := s.lake.WriteBatch(ctx, panel.TablePath, cols, panel.Records, lake.Append, nil)
	if err != nil {
		return nil, nil, err
	}
	off, err := s.offsetFor(panel.TablePath, version, int64(len(panel.Records)), panel.Records)
	if err != nil {
		return nil, nil, err
	}
	return map[string]int64{panel.TablePath: int64(len(panel.Records))},
		[]catalog.Offset{off}, nil
}

// processGraph validates, writes cold, projects hot. The observable order
// is cold entities -> cold edges -> cold index tables -> hot nodes -> hot
// edges -> hot vectors; the caller commits the catalog last.
func (s *Synchronizer) processGraph(ctx context.Context, graph *fetch.GraphData) (map[string]int64, []catalog.Offset, error) {
	var nodes, edges, vectors []coercedBatch

	// Validate every batch before anything is written.
	for _, batch := range graph.Batches {
		desc, err := s.registry.Describe(batch.Type)
		if err != nil {
			return nil, nil, &ValidationError{Type: batch.Type, Reason: err.Error()}
		}
		cb := coercedBatch{desc: desc}
		for i, rec := range batch.Records {
			reserved, stripped := extractReserved(rec)
			coerced, err := desc.Coerce(stripped)
			if err != nil {
				return nil, nil, &ValidationError{Type: batch.Type, Reason: fmt.Sprintf("record %d: %v", i, err)}
			}
			if desc.Category == model.CategoryEdge {
				if err := s.validateEdgeKeys(desc, reserved); err != nil {
					return nil, nil, &ValidationError{Type: batch.Type, Reason: fmt.Sprintf("record %d: %v", i, err)}
				}
			}
			if desc.Category == model.CategoryVector {
				if err := s.validateVectorRecord(desc, coerced, reserved); err != nil {
					return nil, nil, &ValidationError{Type: batch.Type, Reason: fmt.Sprintf("record %d: %v", i, err)}
				}
			}
			cb.records = append(cb.records, coerced)
			cb.reserved = append(cb.reserved, reserved)
		}
		switch desc.Category {
		case model.CategoryNode:
			nodes = append(nodes, cb)
		case model.CategoryEdge:
			edges = append(edges, cb)
		case model.CategoryVector:
			vectors = append(vectors, cb)
		}
	}

	written := make(map[string]int64)
	var offsets []catalog.Offset
	addOffset := func(table string, version, rows int64, records []model.Record) error {
		off, err := s.offsetFor(table, version, rows, records)
		if err != nil {
			return err
		}
		offsets = append(offsets, off)
		return nil
	}

	// Assign stable ids up front; cross-references within the batch resolve
	// through this cache before falling back to cold index tables.
	idCache := make(map[string]model.ID)
	for _, cb := range nodes {
		for _, rec := range cb.records {
			tuple, err := cb.desc.PrimaryKeyTuple(rec)
			if err != nil {
				return nil, nil, &ValidationError{Type: cb.desc.Name, Reason: err.Error()}
			}
			idCache[model.NodeKeyString(cb.desc.Name, tuple)] = model.StableNodeID(cb.desc.Name, tuple)
		}
	}

	// Cold entities (node and vector tables).
	for _, cb := range nodes {
		version, err := s.lake.WriteBatch(ctx, cb.desc.TablePath, columnsFor(cb.desc, nil), cb.records, lake.UpsertByKey, cb.desc.PrimaryKeys)
		if err != nil {
			return nil, nil, err
		}
		written[cb.desc.Name] += int64(len(cb.records))
		if err := addOffset(cb.desc.TablePath, version, int64(len(cb.records)), cb.records); err != nil {
			return nil, nil, err
		}
	}
	for _, cb := range vectors {
		rows := attachReserved(cb, fieldSourceKey, fieldEmbeddingID)
		extra := []lake.Column{
			{Name: fieldSourceKey, Type: schema.FieldString, Nullable: true},
			{Name: fieldEmbeddingID, Type: schema.FieldString, Nullable: true},
		}
		version, err := s.lake.WriteBatch(ctx, cb.desc.TablePath, columnsFor(cb.desc, extra), rows, lake.UpsertByKey, cb.desc.PrimaryKeys)
		if err != nil {
			return nil, nil, err
		}
		written[cb.desc.Name] += int64(len(cb.records))
		if err := addOffset(cb.desc.TablePath, version, int64(len(cb.records)), cb.records); err != nil {
			return nil, nil, err
		}
	}

	// Cold edges.
	for _, cb := range edges {
		rows := attachReserved(cb, fieldFromKey, fieldToKey)
		extra := []lake.Column{
			{Name: fieldFromKey, Type: schema.FieldString},
			{Name: fieldToKey, Type: schema.FieldString},
		}
		version, err := s.lake.WriteBatch(ctx, cb.desc.TablePath, columnsFor(cb.desc, extra), rows, lake.UpsertByKey, []string{fieldFromKey, fieldToKey})
		if err != nil {
			return nil, nil, err
		}
		written[cb.desc.Name] += int64(len(cb.records))
		if err := addOffset(cb.desc.TablePath, version, int64(len(cb.records)), cb.records); err != nil {
			return nil, nil, err
		}
	}

	// Cold index tables.
	for _, cb := range nodes {
		table := schema.IndexTablePath(cb.desc.Name)
		rows, cols := indexRows(cb)
		version, err := s.lake.WriteBatch(ctx, table, cols, rows, lake.UpsertByKey, cb.desc.PrimaryKeys)
		if err != nil {
			return nil, nil, err
		}
		if err := addOffset(table, version, int64(len(rows)), rows); err != nil {
			return nil, nil, err
		}
	}
	for _, cb := range vectors {
		rule, err := s.registry.VectorRule(cb.desc.Name)
		if err != nil {
			return nil, nil, &ValidationError{Type: cb.desc.Name, Reason: err.Error()}
		}
		rows := make([]model.Record, len(cb.records))
		for i, rec := range cb.records {
			id, err := cb.desc.StableID(rec)
			if err != nil {
				return nil, nil, err
			}
			embeddingID := cb.reserved[i][fieldEmbeddingID]
			if embeddingID == "" {
				embeddingID = id.String()
			}
			rows[i] = model.Record{fieldEmbeddingID: embeddingID, fieldStableID: id.String()}
		}
		cols := []lake.Column{
			{Name: fieldEmbeddingID, Type: schema.FieldString},
			{Name: fieldStableID, Type: schema.FieldString},
		}
		version, err := s.lake.WriteBatch(ctx, rule.IndexTable, cols, rows, lake.UpsertByKey, []string{fieldEmbeddingID})
		if err != nil {
			return nil, nil, err
		}
		if err := addOffset(rule.IndexTable, version, int64(len(rows)), rows); err != nil {
			return nil, nil, err
		}
	}

	// Hot nodes (and their text index entries). Batches are independent, so
	// they project concurrently; ordering within the phase is not observable.
	g, gctx := errgroup.WithContext(ctx)
	for _, cb := range nodes {
		cb := cb
		g.Go(func() error { return s.projectNodes(gctx, cb) })
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	// Hot edges.
	for _, cb := range edges {
		if err := s.projectEdges(ctx, cb, idCache); err != nil {
			return nil, nil, err
		}
	}

	// Hot vectors and their synthesized source edges.
	for _, cb := range vectors {
		if err := s.projectVectors(ctx, cb, idCache); err != nil {
			return nil, nil, err
		}
	}

	return written, offsets, nil
}

func (s *Synchronizer) validateEdgeKeys(desc *schema.Descriptor, reserved map[string]string) error {
	from, to := reserved[fieldFromKey], reserved[fieldToKey]
	if from == "" || to == "" {
		return fmt.Errorf("edge requires %s and %s", fieldFromKey, fieldToKey)
	}
	if t := model.TypeFromKey(from); t != desc.From {
		return fmt.Errorf("%s references type %q, edge expects %q", fieldFromKey, t, desc.From)
	}
	if t := model.TypeFromKey(to); t != desc.To {
		return fmt.Errorf("%s references type %q, edge expects %q", fieldToKey, t, desc.To)
	}
	return nil
}

func (s *Synchronizer) validateVectorRecord(desc *schema.Descriptor, coerced model.Record, reserved map[string]string) error {
	emb, ok := coerced[desc.EmbeddingField].([]float32)
	if !ok {
		return fmt.Errorf("missing embedding field %q", desc.EmbeddingField)
	}
	if len(emb) != desc.Dimension {
		return fmt.Errorf("embedding has width %d, schema declares %d", len(emb), desc.Dimension)
	}
	rule, err := s.registry.VectorRule(desc.Name)
	if err != nil {
		return err
	}
	source := reserved[fieldSourceKey]
	if source == "" {
		return fmt.Errorf("vector requires %s", fieldSourceKey)
	}
	if t := model.TypeFromKey(source); t != rule.SourceNodeType {
		return fmt.Errorf("%s references type %q, rule expects %q", fieldSourceKey, t, rule.SourceNodeType)
	}
	return nil
}

func (s *Synchronizer) projectNodes(ctx context.Context, cb coercedBatch) error {
	for _, rec := range cb.records {
		id, err := cb.desc.StableID(rec)
		if err != nil {
			return err
		}
		if _, err := s.engine.PutNode(ctx, cb.desc.Name, id, rec); err != nil {
			return err
		}
		for _, field := range cb.desc.TextIndexedFields() {
			text, ok := rec[field].(string)
			if !ok {
				continue
			}
			if err := s.engine.IndexText(ctx, id, cb.desc.Name, field, text); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveKey turns a canonical node key into a stable id: the in-batch
// cache first, direct derivation otherwise. The key string is exactly the
// hash preimage of the stable id, so cross-batch references resolve without
// reading the cold index tables; those tables serve key lookups at query
// time.
func (s *Synchronizer) resolveKey(key string, idCache map[string]model.ID) model.ID {
	if id, ok := idCache[key]; ok {
		return id
	}
	return model.StableIDFromKey(key)
}

func (s *Synchronizer) projectEdges(ctx context.Context, cb coercedBatch, idCache map[string]model.ID) error {
	for i, rec := range cb.records {
		from := cb.reserved[i][fieldFromKey]
		to := cb.reserved[i][fieldToKey]
		src := s.resolveKey(from, idCache)
		dst := s.resolveKey(to, idCache)
		if err := s.engine.PutEdge(ctx, cb.desc.Name, src, dst, cb.desc.From, cb.desc.To, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Synchronizer) projectVectors(ctx context.Context, cb coercedBatch, idCache map[string]model.ID) error {
	rule, err := s.registry.VectorRule(cb.desc.Name)
	if err != nil {
		return err
	}
	for i, rec := range cb.records {
		id, err := cb.desc.StableID(rec)
		if err != nil {
			return err
		}
		embedding, _ := rec[cb.desc.EmbeddingField].([]float32)
		props := rec.Clone()
		delete(props, cb.desc.EmbeddingField)
		if err := s.engine.PutVector(ctx, cb.desc.Name, id, embedding, props); err != nil {
			return err
		}
		// The vector also exists as a graph node so traversals can reach it.
		if _, err := s.engine.PutNode(ctx, cb.desc.Name, id, props); err != nil {
			return err
		}
		for _, field := range cb.desc.TextIndexedFields() {
			text, ok := rec[field].(string)
			if !ok {
				continue
			}
			if err := s.engine.IndexText(ctx, id, cb.desc.Name, field, text); err != nil {
				return err
			}
		}
		source := s.resolveKey(cb.reserved[i][fieldSourceKey], idCache)
		if err := s.engine.PutEdge(ctx, rule.EdgeLabel, source, id, rule.SourceNodeType, cb.desc.Name, nil); err != nil {
			return err
		}
	}
	return nil
}

// batchDigest fingerprints a batch so the catalog can tell an idempotent
// replay of the same batch apart from a distinct batch landing on the same
// table version.
func batchDigest(records []model.Record) string {
	h := sha256.New()
	for _, rec := range records {
		names := make([]string, 0, len(rec))
		for name := range rec {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			v, _ := rec.StringField(name)
			h.Write([]byte(name))
			h.Write([]byte{'='})
			h.Write([]byte(v))
			h.Write([]byte{'\n'})
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Synchronizer) offsetFor(table string, version, rows int64, records []model.Record) (catalog.Offset, error) {
	off := catalog.Offset{TablePath: table, Version: version, RowCount: rows, BatchDigest: batchDigest(records)}
	prev, err := s.catalog.GetOffset(table)
	if err != nil {
		return off, err
	}
	if prev != nil {
		off.RowCount += prev.RowCount
		off.MaxObservedTimestamp = prev.MaxObservedTimestamp
	}
	for _, rec := range records {
		for _, v := range rec {
			if ts, ok := v.(time.Time); ok && ts.After(off.MaxObservedTimestamp) {
				off.MaxObservedTimestamp = ts
			}
		}
	}
	return off, nil
}

func extractReserved(rec model.Record) (map[string]string, model.Record) {
	reserved := make(map[string]string)
	stripped := rec.Clone()
	for _, name := range []string{fieldFromKey, fieldToKey, fieldSourceKey, fieldEmbeddingID} {
		if v, ok := stripped[name].(string); ok {
			reserved[name] = v
			delete(stripped, name)
		}
	}
	return reserved, stripped
}

func attachReserved(cb coercedBatch, names ...string) []model.Record {
	rows := make([]model.Record, len(cb.records))
	for i, rec := range cb.records {
		row := rec.Clone()
		for _, name := range names {
			if v := cb.reserved[i][name]; v != "" {
				row[name] = v
			}
		}
		rows[i] = row
	}
	return rows
}

func columnsFor(desc *schema.Descriptor, extra []lake.Column) []lake.Column {
	cols := make([]lake.Column, 0, len(desc.Fields)+len(extra))
	for _, f := range desc.Fields {
		cols = append(cols, lake.Column{Name: f.Name, Type: f.Type, Nullable: f.Nullable})
	}
	return append(cols, extra...)
}

func indexRows(cb coercedBatch) ([]model.Record, []lake.Column) {
	var cols []lake.Column
	for _, pk := range cb.desc.PrimaryKeys {
		f, _ := cb.desc.Field(pk)
		cols = append(cols, lake.Column{Name: f.Name, Type: f.Type})
	}
	cols = append(cols, lake.Column{Name: fieldStableID, Type: schema.FieldString})

	rows := make([]model.Record, len(cb.records))
	for i, rec := range cb.records {
		row := make(model.Record, len(cb.desc.PrimaryKeys)+1)
		for _, pk := range cb.desc.PrimaryKeys {
			row[pk] = rec[pk]
		}
		id, _ := cb.desc.StableID(rec)
		row[fieldStableID] = id.String()
		rows[i] = row
	}
	return rows, cols
}

// inferColumns derives a column schema from panel records, which carry no
// descriptor. Types come from the first non-nil value per field.
func inferColumns(records []model.Record) []lake.Column {
	types := make(map[string]schema.FieldType)
	for _, rec := range records {
		for name, v := range rec {
			if _, seen := types[name]; seen || v == nil {
				continue
			}
			switch v.(type) {
			case int64, int:
				types[name] = schema.FieldInt
			case float64:
				types[name] = schema.FieldFloat
			case bool:
				types[name] = schema.FieldBool
			case time.Time:
				types[name] = schema.FieldTimestamp
			case []float32:
				types[name] = schema.FieldEmbedding
			default:
				types[name] = schema.FieldString
			}
		}
	}
	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	sort.Strings(names)
	cols := make([]lake.Column, len(names))
	for i, name := range names {
		cols[i] = lake.Column{Name: name, Type: types[name], Nullable: true}
	}
	return cols
}
