// Package query is the read-only surface over the hot engine, with cold
// index-table fallback for nodes that have not been projected yet. All
// operations are side-effect-free and safe to run concurrently with syncs;
// they observe snapshot state per record.
package query

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xiaoniaoyouhuajiang/fstorage/embedding"
	"github.com/xiaoniaoyouhuajiang/fstorage/engine"
	"github.com/xiaoniaoyouhuajiang/fstorage/lake"
	"github.com/xiaoniaoyouhuajiang/fstorage/model"
	"github.com/xiaoniaoyouhuajiang/fstorage/schema"
)

// hybridOverFetch is the multiplier applied to k when gathering candidates
// from each side of a hybrid search before fusion.
const hybridOverFetch = 4

// Layer is the query surface. Construct with New.
type Layer struct {
	registry *schema.Registry
	engine   *engine.Engine
	lake     *lake.Lake
	embedder embedding.Provider
}

// New builds a query layer over the shared stores.
func New(registry *schema.Registry, eng *engine.Engine, lk *lake.Lake, embedder embedding.Provider) *Layer {
	if embedder == nil {
		embedder = embedding.Null{}
	}
	return &Layer{registry: registry, engine: eng, lake: lk, embedder: embedder}
}

// Hit is a scored search result.
type Hit struct {
	ID    model.ID
	Type  string
	Score float64
}

// SearchTextBM25 delegates to the hot BM25 index.
func (l *Layer) SearchTextBM25(ctx context.Context, typeName, q string, k int) ([]Hit, error) {
	hits, err := l.engine.SearchBM25(ctx, typeName, q, k)
	if err != nil {
		return nil, err
	}
	out := make([]Hit, len(hits))
	for i, h := range hits {
		out[i] = Hit{ID: h.ID, Type: typeName, Score: h.Score}
	}
	return out, nil
}

// SearchVectors delegates to the hot HNSW index.
func (l *Layer) SearchVectors(ctx context.Context, typeName string, v []float32, k int) ([]Hit, error) {
	hits, err := l.engine.KNN(ctx, typeName, v, k, 0)
	if err != nil {
		return nil, err
	}
	out := make([]Hit, len(hits))
	for i, h := range hits {
		out[i] = Hit{ID: h.ID, Type: typeName, Score: float64(h.Score)}
	}
	return out, nil
}

// SearchVectorsByText embeds the query and searches vectors with it. With
// the null embedding backend the result is empty.
func (l *Layer) SearchVectorsByText(ctx context.Context, typeName, q string, k int) ([]Hit, error) {
	q = strings.TrimSpace(q)
	if q == "" || l.embedder.Dimension() == 0 {
		return nil, nil
	}
	vecs, err := l.embedder.Embed(ctx, []string{q})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, nil
	}
	return l.SearchVectors(ctx, typeName, vecs[0], k)
}

// SearchHybrid fuses BM25 and vector-by-text scores: each side contributes
// its top k*4 hits, both score vectors are min-max normalized to [0,1], and
// the combined score is alpha*vector + (1-alpha)*bm25. Ties break by stable
// id.
func (l *Layer) SearchHybrid(ctx context.Context, typeName, q string, alpha float64, k int) ([]Hit, error) {
	if alpha < 0 || alpha > 1 {
		return nil, fmt.Errorf("query: alpha must be in [0,1], got %g", alpha)
	}
	if k <= 0 {
		return nil, nil
	}

	pool := k * hybridOverFetch
	bm25Hits, err := l.SearchTextBM25(ctx, typeName, q, pool)
	if err != nil {
		return nil, err
	}
	vecHits, err := l.SearchVectorsByText(ctx, typeName, q, pool)
	if err != nil {
		return nil, err
	}

	bm25Norm := minMaxNormalize(bm25Hits)
	vecNorm := minMaxNormalize(vecHits)

	combined := make(map[model.ID]float64)
	for id, s := range vecNorm {
		combined[id] += alpha * s
	}
	for id, s := range bm25Norm {
		combined[id] += (1 - alpha) * s
	}

	out := make([]Hit, 0, len(combined))
	for id, score := range combined {
		out = append(out, Hit{ID: id, Type: typeName, Score: score})
	}
	sortHits(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// SearchHybridMulti runs SearchHybrid per type, unions the results and
// re-ranks by combined score. Each hit keeps its type tag.
func (l *Layer) SearchHybridMulti(ctx context.Context, types []string, q string, alpha float64, k int) ([]Hit, error) {
	var out []Hit
	for _, typeName := range types {
		hits, err := l.SearchHybrid(ctx, typeName, q, alpha, k)
		if err != nil {
			return nil, err
		}
		out = append(out, hits...)
	}
	sortHits(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func minMaxNormalize(hits []Hit) map[model.ID]float64 {
	out := make(map[model.ID]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < lo {
			lo = h.Score
		}
		if h.Score > hi {
			hi = h.Score
		}
	}
	for _, h := range hits {
		if hi == lo {
			out[h.ID] = 1
		} else {
			out[h.ID] = (h.Score - lo) / (hi - lo)
		}
	}
	return out
}

func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return bytes.Compare(hits[i].ID[:], hits[j].ID[:]) < 0
	})
}

// Neighbors delegates to the hot engine.
func (l *Layer) Neighbors(ctx context.Context, id model.ID, opts engine.NeighborOptions) ([]engine.Neighbor, error) {
	return l.engine.Neighbors(ctx, id, opts)
}

// SubgraphBFS delegates to the hot engine.
func (l *Layer) SubgraphBFS(ctx context.Context, start model.ID, labels []string, depth, nodeLimit, edgeLimit int) (*engine.Subgraph, error) {
	return l.engine.SubgraphBFS(ctx, start, labels, depth, nodeLimit, edgeLimit)
}

// ShortestPath delegates to the hot engine.
func (l *Layer) ShortestPath(ctx context.Context, from, to model.ID, label string) ([]*engine.Node, error) {
	return l.engine.ShortestPath(ctx, from, to, label)
}

// GetNodeByID returns a node from the hot engine, falling back to hydration
// from the cold entity table when the hot store misses. Returns nil when
// absent in both.
func (l *Layer) GetNodeByID(ctx context.Context, id model.ID) (*engine.Node, error) {
	node, err := l.engine.GetNode(ctx, id)
	if err == nil {
		return node, nil
	}
	if !errors.Is(err, engine.ErrNotFound) {
		return nil, err
	}

	// Cold fallback: find the entity type whose index table knows this id,
	// then hydrate the row from the entity table.
	for _, typeName := range l.registry.NodeTypes() {
		desc, err := l.registry.Describe(typeName)
		if err != nil {
			return nil, err
		}
		row, err := l.lake.ReadRowByKey(ctx, schema.IndexTablePath(typeName), []string{"stable_id"}, []string{id.String()})
		if err != nil {
			return nil, err
		}
		if row == nil {
			continue
		}
		keyFields := make([]string, 0, len(desc.PrimaryKeys))
		keyValues := make([]string, 0, len(desc.PrimaryKeys))
		for _, pk := range desc.PrimaryKeys {
			v, _ := row.StringField(pk)
			keyFields = append(keyFields, pk)
			keyValues = append(keyValues, v)
		}
		entity, err := l.lake.ReadRowByKey(ctx, desc.TablePath, keyFields, keyValues)
		if err != nil {
			return nil, err
		}
		if entity != nil {
			return &engine.Node{ID: id, Type: typeName, Props: entity}, nil
		}
	}
	return nil, nil
}

// GetNodeByKeys resolves a node by its primary-key values in declared
// order: hot first via the derived stable id, then the cold entity table read
// by those key values (the index table is not consulted). Returns nil when
// absent in both.
func (l *Layer) GetNodeByKeys(ctx context.Context, typeName string, keyValues []string) (*engine.Node, error) {
	desc, err := l.registry.Describe(typeName)
	if err != nil {
		return nil, err
	}
	if len(keyValues) != len(desc.PrimaryKeys) {
		return nil, fmt.Errorf("query: %s expects %d key values, got %d", typeName, len(desc.PrimaryKeys), len(keyValues))
	}
	tuple := make([]model.KV, len(keyValues))
	for i, pk := range desc.PrimaryKeys {
		tuple[i] = model.KV{Key: pk, Value: keyValues[i]}
	}
	id := model.StableNodeID(typeName, tuple)

	node, err := l.engine.GetNode(ctx, id)
	if err == nil {
		return node, nil
	}
	if !errors.Is(err, engine.ErrNotFound) {
		return nil, err
	}

	entity, err := l.lake.ReadRowByKey(ctx, desc.TablePath, desc.PrimaryKeys, keyValues)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, nil
	}
	return &engine.Node{ID: id, Type: typeName, Props: entity}, nil
}
