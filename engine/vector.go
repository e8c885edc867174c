package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/xiaoniaoyouhuajiang/fstorage/model"
)

// Vector is a materialized vector record.
type Vector struct {
	ID        model.ID
	Type      string
	Embedding []float32
	Props     model.Record
}

// VectorHit is a KNN result: a vector id and its cosine similarity.
type VectorHit struct {
	ID    model.ID
	Score float32
}

// PutVector inserts or replaces a vector. Idempotent on id: the embedding is
// replaced and properties are merged.
func (e *Engine) PutVector(ctx context.Context, vtype string, id model.ID, embedding []float32, props model.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dim, ok := e.opts.Dimensions[vtype]; ok && len(embedding) != dim {
		return fmt.Errorf("engine: vector type %q: dimension mismatch: expected %d, got %d", vtype, dim, len(embedding))
	}

	err := e.update(func(txn *badger.Txn) error {
		rec := vectorRecord{Type: vtype, Embedding: embedding, Props: props.Clone()}
		item, err := txn.Get(vectorKey(vtype, id))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			var existing vectorRecord
			if err := item.Value(func(val []byte) error {
				return decodeVectorRecord(val, &existing)
			}); err != nil {
				return err
			}
			rec.Props = existing.Props.Merge(props)
		}
		data, err := encodeVectorRecord(rec)
		if err != nil {
			return err
		}
		return txn.Set(vectorKey(vtype, id), data)
	})
	if err != nil {
		return err
	}

	vi, err := e.vectorIndexFor(vtype)
	if err != nil {
		// No configured dimension: the record stays cold-only.
		return nil
	}
	return vi.graph.Insert(vi.local(id), embedding)
}

// GetVector returns the vector (type, id).
func (e *Engine) GetVector(ctx context.Context, vtype string, id model.ID) (*Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *Vector
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(vectorKey(vtype, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: vector %s/%s", ErrNotFound, vtype, id)
		}
		if err != nil {
			return err
		}
		var rec vectorRecord
		if err := item.Value(func(val []byte) error {
			return decodeVectorRecord(val, &rec)
		}); err != nil {
			return err
		}
		out = &Vector{ID: id, Type: vtype, Embedding: rec.Embedding, Props: rec.Props}
		return nil
	})
	return out, err
}

// KNN returns the k nearest vectors of a type by cosine similarity, ties
// broken by ascending stable id. ef <= 0 uses the configured default;
// larger ef trades latency for recall.
func (e *Engine) KNN(ctx context.Context, vtype string, query []float32, k, ef int) ([]VectorHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	vi, ok := e.vectors[vtype]
	e.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	// Over-fetch so equal-score hits can be reordered by stable id before
	// the cut to k.
	candidates, err := vi.graph.KNNSearch(query, k+8, ef)
	if err != nil {
		return nil, err
	}
	hits := make([]VectorHit, len(candidates))
	for i, c := range candidates {
		hits[i] = VectorHit{ID: vi.resolve(c.ID), Score: c.Score}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return bytes.Compare(hits[i].ID[:], hits[j].ID[:]) < 0
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}
