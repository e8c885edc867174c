package engine

import (
	"bytes"
	"context"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/xiaoniaoyouhuajiang/fstorage/model"
)

// TextHit is a BM25 search result.
type TextHit struct {
	ID    model.ID
	Score float64
}

// IndexText indexes one text field of a node. The BM25 document for the node
// is the union of all its indexed fields; re-indexing a field replaces only
// that field's contribution.
func (e *Engine) IndexText(ctx context.Context, id model.ID, ntype, field, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Persist the field text, then rebuild the node's document from all of
	// its stored fields so replays converge.
	var doc string
	err := e.update(func(txn *badger.Txn) error {
		doc = ""
		if err := txn.Set(textKey(ntype, id, field), []byte(text)); err != nil {
			return err
		}
		prefix := append([]byte(nil), textKey(ntype, id, "")...)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()
		var parts []string
		for it.Rewind(); it.Valid(); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			parts = append(parts, string(val))
		}
		for i, p := range parts {
			if i > 0 {
				doc += "\n"
			}
			doc += p
		}
		return nil
	})
	if err != nil {
		return err
	}

	ti := e.textIndexFor(ntype)
	ti.index.Add(ti.local(id), doc)
	return nil
}

// SearchBM25 scores nodes of a type against a query over the union of their
// indexed fields, returning the top k by descending BM25 score with ties
// broken by ascending stable id.
func (e *Engine) SearchBM25(ctx context.Context, ntype, query string, k int) ([]TextHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	ti, ok := e.texts[ntype]
	e.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	raw := ti.index.Search(query, k+8)
	hits := make([]TextHit, len(raw))
	for i, h := range raw {
		hits[i] = TextHit{ID: ti.resolve(h.Doc), Score: h.Score}
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
