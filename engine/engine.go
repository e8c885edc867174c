// Package engine is the hot store: an embedded graph plus vector plus text
// index over a transactional key-value backend (badger).
//
// Graph records (nodes, edges, adjacency) live in badger and are durable
// before a write returns; the HNSW vector indexes and BM25 text indexes are
// in-memory and rebuilt from badger on open. Queries read through badger
// transactions and therefore observe snapshot state while puts are in
// flight.
package engine

import (
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/xiaoniaoyouhuajiang/fstorage/hnsw"
	"github.com/xiaoniaoyouhuajiang/fstorage/lexical/bm25"
	"github.com/xiaoniaoyouhuajiang/fstorage/model"
)

var (
	// ErrNotFound is returned when a node, edge or vector is absent.
	ErrNotFound = errors.New("engine: not found")

	// ErrClosed marks a closed engine. Methods called after Close do not
	// return it; they fail with the error of the closed badger store.
	ErrClosed = errors.New("engine: closed")
)

// Options configures the engine.
type Options struct {
	// EFSearch is the default HNSW exploration factor for KNN queries.
	EFSearch int

	// BM25K1 and BM25B are the Okapi BM25 parameters.
	BM25K1 float64
	BM25B  float64

	// Dimensions fixes the embedding width per vector type. KNN and
	// PutVector reject vectors of any other width.
	Dimensions map[string]int

	// SnapshotCompression selects the snapshot codec.
	SnapshotCompression CompressionType
}

// DefaultOptions are the options used when none are supplied.
var DefaultOptions = Options{
	EFSearch:            hnsw.DefaultEFSearch,
	BM25K1:              bm25.DefaultK1,
	BM25B:               bm25.DefaultB,
	SnapshotCompression: CompressionZSTD,
}

// Engine is the hot store handle. All methods are safe for concurrent use.
type Engine struct {
	opts Options
	db   *badger.DB

	mu      sync.RWMutex
	closed  bool
	vectors map[string]*vectorIndex
	texts   map[string]*textIndex
}

type vectorIndex struct {
	mu      sync.Mutex
	graph   *hnsw.HNSW
	byID    map[model.ID]uint32
	byLocal []model.ID
}

func (vi *vectorIndex) local(id model.ID) uint32 {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	if l, ok := vi.byID[id]; ok {
		return l
	}
	l := uint32(len(vi.byLocal))
	vi.byID[id] = l
	vi.byLocal = append(vi.byLocal, id)
	return l
}

func (vi *vectorIndex) resolve(l uint32) model.ID {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	return vi.byLocal[l]
}

type textIndex struct {
	mu      sync.Mutex
	index   *bm25.Index
	byID    map[model.ID]uint32
	byLocal []model.ID
}

func (ti *textIndex) local(id model.ID) uint32 {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	if l, ok := ti.byID[id]; ok {
		return l
	}
	l := uint32(len(ti.byLocal))
	ti.byID[id] = l
	ti.byLocal = append(ti.byLocal, id)
	return l
}

func (ti *textIndex) resolve(l uint32) model.ID {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.byLocal[l]
}

// Open opens (or creates) an engine at dir. The directory is held
// exclusively by badger; a second open on the same directory fails fast.
func Open(dir string, optFns ...func(o *Options)) (*Engine, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("engine: opening store: %w", err)
	}
	e := &Engine{
		opts:    opts,
		db:      db,
		vectors: make(map[string]*vectorIndex),
		texts:   make(map[string]*textIndex),
	}
	if err := e.rebuild(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

// update runs a read-modify-write transaction, retrying on optimistic
// conflicts between concurrent projection batches.
func (e *Engine) update(fn func(txn *badger.Txn) error) error {
	for {
		err := e.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
}

// Close releases the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.db.Close()
}

func (e *Engine) vectorIndexFor(vtype string) (*vectorIndex, error) {
	dim, ok := e.opts.Dimensions[vtype]
	if !ok {
		return nil, fmt.Errorf("engine: no dimension configured for vector type %q", vtype)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if vi, ok := e.vectors[vtype]; ok {
		return vi, nil
	}
	g, err := hnsw.New(func(o *hnsw.Options) {
		o.Dimension = dim
		o.EFSearch = e.opts.EFSearch
	})
	if err != nil {
		return nil, err
	}
	vi := &vectorIndex{graph: g, byID: make(map[model.ID]uint32)}
	e.vectors[vtype] = vi
	return vi, nil
}

func (e *Engine) textIndexFor(ntype string) *textIndex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ti, ok := e.texts[ntype]; ok {
		return ti
	}
	ti := &textIndex{
		index: bm25.New(e.opts.BM25K1, e.opts.BM25B),
		byID:  make(map[model.ID]uint32),
	}
	e.texts[ntype] = ti
	return ti
}

// rebuild restores the in-memory vector and text indexes from badger.
func (e *Engine) rebuild() error {
	return e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixVector), PrefetchValues: true})
		for it.Rewind(); it.Valid(); it.Next() {
			vtype, id, err := parseVectorKey(it.Item().Key())
			if err != nil {
				it.Close()
				return err
			}
			var rec vectorRecord
			if err := it.Item().Value(func(val []byte) error {
				return decodeVectorRecord(val, &rec)
			}); err != nil {
				it.Close()
				return err
			}
			vi, err := e.vectorIndexFor(vtype)
			if err != nil {
				// A vector type that is no longer configured stays cold; it
				// is still served from badger lookups.
				continue
			}
			if err := vi.graph.Insert(vi.local(id), rec.Embedding); err != nil {
				it.Close()
				return err
			}
		}
		it.Close()

		// Text entries are grouped per node; gather and re-add per node so
		// the BM25 document is the union of its indexed fields.
		texts := make(map[string]map[model.ID]string)
		it = txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixText), PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ntype, id, _, err := parseTextKey(it.Item().Key())
			if err != nil {
				return err
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if texts[ntype] == nil {
				texts[ntype] = make(map[model.ID]string)
			}
			if prev := texts[ntype][id]; prev != "" {
				texts[ntype][id] = prev + "\n" + string(val)
			} else {
				texts[ntype][id] = string(val)
			}
		}
		for ntype, docs := range texts {
			ti := e.textIndexFor(ntype)
			for id, text := range docs {
				ti.index.Add(ti.local(id), text)
			}
		}
		return nil
	})
}
