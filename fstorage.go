// Package fstorage is an embedded active data layer: a schema-driven dual
// store that ingests typed records from pluggable fetchers, persists them in
// columnar tables (the cold store), projects them into an embedded graph,
// vector and text engine (the hot store), and exposes a unified query
// surface over both.
//
// The two stores stay mutually consistent without distributed transactions:
// stable ids are derived deterministically from primary keys, writes are
// merge-on-write in both stores, and the catalog records progress last, so
// any crash leaves a lag that startup replay closes.
//
// # Quick start
//
//	registry, err := schema.LoadBundleFile("schema.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	st, err := fstorage.Open(ctx, "./data", registry,
//	    fstorage.WithLogger(fstorage.NewTextLogger(slog.LevelInfo)))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
//
//	st.RegisterFetcher(myFetcher)
//	result, err := st.Sync(ctx, "github", map[string]any{"repo": "a/b"},
//	    fetch.Budget{MaxRequests: 100})
//
//	hits, err := st.SearchHybrid(ctx, "ReadmeChunk", "async performance", 0.5, 10)
//
// A base path is owned by exactly one process; a second Open on the same
// path fails fast with ErrLocked.
package fstorage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/xiaoniaoyouhuajiang/fstorage/catalog"
	"github.com/xiaoniaoyouhuajiang/fstorage/embedding"
	"github.com/xiaoniaoyouhuajiang/fstorage/engine"
	"github.com/xiaoniaoyouhuajiang/fstorage/fetch"
	"github.com/xiaoniaoyouhuajiang/fstorage/internal/flock"
	"github.com/xiaoniaoyouhuajiang/fstorage/lake"
	"github.com/xiaoniaoyouhuajiang/fstorage/model"
	"github.com/xiaoniaoyouhuajiang/fstorage/query"
	"github.com/xiaoniaoyouhuajiang/fstorage/schema"
	"github.com/xiaoniaoyouhuajiang/fstorage/syncer"
)

// Storage is the top-level handle over the dual store. All methods are safe
// for concurrent use; queries never block syncs and vice versa.
type Storage struct {
	basePath string
	registry *schema.Registry
	catalog  *catalog.Catalog
	lake     *lake.Lake
	engine   *engine.Engine
	embedder embedding.Provider
	syncer   *syncer.Synchronizer
	query    *query.Layer
	logger   *Logger
	metrics  MetricsCollector
	lock     *flock.Lock
	closed   bool
}

// Open opens (or creates) a storage instance rooted at basePath. The schema
// registry is immutable for the lifetime of the instance. Open acquires an
// exclusive lock on the base path, validates the embedding dimension against
// every vector type, and replays any cold/hot lag left by a crash.
func Open(ctx context.Context, basePath string, registry *schema.Registry, optFns ...Option) (*Storage, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if registry == nil {
		return nil, &ConfigurationError{Reason: "schema registry is required"}
	}

	initialized := false
	if _, err := os.Stat(filepath.Join(basePath, "lake")); err == nil {
		initialized = true
	}
	if opts.openMode == RequireExisting && !initialized {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("base path %s does not hold an existing store", basePath)}
	}
	if err := os.MkdirAll(basePath, 0o750); err != nil {
		return nil, &ConfigurationError{Reason: "creating base path", cause: err}
	}

	lock, err := flock.Acquire(basePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLocked, err)
	}

	st := &Storage{
		basePath: basePath,
		registry: registry,
		logger:   opts.logger,
		metrics:  opts.metricsCollector,
		lock:     lock,
	}
	cleanup := func() {
		if st.engine != nil {
			_ = st.engine.Close()
		}
		if st.catalog != nil {
			_ = st.catalog.Close()
		}
		_ = lock.Unlock()
	}

	st.lake, err = lake.Open(filepath.Join(basePath, "lake"))
	if err != nil {
		cleanup()
		return nil, err
	}
	st.catalog, err = catalog.Open(filepath.Join(basePath, "catalog.db"))
	if err != nil {
		cleanup()
		return nil, err
	}

	// The embedder is resolved before the engine so its dimension can be
	// checked against every vector type in the schema.
	st.embedder, err = embedding.Select(opts.embedding)
	if err != nil {
		cleanup()
		return nil, &ConfigurationError{Reason: "selecting embedding backend", cause: err}
	}
	dims := make(map[string]int)
	for _, vt := range registry.VectorTypes() {
		desc, err := registry.Describe(vt)
		if err != nil {
			cleanup()
			return nil, err
		}
		dims[vt] = desc.Dimension
		if d := st.embedder.Dimension(); d != 0 && d != desc.Dimension {
			cleanup()
			return nil, &ConfigurationError{
				Reason: fmt.Sprintf("embedding backend produces %d-wide vectors, vector type %q declares %d", d, vt, desc.Dimension),
			}
		}
	}

	st.engine, err = engine.Open(filepath.Join(basePath, "engine"), func(o *engine.Options) {
		o.EFSearch = opts.hnswEFSearch
		o.BM25K1 = opts.bm25K1
		o.BM25B = opts.bm25B
		o.Dimensions = dims
		o.SnapshotCompression = opts.snapshotCodec
	})
	if err != nil {
		cleanup()
		return nil, err
	}

	st.syncer = syncer.New(registry, st.catalog, st.lake, st.engine, opts.logger)
	st.query = query.New(registry, st.engine, st.lake, st.embedder)

	start := time.Now()
	replayed, err := st.syncer.ReplayLag(ctx)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("startup replay: %w", err)
	}
	if replayed > 0 {
		st.metrics.RecordReplay(replayed, time.Since(start))
		st.logger.Info("startup replay closed cold/hot lag", "tables", replayed)
	}

	return st, nil
}

// Close releases the engine, the catalog and the base-path lock.
func (st *Storage) Close() error {
	if st.closed {
		return nil
	}
	st.closed = true
	err := st.engine.Close()
	if cerr := st.catalog.Close(); err == nil {
		err = cerr
	}
	if lerr := st.lock.Unlock(); err == nil {
		err = lerr
	}
	return err
}

// Registry returns the immutable schema registry.
func (st *Storage) Registry() *schema.Registry { return st.registry }

// Catalog exposes the metadata store for inspection.
func (st *Storage) Catalog() *catalog.Catalog { return st.catalog }

// RegisterFetcher makes a fetcher available to Sync by its capability name.
func (st *Storage) RegisterFetcher(f fetch.Fetcher) {
	st.syncer.RegisterFetcher(f)
}

// FetcherCapabilities lists the capabilities of all registered fetchers.
func (st *Storage) FetcherCapabilities() []fetch.Capability {
	return st.syncer.Capabilities()
}

// Sync runs one budgeted sync of a fetcher scope.
func (st *Storage) Sync(ctx context.Context, fetcherName string, params map[string]any, budget fetch.Budget) (*syncer.Result, error) {
	start := time.Now()
	result, err := st.syncer.Sync(ctx, fetcherName, params, budget)
	var rows int64
	status := "error"
	if result != nil {
		status = string(result.Status)
		for _, n := range result.RowsWritten {
			rows += n
		}
	}
	st.metrics.RecordSync(status, rows, time.Since(start), err)
	return result, translateError(err)
}

// Readiness returns the freshness and coverage decision for a scope's
// datasets.
func (st *Storage) Readiness(fetcherName string, params map[string]any, datasets []string) (map[string]syncer.ReadinessReport, error) {
	scope, err := syncer.ScopeID(fetcherName, params)
	if err != nil {
		return nil, err
	}
	return st.syncer.CheckReadiness(scope, datasets, time.Now().UTC())
}

// ListTables lists cold tables under a path prefix with schema summaries.
func (st *Storage) ListTables(prefix string) ([]lake.TableSummary, error) {
	return st.lake.ListTables(prefix)
}

// ListKnownEntities lists the ingestion offsets the catalog tracks, one per
// synced table.
func (st *Storage) ListKnownEntities() ([]catalog.Offset, error) {
	return st.catalog.ListOffsets()
}

// SearchTextBM25 searches the BM25 text index of a type.
func (st *Storage) SearchTextBM25(ctx context.Context, typeName, q string, k int) ([]query.Hit, error) {
	return st.recordSearch("bm25", k)(st.query.SearchTextBM25(ctx, typeName, q, k))
}

// SearchVectors searches the vector index of a type with a raw vector.
func (st *Storage) SearchVectors(ctx context.Context, typeName string, v []float32, k int) ([]query.Hit, error) {
	return st.recordSearch("vector", k)(st.query.SearchVectors(ctx, typeName, v, k))
}

// SearchVectorsByText embeds the query text and searches the vector index.
func (st *Storage) SearchVectorsByText(ctx context.Context, typeName, q string, k int) ([]query.Hit, error) {
	return st.recordSearch("vector_text", k)(st.query.SearchVectorsByText(ctx, typeName, q, k))
}

// SearchHybrid fuses BM25 and vector scores with weight alpha on the vector
// side.
func (st *Storage) SearchHybrid(ctx context.Context, typeName, q string, alpha float64, k int) ([]query.Hit, error) {
	return st.recordSearch("hybrid", k)(st.query.SearchHybrid(ctx, typeName, q, alpha, k))
}

// SearchHybridMulti runs a hybrid search across several types and re-ranks
// the union.
func (st *Storage) SearchHybridMulti(ctx context.Context, types []string, q string, alpha float64, k int) ([]query.Hit, error) {
	return st.recordSearch("hybrid_multi", k)(st.query.SearchHybridMulti(ctx, types, q, alpha, k))
}

func (st *Storage) recordSearch(kind string, k int) func([]query.Hit, error) ([]query.Hit, error) {
	start := time.Now()
	return func(hits []query.Hit, err error) ([]query.Hit, error) {
		st.metrics.RecordSearch(kind, k, time.Since(start), err)
		return hits, translateError(err)
	}
}

// Neighbors returns the adjacent nodes of id ordered by edge label then
// neighbor stable id.
func (st *Storage) Neighbors(ctx context.Context, id model.ID, opts engine.NeighborOptions) ([]engine.Neighbor, error) {
	out, err := st.query.Neighbors(ctx, id, opts)
	return out, translateError(err)
}

// SubgraphBFS expands breadth-first from start under depth and size limits.
func (st *Storage) SubgraphBFS(ctx context.Context, start model.ID, labels []string, depth, nodeLimit, edgeLimit int) (*engine.Subgraph, error) {
	out, err := st.query.SubgraphBFS(ctx, start, labels, depth, nodeLimit, edgeLimit)
	return out, translateError(err)
}

// ShortestPath returns a shortest path between two nodes, optionally
// restricted to one edge label. Returns nil when no path exists.
func (st *Storage) ShortestPath(ctx context.Context, from, to model.ID, label string) ([]*engine.Node, error) {
	out, err := st.query.ShortestPath(ctx, from, to, label)
	return out, translateError(err)
}

// GetNodeByID resolves a node by stable id, hot store first, cold fallback.
// Returns nil when absent in both.
func (st *Storage) GetNodeByID(ctx context.Context, id model.ID) (*engine.Node, error) {
	out, err := st.query.GetNodeByID(ctx, id)
	return out, translateError(err)
}

// GetNodeByKeys resolves a node by its primary-key values in declared
// order. Returns nil when absent in both stores.
func (st *Storage) GetNodeByKeys(ctx context.Context, typeName string, keyValues []string) (*engine.Node, error) {
	out, err := st.query.GetNodeByKeys(ctx, typeName, keyValues)
	return out, translateError(err)
}

// EmbedTexts exposes the configured embedding backend.
func (st *Storage) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	return st.embedder.Embed(ctx, texts)
}

// SaveSnapshot writes a compressed snapshot of the hot engine to w.
func (st *Storage) SaveSnapshot(w io.Writer) error {
	return st.engine.SaveSnapshot(w)
}

// LoadSnapshot restores a hot-engine snapshot from r.
func (st *Storage) LoadSnapshot(r io.Reader) error {
	return st.engine.LoadSnapshot(r)
}
