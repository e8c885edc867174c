package fstorage

import (
	"github.com/xiaoniaoyouhuajiang/fstorage/embedding"
	"github.com/xiaoniaoyouhuajiang/fstorage/engine"
	"github.com/xiaoniaoyouhuajiang/fstorage/hnsw"
	"github.com/xiaoniaoyouhuajiang/fstorage/lexical/bm25"
)

// OpenMode controls whether Open may create a fresh base path.
type OpenMode int

const (
	// CreateIfMissing initializes an empty base path on first open.
	CreateIfMissing OpenMode = iota
	// RequireExisting fails when the base path was never initialized.
	RequireExisting
)

type options struct {
	openMode         OpenMode
	logger           *Logger
	metricsCollector MetricsCollector
	embedding        embedding.Config
	hnswEFSearch     int
	bm25K1           float64
	bm25B            float64
	snapshotCodec    engine.CompressionType
}

// Option configures Open.
type Option func(*options)

func defaultOptions() options {
	return options{
		openMode:         CreateIfMissing,
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
		hnswEFSearch:     hnsw.DefaultEFSearch,
		bm25K1:           bm25.DefaultK1,
		bm25B:            bm25.DefaultB,
		snapshotCodec:    engine.CompressionZSTD,
	}
}

// WithOpenMode sets the open mode. Default: CreateIfMissing.
func WithOpenMode(mode OpenMode) Option {
	return func(o *options) { o.openMode = mode }
}

// WithLogger configures structured logging. Pass nil to disable.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
func WithMetricsCollector(collector MetricsCollector) Option {
	return func(o *options) {
		if collector == nil {
			collector = NoopMetricsCollector{}
		}
		o.metricsCollector = collector
	}
}

// WithEmbeddingBackend forces an embedding backend instead of the
// auto-detect priority rule (remote, then local, then null).
func WithEmbeddingBackend(backend embedding.Backend) Option {
	return func(o *options) { o.embedding.Backend = backend }
}

// WithEmbeddingAPIKey configures the remote embedding backend credential.
// Setting a key makes the remote backend win auto-detection.
func WithEmbeddingAPIKey(key string) Option {
	return func(o *options) { o.embedding.APIKey = key }
}

// WithEmbeddingModel overrides the remote embedding model and output width.
func WithEmbeddingModel(model string, dimension int) Option {
	return func(o *options) {
		o.embedding.Model = model
		o.embedding.Dimension = dimension
	}
}

// WithEmbeddingBaseURL overrides the remote embedding endpoint, for
// OpenAI-compatible servers.
func WithEmbeddingBaseURL(url string) Option {
	return func(o *options) { o.embedding.BaseURL = url }
}

// WithLocalEmbeddingAsset points the local embedding backend at its binary
// projection asset.
func WithLocalEmbeddingAsset(path string) Option {
	return func(o *options) { o.embedding.AssetPath = path }
}

// WithEmbeddingProvider injects a fully constructed provider, bypassing
// backend selection. Intended for tests and custom backends.
func WithEmbeddingProvider(p embedding.Provider) Option {
	return func(o *options) { o.embedding.Provider = p }
}

// WithHNSWEFSearch sets the default HNSW exploration factor. Default: 64.
func WithHNSWEFSearch(ef int) Option {
	return func(o *options) { o.hnswEFSearch = ef }
}

// WithBM25Params sets the Okapi BM25 parameters. Defaults: k1=1.2, b=0.75.
func WithBM25Params(k1, b float64) Option {
	return func(o *options) {
		o.bm25K1 = k1
		o.bm25B = b
	}
}

// WithSnapshotCodec selects the engine snapshot compression.
// Default: zstd.
func WithSnapshotCodec(codec engine.CompressionType) Option {
	return func(o *options) { o.snapshotCodec = codec }
}
