package engine

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoniaoyouhuajiang/fstorage/model"
)

func withChunkDim(dim int) func(o *Options) {
	return func(o *Options) {
		o.Dimensions = map[string]int{"Chunk": dim}
	}
}

func vid(name string) model.ID {
	return model.StableNodeID("Chunk", []model.KV{{Key: "chunk_id", Value: name}})
}

func TestPutVectorAndKNN(t *testing.T) {
	e := openTestEngine(t, withChunkDim(3))
	ctx := context.Background()

	require.NoError(t, e.PutVector(ctx, "Chunk", vid("a"), []float32{1, 0, 0}, model.Record{"chunk_id": "a"}))
	require.NoError(t, e.PutVector(ctx, "Chunk", vid("b"), []float32{0, 1, 0}, model.Record{"chunk_id": "b"}))

	hits, err := e.KNN(ctx, "Chunk", []float32{1, 0, 0}, 1, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, vid("a"), hits[0].ID)
	assert.InDelta(t, 1.0, float64(hits[0].Score), 1e-5)

	vec, err := e.GetVector(ctx, "Chunk", vid("a"))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vec.Embedding)
	assert.Equal(t, "a", vec.Props["chunk_id"])
}

func TestPutVector_DimensionMismatch(t *testing.T) {
	e := openTestEngine(t, withChunkDim(3))
	err := e.PutVector(context.Background(), "Chunk", vid("a"), []float32{1, 0}, nil)
	assert.Error(t, err)
}

func TestPutVector_IdempotentOnID(t *testing.T) {
	e := openTestEngine(t, withChunkDim(2))
	ctx := context.Background()

	require.NoError(t, e.PutVector(ctx, "Chunk", vid("a"), []float32{1, 0}, model.Record{"chunk_id": "a"}))
	require.NoError(t, e.PutVector(ctx, "Chunk", vid("a"), []float32{0, 1}, model.Record{"rev": int64(2)}))

	hits, err := e.KNN(ctx, "Chunk", []float32{0, 1}, 2, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1, "same id must not duplicate")
	assert.InDelta(t, 1.0, float64(hits[0].Score), 1e-5)

	vec, err := e.GetVector(ctx, "Chunk", vid("a"))
	require.NoError(t, err)
	assert.Equal(t, "a", vec.Props["chunk_id"], "properties merge")
	assert.Equal(t, int64(2), vec.Props["rev"])
}

func TestKNN_TieBreakByID(t *testing.T) {
	e := openTestEngine(t, withChunkDim(2))
	ctx := context.Background()

	// Identical vectors: identical scores, ordered by stable id.
	ids := []model.ID{vid("x"), vid("y"), vid("z")}
	for _, id := range ids {
		require.NoError(t, e.PutVector(ctx, "Chunk", id, []float32{1, 0}, nil))
	}

	hits, err := e.KNN(ctx, "Chunk", []float32{1, 0}, 3, 0)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	for i := 1; i < len(hits); i++ {
		assert.Equal(t, hits[i-1].Score, hits[i].Score)
		assert.Negative(t, bytes.Compare(hits[i-1].ID[:], hits[i].ID[:]))
	}
}

func TestKNN_UnknownType(t *testing.T) {
	e := openTestEngine(t)
	hits, err := e.KNN(context.Background(), "Nope", []float32{1}, 3, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndexTextAndSearch(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	a, b := nid("a"), nid("b")
	require.NoError(t, e.IndexText(ctx, a, "Fn", "doc", "async runtime performance"))
	require.NoError(t, e.IndexText(ctx, b, "Fn", "doc", "GUI theme customization"))

	hits, err := e.SearchBM25(ctx, "Fn", "async performance", 2)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, a, hits[0].ID)

	hits, err = e.SearchBM25(ctx, "Fn", "theme", 2)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, b, hits[0].ID)
}

func TestIndexText_FieldUnion(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()
	a := nid("a")

	require.NoError(t, e.IndexText(ctx, a, "Fn", "name", "parse_config"))
	require.NoError(t, e.IndexText(ctx, a, "Fn", "doc", "reads the yaml configuration"))

	// Both fields are searchable.
	hits, err := e.SearchBM25(ctx, "Fn", "yaml", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	// Re-indexing one field replaces only that field's contribution.
	require.NoError(t, e.IndexText(ctx, a, "Fn", "doc", "reads the toml configuration"))
	hits, err = e.SearchBM25(ctx, "Fn", "yaml", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
	hits, err = e.SearchBM25(ctx, "Fn", "toml", 5)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	hits, err = e.SearchBM25(ctx, "Fn", "parse", 5)
	require.NoError(t, err)
	assert.Len(t, hits, 1, "other fields survive")
}

func TestSearchBM25_UnknownType(t *testing.T) {
	e := openTestEngine(t)
	hits, err := e.SearchBM25(context.Background(), "Nope", "query", 3)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
