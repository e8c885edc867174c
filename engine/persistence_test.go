package engine

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoniaoyouhuajiang/fstorage/model"
)

func TestReopen_RebuildsIndexes(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e, err := Open(dir, withChunkDim(2))
	require.NoError(t, err)
	_, err = e.PutNode(ctx, "Fn", nid("a"), model.Record{"name": "a"})
	require.NoError(t, err)
	require.NoError(t, e.PutVector(ctx, "Chunk", vid("v"), []float32{1, 0}, nil))
	require.NoError(t, e.IndexText(ctx, nid("a"), "Fn", "doc", "hash join planner"))
	require.NoError(t, e.Close())

	e, err = Open(dir, withChunkDim(2))
	require.NoError(t, err)
	defer e.Close()

	node, err := e.GetNode(ctx, nid("a"))
	require.NoError(t, err)
	assert.Equal(t, "a", node.Props["name"])

	hits, err := e.KNN(ctx, "Chunk", []float32{1, 0}, 1, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, vid("v"), hits[0].ID)

	textHits, err := e.SearchBM25(ctx, "Fn", "planner", 1)
	require.NoError(t, err)
	require.Len(t, textHits, 1)
	assert.Equal(t, nid("a"), textHits[0].ID)
}

func TestOpen_Exclusive(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir)
	require.NoError(t, err)
	defer e.Close()

	_, err = Open(dir)
	assert.Error(t, err, "double open on the same directory must fail")
}

func TestSnapshot_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src := openTestEngine(t, withChunkDim(2))

	_, err := src.PutNode(ctx, "Fn", nid("a"), model.Record{"name": "a"})
	require.NoError(t, err)
	require.NoError(t, src.PutEdge(ctx, "CALLS", nid("a"), nid("b"), "Fn", "Fn", nil))
	require.NoError(t, src.PutVector(ctx, "Chunk", vid("v"), []float32{0, 1}, nil))
	require.NoError(t, src.IndexText(ctx, nid("a"), "Fn", "doc", "columnar storage"))

	var buf bytes.Buffer
	require.NoError(t, src.SaveSnapshot(&buf))

	dst := openTestEngine(t, withChunkDim(2))
	require.NoError(t, dst.LoadSnapshot(&buf))

	node, err := dst.GetNode(ctx, nid("a"))
	require.NoError(t, err)
	assert.Equal(t, "a", node.Props["name"])

	edge, err := dst.GetEdge(ctx, "CALLS", nid("a"), nid("b"))
	require.NoError(t, err)
	assert.Equal(t, "CALLS", edge.Label)

	hits, err := dst.KNN(ctx, "Chunk", []float32{0, 1}, 1, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	textHits, err := dst.SearchBM25(ctx, "Fn", "columnar", 1)
	require.NoError(t, err)
	require.Len(t, textHits, 1)
}

func TestSnapshot_LZ4Codec(t *testing.T) {
	ctx := context.Background()
	src := openTestEngine(t, func(o *Options) {
		o.SnapshotCompression = CompressionLZ4
	})
	_, err := src.PutNode(ctx, "Fn", nid("a"), model.Record{"name": "a"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, src.SaveSnapshot(&buf))

	dst := openTestEngine(t)
	require.NoError(t, dst.LoadSnapshot(&buf))
	node, err := dst.GetNode(ctx, nid("a"))
	require.NoError(t, err)
	assert.Equal(t, "a", node.Props["name"])
}

func TestSnapshot_RejectsGarbage(t *testing.T) {
	e := openTestEngine(t)
	err := e.LoadSnapshot(bytes.NewReader([]byte("not a snapshot")))
	assert.Error(t, err)
}
