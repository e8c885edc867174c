package hnsw

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T, dim int) *HNSW {
	t.Helper()
	h, err := New(func(o *Options) {
		o.Dimension = dim
	})
	require.NoError(t, err)
	return h
}

func TestNew_Validation(t *testing.T) {
	_, err := New()
	assert.Error(t, err, "dimension is required")

	_, err = New(func(o *Options) {
		o.Dimension = 4
		o.M = 1
	})
	assert.Error(t, err)
}

func TestInsertAndSearch(t *testing.T) {
	h := newTestIndex(t, 3)

	require.NoError(t, h.Insert(1, []float32{1, 0, 0}))
	require.NoError(t, h.Insert(2, []float32{0, 1, 0}))
	require.NoError(t, h.Insert(3, []float32{0.9, 0.1, 0}))

	hits, err := h.KNNSearch([]float32{1, 0, 0}, 2, 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, uint32(1), hits[0].ID)
	assert.InDelta(t, 1.0, float64(hits[0].Score), 1e-5)
	assert.Equal(t, uint32(3), hits[1].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestSearch_CosineRange(t *testing.T) {
	h := newTestIndex(t, 2)
	require.NoError(t, h.Insert(1, []float32{1, 0}))
	require.NoError(t, h.Insert(2, []float32{-1, 0}))

	hits, err := h.KNNSearch([]float32{1, 0}, 2, 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.InDelta(t, 1.0, float64(hits[0].Score), 1e-5)
	assert.InDelta(t, -1.0, float64(hits[1].Score), 1e-5)
}

func TestInsert_DimensionMismatch(t *testing.T) {
	h := newTestIndex(t, 4)
	assert.Error(t, h.Insert(1, []float32{1, 2}))

	_, err := h.KNNSearch([]float32{1, 2}, 1, 0)
	assert.Error(t, err)
}

func TestInsert_IdempotentOnID(t *testing.T) {
	h := newTestIndex(t, 2)
	require.NoError(t, h.Insert(1, []float32{1, 0}))
	require.NoError(t, h.Insert(1, []float32{0, 1}))
	assert.Equal(t, 1, h.Len())

	hits, err := h.KNNSearch([]float32{0, 1}, 1, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, float64(hits[0].Score), 1e-5)
}

func TestSearch_EmptyIndex(t *testing.T) {
	h := newTestIndex(t, 2)
	hits, err := h.KNNSearch([]float32{1, 0}, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestRecall_MonotoneInEF(t *testing.T) {
	const (
		dim = 16
		n   = 2000
		k   = 10
	)
	h := newTestIndex(t, dim)
	rng := rand.New(rand.NewSource(42))

	vectors := make([][]float32, n)
	for i := range vectors {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		vectors[i] = v
		require.NoError(t, h.Insert(uint32(i), v))
	}

	query := make([]float32, dim)
	for j := range query {
		query[j] = rng.Float32()*2 - 1
	}

	exact := bruteForceTopK(vectors, query, k)

	recallAt := func(ef int) float64 {
		hits, err := h.KNNSearch(query, k, ef)
		require.NoError(t, err)
		found := 0
		for _, hit := range hits {
			if exact[hit.ID] {
				found++
			}
		}
		return float64(found) / float64(k)
	}

	low := recallAt(k)
	high := recallAt(512)
	assert.GreaterOrEqual(t, high, low, "recall must be monotone in ef")
	assert.GreaterOrEqual(t, high, 0.8, "high-ef recall should be strong")
}

func bruteForceTopK(vectors [][]float32, query []float32, k int) map[uint32]bool {
	type pair struct {
		id    uint32
		score float32
	}
	q := normalize(query)
	pairs := make([]pair, len(vectors))
	for i, v := range vectors {
		pairs[i] = pair{id: uint32(i), score: dot(q, normalize(v))}
	}
	for i := 0; i < k; i++ {
		best := i
		for j := i + 1; j < len(pairs); j++ {
			if pairs[j].score > pairs[best].score {
				best = j
			}
		}
		pairs[i], pairs[best] = pairs[best], pairs[i]
	}
	out := make(map[uint32]bool, k)
	for _, p := range pairs[:k] {
		out[p.id] = true
	}
	return out
}
