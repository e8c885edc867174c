package bm25

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndex_Basic(t *testing.T) {
	idx := New(0, 0)

	docs := []struct {
		id   uint32
		text string
	}{
		{1, "the quick brown fox"},
		{2, "jumped over the lazy dog"},
		{3, "quick brown dogs"},
		{4, "fox and dog"},
	}
	for _, d := range docs {
		idx.Add(d.id, d.text)
	}
	assert.Equal(t, 4, idx.Len())

	hits := idx.Search("fox", 10)
	require.Len(t, hits, 2)
	found := map[uint32]bool{}
	for _, h := range hits {
		found[h.Doc] = true
		assert.Greater(t, h.Score, 0.0)
	}
	assert.True(t, found[1])
	assert.True(t, found[4])
}

func TestIndex_Ranking(t *testing.T) {
	idx := New(0, 0)
	idx.Add(1, "async runtime performance tuning for async workloads")
	idx.Add(2, "GUI theme customization and color schemes")

	hits := idx.Search("async performance", 2)
	require.NotEmpty(t, hits)
	assert.Equal(t, uint32(1), hits[0].Doc)
}

func TestIndex_ReplaceOnAdd(t *testing.T) {
	idx := New(0, 0)
	idx.Add(1, "rust memory safety")
	idx.Add(1, "go garbage collection")

	assert.Empty(t, idx.Search("rust", 10))
	assert.Len(t, idx.Search("garbage", 10), 1)
	assert.Equal(t, 1, idx.Len())
}

func TestIndex_Delete(t *testing.T) {
	idx := New(0, 0)
	idx.Add(1, "test content")
	idx.Add(2, "other content")

	require.Len(t, idx.Search("test", 10), 1)
	idx.Delete(1)
	assert.Empty(t, idx.Search("test", 10))
	assert.Len(t, idx.Search("content", 10), 1)
}

func TestIndex_TopKAndTies(t *testing.T) {
	idx := New(0, 0)
	// Same content: identical scores, ordered by doc id.
	idx.Add(7, "alpha beta")
	idx.Add(3, "alpha beta")
	idx.Add(5, "alpha beta")

	hits := idx.Search("alpha", 2)
	require.Len(t, hits, 2)
	assert.Equal(t, uint32(3), hits[0].Doc)
	assert.Equal(t, uint32(5), hits[1].Doc)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "world"}, Tokenize("Hello, World!"))
	assert.Equal(t, []string{"v1", "2"}, Tokenize("v1.2"))
	assert.Equal(t, []string{"café", "日本語"}, Tokenize("Café 日本語"))
	assert.Empty(t, Tokenize("  \t\n"))
}
