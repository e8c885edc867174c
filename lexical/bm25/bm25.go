// Package bm25 provides an in-memory Okapi BM25 inverted index.
//
// Tokenization splits text at every rune that is not a Unicode letter or
// number and lower-cases the tokens, with no stemming, keeping scoring
// language-agnostic. It does not apply the Unicode word-boundary rules
// (UAX #29): "don't" yields "don" and "t", and a run of CJK characters stays
// one token. Documents are addressed by
// dense uint32 ids assigned by the caller; postings are kept in Roaring
// bitmaps with term frequencies alongside.
package bm25

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/RoaringBitmap/roaring/v2"
)

const (
	// DefaultK1 is the default term-frequency saturation parameter.
	DefaultK1 = 1.2

	// DefaultB is the default length-normalization parameter.
	DefaultB = 0.75
)

// Hit is a scored document.
type Hit struct {
	Doc   uint32
	Score float64
}

type posting struct {
	docs *roaring.Bitmap
	tf   map[uint32]int
}

// Index is an in-memory BM25 index. Safe for concurrent use.
type Index struct {
	mu          sync.RWMutex
	k1          float64
	b           float64
	inverted    map[string]*posting
	docLengths  map[uint32]int
	totalLength int64
}

// New creates an empty index with the given parameters. Non-positive
// parameters fall back to the defaults.
func New(k1, b float64) *Index {
	if k1 <= 0 {
		k1 = DefaultK1
	}
	if b <= 0 {
		b = DefaultB
	}
	return &Index{
		k1:         k1,
		b:          b,
		inverted:   make(map[string]*posting),
		docLengths: make(map[uint32]int),
	}
}

// Tokenize splits text into case-folded Unicode word tokens.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// Add indexes text under doc, replacing any previous content for that doc.
func (idx *Index) Add(doc uint32, text string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.docLengths[doc]; ok {
		idx.deleteLocked(doc)
	}

	tokens := Tokenize(text)
	idx.docLengths[doc] = len(tokens)
	idx.totalLength += int64(len(tokens))

	tf := make(map[string]int)
	for _, t := range tokens {
		tf[t]++
	}
	for t, count := range tf {
		p, ok := idx.inverted[t]
		if !ok {
			p = &posting{docs: roaring.New(), tf: make(map[uint32]int)}
			idx.inverted[t] = p
		}
		p.docs.Add(doc)
		p.tf[doc] = count
	}
}

// Delete removes a document from the index.
func (idx *Index) Delete(doc uint32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.deleteLocked(doc)
}

func (idx *Index) deleteLocked(doc uint32) {
	length, ok := idx.docLengths[doc]
	if !ok {
		return
	}
	for t, p := range idx.inverted {
		if p.docs.Contains(doc) {
			p.docs.Remove(doc)
			delete(p.tf, doc)
			if p.docs.IsEmpty() {
				delete(idx.inverted, t)
			}
		}
	}
	delete(idx.docLengths, doc)
	idx.totalLength -= int64(length)
}

// Len returns the number of indexed documents.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docLengths)
}

// Search scores all documents matching any query token and returns the top k
// by descending score, ties broken by ascending doc id.
func (idx *Index) Search(query string, k int) []Hit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	docCount := len(idx.docLengths)
	if docCount == 0 || k <= 0 {
		return nil
	}
	avgDL := float64(idx.totalLength) / float64(docCount)

	scores := make(map[uint32]float64)
	for _, t := range Tokenize(query) {
		p, ok := idx.inverted[t]
		if !ok {
			continue
		}
		idf := computeIDF(docCount, int(p.docs.GetCardinality()))
		it := p.docs.Iterator()
		for it.HasNext() {
			doc := it.Next()
			tf := float64(p.tf[doc])
			docLen := float64(idx.docLengths[doc])
			num := tf * (idx.k1 + 1)
			denom := tf + idx.k1*(1-idx.b+idx.b*(docLen/avgDL))
			scores[doc] += idf * (num / denom)
		}
	}

	hits := make([]Hit, 0, len(scores))
	for doc, score := range scores {
		hits = append(hits, Hit{Doc: doc, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Doc < hits[j].Doc
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// computeIDF is log(1 + (N - n + 0.5) / (n + 0.5)).
func computeIDF(docCount, df int) float64 {
	N := float64(docCount)
	n := float64(df)
	return math.Log(1 + (N-n+0.5)/(n+0.5))
}
