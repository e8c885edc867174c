// Package hnsw implements a Hierarchical Navigable Small World graph for
// approximate nearest neighbor search over cosine similarity.
//
// Vectors are L2-normalized on insert, so distance is 1 - dot(a, b) and the
// similarity reported to callers stays in [-1, 1]. Recall is best-effort and
// monotone in the ef parameter passed to KNNSearch.
package hnsw

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand"
	"sync"
)

const (
	// DefaultM is the default number of bidirectional links per node.
	DefaultM = 16

	// DefaultEFConstruction is the default candidate list size during insert.
	DefaultEFConstruction = 200

	// DefaultEFSearch is the default candidate list size during search.
	DefaultEFSearch = 64

	mmax0Multiplier = 2
)

// Options configures an HNSW graph.
type Options struct {
	Dimension      int
	M              int
	EFConstruction int
	EFSearch       int
	RandomSeed     int64
}

// DefaultOptions are the options used when none are supplied.
var DefaultOptions = Options{
	M:              DefaultM,
	EFConstruction: DefaultEFConstruction,
	EFSearch:       DefaultEFSearch,
	RandomSeed:     1,
}

// Candidate is a search hit: a graph-local id and its cosine similarity.
type Candidate struct {
	ID    uint32
	Score float32
}

type node struct {
	vec   []float32
	level int
	// conns[l] holds the neighbor ids at layer l.
	conns [][]uint32
}

// HNSW is the graph. Safe for concurrent use; writes take the write lock,
// searches run under the read lock.
type HNSW struct {
	mu sync.RWMutex

	opts     Options
	nodes    map[uint32]*node
	entry    uint32
	maxLevel int
	levelMul float64
	rng      *rand.Rand
}

// New creates an empty graph.
func New(optFns ...func(o *Options)) (*HNSW, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("hnsw: dimension must be positive, got %d", opts.Dimension)
	}
	if opts.M < 2 {
		return nil, fmt.Errorf("hnsw: M must be at least 2, got %d", opts.M)
	}
	if opts.EFConstruction < opts.M {
		opts.EFConstruction = opts.M
	}
	return &HNSW{
		opts:     opts,
		nodes:    make(map[uint32]*node),
		maxLevel: -1,
		levelMul: 1 / math.Log(float64(opts.M)),
		rng:      rand.New(rand.NewSource(opts.RandomSeed)),
	}, nil
}

// Len returns the number of indexed vectors.
func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

// Dimension returns the configured vector dimension.
func (h *HNSW) Dimension() int { return h.opts.Dimension }

func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(norm))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// distTo is 1 - cosine similarity over normalized vectors.
func (h *HNSW) distTo(q []float32, id uint32) float32 {
	return 1 - dot(q, h.nodes[id].vec)
}

// Insert adds or replaces the vector for id.
func (h *HNSW) Insert(id uint32, vec []float32) error {
	if len(vec) != h.opts.Dimension {
		return fmt.Errorf("hnsw: dimension mismatch: expected %d, got %d", h.opts.Dimension, len(vec))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	nvec := normalize(vec)
	if existing, ok := h.nodes[id]; ok {
		// Idempotent update: keep the node's place in the graph, swap the
		// vector. Neighborhoods degrade gracefully under small moves.
		existing.vec = nvec
		return nil
	}

	level := h.randomLevel()
	n := &node{vec: nvec, level: level, conns: make([][]uint32, level+1)}
	h.nodes[id] = n

	if h.maxLevel < 0 {
		h.entry = id
		h.maxLevel = level
		return nil
	}

	ep := h.entry
	epDist := h.distTo(nvec, ep)

	// Greedy descent through layers above the new node's level.
	for l := h.maxLevel; l > level; l-- {
		ep, epDist = h.greedyClosest(nvec, ep, epDist, l)
	}

	maxLayer := min(level, h.maxLevel)
	for l := maxLayer; l >= 0; l-- {
		candidates := h.searchLayer(nvec, ep, epDist, l, h.opts.EFConstruction, nil)
		neighbors := selectClosest(candidates, h.m(l))
		n.conns[l] = neighbors
		for _, nb := range neighbors {
			h.addConnection(nb, id, l)
		}
		if len(candidates) > 0 {
			best := candidates[0]
			ep, epDist = best.id, best.dist
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entry = id
	}
	return nil
}

func (h *HNSW) m(layer int) int {
	if layer == 0 {
		return h.opts.M * mmax0Multiplier
	}
	return h.opts.M
}

func (h *HNSW) randomLevel() int {
	return int(math.Floor(-math.Log(h.rng.Float64()+1e-12) * h.levelMul))
}

func (h *HNSW) addConnection(from, to uint32, layer int) {
	n := h.nodes[from]
	if layer > n.level {
		return
	}
	conns := append(n.conns[layer], to)
	limit := h.m(layer)
	if len(conns) > limit {
		// Prune to the closest neighbors.
		cands := make([]scored, 0, len(conns))
		for _, id := range conns {
			cands = append(cands, scored{id: id, dist: h.distTo(n.vec, id)})
		}
		sortScored(cands)
		conns = conns[:0]
		for i := 0; i < limit; i++ {
			conns = append(conns, cands[i].id)
		}
	}
	n.conns[layer] = conns
}

type scored struct {
	id   uint32
	dist float32
}

func sortScored(s []scored) {
	// Ties resolve to the smaller id so traversal stays deterministic.
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && less(s[j], s[j-1]); j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func less(a, b scored) bool {
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	return a.id < b.id
}

func selectClosest(candidates []scored, m int) []uint32 {
	out := make([]uint32, 0, m)
	for i := 0; i < len(candidates) && i < m; i++ {
		out = append(out, candidates[i].id)
	}
	return out
}

func (h *HNSW) greedyClosest(q []float32, ep uint32, epDist float32, layer int) (uint32, float32) {
	for {
		improved := false
		for _, nb := range h.nodes[ep].conns[layer] {
			if d := h.distTo(q, nb); d < epDist {
				ep, epDist = nb, d
				improved = true
			}
		}
		if !improved {
			return ep, epDist
		}
	}
}

// searchLayer runs the beam search at one layer, returning up to ef
// candidates sorted by (distance, id).
func (h *HNSW) searchLayer(q []float32, ep uint32, epDist float32, layer, ef int, filter func(uint32) bool) []scored {
	visited := map[uint32]struct{}{ep: {}}

	candidates := &minHeap{{id: ep, dist: epDist}}
	results := &maxHeap{}
	if filter == nil || filter(ep) {
		heap.Push(results, scored{id: ep, dist: epDist})
	}

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(scored)
		if results.Len() >= ef && c.dist > (*results)[0].dist {
			break
		}
		n := h.nodes[c.id]
		if layer > n.level {
			continue
		}
		for _, nb := range n.conns[layer] {
			if _, seen := visited[nb]; seen {
				continue
			}
			visited[nb] = struct{}{}
			d := h.distTo(q, nb)
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(candidates, scored{id: nb, dist: d})
				if filter == nil || filter(nb) {
					heap.Push(results, scored{id: nb, dist: d})
					if results.Len() > ef {
						heap.Pop(results)
					}
				}
			}
		}
	}

	out := make([]scored, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(scored)
	}
	sortScored(out)
	return out
}

// KNNSearch returns the k nearest vectors to query by cosine similarity.
// ef <= 0 uses the configured EFSearch; ef is clamped to at least k.
// Ties are broken by ascending id.
func (h *HNSW) KNNSearch(query []float32, k, ef int) ([]Candidate, error) {
	if len(query) != h.opts.Dimension {
		return nil, fmt.Errorf("hnsw: dimension mismatch: expected %d, got %d", h.opts.Dimension, len(query))
	}
	if k <= 0 {
		return nil, fmt.Errorf("hnsw: k must be positive, got %d", k)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.nodes) == 0 {
		return nil, nil
	}
	if ef <= 0 {
		ef = h.opts.EFSearch
	}
	if ef < k {
		ef = k
	}

	q := normalize(query)
	ep := h.entry
	epDist := h.distTo(q, ep)
	for l := h.maxLevel; l > 0; l-- {
		ep, epDist = h.greedyClosest(q, ep, epDist, l)
	}

	candidates := h.searchLayer(q, ep, epDist, 0, ef, nil)
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]Candidate, len(candidates))
	for i, c := range candidates {
		out[i] = Candidate{ID: c.id, Score: 1 - c.dist}
	}
	return out, nil
}

type minHeap []scored

func (p minHeap) Len() int            { return len(p) }
func (p minHeap) Less(i, j int) bool  { return less(p[i], p[j]) }
func (p minHeap) Swap(i, j int)       { p[i], p[j] = p[j], p[i] }
func (p *minHeap) Push(x any)         { *p = append(*p, x.(scored)) }
func (p *minHeap) Pop() any           { old := *p; n := len(old); x := old[n-1]; *p = old[:n-1]; return x }

type maxHeap []scored

func (p maxHeap) Len() int           { return len(p) }
func (p maxHeap) Less(i, j int) bool { return less(p[j], p[i]) }
func (p maxHeap) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
func (p *maxHeap) Push(x any)        { *p = append(*p, x.(scored)) }
func (p *maxHeap) Pop() any          { old := *p; n := len(old); x := old[n-1]; *p = old[:n-1]; return x }
