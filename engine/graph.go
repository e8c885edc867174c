package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/xiaoniaoyouhuajiang/fstorage/model"
)

// Node is a materialized graph node.
type Node struct {
	ID    model.ID
	Type  string
	Props model.Record
}

// Edge is a materialized graph edge.
type Edge struct {
	Label   string
	Src     model.ID
	Dst     model.ID
	SrcType string
	DstType string
	Props   model.Record
}

// PutResult reports whether a put created or updated a record.
type PutResult int

const (
	Created PutResult = iota
	Updated
)

// PutNode inserts or property-merges a node. Existing properties not present
// in props are retained.
func (e *Engine) PutNode(ctx context.Context, ntype string, id model.ID, props model.Record) (PutResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	result := Created
	err := e.update(func(txn *badger.Txn) error {
		rec := nodeRecord{Type: ntype, Props: props.Clone()}
		item, err := txn.Get(nodeKey(id))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			result = Updated
			var existing nodeRecord
			if err := item.Value(func(val []byte) error {
				return decodeNodeRecord(val, &existing)
			}); err != nil {
				return err
			}
			rec.Props = existing.Props.Merge(props)
		}
		data, err := encodeNodeRecord(rec)
		if err != nil {
			return err
		}
		if err := txn.Set(nodeKey(id), data); err != nil {
			return err
		}
		return txn.Set(typeKey(ntype, id), nil)
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

// GetNode returns the node with the given id.
func (e *Engine) GetNode(ctx context.Context, id model.ID) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *Node
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: node %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		var rec nodeRecord
		if err := item.Value(func(val []byte) error {
			return decodeNodeRecord(val, &rec)
		}); err != nil {
			return err
		}
		out = &Node{ID: id, Type: rec.Type, Props: rec.Props}
		return nil
	})
	return out, err
}

// PutEdge inserts or payload-merges an edge. Idempotent on (label, src, dst).
func (e *Engine) PutEdge(ctx context.Context, label string, src, dst model.ID, srcType, dstType string, props model.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.update(func(txn *badger.Txn) error {
		rec := edgeRecord{SrcType: srcType, DstType: dstType, Props: props.Clone()}
		item, err := txn.Get(edgeKey(label, src, dst))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			var existing edgeRecord
			if err := item.Value(func(val []byte) error {
				return decodeEdgeRecord(val, &existing)
			}); err != nil {
				return err
			}
			rec.Props = existing.Props.Merge(props)
			if rec.SrcType == "" {
				rec.SrcType = existing.SrcType
			}
			if rec.DstType == "" {
				rec.DstType = existing.DstType
			}
		}
		data, err := encodeEdgeRecord(rec)
		if err != nil {
			return err
		}
		if err := txn.Set(edgeKey(label, src, dst), data); err != nil {
			return err
		}
		if err := txn.Set(adjKey(prefixOut, src, label, dst), nil); err != nil {
			return err
		}
		return txn.Set(adjKey(prefixIn, dst, label, src), nil)
	})
}

// GetEdge returns the edge (label, src, dst).
func (e *Engine) GetEdge(ctx context.Context, label string, src, dst model.ID) (*Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *Edge
	err := e.db.View(func(txn *badger.Txn) error {
		edge, err := getEdgeTxn(txn, label, src, dst)
		if err != nil {
			return err
		}
		out = edge
		return nil
	})
	return out, err
}

func getEdgeTxn(txn *badger.Txn, label string, src, dst model.ID) (*Edge, error) {
	item, err := txn.Get(edgeKey(label, src, dst))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: edge %s %s->%s", ErrNotFound, label, src, dst)
	}
	if err != nil {
		return nil, err
	}
	var rec edgeRecord
	if err := item.Value(func(val []byte) error {
		return decodeEdgeRecord(val, &rec)
	}); err != nil {
		return nil, err
	}
	return &Edge{Label: label, Src: src, Dst: dst, SrcType: rec.SrcType, DstType: rec.DstType, Props: rec.Props}, nil
}

// IterNodesByType streams all nodes of a type in stable-id order. fn
// returning false stops the iteration.
func (e *Engine) IterNodesByType(ctx context.Context, ntype string, fn func(*Node) bool) error {
	return e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: typePrefix(ntype)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			id := idFromSuffix(it.Item().Key())
			node, err := getNodeTxn(txn, id)
			if err != nil {
				return err
			}
			if !fn(node) {
				return nil
			}
		}
		return nil
	})
}

func getNodeTxn(txn *badger.Txn, id model.ID) (*Node, error) {
	item, err := txn.Get(nodeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: node %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var rec nodeRecord
	if err := item.Value(func(val []byte) error {
		return decodeNodeRecord(val, &rec)
	}); err != nil {
		return nil, err
	}
	return &Node{ID: id, Type: rec.Type, Props: rec.Props}, nil
}

// IterEdgesByLabel streams all edges with a label. fn returning false stops.
func (e *Engine) IterEdgesByLabel(ctx context.Context, label string, fn func(*Edge) bool) error {
	return e.db.View(func(txn *badger.Txn) error {
		prefix := edgePrefix(label)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().Key()
			rest := key[len(prefix):]
			if len(rest) != 2*idLen {
				return fmt.Errorf("engine: malformed edge key %q", key)
			}
			var src, dst model.ID
			copy(src[:], rest[:idLen])
			copy(dst[:], rest[idLen:])
			var rec edgeRecord
			if err := it.Item().Value(func(val []byte) error {
				return decodeEdgeRecord(val, &rec)
			}); err != nil {
				return err
			}
			if !fn(&Edge{Label: label, Src: src, Dst: dst, SrcType: rec.SrcType, DstType: rec.DstType, Props: rec.Props}) {
				return nil
			}
		}
		return nil
	})
}

// Direction selects which adjacency to traverse.
type Direction int

const (
	DirectionOut Direction = iota
	DirectionIn
	DirectionBoth
)

// NeighborOptions filters and bounds a Neighbors call.
type NeighborOptions struct {
	Direction Direction
	// Labels restricts traversed edge labels; empty means all.
	Labels []string
	// NeighborType restricts the type of returned neighbor nodes.
	NeighborType string
	// Limit bounds the result size; 0 means unlimited.
	Limit int
}

// Neighbor pairs a traversed edge with the node on its far side.
type Neighbor struct {
	Edge *Edge
	Node *Node
}

type adjEntry struct {
	label string
	other model.ID
	out   bool
}

// Neighbors returns the adjacent nodes of id ordered by (edge label,
// neighbor stable id). The result is a deterministic prefix of the full
// neighbor set under that order.
func (e *Engine) Neighbors(ctx context.Context, id model.ID, opts NeighborOptions) ([]Neighbor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(opts.Labels))
	for _, l := range opts.Labels {
		allowed[l] = true
	}

	var out []Neighbor
	err := e.db.View(func(txn *badger.Txn) error {
		var entries []adjEntry
		collect := func(prefix string, isOut bool) error {
			it := txn.NewIterator(badger.IteratorOptions{Prefix: adjPrefix(prefix, id)})
			defer it.Close()
			for it.Rewind(); it.Valid(); it.Next() {
				label, other, err := parseAdjKey(it.Item().Key(), prefix)
				if err != nil {
					return err
				}
				if len(allowed) > 0 && !allowed[label] {
					continue
				}
				entries = append(entries, adjEntry{label: label, other: other, out: isOut})
			}
			return nil
		}
		if opts.Direction == DirectionOut || opts.Direction == DirectionBoth {
			if err := collect(prefixOut, true); err != nil {
				return err
			}
		}
		if opts.Direction == DirectionIn || opts.Direction == DirectionBoth {
			if err := collect(prefixIn, false); err != nil {
				return err
			}
		}

		sort.Slice(entries, func(i, j int) bool {
			if entries[i].label != entries[j].label {
				return entries[i].label < entries[j].label
			}
			if c := bytes.Compare(entries[i].other[:], entries[j].other[:]); c != 0 {
				return c < 0
			}
			return entries[i].out && !entries[j].out
		})

		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			node, err := getNodeTxn(txn, entry.other)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue // projection in flight; the edge landed first
				}
				return err
			}
			if opts.NeighborType != "" && node.Type != opts.NeighborType {
				continue
			}
			src, dst := id, entry.other
			if !entry.out {
				src, dst = entry.other, id
			}
			edge, err := getEdgeTxn(txn, entry.label, src, dst)
			if err != nil {
				return err
			}
			out = append(out, Neighbor{Edge: edge, Node: node})
			if opts.Limit > 0 && len(out) >= opts.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Subgraph is the result of a bounded BFS expansion.
type Subgraph struct {
	Nodes []*Node
	Edges []*Edge
}

// SubgraphBFS expands breadth-first from start over the allowed edge labels
// (empty means all). Frontier nodes expand in discovery order and each
// node's neighbors are taken in stable-id order. The start node counts
// toward nodeLimit; expansion stops as soon as any limit is reached.
func (e *Engine) SubgraphBFS(ctx context.Context, start model.ID, labels []string, depth, nodeLimit, edgeLimit int) (*Subgraph, error) {
	if nodeLimit <= 0 || depth < 0 {
		return &Subgraph{}, nil
	}
	startNode, err := e.GetNode(ctx, start)
	if err != nil {
		return nil, err
	}

	sub := &Subgraph{Nodes: []*Node{startNode}}
	visited := map[model.ID]bool{start: true}
	seenEdges := make(map[string]bool)
	frontier := []model.ID{start}

	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []model.ID
		for _, id := range frontier {
			neighbors, err := e.Neighbors(ctx, id, NeighborOptions{Direction: DirectionBoth, Labels: labels})
			if err != nil {
				return nil, err
			}
			sort.SliceStable(neighbors, func(i, j int) bool {
				return bytes.Compare(neighbors[i].Node.ID[:], neighbors[j].Node.ID[:]) < 0
			})
			for _, nb := range neighbors {
				ek := nb.Edge.Label + "\x00" + nb.Edge.Src.String() + "\x00" + nb.Edge.Dst.String()
				if !seenEdges[ek] {
					if edgeLimit > 0 && len(sub.Edges) >= edgeLimit {
						return sub, nil
					}
					seenEdges[ek] = true
					sub.Edges = append(sub.Edges, nb.Edge)
				}
				if visited[nb.Node.ID] {
					continue
				}
				if len(sub.Nodes) >= nodeLimit {
					return sub, nil
				}
				visited[nb.Node.ID] = true
				sub.Nodes = append(sub.Nodes, nb.Node)
				next = append(next, nb.Node.ID)
			}
		}
		frontier = next
	}
	return sub, nil
}

// ShortestPath returns the node sequence of a shortest path from from to to,
// or nil when no path exists. With label == "" the undirected projection
// over all labels is searched; otherwise traversal is restricted to edges of
// that label. Among equal-length paths the lexicographically smallest id
// sequence wins.
func (e *Engine) ShortestPath(ctx context.Context, from, to model.ID, label string) ([]*Node, error) {
	if _, err := e.GetNode(ctx, from); err != nil {
		return nil, err
	}
	if _, err := e.GetNode(ctx, to); err != nil {
		return nil, err
	}
	if from == to {
		n, err := e.GetNode(ctx, from)
		if err != nil {
			return nil, err
		}
		return []*Node{n}, nil
	}

	var labels []string
	if label != "" {
		labels = []string{label}
	}

	parent := map[model.ID]model.ID{from: from}
	frontier := []model.ID{from}

	for len(frontier) > 0 {
		var next []model.ID
		for _, id := range frontier {
			// Neighbors come back ordered by (label, id); re-sorted by id
			// alone and visited in that order while the frontier expands
			// in discovery order, they yield the lexicographically
			// smallest shortest path.
			neighbors, err := e.Neighbors(ctx, id, NeighborOptions{Direction: DirectionBoth, Labels: labels})
			if err != nil {
				return nil, err
			}
			sorted := make([]model.ID, 0, len(neighbors))
			for _, nb := range neighbors {
				sorted = append(sorted, nb.Node.ID)
			}
			sort.Slice(sorted, func(i, j int) bool {
				return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
			})
			for _, nbID := range sorted {
				if _, seen := parent[nbID]; seen {
					continue
				}
				parent[nbID] = id
				if nbID == to {
					return e.materializePath(ctx, parent, from, to)
				}
				next = append(next, nbID)
			}
		}
		frontier = next
	}
	return nil, nil
}

func (e *Engine) materializePath(ctx context.Context, parent map[model.ID]model.ID, from, to model.ID) ([]*Node, error) {
	var ids []model.ID
	for cur := to; ; cur = parent[cur] {
		ids = append(ids, cur)
		if cur == from {
			break
		}
	}
	path := make([]*Node, len(ids))
	for i, id := range ids {
		n, err := e.GetNode(ctx, id)
		if err != nil {
			return nil, err
		}
		path[len(ids)-1-i] = n
	}
	return path, nil
}
