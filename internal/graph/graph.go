package graph

import (
	"errors"
	"fmt"
	"sync"

	"arbscout/internal/pool"
	"arbscout/internal/token"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidGraphReference is returned when an operation names a node or
	// edge that does not exist, or a pool whose tokens do not match its nodes.
	ErrInvalidGraphReference = errors.New("invalid graph reference")

	// ErrDuplicatePool is returned when a pool id is added twice.
	ErrDuplicatePool = errors.New("duplicate pool")

	// ErrUnknownPool is returned when a pool id is not in the graph.
	ErrUnknownPool = errors.New("unknown pool")

	// ErrIndexCorrupted means the address or pool index disagrees with the arenas.
	// It is not recoverable.
	ErrIndexCorrupted = errors.New("graph index corrupted")
)

// NodeID indexes a token in the node arena.
type NodeID int32

// EdgeID indexes a directed edge in the edge arena.
type EdgeID int32

// PoolRef indexes a pool in the pool arena.
type PoolRef int32

// Edge is one trade direction through one pool.
type Edge struct {
	ID         EdgeID
	From       NodeID
	To         NodeID
	Pool       PoolRef
	ZeroForOne bool    // true when From is the pool's token0
	Weight     float64 // -ln(post-fee marginal rate)
}

type poolSlot struct {
	variant pool.Variant
	edges   [2]EdgeID // [token0->token1, token1->token0]

	// shared is set while a snapshot references variant; the next write
	// clones it first.
	shared bool
}

// Graph is the in-memory trading graph: tokens are nodes, each pool backs one
// edge per direction. Parallel pools on the same pair give parallel edges.
//
// Reads take the read lock; all mutation goes through AddOrGetToken,
// AddPoolEdges, UpdateEdgeWeight or a Write batch.
type Graph struct {
	mu sync.RWMutex

	nodes     []token.Token
	index     map[common.Address]NodeID
	edges     []Edge
	adjacency [][]EdgeID

	pools     []poolSlot
	poolIndex map[common.Hash]PoolRef
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes:     make([]token.Token, 0),
		index:     make(map[common.Address]NodeID),
		edges:     make([]Edge, 0),
		adjacency: make([][]EdgeID, 0),
		pools:     make([]poolSlot, 0),
		poolIndex: make(map[common.Hash]PoolRef),
	}
}

// AddOrGetToken returns the node for t, adding it if its address is new.
func (g *Graph) AddOrGetToken(t token.Token) NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addOrGetToken(t)
}

func (g *Graph) addOrGetToken(t token.Token) NodeID {
	if id, exists := g.index[t.Address]; exists {
		return id
	}
	id := NodeID(len(g.nodes))
	g.nodes = append(g.nodes, t)
	g.index[t.Address] = id
	g.adjacency = append(g.adjacency, make([]EdgeID, 0, 4))
	return id
}

// AddPoolEdges inserts p with one edge a->b and one edge b->a. a and b must be
// the nodes of the pool's two tokens, in either order.
func (g *Graph) AddPoolEdges(p pool.Variant, a, b NodeID) ([2]EdgeID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addPoolEdges(p, a, b)
}

func (g *Graph) addPoolEdges(p pool.Variant, a, b NodeID) ([2]EdgeID, error) {
	var none [2]EdgeID
	if p.IsZero() {
		return none, fmt.Errorf("%w: empty pool", ErrInvalidGraphReference)
	}
	if !g.validNode(a) || !g.validNode(b) {
		return none, fmt.Errorf("%w: nodes %d, %d (have %d)", ErrInvalidGraphReference, a, b, len(g.nodes))
	}
	id := p.ID()
	if _, exists := g.poolIndex[id]; exists {
		return none, fmt.Errorf("%w: %s", ErrDuplicatePool, p.Label())
	}

	t0, t1 := p.Tokens()
	n0, n1 := a, b
	if g.nodes[a].Address == t1 && g.nodes[b].Address == t0 {
		n0, n1 = b, a
	} else if g.nodes[a].Address != t0 || g.nodes[b].Address != t1 {
		return none, fmt.Errorf("%w: pool %s trades %s/%s, nodes are %s/%s",
			ErrInvalidGraphReference, p.Label(), t0.Hex(), t1.Hex(), g.nodes[a], g.nodes[b])
	}

	ref := PoolRef(len(g.pools))
	forward := g.appendEdge(Edge{From: n0, To: n1, Pool: ref, ZeroForOne: true, Weight: EdgeWeight(p, true)})
	reverse := g.appendEdge(Edge{From: n1, To: n0, Pool: ref, ZeroForOne: false, Weight: EdgeWeight(p, false)})

	edges := [2]EdgeID{forward, reverse}
	g.pools = append(g.pools, poolSlot{variant: p, edges: edges})
	g.poolIndex[id] = ref
	return edges, nil
}

func (g *Graph) appendEdge(e Edge) EdgeID {
	e.ID = EdgeID(len(g.edges))
	g.edges = append(g.edges, e)
	g.adjacency[e.From] = append(g.adjacency[e.From], e.ID)
	return e.ID
}

func (g *Graph) validNode(n NodeID) bool {
	return n >= 0 && int(n) < len(g.nodes)
}

// UpdateEdgeWeight recomputes one edge's weight from its pool's current state.
func (g *Graph) UpdateEdgeWeight(id EdgeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.updateEdgeWeight(id)
}

func (g *Graph) updateEdgeWeight(id EdgeID) error {
	if id < 0 || int(id) >= len(g.edges) {
		return fmt.Errorf("%w: edge %d (have %d)", ErrInvalidGraphReference, id, len(g.edges))
	}
	e := &g.edges[id]
	e.Weight = EdgeWeight(g.pools[e.Pool].variant, e.ZeroForOne)
	return nil
}

// Write runs fn with exclusive access to the graph. Readers never observe a
// partially applied batch.
func (g *Graph) Write(fn func(w *Writer) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(&Writer{g: g})
}

// Writer mutates the graph inside Write. It must not escape fn.
type Writer struct {
	g *Graph
}

func (w *Writer) AddOrGetToken(t token.Token) NodeID {
	return w.g.addOrGetToken(t)
}

func (w *Writer) AddPoolEdges(p pool.Variant, a, b NodeID) ([2]EdgeID, error) {
	return w.g.addPoolEdges(p, a, b)
}

func (w *Writer) UpdateEdgeWeight(id EdgeID) error {
	return w.g.updateEdgeWeight(id)
}

// Pool returns a mutable pool and its two edges. A pool still referenced by
// a published snapshot is cloned before it is handed out.
func (w *Writer) Pool(id common.Hash) (pool.Variant, [2]EdgeID, error) {
	ref, exists := w.g.poolIndex[id]
	if !exists {
		return pool.Variant{}, [2]EdgeID{}, fmt.Errorf("%w: %s", ErrUnknownPool, id.Hex())
	}
	slot := &w.g.pools[ref]
	if slot.shared {
		slot.variant = slot.variant.Clone()
		slot.shared = false
	}
	return slot.variant, slot.edges, nil
}

// NumNodes returns the number of tokens (nodes) in the graph.
func (g *Graph) NumNodes() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// NumEdges returns the total number of directed edges.
func (g *Graph) NumEdges() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// NumPools returns the number of pools in the graph.
func (g *Graph) NumPools() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.pools)
}

// Node returns the node id for a token address.
func (g *Graph) Node(addr common.Address) (NodeID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, exists := g.index[addr]
	return id, exists
}

// Token returns the token at a node.
func (g *Graph) Token(id NodeID) (token.Token, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.validNode(id) {
		return token.Token{}, false
	}
	return g.nodes[id], true
}

// Edge returns a copy of an edge.
func (g *Graph) Edge(id EdgeID) (Edge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if id < 0 || int(id) >= len(g.edges) {
		return Edge{}, false
	}
	return g.edges[id], true
}

// EdgesFrom returns copies of the edges leaving a node.
func (g *Graph) EdgesFrom(id NodeID) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.validNode(id) {
		return nil
	}
	out := make([]Edge, len(g.adjacency[id]))
	for i, eid := range g.adjacency[id] {
		out[i] = g.edges[eid]
	}
	return out
}

// HasPool checks if a pool exists in the graph.
func (g *Graph) HasPool(id common.Hash) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, exists := g.poolIndex[id]
	return exists
}

// PoolIDs returns the ids of all pools in insertion order.
func (g *Graph) PoolIDs() []common.Hash {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]common.Hash, len(g.pools))
	for i, slot := range g.pools {
		ids[i] = slot.variant.ID()
	}
	return ids
}
