package graph

import (
	"time"

	"arbscout/internal/pool"
	"arbscout/internal/token"

	"github.com/ethereum/go-ethereum/common"
)

// PoolEntry is a pool as seen by a snapshot.
type PoolEntry struct {
	Variant pool.Variant
	Edges   [2]EdgeID
}

// Snapshot represents an immutable point-in-time view of the graph.
// Used for concurrent detection while new events are being processed.
//
// Pools are shared with the live graph until the graph's next write to them,
// which clones first. Nothing reachable from a Snapshot may be mutated.
type Snapshot struct {
	Tokens    []token.Token
	Index     map[common.Address]NodeID
	Edges     []Edge
	Adjacency [][]EdgeID
	Pools     []PoolEntry
	PoolIndex map[common.Hash]PoolRef

	// Metadata
	Seq       uint64
	CreatedAt time.Time
}

// Snapshot creates an immutable view of the current graph tagged with seq.
func (g *Graph) Snapshot(seq uint64) *Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := &Snapshot{
		Tokens:    make([]token.Token, len(g.nodes)),
		Index:     make(map[common.Address]NodeID, len(g.index)),
		Edges:     make([]Edge, len(g.edges)),
		Adjacency: make([][]EdgeID, len(g.adjacency)),
		Pools:     make([]PoolEntry, len(g.pools)),
		PoolIndex: make(map[common.Hash]PoolRef, len(g.poolIndex)),
		Seq:       seq,
		CreatedAt: time.Now(),
	}

	copy(snap.Tokens, g.nodes)
	for k, v := range g.index {
		snap.Index[k] = v
	}
	copy(snap.Edges, g.edges)
	for i, ids := range g.adjacency {
		snap.Adjacency[i] = make([]EdgeID, len(ids))
		copy(snap.Adjacency[i], ids)
	}
	for i := range g.pools {
		g.pools[i].shared = true
		snap.Pools[i] = PoolEntry{Variant: g.pools[i].variant, Edges: g.pools[i].edges}
	}
	for k, v := range g.poolIndex {
		snap.PoolIndex[k] = v
	}
	return snap
}

// NumNodes returns the number of nodes in the snapshot.
func (s *Snapshot) NumNodes() int {
	return len(s.Tokens)
}

// NumEdges returns the number of directed edges in the snapshot.
func (s *Snapshot) NumEdges() int {
	return len(s.Edges)
}

// NumPools returns the number of pools in the snapshot.
func (s *Snapshot) NumPools() int {
	return len(s.Pools)
}

// Token returns the token at a node.
func (s *Snapshot) Token(id NodeID) (token.Token, bool) {
	if id < 0 || int(id) >= len(s.Tokens) {
		return token.Token{}, false
	}
	return s.Tokens[id], true
}

// Node returns the node id for a token address.
func (s *Snapshot) Node(addr common.Address) (NodeID, bool) {
	id, exists := s.Index[addr]
	return id, exists
}

// EdgesFrom returns the edges leaving a node.
func (s *Snapshot) EdgesFrom(id NodeID) []Edge {
	if id < 0 || int(id) >= len(s.Adjacency) {
		return nil
	}
	out := make([]Edge, len(s.Adjacency[id]))
	for i, eid := range s.Adjacency[id] {
		out[i] = s.Edges[eid]
	}
	return out
}

// Pool returns the pool behind an edge.
func (s *Snapshot) Pool(ref PoolRef) pool.Variant {
	return s.Pools[ref].Variant
}

// PoolByID returns the pool with the given id.
func (s *Snapshot) PoolByID(id common.Hash) (pool.Variant, bool) {
	ref, exists := s.PoolIndex[id]
	if !exists {
		return pool.Variant{}, false
	}
	return s.Pools[ref].Variant, true
}

// Path returns the tokens a cycle visits, starting and ending on the same token.
func (s *Snapshot) Path(c Cycle) []token.Token {
	if len(c.Edges) == 0 {
		return nil
	}
	path := make([]token.Token, 0, len(c.Edges)+1)
	for _, e := range c.Edges {
		path = append(path, s.Tokens[e.From])
	}
	return append(path, s.Tokens[c.Edges[len(c.Edges)-1].To])
}
