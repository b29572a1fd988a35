package graph

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// ValidationResult holds the results of a graph consistency check.
type ValidationResult struct {
	Valid            bool
	Errors           []string
	OrphanTokens     []string // Tokens with zero edges
	MissingPoolEdges []string // Pools without one edge per direction
	EdgePoolMismatch []string // Edges whose pool does not list them, or disagree with its tokens

	// IndexCorrupted is set when the address or pool index disagrees with the
	// arenas. It is the only fatal finding.
	IndexCorrupted bool
}

func newValidationResult() *ValidationResult {
	return &ValidationResult{
		Valid:            true,
		Errors:           make([]string, 0),
		OrphanTokens:     make([]string, 0),
		MissingPoolEdges: make([]string, 0),
		EdgePoolMismatch: make([]string, 0),
	}
}

func (r *ValidationResult) fail(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Err returns ErrIndexCorrupted when the result records index corruption.
func (r *ValidationResult) Err() error {
	if r.IndexCorrupted {
		return fmt.Errorf("%w: %d errors", ErrIndexCorrupted, len(r.Errors))
	}
	return nil
}

// Validate performs a comprehensive consistency check on the graph.
// Returns a ValidationResult with details about any inconsistencies.
func (g *Graph) Validate() *ValidationResult {
	g.mu.RLock()
	defer g.mu.RUnlock()

	pools := make([]PoolEntry, len(g.pools))
	for i, slot := range g.pools {
		pools[i] = PoolEntry{Variant: slot.variant, Edges: slot.edges}
	}
	return ValidateSnapshot(&Snapshot{
		Tokens:    g.nodes,
		Index:     g.index,
		Edges:     g.edges,
		Adjacency: g.adjacency,
		Pools:     pools,
		PoolIndex: g.poolIndex,
	})
}

// ValidateSnapshot performs validation on a snapshot.
func ValidateSnapshot(snap *Snapshot) *ValidationResult {
	result := newValidationResult()

	// Check 1: the address index maps every token to its own node and nothing else
	if len(snap.Index) != len(snap.Tokens) {
		result.IndexCorrupted = true
		result.fail("token index has %d entries for %d nodes", len(snap.Index), len(snap.Tokens))
	}
	for i, t := range snap.Tokens {
		if id, ok := snap.Index[t.Address]; !ok || int(id) != i {
			result.IndexCorrupted = true
			result.fail("token %s at node %d indexed as %d", t, i, id)
		}
	}

	// Check 2: the pool index maps every pool id to its own slot
	if len(snap.PoolIndex) != len(snap.Pools) {
		result.IndexCorrupted = true
		result.fail("pool index has %d entries for %d pools", len(snap.PoolIndex), len(snap.Pools))
	}
	for i, p := range snap.Pools {
		if ref, ok := snap.PoolIndex[p.Variant.ID()]; !ok || int(ref) != i {
			result.IndexCorrupted = true
			result.fail("pool %s at slot %d indexed as %d", p.Variant.Label(), i, ref)
		}
	}

	// Check 3: every pool has exactly its two edges, matching its tokens
	for i, p := range snap.Pools {
		label := p.Variant.Label()
		ok := true
		for dir, eid := range p.Edges {
			if eid < 0 || int(eid) >= len(snap.Edges) {
				ok = false
				result.fail("pool %s references missing edge %d", label, eid)
				continue
			}
			e := snap.Edges[eid]
			if int(e.Pool) != i || e.ZeroForOne != (dir == 0) {
				ok = false
				result.fail("pool %s edge %d belongs to pool %d zeroForOne=%t", label, eid, e.Pool, e.ZeroForOne)
			}
		}
		if !ok {
			result.MissingPoolEdges = append(result.MissingPoolEdges, label)
			continue
		}

		t0, t1 := p.Variant.Tokens()
		fwd := snap.Edges[p.Edges[0]]
		if !nodeIs(snap, fwd.From, t0) || !nodeIs(snap, fwd.To, t1) {
			result.EdgePoolMismatch = append(result.EdgePoolMismatch, label)
			result.fail("pool %s forward edge %d->%d does not trade %s->%s", label, fwd.From, fwd.To, t0.Hex(), t1.Hex())
		}
		rev := snap.Edges[p.Edges[1]]
		if rev.From != fwd.To || rev.To != fwd.From {
			result.EdgePoolMismatch = append(result.EdgePoolMismatch, label)
			result.fail("pool %s reverse edge %d->%d is not the mirror of its forward edge", label, rev.From, rev.To)
		}
	}

	// Check 4: every edge is listed once, under its From node, and points at a valid pool
	listed := make([]int, len(snap.Edges))
	for from, ids := range snap.Adjacency {
		for _, eid := range ids {
			if eid < 0 || int(eid) >= len(snap.Edges) {
				result.fail("node %d lists missing edge %d", from, eid)
				continue
			}
			listed[eid]++
			if int(snap.Edges[eid].From) != from {
				result.fail("edge %d listed under node %d but leaves node %d", eid, from, snap.Edges[eid].From)
			}
		}
	}
	for i, e := range snap.Edges {
		if listed[i] != 1 {
			result.fail("edge %d listed %d times", i, listed[i])
		}
		if e.Pool < 0 || int(e.Pool) >= len(snap.Pools) {
			result.EdgePoolMismatch = append(result.EdgePoolMismatch, fmt.Sprintf("edge %d", i))
			result.fail("edge %d references non-existent pool %d", i, e.Pool)
		}
	}

	// Check 5: no orphan tokens (warning only)
	for idx := range snap.Tokens {
		hasEdges := idx < len(snap.Adjacency) && len(snap.Adjacency[idx]) > 0
		if !hasEdges {
			result.OrphanTokens = append(result.OrphanTokens, snap.Tokens[idx].Address.Hex())
		}
	}

	return result
}

func nodeIs(snap *Snapshot, n NodeID, addr common.Address) bool {
	return n >= 0 && int(n) < len(snap.Tokens) && snap.Tokens[n].Address == addr
}

// ValidateAndLog performs validation and logs the results. It returns
// ErrIndexCorrupted when the graph cannot be trusted; other findings are logged.
func (g *Graph) ValidateAndLog() error {
	result := g.Validate()

	if result.Valid {
		log.Info().
			Int("tokens", g.NumNodes()).
			Int("edges", g.NumEdges()).
			Int("pools", g.NumPools()).
			Int("orphans", len(result.OrphanTokens)).
			Msg("Graph validation passed")
		return nil
	}

	for _, err := range result.Errors {
		log.Error().Msg("Graph validation error: " + err)
	}

	if len(result.OrphanTokens) > 0 {
		log.Warn().
			Int("count", len(result.OrphanTokens)).
			Strs("tokens", truncateSlice(result.OrphanTokens, 5)).
			Msg("Graph has orphan tokens (no edges)")
	}

	log.Error().
		Int("error_count", len(result.Errors)).
		Bool("index_corrupted", result.IndexCorrupted).
		Int("edge_pool_mismatch", len(result.EdgePoolMismatch)).
		Int("missing_pool_edges", len(result.MissingPoolEdges)).
		Msg("Graph validation FAILED")

	return result.Err()
}

// truncateSlice returns at most n elements from the slice for logging.
func truncateSlice(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
