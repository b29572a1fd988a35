package detector

import (
	"context"
	"errors"
	"fmt"
	"math"

	"arbscout/internal/graph"
)

// ErrInvalidConfig is returned for unusable finder or detector settings.
var ErrInvalidConfig = errors.New("invalid detector config")

// FinderConfig bounds the cycle search.
type FinderConfig struct {
	MaxHops   int     // required, >= 2
	Epsilon   float64 // a cycle must weigh less than -Epsilon, default 1e-9
	MaxCycles int     // default 64
	MaxRounds int     // default 8

	// MaxRelaxations caps the total relaxations of one Find call.
	// Zero leaves the search bounded by its context only.
	MaxRelaxations int
}

func (c *FinderConfig) setDefaults() {
	if c.Epsilon == 0 {
		c.Epsilon = 1e-9
	}
	if c.MaxCycles == 0 {
		c.MaxCycles = 64
	}
	if c.MaxRounds == 0 {
		c.MaxRounds = 8
	}
}

func (c *FinderConfig) validate() error {
	if c.MaxHops < 2 {
		return fmt.Errorf("%w: max hops must be at least 2, got %d", ErrInvalidConfig, c.MaxHops)
	}
	if c.Epsilon < 0 {
		return fmt.Errorf("%w: epsilon must not be negative", ErrInvalidConfig)
	}
	if c.MaxCycles < 1 || c.MaxRounds < 1 || c.MaxRelaxations < 0 {
		return fmt.Errorf("%w: cycle, round and relaxation limits must be positive", ErrInvalidConfig)
	}
	return nil
}

// SearchResult is the outcome of one Find call.
type SearchResult struct {
	// Cycles, most negative weight first.
	Cycles []graph.Cycle

	// Partial is set when the deadline or the relaxation budget cut the search short.
	Partial bool

	Rounds      int
	Relaxations int
}

// Finder searches a snapshot for negative cycles of bounded length.
// It holds no mutable state and is safe for concurrent use.
type Finder struct {
	cfg FinderConfig
}

// NewFinder validates cfg and creates a finder.
func NewFinder(cfg FinderConfig) (*Finder, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Finder{cfg: cfg}, nil
}

// Config returns the effective configuration.
func (f *Finder) Config() FinderConfig {
	return f.cfg
}

// Find returns the distinct negative cycles of the snapshot.
//
// The virtual source is joined to every node at zero cost, so each node in
// turn is the origin of a hop-layered relaxation: layer k holds the cheapest
// k-hop walks from the origin, and only nodes that improved on every shorter
// walk are expanded into layer k+1. An edge back to the origin closes a walk,
// which is split into simple cycles. After a round, the cheapest edge of every
// newly found cycle is banned so the next round can surface cycles the
// previous ones shadowed.
func (f *Finder) Find(ctx context.Context, snap *graph.Snapshot) SearchResult {
	var res SearchResult
	if snap == nil || snap.NumNodes() == 0 {
		return res
	}

	budget := f.cfg.MaxRelaxations
	if budget == 0 {
		budget = math.MaxInt
	}

	set := NewCycleSet()
	banned := make(map[graph.EdgeID]struct{})

	for round := 1; round <= f.cfg.MaxRounds; round++ {
		res.Rounds = round
		s := newSearch(&f.cfg, snap, banned, set, budget-res.Relaxations)
		found, partial := s.run(ctx)
		res.Relaxations += s.relaxations
		if partial {
			res.Partial = true
			break
		}
		if len(found) == 0 || set.Count() >= f.cfg.MaxCycles {
			break
		}
		for _, c := range found {
			banned[cheapestEdge(c)] = struct{}{}
		}
	}

	res.Cycles = set.Cycles()
	return res
}

func cheapestEdge(c graph.Cycle) graph.EdgeID {
	cheapest := c.Edges[0]
	for _, e := range c.Edges[1:] {
		if e.Weight < cheapest.Weight {
			cheapest = e
		}
	}
	return cheapest.ID
}

// search is the state of one round.
type search struct {
	cfg    *FinderConfig
	snap   *graph.Snapshot
	banned map[graph.EdgeID]struct{}
	set    *CycleSet

	budget      int
	relaxations int

	// dist[k][v] is the cost of the cheapest k-hop walk from the origin to v,
	// kept only when it beats every shorter walk to v. pred[k][v] is its last
	// edge and layer[k] lists the nodes holding a label at k hops.
	dist  [][]float64
	pred  [][]graph.EdgeID
	layer [][]graph.NodeID
	best  []float64

	found []graph.Cycle
}

func newSearch(cfg *FinderConfig, snap *graph.Snapshot, banned map[graph.EdgeID]struct{}, set *CycleSet, budget int) *search {
	n := snap.NumNodes()
	s := &search{
		cfg:    cfg,
		snap:   snap,
		banned: banned,
		set:    set,
		budget: budget,
		dist:   make([][]float64, cfg.MaxHops),
		pred:   make([][]graph.EdgeID, cfg.MaxHops),
		layer:  make([][]graph.NodeID, cfg.MaxHops),
		best:   make([]float64, n),
	}
	for k := range s.dist {
		s.dist[k] = make([]float64, n)
		s.pred[k] = make([]graph.EdgeID, n)
		for v := 0; v < n; v++ {
			s.dist[k][v] = math.Inf(1)
			s.pred[k][v] = -1
		}
	}
	for v := range s.best {
		s.best[v] = math.Inf(1)
	}
	return s
}

// run returns the cycles added to the set this round and whether the round
// was cut short.
func (s *search) run(ctx context.Context) ([]graph.Cycle, bool) {
	for origin := 0; origin < s.snap.NumNodes(); origin++ {
		if ctx.Err() != nil {
			return s.found, true
		}
		full, partial := s.from(graph.NodeID(origin))
		s.reset()
		if partial {
			return s.found, true
		}
		if full {
			return s.found, false
		}
	}
	return s.found, false
}

// from relaxes layer by layer out of origin. It reports whether the cycle
// limit was reached and whether the relaxation budget ran out.
func (s *search) from(origin graph.NodeID) (full, partial bool) {
	maxHops := s.cfg.MaxHops
	s.dist[0][origin] = 0
	s.best[origin] = 0
	s.layer[0] = append(s.layer[0], origin)

	for k := 0; k < maxHops; k++ {
		for _, u := range s.layer[k] {
			for _, eid := range s.snap.Adjacency[u] {
				e := s.snap.Edges[eid]
				if _, skip := s.banned[eid]; skip || graph.Disabled(e.Weight) {
					continue
				}
				v := e.To
				// The last hop may only close the walk.
				if v != origin && k+1 == maxHops {
					continue
				}

				if s.relaxations >= s.budget {
					return false, true
				}
				s.relaxations++

				nd := s.dist[k][u] + e.Weight
				if v == origin {
					if nd < -s.cfg.Epsilon && s.closeWalk(k, e) {
						return true, false
					}
					continue
				}
				if nd >= s.best[v] {
					continue
				}

				s.best[v] = nd
				if s.pred[k+1][v] < 0 {
					s.layer[k+1] = append(s.layer[k+1], v)
				}
				s.dist[k+1][v] = nd
				s.pred[k+1][v] = eid
			}
		}
	}
	return false, false
}

// reset clears the labels set by the last origin.
func (s *search) reset() {
	for k := range s.layer {
		for _, v := range s.layer[k] {
			s.dist[k][v] = math.Inf(1)
			s.pred[k][v] = -1
			s.best[v] = math.Inf(1)
		}
		s.layer[k] = s.layer[k][:0]
	}
}

// closeWalk rebuilds the walk that reached last.From at k hops and returns
// over last, then considers each simple cycle it contains. It reports whether
// the cycle limit has been reached.
func (s *search) closeWalk(k int, last graph.Edge) bool {
	walk := make([]graph.Edge, k+1)
	walk[k] = last
	cur := last.From
	for i := k; i > 0; i-- {
		e := s.snap.Edges[s.pred[i][cur]]
		walk[i-1] = e
		cur = e.From
	}

	for _, edges := range splitWalk(walk) {
		if s.consider(edges) {
			return true
		}
	}
	return false
}

// consider validates a candidate and adds it to the set. It reports whether
// the cycle limit has been reached.
func (s *search) consider(edges []graph.Edge) bool {
	if len(edges) == 0 {
		return false
	}
	c := graph.NewCycle(edges)
	if !ValidateCycle(c, s.cfg.MaxHops, s.cfg.Epsilon) {
		return false
	}
	if s.set.Add(c) {
		s.found = append(s.found, c)
	}
	return s.set.Count() >= s.cfg.MaxCycles
}

// splitWalk breaks a closed walk into the simple cycles it is made of, in
// the order they close.
func splitWalk(walk []graph.Edge) [][]graph.Edge {
	var cycles [][]graph.Edge
	stack := make([]graph.Edge, 0, len(walk))
	at := map[graph.NodeID]int{walk[0].From: 0}

	for _, e := range walk {
		stack = append(stack, e)
		i, seen := at[e.To]
		if !seen {
			at[e.To] = len(stack)
			continue
		}
		cycle := append([]graph.Edge(nil), stack[i:]...)
		for _, c := range cycle[:len(cycle)-1] {
			delete(at, c.To)
		}
		stack = stack[:i]
		cycles = append(cycles, cycle)
	}
	return cycles
}
