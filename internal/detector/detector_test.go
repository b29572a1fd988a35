package detector

import (
	"context"
	"errors"
	"math/big"
	"math/rand"
	"testing"
	"time"

	"arbscout/internal/graph"
	"arbscout/internal/optimizer"
	"arbscout/internal/pool"
	"arbscout/internal/token"

	"github.com/ethereum/go-ethereum/common"
)

// bigInt creates a big.Int from a string for test convenience
func bigInt(s string) *big.Int {
	n, _ := new(big.Int).SetString(s, 10)
	return n
}

type edgeSpec struct {
	from, to int
	pool     int
	weight   float64
}

// testSnapshot builds a snapshot directly from edge weights. The finder only
// reads edges and adjacency, so the pools are left empty.
func testSnapshot(n int, specs []edgeSpec) *graph.Snapshot {
	snap := &graph.Snapshot{
		Tokens:    make([]token.Token, n),
		Index:     make(map[common.Address]graph.NodeID, n),
		Adjacency: make([][]graph.EdgeID, n),
		PoolIndex: make(map[common.Hash]graph.PoolRef),
		Seq:       1,
		CreatedAt: time.Now(),
	}
	for i := 0; i < n; i++ {
		addr := common.BigToAddress(big.NewInt(int64(i + 1)))
		snap.Tokens[i] = token.Token{Address: addr, Decimals: 18}
		snap.Index[addr] = graph.NodeID(i)
	}
	pools := 0
	for i, s := range specs {
		e := graph.Edge{
			ID:         graph.EdgeID(i),
			From:       graph.NodeID(s.from),
			To:         graph.NodeID(s.to),
			Pool:       graph.PoolRef(s.pool),
			ZeroForOne: s.from < s.to,
			Weight:     s.weight,
		}
		snap.Edges = append(snap.Edges, e)
		snap.Adjacency[s.from] = append(snap.Adjacency[s.from], e.ID)
		if s.pool+1 > pools {
			pools = s.pool + 1
		}
	}
	snap.Pools = make([]graph.PoolEntry, pools)
	return snap
}

func newFinder(t testing.TB, cfg FinderConfig) *Finder {
	t.Helper()
	f, err := NewFinder(cfg)
	if err != nil {
		t.Fatalf("NewFinder: %v", err)
	}
	return f
}

func TestFinderReportsNegativeCycle(t *testing.T) {
	snap := testSnapshot(3, []edgeSpec{
		{0, 1, 0, -0.5},
		{1, 2, 1, 0.3},
		{2, 0, 2, 0.1},
	})

	res := newFinder(t, FinderConfig{MaxHops: 3}).Find(context.Background(), snap)
	if res.Partial {
		t.Error("Expected a complete search")
	}
	if len(res.Cycles) != 1 {
		t.Fatalf("Expected 1 cycle, got %d", len(res.Cycles))
	}

	c := res.Cycles[0]
	if c.Len() != 3 {
		t.Errorf("Expected 3 hops, got %d", c.Len())
	}
	if !c.Closed() {
		t.Error("Expected a closed cycle")
	}
	if diff := c.WeightSum + 0.1; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("Expected weight -0.1, got %f", c.WeightSum)
	}
}

func TestFinderIgnoresPositiveCycle(t *testing.T) {
	snap := testSnapshot(3, []edgeSpec{
		{0, 1, 0, -0.5},
		{1, 2, 1, 0.3},
		{2, 0, 2, 0.25},
	})

	res := newFinder(t, FinderConfig{MaxHops: 3}).Find(context.Background(), snap)
	if len(res.Cycles) != 0 {
		t.Errorf("Expected no cycles for weight +0.05, got %v", res.Cycles)
	}
}

func TestFinderHopBound(t *testing.T) {
	square := []edgeSpec{
		{0, 1, 0, -0.1},
		{1, 2, 1, -0.1},
		{2, 3, 2, -0.1},
		{3, 0, 3, -0.1},
	}

	res := newFinder(t, FinderConfig{MaxHops: 3}).Find(context.Background(), testSnapshot(4, square))
	if len(res.Cycles) != 0 {
		t.Errorf("Expected the 4-hop cycle to be out of reach, got %v", res.Cycles)
	}

	res = newFinder(t, FinderConfig{MaxHops: 4}).Find(context.Background(), testSnapshot(4, square))
	if len(res.Cycles) != 1 {
		t.Fatalf("Expected 1 cycle, got %d", len(res.Cycles))
	}
	if res.Cycles[0].Len() != 4 {
		t.Errorf("Expected 4 hops, got %d", res.Cycles[0].Len())
	}
}

func TestFinderRejectsPoolReuse(t *testing.T) {
	// Both directions of one pool cannot form an arbitrage.
	snap := testSnapshot(2, []edgeSpec{
		{0, 1, 0, -0.3},
		{1, 0, 0, 0.1},
	})

	res := newFinder(t, FinderConfig{MaxHops: 3}).Find(context.Background(), snap)
	if len(res.Cycles) != 0 {
		t.Errorf("Expected pool reuse to be rejected, got %v", res.Cycles)
	}
}

func TestFinderSkipsDisabledEdges(t *testing.T) {
	snap := testSnapshot(3, []edgeSpec{
		{0, 1, 0, -0.5},
		{1, 2, 1, 0.1},
		{2, 0, 2, 230},
	})

	res := newFinder(t, FinderConfig{MaxHops: 3}).Find(context.Background(), snap)
	if len(res.Cycles) != 0 {
		t.Errorf("Expected disabled edge to break the cycle, got %v", res.Cycles)
	}
}

// sharedEdge has two cycles through 0->1.
func sharedEdge() *graph.Snapshot {
	return testSnapshot(4, []edgeSpec{
		{0, 1, 0, -0.5},
		{1, 2, 1, 0.1},
		{2, 0, 2, 0.1},
		{1, 3, 3, 0.2},
		{3, 0, 4, 0.1},
	})
}

func TestFinderFindsBothSharedEdgeCycles(t *testing.T) {
	res := newFinder(t, FinderConfig{MaxHops: 3}).Find(context.Background(), sharedEdge())
	if len(res.Cycles) != 2 {
		t.Fatalf("Expected 2 cycles, got %d", len(res.Cycles))
	}
	if res.Cycles[0].WeightSum > res.Cycles[1].WeightSum {
		t.Error("Expected cycles ordered by weight")
	}
	if res.Cycles[0].Key() == res.Cycles[1].Key() {
		t.Error("Expected distinct cycles")
	}
}

// parallelLegs has two parallel pools on both 0->1 and 1->2 and a single way
// back, giving four cycles. The worst pair is hidden behind the better legs
// until they are banned.
func parallelLegs() *graph.Snapshot {
	return testSnapshot(3, []edgeSpec{
		{0, 1, 0, -0.3},
		{0, 1, 1, -0.2},
		{1, 2, 2, -0.3},
		{1, 2, 3, -0.2},
		{2, 0, 4, 0.1},
	})
}

func TestFinderRoundsSurfaceShadowedCycles(t *testing.T) {
	res := newFinder(t, FinderConfig{MaxHops: 3, MaxRounds: 1}).Find(context.Background(), parallelLegs())
	if len(res.Cycles) != 3 {
		t.Fatalf("Expected 3 cycles after one round, got %d", len(res.Cycles))
	}

	res = newFinder(t, FinderConfig{MaxHops: 3}).Find(context.Background(), parallelLegs())
	if len(res.Cycles) != 4 {
		t.Fatalf("Expected 4 cycles, got %d", len(res.Cycles))
	}
	if res.Rounds < 2 {
		t.Errorf("Expected at least 2 rounds, got %d", res.Rounds)
	}
	if diff := res.Cycles[3].WeightSum + 0.3; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("Expected the last cycle to weigh -0.3, got %f", res.Cycles[3].WeightSum)
	}
}

// A long downhill approach to a node must not hide a short cycle through it.
func TestFinderShortCycleBehindLongChain(t *testing.T) {
	snap := testSnapshot(4, []edgeSpec{
		{0, 1, 0, -5},
		{1, 2, 1, -5},
		{2, 3, 2, -0.02},
		{3, 2, 3, 0.01},
	})

	for _, maxHops := range []int{2, 3, 4} {
		res := newFinder(t, FinderConfig{MaxHops: maxHops}).Find(context.Background(), snap)
		if len(res.Cycles) != 1 {
			t.Errorf("MaxHops %d: expected 1 cycle, got %d", maxHops, len(res.Cycles))
			continue
		}
		c := res.Cycles[0]
		if c.Len() != 2 || c.Start() < 2 {
			t.Errorf("MaxHops %d: expected the 2-hop cycle between nodes 2 and 3, got %v", maxHops, c)
		}
		if diff := c.WeightSum + 0.01; diff > 1e-12 || diff < -1e-12 {
			t.Errorf("MaxHops %d: expected weight -0.01, got %f", maxHops, c.WeightSum)
		}
	}
}

// exhaustiveCycles enumerates every usable cycle of at most maxHops edges by
// depth-first search, keyed like CycleSet.
func exhaustiveCycles(snap *graph.Snapshot, maxHops int, epsilon float64) map[string]float64 {
	out := make(map[string]float64)
	var path []graph.Edge

	onPath := func(v graph.NodeID) bool {
		for _, e := range path {
			if e.To == v {
				return true
			}
		}
		return false
	}

	var walk func(start, cur graph.NodeID)
	walk = func(start, cur graph.NodeID) {
		for _, eid := range snap.Adjacency[cur] {
			e := snap.Edges[eid]
			if e.To == start {
				c := graph.NewCycle(append(append([]graph.Edge(nil), path...), e))
				if ValidateCycle(c, maxHops, epsilon) {
					out[c.Key()] = c.WeightSum
				}
				continue
			}
			if len(path)+1 >= maxHops || onPath(e.To) {
				continue
			}
			path = append(path, e)
			walk(start, e.To)
			path = path[:len(path)-1]
		}
	}

	for s := range snap.Tokens {
		walk(graph.NodeID(s), graph.NodeID(s))
	}
	return out
}

// randomMarket prices n tokens and joins them with pools whose two directions
// are consistent with each other: a pool's round trip always loses its fee twice.
func randomMarket(rng *rand.Rand) *graph.Snapshot {
	n := 4 + rng.Intn(5)
	logPrice := make([]float64, n)
	for i := range logPrice {
		logPrice[i] = rng.NormFloat64() * 3
	}

	const fee = 0.003
	var specs []edgeSpec
	pools := n + rng.Intn(2*n)
	for p := 0; p < pools; p++ {
		a := rng.Intn(n)
		b := rng.Intn(n - 1)
		if b >= a {
			b++
		}
		mispricing := rng.NormFloat64() * 0.01
		specs = append(specs,
			edgeSpec{a, b, p, logPrice[b] - logPrice[a] + mispricing + fee},
			edgeSpec{b, a, p, logPrice[a] - logPrice[b] - mispricing + fee},
		)
	}
	return testSnapshot(n, specs)
}

func TestFinderMatchesExhaustiveSearch(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	withCycles := 0

	for trial := 0; trial < 500; trial++ {
		snap := randomMarket(rng)
		for _, maxHops := range []int{2, 3} {
			want := exhaustiveCycles(snap, maxHops, 1e-9)
			res := newFinder(t, FinderConfig{MaxHops: maxHops, MaxCycles: 1000}).Find(context.Background(), snap)
			if res.Partial {
				t.Fatalf("Trial %d: unexpected partial search", trial)
			}

			for _, c := range res.Cycles {
				if !ValidateCycle(c, maxHops, 1e-9) {
					t.Errorf("Trial %d: invalid cycle %v", trial, c)
				}
				if _, ok := want[c.Key()]; !ok {
					t.Errorf("Trial %d: cycle %v not found by exhaustive search", trial, c)
				}
			}

			if len(want) == 0 {
				if len(res.Cycles) != 0 {
					t.Errorf("Trial %d: expected no cycles, got %d", trial, len(res.Cycles))
				}
				continue
			}
			withCycles++

			// Every closed walk of up to three hops is a simple cycle, so the
			// cheapest cycle is always among the results.
			best := 0.0
			for _, w := range want {
				if w < best {
					best = w
				}
			}
			if len(res.Cycles) == 0 {
				t.Errorf("Trial %d (max hops %d): missed %d cycles, best %f", trial, maxHops, len(want), best)
				continue
			}
			if diff := res.Cycles[0].WeightSum - best; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("Trial %d (max hops %d): best cycle %f, exhaustive best %f", trial, maxHops, res.Cycles[0].WeightSum, best)
			}
		}
	}

	if withCycles == 0 {
		t.Fatal("Expected some random markets to hold cycles")
	}
}

func TestFinderMaxCycles(t *testing.T) {
	res := newFinder(t, FinderConfig{MaxHops: 4, MaxCycles: 1}).Find(context.Background(), sharedEdge())
	if len(res.Cycles) != 1 {
		t.Errorf("Expected the cycle limit to stop the search at 1, got %d", len(res.Cycles))
	}
}

func TestFinderCancelledIsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := newFinder(t, FinderConfig{MaxHops: 4}).Find(ctx, sharedEdge())
	if !res.Partial {
		t.Error("Expected a partial result")
	}
	if len(res.Cycles) != 0 {
		t.Errorf("Expected no cycles before the first pop, got %d", len(res.Cycles))
	}
}

func TestFinderRelaxationBudget(t *testing.T) {
	res := newFinder(t, FinderConfig{MaxHops: 4, MaxRelaxations: 1}).Find(context.Background(), sharedEdge())
	if !res.Partial {
		t.Error("Expected the budget to cut the search short")
	}
	if res.Relaxations != 1 {
		t.Errorf("Expected 1 relaxation, got %d", res.Relaxations)
	}
}

func TestNewFinderValidation(t *testing.T) {
	if _, err := NewFinder(FinderConfig{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig without max hops, got %v", err)
	}
	if _, err := NewFinder(FinderConfig{MaxHops: 3, Epsilon: -1}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for negative epsilon, got %v", err)
	}

	f := newFinder(t, FinderConfig{MaxHops: 3})
	cfg := f.Config()
	if cfg.Epsilon != 1e-9 || cfg.MaxCycles != 64 || cfg.MaxRounds != 8 {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
}

func TestCycleValidation(t *testing.T) {
	valid := graph.NewCycle([]graph.Edge{
		{From: 0, To: 1, Pool: 1, Weight: -0.1},
		{From: 1, To: 2, Pool: 2},
		{From: 2, To: 0, Pool: 3},
	})
	if !ValidateCycle(valid, 3, 1e-9) {
		t.Error("Expected valid cycle")
	}
	if ValidateCycle(valid, 2, 1e-9) {
		t.Error("Expected cycle longer than the hop bound to be invalid")
	}
	if ValidateCycle(valid, 3, 0.5) {
		t.Error("Expected cycle above -epsilon to be invalid")
	}

	gap := graph.NewCycle([]graph.Edge{
		{From: 0, To: 1, Pool: 1, Weight: -0.1},
		{From: 2, To: 3, Pool: 2}, // Gap - doesn't connect
		{From: 3, To: 0, Pool: 3},
	})
	if ValidateCycle(gap, 3, 1e-9) {
		t.Error("Expected invalid cycle with gap")
	}

	reuse := graph.NewCycle([]graph.Edge{
		{From: 0, To: 1, Pool: 1, Weight: -0.1},
		{From: 1, To: 2, Pool: 2},
		{From: 2, To: 3, Pool: 1}, // Reuses pool 1
		{From: 3, To: 0, Pool: 3},
	})
	if ValidateCycle(reuse, 4, 1e-9) {
		t.Error("Expected cycle with pool reuse to be invalid")
	}
}

// TestCycleSetDeduplication tests that duplicate cycles are properly deduplicated.
func TestCycleSetDeduplication(t *testing.T) {
	set := NewCycleSet()

	cycle1 := graph.NewCycle([]graph.Edge{
		{From: 0, To: 1, Pool: 1, ZeroForOne: true, Weight: -0.01},
		{From: 1, To: 2, Pool: 2, ZeroForOne: true, Weight: -0.01},
		{From: 2, To: 0, Pool: 3, ZeroForOne: false, Weight: -0.01},
	})
	if !set.Add(cycle1) {
		t.Error("Expected first cycle to be added")
	}

	// Add the same cycle rotated (should be deduplicated)
	cycle2 := graph.NewCycle([]graph.Edge{
		{From: 1, To: 2, Pool: 2, ZeroForOne: true, Weight: -0.01},
		{From: 2, To: 0, Pool: 3, ZeroForOne: false, Weight: -0.01},
		{From: 0, To: 1, Pool: 1, ZeroForOne: true, Weight: -0.01},
	})
	if set.Add(cycle2) {
		t.Error("Expected rotated cycle to be deduplicated")
	}

	if set.Count() != 1 {
		t.Errorf("Expected 1 cycle in set, got %d", set.Count())
	}

	// Same pools, other direction: a different trade.
	cycle3 := graph.NewCycle([]graph.Edge{
		{From: 0, To: 2, Pool: 3, ZeroForOne: true, Weight: -0.02},
		{From: 2, To: 1, Pool: 2, ZeroForOne: false, Weight: -0.02},
		{From: 1, To: 0, Pool: 1, ZeroForOne: false, Weight: -0.02},
	})
	if !set.Add(cycle3) {
		t.Error("Expected reversed cycle to be added")
	}

	cycles := set.Cycles()
	if len(cycles) != 2 || cycles[0].WeightSum > cycles[1].WeightSum {
		t.Errorf("Expected 2 cycles ordered by weight, got %v", cycles)
	}
}

func TestFilterByStartTokens(t *testing.T) {
	c := graph.NewCycle([]graph.Edge{
		{From: 0, To: 1, Pool: 1},
		{From: 1, To: 2, Pool: 2},
		{From: 2, To: 0, Pool: 3},
	})

	filtered := FilterByStartTokens([]graph.Cycle{c}, []graph.NodeID{5, 2, 1})
	if len(filtered) != 1 {
		t.Fatalf("Expected 1 cycle, got %d", len(filtered))
	}
	if filtered[0].Start() != 2 {
		t.Errorf("Expected rotation to the first listed start token, got %d", filtered[0].Start())
	}
	if filtered[0].Key() != c.Key() {
		t.Error("Expected rotation to keep the cycle identity")
	}

	if got := FilterByStartTokens([]graph.Cycle{c}, []graph.NodeID{7}); len(got) != 0 {
		t.Errorf("Expected cycles without a start token to be dropped, got %d", len(got))
	}
}

var (
	weth = token.Token{Address: common.HexToAddress("0x0000000000000000000000000000000000000001"), Symbol: "WETH", Decimals: 18}
	usdc = token.Token{Address: common.HexToAddress("0x0000000000000000000000000000000000000002"), Symbol: "USDC", Decimals: 6}
	dai  = token.Token{Address: common.HexToAddress("0x0000000000000000000000000000000000000003"), Symbol: "DAI", Decimals: 18}
)

func addV2(t testing.TB, g *graph.Graph, addr int64, t0, t1 token.Token, r0, r1 string) {
	t.Helper()
	p, err := pool.NewV2(common.BigToAddress(big.NewInt(addr)), t0.Address, t1.Address, bigInt(r0), bigInt(r1), 30)
	if err != nil {
		t.Fatalf("NewV2: %v", err)
	}
	a := g.AddOrGetToken(t0)
	b := g.AddOrGetToken(t1)
	if _, err := g.AddPoolEdges(pool.FromV2(p), a, b); err != nil {
		t.Fatalf("AddPoolEdges: %v", err)
	}
}

// createGraphWithCycle creates a graph where WETH -> USDC -> DAI -> WETH
// returns about 1.0201 before fees.
func createGraphWithCycle(t testing.TB) *graph.Graph {
	g := graph.New()
	addV2(t, g, 0xa1, weth, usdc, "1000000000000000000000", "3000000000000")         // 1000 WETH / 3M USDC
	addV2(t, g, 0xa2, usdc, dai, "1000000000000", "1010000000000000000000000")       // 1M USDC / 1.01M DAI
	addV2(t, g, 0xa3, weth, dai, "1010000000000000000000", "3000000000000000000000000") // 1010 WETH / 3M DAI
	return g
}

func newDetector(t testing.TB, cfg Config, snapshots <-chan *graph.Snapshot) *Detector {
	t.Helper()
	opt, err := optimizer.New(optimizer.Config{Tolerance: 1e-9})
	if err != nil {
		t.Fatalf("optimizer.New: %v", err)
	}
	d, err := New(cfg, opt, snapshots, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestDetectOnceSizesCycle(t *testing.T) {
	snap := createGraphWithCycle(t).Snapshot(7)

	d := newDetector(t, Config{
		MinProfitFactor: 1.0001,
		MaxHops:         3,
		NumWorkers:      2,
		StartTokens:     []common.Address{weth.Address},
	}, nil)

	opportunities := d.DetectOnce(context.Background(), snap)
	if len(opportunities) != 1 {
		t.Fatalf("Expected 1 opportunity, got %d", len(opportunities))
	}

	opp := opportunities[0]
	if opp.Batch != 7 {
		t.Errorf("Expected batch 7, got %d", opp.Batch)
	}
	if len(opp.Hops) != 3 || len(opp.Tokens) != 4 {
		t.Fatalf("Expected 3 hops over 4 tokens, got %d and %d", len(opp.Hops), len(opp.Tokens))
	}
	if !opp.Tokens[0].Equal(weth) || !opp.Tokens[3].Equal(weth) {
		t.Errorf("Expected the cycle to start and end on WETH, got %v", opp.Tokens)
	}
	if !opp.Tokens[1].Equal(usdc) || !opp.Tokens[2].Equal(dai) {
		t.Errorf("Expected WETH -> USDC -> DAI -> WETH, got %v", opp.Tokens)
	}
	if opp.ExpectedProfit.Sign() <= 0 {
		t.Errorf("Expected positive profit, got %s", opp.ExpectedProfit)
	}
	if !opp.Converged {
		t.Error("Expected a converged sizing")
	}

	// Re-route the input through the snapshot's pools with exact math.
	hops := make([]optimizer.Hop, len(opp.Hops))
	for i, h := range opp.Hops {
		p, ok := snap.PoolByID(h.Pool)
		if !ok {
			t.Fatalf("Unknown pool %s", h.Pool.Hex())
		}
		hops[i] = optimizer.Hop{Pool: p, ZeroForOne: h.ZeroForOne}
	}
	amounts, err := optimizer.Compose(hops, opp.InputAmount)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if amounts[len(amounts)-1].Cmp(opp.ExpectedOutput) != 0 {
		t.Errorf("Expected output %s, re-routed %s", opp.ExpectedOutput, amounts[len(amounts)-1])
	}
}

func TestDetectOnceMinProfitFilter(t *testing.T) {
	snap := createGraphWithCycle(t).Snapshot(1)

	d := newDetector(t, Config{MinProfitFactor: 1.05, MaxHops: 3}, nil)
	if got := d.DetectOnce(context.Background(), snap); len(got) != 0 {
		t.Errorf("Expected the 1.1%% cycle to be filtered, got %d", len(got))
	}
}

func TestDetectOnceUnknownStartToken(t *testing.T) {
	snap := createGraphWithCycle(t).Snapshot(1)

	d := newDetector(t, Config{
		MaxHops:     3,
		StartTokens: []common.Address{common.HexToAddress("0x00000000000000000000000000000000000000ff")},
	}, nil)
	if got := d.DetectOnce(context.Background(), snap); len(got) != 0 {
		t.Errorf("Expected no opportunities without a start token, got %d", len(got))
	}
}

func TestDetectorRun(t *testing.T) {
	snapshots := make(chan *graph.Snapshot, 1)
	d := newDetector(t, Config{MaxHops: 3}, snapshots)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	snapshots <- createGraphWithCycle(t).Snapshot(3)

	select {
	case opp := <-d.Opportunities():
		if opp.Batch != 3 {
			t.Errorf("Expected batch 3, got %d", opp.Batch)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for an opportunity")
	}

	close(snapshots)
	if err := <-done; err != nil {
		t.Errorf("Expected clean exit when snapshots close, got %v", err)
	}
	if _, ok := <-d.Opportunities(); ok {
		t.Error("Expected the opportunities channel to be closed")
	}
}

func TestNewDetectorValidation(t *testing.T) {
	opt, _ := optimizer.New(optimizer.Config{Tolerance: 1e-9})

	if _, err := New(Config{MaxHops: 1}, opt, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for max hops 1, got %v", err)
	}
	if _, err := New(Config{MaxHops: 3}, nil, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig without an optimizer, got %v", err)
	}
	if _, err := New(Config{MaxHops: 3, MinProfitFactor: 0.9}, opt, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for a profit factor below 1, got %v", err)
	}
}

func randomReserve(rng *rand.Rand) *big.Int {
	// Generate reserves between 1e18 and 9e24
	exp := rng.Intn(7) + 18
	base := rng.Int63n(9) + 1
	result := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
	return result.Mul(result, big.NewInt(base))
}

// createRealisticGraph creates a graph similar to production (500 pools, ~300 tokens)
func createRealisticGraph(b *testing.B, numPools, numTokens int) *graph.Graph {
	g := graph.New()
	rng := rand.New(rand.NewSource(1))

	nodes := make([]graph.NodeID, numTokens)
	addrs := make([]common.Address, numTokens)
	for i := 0; i < numTokens; i++ {
		addrs[i] = common.BigToAddress(big.NewInt(int64(0x1000 + i)))
		nodes[i] = g.AddOrGetToken(token.Token{Address: addrs[i], Decimals: 18})
	}

	for i := 0; i < numPools; i++ {
		t0 := rng.Intn(numTokens)
		t1 := rng.Intn(numTokens)
		for t1 == t0 {
			t1 = rng.Intn(numTokens)
		}
		p, err := pool.NewV2(common.BigToAddress(big.NewInt(int64(0x100000+i))), addrs[t0], addrs[t1], randomReserve(rng), randomReserve(rng), 30)
		if err != nil {
			b.Fatalf("NewV2: %v", err)
		}
		if _, err := g.AddPoolEdges(pool.FromV2(p), nodes[t0], nodes[t1]); err != nil {
			b.Fatalf("AddPoolEdges: %v", err)
		}
	}
	return g
}

func BenchmarkFind(b *testing.B) {
	snap := createRealisticGraph(b, 500, 300).Snapshot(1)
	f := newFinder(b, FinderConfig{MaxHops: 4})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Find(context.Background(), snap)
	}
}

func BenchmarkDetection(b *testing.B) {
	snap := createRealisticGraph(b, 500, 300).Snapshot(1)
	d := newDetector(b, Config{
		MinProfitFactor: 1.001,
		MaxHops:         4,
		NumWorkers:      4,
		SearchBudget:    time.Second,
	}, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.DetectOnce(context.Background(), snap)
	}
}
