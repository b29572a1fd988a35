package detector

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"arbscout/internal/graph"
	"arbscout/internal/metrics"
	"arbscout/internal/optimizer"
	"arbscout/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Hop is one swap of an opportunity.
type Hop struct {
	Pool       common.Hash
	ZeroForOne bool
}

// Opportunity represents a sized, exactly verified arbitrage cycle.
type Opportunity struct {
	Hops []Hop

	// Tokens visited, starting and ending on the input token (len = len(Hops) + 1)
	Tokens []token.Token

	InputAmount    *big.Int
	ExpectedOutput *big.Int
	ExpectedProfit *big.Int

	// WeightSum is the zero-size cycle weight; ProfitFactor is the sized Output/Input.
	WeightSum    float64
	ProfitFactor float64

	// Batch is the sequence of the snapshot the opportunity was found on
	Batch      uint64
	Converged  bool
	Iterations int

	DetectedAt time.Time

	// Latency is the time from snapshot creation to detection
	Latency time.Duration
}

// Config holds detector configuration.
type Config struct {
	MinProfitFactor float64
	MaxHops         int
	Epsilon         float64
	MaxCycles       int
	MaxRounds       int
	MaxRelaxations  int
	NumWorkers      int
	StartTokens     []common.Address

	// SearchBudget and SizingBudget bound the cycle search and each sizing; zero means unbounded.
	SearchBudget time.Duration
	SizingBudget time.Duration
}

// Detector runs arbitrage detection on graph snapshots.
type Detector struct {
	config    Config
	finder    *Finder
	optimizer *optimizer.Optimizer
	metrics   *metrics.Metrics

	// Results channel
	opportunitiesCh chan *Opportunity

	// Snapshot processing
	snapshotCh <-chan *graph.Snapshot
}

// New creates a new arbitrage detector.
func New(cfg Config, opt *optimizer.Optimizer, snapshotCh <-chan *graph.Snapshot, m *metrics.Metrics) (*Detector, error) {
	if opt == nil {
		return nil, fmt.Errorf("%w: optimizer is required", ErrInvalidConfig)
	}
	if cfg.MinProfitFactor == 0 {
		cfg.MinProfitFactor = 1.0
	}
	if cfg.MinProfitFactor < 1 {
		return nil, fmt.Errorf("%w: min profit factor %g is below 1", ErrInvalidConfig, cfg.MinProfitFactor)
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 4
	}

	finder, err := NewFinder(FinderConfig{
		MaxHops:        cfg.MaxHops,
		Epsilon:        cfg.Epsilon,
		MaxCycles:      cfg.MaxCycles,
		MaxRounds:      cfg.MaxRounds,
		MaxRelaxations: cfg.MaxRelaxations,
	})
	if err != nil {
		return nil, err
	}

	return &Detector{
		config:          cfg,
		finder:          finder,
		optimizer:       opt,
		metrics:         m,
		opportunitiesCh: make(chan *Opportunity, 100),
		snapshotCh:      snapshotCh,
	}, nil
}

// Opportunities returns the channel for detected opportunities.
func (d *Detector) Opportunities() <-chan *Opportunity {
	return d.opportunitiesCh
}

// Finder returns the cycle finder the detector searches with.
func (d *Detector) Finder() *Finder {
	return d.finder
}

// Run starts the detector, processing snapshots from the channel.
// The opportunities channel is closed when Run returns.
func (d *Detector) Run(ctx context.Context) error {
	defer close(d.opportunitiesCh)

	log.Info().
		Int("workers", d.config.NumWorkers).
		Float64("min_profit", d.config.MinProfitFactor).
		Int("max_hops", d.config.MaxHops).
		Int("start_tokens", len(d.config.StartTokens)).
		Msg("Starting detector")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case snap, ok := <-d.snapshotCh:
			if !ok {
				return nil
			}
			d.processSnapshot(ctx, snap)
		}
	}
}

// processSnapshot detects on one snapshot and emits the results.
func (d *Detector) processSnapshot(ctx context.Context, snap *graph.Snapshot) {
	for _, opp := range d.DetectOnce(ctx, snap) {
		select {
		case d.opportunitiesCh <- opp:
			if d.metrics != nil {
				d.metrics.RecordProfitableOpportunity()
				d.metrics.RecordPipelineLatency(opp.Latency)
			}
			logOpportunity(opp)
		default:
			log.Warn().Uint64("batch", opp.Batch).Msg("Opportunity channel full")
		}
	}
}

// DetectOnce runs the full pipeline on a snapshot and returns the verified
// opportunities, most profitable first.
func (d *Detector) DetectOnce(ctx context.Context, snap *graph.Snapshot) []*Opportunity {
	startTime := time.Now()

	searchCtx, cancel := withBudget(ctx, d.config.SearchBudget)
	res := d.finder.Find(searchCtx, snap)
	cancel()

	searchDuration := time.Since(startTime)
	if d.metrics != nil {
		d.metrics.RecordSearch(searchDuration, len(res.Cycles), res.Partial)
	}

	cycles := d.selectCycles(snap, res.Cycles)
	if len(cycles) == 0 {
		log.Debug().
			Uint64("batch", snap.Seq).
			Dur("search_time", searchDuration).
			Int("nodes", snap.NumNodes()).
			Int("edges", snap.NumEdges()).
			Bool("partial", res.Partial).
			Msg("Detection complete - no arbitrage found")
		return nil
	}

	log.Info().
		Uint64("batch", snap.Seq).
		Int("cycles_found", len(cycles)).
		Int("rounds", res.Rounds).
		Bool("partial", res.Partial).
		Dur("search_time", searchDuration).
		Msg("Detection complete - cycles found, sizing")

	sized := make([]*Opportunity, len(cycles))
	var g errgroup.Group
	g.SetLimit(d.config.NumWorkers)
	for i, c := range cycles {
		g.Go(func() error {
			sized[i] = d.size(ctx, snap, c)
			return nil
		})
	}
	_ = g.Wait()

	var opportunities []*Opportunity
	for _, opp := range sized {
		if opp != nil {
			opportunities = append(opportunities, opp)
		}
	}
	sort.SliceStable(opportunities, func(i, j int) bool {
		return opportunities[i].ProfitFactor > opportunities[j].ProfitFactor
	})

	if len(opportunities) < len(cycles) {
		log.Info().
			Uint64("batch", snap.Seq).
			Int("cycles_sized", len(cycles)).
			Int("profitable_after_sizing", len(opportunities)).
			Msg("Sizing filtered out unprofitable cycles")
	}

	return opportunities
}

// selectCycles applies the profit filter and the start token rotation.
func (d *Detector) selectCycles(snap *graph.Snapshot, cycles []graph.Cycle) []graph.Cycle {
	var profitable []graph.Cycle
	for _, c := range cycles {
		if graph.IsProfitable(c.WeightSum, d.config.MinProfitFactor) {
			profitable = append(profitable, c)
		}
	}
	if len(d.config.StartTokens) == 0 {
		return profitable
	}

	starts := make([]graph.NodeID, 0, len(d.config.StartTokens))
	for _, addr := range d.config.StartTokens {
		if idx, exists := snap.Node(addr); exists {
			starts = append(starts, idx)
		}
	}
	if len(starts) == 0 {
		log.Warn().Msg("No start tokens found in snapshot")
		return nil
	}
	return FilterByStartTokens(profitable, starts)
}

// size runs the optimizer on one cycle. It returns nil when the cycle does
// not survive exact sizing.
func (d *Detector) size(ctx context.Context, snap *graph.Snapshot, c graph.Cycle) *Opportunity {
	sizeCtx, cancel := withBudget(ctx, d.config.SizingBudget)
	defer cancel()

	began := time.Now()
	res, err := d.optimizer.Optimize(sizeCtx, optimizer.HopsFromCycle(snap, c))

	var outcome string
	switch {
	case errors.Is(err, optimizer.ErrNoProfitableCycle):
		outcome = metrics.SizingNoProfit
		log.Debug().Err(err).Str("cycle", c.Key()).Msg("Cycle not profitable at any size")
	case errors.Is(err, optimizer.ErrConvergenceFailure):
		outcome = metrics.SizingDiverged
		log.Warn().Err(err).Str("cycle", c.Key()).Msg("Sizing did not converge")
	case err != nil:
		outcome = metrics.SizingError
		log.Warn().Err(err).Str("cycle", c.Key()).Msg("Sizing failed")
	case !res.Converged:
		outcome = metrics.SizingPartial
	default:
		outcome = metrics.SizingProfitable
	}
	if d.metrics != nil {
		d.metrics.RecordSizing(outcome, time.Since(began))
	}
	if err != nil {
		return nil
	}

	return newOpportunity(snap, c, res)
}

func newOpportunity(snap *graph.Snapshot, c graph.Cycle, res *optimizer.Result) *Opportunity {
	hops := make([]Hop, len(c.Edges))
	for i, e := range c.Edges {
		hops[i] = Hop{Pool: snap.Pool(e.Pool).ID(), ZeroForOne: e.ZeroForOne}
	}

	now := time.Now()
	return &Opportunity{
		Hops:           hops,
		Tokens:         snap.Path(c),
		InputAmount:    res.Input,
		ExpectedOutput: res.Output,
		ExpectedProfit: res.Profit,
		WeightSum:      c.WeightSum,
		ProfitFactor:   res.ProfitFactor(),
		Batch:          snap.Seq,
		Converged:      res.Converged,
		Iterations:     res.Iterations,
		DetectedAt:     now,
		Latency:        now.Sub(snap.CreatedAt),
	}
}

func withBudget(ctx context.Context, budget time.Duration) (context.Context, context.CancelFunc) {
	if budget <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, budget)
}

// logOpportunity logs a detected opportunity.
func logOpportunity(opp *Opportunity) {
	path := make([]string, len(opp.Tokens))
	for i, t := range opp.Tokens {
		path[i] = t.String()
	}
	pools := make([]string, len(opp.Hops))
	for i, h := range opp.Hops {
		pools[i] = h.Pool.Hex()
	}

	var input token.Token
	if len(opp.Tokens) > 0 {
		input = opp.Tokens[0]
	}

	log.Info().
		Uint64("batch", opp.Batch).
		Strs("path", path).
		Strs("pools", pools).
		Float64("profit_factor", opp.ProfitFactor).
		Float64("profit_percent", (opp.ProfitFactor-1.0)*100.0).
		Str("input", input.FormatAmount(opp.InputAmount)).
		Str("profit", input.FormatAmount(opp.ExpectedProfit)).
		Str("input_raw", opp.InputAmount.String()).
		Str("profit_raw", opp.ExpectedProfit.String()).
		Bool("converged", opp.Converged).
		Dur("latency", opp.Latency).
		Int("path_length", len(opp.Hops)).
		Msg("Arbitrage opportunity detected")
}
