// Package engine wires the graph, the syncer and the detector into one
// running instance built from the metadata feed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"arbscout/internal/config"
	"arbscout/internal/detector"
	"arbscout/internal/graph"
	"arbscout/internal/metrics"
	"arbscout/internal/optimizer"
	"arbscout/internal/pool"
	"arbscout/internal/statesync"
	"arbscout/internal/token"

	"github.com/rs/zerolog/log"
)

// BootstrapStats reports what New loaded.
type BootstrapStats struct {
	Tokens       int
	Pools        int
	SkippedPools int
	Duration     time.Duration
}

// Engine owns one graph and everything that reads or writes it.
type Engine struct {
	graph     *graph.Graph
	syncer    *statesync.Syncer
	optimizer *optimizer.Optimizer
	detector  *detector.Detector
	metrics   *metrics.Metrics
	stats     BootstrapStats
}

// New builds the graph from tokens and pool descriptors, validates it and
// wires the syncer and detector. Pools whose tokens are unknown or whose
// state is invalid are skipped. m may be nil.
func New(cfg *config.Config, tokens []token.Token, pools []pool.Descriptor, m *metrics.Metrics) (*Engine, error) {
	opt, err := optimizer.New(OptimizerConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("creating optimizer: %w", err)
	}

	startTime := time.Now()
	g := graph.New()
	stats, err := bootstrap(g, tokens, pools)
	if err != nil {
		return nil, err
	}
	if err := g.ValidateAndLog(); err != nil {
		return nil, fmt.Errorf("validating bootstrapped graph: %w", err)
	}
	stats.Duration = time.Since(startTime)

	if m != nil {
		m.RecordBootstrapLatency(stats.Duration)
		m.RecordGraphStats(g.NumNodes(), g.NumEdges(), g.NumPools())
	}

	syncer := statesync.New(g, m)
	det, err := detector.New(DetectorConfig(cfg), opt, syncer.Snapshots(), m)
	if err != nil {
		return nil, fmt.Errorf("creating detector: %w", err)
	}

	log.Info().
		Int("tokens", stats.Tokens).
		Int("pools", stats.Pools).
		Int("skipped_pools", stats.SkippedPools).
		Int("nodes", g.NumNodes()).
		Int("edges", g.NumEdges()).
		Dur("duration", stats.Duration).
		Msg("Graph bootstrapped")

	return &Engine{
		graph:     g,
		syncer:    syncer,
		optimizer: opt,
		detector:  det,
		metrics:   m,
		stats:     stats,
	}, nil
}

// bootstrap adds tokens first, then pools, in one write.
func bootstrap(g *graph.Graph, tokens []token.Token, pools []pool.Descriptor) (BootstrapStats, error) {
	var stats BootstrapStats
	err := g.Write(func(w *graph.Writer) error {
		nodes := make(map[string]graph.NodeID, len(tokens))
		for _, t := range tokens {
			nodes[t.Address.Hex()] = w.AddOrGetToken(t)
		}
		stats.Tokens = len(nodes)

		for _, d := range pools {
			a, okA := nodes[d.Token0.Hex()]
			b, okB := nodes[d.Token1.Hex()]
			if !okA || !okB {
				stats.SkippedPools++
				log.Warn().
					Str("venue", d.Venue.String()).
					Str("token0", d.Token0.Hex()).
					Str("token1", d.Token1.Hex()).
					Msg("Skipping pool with unknown token")
				continue
			}

			v, err := d.Build()
			if err != nil {
				stats.SkippedPools++
				log.Warn().Err(err).Str("venue", d.Venue.String()).Msg("Skipping invalid pool")
				continue
			}

			if _, err := w.AddPoolEdges(v, a, b); err != nil {
				if errors.Is(err, graph.ErrDuplicatePool) || errors.Is(err, graph.ErrInvalidGraphReference) {
					stats.SkippedPools++
					log.Warn().Err(err).Msg("Skipping pool")
					continue
				}
				return err
			}
			stats.Pools++
		}
		return nil
	})
	return stats, err
}

// DetectorConfig maps the application config to the detector's.
func DetectorConfig(cfg *config.Config) detector.Config {
	d := cfg.Detector
	return detector.Config{
		MinProfitFactor: d.MinProfitFactor,
		MaxHops:         d.MaxHops,
		Epsilon:         d.Epsilon,
		MaxCycles:       d.MaxCycles,
		MaxRounds:       d.MaxRounds,
		MaxRelaxations:  d.MaxRelaxations,
		NumWorkers:      d.NumWorkers,
		StartTokens:     cfg.StartTokenAddresses(),
		SearchBudget:    d.SearchBudget,
		SizingBudget:    d.SizingBudget,
	}
}

// OptimizerConfig maps the application config to the optimizer's.
func OptimizerConfig(cfg *config.Config) optimizer.Config {
	o := cfg.Optimizer
	return optimizer.Config{
		Tolerance:        o.Tolerance,
		MaxIterations:    o.MaxIterations,
		FlatLimit:        o.FlatLimit,
		CurvatureEpsilon: o.CurvatureEpsilon,
		SeedFraction:     o.SeedFraction,
	}
}

// Stats returns what the bootstrap loaded.
func (e *Engine) Stats() BootstrapStats {
	return e.stats
}

// Graph returns the live graph. Writes must go through the syncer.
func (e *Engine) Graph() *graph.Graph {
	return e.graph
}

// Syncer returns the engine's single writer.
func (e *Engine) Syncer() *statesync.Syncer {
	return e.syncer
}

// Detector returns the engine's detector.
func (e *Engine) Detector() *detector.Detector {
	return e.detector
}

// Opportunities returns the detector's output channel.
func (e *Engine) Opportunities() <-chan *detector.Opportunity {
	return e.detector.Opportunities()
}

// Apply applies one batch of events.
func (e *Engine) Apply(seq uint64, events []pool.Event) (statesync.BatchResult, error) {
	return e.syncer.ApplyBatch(seq, events)
}

// Run runs the detector until ctx is done or Close is called.
func (e *Engine) Run(ctx context.Context) error {
	return e.detector.Run(ctx)
}

// Close stops publishing snapshots, which ends Run once the last one is processed.
func (e *Engine) Close() {
	e.syncer.Close()
}
