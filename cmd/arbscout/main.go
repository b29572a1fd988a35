package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"arbscout/internal/config"
	"arbscout/internal/detector"
	"arbscout/internal/engine"
	"arbscout/internal/feed"
	"arbscout/internal/metrics"
	"arbscout/internal/persistence"
	"arbscout/internal/pool"
	"arbscout/internal/replay"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	eventsPath := flag.String("events", "", "Decoded event log to replay (overrides replay.events_path)")
	fromStart := flag.Bool("from-start", false, "Ignore the stored replay position")
	serve := flag.Bool("serve", false, "Keep the metrics and feed servers up after the replay until interrupted")
	flag.Parse()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		// .env file is optional
		log.Debug().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *eventsPath != "" {
		cfg.Replay.EventsPath = *eventsPath
	}

	// Setup logging
	setupLogging(cfg.Logging)
	log.Info().Msg("Starting arbscout")

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	opts := runOptions{fromStart: *fromStart, serve: *serve}
	if err := run(ctx, cfg, opts); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Application error")
	}

	log.Info().Msg("arbscout shutdown complete")
}

type runOptions struct {
	fromStart bool
	serve     bool
}

func run(ctx context.Context, cfg *config.Config, opts runOptions) error {
	// Initialize metrics
	m := metrics.New()
	if cfg.Metrics.Enabled {
		if err := m.StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			m.Shutdown(shutdownCtx)
		}()
	}

	// Initialize the opportunity feed
	var hub *feed.Hub
	if cfg.Feed.Enabled {
		hub = feed.NewHub()
		if err := hub.StartServer(cfg.Feed.Port, cfg.Feed.Path); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			hub.Shutdown(shutdownCtx)
		}()
	}

	// Initialize persistence
	store, err := persistence.NewStore(cfg.Persistence.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info().Str("path", cfg.Persistence.SQLitePath).Msg("SQLite initialized")

	// Load the metadata feed
	tokens, err := store.GetAllTokens(ctx, cfg.WrappedNativeAddress())
	if err != nil {
		return fmt.Errorf("loading tokens: %w", err)
	}
	pools, err := store.GetAllPools(ctx)
	if err != nil {
		return fmt.Errorf("loading pools: %w", err)
	}
	if len(pools) == 0 {
		log.Warn().Str("path", cfg.Persistence.SQLitePath).Msg("No pools in the metadata store")
	}

	eng, err := engine.New(cfg, tokens, pools, m)
	if err != nil {
		return err
	}

	after, err := resumeKey(ctx, store, opts.fromStart)
	if err != nil {
		return err
	}

	// Run detection once on the stored state
	log.Info().Msg("Running initial detection...")
	initial := eng.Detector().DetectOnce(ctx, eng.Graph().Snapshot(after.Block))
	if len(initial) > 0 {
		log.Info().Int("count", len(initial)).Msg("Initial detection found opportunities")
	} else {
		log.Info().Msg("No arbitrage opportunities found in initial scan")
	}

	events, err := os.Open(cfg.Replay.EventsPath)
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	defer events.Close()

	// Start all services
	g, gCtx := errgroup.WithContext(ctx)

	// Start detector
	g.Go(func() error {
		log.Info().Msg("Starting detector...")
		return eng.Run(gCtx)
	})

	// Start opportunity journal
	g.Go(func() error {
		return journalOpportunities(gCtx, eng.Opportunities(), store, hub)
	})

	// Start replay
	g.Go(func() error {
		// Closing the engine ends the detector and then the journal.
		defer eng.Close()

		log.Info().
			Str("path", cfg.Replay.EventsPath).
			Str("after", after.String()).
			Msg("Starting replay...")

		stats, err := replay.Run(gCtx, replay.NewReader(events), replay.Options{
			After:           after,
			BlocksPerSecond: cfg.Replay.BlocksPerSecond,
		}, func(seq uint64, evs []pool.Event) error {
			_, err := eng.Apply(seq, evs)
			return err
		})

		if stats.Blocks > 0 {
			if err := saveState(store, eng, stats.Last); err != nil {
				log.Error().Err(err).Msg("Failed to save replay position")
			}
		}

		log.Info().
			Int("blocks", stats.Blocks).
			Int("events", stats.Events).
			Int("skipped", stats.Skipped).
			Int("stale", stats.Stale).
			Str("last", stats.Last.String()).
			Msg("Replay finished")

		if err != nil {
			return err
		}
		if opts.serve {
			<-gCtx.Done()
		}
		return nil
	})

	// Wait for all goroutines
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// resumeKey returns the position after which events are replayed.
func resumeKey(ctx context.Context, store *persistence.Store, fromStart bool) (pool.OrderKey, error) {
	if fromStart {
		return pool.OrderKey{}, nil
	}
	v, err := store.GetSystemState(ctx, persistence.KeyLastReplayed)
	if err != nil {
		return pool.OrderKey{}, fmt.Errorf("reading replay position: %w", err)
	}
	if v == "" {
		return pool.OrderKey{}, nil
	}
	return replay.ParseOrderKey(v)
}

// saveState writes the replayed pool state back to the metadata store along
// with the position it corresponds to.
func saveState(store *persistence.Store, eng *engine.Engine, last pool.OrderKey) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	snap := eng.Graph().Snapshot(last.Block)
	descriptors := make([]pool.Descriptor, len(snap.Pools))
	for i, entry := range snap.Pools {
		descriptors[i] = pool.Describe(entry.Variant)
	}
	if err := store.BulkUpsertPools(ctx, descriptors); err != nil {
		return err
	}
	return store.SetSystemState(ctx, persistence.KeyLastReplayed, last.String())
}

func setupLogging(cfg config.LoggingConfig) {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func journalOpportunities(ctx context.Context, ch <-chan *detector.Opportunity, store *persistence.Store, hub *feed.Hub) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case opp, ok := <-ch:
			if !ok {
				return nil
			}

			symbols := make([]string, len(opp.Tokens))
			for i, t := range opp.Tokens {
				symbols[i] = t.String()
			}

			log.Info().
				Str("path", strings.Join(symbols, " -> ")).
				Float64("profit_factor", opp.ProfitFactor).
				Str("input", opp.InputAmount.String()).
				Str("profit", opp.Tokens[0].FormatAmount(opp.ExpectedProfit)).
				Uint64("batch", opp.Batch).
				Bool("converged", opp.Converged).
				Dur("detection_latency", opp.Latency).
				Msg("ARBITRAGE OPPORTUNITY DETECTED")

			if err := store.RecordOpportunity(ctx, opp); err != nil {
				log.Error().Err(err).Uint64("batch", opp.Batch).Msg("Failed to record opportunity")
			}

			if hub != nil {
				if _, err := hub.Broadcast(opp); err != nil {
					log.Warn().Err(err).Msg("Failed to broadcast opportunity")
				}
			}
		}
	}
}
