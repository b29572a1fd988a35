package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"arbscout/internal/config"
	"arbscout/internal/detector"
	"arbscout/internal/engine"
	"arbscout/internal/graph"
	"arbscout/internal/persistence"
	"arbscout/internal/token"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	limit := flag.Int("limit", 10, "Maximum number of cycles to print")
	size := flag.Bool("size", false, "Size the profitable cycles with the optimizer")
	journal := flag.Int("journal", 0, "Also print this many recorded opportunities")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Status goes to stderr so the report can be piped.
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	if err := run(context.Background(), cfg, *limit, *size, *journal); err != nil {
		log.Fatal().Err(err).Msg("Inspect failed")
	}
}

func run(ctx context.Context, cfg *config.Config, limit int, size bool, journal int) error {
	store, err := persistence.NewStore(cfg.Persistence.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()

	log.Info().Str("path", cfg.Persistence.SQLitePath).Msg("Loading metadata...")
	tokens, err := store.GetAllTokens(ctx, cfg.WrappedNativeAddress())
	if err != nil {
		return fmt.Errorf("loading tokens: %w", err)
	}
	pools, err := store.GetAllPools(ctx)
	if err != nil {
		return fmt.Errorf("loading pools: %w", err)
	}

	// New validates the graph and fails on a corrupted index.
	eng, err := engine.New(cfg, tokens, pools, nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	position, err := store.GetSystemState(ctx, persistence.KeyLastReplayed)
	if err != nil {
		return err
	}
	snap := eng.Graph().Snapshot(0)

	out := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer out.Flush()

	fmt.Fprintf(out, "tokens\t%d\n", snap.NumNodes())
	fmt.Fprintf(out, "pools\t%d\n", snap.NumPools())
	fmt.Fprintf(out, "edges\t%d\n", snap.NumEdges())
	if position != "" {
		fmt.Fprintf(out, "replayed to\t%s\n", position)
	}
	if v := graph.ValidateSnapshot(snap); !v.Valid {
		fmt.Fprintf(out, "validation\t%d findings, %d orphan tokens\n", len(v.Errors), len(v.OrphanTokens))
	}

	// Zero-size cycles, before the profit floor and sizing
	res := eng.Detector().Finder().Find(ctx, snap)
	cycles := res.Cycles
	if starts := startNodes(snap, cfg); len(starts) > 0 {
		cycles = detector.FilterByStartTokens(cycles, starts)
	} else if len(cfg.Detector.StartTokens) > 0 {
		log.Warn().Strs("start_tokens", cfg.Detector.StartTokens).Msg("No start token is in the graph, showing all cycles")
	}

	fmt.Fprintf(out, "cycles\t%d (rounds %d, relaxations %d, partial %t)\n\n", len(cycles), res.Rounds, res.Relaxations, res.Partial)
	fmt.Fprintln(out, "#\tfactor\tweight\thops\tpath")
	for i, c := range cycles {
		if i >= limit {
			break
		}
		fmt.Fprintf(out, "%d\t%.6f\t%.6f\t%d\t%s\n", i+1, c.ProfitFactor(), c.WeightSum, c.Len(), symbols(snap.Path(c)))
	}

	if size {
		opps := eng.Detector().DetectOnce(ctx, snap)
		fmt.Fprintf(out, "\nsized\t%d\n", len(opps))
		fmt.Fprintln(out, "#\tfactor\tinput\tprofit\tconverged\tpath")
		for i, opp := range opps {
			if i >= limit {
				break
			}
			start := opp.Tokens[0]
			fmt.Fprintf(out, "%d\t%.6f\t%s\t%s %s\t%t\t%s\n",
				i+1, opp.ProfitFactor,
				start.FormatAmount(opp.InputAmount),
				start.FormatAmount(opp.ExpectedProfit), start.Symbol,
				opp.Converged, symbols(opp.Tokens))
		}
	}

	if journal > 0 {
		records, err := store.ListOpportunities(ctx, journal)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\njournal\t%d\n", len(records))
		fmt.Fprintln(out, "batch\tfactor\tprofit\thops\tdetected")
		for _, r := range records {
			fmt.Fprintf(out, "%d\t%.6f\t%s\t%d\t%s\n", r.Batch, r.ProfitFactor, r.ProfitHuman, len(r.Hops), r.DetectedAt.Format(time.RFC3339))
		}
	}

	return nil
}

func startNodes(snap *graph.Snapshot, cfg *config.Config) []graph.NodeID {
	var nodes []graph.NodeID
	for _, addr := range cfg.StartTokenAddresses() {
		if id, ok := snap.Node(addr); ok {
			nodes = append(nodes, id)
		}
	}
	return nodes
}

func symbols(tokens []token.Token) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = t.String()
	}
	return strings.Join(parts, " -> ")
}
