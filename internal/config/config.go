package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Chain       ChainConfig       `yaml:"chain"`
	Detector    DetectorConfig    `yaml:"detector"`
	Optimizer   OptimizerConfig   `yaml:"optimizer"`
	Replay      ReplayConfig      `yaml:"replay"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Feed        FeedConfig        `yaml:"feed"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ChainConfig identifies the chain the pools live on.
type ChainConfig struct {
	ChainID       int64  `yaml:"chain_id"`
	WrappedNative string `yaml:"wrapped_native"`
}

// DetectorConfig holds cycle search and pipeline settings.
type DetectorConfig struct {
	MinProfitFactor float64       `yaml:"min_profit_factor"`
	MaxHops         int           `yaml:"max_hops"` // required, no default
	Epsilon         float64       `yaml:"epsilon"`
	MaxCycles       int           `yaml:"max_cycles"`
	MaxRounds       int           `yaml:"max_rounds"`
	MaxRelaxations  int           `yaml:"max_relaxations"`
	NumWorkers      int           `yaml:"num_workers"`
	StartTokens     []string      `yaml:"start_tokens"`
	SearchBudget    time.Duration `yaml:"search_budget"`
	SizingBudget    time.Duration `yaml:"sizing_budget"`
}

// OptimizerConfig holds input sizing settings.
type OptimizerConfig struct {
	Tolerance        float64 `yaml:"tolerance"` // required, no default
	MaxIterations    int     `yaml:"max_iterations"`
	FlatLimit        int     `yaml:"flat_limit"`
	CurvatureEpsilon float64 `yaml:"curvature_epsilon"`
	SeedFraction     float64 `yaml:"seed_fraction"`
}

// ReplayConfig points at the decoded event log replayed by cmd/arbscout.
type ReplayConfig struct {
	EventsPath      string  `yaml:"events_path"`
	BlocksPerSecond float64 `yaml:"blocks_per_second"` // 0 replays as fast as possible
}

// PersistenceConfig holds database settings.
type PersistenceConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// FeedConfig holds the websocket opportunity feed settings.
type FeedConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	// Set defaults
	cfg.setDefaults()

	// Read YAML file if it exists
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if len(data) > 0 {
		// Expand environment variables in YAML content
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Apply environment variable overrides
	cfg.applyEnvOverrides()

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for every option that has one.
// detector.max_hops and optimizer.tolerance are left unset on purpose.
func (c *Config) setDefaults() {
	c.Chain = ChainConfig{
		ChainID:       1,
		WrappedNative: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", // WETH
	}
	c.Detector = DetectorConfig{
		MinProfitFactor: 1.001,
		Epsilon:         1e-9,
		MaxCycles:       64,
		MaxRounds:       8,
		NumWorkers:      4,
		SearchBudget:    500 * time.Millisecond,
		SizingBudget:    50 * time.Millisecond,
	}
	c.Optimizer = OptimizerConfig{
		MaxIterations:    50,
		FlatLimit:        3,
		CurvatureEpsilon: 1e-30,
		SeedFraction:     1e-4,
	}
	c.Replay = ReplayConfig{
		EventsPath: "./data/events.jsonl",
	}
	c.Persistence = PersistenceConfig{
		SQLitePath: "./data/arbscout.db",
	}
	c.Metrics = MetricsConfig{
		Enabled: true,
		Port:    8080,
		Path:    "/metrics",
	}
	c.Feed = FeedConfig{
		Enabled: false,
		Port:    8081,
		Path:    "/opportunities",
	}
	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
	}
}

// applyEnvOverrides applies environment variable overrides to configuration.
func (c *Config) applyEnvOverrides() {
	// Detector config
	if v := os.Getenv("DETECTOR_MIN_PROFIT_FACTOR"); v != "" {
		var factor float64
		if _, err := fmt.Sscanf(v, "%f", &factor); err == nil && factor >= 1.0 {
			c.Detector.MinProfitFactor = factor
		}
	}
	if v := os.Getenv("DETECTOR_MAX_HOPS"); v != "" {
		var hops int
		if _, err := fmt.Sscanf(v, "%d", &hops); err == nil && hops >= 2 {
			c.Detector.MaxHops = hops
		}
	}
	if v := os.Getenv("DETECTOR_NUM_WORKERS"); v != "" {
		var workers int
		if _, err := fmt.Sscanf(v, "%d", &workers); err == nil && workers > 0 {
			c.Detector.NumWorkers = workers
		}
	}

	// Optimizer config
	if v := os.Getenv("OPTIMIZER_TOLERANCE"); v != "" {
		var tol float64
		if _, err := fmt.Sscanf(v, "%g", &tol); err == nil && tol > 0 {
			c.Optimizer.Tolerance = tol
		}
	}

	// Replay config
	if v := os.Getenv("REPLAY_EVENTS_PATH"); v != "" {
		c.Replay.EventsPath = v
	}
	if v := os.Getenv("REPLAY_BLOCKS_PER_SECOND"); v != "" {
		var bps float64
		if _, err := fmt.Sscanf(v, "%g", &bps); err == nil && bps >= 0 {
			c.Replay.BlocksPerSecond = bps
		}
	}

	// Metrics config
	if v := os.Getenv("METRICS_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.Metrics.Port = port
		}
	}

	// Feed config
	if v := os.Getenv("FEED_ENABLED"); v != "" {
		c.Feed.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("FEED_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.Feed.Port = port
		}
	}

	// Persistence config
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Persistence.SQLitePath = v
	}

	// Logging config
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// validate checks that all required configuration values are present and valid.
func (c *Config) validate() error {
	if c.Detector.MaxHops == 0 {
		return fmt.Errorf("detector.max_hops is required (set DETECTOR_MAX_HOPS env var)")
	}
	if c.Detector.MaxHops < 2 {
		return fmt.Errorf("detector.max_hops must be at least 2")
	}
	if c.Optimizer.Tolerance == 0 {
		return fmt.Errorf("optimizer.tolerance is required (set OPTIMIZER_TOLERANCE env var)")
	}
	if c.Optimizer.Tolerance < 0 || c.Optimizer.Tolerance >= 1 {
		return fmt.Errorf("optimizer.tolerance must be in (0, 1)")
	}
	if c.Detector.MinProfitFactor < 1.0 {
		return fmt.Errorf("detector.min_profit_factor must be at least 1.0")
	}
	if c.Detector.NumWorkers <= 0 {
		return fmt.Errorf("detector.num_workers must be positive")
	}
	for _, addr := range c.Detector.StartTokens {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("detector.start_tokens: %q is not an address", addr)
		}
	}
	if c.Chain.WrappedNative != "" && !common.IsHexAddress(c.Chain.WrappedNative) {
		return fmt.Errorf("chain.wrapped_native: %q is not an address", c.Chain.WrappedNative)
	}
	if c.Optimizer.SeedFraction <= 0 || c.Optimizer.SeedFraction > 1 {
		return fmt.Errorf("optimizer.seed_fraction must be in (0, 1]")
	}
	if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be a valid port number")
	}
	if c.Replay.BlocksPerSecond < 0 {
		return fmt.Errorf("replay.blocks_per_second must not be negative")
	}
	if c.Feed.Enabled {
		if c.Feed.Port <= 0 || c.Feed.Port > 65535 {
			return fmt.Errorf("feed.port must be a valid port number")
		}
		if c.Metrics.Enabled && c.Feed.Port == c.Metrics.Port {
			return fmt.Errorf("feed.port must differ from metrics.port")
		}
	}
	return nil
}

// StartTokenAddresses returns the configured start tokens as addresses.
func (c *Config) StartTokenAddresses() []common.Address {
	out := make([]common.Address, len(c.Detector.StartTokens))
	for i, s := range c.Detector.StartTokens {
		out[i] = common.HexToAddress(s)
	}
	return out
}

// WrappedNativeAddress returns the wrapped native token, or the zero address.
func (c *Config) WrappedNativeAddress() common.Address {
	if c.Chain.WrappedNative == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.Chain.WrappedNative)
}
