package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"arbscout/internal/detector"
	"arbscout/internal/pool"
	"arbscout/internal/token"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// System state keys.
const (
	KeyLastReplayed = "last_replayed_key"
)

// Store provides SQLite-based persistence for the metadata feed and the
// opportunity journal.
type Store struct {
	db *sql.DB
}

// OpportunityRecord is a journaled opportunity.
type OpportunityRecord struct {
	ID           int64
	Batch        uint64
	StartToken   common.Address
	Path         []common.Address
	Hops         []detector.Hop
	Input        *big.Int
	Output       *big.Int
	Profit       *big.Int
	ProfitHuman  string
	WeightSum    float64
	ProfitFactor float64
	Converged    bool
	DetectedAt   time.Time
}

// NewStore creates a new SQLite store and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

// migrate runs database schema migrations.
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tokens (
			address TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			decimals INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS pools (
			id TEXT PRIMARY KEY,
			venue TEXT NOT NULL,
			address TEXT NOT NULL DEFAULT '',
			token0 TEXT NOT NULL,
			token1 TEXT NOT NULL,
			fee INTEGER NOT NULL,
			reserve0 TEXT NOT NULL DEFAULT '',
			reserve1 TEXT NOT NULL DEFAULT '',
			tick_spacing INTEGER NOT NULL DEFAULT 0,
			sqrt_price_x96 TEXT NOT NULL DEFAULT '',
			tick INTEGER NOT NULL DEFAULT 0,
			liquidity TEXT NOT NULL DEFAULT '',
			ticks TEXT NOT NULL DEFAULT '{}',
			hooks TEXT NOT NULL DEFAULT '',
			dynamic_fee INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (token0) REFERENCES tokens(address),
			FOREIGN KEY (token1) REFERENCES tokens(address)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pools_tokens ON pools(token0, token1)`,
		`CREATE TABLE IF NOT EXISTS opportunities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch INTEGER NOT NULL,
			start_token TEXT NOT NULL,
			path TEXT NOT NULL,
			hops TEXT NOT NULL,
			input TEXT NOT NULL,
			output TEXT NOT NULL,
			profit TEXT NOT NULL,
			profit_human TEXT NOT NULL,
			weight_sum REAL NOT NULL,
			profit_factor REAL NOT NULL,
			converged INTEGER NOT NULL,
			detected_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_opportunities_batch ON opportunities(batch)`,
		`CREATE TABLE IF NOT EXISTS system_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	log.Debug().Msg("Database migrations completed")
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const upsertTokenSQL = `INSERT INTO tokens (address, symbol, decimals, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(address) DO UPDATE SET symbol = excluded.symbol, decimals = excluded.decimals`

// UpsertToken inserts or updates a token record.
func (s *Store) UpsertToken(ctx context.Context, t token.Token) error {
	_, err := s.db.ExecContext(ctx, upsertTokenSQL, t.Address.Hex(), t.Symbol, t.Decimals, time.Now())
	return err
}

// BulkUpsertTokens inserts or updates multiple token records efficiently.
func (s *Store) BulkUpsertTokens(ctx context.Context, tokens []token.Token) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertTokenSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, t := range tokens {
		if _, err := stmt.ExecContext(ctx, t.Address.Hex(), t.Symbol, t.Decimals, now); err != nil {
			return fmt.Errorf("inserting token %s: %w", t.Address.Hex(), err)
		}
	}

	return tx.Commit()
}

// GetAllTokens retrieves all tokens. wrappedNative sets the derived flag.
func (s *Store) GetAllTokens(ctx context.Context, wrappedNative common.Address) ([]token.Token, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address, symbol, decimals FROM tokens ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("querying tokens: %w", err)
	}
	defer rows.Close()

	var tokens []token.Token
	for rows.Next() {
		var (
			addr     string
			symbol   string
			decimals uint8
		)
		if err := rows.Scan(&addr, &symbol, &decimals); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		tokens = append(tokens, token.New(common.HexToAddress(addr), symbol, decimals, wrappedNative))
	}

	return tokens, rows.Err()
}

const upsertPoolSQL = `INSERT INTO pools (id, venue, address, token0, token1, fee, reserve0, reserve1,
		tick_spacing, sqrt_price_x96, tick, liquidity, ticks, hooks, dynamic_fee, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		fee = excluded.fee,
		reserve0 = excluded.reserve0,
		reserve1 = excluded.reserve1,
		sqrt_price_x96 = excluded.sqrt_price_x96,
		tick = excluded.tick,
		liquidity = excluded.liquidity,
		ticks = excluded.ticks,
		dynamic_fee = excluded.dynamic_fee,
		updated_at = excluded.updated_at`

// UpsertPool inserts or updates a pool descriptor.
func (s *Store) UpsertPool(ctx context.Context, d pool.Descriptor) error {
	args, err := poolArgs(d, time.Now())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, upsertPoolSQL, args...)
	return err
}

// BulkUpsertPools inserts or updates multiple pool descriptors efficiently.
func (s *Store) BulkUpsertPools(ctx context.Context, pools []pool.Descriptor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertPoolSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, d := range pools {
		args, err := poolArgs(d, now)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("inserting pool %s: %w", args[0], err)
		}
	}

	return tx.Commit()
}

func poolArgs(d pool.Descriptor, now time.Time) ([]any, error) {
	id, err := d.ID()
	if err != nil {
		return nil, fmt.Errorf("pool id: %w", err)
	}
	ticks := make(map[string]string, len(d.Ticks))
	for t, net := range d.Ticks {
		ticks[strconv.Itoa(int(t))] = net.String()
	}
	ticksJSON, err := json.Marshal(ticks)
	if err != nil {
		return nil, fmt.Errorf("encoding ticks of %s: %w", id.Hex(), err)
	}

	var address, hooks string
	if d.Venue != pool.VenueV4 {
		address = d.Address.Hex()
	} else {
		hooks = d.Hooks.Hex()
	}

	return []any{
		id.Hex(), d.Venue.String(), address, d.Token0.Hex(), d.Token1.Hex(), d.Fee,
		bigText(d.Reserve0), bigText(d.Reserve1),
		d.TickSpacing, bigText(d.SqrtPriceX96), d.Tick, bigText(d.Liquidity), string(ticksJSON),
		hooks, d.DynamicFee, now, now,
	}, nil
}

// GetAllPools retrieves every stored pool descriptor.
func (s *Store) GetAllPools(ctx context.Context) ([]pool.Descriptor, error) {
	query := `SELECT venue, address, token0, token1, fee, reserve0, reserve1,
			tick_spacing, sqrt_price_x96, tick, liquidity, ticks, hooks, dynamic_fee
		FROM pools ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying pools: %w", err)
	}
	defer rows.Close()

	var pools []pool.Descriptor
	for rows.Next() {
		var (
			venue, address, token0, token1 string
			reserve0, reserve1             string
			sqrtPrice, liquidity, ticks    string
			hooks                          string
			d                              pool.Descriptor
		)
		if err := rows.Scan(&venue, &address, &token0, &token1, &d.Fee, &reserve0, &reserve1,
			&d.TickSpacing, &sqrtPrice, &d.Tick, &liquidity, &ticks, &hooks, &d.DynamicFee); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		if d.Venue, err = pool.ParseVenue(venue); err != nil {
			return nil, err
		}
		if address != "" {
			d.Address = common.HexToAddress(address)
		}
		if hooks != "" {
			d.Hooks = common.HexToAddress(hooks)
		}
		d.Token0 = common.HexToAddress(token0)
		d.Token1 = common.HexToAddress(token1)
		if d.Reserve0, err = parseBig(reserve0); err != nil {
			return nil, err
		}
		if d.Reserve1, err = parseBig(reserve1); err != nil {
			return nil, err
		}
		if d.SqrtPriceX96, err = parseBig(sqrtPrice); err != nil {
			return nil, err
		}
		if d.Liquidity, err = parseBig(liquidity); err != nil {
			return nil, err
		}
		if d.Ticks, err = parseTicks(ticks); err != nil {
			return nil, err
		}
		pools = append(pools, d)
	}

	return pools, rows.Err()
}

// GetPoolCount returns the total number of pools.
func (s *Store) GetPoolCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pools").Scan(&count)
	return count, err
}

// RecordOpportunity appends an opportunity to the journal.
func (s *Store) RecordOpportunity(ctx context.Context, opp *detector.Opportunity) error {
	if len(opp.Tokens) == 0 {
		return fmt.Errorf("opportunity without tokens")
	}

	path := make([]string, len(opp.Tokens))
	for i, t := range opp.Tokens {
		path[i] = t.Address.Hex()
	}
	pathJSON, err := json.Marshal(path)
	if err != nil {
		return fmt.Errorf("encoding path: %w", err)
	}
	hopsJSON, err := json.Marshal(encodeHops(opp.Hops))
	if err != nil {
		return fmt.Errorf("encoding hops: %w", err)
	}

	start := opp.Tokens[0]
	query := `INSERT INTO opportunities (batch, start_token, path, hops, input, output, profit,
			profit_human, weight_sum, profit_factor, converged, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		opp.Batch, start.Address.Hex(), string(pathJSON), string(hopsJSON),
		opp.InputAmount.String(), opp.ExpectedOutput.String(), opp.ExpectedProfit.String(),
		start.Decimal(opp.ExpectedProfit).String(),
		opp.WeightSum, opp.ProfitFactor, opp.Converged, opp.DetectedAt,
	)
	return err
}

type hopJSON struct {
	Pool       string `json:"pool"`
	ZeroForOne bool   `json:"zero_for_one"`
}

func encodeHops(hops []detector.Hop) []hopJSON {
	out := make([]hopJSON, len(hops))
	for i, h := range hops {
		out[i] = hopJSON{Pool: h.Pool.Hex(), ZeroForOne: h.ZeroForOne}
	}
	return out
}

// ListOpportunities returns the most recent journal entries, newest first.
func (s *Store) ListOpportunities(ctx context.Context, limit int) ([]OpportunityRecord, error) {
	query := `SELECT id, batch, start_token, path, hops, input, output, profit, profit_human,
			weight_sum, profit_factor, converged, detected_at
		FROM opportunities
		ORDER BY id DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying opportunities: %w", err)
	}
	defer rows.Close()

	var records []OpportunityRecord
	for rows.Next() {
		var (
			r                     OpportunityRecord
			start, path, hops     string
			input, output, profit string
		)
		if err := rows.Scan(&r.ID, &r.Batch, &start, &path, &hops, &input, &output, &profit,
			&r.ProfitHuman, &r.WeightSum, &r.ProfitFactor, &r.Converged, &r.DetectedAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		r.StartToken = common.HexToAddress(start)

		var addrs []string
		if err := json.Unmarshal([]byte(path), &addrs); err != nil {
			return nil, fmt.Errorf("decoding path of opportunity %d: %w", r.ID, err)
		}
		for _, a := range addrs {
			r.Path = append(r.Path, common.HexToAddress(a))
		}

		var hj []hopJSON
		if err := json.Unmarshal([]byte(hops), &hj); err != nil {
			return nil, fmt.Errorf("decoding hops of opportunity %d: %w", r.ID, err)
		}
		for _, h := range hj {
			r.Hops = append(r.Hops, detector.Hop{Pool: common.HexToHash(h.Pool), ZeroForOne: h.ZeroForOne})
		}

		if r.Input, err = parseBig(input); err != nil {
			return nil, err
		}
		if r.Output, err = parseBig(output); err != nil {
			return nil, err
		}
		if r.Profit, err = parseBig(profit); err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

// SetSystemState stores a key-value pair in system state.
func (s *Store) SetSystemState(ctx context.Context, key, value string) error {
	query := `INSERT INTO system_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query, key, value, time.Now())
	return err
}

// GetSystemState retrieves a value from system state.
func (s *Store) GetSystemState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM system_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func bigText(x *big.Int) string {
	if x == nil {
		return ""
	}
	return x.String()
}

func parseBig(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

func parseTicks(s string) (map[int32]*big.Int, error) {
	var raw map[string]string
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("decoding ticks: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	ticks := make(map[int32]*big.Int, len(raw))
	for k, v := range raw {
		t, err := strconv.ParseInt(k, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid tick %q: %w", k, err)
		}
		net, err := parseBig(v)
		if err != nil {
			return nil, err
		}
		ticks[int32(t)] = net
	}
	return ticks, nil
}
