// Package replay reads decoded pool events from a JSON-lines log and feeds
// them to the engine one block at a time.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"

	"arbscout/internal/pool"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrMalformed is returned for a line that does not describe a valid event.
var ErrMalformed = errors.New("malformed event")

// Line types.
const (
	TypeReserves = "reserves"
	TypeSwap     = "swap"
	TypeMint     = "mint"
	TypeBurn     = "burn"
)

const maxLineSize = 1 << 20

// Record is one line of the event log. Big integers are decimal strings.
type Record struct {
	Type     string `json:"type"`
	Pool     string `json:"pool"` // pair or pool address, or a 32-byte V4 pool id
	Block    uint64 `json:"block"`
	LogIndex uint   `json:"log_index"`

	Reserve0 string `json:"reserve0,omitempty"`
	Reserve1 string `json:"reserve1,omitempty"`

	SqrtPriceX96 string `json:"sqrt_price_x96,omitempty"`
	Liquidity    string `json:"liquidity,omitempty"`
	Tick         int32  `json:"tick,omitempty"`
	Fee          uint32 `json:"fee,omitempty"`

	Amount    string `json:"amount,omitempty"`
	TickLower int32  `json:"tick_lower,omitempty"`
	TickUpper int32  `json:"tick_upper,omitempty"`
}

// Decode converts r to a pool event.
func Decode(r Record) (pool.Event, error) {
	id, err := parsePoolID(r.Pool)
	if err != nil {
		return nil, err
	}
	key := pool.OrderKey{Block: r.Block, LogIndex: r.LogIndex}

	switch r.Type {
	case TypeReserves:
		r0, err := parseUint(r.Reserve0, "reserve0")
		if err != nil {
			return nil, err
		}
		r1, err := parseUint(r.Reserve1, "reserve1")
		if err != nil {
			return nil, err
		}
		return pool.ReserveUpdate{Pool: id, Key: key, Reserve0: r0, Reserve1: r1}, nil

	case TypeSwap:
		sqrtP, err := parseUint(r.SqrtPriceX96, "sqrt_price_x96")
		if err != nil {
			return nil, err
		}
		liq, err := parseUint(r.Liquidity, "liquidity")
		if err != nil {
			return nil, err
		}
		return pool.LiquidityUpdate{
			Pool:         id,
			Key:          key,
			Kind:         pool.KindSwap,
			SqrtPriceX96: sqrtP,
			Liquidity:    liq,
			Tick:         r.Tick,
			Fee:          r.Fee,
		}, nil

	case TypeMint, TypeBurn:
		amount, err := parseUint(r.Amount, "amount")
		if err != nil {
			return nil, err
		}
		kind := pool.KindMint
		if r.Type == TypeBurn {
			kind = pool.KindBurn
		}
		return pool.LiquidityUpdate{
			Pool:           id,
			Key:            key,
			Kind:           kind,
			LiquidityDelta: amount,
			TickLower:      r.TickLower,
			TickUpper:      r.TickUpper,
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, r.Type)
	}
}

// Encode converts ev back to its log line.
func Encode(ev pool.Event) Record {
	r := Record{
		Pool:     ev.PoolID().Hex(),
		Block:    ev.Ordering().Block,
		LogIndex: ev.Ordering().LogIndex,
	}
	switch e := ev.(type) {
	case pool.ReserveUpdate:
		r.Type = TypeReserves
		r.Reserve0 = e.Reserve0.String()
		r.Reserve1 = e.Reserve1.String()
	case pool.LiquidityUpdate:
		switch e.Kind {
		case pool.KindSwap:
			r.Type = TypeSwap
			r.SqrtPriceX96 = e.SqrtPriceX96.String()
			r.Liquidity = e.Liquidity.String()
			r.Tick = e.Tick
			r.Fee = e.Fee
		case pool.KindMint, pool.KindBurn:
			r.Type = e.Kind.String()
			r.Amount = e.LiquidityDelta.String()
			r.TickLower = e.TickLower
			r.TickUpper = e.TickUpper
		}
	}
	return r
}

// parsePoolID accepts a 20-byte address or a 32-byte pool id.
func parsePoolID(s string) (common.Hash, error) {
	if common.IsHexAddress(s) {
		return pool.IDFromAddress(common.HexToAddress(s)), nil
	}
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: pool %q is neither an address nor a pool id", ErrMalformed, s)
	}
	return common.BytesToHash(b), nil
}

func parseUint(s, field string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformed, field)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s %q is not a non-negative integer", ErrMalformed, field, s)
	}
	return n, nil
}

// ParseOrderKey parses the "block:log" form written by OrderKey.String.
func ParseOrderKey(s string) (pool.OrderKey, error) {
	block, idx, ok := strings.Cut(s, ":")
	if !ok {
		return pool.OrderKey{}, fmt.Errorf("order key %q: missing separator", s)
	}
	b, err := strconv.ParseUint(block, 10, 64)
	if err != nil {
		return pool.OrderKey{}, fmt.Errorf("order key %q: %w", s, err)
	}
	i, err := strconv.ParseUint(idx, 10, 0)
	if err != nil {
		return pool.OrderKey{}, fmt.Errorf("order key %q: %w", s, err)
	}
	return pool.OrderKey{Block: b, LogIndex: uint(i)}, nil
}

// Reader reads events from a log. Malformed lines are logged and skipped.
type Reader struct {
	scanner *bufio.Scanner
	line    int
	skipped int

	peeked pool.Event
}

// NewReader creates a reader over r.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Reader{scanner: scanner}
}

// Skipped returns the number of malformed lines skipped so far.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Next returns the next valid event, or io.EOF.
func (r *Reader) Next() (pool.Event, error) {
	if r.peeked != nil {
		ev := r.peeked
		r.peeked = nil
		return ev, nil
	}

	for r.scanner.Scan() {
		r.line++
		text := strings.TrimSpace(r.scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			r.skip(fmt.Errorf("%w: %v", ErrMalformed, err))
			continue
		}
		ev, err := Decode(rec)
		if err != nil {
			r.skip(err)
			continue
		}
		return ev, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading line %d: %w", r.line+1, err)
	}
	return nil, io.EOF
}

func (r *Reader) skip(err error) {
	r.skipped++
	log.Warn().Err(err).Int("line", r.line).Msg("Skipping malformed event")
}

// NextBlock returns all consecutive events of the next block, or io.EOF.
func (r *Reader) NextBlock() (uint64, []pool.Event, error) {
	first, err := r.Next()
	if err != nil {
		return 0, nil, err
	}
	block := first.Ordering().Block
	events := []pool.Event{first}

	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return block, events, nil
		}
		if err != nil {
			return block, events, err
		}
		if ev.Ordering().Block != block {
			r.peeked = ev
			return block, events, nil
		}
		events = append(events, ev)
	}
}

// Writer appends events to a log.
type Writer struct {
	enc *json.Encoder
}

// NewWriter creates a writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

// Write appends one event.
func (w *Writer) Write(ev pool.Event) error {
	return w.enc.Encode(Encode(ev))
}

// ApplyFunc applies one block of events as batch seq.
type ApplyFunc func(seq uint64, events []pool.Event) error

// Stats summarizes a replay.
type Stats struct {
	Blocks  int
	Events  int
	Skipped int // malformed lines
	Stale   int // events at or before the resume key
	Last    pool.OrderKey
}

// Options controls Run.
type Options struct {
	// After drops events at or before this key so a replay can resume.
	After pool.OrderKey
	// BlocksPerSecond paces the replay. Zero applies blocks as fast as possible.
	BlocksPerSecond float64
}

// Run feeds every block of r to apply, using the block number as the batch
// sequence.
func Run(ctx context.Context, r *Reader, opts Options, apply ApplyFunc) (Stats, error) {
	var limiter *rate.Limiter
	if opts.BlocksPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.BlocksPerSecond), 1)
	}

	var stats Stats
	for {
		if err := ctx.Err(); err != nil {
			stats.Skipped = r.Skipped()
			return stats, err
		}

		block, events, err := r.NextBlock()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			stats.Skipped = r.Skipped()
			return stats, err
		}

		fresh := events[:0]
		for _, ev := range events {
			if ev.Ordering().After(opts.After) {
				fresh = append(fresh, ev)
			} else {
				stats.Stale++
			}
		}
		if len(fresh) == 0 {
			continue
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				stats.Skipped = r.Skipped()
				return stats, err
			}
		}

		if err := apply(block, fresh); err != nil {
			stats.Skipped = r.Skipped()
			return stats, fmt.Errorf("applying block %d: %w", block, err)
		}
		stats.Blocks++
		stats.Events += len(fresh)
		stats.Last = fresh[len(fresh)-1].Ordering()

		log.Debug().
			Uint64("block", block).
			Int("events", len(fresh)).
			Msg("Replayed block")
	}
	stats.Skipped = r.Skipped()
	return stats, nil
}
