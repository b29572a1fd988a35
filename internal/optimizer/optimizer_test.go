package optimizer

import (
	"context"
	"math/big"
	"testing"

	"arbscout/internal/pool"
	"arbscout/internal/pool/clmath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tokA = common.HexToAddress("0x000000000000000000000000000000000000000a")
	tokB = common.HexToAddress("0x000000000000000000000000000000000000000b")
)

func exp10(m int64, e int) *big.Int {
	return new(big.Int).Mul(big.NewInt(m), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(e)), nil))
}

func v2Hop(t *testing.T, addr int64, r0, r1 *big.Int, zeroForOne bool) Hop {
	t.Helper()
	p, err := pool.NewV2(common.BigToAddress(big.NewInt(addr)), tokA, tokB, r0, r1, 30)
	require.NoError(t, err)
	return Hop{Pool: pool.FromV2(p), ZeroForOne: zeroForOne}
}

// twoPoolCycle buys B at 2000 per A and sells it back at 1900 per A.
func twoPoolCycle(t *testing.T) []Hop {
	return []Hop{
		v2Hop(t, 1, exp10(1000, 18), exp10(2_000_000, 6), true),
		v2Hop(t, 2, exp10(1000, 18), exp10(1_900_000, 6), false),
	}
}

func newOptimizer(t *testing.T, cfg Config) *Optimizer {
	t.Helper()
	o, err := New(cfg)
	require.NoError(t, err)
	return o
}

// gridSearch refines a 1000-point grid around the best profit until the step is one unit.
func gridSearch(t *testing.T, hops []Hop, hi *big.Int) (*big.Int, *big.Int) {
	t.Helper()
	lo := big.NewInt(0)
	hi = new(big.Int).Set(hi)
	n := big.NewInt(1000)
	for {
		step := new(big.Int).Quo(new(big.Int).Sub(hi, lo), n)
		if step.Sign() == 0 {
			step.SetInt64(1)
		}
		var bestX, bestP *big.Int
		for x := new(big.Int).Set(lo); x.Cmp(hi) <= 0; x = new(big.Int).Add(x, step) {
			amounts, err := Compose(hops, x)
			if err != nil {
				continue
			}
			p := new(big.Int).Sub(amounts[len(amounts)-1], x)
			if bestP == nil || p.Cmp(bestP) > 0 {
				bestX, bestP = x, p
			}
		}
		require.NotNil(t, bestX)
		if step.Cmp(big.NewInt(1)) == 0 {
			return bestX, bestP
		}
		lo = new(big.Int).Sub(bestX, step)
		if lo.Sign() < 0 {
			lo.SetInt64(0)
		}
		hi = new(big.Int).Add(bestX, step)
	}
}

func relDiff(a, b *big.Int) float64 {
	d := new(big.Float).SetInt(new(big.Int).Abs(new(big.Int).Sub(a, b)))
	f, _ := d.Quo(d, new(big.Float).SetInt(b)).Float64()
	return f
}

func TestOptimizeMatchesGridSearch(t *testing.T) {
	hops := twoPoolCycle(t)
	o := newOptimizer(t, Config{Tolerance: 1e-9})

	res, err := o.Optimize(context.Background(), hops)
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Positive(t, res.Profit.Sign())
	assert.Len(t, res.Amounts, 3)

	// The result is exact: re-routing the input gives the same output.
	amounts, err := Compose(hops, res.Input)
	require.NoError(t, err)
	assert.Equal(t, res.Output.String(), amounts[2].String())
	assert.Equal(t, new(big.Int).Sub(res.Output, res.Input).String(), res.Profit.String())

	gridX, gridP := gridSearch(t, hops, exp10(1000, 18))
	assert.Less(t, relDiff(res.Profit, gridP), 1e-4)
	assert.Less(t, relDiff(res.Input, gridX), 1e-4)
	assert.Greater(t, res.ProfitFactor(), 1.0)
}

func TestOptimizeConcentratedAndConstantProduct(t *testing.T) {
	ticks := map[int32]*big.Int{
		-120: exp10(1, 18),
		-60:  exp10(1, 18),
		60:   exp10(-1, 18),
		120:  exp10(-1, 18),
	}
	v3, err := pool.NewV3(common.HexToAddress("0xc3"), tokA, tokB, 500, 60, exp10(2, 18), clmath.Q96, 0, ticks)
	require.NoError(t, err)
	// Sells B back for A at 1.005.
	v2, err := pool.NewV2(common.HexToAddress("0xa2"), tokA, tokB, exp10(1005, 21), exp10(1, 24), 30)
	require.NoError(t, err)

	hops := []Hop{
		{Pool: pool.FromV3(v3), ZeroForOne: true},
		{Pool: pool.FromV2(v2), ZeroForOne: false},
	}
	o := newOptimizer(t, Config{Tolerance: 1e-9})

	res, err := o.Optimize(context.Background(), hops)
	require.NoError(t, err)
	assert.True(t, res.Converged)

	_, gridP := gridSearch(t, hops, exp10(9, 15))
	assert.Less(t, relDiff(res.Profit, gridP), 1e-4)
}

func TestOptimizeNoProfit(t *testing.T) {
	hops := []Hop{
		v2Hop(t, 1, exp10(1000, 18), exp10(2_000_000, 6), true),
		v2Hop(t, 2, exp10(1000, 18), exp10(2_000_000, 6), false),
	}
	o := newOptimizer(t, Config{Tolerance: 1e-9})

	_, err := o.Optimize(context.Background(), hops)
	require.ErrorIs(t, err, ErrNoProfitableCycle)

	_, err = o.Optimize(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoProfitableCycle)
}

func TestOptimizeIterationCap(t *testing.T) {
	o := newOptimizer(t, Config{Tolerance: 1e-9, MaxIterations: 1})

	_, err := o.Optimize(context.Background(), twoPoolCycle(t))
	require.ErrorIs(t, err, ErrConvergenceFailure)
}

func TestOptimizeCancelledReturnsBestSoFar(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := newOptimizer(t, Config{Tolerance: 1e-9})
	res, err := o.Optimize(ctx, twoPoolCycle(t))
	require.NoError(t, err)
	assert.False(t, res.Converged)
	assert.Positive(t, res.Profit.Sign())
	// The seed: 1e-4 of the first pool's input reserve.
	assert.Equal(t, exp10(1, 17).String(), res.Input.String())
}

func TestOptimizeCancelledWithoutProfit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Profitable at the margin, but the seed is far past the optimum.
	o := newOptimizer(t, Config{Tolerance: 1e-9, SeedFraction: 0.5})
	_, err := o.Optimize(ctx, twoPoolCycle(t))
	require.ErrorIs(t, err, ErrNoProfitableCycle)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Tolerance: 1e-6, SeedFraction: 2})
	require.ErrorIs(t, err, ErrInvalidConfig)

	o, err := New(Config{Tolerance: 1e-6})
	require.NoError(t, err)
	cfg := o.Config()
	assert.Equal(t, 50, cfg.MaxIterations)
	assert.Equal(t, 3, cfg.FlatLimit)
	assert.Equal(t, 1e-4, cfg.SeedFraction)
}

func TestComposeReportsFailingHop(t *testing.T) {
	hops := []Hop{
		v2Hop(t, 1, exp10(1000, 18), exp10(2_000_000, 6), true),
		v2Hop(t, 2, big.NewInt(0), big.NewInt(0), false),
	}
	_, err := Compose(hops, exp10(1, 18))
	require.ErrorIs(t, err, pool.ErrInsufficientLiquidity)
	assert.Contains(t, err.Error(), "hop 1")
}

func BenchmarkOptimize(b *testing.B) {
	p1, _ := pool.NewV2(common.BigToAddress(big.NewInt(1)), tokA, tokB, exp10(1000, 18), exp10(2_000_000, 6), 30)
	p2, _ := pool.NewV2(common.BigToAddress(big.NewInt(2)), tokA, tokB, exp10(1000, 18), exp10(1_900_000, 6), 30)
	hops := []Hop{{Pool: pool.FromV2(p1), ZeroForOne: true}, {Pool: pool.FromV2(p2), ZeroForOne: false}}
	o, _ := New(Config{Tolerance: 1e-9})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := o.Optimize(context.Background(), hops); err != nil {
			b.Fatal(err)
		}
	}
}
