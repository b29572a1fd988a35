// Package optimizer sizes the input of an arbitrage cycle.
//
// The search runs Newton-Raphson on the profit function f(x) = out(x) - x using
// float64 derivatives, then re-verifies the rounded answer with the pools' exact
// integer swap math. Only verified amounts are ever returned.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"

	"arbscout/internal/graph"
	"arbscout/internal/pool"
)

var (
	// ErrNoProfitableCycle means no input amount yields more than it costs.
	ErrNoProfitableCycle = errors.New("no profitable input amount")

	// ErrConvergenceFailure means the iteration did not settle on an optimum.
	ErrConvergenceFailure = errors.New("size search did not converge")

	// ErrInvalidConfig is returned by New for unusable settings.
	ErrInvalidConfig = errors.New("invalid optimizer config")
)

// Config controls the Newton iteration.
type Config struct {
	// Tolerance is the relative step size at which the iteration stops. Required.
	Tolerance float64

	MaxIterations    int     // default 50
	FlatLimit        int     // consecutive non-concave iterations allowed, default 3
	CurvatureEpsilon float64 // f'' >= -CurvatureEpsilon counts as flat, default 1e-30
	SeedFraction     float64 // first iterate as a fraction of the first hop's depth, default 1e-4
}

func (c *Config) setDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 50
	}
	if c.FlatLimit == 0 {
		c.FlatLimit = 3
	}
	if c.CurvatureEpsilon == 0 {
		c.CurvatureEpsilon = 1e-30
	}
	if c.SeedFraction == 0 {
		c.SeedFraction = 1e-4
	}
}

func (c *Config) validate() error {
	if !(c.Tolerance > 0) || c.Tolerance >= 1 {
		return fmt.Errorf("%w: tolerance must be in (0, 1), got %g", ErrInvalidConfig, c.Tolerance)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("%w: max iterations must be positive", ErrInvalidConfig)
	}
	if c.FlatLimit < 1 {
		return fmt.Errorf("%w: flat limit must be positive", ErrInvalidConfig)
	}
	if c.CurvatureEpsilon < 0 {
		return fmt.Errorf("%w: curvature epsilon must not be negative", ErrInvalidConfig)
	}
	if !(c.SeedFraction > 0) || c.SeedFraction > 1 {
		return fmt.Errorf("%w: seed fraction must be in (0, 1]", ErrInvalidConfig)
	}
	return nil
}

// Hop is one swap of a sized path.
type Hop struct {
	Pool       pool.Variant
	ZeroForOne bool
}

// HopsFromCycle resolves a cycle's edges to the pools of the snapshot they came from.
func HopsFromCycle(snap *graph.Snapshot, c graph.Cycle) []Hop {
	hops := make([]Hop, len(c.Edges))
	for i, e := range c.Edges {
		hops[i] = Hop{Pool: snap.Pool(e.Pool), ZeroForOne: e.ZeroForOne}
	}
	return hops
}

// Result is a verified sizing: Output is the exact integer result of routing
// Input through every hop.
type Result struct {
	Input      *big.Int
	Output     *big.Int
	Profit     *big.Int
	Amounts    []*big.Int // Amounts[0] = Input, Amounts[len(hops)] = Output
	Iterations int
	Converged  bool
}

// ProfitFactor returns Output/Input.
func (r *Result) ProfitFactor() float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(r.Output), new(big.Float).SetInt(r.Input)).Float64()
	return f
}

// Optimizer sizes cycles. It holds no mutable state and is safe for concurrent use.
type Optimizer struct {
	cfg Config
}

// New validates cfg and creates an optimizer.
func New(cfg Config) (*Optimizer, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Optimizer{cfg: cfg}, nil
}

// Config returns the effective configuration.
func (o *Optimizer) Config() Config {
	return o.cfg
}

// Compose routes amountIn through every hop with exact integer math and
// returns each intermediate amount, starting with amountIn.
func Compose(hops []Hop, amountIn *big.Int) ([]*big.Int, error) {
	amounts := make([]*big.Int, len(hops)+1)
	amounts[0] = new(big.Int).Set(amountIn)
	for i, h := range hops {
		out, err := h.Pool.AmountOut(amounts[i], h.ZeroForOne)
		if err != nil {
			return nil, fmt.Errorf("hop %d (%s): %w", i, h.Pool.Label(), err)
		}
		amounts[i+1] = out
	}
	return amounts, nil
}

// slope returns f'(x) = prod(rate_i) - 1, each rate taken at the amount that
// actually reaches hop i when x is routed exactly.
func slope(hops []Hop, amounts []*big.Int) (float64, error) {
	prod := 1.0
	for i, h := range hops {
		r, err := h.Pool.MarginalRate(amounts[i], h.ZeroForOne)
		if err != nil {
			return 0, err
		}
		prod *= r
	}
	return prod - 1, nil
}

// point is one evaluated iterate.
type point struct {
	x       float64
	in      *big.Int
	amounts []*big.Int
	slope   float64
}

func (p point) profit() *big.Int {
	return new(big.Int).Sub(p.amounts[len(p.amounts)-1], p.in)
}

func evaluate(hops []Hop, x float64) (point, error) {
	in := roundAmount(x)
	amounts, err := Compose(hops, in)
	if err != nil {
		return point{}, err
	}
	d, err := slope(hops, amounts)
	if err != nil {
		return point{}, err
	}
	return point{x: x, in: in, amounts: amounts, slope: d}, nil
}

func roundAmount(x float64) *big.Int {
	if x <= 0 || math.IsNaN(x) {
		return new(big.Int)
	}
	n, _ := new(big.Float).SetFloat64(math.Round(x)).Int(nil)
	return n
}

// Optimize finds the input that maximizes out(x) - x for the path. The path
// is usually a cycle, so input and output are the same token.
//
// If ctx expires mid-search the best verified profitable iterate is returned
// with Converged = false.
func (o *Optimizer) Optimize(ctx context.Context, hops []Hop) (*Result, error) {
	if len(hops) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrNoProfitableCycle)
	}

	origin, err := evaluate(hops, 0)
	if err != nil {
		return nil, noProfitOr(err)
	}
	if origin.slope <= 0 {
		return nil, fmt.Errorf("%w: marginal rate %.6g at zero size", ErrNoProfitableCycle, origin.slope+1)
	}

	var best *point
	consider := func(p point) {
		if p.in.Sign() <= 0 || p.profit().Sign() <= 0 {
			return
		}
		if best == nil || p.profit().Cmp(best.profit()) > 0 {
			cp := p
			best = &cp
		}
	}

	x := math.Max(1, o.cfg.SeedFraction*hops[0].Pool.InputDepth(hops[0].ZeroForOne))
	feasible := 0.0
	flat := 0

	for it := 1; it <= o.cfg.MaxIterations; it++ {
		cur, err := evaluate(hops, x)
		if errors.Is(err, pool.ErrInsufficientLiquidity) {
			// Past the last tick or reserve: back off toward the last amount that routed.
			x = (feasible + x) / 2
			if x < 1 {
				return nil, fmt.Errorf("%w: path cannot route any amount", ErrNoProfitableCycle)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		feasible = x
		consider(cur)

		if ctx.Err() != nil {
			return o.partial(best, it, ctx.Err())
		}

		curvature, err := o.curvature(hops, cur)
		if err != nil {
			return nil, err
		}

		var step float64
		if math.IsNaN(curvature) || curvature >= -o.cfg.CurvatureEpsilon {
			flat++
			if flat >= o.cfg.FlatLimit {
				return nil, fmt.Errorf("%w: %d flat iterations at x=%.6g", ErrConvergenceFailure, flat, x)
			}
			if cur.slope > 0 {
				step = x
			} else {
				step = -x / 2
			}
		} else {
			flat = 0
			step = -cur.slope / curvature
		}

		next := x + step
		if next <= 0 {
			next = x / 2
		}

		if flat == 0 && math.Abs(step) <= o.cfg.Tolerance*math.Max(x, 1) {
			return o.finish(hops, next, cur, it)
		}
		x = next
	}

	return nil, fmt.Errorf("%w: %d iterations", ErrConvergenceFailure, o.cfg.MaxIterations)
}

// curvature estimates f''(x) by a central difference of f', falling back to a
// one-sided difference when x+h cannot be routed.
func (o *Optimizer) curvature(hops []Hop, cur point) (float64, error) {
	h := math.Max(1, cur.x*1e-6)
	lo := math.Max(0, cur.x-h)
	hi := cur.x + h

	below, err := evaluate(hops, lo)
	if err != nil {
		return 0, err
	}
	above, err := evaluate(hops, hi)
	if errors.Is(err, pool.ErrInsufficientLiquidity) {
		if cur.x == lo {
			return math.NaN(), nil
		}
		return (cur.slope - below.slope) / (cur.x - lo), nil
	}
	if err != nil {
		return 0, err
	}
	return (above.slope - below.slope) / (hi - lo), nil
}

// finish verifies the converged iterate with exact math, falling back to the
// last evaluated iterate when rounding the final step loses the profit.
func (o *Optimizer) finish(hops []Hop, x float64, last point, iterations int) (*Result, error) {
	final, err := evaluate(hops, x)
	if err == nil && final.in.Sign() > 0 && final.profit().Sign() > 0 &&
		final.profit().Cmp(last.profit()) >= 0 {
		return newResult(final, iterations, true), nil
	}
	if last.in.Sign() > 0 && last.profit().Sign() > 0 {
		return newResult(last, iterations, true), nil
	}
	return nil, fmt.Errorf("%w: optimum %s returns %s", ErrNoProfitableCycle, last.in, last.amounts[len(last.amounts)-1])
}

func (o *Optimizer) partial(best *point, iterations int, cause error) (*Result, error) {
	if best == nil {
		return nil, fmt.Errorf("%w: %v before a profitable amount was found", ErrNoProfitableCycle, cause)
	}
	return newResult(*best, iterations, false), nil
}

func newResult(p point, iterations int, converged bool) *Result {
	out := p.amounts[len(p.amounts)-1]
	return &Result{
		Input:      p.in,
		Output:     out,
		Profit:     new(big.Int).Sub(out, p.in),
		Amounts:    p.amounts,
		Iterations: iterations,
		Converged:  converged,
	}
}

func noProfitOr(err error) error {
	if errors.Is(err, pool.ErrInsufficientLiquidity) {
		return fmt.Errorf("%w: %v", ErrNoProfitableCycle, err)
	}
	return err
}
