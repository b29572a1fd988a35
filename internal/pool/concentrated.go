package pool

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"arbscout/internal/pool/clmath"
)

const pipsDenominator = 1_000_000

// Concentrated is the state shared by tick-based pools.
//
// The tick map and its sorted index are never modified in place: mint and burn
// install fresh copies, so a cloned pool may share them with its source.
type Concentrated struct {
	Liquidity    *big.Int
	SqrtPriceX96 *big.Int
	Tick         int32
	TickSpacing  int32

	ticks       map[int32]*big.Int // tick -> liquidityNet, initialized ticks only
	initialized []int32            // sorted keys of ticks
}

func newConcentrated(liquidity, sqrtPriceX96 *big.Int, tick, spacing int32, ticks map[int32]*big.Int) (Concentrated, error) {
	if spacing <= 0 {
		return Concentrated{}, fmt.Errorf("%w: tick spacing %d", ErrInvalidPool, spacing)
	}
	if liquidity == nil || liquidity.Sign() < 0 {
		return Concentrated{}, fmt.Errorf("%w: negative or missing liquidity", ErrInvalidPool)
	}
	if liquidity.Cmp(clmath.MaxUint128) > 0 {
		return Concentrated{}, fmt.Errorf("%w: liquidity exceeds uint128", ErrArithmeticOverflow)
	}
	if err := checkPriceTick(sqrtPriceX96, tick); err != nil {
		return Concentrated{}, err
	}

	c := Concentrated{
		Liquidity:    new(big.Int).Set(liquidity),
		SqrtPriceX96: new(big.Int).Set(sqrtPriceX96),
		Tick:         tick,
		TickSpacing:  spacing,
		ticks:        make(map[int32]*big.Int, len(ticks)),
	}
	for t, net := range ticks {
		if t < clmath.MinTick || t > clmath.MaxTick || t%spacing != 0 {
			return Concentrated{}, fmt.Errorf("%w: tick %d is not usable with spacing %d", ErrInvalidPool, t, spacing)
		}
		if net == nil || net.Sign() == 0 {
			continue
		}
		c.ticks[t] = new(big.Int).Set(net)
	}
	c.initialized = sortedTicks(c.ticks)
	if err := checkTickNets(c.ticks, c.initialized, c.Tick, c.Liquidity); err != nil {
		return Concentrated{}, fmt.Errorf("%w: %v", ErrInvalidPool, err)
	}
	return c, nil
}

// checkTickNets verifies the tick map against the active liquidity: running
// through the initialized ticks in order keeps liquidity within uint128, the
// nets cancel out, and the nets at or below tick add up to liquidity.
func checkTickNets(ticks map[int32]*big.Int, initialized []int32, tick int32, liquidity *big.Int) error {
	sum := new(big.Int)
	var active *big.Int
	for _, t := range initialized {
		if active == nil && t > tick {
			active = new(big.Int).Set(sum)
		}
		sum.Add(sum, ticks[t])
		if sum.Sign() < 0 || sum.Cmp(clmath.MaxUint128) > 0 {
			return fmt.Errorf("liquidity leaves the uint128 range at tick %d", t)
		}
	}
	if sum.Sign() != 0 {
		return fmt.Errorf("tick nets sum to %s instead of zero", sum)
	}
	if active == nil {
		active = sum
	}
	if active.Cmp(liquidity) != 0 {
		return fmt.Errorf("active liquidity %s but ticks at or below %d hold %s", liquidity, tick, active)
	}
	return nil
}

// checkPriceTick enforces SqrtRatioAtTick(tick) <= sqrtPrice <= SqrtRatioAtTick(tick+1).
// The upper bound is inclusive: after crossing down onto a boundary the pool sits
// at tick-1 with the boundary price.
func checkPriceTick(sqrtPriceX96 *big.Int, tick int32) error {
	if sqrtPriceX96 == nil || sqrtPriceX96.Cmp(clmath.MinSqrtRatio) < 0 || sqrtPriceX96.Cmp(clmath.MaxSqrtRatio) >= 0 {
		return fmt.Errorf("%w: sqrt price out of range", ErrArithmeticOverflow)
	}
	if tick < clmath.MinTick || tick >= clmath.MaxTick {
		return fmt.Errorf("%w: tick %d out of range", ErrArithmeticOverflow, tick)
	}
	lower, err := clmath.SqrtRatioAtTick(tick)
	if err != nil {
		return err
	}
	upper, err := clmath.SqrtRatioAtTick(tick + 1)
	if err != nil {
		return err
	}
	if sqrtPriceX96.Cmp(lower) < 0 || sqrtPriceX96.Cmp(upper) > 0 {
		return fmt.Errorf("%w: sqrt price %s inconsistent with tick %d", ErrStateDesync, sqrtPriceX96, tick)
	}
	return nil
}

func sortedTicks(ticks map[int32]*big.Int) []int32 {
	keys := make([]int32, 0, len(ticks))
	for t := range ticks {
		keys = append(keys, t)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// TickNet returns the net liquidity stored at tick, or nil if uninitialized.
func (c *Concentrated) TickNet(tick int32) *big.Int {
	if net, ok := c.ticks[tick]; ok {
		return new(big.Int).Set(net)
	}
	return nil
}

// InitializedTicks returns the initialized ticks in ascending order.
func (c *Concentrated) InitializedTicks() []int32 {
	out := make([]int32, len(c.initialized))
	copy(out, c.initialized)
	return out
}

// nextInitializedTick returns the largest initialized tick <= tick when moving
// down, or the smallest initialized tick > tick when moving up.
func (c *Concentrated) nextInitializedTick(tick int32, zeroForOne bool) (int32, bool) {
	i := sort.Search(len(c.initialized), func(i int) bool { return c.initialized[i] > tick })
	if zeroForOne {
		if i == 0 {
			return 0, false
		}
		return c.initialized[i-1], true
	}
	if i == len(c.initialized) {
		return 0, false
	}
	return c.initialized[i], true
}

// Price bounds a swap may move to when no initialized tick lies ahead.
var (
	minPriceLimit = new(big.Int).Add(clmath.MinSqrtRatio, big.NewInt(1))
	maxPriceLimit = new(big.Int).Sub(clmath.MaxSqrtRatio, big.NewInt(1))
)

// marginalPrice is the spot price, or zero for a pool that holds no
// liquidity in any range.
func (c *Concentrated) marginalPrice(zeroForOne bool) float64 {
	if c.Liquidity.Sign() == 0 && len(c.initialized) == 0 {
		return 0
	}
	return spotPrice(c.SqrtPriceX96, zeroForOne)
}

// spotPrice returns the token-out-per-token-in price at sqrtPriceX96.
func spotPrice(sqrtPriceX96 *big.Int, zeroForOne bool) float64 {
	p := clmath.PriceFromSqrt(sqrtPriceX96)
	if zeroForOne || p == 0 {
		return p
	}
	return 1 / p
}

// swapResult is the pool state reached by a simulated exact-input swap.
type swapResult struct {
	amountOut    *big.Int
	sqrtPriceX96 *big.Int
	tick         int32
	liquidity    *big.Int
	crossed      int
}

// simulate runs an exact-input swap against a copy of the state, stepping
// across initialized ticks until the input is used up. Past the last
// initialized tick the swap continues toward the price limit and fails only
// if it gets there with input left.
func (c *Concentrated) simulate(amountIn *big.Int, zeroForOne bool, fee feePolicy) (swapResult, error) {
	if amountIn == nil || amountIn.Sign() < 0 {
		return swapResult{}, ErrInvalidAmount
	}
	if amountIn.BitLen() > 255 {
		return swapResult{}, ErrArithmeticOverflow
	}

	remaining := new(big.Int).Set(amountIn)
	s := swapResult{
		amountOut:    new(big.Int),
		sqrtPriceX96: c.SqrtPriceX96,
		tick:         c.Tick,
		liquidity:    c.Liquidity,
	}

	for remaining.Sign() > 0 {
		next, ok := c.nextInitializedTick(s.tick, zeroForOne)
		target := maxPriceLimit
		if zeroForOne {
			target = minPriceLimit
		}
		if ok {
			var err error
			if target, err = clmath.SqrtRatioAtTick(next); err != nil {
				return s, err
			}
		}

		step, err := clmath.ComputeSwapStep(s.sqrtPriceX96, target, s.liquidity, remaining, fee.pips())
		if err != nil {
			return s, err
		}
		remaining.Sub(remaining, step.AmountIn)
		remaining.Sub(remaining, step.FeeAmount)
		s.amountOut.Add(s.amountOut, step.AmountOut)
		s.sqrtPriceX96 = step.SqrtNext

		reached := step.SqrtNext.Cmp(target) == 0
		if reached && !ok && remaining.Sign() > 0 {
			return s, fmt.Errorf("%w: no liquidity left beyond tick %d", ErrInsufficientLiquidity, s.tick)
		}
		if reached && ok {
			net := c.ticks[next]
			if zeroForOne {
				net = new(big.Int).Neg(net)
			}
			liquidity, err := clmath.AddDelta(s.liquidity, net)
			if err != nil {
				return s, fmt.Errorf("%w: crossing tick %d: %v", ErrInsufficientLiquidity, next, err)
			}
			s.liquidity = liquidity
			s.crossed++
			if zeroForOne {
				s.tick = next - 1
			} else {
				s.tick = next
			}
			continue
		}

		tick, err := clmath.TickAtSqrtRatio(s.sqrtPriceX96)
		if err != nil {
			return s, err
		}
		s.tick = tick
	}
	return s, nil
}

// marginalRate returns d(out)/d(in) after swapping amountIn: the post-fee spot
// price at the state the swap reaches.
func (c *Concentrated) marginalRate(amountIn *big.Int, zeroForOne bool, fee feePolicy) (float64, error) {
	s, err := c.simulate(amountIn, zeroForOne, fee)
	if err != nil {
		return 0, err
	}
	return spotPrice(s.sqrtPriceX96, zeroForOne) * (1 - fee.fraction()), nil
}

// inputDepth returns the virtual reserve of the input token in the active range.
func (c *Concentrated) inputDepth(zeroForOne bool) float64 {
	p := clmath.PriceFromSqrt(c.SqrtPriceX96)
	if p == 0 {
		return 0
	}
	l := toFloat(c.Liquidity)
	sqrtP := toFloat(c.SqrtPriceX96) / toFloat(clmath.Q96)
	if zeroForOne {
		return l / sqrtP
	}
	return l * sqrtP
}

// applySwap installs the post-swap price, tick and active liquidity.
func (c *Concentrated) applySwap(e LiquidityUpdate) error {
	if e.Liquidity == nil || e.Liquidity.Sign() < 0 {
		return fmt.Errorf("%w: swap without liquidity", ErrStateDesync)
	}
	if e.Liquidity.Cmp(clmath.MaxUint128) > 0 {
		return fmt.Errorf("%w: liquidity exceeds uint128", ErrArithmeticOverflow)
	}
	if err := checkPriceTick(e.SqrtPriceX96, e.Tick); err != nil {
		return err
	}
	if err := checkTickNets(c.ticks, c.initialized, e.Tick, e.Liquidity); err != nil {
		return fmt.Errorf("%w: swap %v", ErrStateDesync, err)
	}
	c.Liquidity = new(big.Int).Set(e.Liquidity)
	c.SqrtPriceX96 = new(big.Int).Set(e.SqrtPriceX96)
	c.Tick = e.Tick
	return nil
}

// applyPosition adds (mint) or removes (burn) LiquidityDelta on [TickLower, TickUpper).
func (c *Concentrated) applyPosition(e LiquidityUpdate) error {
	if e.LiquidityDelta == nil || e.LiquidityDelta.Sign() <= 0 {
		return fmt.Errorf("%w: %s without a positive liquidity delta", ErrStateDesync, e.Kind)
	}
	if e.TickLower >= e.TickUpper {
		return fmt.Errorf("%w: empty position [%d, %d)", ErrStateDesync, e.TickLower, e.TickUpper)
	}
	if e.TickLower < clmath.MinTick || e.TickUpper > clmath.MaxTick ||
		e.TickLower%c.TickSpacing != 0 || e.TickUpper%c.TickSpacing != 0 {
		return fmt.Errorf("%w: position [%d, %d) not aligned to spacing %d", ErrStateDesync, e.TickLower, e.TickUpper, c.TickSpacing)
	}

	delta := new(big.Int).Set(e.LiquidityDelta)
	if e.Kind == KindBurn {
		delta.Neg(delta)
	}

	ticks := make(map[int32]*big.Int, len(c.ticks)+2)
	for t, net := range c.ticks {
		ticks[t] = net
	}
	if err := addTickNet(ticks, e.TickLower, delta); err != nil {
		return err
	}
	if err := addTickNet(ticks, e.TickUpper, new(big.Int).Neg(delta)); err != nil {
		return err
	}

	liquidity := c.Liquidity
	if e.TickLower <= c.Tick && c.Tick < e.TickUpper {
		var err error
		liquidity, err = clmath.AddDelta(c.Liquidity, delta)
		if errors.Is(err, clmath.ErrLiquidityOverflow) {
			return fmt.Errorf("%w: active liquidity exceeds uint128", ErrArithmeticOverflow)
		}
		if err != nil {
			return fmt.Errorf("%w: burn exceeds active liquidity", ErrStateDesync)
		}
	}

	initialized := sortedTicks(ticks)
	if err := checkTickNets(ticks, initialized, c.Tick, liquidity); err != nil {
		return fmt.Errorf("%w: %s %v", ErrStateDesync, e.Kind, err)
	}

	c.ticks = ticks
	c.initialized = initialized
	c.Liquidity = liquidity
	return nil
}

// addTickNet adds delta to the net liquidity at tick; a tick whose net drops to
// zero has no effect on swaps and is removed.
func addTickNet(ticks map[int32]*big.Int, tick int32, delta *big.Int) error {
	net := new(big.Int).Add(delta, zeroIfNil(ticks[tick]))
	if net.CmpAbs(clmath.MaxUint128) > 0 {
		return fmt.Errorf("%w: net liquidity at tick %d exceeds uint128", ErrArithmeticOverflow, tick)
	}
	if net.Sign() == 0 {
		delete(ticks, tick)
		return nil
	}
	ticks[tick] = net
	return nil
}

func zeroIfNil(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}

// clone copies the mutable scalars; the tick map is shared (see Concentrated).
func (c Concentrated) clone() Concentrated {
	c.Liquidity = new(big.Int).Set(c.Liquidity)
	c.SqrtPriceX96 = new(big.Int).Set(c.SqrtPriceX96)
	return c
}

type feeKind uint8

const (
	feeStatic feeKind = iota
	feeDynamic
)

// feePolicy resolves the LP fee (in pips) charged on each swap step.
type feePolicy struct {
	kind    feeKind
	static  uint32
	dynamic uint32
}

func (f feePolicy) pips() uint32 {
	switch f.kind {
	case feeStatic:
		return f.static
	case feeDynamic:
		return f.dynamic
	default:
		panic(fmt.Sprintf("pool: unknown fee kind %d", f.kind))
	}
}

func (f feePolicy) fraction() float64 {
	return float64(f.pips()) / pipsDenominator
}
