package pool

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// V3Pool is a concentrated-liquidity pool with a static fee in pips.
type V3Pool struct {
	Address common.Address
	Token0  common.Address
	Token1  common.Address
	Fee     uint32

	Concentrated
	last OrderKey
}

// NewV3 validates and creates a concentrated-liquidity pool.
func NewV3(addr, token0, token1 common.Address, fee uint32, spacing int32,
	liquidity, sqrtPriceX96 *big.Int, tick int32, ticks map[int32]*big.Int) (*V3Pool, error) {
	if token0 == token1 {
		return nil, fmt.Errorf("%w: pool %s trades %s against itself", ErrInvalidPool, addr, token0)
	}
	if fee >= pipsDenominator {
		return nil, fmt.Errorf("%w: pool %s fee %d pips", ErrInvalidPool, addr, fee)
	}
	c, err := newConcentrated(liquidity, sqrtPriceX96, tick, spacing, ticks)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", addr, err)
	}
	return &V3Pool{
		Address:      addr,
		Token0:       token0,
		Token1:       token1,
		Fee:          fee,
		Concentrated: c,
	}, nil
}

func (p *V3Pool) ID() common.Hash {
	return IDFromAddress(p.Address)
}

func (p *V3Pool) LastKey() OrderKey {
	return p.last
}

func (p *V3Pool) feePolicy() feePolicy {
	return feePolicy{kind: feeStatic, static: p.Fee}
}

func (p *V3Pool) FeeFraction() float64 {
	return p.feePolicy().fraction()
}

// AmountOut simulates an exact-input swap across initialized ticks.
func (p *V3Pool) AmountOut(amountIn *big.Int, zeroForOne bool) (*big.Int, error) {
	s, err := p.simulate(amountIn, zeroForOne, p.feePolicy())
	if err != nil {
		return nil, err
	}
	return s.amountOut, nil
}

// MarginalPrice returns the pre-fee spot price implied by the current sqrt price.
func (p *V3Pool) MarginalPrice(zeroForOne bool) float64 {
	return p.marginalPrice(zeroForOne)
}

func (p *V3Pool) MarginalRate(amountIn *big.Int, zeroForOne bool) (float64, error) {
	return p.marginalRate(amountIn, zeroForOne, p.feePolicy())
}

func (p *V3Pool) InputDepth(zeroForOne bool) float64 {
	return p.inputDepth(zeroForOne)
}

// ApplyStateChange applies a swap, mint or burn.
func (p *V3Pool) ApplyStateChange(ev Event) error {
	e, ok := ev.(LiquidityUpdate)
	if !ok {
		return fmt.Errorf("%w: %T does not apply to concentrated pool %s", ErrStateDesync, ev, p.Address.Hex())
	}
	if e.Pool != p.ID() {
		return fmt.Errorf("%w: event for %s applied to pool %s", ErrStateDesync, e.Pool.Hex(), p.Address.Hex())
	}
	if !e.Key.After(p.last) {
		return fmt.Errorf("%w: event %s does not advance pool %s past %s", ErrStateDesync, e.Key, p.Address.Hex(), p.last)
	}

	var err error
	switch e.Kind {
	case KindSwap:
		err = p.applySwap(e)
	case KindMint, KindBurn:
		err = p.applyPosition(e)
	default:
		err = fmt.Errorf("%w: unknown liquidity event %s", ErrStateDesync, e.Kind)
	}
	if err != nil {
		return err
	}
	p.last = e.Key
	return nil
}

func (p *V3Pool) Clone() *V3Pool {
	c := *p
	c.Concentrated = p.Concentrated.clone()
	return &c
}
