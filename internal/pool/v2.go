package pool

import (
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const bpsDenominator = 10_000

// maxUint112 bounds constant-product reserves (they are packed into uint112 slots).
var maxUint112 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 112), big.NewInt(1))

// V2Pool is a constant-product pool with a fee in basis points.
type V2Pool struct {
	Address  common.Address
	Token0   common.Address
	Token1   common.Address
	Reserve0 *big.Int
	Reserve1 *big.Int
	FeeBps   uint32

	last OrderKey
}

// NewV2 validates and creates a constant-product pool.
func NewV2(addr, token0, token1 common.Address, reserve0, reserve1 *big.Int, feeBps uint32) (*V2Pool, error) {
	if token0 == token1 {
		return nil, fmt.Errorf("%w: pool %s trades %s against itself", ErrInvalidPool, addr, token0)
	}
	if feeBps >= bpsDenominator {
		return nil, fmt.Errorf("%w: pool %s fee %d bps", ErrInvalidPool, addr, feeBps)
	}
	if err := checkReserves(reserve0, reserve1); err != nil {
		return nil, fmt.Errorf("pool %s: %w", addr, err)
	}
	return &V2Pool{
		Address:  addr,
		Token0:   token0,
		Token1:   token1,
		Reserve0: new(big.Int).Set(reserve0),
		Reserve1: new(big.Int).Set(reserve1),
		FeeBps:   feeBps,
	}, nil
}

func checkReserves(reserve0, reserve1 *big.Int) error {
	if reserve0 == nil || reserve1 == nil || reserve0.Sign() < 0 || reserve1.Sign() < 0 {
		return fmt.Errorf("%w: negative or missing reserves", ErrStateDesync)
	}
	if reserve0.Cmp(maxUint112) > 0 || reserve1.Cmp(maxUint112) > 0 {
		return fmt.Errorf("%w: reserves exceed uint112", ErrArithmeticOverflow)
	}
	return nil
}

// ID returns the pool identifier derived from the pool address.
func (p *V2Pool) ID() common.Hash {
	return IDFromAddress(p.Address)
}

// LastKey returns the ordering key of the last applied event.
func (p *V2Pool) LastKey() OrderKey {
	return p.last
}

func (p *V2Pool) reserves(zeroForOne bool) (in, out *big.Int) {
	if zeroForOne {
		return p.Reserve0, p.Reserve1
	}
	return p.Reserve1, p.Reserve0
}

// FeeFraction returns the fee as a fraction of the input.
func (p *V2Pool) FeeFraction() float64 {
	return float64(p.FeeBps) / bpsDenominator
}

// AmountOut returns the exact output for amountIn:
// amountIn*(10000-fee)*reserveOut / (reserveIn*10000 + amountIn*(10000-fee)).
func (p *V2Pool) AmountOut(amountIn *big.Int, zeroForOne bool) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	reserveIn, reserveOut := p.reserves(zeroForOne)
	if reserveIn.Sign() == 0 || reserveOut.Sign() == 0 {
		return nil, ErrInsufficientLiquidity
	}

	x, overflow := uint256.FromBig(amountIn)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	rIn, _ := uint256.FromBig(reserveIn)
	rOut, _ := uint256.FromBig(reserveOut)

	withFee, overflow := new(uint256.Int).MulOverflow(x, uint256.NewInt(uint64(bpsDenominator-p.FeeBps)))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	numerator, overflow := new(uint256.Int).MulOverflow(withFee, rOut)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	denominator := new(uint256.Int).Mul(rIn, uint256.NewInt(bpsDenominator))
	if _, overflow = denominator.AddOverflow(denominator, withFee); overflow {
		return nil, ErrArithmeticOverflow
	}

	return numerator.Div(numerator, denominator).ToBig(), nil
}

// MarginalPrice returns reserveOut/reserveIn.
func (p *V2Pool) MarginalPrice(zeroForOne bool) float64 {
	reserveIn, reserveOut := p.reserves(zeroForOne)
	if reserveIn.Sign() == 0 {
		return 0
	}
	r := new(big.Float).Quo(new(big.Float).SetInt(reserveOut), new(big.Float).SetInt(reserveIn))
	f, _ := r.Float64()
	return f
}

// MarginalRate returns d(out)/d(in) at amountIn, fee included:
// g*rOut*rIn / (rIn + g*x)^2 with g = 1 - fee.
func (p *V2Pool) MarginalRate(amountIn *big.Int, zeroForOne bool) (float64, error) {
	if amountIn == nil || amountIn.Sign() < 0 {
		return 0, ErrInvalidAmount
	}
	reserveIn, reserveOut := p.reserves(zeroForOne)
	if reserveIn.Sign() == 0 || reserveOut.Sign() == 0 {
		return 0, ErrInsufficientLiquidity
	}
	g := 1 - p.FeeFraction()
	rIn := toFloat(reserveIn)
	rOut := toFloat(reserveOut)
	d := rIn + g*toFloat(amountIn)
	return g * rOut * rIn / (d * d), nil
}

// InputDepth returns the input-side reserve.
func (p *V2Pool) InputDepth(zeroForOne bool) float64 {
	reserveIn, _ := p.reserves(zeroForOne)
	return toFloat(reserveIn)
}

// ApplyStateChange applies a ReserveUpdate.
func (p *V2Pool) ApplyStateChange(ev Event) error {
	e, ok := ev.(ReserveUpdate)
	if !ok {
		return fmt.Errorf("%w: %T does not apply to constant-product pool %s", ErrStateDesync, ev, p.Address.Hex())
	}
	if e.Pool != p.ID() {
		return fmt.Errorf("%w: event for %s applied to pool %s", ErrStateDesync, e.Pool.Hex(), p.Address.Hex())
	}
	if !e.Key.After(p.last) {
		return fmt.Errorf("%w: event %s does not advance pool %s past %s", ErrStateDesync, e.Key, p.Address.Hex(), p.last)
	}
	if err := checkReserves(e.Reserve0, e.Reserve1); err != nil {
		return err
	}

	p.Reserve0 = new(big.Int).Set(e.Reserve0)
	p.Reserve1 = new(big.Int).Set(e.Reserve1)
	p.last = e.Key
	return nil
}

// Clone returns an independent copy.
func (p *V2Pool) Clone() *V2Pool {
	c := *p
	c.Reserve0 = new(big.Int).Set(p.Reserve0)
	c.Reserve1 = new(big.Int).Set(p.Reserve1)
	return &c
}

// IDFromAddress maps a pool contract address to a pool identifier.
func IDFromAddress(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

func toFloat(x *big.Int) float64 {
	if x.IsInt64() {
		return float64(x.Int64())
	}
	f, _ := new(big.Float).SetInt(x).Float64()
	return f
}

// logWeight returns -ln(price * (1 - fee)); +Inf when the rate is zero.
func logWeight(price, fee float64) float64 {
	rate := price * (1 - fee)
	if rate <= 0 || math.IsNaN(rate) {
		return math.Inf(1)
	}
	return -math.Log(rate)
}
