package pool

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DynamicFeeFlag marks a pool whose LP fee is set by its hooks contract.
const DynamicFeeFlag uint32 = 0x800000

var poolKeyArgs = mustPoolKeyArgs()

func mustPoolKeyArgs() abi.Arguments {
	address, err := abi.NewType("address", "", nil)
	if err != nil {
		panic(err)
	}
	uint24, err := abi.NewType("uint24", "", nil)
	if err != nil {
		panic(err)
	}
	int24, err := abi.NewType("int24", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{
		{Name: "currency0", Type: address},
		{Name: "currency1", Type: address},
		{Name: "fee", Type: uint24},
		{Name: "tickSpacing", Type: int24},
		{Name: "hooks", Type: address},
	}
}

// PoolKey identifies a singleton-managed pool. Currency0 must sort below
// Currency1; the zero address is the chain's native currency.
type PoolKey struct {
	Currency0   common.Address
	Currency1   common.Address
	Fee         uint32
	TickSpacing int32
	Hooks       common.Address
}

// ID returns keccak256(abi.encode(key)).
func (k PoolKey) ID() (common.Hash, error) {
	packed, err := poolKeyArgs.Pack(
		k.Currency0,
		k.Currency1,
		new(big.Int).SetUint64(uint64(k.Fee)),
		big.NewInt(int64(k.TickSpacing)),
		k.Hooks,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encoding pool key: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// IsDynamicFee reports whether the fee is controlled by hooks.
func (k PoolKey) IsDynamicFee() bool {
	return k.Fee == DynamicFeeFlag
}

// V4Pool is a concentrated-liquidity pool keyed by PoolKey. Hooks other than
// dynamic fees are not simulated.
type V4Pool struct {
	Key PoolKey

	Concentrated
	id   common.Hash
	fee  feePolicy
	last OrderKey
}

// NewV4 validates and creates a hook-extensible pool. initialFee is the fee in
// effect for dynamic-fee pools and is ignored otherwise.
func NewV4(key PoolKey, initialFee uint32, liquidity, sqrtPriceX96 *big.Int, tick int32,
	ticks map[int32]*big.Int) (*V4Pool, error) {
	if bytes.Compare(key.Currency0.Bytes(), key.Currency1.Bytes()) >= 0 {
		return nil, fmt.Errorf("%w: currencies %s/%s are not sorted", ErrInvalidPool, key.Currency0, key.Currency1)
	}

	fee := feePolicy{kind: feeStatic, static: key.Fee}
	if key.IsDynamicFee() {
		fee = feePolicy{kind: feeDynamic, dynamic: initialFee}
	}
	if fee.pips() >= pipsDenominator {
		return nil, fmt.Errorf("%w: fee %d pips", ErrInvalidPool, fee.pips())
	}

	id, err := key.ID()
	if err != nil {
		return nil, err
	}
	c, err := newConcentrated(liquidity, sqrtPriceX96, tick, key.TickSpacing, ticks)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", id.Hex(), err)
	}
	return &V4Pool{
		Key:          key,
		Concentrated: c,
		id:           id,
		fee:          fee,
	}, nil
}

func (p *V4Pool) ID() common.Hash {
	return p.id
}

func (p *V4Pool) LastKey() OrderKey {
	return p.last
}

// FeePips returns the LP fee currently charged.
func (p *V4Pool) FeePips() uint32 {
	return p.fee.pips()
}

func (p *V4Pool) FeeFraction() float64 {
	return p.fee.fraction()
}

func (p *V4Pool) AmountOut(amountIn *big.Int, zeroForOne bool) (*big.Int, error) {
	s, err := p.simulate(amountIn, zeroForOne, p.fee)
	if err != nil {
		return nil, err
	}
	return s.amountOut, nil
}

func (p *V4Pool) MarginalPrice(zeroForOne bool) float64 {
	return p.marginalPrice(zeroForOne)
}

func (p *V4Pool) MarginalRate(amountIn *big.Int, zeroForOne bool) (float64, error) {
	return p.marginalRate(amountIn, zeroForOne, p.fee)
}

func (p *V4Pool) InputDepth(zeroForOne bool) float64 {
	return p.inputDepth(zeroForOne)
}

// ApplyStateChange applies a swap, mint or burn. Swaps on dynamic-fee pools
// also install the fee reported by the event.
func (p *V4Pool) ApplyStateChange(ev Event) error {
	e, ok := ev.(LiquidityUpdate)
	if !ok {
		return fmt.Errorf("%w: %T does not apply to pool %s", ErrStateDesync, ev, p.id.Hex())
	}
	if e.Pool != p.id {
		return fmt.Errorf("%w: event for %s applied to pool %s", ErrStateDesync, e.Pool.Hex(), p.id.Hex())
	}
	if !e.Key.After(p.last) {
		return fmt.Errorf("%w: event %s does not advance pool %s past %s", ErrStateDesync, e.Key, p.id.Hex(), p.last)
	}

	switch e.Kind {
	case KindSwap:
		if p.fee.kind == feeDynamic && e.Fee >= pipsDenominator {
			return fmt.Errorf("%w: dynamic fee %d pips", ErrStateDesync, e.Fee)
		}
		if err := p.applySwap(e); err != nil {
			return err
		}
		if p.fee.kind == feeDynamic {
			p.fee.dynamic = e.Fee
		}
	case KindMint, KindBurn:
		if err := p.applyPosition(e); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown liquidity event %s", ErrStateDesync, e.Kind)
	}
	p.last = e.Key
	return nil
}

func (p *V4Pool) Clone() *V4Pool {
	c := *p
	c.Concentrated = p.Concentrated.clone()
	return &c
}
