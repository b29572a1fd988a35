package clmath

import (
	"errors"
	"math/big"
)

var (
	// MaxUint128 bounds active liquidity and per-tick liquidity.
	MaxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

	ErrLiquidityUnderflow = errors.New("liquidity underflow")
	ErrLiquidityOverflow  = errors.New("liquidity overflow")
)

// AddDelta returns x + delta, keeping the result within uint128.
func AddDelta(x, delta *big.Int) (*big.Int, error) {
	r := new(big.Int).Add(x, delta)
	if r.Sign() < 0 {
		return nil, ErrLiquidityUnderflow
	}
	if r.Cmp(MaxUint128) > 0 {
		return nil, ErrLiquidityOverflow
	}
	return r, nil
}
