// Package clmath holds the fixed-point arithmetic shared by concentrated-liquidity
// pools: tick <-> sqrt price conversion, sqrt price movement for a given input,
// single-range swap steps and signed liquidity deltas.
//
// All prices are Q64.96 square roots, as stored on-chain.
package clmath

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

const (
	// MinTick is the smallest tick whose sqrt ratio is representable.
	MinTick int32 = -887272
	// MaxTick is the largest tick whose sqrt ratio is representable.
	MaxTick int32 = 887272
)

var (
	// MinSqrtRatio is SqrtRatioAtTick(MinTick).
	MinSqrtRatio = big.NewInt(4295128739)
	// MaxSqrtRatio is SqrtRatioAtTick(MaxTick).
	MaxSqrtRatio, _ = new(big.Int).SetString("1461446703485210103287273052203988822378723970342", 10)

	ErrTickOutOfRange      = errors.New("tick out of range")
	ErrSqrtPriceOutOfRange = errors.New("sqrt price out of range")

	maxUint256 = new(uint256.Int).Not(new(uint256.Int))
	q128       = new(uint256.Int).Lsh(uint256.NewInt(1), 128)

	// sqrt(1.0001^-1) in Q128.128, used when bit 0 of |tick| is set.
	oddTickRatio = mustHex("fffcb933bd6fad37aa2d162d1a594001")

	// sqrt(1.0001^-(2^i)) in Q128.128 for i in 1..19.
	tickRatios = [...]*uint256.Int{
		mustHex("fff97272373d413259a46990580e213a"),
		mustHex("fff2e50f5f656932ef12357cf3c7fdcc"),
		mustHex("ffe5caca7e10e4e61c3624eaa0941cd0"),
		mustHex("ffcb9843d60f6159c9db58835c926644"),
		mustHex("ff973b41fa98c081472e6896dfb254c0"),
		mustHex("ff2ea16466c96a3843ec78b326b52861"),
		mustHex("fe5dee046a99a2a811c461f1969c3053"),
		mustHex("fcbe86c7900a88aedcffc83b479aa3a4"),
		mustHex("f987a7253ac413176f2b074cf7815e54"),
		mustHex("f3392b0822b70005940c7a398e4b70f3"),
		mustHex("e7159475a2c29b7443b29c7fa6e889d9"),
		mustHex("d097f3bdfd2022b8845ad8f792aa5825"),
		mustHex("a9f746462d870fdf8a65dc1f90e061e5"),
		mustHex("70d869a156d2a1b890bb3df62baf32f7"),
		mustHex("31be135f97d08fd981231505542fcfa6"),
		mustHex("9aa508b5b7a84e1c677de54f3e99bc9"),
		mustHex("5d6af8dedb81196699c329225ee604"),
		mustHex("2216e584f5fa1ea926041bedfe98"),
		mustHex("48a170391f7dc42444e8fa2"),
	}
)

// SqrtRatioAtTick returns sqrt(1.0001^tick) * 2^96, rounded up.
func SqrtRatioAtTick(tick int32) (*big.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, ErrTickOutOfRange
	}

	abs := tick
	if abs < 0 {
		abs = -abs
	}

	ratio := new(uint256.Int)
	if abs&1 != 0 {
		ratio.Set(oddTickRatio)
	} else {
		ratio.Set(q128)
	}
	for i, c := range tickRatios {
		if abs&(2<<i) != 0 {
			ratio.Mul(ratio, c)
			ratio.Rsh(ratio, 128)
		}
	}

	if tick > 0 {
		ratio.Div(maxUint256, ratio)
	}

	// Q128.128 -> Q64.96, rounding up so the result never undershoots the tick.
	roundUp := ratio.Uint64()&0xffffffff != 0
	ratio.Rsh(ratio, 32)
	if roundUp {
		ratio.AddUint64(ratio, 1)
	}
	return ratio.ToBig(), nil
}

// TickAtSqrtRatio returns the greatest tick whose sqrt ratio is <= sqrtPriceX96.
func TickAtSqrtRatio(sqrtPriceX96 *big.Int) (int32, error) {
	if sqrtPriceX96 == nil || sqrtPriceX96.Cmp(MinSqrtRatio) < 0 || sqrtPriceX96.Cmp(MaxSqrtRatio) >= 0 {
		return 0, ErrSqrtPriceOutOfRange
	}

	lo, hi := MinTick, MaxTick
	tick := MinTick
	for lo <= hi {
		mid := lo + (hi-lo)/2
		ratio, err := SqrtRatioAtTick(mid)
		if err != nil {
			return 0, err
		}
		if ratio.Cmp(sqrtPriceX96) <= 0 {
			tick = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return tick, nil
}

func mustHex(s string) *uint256.Int {
	v, err := uint256.FromHex("0x" + s)
	if err != nil {
		panic(err)
	}
	return v
}
