package clmath

import (
	"errors"
	"math/big"
)

var (
	// Q96 is 1.0 in Q64.96.
	Q96 = new(big.Int).Lsh(big.NewInt(1), 96)

	ErrLiquidityZero = errors.New("liquidity is zero")
	ErrSqrtPriceZero = errors.New("sqrt price is zero")

	one  = big.NewInt(1)
	q96f = new(big.Float).SetInt(Q96)
	pips = big.NewInt(1_000_000)
)

// wordBits is the EVM word size.
const wordBits = 256

func mulDiv(a, b, c *big.Int) *big.Int {
	p := new(big.Int).Mul(a, b)
	return p.Quo(p, c)
}

func mulDivRoundingUp(a, b, c *big.Int) *big.Int {
	p := new(big.Int).Mul(a, b)
	q, r := new(big.Int).QuoRem(p, c, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, one)
	}
	return q
}

func divRoundingUp(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, one)
	}
	return q
}

// Amount0Delta returns the token0 amount between two sqrt prices for the given liquidity:
// L * 2^96 * (sqrtB - sqrtA) / (sqrtA * sqrtB).
func Amount0Delta(sqrtA, sqrtB, liquidity *big.Int, roundUp bool) (*big.Int, error) {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	if sqrtA.Sign() <= 0 {
		return nil, ErrSqrtPriceZero
	}

	numerator1 := new(big.Int).Lsh(liquidity, 96)
	numerator2 := new(big.Int).Sub(sqrtB, sqrtA)

	if roundUp {
		return divRoundingUp(mulDivRoundingUp(numerator1, numerator2, sqrtB), sqrtA), nil
	}
	return new(big.Int).Quo(mulDiv(numerator1, numerator2, sqrtB), sqrtA), nil
}

// Amount1Delta returns the token1 amount between two sqrt prices for the given liquidity:
// L * (sqrtB - sqrtA) / 2^96.
func Amount1Delta(sqrtA, sqrtB, liquidity *big.Int, roundUp bool) *big.Int {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	diff := new(big.Int).Sub(sqrtB, sqrtA)
	if roundUp {
		return mulDivRoundingUp(liquidity, diff, Q96)
	}
	return mulDiv(liquidity, diff, Q96)
}

// NextSqrtPriceFromInput returns the sqrt price after adding amountIn of the input token.
// Selling token0 rounds the new price up, selling token1 rounds it down.
func NextSqrtPriceFromInput(sqrtP, liquidity, amountIn *big.Int, zeroForOne bool) (*big.Int, error) {
	if sqrtP.Sign() <= 0 {
		return nil, ErrSqrtPriceZero
	}
	if liquidity.Sign() <= 0 {
		return nil, ErrLiquidityZero
	}
	if zeroForOne {
		return nextSqrtPriceFromAmount0(sqrtP, liquidity, amountIn), nil
	}
	return nextSqrtPriceFromAmount1(sqrtP, liquidity, amountIn), nil
}

func nextSqrtPriceFromAmount0(sqrtP, liquidity, amount *big.Int) *big.Int {
	if amount.Sign() == 0 {
		return new(big.Int).Set(sqrtP)
	}
	numerator1 := new(big.Int).Lsh(liquidity, 96)

	// The on-chain code takes the precise branch only when nothing overflows 256 bits.
	product := new(big.Int).Mul(amount, sqrtP)
	if product.BitLen() <= wordBits {
		denominator := new(big.Int).Add(numerator1, product)
		if denominator.BitLen() <= wordBits {
			return mulDivRoundingUp(numerator1, sqrtP, denominator)
		}
	}
	denominator := new(big.Int).Quo(numerator1, sqrtP)
	denominator.Add(denominator, amount)
	return divRoundingUp(numerator1, denominator)
}

func nextSqrtPriceFromAmount1(sqrtP, liquidity, amount *big.Int) *big.Int {
	quotient := mulDiv(amount, Q96, liquidity)
	return quotient.Add(quotient, sqrtP)
}

// PriceFromSqrt returns (sqrtPriceX96 / 2^96)^2, the token1-per-token0 spot price.
func PriceFromSqrt(sqrtPriceX96 *big.Int) float64 {
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() <= 0 {
		return 0
	}
	r := new(big.Float).SetInt(sqrtPriceX96)
	r.Quo(r, q96f)
	r.Mul(r, r)
	f, _ := r.Float64()
	return f
}
