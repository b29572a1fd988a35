package clmath

import (
	"errors"
	"math/big"
)

// ErrFeeOutOfRange is returned for fees of 100% or more.
var ErrFeeOutOfRange = errors.New("fee out of range")

// Step is the outcome of swapping within a single initialized-tick range.
type Step struct {
	SqrtNext  *big.Int
	AmountIn  *big.Int
	AmountOut *big.Int
	FeeAmount *big.Int
}

// ComputeSwapStep swaps up to amountRemaining of input between sqrtCurrent and
// sqrtTarget with exact-input semantics. The direction is implied by the two prices.
// feePips is in hundredths of a bip (3000 = 0.30%).
func ComputeSwapStep(sqrtCurrent, sqrtTarget, liquidity, amountRemaining *big.Int, feePips uint32) (Step, error) {
	if feePips >= 1_000_000 {
		return Step{}, ErrFeeOutOfRange
	}
	zeroForOne := sqrtCurrent.Cmp(sqrtTarget) >= 0
	fee := big.NewInt(int64(feePips))
	feeComplement := new(big.Int).Sub(pips, fee)

	remainingLessFee := mulDiv(amountRemaining, feeComplement, pips)

	var (
		amountIn *big.Int
		err      error
	)
	if zeroForOne {
		amountIn, err = Amount0Delta(sqrtTarget, sqrtCurrent, liquidity, true)
		if err != nil {
			return Step{}, err
		}
	} else {
		amountIn = Amount1Delta(sqrtCurrent, sqrtTarget, liquidity, true)
	}

	var next *big.Int
	if remainingLessFee.Cmp(amountIn) >= 0 {
		next = new(big.Int).Set(sqrtTarget)
	} else {
		next, err = NextSqrtPriceFromInput(sqrtCurrent, liquidity, remainingLessFee, zeroForOne)
		if err != nil {
			return Step{}, err
		}
	}

	reached := next.Cmp(sqrtTarget) == 0

	var amountOut *big.Int
	if zeroForOne {
		if !reached {
			if amountIn, err = Amount0Delta(next, sqrtCurrent, liquidity, true); err != nil {
				return Step{}, err
			}
		}
		amountOut = Amount1Delta(next, sqrtCurrent, liquidity, false)
	} else {
		if !reached {
			amountIn = Amount1Delta(sqrtCurrent, next, liquidity, true)
		}
		if amountOut, err = Amount0Delta(sqrtCurrent, next, liquidity, false); err != nil {
			return Step{}, err
		}
	}

	var feeAmount *big.Int
	if !reached {
		// Whatever the price move did not absorb stays in the pool as fee.
		feeAmount = new(big.Int).Sub(amountRemaining, amountIn)
	} else {
		feeAmount = mulDivRoundingUp(amountIn, fee, feeComplement)
	}

	return Step{
		SqrtNext:  next,
		AmountIn:  amountIn,
		AmountOut: amountOut,
		FeeAmount: feeAmount,
	}, nil
}
