package clmath

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bigInt(s string) *big.Int {
	n, _ := new(big.Int).SetString(s, 10)
	return n
}

func TestSqrtRatioAtTickKnownValues(t *testing.T) {
	tests := []struct {
		tick int32
		want string
	}{
		{MinTick, "4295128739"},
		{MaxTick, "1461446703485210103287273052203988822378723970342"},
		{0, "79228162514264337593543950336"},
		{60, "79466191966197645195421774833"},
		{-60, "78990846045029531151608375686"},
		{120, "79704936542881920863903188246"},
		{-120, "78754240422856966435523493930"},
	}

	for _, tt := range tests {
		got, err := SqrtRatioAtTick(tt.tick)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got.String(), "tick %d", tt.tick)
	}
}

func TestSqrtRatioAtTickOutOfRange(t *testing.T) {
	_, err := SqrtRatioAtTick(MaxTick + 1)
	require.ErrorIs(t, err, ErrTickOutOfRange)

	_, err = SqrtRatioAtTick(MinTick - 1)
	require.ErrorIs(t, err, ErrTickOutOfRange)
}

func TestTickAtSqrtRatioRoundTrip(t *testing.T) {
	for _, tick := range []int32{-200000, -60, -1, 0, 1, 60, 12345, 200000} {
		ratio, err := SqrtRatioAtTick(tick)
		require.NoError(t, err)

		got, err := TickAtSqrtRatio(ratio)
		require.NoError(t, err)
		assert.Equal(t, tick, got)

		// One unit above the boundary still belongs to the same tick.
		got, err = TickAtSqrtRatio(new(big.Int).Add(ratio, big.NewInt(1)))
		require.NoError(t, err)
		assert.Equal(t, tick, got)
	}

	_, err := TickAtSqrtRatio(MaxSqrtRatio)
	require.ErrorIs(t, err, ErrSqrtPriceOutOfRange)
	_, err = TickAtSqrtRatio(big.NewInt(1))
	require.ErrorIs(t, err, ErrSqrtPriceOutOfRange)
}

func TestComputeSwapStep(t *testing.T) {
	liquidity := bigInt("1000000000000000000")
	lower, _ := SqrtRatioAtTick(-60)
	upper, _ := SqrtRatioAtTick(60)

	t.Run("zeroForOne within range", func(t *testing.T) {
		step, err := ComputeSwapStep(Q96, lower, liquidity, bigInt("1000000000000000"), 3000)
		require.NoError(t, err)
		assert.Equal(t, "79149250711305166342700278159", step.SqrtNext.String())
		assert.Equal(t, "997000000000000", step.AmountIn.String())
		assert.Equal(t, "996006981039903", step.AmountOut.String())
		assert.Equal(t, "3000000000000", step.FeeAmount.String())
	})

	t.Run("zeroForOne reaches target", func(t *testing.T) {
		step, err := ComputeSwapStep(Q96, lower, liquidity, bigInt("100000000000000000"), 3000)
		require.NoError(t, err)
		assert.Equal(t, lower.String(), step.SqrtNext.String())
		assert.Equal(t, "3004354062741926", step.AmountIn.String())
		assert.Equal(t, "2995354955910780", step.AmountOut.String())
		assert.Equal(t, "9040182736436", step.FeeAmount.String())
	})

	t.Run("oneForZero within range", func(t *testing.T) {
		step, err := ComputeSwapStep(Q96, upper, liquidity, bigInt("1000000000000000"), 500)
		require.NoError(t, err)
		assert.Equal(t, "79307351062697344798968697514", step.SqrtNext.String())
		assert.Equal(t, "999500000000000", step.AmountIn.String())
		assert.Equal(t, "998501997253744", step.AmountOut.String())
		assert.Equal(t, "500000000000", step.FeeAmount.String())
	})

	t.Run("fee out of range", func(t *testing.T) {
		_, err := ComputeSwapStep(Q96, upper, liquidity, big.NewInt(1), 1_000_000)
		require.ErrorIs(t, err, ErrFeeOutOfRange)
	})
}

func TestAddDelta(t *testing.T) {
	got, err := AddDelta(big.NewInt(100), big.NewInt(-40))
	require.NoError(t, err)
	assert.Equal(t, int64(60), got.Int64())

	_, err = AddDelta(big.NewInt(10), big.NewInt(-11))
	require.ErrorIs(t, err, ErrLiquidityUnderflow)

	_, err = AddDelta(MaxUint128, big.NewInt(1))
	require.ErrorIs(t, err, ErrLiquidityOverflow)
}

func TestPriceFromSqrt(t *testing.T) {
	assert.InDelta(t, 1.0, PriceFromSqrt(Q96), 1e-12)

	ratio, _ := SqrtRatioAtTick(60)
	assert.InDelta(t, 1.006017734268818, PriceFromSqrt(ratio), 1e-9)
	assert.Equal(t, 0.0, PriceFromSqrt(nil))
}
