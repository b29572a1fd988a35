package persistence

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"arbscout/internal/detector"
	"arbscout/internal/pool"
	"arbscout/internal/pool/clmath"
	"arbscout/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc = token.Token{Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), Symbol: "USDC", Decimals: 6}
	weth = token.Token{Address: token.MainnetWETH, Symbol: "WETH", Decimals: 18}
)

func exp10(m int64, e int) *big.Int {
	return new(big.Int).Mul(big.NewInt(m), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(e)), nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "nested", "arbscout.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ladder() map[int32]*big.Int {
	return map[int32]*big.Int{
		-120: exp10(1, 18),
		-60:  exp10(1, 18),
		60:   exp10(-1, 18),
		120:  exp10(-1, 18),
	}
}

func TestTokenRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.BulkUpsertTokens(ctx, []token.Token{usdc, weth}))
	require.NoError(t, s.UpsertToken(ctx, token.Token{Address: usdc.Address, Symbol: "USDC.e", Decimals: 6}))

	tokens, err := s.GetAllTokens(ctx, token.MainnetWETH)
	require.NoError(t, err)
	require.Len(t, tokens, 2)

	byAddr := map[common.Address]token.Token{}
	for _, tk := range tokens {
		byAddr[tk.Address] = tk
	}
	assert.Equal(t, "USDC.e", byAddr[usdc.Address].Symbol)
	assert.Equal(t, uint8(6), byAddr[usdc.Address].Decimals)
	assert.False(t, byAddr[usdc.Address].IsWrappedNative)
	assert.True(t, byAddr[weth.Address].IsWrappedNative)
}

func TestPoolDescriptorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.BulkUpsertTokens(ctx, []token.Token{usdc, weth}))

	v2 := pool.Descriptor{
		Venue:    pool.VenueV2,
		Address:  common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc"),
		Token0:   usdc.Address,
		Token1:   weth.Address,
		Fee:      30,
		Reserve0: exp10(2_000_000, 6),
		Reserve1: exp10(1_000, 18),
	}
	v3 := pool.Descriptor{
		Venue:        pool.VenueV3,
		Address:      common.HexToAddress("0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640"),
		Token0:       usdc.Address,
		Token1:       weth.Address,
		Fee:          500,
		TickSpacing:  60,
		SqrtPriceX96: new(big.Int).Set(clmath.Q96),
		Liquidity:    exp10(2, 18),
		Ticks:        ladder(),
	}
	v4 := pool.Descriptor{
		Venue:        pool.VenueV4,
		Token0:       usdc.Address,
		Token1:       weth.Address,
		Fee:          3000,
		TickSpacing:  60,
		Hooks:        common.HexToAddress("0x0000000000000000000000000000000000001040"),
		SqrtPriceX96: new(big.Int).Set(clmath.Q96),
		Liquidity:    exp10(2, 18),
		Ticks:        ladder(),
	}
	require.NoError(t, s.BulkUpsertPools(ctx, []pool.Descriptor{v2, v3}))
	require.NoError(t, s.UpsertPool(ctx, v4))

	// Upsert replaces state.
	v2.Reserve0 = exp10(2_100_000, 6)
	require.NoError(t, s.UpsertPool(ctx, v2))

	count, err := s.GetPoolCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	loaded, err := s.GetAllPools(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 3)

	byID := map[common.Hash]pool.Descriptor{}
	for _, d := range loaded {
		id, err := d.ID()
		require.NoError(t, err)
		byID[id] = d
	}

	for _, want := range []pool.Descriptor{v2, v3, v4} {
		id, err := want.ID()
		require.NoError(t, err)
		got, ok := byID[id]
		require.True(t, ok, "pool %s missing", id.Hex())

		assert.Equal(t, want.Venue, got.Venue)
		assert.Equal(t, want.Fee, got.Fee)
		assert.Equal(t, want.Token0, got.Token0)
		assert.Equal(t, want.Hooks, got.Hooks)

		built, err := got.Build()
		require.NoError(t, err)
		assert.Equal(t, id, built.ID())
	}

	assert.Equal(t, exp10(2_100_000, 6).String(), byID[pool.IDFromAddress(v2.Address)].Reserve0.String())

	gotV3 := byID[pool.IDFromAddress(v3.Address)]
	require.Len(t, gotV3.Ticks, 4)
	assert.Equal(t, exp10(-1, 18).String(), gotV3.Ticks[120].String())
	assert.Equal(t, exp10(2, 18).String(), gotV3.Liquidity.String())
}

func TestOpportunityJournal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	opp := &detector.Opportunity{
		Hops: []detector.Hop{
			{Pool: common.HexToHash("0x01"), ZeroForOne: false},
			{Pool: common.HexToHash("0x02"), ZeroForOne: true},
		},
		Tokens:         []token.Token{weth, usdc, weth},
		InputAmount:    exp10(11, 18),
		ExpectedOutput: new(big.Int).Add(exp10(11, 18), exp10(25, 16)),
		ExpectedProfit: exp10(25, 16),
		WeightSum:      -0.05,
		ProfitFactor:   1.0227,
		Batch:          42,
		Converged:      true,
		DetectedAt:     time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.RecordOpportunity(ctx, opp))

	second := *opp
	second.Batch = 43
	require.NoError(t, s.RecordOpportunity(ctx, &second))

	records, err := s.ListOpportunities(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	r := records[1]
	assert.Equal(t, uint64(42), r.Batch)
	assert.Equal(t, uint64(43), records[0].Batch, "newest first")
	assert.Equal(t, weth.Address, r.StartToken)
	assert.Equal(t, []common.Address{weth.Address, usdc.Address, weth.Address}, r.Path)
	assert.Equal(t, opp.Hops, r.Hops)
	assert.Equal(t, opp.InputAmount.String(), r.Input.String())
	assert.Equal(t, opp.ExpectedProfit.String(), r.Profit.String())
	assert.Equal(t, "0.25", r.ProfitHuman)
	assert.True(t, r.Converged)
	assert.True(t, opp.DetectedAt.Equal(r.DetectedAt))

	require.Error(t, s.RecordOpportunity(ctx, &detector.Opportunity{}))
}

func TestSystemState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.GetSystemState(ctx, KeyLastReplayed)
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetSystemState(ctx, KeyLastReplayed, "100:3"))
	require.NoError(t, s.SetSystemState(ctx, KeyLastReplayed, "101:0"))

	v, err = s.GetSystemState(ctx, KeyLastReplayed)
	require.NoError(t, err)
	assert.Equal(t, "101:0", v)
}
