package pool

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// OrderKey orders events on one chain: block height, then log position.
type OrderKey struct {
	Block    uint64
	LogIndex uint
}

// After reports whether k comes strictly after other.
func (k OrderKey) After(other OrderKey) bool {
	if k.Block != other.Block {
		return k.Block > other.Block
	}
	return k.LogIndex > other.LogIndex
}

func (k OrderKey) String() string {
	return fmt.Sprintf("%d:%d", k.Block, k.LogIndex)
}

// Event is a decoded pool state change. It is implemented by ReserveUpdate
// and LiquidityUpdate only.
type Event interface {
	PoolID() common.Hash
	Ordering() OrderKey
	isEvent()
}

// ReserveUpdate carries the post-event reserves of a constant-product pool (Sync).
type ReserveUpdate struct {
	Pool     common.Hash
	Key      OrderKey
	Reserve0 *big.Int
	Reserve1 *big.Int
}

func (e ReserveUpdate) PoolID() common.Hash { return e.Pool }
func (e ReserveUpdate) Ordering() OrderKey  { return e.Key }
func (ReserveUpdate) isEvent()              {}

// LiquidityKind distinguishes concentrated-liquidity actions.
type LiquidityKind uint8

const (
	KindSwap LiquidityKind = iota + 1
	KindMint
	KindBurn
)

func (k LiquidityKind) String() string {
	switch k {
	case KindSwap:
		return "swap"
	case KindMint:
		return "mint"
	case KindBurn:
		return "burn"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// LiquidityUpdate carries a concentrated-liquidity action.
//
// Swap: SqrtPriceX96, Tick and Liquidity are the pool's values after the swap;
// Fee is the LP fee charged, used by dynamic-fee pools.
// Mint/Burn: LiquidityDelta (positive) is added to or removed from the
// position [TickLower, TickUpper).
type LiquidityUpdate struct {
	Pool common.Hash
	Key  OrderKey
	Kind LiquidityKind

	Liquidity    *big.Int
	SqrtPriceX96 *big.Int
	Tick         int32
	Fee          uint32

	LiquidityDelta *big.Int
	TickLower      int32
	TickUpper      int32
}

func (e LiquidityUpdate) PoolID() common.Hash { return e.Pool }
func (e LiquidityUpdate) Ordering() OrderKey  { return e.Key }
func (LiquidityUpdate) isEvent()              {}
