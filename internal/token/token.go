// Package token describes the assets that form the nodes of the trading graph.
package token

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// MainnetWETH is the canonical wrapped ether contract on Ethereum mainnet.
var MainnetWETH = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")

// Token is an ERC-20 asset, or the chain's native currency when Address is zero.
// Two tokens are the same token iff their addresses are equal.
type Token struct {
	Address         common.Address
	Symbol          string
	Decimals        uint8
	IsWrappedNative bool
	IsNative        bool
}

// New creates a token and derives its native/wrapped-native flags.
func New(addr common.Address, symbol string, decimals uint8, wrappedNative common.Address) Token {
	return Token{
		Address:         addr,
		Symbol:          symbol,
		Decimals:        decimals,
		IsWrappedNative: wrappedNative != (common.Address{}) && addr == wrappedNative,
		IsNative:        addr == (common.Address{}),
	}
}

// Equal compares by address only.
func (t Token) Equal(other Token) bool {
	return t.Address == other.Address
}

func (t Token) String() string {
	sym := t.Symbol
	if sym == "" {
		sym = "?"
	}
	return fmt.Sprintf("%s(%s)", sym, t.Address.Hex()[:8])
}

// FormatAmount renders a raw integer amount in whole-token units.
func (t Token) FormatAmount(raw *big.Int) string {
	if raw == nil {
		return "0"
	}
	return t.Decimal(raw).String()
}

// Decimal scales a raw integer amount by the token's decimals.
func (t Token) Decimal(raw *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(raw, -int32(t.Decimals))
}
