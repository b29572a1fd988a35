package pool

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Venue enumerates the supported pool designs.
type Venue uint8

const (
	VenueV2 Venue = iota + 1
	VenueV3
	VenueV4
)

func (v Venue) String() string {
	switch v {
	case VenueV2:
		return "v2"
	case VenueV3:
		return "v3"
	case VenueV4:
		return "v4"
	default:
		return fmt.Sprintf("venue(%d)", uint8(v))
	}
}

// ParseVenue parses the names produced by Venue.String.
func ParseVenue(s string) (Venue, error) {
	switch s {
	case "v2":
		return VenueV2, nil
	case "v3":
		return VenueV3, nil
	case "v4":
		return VenueV4, nil
	default:
		return 0, fmt.Errorf("%w: unknown venue %q", ErrInvalidPool, s)
	}
}

// Variant is a closed union over the pool designs. Every operation switches on
// the venue and calls the concrete pool directly; a new venue needs a new field
// and a new case in each method.
//
// A Variant holds a pointer: copies share the underlying pool.
type Variant struct {
	venue Venue
	v2    *V2Pool
	v3    *V3Pool
	v4    *V4Pool
}

func FromV2(p *V2Pool) Variant { return Variant{venue: VenueV2, v2: p} }
func FromV3(p *V3Pool) Variant { return Variant{venue: VenueV3, v3: p} }
func FromV4(p *V4Pool) Variant { return Variant{venue: VenueV4, v4: p} }

func (v Variant) Venue() Venue { return v.venue }

// IsZero reports whether v holds no pool.
func (v Variant) IsZero() bool { return v.venue == 0 }

// V2, V3 and V4 return the concrete pool, or nil for another venue.
func (v Variant) V2() *V2Pool { return v.v2 }
func (v Variant) V3() *V3Pool { return v.v3 }
func (v Variant) V4() *V4Pool { return v.v4 }

func (v Variant) unknown() string {
	return fmt.Sprintf("pool: unhandled venue %s", v.venue)
}

func (v Variant) ID() common.Hash {
	switch v.venue {
	case VenueV2:
		return v.v2.ID()
	case VenueV3:
		return v.v3.ID()
	case VenueV4:
		return v.v4.ID()
	default:
		panic(v.unknown())
	}
}

// Tokens returns the pool's token0 and token1.
func (v Variant) Tokens() (common.Address, common.Address) {
	switch v.venue {
	case VenueV2:
		return v.v2.Token0, v.v2.Token1
	case VenueV3:
		return v.v3.Token0, v.v3.Token1
	case VenueV4:
		return v.v4.Key.Currency0, v.v4.Key.Currency1
	default:
		panic(v.unknown())
	}
}

func (v Variant) FeeFraction() float64 {
	switch v.venue {
	case VenueV2:
		return v.v2.FeeFraction()
	case VenueV3:
		return v.v3.FeeFraction()
	case VenueV4:
		return v.v4.FeeFraction()
	default:
		panic(v.unknown())
	}
}

// AmountOut returns the exact integer output for amountIn.
func (v Variant) AmountOut(amountIn *big.Int, zeroForOne bool) (*big.Int, error) {
	switch v.venue {
	case VenueV2:
		return v.v2.AmountOut(amountIn, zeroForOne)
	case VenueV3:
		return v.v3.AmountOut(amountIn, zeroForOne)
	case VenueV4:
		return v.v4.AmountOut(amountIn, zeroForOne)
	default:
		panic(v.unknown())
	}
}

// MarginalPrice returns the pre-fee rate at zero trade size.
func (v Variant) MarginalPrice(zeroForOne bool) float64 {
	switch v.venue {
	case VenueV2:
		return v.v2.MarginalPrice(zeroForOne)
	case VenueV3:
		return v.v3.MarginalPrice(zeroForOne)
	case VenueV4:
		return v.v4.MarginalPrice(zeroForOne)
	default:
		panic(v.unknown())
	}
}

// LogWeight returns -ln(marginal price * (1 - fee)). It prices the edge at
// zero size; sized trades must be re-checked with AmountOut.
func (v Variant) LogWeight(zeroForOne bool) float64 {
	return logWeight(v.MarginalPrice(zeroForOne), v.FeeFraction())
}

// MarginalRate returns the post-fee derivative of AmountOut at amountIn.
func (v Variant) MarginalRate(amountIn *big.Int, zeroForOne bool) (float64, error) {
	switch v.venue {
	case VenueV2:
		return v.v2.MarginalRate(amountIn, zeroForOne)
	case VenueV3:
		return v.v3.MarginalRate(amountIn, zeroForOne)
	case VenueV4:
		return v.v4.MarginalRate(amountIn, zeroForOne)
	default:
		panic(v.unknown())
	}
}

// InputDepth returns the (virtual) reserve on the input side, a scale for trade sizes.
func (v Variant) InputDepth(zeroForOne bool) float64 {
	switch v.venue {
	case VenueV2:
		return v.v2.InputDepth(zeroForOne)
	case VenueV3:
		return v.v3.InputDepth(zeroForOne)
	case VenueV4:
		return v.v4.InputDepth(zeroForOne)
	default:
		panic(v.unknown())
	}
}

// ApplyStateChange mutates the pool from a decoded event. On error the pool is unchanged.
func (v Variant) ApplyStateChange(ev Event) error {
	switch v.venue {
	case VenueV2:
		return v.v2.ApplyStateChange(ev)
	case VenueV3:
		return v.v3.ApplyStateChange(ev)
	case VenueV4:
		return v.v4.ApplyStateChange(ev)
	default:
		panic(v.unknown())
	}
}

func (v Variant) LastKey() OrderKey {
	switch v.venue {
	case VenueV2:
		return v.v2.LastKey()
	case VenueV3:
		return v.v3.LastKey()
	case VenueV4:
		return v.v4.LastKey()
	default:
		panic(v.unknown())
	}
}

// Clone returns a Variant backed by an independent copy of the pool.
func (v Variant) Clone() Variant {
	switch v.venue {
	case VenueV2:
		return FromV2(v.v2.Clone())
	case VenueV3:
		return FromV3(v.v3.Clone())
	case VenueV4:
		return FromV4(v.v4.Clone())
	default:
		panic(v.unknown())
	}
}

func (v Variant) String() string {
	if v.IsZero() {
		return "pool(none)"
	}
	t0, t1 := v.Tokens()
	return fmt.Sprintf("%s:%s(%s/%s)", v.venue, shortHex(v.Label()), shortHex(t0.Hex()), shortHex(t1.Hex()))
}

// Label returns the pool address, or the pool id for singleton-managed pools.
func (v Variant) Label() string {
	switch v.venue {
	case VenueV2:
		return v.v2.Address.Hex()
	case VenueV3:
		return v.v3.Address.Hex()
	case VenueV4:
		return v.v4.ID().Hex()
	default:
		panic(v.unknown())
	}
}

func shortHex(s string) string {
	if len(s) <= 10 {
		return s
	}
	return s[:10]
}
