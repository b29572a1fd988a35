package pool

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Descriptor is the discovery-time description of a pool, as delivered by the
// metadata feed. Fee is in basis points for v2 and in pips for v3/v4.
type Descriptor struct {
	Venue   Venue
	Address common.Address // v2, v3
	Token0  common.Address
	Token1  common.Address
	Fee     uint32

	// v2
	Reserve0 *big.Int
	Reserve1 *big.Int

	// v3, v4
	TickSpacing  int32
	SqrtPriceX96 *big.Int
	Tick         int32
	Liquidity    *big.Int
	Ticks        map[int32]*big.Int

	// v4
	Hooks      common.Address
	DynamicFee uint32
}

// Key returns the v4 pool key described by d.
func (d Descriptor) Key() PoolKey {
	return PoolKey{
		Currency0:   d.Token0,
		Currency1:   d.Token1,
		Fee:         d.Fee,
		TickSpacing: d.TickSpacing,
		Hooks:       d.Hooks,
	}
}

// ID returns the identifier the built pool will have.
func (d Descriptor) ID() (common.Hash, error) {
	if d.Venue == VenueV4 {
		return d.Key().ID()
	}
	return IDFromAddress(d.Address), nil
}

// Build validates d and constructs the pool.
func (d Descriptor) Build() (Variant, error) {
	switch d.Venue {
	case VenueV2:
		p, err := NewV2(d.Address, d.Token0, d.Token1, d.Reserve0, d.Reserve1, d.Fee)
		if err != nil {
			return Variant{}, err
		}
		return FromV2(p), nil
	case VenueV3:
		p, err := NewV3(d.Address, d.Token0, d.Token1, d.Fee, d.TickSpacing, d.Liquidity, d.SqrtPriceX96, d.Tick, d.Ticks)
		if err != nil {
			return Variant{}, err
		}
		return FromV3(p), nil
	case VenueV4:
		p, err := NewV4(d.Key(), d.DynamicFee, d.Liquidity, d.SqrtPriceX96, d.Tick, d.Ticks)
		if err != nil {
			return Variant{}, err
		}
		return FromV4(p), nil
	default:
		return Variant{}, fmt.Errorf("%w: unknown venue %s", ErrInvalidPool, d.Venue)
	}
}

// Describe returns the descriptor of v's current state.
func Describe(v Variant) Descriptor {
	switch v.venue {
	case VenueV2:
		p := v.v2
		return Descriptor{
			Venue:    VenueV2,
			Address:  p.Address,
			Token0:   p.Token0,
			Token1:   p.Token1,
			Fee:      p.FeeBps,
			Reserve0: new(big.Int).Set(p.Reserve0),
			Reserve1: new(big.Int).Set(p.Reserve1),
		}
	case VenueV3:
		p := v.v3
		d := Descriptor{
			Venue:   VenueV3,
			Address: p.Address,
			Token0:  p.Token0,
			Token1:  p.Token1,
			Fee:     p.Fee,
		}
		describeConcentrated(&d, &p.Concentrated)
		return d
	case VenueV4:
		p := v.v4
		d := Descriptor{
			Venue:  VenueV4,
			Token0: p.Key.Currency0,
			Token1: p.Key.Currency1,
			Fee:    p.Key.Fee,
			Hooks:  p.Key.Hooks,
		}
		if p.Key.IsDynamicFee() {
			d.DynamicFee = p.fee.pips()
		}
		describeConcentrated(&d, &p.Concentrated)
		return d
	default:
		panic(v.unknown())
	}
}

func describeConcentrated(d *Descriptor, c *Concentrated) {
	d.TickSpacing = c.TickSpacing
	d.SqrtPriceX96 = new(big.Int).Set(c.SqrtPriceX96)
	d.Tick = c.Tick
	d.Liquidity = new(big.Int).Set(c.Liquidity)
	d.Ticks = make(map[int32]*big.Int, len(c.ticks))
	for t, net := range c.ticks {
		d.Ticks[t] = new(big.Int).Set(net)
	}
}
