package graph

import (
	"math"

	"arbscout/internal/pool"
)

const (
	// maxWeight is used when the effective rate is effectively zero or invalid.
	maxWeight = 230.0

	// minWeight is used when the effective rate would cause -log to be extremely negative.
	minWeight = -230.0
)

// EdgeWeight computes the edge weight for the cycle search:
// -ln(marginalPrice * (1 - fee)) for one direction of p.
//
// For arbitrage detection:
// - A negative cycle (sum of weights < 0) means product of rates > 1 (profit)
// - We use -log so that multiplying rates becomes addition of weights
//
// The weight prices a zero-size trade; sized trades are re-checked with exact math.
func EdgeWeight(p pool.Variant, zeroForOne bool) float64 {
	return clampWeight(p.LogWeight(zeroForOne))
}

func clampWeight(w float64) float64 {
	if math.IsNaN(w) || math.IsInf(w, 0) {
		return maxWeight
	}
	if w > maxWeight {
		return maxWeight
	}
	if w < minWeight {
		return minWeight
	}
	return w
}

// Disabled reports whether a weight marks an edge with no usable rate.
func Disabled(w float64) bool {
	return w >= maxWeight
}

// CycleProfit calculates the profit factor from a cycle's total weight.
// If the sum of weights in a cycle is negative, the profit factor > 1.
func CycleProfit(totalWeight float64) float64 {
	return math.Exp(-totalWeight)
}

// IsProfitable returns true if the cycle weight indicates a profitable arbitrage.
func IsProfitable(totalWeight float64, minProfitFactor float64) bool {
	return CycleProfit(totalWeight) >= minProfitFactor
}
