package graph

import (
	"fmt"
	"strings"
)

// Cycle is a closed sequence of edges: each edge's To is the next edge's From
// and the last edge returns to the first edge's From.
type Cycle struct {
	Edges     []Edge
	WeightSum float64
}

// NewCycle creates a cycle from a list of edges, summing their weights.
func NewCycle(edges []Edge) Cycle {
	c := Cycle{Edges: make([]Edge, len(edges))}
	copy(c.Edges, edges)
	for _, e := range edges {
		c.WeightSum += e.Weight
	}
	return c
}

// Len returns the number of hops in the cycle.
func (c Cycle) Len() int {
	return len(c.Edges)
}

// Start returns the node the cycle starts and ends on, or -1 when empty.
func (c Cycle) Start() NodeID {
	if len(c.Edges) == 0 {
		return -1
	}
	return c.Edges[0].From
}

// ProfitFactor returns exp(-WeightSum): the zero-size output per unit input.
func (c Cycle) ProfitFactor() float64 {
	return CycleProfit(c.WeightSum)
}

// Closed reports whether consecutive edges connect and the last returns to the start.
func (c Cycle) Closed() bool {
	if len(c.Edges) < 2 {
		return false
	}
	for i := 0; i < len(c.Edges)-1; i++ {
		if c.Edges[i].To != c.Edges[i+1].From {
			return false
		}
	}
	return c.Edges[len(c.Edges)-1].To == c.Edges[0].From
}

// ReusesPool reports whether any pool backs more than one hop.
func (c Cycle) ReusesPool() bool {
	used := make(map[PoolRef]struct{}, len(c.Edges))
	for _, e := range c.Edges {
		if _, ok := used[e.Pool]; ok {
			return true
		}
		used[e.Pool] = struct{}{}
	}
	return false
}

// RotateTo returns the same cycle starting from node n, if it passes through n.
func (c Cycle) RotateTo(n NodeID) (Cycle, bool) {
	start := -1
	for i, e := range c.Edges {
		if e.From == n {
			start = i
			break
		}
	}
	if start < 0 {
		return Cycle{}, false
	}
	rotated := make([]Edge, len(c.Edges))
	for i := range c.Edges {
		rotated[i] = c.Edges[(start+i)%len(c.Edges)]
	}
	return Cycle{Edges: rotated, WeightSum: c.WeightSum}, true
}

// Key identifies the cycle independent of its starting hop: the (pool,
// direction) hops rotated to begin at the smallest one.
func (c Cycle) Key() string {
	if len(c.Edges) == 0 {
		return ""
	}
	minIdx := 0
	for i := 1; i < len(c.Edges); i++ {
		if hopLess(c.Edges[i], c.Edges[minIdx]) {
			minIdx = i
		}
	}
	var b strings.Builder
	for i := range c.Edges {
		e := c.Edges[(minIdx+i)%len(c.Edges)]
		if i > 0 {
			b.WriteString("->")
		}
		fmt.Fprintf(&b, "%d", e.Pool)
		if e.ZeroForOne {
			b.WriteByte('+')
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

func hopLess(a, b Edge) bool {
	if a.Pool != b.Pool {
		return a.Pool < b.Pool
	}
	return a.ZeroForOne && !b.ZeroForOne
}

// String returns a human-readable string representation.
func (c Cycle) String() string {
	if len(c.Edges) == 0 {
		return "empty cycle"
	}
	parts := make([]string, len(c.Edges)+1)
	for i, e := range c.Edges {
		parts[i] = fmt.Sprintf("%d", e.From)
	}
	parts[len(c.Edges)] = fmt.Sprintf("%d", c.Edges[len(c.Edges)-1].To)
	return fmt.Sprintf("[%s] profit=%.4f%%", strings.Join(parts, "->"), (c.ProfitFactor()-1)*100)
}
