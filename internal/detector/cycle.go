package detector

import (
	"sort"

	"arbscout/internal/graph"
)

// CycleSet manages a deduplicated set of cycles.
type CycleSet struct {
	cycles map[string]graph.Cycle
}

// NewCycleSet creates a new cycle set.
func NewCycleSet() *CycleSet {
	return &CycleSet{
		cycles: make(map[string]graph.Cycle),
	}
}

// Add adds a cycle to the set if it's not a duplicate.
// Returns true if the cycle was added.
func (s *CycleSet) Add(c graph.Cycle) bool {
	key := c.Key()
	if key == "" {
		return false
	}

	if existing, exists := s.cycles[key]; exists {
		// Same hops; keep the lower weight in case weights differ.
		if c.WeightSum < existing.WeightSum {
			s.cycles[key] = c
		}
		return false
	}

	s.cycles[key] = c
	return true
}

// Cycles returns all cycles, most negative weight first.
func (s *CycleSet) Cycles() []graph.Cycle {
	keys := make([]string, 0, len(s.cycles))
	for k := range s.cycles {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		wi, wj := s.cycles[keys[i]].WeightSum, s.cycles[keys[j]].WeightSum
		if wi != wj {
			return wi < wj
		}
		return keys[i] < keys[j]
	})

	result := make([]graph.Cycle, len(keys))
	for i, k := range keys {
		result[i] = s.cycles[k]
	}
	return result
}

// Count returns the number of cycles in the set.
func (s *CycleSet) Count() int {
	return len(s.cycles)
}

// ValidateCycle checks if a cycle is a usable arbitrage:
// 1. Forms a complete loop (edges connect properly)
// 2. Does not reuse any pool (each pool used at most once)
// 3. Has at most maxHops edges
// 4. Weighs less than -epsilon
func ValidateCycle(c graph.Cycle, maxHops int, epsilon float64) bool {
	if !c.Closed() || c.Len() > maxHops {
		return false
	}
	if c.ReusesPool() {
		return false
	}
	return c.WeightSum < -epsilon
}

// FilterByStartTokens rotates each cycle to begin at the first of starts it
// passes through. Cycles touching none of them are dropped.
func FilterByStartTokens(cycles []graph.Cycle, starts []graph.NodeID) []graph.Cycle {
	var filtered []graph.Cycle
	for _, c := range cycles {
		for _, s := range starts {
			if rotated, ok := c.RotateTo(s); ok {
				filtered = append(filtered, rotated)
				break
			}
		}
	}
	return filtered
}
