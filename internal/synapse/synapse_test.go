package synapse

import (
	"testing"
	"time"

	"github.com/mindfry/mindfry/internal/trit"
)

// fakeGraph is a tiny hand-built adjacency list: source -> list of neighbors.
type fakeGraph map[uint32][]NeighborView

func (g fakeGraph) neighbors(index uint32, now time.Time) []NeighborView {
	return g[index]
}

// Expectations:
//   - a single direct neighbor above cutoff is stimulated exactly once
//   - a neighbor whose damped contribution falls below cutoff is not stimulated
func TestPropagateDirectNeighbor(t *testing.T) {
	g := fakeGraph{
		0: {
			{Other: 1, Polarity: trit.Positive, DerivedStrength: 0.9}, // 1*0.5*1*0.9=0.45 > 0.1
			{Other: 2, Polarity: trit.Positive, DerivedStrength: 0.05}, // 1*0.5*1*0.05=0.025 < 0.1
		},
	}
	e := NewEngine()
	stimulated := map[uint32]float64{}
	now := time.Now()

	reached := e.Propagate(0, 1.0, now, g.neighbors, func(idx uint32, delta float64, now time.Time) error {
		stimulated[idx] = delta
		return nil
	})

	if reached != 1 {
		t.Fatalf("reached = %d, want 1", reached)
	}
	if _, ok := stimulated[1]; !ok {
		t.Fatal("expected neighbor 1 to be stimulated")
	}
	if _, ok := stimulated[2]; ok {
		t.Fatal("neighbor 2 should have been cut off")
	}
}

// Expectations:
//   - propagation never revisits a node reachable via two paths
//   - propagation halts at MaxDepth
func TestPropagateVisitedAndDepth(t *testing.T) {
	g := fakeGraph{
		0: {
			{Other: 1, Polarity: trit.Positive, DerivedStrength: 1.0},
			{Other: 2, Polarity: trit.Positive, DerivedStrength: 1.0},
		},
		1: {{Other: 3, Polarity: trit.Positive, DerivedStrength: 1.0}},
		2: {{Other: 3, Polarity: trit.Positive, DerivedStrength: 1.0}}, // also reaches 3
		3: {{Other: 4, Polarity: trit.Positive, DerivedStrength: 1.0}},
		4: {{Other: 5, Polarity: trit.Positive, DerivedStrength: 1.0}}, // depth 4, beyond MaxDepth=3
	}
	e := NewEngine()
	e.Cutoff = 0 // disable cutoff so only visited/depth rules are exercised
	now := time.Now()

	var order []uint32
	e.Propagate(0, 1.0, now, g.neighbors, func(idx uint32, delta float64, now time.Time) error {
		order = append(order, idx)
		return nil
	})

	seen := map[uint32]int{}
	for _, idx := range order {
		seen[idx]++
	}
	if seen[3] != 1 {
		t.Fatalf("node 3 stimulated %d times, want 1 (reachable via 1 and 2)", seen[3])
	}
	if _, ok := seen[5]; ok {
		t.Fatal("node 5 at depth 4 should not be reached with MaxDepth=3")
	}
}

// Expectations:
//   - a negative-polarity bond produces a negative (suppressive) contribution
func TestPropagateNegativePolarity(t *testing.T) {
	g := fakeGraph{
		0: {{Other: 1, Polarity: trit.Negative, DerivedStrength: 1.0}},
	}
	e := NewEngine()
	e.Cutoff = 0
	now := time.Now()

	var got float64
	e.Propagate(0, 1.0, now, g.neighbors, func(idx uint32, delta float64, now time.Time) error {
		got = delta
		return nil
	})
	if got >= 0 {
		t.Fatalf("expected negative contribution through a negative bond, got %v", got)
	}
}
