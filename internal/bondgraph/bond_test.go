package bondgraph

import (
	"testing"
	"time"

	"github.com/mindfry/mindfry/internal/decay"
	"github.com/mindfry/mindfry/internal/mferr"
	"github.com/mindfry/mindfry/internal/trit"
)

type alwaysValid struct{}

func (alwaysValid) Valid(uint32) bool { return true }

type onlyKnown map[uint32]bool

func (o onlyKnown) Valid(i uint32) bool { return o[i] }

func newTestGraph() *Graph {
	return New(decay.NewLUT(), time.Now(), DefaultMaxBondsPerNode)
}

// Expectations:
//   - Connect succeeds for known endpoints
//   - a duplicate ordered pair returns ErrConflict
//   - an unknown endpoint returns ErrNotFound
func TestConnect(t *testing.T) {
	g := newTestGraph()
	now := time.Now()

	if err := g.Connect(alwaysValid{}, 1, 2, 0.8, trit.Positive, true, 0.01, now); err != nil {
		t.Fatalf("Connect = %v, want nil", err)
	}
	if err := g.Connect(alwaysValid{}, 1, 2, 0.8, trit.Positive, true, 0.01, now); err != mferr.ErrConflict {
		t.Fatalf("duplicate Connect = %v, want ErrConflict", err)
	}

	known := onlyKnown{1: true}
	if err := g.Connect(known, 1, 99, 0.5, trit.Positive, true, 0.01, now); err != mferr.ErrNotFound {
		t.Fatalf("Connect with unknown endpoint = %v, want ErrNotFound", err)
	}
}

// Expectations:
//   - a hub with max_bonds_per_node leaves connected rejects the next CONNECT with ErrDensityCap
func TestDensityCap(t *testing.T) {
	g := New(decay.NewLUT(), time.Now(), 20)
	now := time.Now()
	for leaf := uint32(1); leaf <= 20; leaf++ {
		if err := g.Connect(alwaysValid{}, 0, leaf, 0.5, trit.Positive, true, 0.01, now); err != nil {
			t.Fatalf("Connect leaf %d: %v", leaf, err)
		}
	}
	if err := g.Connect(alwaysValid{}, 0, 21, 0.5, trit.Positive, true, 0.01, now); err != mferr.ErrDensityCap {
		t.Fatalf("21st Connect = %v, want ErrDensityCap", err)
	}
}

// Expectations:
//   - Reinforce raises strength and never exceeds 1.0 after repeated calls
func TestReinforce(t *testing.T) {
	g := newTestGraph()
	now := time.Now()
	_ = g.Connect(alwaysValid{}, 1, 2, 0.5, trit.Positive, true, 0.0001, now)

	var last float64
	for i := 0; i < 20; i++ {
		s, err := g.Reinforce(1, 2, now)
		if err != nil {
			t.Fatal(err)
		}
		if s < last {
			t.Fatalf("reinforce %d: strength decreased %v -> %v", i, last, s)
		}
		if s > 1.0 {
			t.Fatalf("reinforce %d: strength exceeded 1.0: %v", i, s)
		}
		last = s
	}
	if last < 0.999 {
		t.Fatalf("expected saturation near 1.0 after 20 reinforcements, got %v", last)
	}
}

// Expectations:
//   - Sever removes a bond so a later Neighbors call no longer includes it
func TestSever(t *testing.T) {
	g := newTestGraph()
	now := time.Now()
	_ = g.Connect(alwaysValid{}, 1, 2, 0.5, trit.Positive, true, 0.01, now)
	if err := g.Sever(1, 2); err != nil {
		t.Fatal(err)
	}
	if err := g.Sever(1, 2); err != mferr.ErrNotFound {
		t.Fatalf("double Sever = %v, want ErrNotFound", err)
	}
	if n := g.Neighbors(1, now); len(n) != 0 {
		t.Fatalf("Neighbors after Sever = %v, want empty", n)
	}
}

// Expectations:
//   - an undirected bond is visible from both endpoints via Neighbors
//   - a directional bond is visible only from its source
func TestDirectionality(t *testing.T) {
	g := newTestGraph()
	now := time.Now()
	_ = g.Connect(alwaysValid{}, 1, 2, 0.5, trit.Positive, false, 0.0001, now)
	if len(g.Neighbors(1, now)) != 1 || len(g.Neighbors(2, now)) != 1 {
		t.Fatal("undirected bond should be visible from both endpoints")
	}

	g2 := newTestGraph()
	_ = g2.Connect(alwaysValid{}, 3, 4, 0.5, trit.Positive, true, 0.0001, now)
	if len(g2.Neighbors(3, now)) != 1 {
		t.Fatal("directional bond should be visible from its source")
	}
	if len(g2.Neighbors(4, now)) != 0 {
		t.Fatal("directional bond should not be visible from its target")
	}
}

// Expectations:
//   - Neighbors returns bonds ordered by derived strength descending
func TestNeighborsOrdering(t *testing.T) {
	g := newTestGraph()
	now := time.Now()
	_ = g.Connect(alwaysValid{}, 0, 1, 0.2, trit.Positive, true, 0.0001, now)
	_ = g.Connect(alwaysValid{}, 0, 2, 0.9, trit.Positive, true, 0.0001, now)
	_ = g.Connect(alwaysValid{}, 0, 3, 0.5, trit.Positive, true, 0.0001, now)

	neighbors := g.Neighbors(0, now)
	if len(neighbors) != 3 {
		t.Fatalf("expected 3 neighbors, got %d", len(neighbors))
	}
	for i := 1; i < len(neighbors); i++ {
		if neighbors[i].DerivedStrength > neighbors[i-1].DerivedStrength {
			t.Fatalf("neighbors not sorted descending: %+v", neighbors)
		}
	}
}

// Expectations:
//   - PrunePass removes bonds whose derived strength has decayed below floor
//   - bonds at/above the floor survive
func TestPrunePass(t *testing.T) {
	g := newTestGraph()
	now := time.Now()
	_ = g.Connect(alwaysValid{}, 1, 2, 0.02, trit.Positive, true, 0.5, now) // fast decay, will drop below floor
	_ = g.Connect(alwaysValid{}, 1, 3, 0.9, trit.Positive, true, 0.0, now) // never decays

	later := now.Add(10 * time.Second)
	removed := g.PrunePass(DefaultPruneFloorForTest, later)
	if len(removed) != 1 || removed[0] != ([2]uint32{1, 2}) {
		t.Fatalf("PrunePass removed = %v, want [[1 2]]", removed)
	}
	if g.Count() != 1 {
		t.Fatalf("Count after prune = %d, want 1", g.Count())
	}
}

const DefaultPruneFloorForTest = 0.01

// Expectations:
//   - Dump/Reset/LoadBond round-trips a bond's raw fields
func TestDumpLoadRoundTrip(t *testing.T) {
	g := newTestGraph()
	now := time.Now()
	_ = g.Connect(alwaysValid{}, 1, 2, 0.6, trit.Negative, false, 0.01, now)

	dumped := g.Dump()
	if len(dumped) != 1 {
		t.Fatalf("Dump returned %d bonds, want 1", len(dumped))
	}

	g2 := newTestGraph()
	g2.Reset()
	g2.LoadBond(dumped[0])

	if g2.Count() != 1 {
		t.Fatalf("Count after load = %d, want 1", g2.Count())
	}
	if len(g2.Neighbors(2, now)) != 1 {
		t.Fatal("undirected bond should round-trip visible from both endpoints")
	}
}
