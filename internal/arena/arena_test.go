package arena

import (
	"testing"
	"time"

	"github.com/mindfry/mindfry/internal/decay"
	"github.com/mindfry/mindfry/internal/mferr"
)

func newTestArena(cap uint32) *Arena {
	return New(decay.NewLUT(), cap)
}

// Expectations:
//   - Create assigns sequential indices starting at 0
//   - a duplicate key returns ErrConflict
//   - a "_system."-prefixed key returns ErrMalformed
//   - Create beyond capacity returns ErrExhausted
func TestCreate(t *testing.T) {
	a := newTestArena(2)
	now := time.Now()

	idx, err := a.Create("alpha", 0.5, 0.5, 0.01, now)
	if err != nil || idx != 0 {
		t.Fatalf("Create(alpha) = (%d, %v), want (0, nil)", idx, err)
	}

	if _, err := a.Create("alpha", 0.1, 0.1, 0.01, now); err != mferr.ErrConflict {
		t.Fatalf("duplicate Create error = %v, want ErrConflict", err)
	}

	if _, err := a.Create("_system.internal", 0.1, 0.1, 0.01, now); err != mferr.ErrMalformed {
		t.Fatalf("reserved-prefix Create error = %v, want ErrMalformed", err)
	}

	if _, err := a.Create("beta", 0.5, 0.5, 0.01, now); err != nil {
		t.Fatalf("second Create error = %v, want nil", err)
	}
	if _, err := a.Create("gamma", 0.5, 0.5, 0.01, now); err != mferr.ErrExhausted {
		t.Fatalf("over-capacity Create error = %v, want ErrExhausted", err)
	}
}

// Expectations:
//   - derived energy at t=last_touch equals base_energy
//   - derived energy strictly decreases as time advances (decay_rate > 0)
//   - derived energy never exceeds base_energy (spec §8 quantified invariant)
func TestDerivedEnergyDecays(t *testing.T) {
	a := newTestArena(4)
	now := time.Now()
	idx, _ := a.Create("k", 1.0, 0.5, 0.1, now)

	v0, err := a.Get(idx, now)
	if err != nil {
		t.Fatal(err)
	}
	if v0.DerivedEnergy > v0.BaseEnergy+1e-9 {
		t.Fatalf("derived energy %v exceeds base energy %v", v0.DerivedEnergy, v0.BaseEnergy)
	}

	later := now.Add(10 * time.Second)
	v1, err := a.Get(idx, later)
	if err != nil {
		t.Fatal(err)
	}
	if v1.DerivedEnergy >= v0.DerivedEnergy {
		t.Fatalf("derived energy did not decay: v0=%v v1=%v", v0.DerivedEnergy, v1.DerivedEnergy)
	}
}

// Expectations:
//   - Stimulate with positive delta never decreases derived energy
//   - the result is clamped to [0, 1]
func TestStimulateIncreasesEnergy(t *testing.T) {
	a := newTestArena(4)
	now := time.Now()
	idx, _ := a.Create("k", 0.1, 0.5, 0.01, now)

	before, _ := a.Get(idx, now)
	after, err := a.Stimulate(idx, 0.9, now)
	if err != nil {
		t.Fatal(err)
	}
	if after.DerivedEnergy < before.DerivedEnergy {
		t.Fatalf("stimulate decreased energy: before=%v after=%v", before.DerivedEnergy, after.DerivedEnergy)
	}
	if after.DerivedEnergy > 1.0 {
		t.Fatalf("stimulate exceeded clamp: %v", after.DerivedEnergy)
	}

	// A large negative stimulate clamps at 0, never below.
	clamped, err := a.Stimulate(idx, -10, now)
	if err != nil {
		t.Fatal(err)
	}
	if clamped.DerivedEnergy != 0 {
		t.Fatalf("expected clamp to 0, got %v", clamped.DerivedEnergy)
	}
}

// Expectations:
//   - Touch advances last_touch without changing derived energy at the instant of the touch
func TestTouchPreservesEnergy(t *testing.T) {
	a := newTestArena(4)
	now := time.Now()
	idx, _ := a.Create("k", 0.7, 0.5, 0.01, now)

	later := now.Add(5 * time.Second)
	before, _ := a.Get(idx, later)
	if err := a.Touch(idx, later); err != nil {
		t.Fatal(err)
	}
	after, _ := a.Get(idx, later)
	if diff := before.DerivedEnergy - after.DerivedEnergy; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("Touch changed derived energy: before=%v after=%v", before.DerivedEnergy, after.DerivedEnergy)
	}
}

// Expectations:
//   - Forget marks a lineage archived
//   - a subsequent Get on an archived lineage returns ErrNotFound
func TestForgetArchives(t *testing.T) {
	a := newTestArena(4)
	now := time.Now()
	idx, _ := a.Create("k", 0.5, 0.5, 0.01, now)
	if err := a.Forget(idx); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Get(idx, now); err != mferr.ErrNotFound {
		t.Fatalf("Get on archived lineage = %v, want ErrNotFound", err)
	}
}

// Expectations:
//   - TopKConscious returns only lineages at or above max(minEnergy, threshold)
//   - results are ordered by derived energy descending
//   - the cache is invalidated by a mutation, so a later Stimulate is reflected
func TestTopKConscious(t *testing.T) {
	a := newTestArena(8)
	now := time.Now()
	lo, _ := a.Create("lo", 0.1, 0.5, 0.0001, now)
	hi, _ := a.Create("hi", 0.9, 0.5, 0.0001, now)
	mid, _ := a.Create("mid", 0.6, 0.5, 0.0001, now)

	top := a.TopKConscious(10, 0, now)
	if len(top) != 2 {
		t.Fatalf("TopKConscious returned %d entries, want 2 (lo is below threshold)", len(top))
	}
	if top[0] != hi || top[1] != mid {
		t.Fatalf("TopKConscious order = %v, want [%d %d]", top, hi, mid)
	}
	_ = lo

	// Mutate and confirm the cache was invalidated.
	if _, err := a.Stimulate(lo, 0.9, now); err != nil {
		t.Fatal(err)
	}
	top2 := a.TopKConscious(10, 0, now)
	if len(top2) != 3 {
		t.Fatalf("after stimulate, TopKConscious returned %d entries, want 3", len(top2))
	}
}

// Expectations:
//   - Valid is true for a live lineage, false for an unknown index, and false after Forget
func TestValid(t *testing.T) {
	a := newTestArena(4)
	now := time.Now()
	idx, _ := a.Create("k", 0.5, 0.5, 0.01, now)

	if !a.Valid(idx) {
		t.Fatal("expected Valid(idx) = true for a live lineage")
	}
	if a.Valid(idx + 1) {
		t.Fatal("expected Valid(unknown index) = false")
	}
	_ = a.Forget(idx)
	if a.Valid(idx) {
		t.Fatal("expected Valid(idx) = false after Forget")
	}
}

// Expectations:
//   - Dump/Reset/LoadRow round-trips a lineage's raw fields exactly
func TestDumpLoadRoundTrip(t *testing.T) {
	a := newTestArena(4)
	now := time.Now()
	idx, _ := a.Create("k", 0.42, 0.3, 0.02, now)
	_, _ = a.Stimulate(idx, 0.1, now)

	rows := a.Dump()
	if len(rows) != 1 {
		t.Fatalf("Dump returned %d rows, want 1", len(rows))
	}

	b := newTestArena(4)
	b.Reset(4)
	b.LoadRow(rows[0])

	got, err := b.Get(idx, now)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := a.Get(idx, now)
	if got.BaseEnergy != want.BaseEnergy || got.Threshold != want.Threshold {
		t.Fatalf("round-trip mismatch: got=%+v want=%+v", got, want)
	}
}
