package decay

import (
	"time"

	"github.com/mindfry/mindfry/internal/trit"
)

// DefaultPruneFloor is the derived bond strength below which a bond is
// pruned automatically during a GC pass (spec §4.C default: 0.01).
const DefaultPruneFloor = 0.01

// ArenaView is the subset of the lineage arena the GC engine needs. The
// handler adapts the lineage arena (internal/arena) to this interface;
// decay does not import arena, keeping the dependency direction arena →
// decay rather than a cycle.
type ArenaView interface {
	// ForEachActive calls fn once per non-archived lineage with its index
	// and current derived energy/threshold.
	ForEachActive(fn func(index uint32, derivedEnergy, threshold float64))
	// Archive marks index archived. Returns an error only if index is unknown.
	Archive(index uint32) error
}

// BondPruner is the subset of the bond graph the GC engine needs.
type BondPruner interface {
	// PrunePass removes every bond whose derived strength is below floor and
	// returns the removed (from, to) pairs.
	PrunePass(floor float64, now time.Time) [][2]uint32
}

// Stats summarises one GC pass, published on the bus as types.GCTickEvent.
type Stats struct {
	Scanned  int
	Archived int
	Buffered int
	Restored int
	Pruned   int
}

// Engine runs GC passes: classify every active lineage's viability, tick or
// mark_or_tick the retention buffer, archive expired entries, and prune
// weak bonds in the same pass (spec §4.D, §9 "Back-references").
type Engine struct {
	LUT         *LUT
	Retention   *RetentionBuffer
	PruneFloor  float64
}

// NewEngine constructs a GC engine with the default prune floor.
func NewEngine(lut *LUT) *Engine {
	return &Engine{
		LUT:        lut,
		Retention:  NewRetentionBuffer(),
		PruneFloor: DefaultPruneFloor,
	}
}

// Tick runs one full GC pass over arena and bonds, using personality to
// modulate the obsolescence margin. Callers must hold the arena, bond, and
// cortex write locks in the documented order before calling Tick (spec §5).
func (e *Engine) Tick(arena ArenaView, bonds BondPruner, personality trit.Octet, now time.Time) Stats {
	margin := MarginFor(personality)
	var stats Stats

	arena.ForEachActive(func(index uint32, derivedEnergy, threshold float64) {
		stats.Scanned++
		v := Viability(derivedEnergy, threshold, margin)
		if v != trit.Negative {
			// Stable or Unstable: if it was buffered from a prior Obsolete
			// streak, the streak is broken — restore it.
			if e.Retention.Restore(index) {
				stats.Restored++
			}
			return
		}
		ttl, expired := e.Retention.MarkOrTick(index)
		if expired {
			if err := arena.Archive(index); err == nil {
				stats.Archived++
			}
			return
		}
		_ = ttl
		stats.Buffered++
	})

	pruned := bonds.PrunePass(e.PruneFloor, now)
	stats.Pruned = len(pruned)
	return stats
}

// Restore removes index from the retention buffer. Called whenever a
// buffered lineage is stimulated (spec §4.D: "Any stimulate on a buffered
// lineage calls restore(index), removing it from the buffer").
func (e *Engine) Restore(index uint32) bool {
	return e.Retention.Restore(index)
}
