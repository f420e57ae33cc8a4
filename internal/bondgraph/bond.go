// Package bondgraph implements MindFry's bond graph (spec §4.C): adjacency
// by lineage index, bond polarity and living strength, density capping,
// Hebbian reinforcement, and automatic pruning.
package bondgraph

import (
	"sort"
	"sync"
	"time"

	"github.com/mindfry/mindfry/internal/decay"
	"github.com/mindfry/mindfry/internal/mferr"
	"github.com/mindfry/mindfry/internal/trit"
)

// DefaultMaxBondsPerNode is the out-degree density cap (spec §6 default: 20).
const DefaultMaxBondsPerNode = 20

// DefaultHebbianGain is the multiplicative strength boost REINFORCE applies.
// Not fixed by spec.md; chosen so a few reinforcements saturate a bond at
// 1.0 within a handful of co-stimulations, matching the "Hebbian
// reinforcement" description in spec §3 without requiring an unreasonably
// long training sequence.
const DefaultHebbianGain = 0.2

// Key identifies a bond by its ordered endpoint pair (spec §3: "Identity:
// pair (from_index, to_index)").
type Key struct {
	From, To uint32
}

type bondRow struct {
	key         Key
	directional bool
	strength    float64
	cost        float64
	polarity    trit.Trit
	decayRate   float64
	lastTouchMs int64
}

// Neighbor describes one edge reachable from a queried lineage.
type Neighbor struct {
	Bond            Key
	Other           uint32
	Polarity        trit.Trit
	DerivedStrength float64
	Cost            float64
	Directional     bool
}

// IndexValidator reports whether a lineage index is known. The bond graph
// does not own lineage identity, so Connect takes one of these (the arena
// satisfies it) to validate endpoints without an import cycle.
type IndexValidator interface {
	Valid(index uint32) bool
}

// Graph is the bond graph. One writer lock guards bonds and adjacency
// (spec §5).
type Graph struct {
	mu              sync.RWMutex
	lut             *decay.LUT
	epoch           time.Time
	maxBondsPerNode int

	bonds map[Key]*bondRow
	adj   map[uint32][]Key // node -> bonds traversable outward from it
}

// New creates an empty bond graph.
func New(lut *decay.LUT, epoch time.Time, maxBondsPerNode int) *Graph {
	if maxBondsPerNode <= 0 {
		maxBondsPerNode = DefaultMaxBondsPerNode
	}
	return &Graph{
		lut:             lut,
		epoch:           epoch,
		maxBondsPerNode: maxBondsPerNode,
		bonds:           make(map[Key]*bondRow),
		adj:             make(map[uint32][]Key),
	}
}

func (g *Graph) msSince(t time.Time) int64 { return t.Sub(g.epoch).Milliseconds() }

func (g *Graph) outDegreeLocked(node uint32) int { return len(g.adj[node]) }

// Connect creates a bond. Rejects with ErrNotFound if either endpoint is
// unknown, ErrConflict if the ordered pair already has a bond, or
// ErrDensityCap if the source endpoint (and, for a bidirectional bond, the
// target endpoint too) is already at max out-degree (spec §4.C).
func (g *Graph) Connect(valid IndexValidator, from, to uint32, strength float64, polarity trit.Trit, directional bool, decayRate float64, now time.Time) error {
	if !valid.Valid(from) || !valid.Valid(to) {
		return mferr.ErrNotFound
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	key := Key{from, to}
	if _, exists := g.bonds[key]; exists {
		return mferr.ErrConflict
	}
	if g.outDegreeLocked(from) >= g.maxBondsPerNode {
		return mferr.ErrDensityCap
	}
	if !directional && g.outDegreeLocked(to) >= g.maxBondsPerNode {
		return mferr.ErrDensityCap
	}

	row := &bondRow{
		key:         key,
		directional: directional,
		strength:    clamp01(strength),
		cost:        0,
		polarity:    polarity,
		decayRate:   decayRate,
		lastTouchMs: g.msSince(now),
	}
	g.bonds[key] = row
	g.adj[from] = append(g.adj[from], key)
	if !directional {
		g.adj[to] = append(g.adj[to], key)
	}
	return nil
}

// Reinforce multiplies strength by (1+hebbian_gain), capped at 1.0, and
// resets last_touch (spec §4.C).
func (g *Graph) Reinforce(from, to uint32, now time.Time) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	row, ok := g.bonds[Key{from, to}]
	if !ok {
		return 0, mferr.ErrNotFound
	}
	derived := g.derivedStrengthLocked(row, now)
	row.strength = clamp01(derived * (1 + DefaultHebbianGain))
	row.lastTouchMs = g.msSince(now)
	return row.strength, nil
}

// Sever removes a bond entirely, in both traversal directions.
func (g *Graph) Sever(from, to uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := Key{from, to}
	row, ok := g.bonds[key]
	if !ok {
		return mferr.ErrNotFound
	}
	g.removeLocked(row)
	return nil
}

func (g *Graph) removeLocked(row *bondRow) {
	delete(g.bonds, row.key)
	g.adj[row.key.From] = removeKey(g.adj[row.key.From], row.key)
	if !row.directional {
		g.adj[row.key.To] = removeKey(g.adj[row.key.To], row.key)
	}
}

func removeKey(keys []Key, target Key) []Key {
	for i, k := range keys {
		if k == target {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}

func (g *Graph) derivedStrengthLocked(row *bondRow, now time.Time) float64 {
	elapsedMs := g.msSince(now) - row.lastTouchMs
	if elapsedMs < 0 {
		elapsedMs = 0
	}
	factor := g.lut.DecayFactor(row.decayRate, float64(elapsedMs)/1000.0)
	return clamp01(row.strength * factor)
}

// Neighbors returns every bond traversable outward from index, ordered by
// derived strength descending — the order the synapse engine relies on to
// make top-K biasing deterministic (spec §4.E).
func (g *Graph) Neighbors(index uint32, now time.Time) []Neighbor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	keys := g.adj[index]
	out := make([]Neighbor, 0, len(keys))
	for _, k := range keys {
		row := g.bonds[k]
		if row == nil {
			continue
		}
		other := k.To
		if other == index {
			other = k.From
		}
		out = append(out, Neighbor{
			Bond:            k,
			Other:           other,
			Polarity:        row.polarity,
			DerivedStrength: g.derivedStrengthLocked(row, now),
			Cost:            row.cost,
			Directional:     row.directional,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DerivedStrength > out[j].DerivedStrength })
	return out
}

// OutDegree returns the number of bonds traversable outward from index.
func (g *Graph) OutDegree(index uint32) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.outDegreeLocked(index)
}

// PrunePass removes every bond whose derived strength is below floor as of
// now, returning the removed pairs (spec §4.C default floor: 0.01). Time is
// always supplied by the caller (spec §1 non-goal: "deterministic time —
// wall clock is an input"), never read internally.
func (g *Graph) PrunePass(floor float64, now time.Time) [][2]uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var toRemove []*bondRow
	for _, row := range g.bonds {
		if g.derivedStrengthLocked(row, now) < floor {
			toRemove = append(toRemove, row)
		}
	}
	removed := make([][2]uint32, 0, len(toRemove))
	for _, row := range toRemove {
		removed = append(removed, [2]uint32{row.key.From, row.key.To})
		g.removeLocked(row)
	}
	return removed
}

// Count returns the total number of live bonds.
func (g *Graph) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.bonds)
}

// Dump returns every bond's raw state for snapshotting.
type RawBond struct {
	Key         Key
	Directional bool
	Strength    float64
	Cost        float64
	Polarity    trit.Trit
	DecayRate   float64
	LastTouchMs int64
}

func (g *Graph) Dump() []RawBond {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]RawBond, 0, len(g.bonds))
	for _, row := range g.bonds {
		out = append(out, RawBond{
			Key:         row.key,
			Directional: row.directional,
			Strength:    row.strength,
			Cost:        row.cost,
			Polarity:    row.polarity,
			DecayRate:   row.decayRate,
			LastTouchMs: row.lastTouchMs,
		})
	}
	return out
}

// Reset discards all bonds, used by RESTORE before loading a snapshot.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bonds = make(map[Key]*bondRow)
	g.adj = make(map[uint32][]Key)
}

// LoadBond installs a bond exactly as stored in a snapshot.
func (g *Graph) LoadBond(b RawBond) {
	g.mu.Lock()
	defer g.mu.Unlock()
	row := &bondRow{
		key:         b.Key,
		directional: b.Directional,
		strength:    b.Strength,
		cost:        b.Cost,
		polarity:    b.Polarity,
		decayRate:   b.DecayRate,
		lastTouchMs: b.LastTouchMs,
	}
	g.bonds[b.Key] = row
	g.adj[b.Key.From] = append(g.adj[b.Key.From], b.Key)
	if !b.Directional {
		g.adj[b.Key.To] = append(g.adj[b.Key.To], b.Key)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
