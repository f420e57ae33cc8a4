// Package arena implements MindFry's lineage arena (spec §4.B): dense,
// index-addressable storage of lineage energy/threshold/decay state plus
// the key↔index map, with lazy decay reads through the shared decay LUT.
package arena

import (
	"sort"
	"sync"
	"time"

	"github.com/mindfry/mindfry/internal/decay"
	"github.com/mindfry/mindfry/internal/mferr"
)

// Flag bits for a lineage's flags byte (spec §3).
const (
	FlagActive   byte = 1 << 0
	FlagArchived byte = 1 << 1
	FlagSystem   byte = 1 << 2
)

// ReservedKeyPrefix marks keys reserved for internal bookkeeping (spec §3:
// "Keys prefixed _system. are reserved").
const ReservedKeyPrefix = "_system."

// ObserverEffectDelta is the energy bump applied by GET unless
// NO_SIDE_EFFECTS is set (spec §3, §4.G).
const ObserverEffectDelta = 0.01

// lineage is the columnar row for one lineage. Arrays of this type back the
// arena rather than a map, so hot paths (derived-energy reads during
// propagation) avoid per-access map lookups.
type lineage struct {
	key          string
	baseEnergy   float64
	threshold    float64
	decayRate    float64
	lastTouchMs  int64 // ms since arena epoch
	accessCount  uint64
	flags        byte
}

// View is an immutable snapshot of a lineage's state at the moment it was read.
type View struct {
	Index         uint32
	Key           string
	BaseEnergy    float64
	DerivedEnergy float64
	Threshold     float64
	DecayRate     float64
	LastTouch     time.Time
	AccessCount   uint64
	Archived      bool
	System        bool
}

// Arena is the lineage arena. One writer lock guards both the lineage rows
// and the key↔index map (spec §5: "One logical writer lock guards each of:
// lineage arena + key index, bond graph, cortex").
type Arena struct {
	mu       sync.RWMutex
	lut      *decay.LUT
	epoch    time.Time
	capacity uint32
	rows     []lineage
	byKey    map[string]uint32

	cacheMu    sync.Mutex
	topKCache  map[topKCacheKey][]uint32
}

type topKCacheKey struct {
	k         int
	minEnergy float64
}

// New creates an empty arena bounded at capacity lineages.
func New(lut *decay.LUT, capacity uint32) *Arena {
	return &Arena{
		lut:       lut,
		epoch:     time.Now(),
		capacity:  capacity,
		byKey:     make(map[string]uint32),
		topKCache: make(map[topKCacheKey][]uint32),
	}
}

func (a *Arena) msSince(t time.Time) int64 {
	return t.Sub(a.epoch).Milliseconds()
}

// Create inserts a new lineage. Fails with ErrConflict if key already
// exists, ErrMalformed if key uses the reserved "_system." prefix, or
// ErrExhausted if capacity is reached.
func (a *Arena) Create(key string, energy, threshold, decayRate float64, now time.Time) (uint32, error) {
	if len(key) >= len(ReservedKeyPrefix) && key[:len(ReservedKeyPrefix)] == ReservedKeyPrefix {
		return 0, mferr.ErrMalformed
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.byKey[key]; exists {
		return 0, mferr.ErrConflict
	}
	if uint32(len(a.rows)) >= a.capacity {
		return 0, mferr.ErrExhausted
	}

	idx := uint32(len(a.rows))
	a.rows = append(a.rows, lineage{
		key:         key,
		baseEnergy:  clamp01(energy),
		threshold:   clamp01(threshold),
		decayRate:   decayRate,
		lastTouchMs: a.msSince(now),
		flags:       FlagActive,
	})
	a.byKey[key] = idx
	a.invalidateCacheLocked()
	return idx, nil
}

// Len returns the number of rows ever allocated, including archived ones.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.rows)
}

// Capacity returns the arena's configured capacity.
func (a *Arena) Capacity() uint32 { return a.capacity }

// Utilization returns len(rows)/capacity, used by the stability layer's
// exhaustion classifier (spec §4.I).
func (a *Arena) Utilization() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.capacity == 0 {
		return 1
	}
	return float64(len(a.rows)) / float64(a.capacity)
}

// derivedEnergyLocked computes E(t) = base_energy·decay_factor, assuming the
// caller already holds at least a read lock.
func (a *Arena) derivedEnergyLocked(row *lineage, now time.Time) float64 {
	elapsedMs := a.msSince(now) - row.lastTouchMs
	if elapsedMs < 0 {
		elapsedMs = 0
	}
	factor := a.lut.DecayFactor(row.decayRate, float64(elapsedMs)/1000.0)
	return clamp01(row.baseEnergy * factor)
}

func (a *Arena) viewLocked(idx uint32, row *lineage, now time.Time) View {
	return View{
		Index:         idx,
		Key:           row.key,
		BaseEnergy:    row.baseEnergy,
		DerivedEnergy: a.derivedEnergyLocked(row, now),
		Threshold:     row.threshold,
		DecayRate:     row.decayRate,
		LastTouch:     a.epoch.Add(time.Duration(row.lastTouchMs) * time.Millisecond),
		AccessCount:   row.accessCount,
		Archived:      row.flags&FlagArchived != 0,
		System:        row.flags&FlagSystem != 0,
	}
}

// Get returns a derived-energy view of index, bumping access_count. It does
// NOT apply the observer-effect energy bump — that is the command handler's
// job (spec §4.G step 4), so arena.Get stays a pure read from the caller's
// point of view modulo the access counter.
func (a *Arena) Get(index uint32, now time.Time) (View, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	row, err := a.rowLocked(index)
	if err != nil {
		return View{}, err
	}
	row.accessCount++
	return a.viewLocked(index, row, now), nil
}

// GetByKey resolves key through the key↔index map and behaves like Get.
func (a *Arena) GetByKey(key string, now time.Time) (View, error) {
	a.mu.RLock()
	idx, ok := a.byKey[key]
	a.mu.RUnlock()
	if !ok {
		return View{}, mferr.ErrNotFound
	}
	return a.Get(idx, now)
}

// Valid reports whether index names a live (non-archived) lineage, without
// mutating access_count. Satisfies bondgraph.IndexValidator so CONNECT can
// validate endpoints without bondgraph importing arena.
func (a *Arena) Valid(index uint32) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, err := a.rowLocked(index)
	return err == nil
}

// Index resolves a key to its index without mutating access_count.
func (a *Arena) Index(key string) (uint32, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	idx, ok := a.byKey[key]
	return idx, ok
}

func (a *Arena) rowLocked(index uint32) (*lineage, error) {
	if index >= uint32(len(a.rows)) {
		return nil, mferr.ErrNotFound
	}
	row := &a.rows[index]
	if row.flags&FlagArchived != 0 {
		return nil, mferr.ErrNotFound
	}
	return row, nil
}

// Stimulate sets base_energy = clamp(derived_energy + delta, 0, 1) and
// advances last_touch to now (spec §4.B). Returns the resulting view.
func (a *Arena) Stimulate(index uint32, delta float64, now time.Time) (View, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	row, err := a.rowLocked(index)
	if err != nil {
		return View{}, err
	}
	derived := a.derivedEnergyLocked(row, now)
	row.baseEnergy = clamp01(derived + delta)
	row.lastTouchMs = a.msSince(now)
	a.invalidateCacheLocked()
	return a.viewLocked(index, row, now), nil
}

// Touch updates last_touch without changing energy (spec §4.B).
func (a *Arena) Touch(index uint32, now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	row, err := a.rowLocked(index)
	if err != nil {
		return err
	}
	// Touch must not change derived energy, so re-anchor base_energy to the
	// currently derived value before moving last_touch forward.
	row.baseEnergy = a.derivedEnergyLocked(row, now)
	row.lastTouchMs = a.msSince(now)
	return nil
}

// Forget marks index archived. Slot reclamation is lazy (spec §4.B): the
// row stays allocated, just flagged, and Dump (hence every snapshot) still
// includes it with FlagArchived set.
func (a *Arena) Forget(index uint32) error {
	return a.Archive(index)
}

// Archive marks index archived. The handler's decay.ArenaView adapter
// forwards the GC pass's archive calls here.
func (a *Arena) Archive(index uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if index >= uint32(len(a.rows)) {
		return mferr.ErrNotFound
	}
	row := &a.rows[index]
	row.flags |= FlagArchived
	row.flags &^= FlagActive
	a.invalidateCacheLocked()
	return nil
}

// ForEachActive backs decay.ArenaView for the GC pass through the handler's
// adapter, which captures now once for the whole pass, since Arena itself
// does not track a global "now" and decay.ArenaView's method takes no time.
//
// The snapshot is taken under a.mu.RLock and fn runs after the lock is
// released, so fn is free to call back into Arena methods that take
// a.mu.Lock (e.g. Archive) without deadlocking.
func (a *Arena) ForEachActive(now time.Time, fn func(index uint32, derivedEnergy, threshold float64)) {
	type activeRow struct {
		index                uint32
		derivedEnergy, threshold float64
	}

	a.mu.RLock()
	active := make([]activeRow, 0, len(a.rows))
	for i := range a.rows {
		row := &a.rows[i]
		if row.flags&FlagArchived != 0 {
			continue
		}
		active = append(active, activeRow{uint32(i), a.derivedEnergyLocked(row, now), row.threshold})
	}
	a.mu.RUnlock()

	for _, r := range active {
		fn(r.index, r.derivedEnergy, r.threshold)
	}
}

// TopKConscious returns up to k indices with derived energy ≥
// max(minEnergy, threshold), ordered by derived energy descending (spec
// §4.B). Results are cached per (k, minEnergy) pair until the next mutation
// or explicit InvalidateTopKCache call.
func (a *Arena) TopKConscious(k int, minEnergy float64, now time.Time) []uint32 {
	key := topKCacheKey{k: k, minEnergy: minEnergy}

	a.cacheMu.Lock()
	if cached, ok := a.topKCache[key]; ok {
		a.cacheMu.Unlock()
		return cached
	}
	a.cacheMu.Unlock()

	a.mu.RLock()
	type scored struct {
		idx    uint32
		energy float64
	}
	var candidates []scored
	for i := range a.rows {
		row := &a.rows[i]
		if row.flags&FlagArchived != 0 {
			continue
		}
		e := a.derivedEnergyLocked(row, now)
		floor := minEnergy
		if row.threshold > floor {
			floor = row.threshold
		}
		if e >= floor {
			candidates = append(candidates, scored{uint32(i), e})
		}
	}
	a.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].energy > candidates[j].energy })
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]uint32, len(candidates))
	for i, c := range candidates {
		out[i] = c.idx
	}

	a.cacheMu.Lock()
	a.topKCache[key] = out
	a.cacheMu.Unlock()
	return out
}

// InvalidateTopKCache drops all cached TopKConscious results. The command
// handler calls this whenever the cortex mood changes (spec §4.B: "Results
// are cached and invalidated on any mutation or cortex mood change") —
// internal mutations invalidate it automatically via invalidateCacheLocked.
func (a *Arena) InvalidateTopKCache() {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	a.topKCache = make(map[topKCacheKey][]uint32)
}

func (a *Arena) invalidateCacheLocked() {
	a.cacheMu.Lock()
	a.topKCache = make(map[topKCacheKey][]uint32)
	a.cacheMu.Unlock()
}

// RawRow is the exact on-disk representation of one lineage, used by the
// persistence adapter's snapshot encoder/decoder. Unlike View it carries
// base_energy and last_touch untouched by decay so a restore round-trips
// them exactly (spec §8: "restore(snapshot(state)) == state for all fields
// except last_touch (which is preserved)").
type RawRow struct {
	Index       uint32
	Key         string
	BaseEnergy  float64
	Threshold   float64
	DecayRate   float64
	LastTouchMs int64
	AccessCount uint64
	Flags       byte
}

// Dump returns the raw rows for every non-empty lineage — "non-empty"
// meaning it has a key (was ever created); archived rows are included with
// their flag set so the persistence adapter can decide sparsely whether to
// write them (spec §4.H: "sparse list of non-empty lineages ... sparse
// means zero-energy never-touched slots are omitted").
func (a *Arena) Dump() []RawRow {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]RawRow, 0, len(a.rows))
	for i := range a.rows {
		row := &a.rows[i]
		if row.key == "" {
			continue
		}
		out = append(out, RawRow{
			Index:       uint32(i),
			Key:         row.key,
			BaseEnergy:  row.baseEnergy,
			Threshold:   row.threshold,
			DecayRate:   row.decayRate,
			LastTouchMs: row.lastTouchMs,
			AccessCount: row.accessCount,
			Flags:       row.flags,
		})
	}
	return out
}

// Reset discards all lineage state and re-sizes the arena to capacity,
// used by RESTORE before loading rows from a snapshot (spec §4.H: "rebuilds
// arenas, and only then replaces live state atomically").
func (a *Arena) Reset(capacity uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.capacity = capacity
	a.rows = nil
	a.byKey = make(map[string]uint32)
	a.invalidateCacheLocked()
}

// LoadRow installs a row at exactly its snapshot index, growing the backing
// array as needed. Used only during RESTORE, after Reset.
func (a *Arena) LoadRow(row RawRow) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for uint32(len(a.rows)) <= row.Index {
		a.rows = append(a.rows, lineage{})
	}
	a.rows[row.Index] = lineage{
		key:         row.Key,
		baseEnergy:  row.BaseEnergy,
		threshold:   row.Threshold,
		decayRate:   row.DecayRate,
		lastTouchMs: row.LastTouchMs,
		accessCount: row.AccessCount,
		flags:       row.Flags,
	}
	if row.Key != "" && row.Flags&FlagArchived == 0 {
		a.byKey[row.Key] = row.Index
	}
	a.invalidateCacheLocked()
}

// Epoch returns the arena's time origin, used to convert RawRow.LastTouchMs
// back into a wall-clock time.Time for snapshot encoding.
func (a *Arena) Epoch() time.Time { return a.epoch }

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
