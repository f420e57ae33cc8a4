// Package handler implements MindFry's Command Handler (spec §4.G): it maps
// the wire protocol's semantic operations onto the arena, bond graph, decay
// engine, synapse engine, and cortex, enforcing the warmup gate and
// exhaustion policy before every call. Grounded on cmd/agsh/main.go's
// construct-then-dispatch wiring and the teacher's role packages' plain
// (T, error) return shape.
package handler

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mindfry/mindfry/internal/arena"
	"github.com/mindfry/mindfry/internal/bondgraph"
	"github.com/mindfry/mindfry/internal/bus"
	"github.com/mindfry/mindfry/internal/cortex"
	"github.com/mindfry/mindfry/internal/decay"
	"github.com/mindfry/mindfry/internal/mferr"
	"github.com/mindfry/mindfry/internal/persistence"
	"github.com/mindfry/mindfry/internal/stability"
	"github.com/mindfry/mindfry/internal/synapse"
	"github.com/mindfry/mindfry/internal/trit"
	"github.com/mindfry/mindfry/internal/types"
	"github.com/mindfry/mindfry/internal/wire"
)

// Handler owns every core subsystem and is the sole entry point the wire
// layer calls into (spec §4.G).
type Handler struct {
	Arena   *arena.Arena
	Bonds   *bondgraph.Graph
	Decay   *decay.Engine
	Synapse *synapse.Engine
	Cortex  *cortex.Cortex
	Stability *stability.Layer
	Store   *persistence.Store
	Bus     *bus.Bus

	// freezeMu is held for the duration of SNAPSHOT/RESTORE so every other
	// operation blocks rather than racing a swap of live state (spec §4.G
	// step 6: "these operations freeze mutations for the duration").
	freezeMu sync.RWMutex

	generation uint64
}

// New wires a handler from already-constructed subsystems. Callers (e.g.
// cmd/mindfryd) are responsible for construction order: LUT, then arena and
// bonds sharing it, then decay/synapse/cortex/stability/persistence/bus.
func New(a *arena.Arena, bonds *bondgraph.Graph, dec *decay.Engine, syn *synapse.Engine, cx *cortex.Cortex, stab *stability.Layer, store *persistence.Store, b *bus.Bus) *Handler {
	return &Handler{Arena: a, Bonds: bonds, Decay: dec, Synapse: syn, Cortex: cx, Stability: stab, Store: store, Bus: b}
}

// gate enforces the warmup and exhaustion checks common to every operation
// (spec §4.G steps 1-2). exempt is true for PING/STATS, which bypass the
// warmup gate; write reports whether the operation mutates state, since
// writes are rejected when Exhausted but reads are not.
func (h *Handler) gate(exempt, write bool) error {
	if !exempt && !h.Stability.Warm() {
		return mferr.ErrWarmingUp
	}
	level := h.Stability.Level()
	if write && level >= stability.Exhausted {
		return mferr.ErrExhausted
	}
	if level >= stability.Emergency && !exempt {
		return mferr.ErrExhausted
	}
	return nil
}

// Create implements CREATE (spec §6 0x10).
func (h *Handler) Create(key string, energy, threshold, decayRate float64, now time.Time) (uint32, error) {
	if err := h.gate(false, true); err != nil {
		return 0, err
	}
	h.freezeMu.RLock()
	defer h.freezeMu.RUnlock()

	idx, err := h.Arena.Create(key, energy, threshold, decayRate, now)
	if err != nil {
		return 0, err
	}
	h.Bus.Publish(types.Message{
		ID: uuid.New().String(), Timestamp: now, Topic: types.TopicLineageCreated,
		Payload: types.LineageCreatedEvent{Key: key, Index: idx},
	})
	return idx, nil
}

// LineageView is what GET returns to the wire layer after filtering.
type LineageView struct {
	arena.View
	Consciousness trit.Trit
	Filter        cortex.Filter
}

// Get implements GET (spec §6 0x11): applies the cortex filter policy, then
// the observer-effect stimulate unless NO_SIDE_EFFECTS (spec §4.G step 4).
func (h *Handler) Get(key string, event trit.Octet, flags byte, now time.Time) (LineageView, error) {
	if err := h.gate(false, false); err != nil {
		return LineageView{}, err
	}
	h.freezeMu.RLock()
	defer h.freezeMu.RUnlock()

	idx, ok := h.Arena.Index(key)
	if !ok {
		return LineageView{}, mferr.ErrNotFound
	}
	filter := h.Cortex.FilterPolicy(idx, event, h.Decay.Retention, flags)
	if filter != cortex.Found {
		return LineageView{Filter: filter}, nil
	}

	view, err := h.Arena.Get(idx, now)
	if err != nil {
		return LineageView{}, err
	}
	if flags&cortex.FlagNoSideEffects == 0 {
		view, err = h.Arena.Stimulate(idx, arena.ObserverEffectDelta, now)
		if err != nil {
			return LineageView{}, err
		}
	}
	state := h.Cortex.ConsciousnessState(view.DerivedEnergy, view.Threshold)
	return LineageView{View: view, Consciousness: state, Filter: cortex.Found}, nil
}

// Stimulate implements STIMULATE (spec §6 0x12): mutates base_energy, then
// triggers the Synapse Engine unless NO_PROPAGATE (spec §4.G step 5), and
// restores the lineage from the retention buffer if it was buffered.
func (h *Handler) Stimulate(key string, delta float64, flags byte, now time.Time) (arena.View, int, error) {
	if err := h.gate(false, true); err != nil {
		return arena.View{}, 0, err
	}
	h.freezeMu.RLock()
	defer h.freezeMu.RUnlock()

	idx, ok := h.Arena.Index(key)
	if !ok {
		return arena.View{}, 0, mferr.ErrNotFound
	}
	view, err := h.Arena.Stimulate(idx, delta, now)
	if err != nil {
		return arena.View{}, 0, err
	}
	h.Decay.Restore(idx)

	propagated := 0
	if flags&wire.FlagNoPropagate == 0 {
		propagated = h.Synapse.Propagate(idx, delta, now, h.neighborsView, h.stimulateOne)
	}
	return view, propagated, nil
}

func (h *Handler) neighborsView(index uint32, now time.Time) []synapse.NeighborView {
	neighbors := h.Bonds.Neighbors(index, now)
	out := make([]synapse.NeighborView, len(neighbors))
	for i, n := range neighbors {
		out[i] = synapse.NeighborView{Other: n.Other, Polarity: n.Polarity, DerivedStrength: n.DerivedStrength}
	}
	return out
}

func (h *Handler) stimulateOne(index uint32, delta float64, now time.Time) error {
	_, err := h.Arena.Stimulate(index, delta, now)
	if err == nil {
		h.Decay.Restore(index)
	}
	return err
}

// Touch implements TOUCH (spec §6 0x14).
func (h *Handler) Touch(key string, now time.Time) error {
	if err := h.gate(false, true); err != nil {
		return err
	}
	h.freezeMu.RLock()
	defer h.freezeMu.RUnlock()
	idx, ok := h.Arena.Index(key)
	if !ok {
		return mferr.ErrNotFound
	}
	return h.Arena.Touch(idx, now)
}

// Forget implements FORGET (spec §6 0x13).
func (h *Handler) Forget(key string, now time.Time) error {
	if err := h.gate(false, true); err != nil {
		return err
	}
	h.freezeMu.RLock()
	defer h.freezeMu.RUnlock()
	idx, ok := h.Arena.Index(key)
	if !ok {
		return mferr.ErrNotFound
	}
	if err := h.Arena.Forget(idx); err != nil {
		return err
	}
	h.Bus.Publish(types.Message{
		ID: uuid.New().String(), Timestamp: now, Topic: types.TopicLineageArchived,
		Payload: types.LineageArchivedEvent{Key: key, Index: idx},
	})
	return nil
}

// Connect implements CONNECT (spec §6 0x20).
func (h *Handler) Connect(fromKey, toKey string, strength float64, polarity trit.Trit, directional bool, decayRate float64, now time.Time) error {
	if err := h.gate(false, true); err != nil {
		return err
	}
	h.freezeMu.RLock()
	defer h.freezeMu.RUnlock()

	from, ok := h.Arena.Index(fromKey)
	if !ok {
		return mferr.ErrNotFound
	}
	to, ok := h.Arena.Index(toKey)
	if !ok {
		return mferr.ErrNotFound
	}
	return h.Bonds.Connect(h.Arena, from, to, strength, polarity, directional, decayRate, now)
}

// Reinforce implements REINFORCE (spec §6 0x21).
func (h *Handler) Reinforce(fromKey, toKey string, now time.Time) (float64, error) {
	if err := h.gate(false, true); err != nil {
		return 0, err
	}
	h.freezeMu.RLock()
	defer h.freezeMu.RUnlock()

	from, ok := h.Arena.Index(fromKey)
	if !ok {
		return 0, mferr.ErrNotFound
	}
	to, ok := h.Arena.Index(toKey)
	if !ok {
		return 0, mferr.ErrNotFound
	}
	return h.Bonds.Reinforce(from, to, now)
}

// Sever implements SEVER (spec §6 0x22).
func (h *Handler) Sever(fromKey, toKey string, now time.Time) error {
	if err := h.gate(false, true); err != nil {
		return err
	}
	h.freezeMu.RLock()
	defer h.freezeMu.RUnlock()

	from, ok := h.Arena.Index(fromKey)
	if !ok {
		return mferr.ErrNotFound
	}
	to, ok := h.Arena.Index(toKey)
	if !ok {
		return mferr.ErrNotFound
	}
	if err := h.Bonds.Sever(from, to); err != nil {
		return err
	}
	h.Bus.Publish(types.Message{
		ID: uuid.New().String(), Timestamp: now, Topic: types.TopicBondSevered,
		Payload: types.BondSeveredEvent{FromIndex: from, ToIndex: to},
	})
	return nil
}

// Neighbors implements NEIGHBORS (spec §6 0x23).
func (h *Handler) Neighbors(key string, now time.Time) ([]bondgraph.Neighbor, error) {
	if err := h.gate(false, false); err != nil {
		return nil, err
	}
	h.freezeMu.RLock()
	defer h.freezeMu.RUnlock()
	idx, ok := h.Arena.Index(key)
	if !ok {
		return nil, mferr.ErrNotFound
	}
	return h.Bonds.Neighbors(idx, now), nil
}

// Conscious implements CONSCIOUS/TOP_K (spec §6 0x30/0x31): top-K lineages
// by derived energy, resolved back to their keys.
func (h *Handler) Conscious(k int, minEnergy float64, now time.Time) ([]string, error) {
	if err := h.gate(false, false); err != nil {
		return nil, err
	}
	h.freezeMu.RLock()
	defer h.freezeMu.RUnlock()
	indices := h.Arena.TopKConscious(k, minEnergy, now)
	keys := make([]string, 0, len(indices))
	for _, idx := range indices {
		if v, err := h.Arena.Get(idx, now); err == nil {
			keys = append(keys, v.Key)
		}
	}
	return keys, nil
}

// Trauma implements TRAUMA (spec §6 0x32): not elaborated beyond its opcode
// and k/min_energy payload shape in spec.md, so it is defined here as the
// top-K lineages by count of incident Antagonism-polarity bonds — the
// closest reading of "trauma" the data model supports (an open question,
// decided and recorded in DESIGN.md).
func (h *Handler) Trauma(k int, now time.Time) ([]string, error) {
	if err := h.gate(false, false); err != nil {
		return nil, err
	}
	h.freezeMu.RLock()
	defer h.freezeMu.RUnlock()

	type scored struct {
		key   string
		count int
	}
	var candidates []scored
	for i := uint32(0); i < uint32(h.Arena.Len()); i++ {
		v, err := h.Arena.Get(i, now)
		if err != nil {
			continue
		}
		count := 0
		for _, n := range h.Bonds.Neighbors(i, now) {
			if n.Polarity == trit.Negative {
				count++
			}
		}
		if count > 0 {
			candidates = append(candidates, scored{key: v.Key, count: count})
		}
	}
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].count > candidates[i].count {
				candidates[i], candidates[j] = candidates[j], candidates[i]
			}
		}
	}
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	keys := make([]string, len(candidates))
	for i, c := range candidates {
		keys[i] = c.key
	}
	return keys, nil
}

// Pattern implements PATTERN (spec §6 0x33): a single fixed predicate over
// lineage keys using filepath.Match-style glob syntax, grounded on
// internal/tools/glob.go's filename matcher reused for key matching.
func (h *Handler) Pattern(glob string, now time.Time) ([]string, error) {
	if err := h.gate(false, false); err != nil {
		return nil, err
	}
	h.freezeMu.RLock()
	defer h.freezeMu.RUnlock()

	var matches []string
	for i := uint32(0); i < uint32(h.Arena.Len()); i++ {
		v, err := h.Arena.Get(i, now)
		if err != nil {
			continue
		}
		ok, err := filepath.Match(glob, v.Key)
		if err != nil {
			return nil, mferr.ErrMalformed
		}
		if ok {
			matches = append(matches, v.Key)
		}
	}
	return matches, nil
}

// Ping implements PING (spec §6 0x40) — exempt from the warmup gate.
func (h *Handler) Ping() error {
	return h.gate(true, false)
}

// Stats implements STATS (spec §6 0x41) — exempt from the warmup gate.
type Stats struct {
	Lineages        int
	Bonds           int
	Utilization     float64
	ExhaustionLevel stability.Level
	Recovery        stability.Recovery
	Mood            float64
	Warm            bool
}

func (h *Handler) Stats() Stats {
	return Stats{
		Lineages:        h.Arena.Len(),
		Bonds:           h.Bonds.Count(),
		Utilization:     h.Arena.Utilization(),
		ExhaustionLevel: h.Stability.Level(),
		Recovery:        h.Stability.Recovery(),
		Mood:            h.Cortex.Mood(),
		Warm:            h.Stability.Warm(),
	}
}

// Snapshot implements SNAPSHOT (spec §6 0x42): freezes mutations for the
// duration (spec §4.G step 6) and delegates encoding to the Persistence
// Adapter.
func (h *Handler) Snapshot(now time.Time) (uint64, error) {
	if err := h.gate(false, true); err != nil {
		return 0, err
	}
	h.freezeMu.Lock()
	defer h.freezeMu.Unlock()

	h.generation++
	snap := persistence.Snapshot{
		Generation:  h.generation,
		Lineages:    h.Arena.Dump(),
		Bonds:       h.Bonds.Dump(),
		Personality: h.Cortex.Personality(),
		Mood:        h.Cortex.Mood(),
		Retention:   h.Decay.Retention.Snapshot(),
	}
	if err := h.Store.SaveSnapshot(snap); err != nil {
		slog.Error("[G] snapshot failed", "error", err)
		return 0, mferr.ErrInternal
	}
	return h.generation, nil
}

// Restore implements RESTORE (spec §6 0x43): reopens the latest snapshot,
// validates it, rebuilds the arena and bond graph, and only then replaces
// live state atomically (spec §4.H). Corruption empties the arena and
// applies a recovery-bias mood nudge rather than propagating the error.
func (h *Handler) Restore(now time.Time) error {
	if err := h.gate(false, true); err != nil {
		return err
	}
	h.freezeMu.Lock()
	defer h.freezeMu.Unlock()

	snap, err := h.Store.LoadLatestSnapshot()
	if err != nil {
		if err == mferr.ErrMalformed {
			h.Arena.Reset(h.Arena.Capacity())
			h.Bonds.Reset()
			h.Cortex.SetMood(stability.RecoveryShock.MoodBias())
			slog.Warn("[G] restore: snapshot corrupt, arena emptied with recovery bias")
			return nil
		}
		return err
	}

	h.Arena.Reset(h.Arena.Capacity())
	for _, row := range snap.Lineages {
		h.Arena.LoadRow(row)
	}
	h.Bonds.Reset()
	for _, b := range snap.Bonds {
		h.Bonds.LoadBond(b)
	}
	h.Cortex.SetMood(snap.Mood)
	h.Decay.Retention.Load(snap.Retention)
	h.generation = snap.Generation
	return nil
}

// Freeze implements FREEZE (spec §6 0x44): holds the write lock for the
// duration of fn, used for ad-hoc maintenance windows beyond SNAPSHOT/RESTORE.
func (h *Handler) Freeze(fn func()) {
	h.freezeMu.Lock()
	defer h.freezeMu.Unlock()
	fn()
}

// PhysicsTune implements PHYSICS_TUNE (spec §6 0x45): installs a new
// mood-shifted deadband on the cortex.
func (h *Handler) PhysicsTune(q trit.Quantizer) error {
	if err := h.gate(false, true); err != nil {
		return err
	}
	h.Cortex.SetQuantizer(q)
	return nil
}

// SysMoodSet implements SYS_MOOD_SET (spec §6 0x46).
func (h *Handler) SysMoodSet(mood float64, now time.Time) error {
	if err := h.gate(false, true); err != nil {
		return err
	}
	prev := h.Cortex.Mood()
	h.Cortex.SetMood(mood)
	h.Bus.Publish(types.Message{
		ID: uuid.New().String(), Timestamp: now, Topic: types.TopicMoodChange,
		Payload: types.MoodChangeEvent{Previous: prev, Current: mood, Reason: "sys_mood_set"},
	})
	return nil
}

// GCTick runs one decay-engine GC pass and publishes the resulting stats,
// called by the background ticker in cmd/mindfryd (spec §4.D).
func (h *Handler) GCTick(now time.Time) decay.Stats {
	h.freezeMu.Lock()
	defer h.freezeMu.Unlock()

	view := arenaGCView{a: h.Arena, now: now}
	stats := h.Decay.Tick(view, h.Bonds, h.Cortex.Personality(), now)
	h.Arena.InvalidateTopKCache()
	h.Bus.Publish(types.Message{
		ID: uuid.New().String(), Timestamp: now, Topic: types.TopicGCTick,
		Payload: types.GCTickEvent{Scanned: stats.Scanned, Archived: stats.Archived, Buffered: stats.Buffered, Restored: stats.Restored, Pruned: stats.Pruned},
	})
	return stats
}

// arenaGCView adapts *arena.Arena's now-parameterized ForEachActive to the
// decay.ArenaView interface, which has no now parameter — now is captured
// in the closure instead, since wall-clock time is always an explicit
// argument at the call site, never read internally (spec §1 non-goal).
type arenaGCView struct {
	a   *arena.Arena
	now time.Time
}

func (v arenaGCView) ForEachActive(fn func(index uint32, derivedEnergy, threshold float64)) {
	v.a.ForEachActive(v.now, fn)
}

func (v arenaGCView) Archive(index uint32) error {
	return v.a.Archive(index)
}
