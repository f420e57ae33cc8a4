// Package synapse implements MindFry's propagation engine (spec §4.E):
// damped, bounded-depth spreading activation over the bond graph triggered
// by STIMULATE.
package synapse

import (
	"time"

	"github.com/mindfry/mindfry/internal/trit"
)

// Defaults per spec §6.
const (
	DefaultDamping  = 0.5
	DefaultCutoff   = 0.1
	DefaultMaxDepth = 3
)

// NeighborView is the shape bondgraph.Graph.Neighbors results are adapted to
// before reaching Propagate. Defined locally rather than importing
// bondgraph.Neighbor so synapse takes no dependency on bondgraph's error
// types or its Key/RawBond internals — only the three fields a propagation
// hop needs.
type NeighborView struct {
	Other           uint32
	Polarity        trit.Trit
	DerivedStrength float64
}

// Engine runs damped propagation. Stateless aside from configuration — all
// per-call state (visited set, queue) lives on the call stack.
type Engine struct {
	Damping  float64
	Cutoff   float64
	MaxDepth int
}

// NewEngine returns an engine configured with spec defaults.
func NewEngine() *Engine {
	return &Engine{Damping: DefaultDamping, Cutoff: DefaultCutoff, MaxDepth: DefaultMaxDepth}
}

// workItem is one pending propagation hop.
type workItem struct {
	index uint32
	delta float64
	depth int
}

// Propagate spreads delta outward from source through bonds using a bounded
// work queue (spec §9: "Propagation without recursion" — a BFS frontier
// bounded by MaxDepth, never a recursive call stack). Each neighbor is
// stimulated at most once per call even if reachable via multiple paths, by
// a visited set scoped to this call (spec §4.E).
//
// neighbors resolves a node's outward bonds as of now; stimulate applies a
// delta to a lineage and reports whether it took effect. Both are handed in
// by the caller (the command handler) so synapse never imports arena or
// bondgraph directly, keeping propagation logic independent of their
// concrete locking and error types.
func (e *Engine) Propagate(
	source uint32,
	delta float64,
	now time.Time,
	neighbors func(index uint32, now time.Time) []NeighborView,
	stimulate func(index uint32, delta float64, now time.Time) error,
) int {
	if neighbors == nil || stimulate == nil {
		return 0
	}
	visited := map[uint32]bool{source: true}
	queue := []workItem{{index: source, delta: delta, depth: 0}}
	reached := 0

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= e.MaxDepth {
			continue
		}
		for _, nb := range neighbors(cur.index, now) {
			if visited[nb.Other] {
				continue
			}
			contribution := cur.delta * e.Damping * float64(nb.Polarity.Weight()) * nb.DerivedStrength
			if abs(contribution) < e.Cutoff {
				continue
			}
			visited[nb.Other] = true
			if err := stimulate(nb.Other, contribution, now); err == nil {
				reached++
			}
			queue = append(queue, workItem{index: nb.Other, delta: contribution, depth: cur.depth + 1})
		}
	}
	return reached
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
