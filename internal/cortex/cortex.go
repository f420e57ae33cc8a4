// Package cortex implements MindFry's process-wide cognitive state (spec
// §4.F): personality, mood, consciousness classification, and the read
// filter policy.
package cortex

import (
	"sync"

	"github.com/mindfry/mindfry/internal/trit"
)

// Filter is the outcome of the handler's read-time filter policy.
type Filter int

const (
	Found Filter = iota
	Repressed
	Dormant
)

func (f Filter) String() string {
	switch f {
	case Repressed:
		return "repressed"
	case Dormant:
		return "dormant"
	default:
		return "found"
	}
}

// Query flag bits (spec §6).
const (
	FlagBypassFilters    byte = 0x01
	FlagIncludeRepressed byte = 0x02
	FlagNoSideEffects    byte = 0x04
	FlagForensic         byte = 0x07
)

// consciousnessAmplificationBase and consciousnessThreshold are the fixed
// constants of the Lucid/Dreaming/Dormant classifier (spec §4.F).
const (
	consciousnessAmplificationBase = 5.0
	consciousnessThreshold         = 0.03
)

// Cortex holds personality (immutable after genesis), mood (drifts with
// stimulation), and the retention buffer is owned by internal/decay but
// mutated under this type's write lock (spec §9: "retention buffer is owned
// by D and mutated under the cortex write lock").
type Cortex struct {
	mu          sync.RWMutex
	personality trit.Octet
	mood        float64
	quantizer   trit.Quantizer
}

// New creates a cortex with the given genesis personality and zero mood.
func New(personality trit.Octet) *Cortex {
	return &Cortex{
		personality: personality.Clamp(),
		quantizer:   trit.DefaultQuantizer,
	}
}

// Personality returns the immutable genesis personality.
func (c *Cortex) Personality() trit.Octet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.personality
}

// Mood returns the current mood.
func (c *Cortex) Mood() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mood
}

// SetMood overrides mood directly, clamped to [-1,1] — the SYS_MOOD_SET
// operation (spec §6).
func (c *Cortex) SetMood(mood float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mood = clamp(mood, -1, 1)
}

// Drift adds delta to mood, clamped to [-1,1], letting mood respond to
// activity without a hard override.
func (c *Cortex) Drift(delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mood = clamp(c.mood+delta, -1, 1)
}

// Quantizer returns the configured mood-shifted deadband, mutable via
// PHYSICS_TUNE.
func (c *Cortex) Quantizer() trit.Quantizer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.quantizer
}

// SetQuantizer installs a new quantizer (PHYSICS_TUNE).
func (c *Cortex) SetQuantizer(q trit.Quantizer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quantizer = q
}

// ConsciousnessState classifies a lineage's energy state (spec §4.F):
// amplifies (derived_energy - threshold) by a mood-scaled factor, clamps to
// [-1,1], and buckets at the 0.03 deadband. High mood surfaces more
// memories as Lucid by widening the amplification.
func (c *Cortex) ConsciousnessState(derivedEnergy, threshold float64) trit.Trit {
	c.mu.RLock()
	mood := c.mood
	c.mu.RUnlock()

	amp := consciousnessAmplificationBase * (1 + 0.5*mood)
	v := clamp((derivedEnergy-threshold)*amp, -1, 1)
	switch {
	case v > consciousnessThreshold:
		return trit.Positive
	case v > 0:
		return trit.Neutral
	default:
		return trit.Negative
	}
}

// Decide quantizes an analog value using the current mood and quantizer
// (spec §4.F: "delegates to the mood-shifted Quantizer").
func (c *Cortex) Decide(value float64) trit.Trit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.quantizer.Decide(value, c.mood)
}

// Evaluate scores an incoming event octet against personality via resonance,
// then quantizes it (spec §4.F).
func (c *Cortex) Evaluate(event trit.Octet) trit.Trit {
	c.mu.RLock()
	personality := c.personality
	mood := c.mood
	q := c.quantizer
	c.mu.RUnlock()
	r := trit.Resonance(personality, event)
	return q.Decide(r, mood)
}

// RetentionChecker reports whether a lineage index is currently buffered
// for obsolescence — satisfied by decay.RetentionBuffer, kept as an
// interface here so cortex does not import decay.
type RetentionChecker interface {
	Contains(index uint32) bool
}

// FilterPolicy decides whether a read is Found, Repressed, or Dormant (spec
// §4.F). event is the stimulus octet associated with this read (may be the
// zero value for reads with no associated event, which always resonate
// neutrally).
func (c *Cortex) FilterPolicy(index uint32, event trit.Octet, retention RetentionChecker, flags byte) Filter {
	if flags&FlagBypassFilters == 0 {
		if c.Evaluate(event) == trit.Negative {
			return Repressed
		}
	}
	if retention != nil && retention.Contains(index) && flags&FlagIncludeRepressed == 0 {
		return Dormant
	}
	return Found
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
