package cortex

import (
	"testing"

	"github.com/mindfry/mindfry/internal/trit"
)

// Expectations:
//   - energy well above threshold classifies Lucid
//   - energy at threshold classifies Dormant (v == 0, not > consciousnessThreshold)
//   - energy below threshold classifies Dormant
func TestConsciousnessState(t *testing.T) {
	c := New(trit.Octet{})
	if got := c.ConsciousnessState(0.9, 0.1); got != trit.Positive {
		t.Fatalf("ConsciousnessState(0.9,0.1) = %v, want Lucid", got)
	}
	if got := c.ConsciousnessState(0.5, 0.5); got != trit.Negative {
		t.Fatalf("ConsciousnessState(0.5,0.5) = %v, want Dormant", got)
	}
	if got := c.ConsciousnessState(0.1, 0.9); got != trit.Negative {
		t.Fatalf("ConsciousnessState(0.1,0.9) = %v, want Dormant", got)
	}
}

// Expectations:
//   - a higher mood surfaces Lucid at a smaller energy gap than a neutral mood
func TestConsciousnessStateMoodWidenening(t *testing.T) {
	c := New(trit.Octet{})
	c.SetMood(1.0)
	highMood := c.ConsciousnessState(0.505, 0.5)

	c2 := New(trit.Octet{})
	lowMoodState := c2.ConsciousnessState(0.505, 0.5)

	if highMood != trit.Positive {
		t.Fatalf("high mood ConsciousnessState = %v, want Lucid", highMood)
	}
	if lowMoodState != trit.Neutral {
		t.Fatalf("neutral mood ConsciousnessState = %v, want Dreaming", lowMoodState)
	}
}

// Expectations:
//   - Evaluate on a zero event vector with a zero personality returns Neutral and never panics
func TestEvaluateZeroVector(t *testing.T) {
	c := New(trit.Octet{})
	if got := c.Evaluate(trit.Octet{}); got != trit.Neutral {
		t.Fatalf("Evaluate(zero) = %v, want Neutral (zero resonance)", got)
	}
}

type fakeRetention map[uint32]bool

func (f fakeRetention) Contains(index uint32) bool { return f[index] }

// Expectations:
//   - BYPASS_FILTERS suppresses repression even when evaluate would repress
//   - a buffered lineage without INCLUDE_REPRESSED classifies Dormant
//   - a non-buffered, non-repressed read is Found
func TestFilterPolicy(t *testing.T) {
	personality := trit.Octet{trit.DimAggression: 1.0}
	c := New(personality)

	repressiveEvent := trit.Octet{trit.DimAggression: -1.0} // strongly opposed -> Evaluate = Negative

	if got := c.FilterPolicy(1, repressiveEvent, nil, 0); got != Repressed {
		t.Fatalf("FilterPolicy (no bypass) = %v, want Repressed", got)
	}
	if got := c.FilterPolicy(1, repressiveEvent, nil, FlagBypassFilters); got != Found {
		t.Fatalf("FilterPolicy (bypass) = %v, want Found", got)
	}

	retention := fakeRetention{2: true}
	if got := c.FilterPolicy(2, trit.Octet{}, retention, 0); got != Dormant {
		t.Fatalf("FilterPolicy (buffered) = %v, want Dormant", got)
	}
	if got := c.FilterPolicy(2, trit.Octet{}, retention, FlagIncludeRepressed); got != Found {
		t.Fatalf("FilterPolicy (buffered, include) = %v, want Found", got)
	}
	if got := c.FilterPolicy(3, trit.Octet{}, retention, 0); got != Found {
		t.Fatalf("FilterPolicy (unbuffered) = %v, want Found", got)
	}
}

// Expectations:
//   - SetMood clamps to [-1, +1]
func TestSetMoodClamps(t *testing.T) {
	c := New(trit.Octet{})
	c.SetMood(5)
	if c.Mood() != 1 {
		t.Fatalf("Mood() = %v, want 1", c.Mood())
	}
	c.SetMood(-5)
	if c.Mood() != -1 {
		t.Fatalf("Mood() = %v, want -1", c.Mood())
	}
}
