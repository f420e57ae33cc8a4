package trit

import "testing"

func TestConsensus(t *testing.T) {
	cases := []struct {
		a, b, want Trit
	}{
		{Positive, Positive, Positive},
		{Negative, Negative, Negative},
		{Neutral, Neutral, Neutral},
		{Positive, Negative, Neutral},
		{Positive, Neutral, Neutral},
		{Negative, Neutral, Neutral},
	}
	for _, c := range cases {
		if got := Consensus(c.a, c.b); got != c.want {
			t.Errorf("Consensus(%v, %v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestInvert(t *testing.T) {
	if Positive.Invert() != Negative {
		t.Fatalf("Positive.Invert() = %v, want Negative", Positive.Invert())
	}
	if Neutral.Invert() != Neutral {
		t.Fatalf("Neutral.Invert() = %v, want Neutral", Neutral.Invert())
	}
}

func TestWeight(t *testing.T) {
	if Positive.Weight() != 1 || Negative.Weight() != -1 || Neutral.Weight() != 0 {
		t.Fatalf("unexpected weights: +1=%d -1=%d 0=%d", Positive.Weight(), Negative.Weight(), Neutral.Weight())
	}
}

// Expectations:
//   - identical vectors resonate at +1
//   - opposite vectors resonate at -1
//   - orthogonal-ish vectors resonate near 0
//   - a zero-magnitude vector resonates at 0 (no division by zero)
func TestResonance(t *testing.T) {
	a := Octet{1, 1, 1, 1, 1, 1, 1, 1}
	if r := Resonance(a, a); r < 0.999 {
		t.Fatalf("Resonance(a,a) = %v, want ~1", r)
	}
	neg := Octet{-1, -1, -1, -1, -1, -1, -1, -1}
	if r := Resonance(a, neg); r > -0.999 {
		t.Fatalf("Resonance(a,-a) = %v, want ~-1", r)
	}
	var zero Octet
	if r := Resonance(a, zero); r != 0 {
		t.Fatalf("Resonance(a,zero) = %v, want 0", r)
	}
}

// Expectations:
//   - identical vectors have zero dissonance
//   - maximally opposed vectors (+1 vs -1 on every dim) have dissonance 1
func TestDissonance(t *testing.T) {
	a := Octet{1, 1, 1, 1, 1, 1, 1, 1}
	if d := Dissonance(a, a); d != 0 {
		t.Fatalf("Dissonance(a,a) = %v, want 0", d)
	}
	neg := Octet{-1, -1, -1, -1, -1, -1, -1, -1}
	if d := Dissonance(a, neg); d != 1 {
		t.Fatalf("Dissonance(a,-a) = %v, want 1", d)
	}
}

// Expectations:
//   - a value comfortably above the deadband quantizes to +1
//   - a value comfortably below quantizes to -1
//   - a value inside the deadband quantizes to 0
//   - positive mood narrows the effective positive deadband (more values surface as +1)
func TestQuantizerDecide(t *testing.T) {
	q := DefaultQuantizer
	if got := q.Decide(0.5, 0); got != Positive {
		t.Fatalf("Decide(0.5, 0) = %v, want +1", got)
	}
	if got := q.Decide(-0.5, 0); got != Negative {
		t.Fatalf("Decide(-0.5, 0) = %v, want -1", got)
	}
	if got := q.Decide(0.05, 0); got != Neutral {
		t.Fatalf("Decide(0.05, 0) = %v, want 0", got)
	}
	// At mood=1, tau = 0.1 - 0.05 = 0.05; a value of 0.07 should now clear it.
	if got := q.Decide(0.07, 1); got != Positive {
		t.Fatalf("Decide(0.07, mood=1) = %v, want +1 (narrowed deadband)", got)
	}
}
