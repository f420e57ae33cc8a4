// Package decay implements MindFry's decay lookup table, viability
// classification, and retention buffer (spec §4.D). The LUT is computed
// once at startup and is safe to share by reference across goroutines
// (spec §5 "Shared resource policy": "The LUT is immutable after init").
package decay

import "math"

const (
	// NumRateBuckets is the row count of the LUT: 256 quantised decay-rate
	// buckets, log-spaced over [MinRate, MaxRate] per second (spec §3).
	NumRateBuckets = 256

	// NumElapsedBuckets is the column count of the LUT: 32 non-linear
	// elapsed-time buckets spanning 0..~8 years (spec §4.D).
	NumElapsedBuckets = 32

	// MinRate and MaxRate bound the decay-rate bucket range, "roughly
	// 10⁻⁶ to 10⁰ per second" (spec §3).
	MinRate = 1e-6
	MaxRate = 1.0

	// MaxElapsedSeconds is the top of the elapsed-time bucket range:
	// approximately 8 Julian years.
	MaxElapsedSeconds = 8 * 365.25 * 24 * 3600
)

// LUT is the precomputed 256×32 decay-factor table. Lookups use the nearest
// bucket in each dimension with no interpolation (spec §9 Open Questions —
// this is intentional: it trades a small step error for O(1), branch-free
// lookups on the hot read path).
type LUT struct {
	rates   [NumRateBuckets]float64
	elapsed [NumElapsedBuckets]float64
	factors [NumRateBuckets][NumElapsedBuckets]float64
}

// NewLUT computes and returns the decay-factor table. Call once at startup;
// the result is immutable and may be shared freely across goroutines.
func NewLUT() *LUT {
	l := &LUT{}

	// Rate buckets: log-spaced over [MinRate, MaxRate].
	logMin, logMax := math.Log(MinRate), math.Log(MaxRate)
	for i := 0; i < NumRateBuckets; i++ {
		frac := float64(i) / float64(NumRateBuckets-1)
		l.rates[i] = math.Exp(logMin + frac*(logMax-logMin))
	}

	// Elapsed-time buckets: bucket 0 is t=0 (no decay yet); buckets 1..31
	// are log-spaced from 1 second to MaxElapsedSeconds, giving fine
	// resolution near "just touched" and coarse resolution near "ancient".
	l.elapsed[0] = 0
	logMinE, logMaxE := math.Log(1.0), math.Log(MaxElapsedSeconds)
	for j := 1; j < NumElapsedBuckets; j++ {
		frac := float64(j-1) / float64(NumElapsedBuckets-2)
		l.elapsed[j] = math.Exp(logMinE + frac*(logMaxE-logMinE))
	}

	for i := 0; i < NumRateBuckets; i++ {
		for j := 0; j < NumElapsedBuckets; j++ {
			l.factors[i][j] = math.Exp(-l.rates[i] * l.elapsed[j])
		}
	}
	return l
}

// RateBucket returns the index of the nearest rate bucket to rate, clamped
// to [MinRate, MaxRate] first. This is also the 8-bit quantised
// representation of decay_rate used on the wire (spec §3).
func (l *LUT) RateBucket(rate float64) int {
	rate = clamp(rate, MinRate, MaxRate)
	logMin, logMax := math.Log(MinRate), math.Log(MaxRate)
	logV := math.Log(rate)
	frac := (logV - logMin) / (logMax - logMin)
	idx := int(math.Round(frac * float64(NumRateBuckets-1)))
	return clampInt(idx, 0, NumRateBuckets-1)
}

// ElapsedBucket returns the index of the nearest elapsed-time bucket to
// seconds (clamped to [0, MaxElapsedSeconds]).
func (l *LUT) ElapsedBucket(seconds float64) int {
	seconds = clamp(seconds, 0, MaxElapsedSeconds)
	if seconds <= l.elapsed[0] {
		return 0
	}
	if seconds <= 1.0 {
		return 1
	}
	logMinE, logMaxE := math.Log(1.0), math.Log(MaxElapsedSeconds)
	frac := (math.Log(seconds) - logMinE) / (logMaxE - logMinE)
	idx := 1 + int(math.Round(frac*float64(NumElapsedBuckets-2)))
	return clampInt(idx, 1, NumElapsedBuckets-1)
}

// Factor returns the precomputed decay factor for an exact bucket pair.
func (l *LUT) Factor(rateBucket, elapsedBucket int) float64 {
	return l.factors[clampInt(rateBucket, 0, NumRateBuckets-1)][clampInt(elapsedBucket, 0, NumElapsedBuckets-1)]
}

// DecayFactor is the convenience path used by every derived-energy and
// derived-strength read: bucket both inputs, then look up the precomputed
// factor. Equivalent to (but far cheaper than) exp(-rate*elapsedSeconds).
func (l *LUT) DecayFactor(rate, elapsedSeconds float64) float64 {
	return l.Factor(l.RateBucket(rate), l.ElapsedBucket(elapsedSeconds))
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

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
