package stability

import (
	"path/filepath"
	"testing"
	"time"
)

// Expectations:
//   - low stress (high energy, low utilization) samples classify Normal
//   - repeated high-stress samples escalate the level, one step per sample
func TestSampleEscalatesGradually(t *testing.T) {
	l := New("")
	if got := l.Sample(0.9, 0.1); got != Normal {
		t.Fatalf("Sample(low stress) = %v, want Normal", got)
	}

	var last Level
	for i := 0; i < 20; i++ {
		last = l.Sample(0.05, 0.95)
		if i == 0 && last != Elevated {
			t.Fatalf("first high-stress sample = %v, want Elevated (one step up from Normal)", last)
		}
		if last > Emergency {
			t.Fatalf("level escalated past Emergency: %v", last)
		}
	}
	if last == Normal {
		t.Fatal("expected sustained high stress to escalate beyond Normal")
	}
}

// Expectations:
//   - MarkReady flips Warm() from false to true
func TestWarmupGate(t *testing.T) {
	l := New("")
	if l.Warm() {
		t.Fatal("expected Warm()=false before MarkReady")
	}
	l.MarkReady()
	if !l.Warm() {
		t.Fatal("expected Warm()=true after MarkReady")
	}
}

// Expectations:
//   - no marker found classifies Shock
//   - a clean marker within ComaThreshold classifies Normal
//   - a clean marker older than ComaThreshold classifies Coma
//   - an unclean marker classifies Shock regardless of elapsed time
func TestClassifyRecovery(t *testing.T) {
	l := New("")
	now := time.Now()

	if got := l.ClassifyRecovery(false, false, time.Time{}, now); got != RecoveryShock {
		t.Fatalf("no marker = %v, want Shock", got)
	}
	if got := l.ClassifyRecovery(true, true, now.Add(-time.Minute), now); got != RecoveryNormal {
		t.Fatalf("recent clean marker = %v, want Normal", got)
	}
	if got := l.ClassifyRecovery(true, true, now.Add(-2*time.Hour), now); got != RecoveryComa {
		t.Fatalf("stale clean marker = %v, want Coma", got)
	}
	if got := l.ClassifyRecovery(true, false, now.Add(-time.Minute), now); got != RecoveryShock {
		t.Fatalf("unclean marker = %v, want Shock", got)
	}
}

// Expectations:
//   - Shock biases mood negative, Coma biases positive, Normal has no bias
func TestMoodBias(t *testing.T) {
	if RecoveryShock.MoodBias() >= 0 {
		t.Fatal("expected negative mood bias for Shock")
	}
	if RecoveryComa.MoodBias() <= 0 {
		t.Fatal("expected positive mood bias for Coma")
	}
	if RecoveryNormal.MoodBias() != 0 {
		t.Fatal("expected zero mood bias for Normal")
	}
}

// Expectations:
//   - the rolling sample window and level survive a reconstruction from the same statePath
func TestPersistedStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stability.json")
	l := New(path)
	for i := 0; i < 10; i++ {
		l.Sample(0.05, 0.95)
	}
	want := l.Level()

	l2 := New(path)
	if l2.Level() != want {
		t.Fatalf("reloaded Level() = %v, want %v", l2.Level(), want)
	}
}
