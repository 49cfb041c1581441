package token

import "testing"

func TestWeakObservesRelease(t *testing.T) {
	live := NewLiveness()
	weak := live.Weaken()
	if !weak.Alive() {
		t.Fatal("expected weak token to be alive before release")
	}
	live.Release()
	if weak.Alive() {
		t.Fatal("expected weak token to be dead after release")
	}
}

func TestWeakIndependentOfOtherTokens(t *testing.T) {
	liveA := NewLiveness()
	liveB := NewLiveness()
	weakA := liveA.Weaken()
	weakB := liveB.Weaken()

	liveA.Release()
	if weakA.Alive() {
		t.Fatal("weakA should be dead")
	}
	if !weakB.Alive() {
		t.Fatal("weakB should still be alive")
	}
}
