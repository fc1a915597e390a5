package statetransfer

import "testing"

func TestWindow_ISTAvailableWithinRetainedRange(t *testing.T) {
	w := New(0)
	w.AdvanceHigh(10)

	rng, ok := w.IST(3)
	if !ok {
		t.Fatal("expected IST to be available")
	}
	if rng.From != 4 || rng.To != 10 {
		t.Fatalf("unexpected range %+v", rng)
	}
}

func TestWindow_ISTUnavailableOnceTrimmedPastJoiner(t *testing.T) {
	w := New(0)
	w.AdvanceHigh(10)
	w.AdvanceLow(7)

	if _, ok := w.IST(3); ok {
		t.Fatal("expected IST to be unavailable once trimmed past the joiner's position")
	}

	rng, ok := w.IST(7)
	if !ok {
		t.Fatal("expected IST to remain available exactly at the low-water mark")
	}
	if rng.From != 8 || rng.To != 10 {
		t.Fatalf("unexpected range %+v", rng)
	}
}

func TestWindow_ISTForCaughtUpJoinerIsEmptyRange(t *testing.T) {
	w := New(0)
	w.AdvanceHigh(5)

	rng, ok := w.IST(5)
	if !ok {
		t.Fatal("expected IST to be available for an already caught-up joiner")
	}
	if rng.From != 5 || rng.To != 5 {
		t.Fatalf("unexpected range %+v", rng)
	}
}

func TestWindow_AdvanceLowNeverMovesBackward(t *testing.T) {
	w := New(0)
	w.AdvanceLow(5)
	w.AdvanceLow(2)

	low, _ := w.Bounds()
	if low != 5 {
		t.Fatalf("expected low-water mark to stay at 5, got %d", low)
	}
}
