package ackwindow

import "testing"

func TestAckResolvesUpToInclusive(t *testing.T) {
	w := New(10)
	w.Push(1)
	w.Push(2)
	w.Push(3)

	n := w.Ack(2)
	if n != 2 {
		t.Fatalf("Ack(2) resolved %d, want 2", n)
	}
	if w.Outstanding() != 1 {
		t.Fatalf("Outstanding() = %d, want 1", w.Outstanding())
	}
}

func TestPushEvictsOldestBeyondSize(t *testing.T) {
	w := New(2)
	w.Push(1)
	w.Push(2)
	w.Push(3)

	if got := w.Outstanding(); got != 2 {
		t.Fatalf("Outstanding() = %d, want 2 (oldest evicted)", got)
	}
	if n := w.Ack(1); n != 0 {
		t.Fatalf("Ack(1) resolved %d, want 0 (seq 1 was evicted)", n)
	}
}

func TestResetClearsWindow(t *testing.T) {
	w := New(10)
	w.Push(1)
	w.Reset()
	if w.Outstanding() != 0 {
		t.Fatal("expected Reset to clear all outstanding entries")
	}
}

func TestZeroSizeWindowIsNoOp(t *testing.T) {
	w := New(0)
	w.Push(1)
	if w.Outstanding() != 0 {
		t.Fatal("a zero-size window must never track entries")
	}
}
