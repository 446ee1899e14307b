package queue

import "testing"

func TestAppendAndContains(t *testing.T) {
	q := New()
	q.Append("a")
	q.Append("b")

	if !q.Contains("a") || !q.Contains("b") {
		t.Fatal("expected a and b to be queued")
	}
	if q.Contains("c") {
		t.Fatal("c should not be queued")
	}
	if q.Len() != 2 {
		t.Fatalf("expected len 2, got %d", q.Len())
	}
}

func TestAppendIsIdempotent(t *testing.T) {
	q := New()
	q.Append("a")
	q.Append("a")
	if q.Len() != 1 {
		t.Fatalf("expected len 1 after duplicate append, got %d", q.Len())
	}
}

func TestRemovePreservesOrder(t *testing.T) {
	q := New()
	q.Append("a")
	q.Append("b")
	q.Append("c")
	q.Remove("b")

	got := q.All()
	want := []string{"a", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if q.Contains("b") {
		t.Fatal("b should have been removed")
	}
}

func TestRemoveMissingIsNoop(t *testing.T) {
	q := New()
	q.Append("a")
	q.Remove("missing")
	if q.Len() != 1 {
		t.Fatalf("expected len 1, got %d", q.Len())
	}
}

func TestAllReturnsSnapshot(t *testing.T) {
	q := New()
	q.Append("a")
	snap := q.All()
	q.Append("b")
	if len(snap) != 1 {
		t.Fatalf("mutating queue after All() should not affect the snapshot, got %v", snap)
	}
}
