package writelog

import "testing"

func TestPushAndDrainPreservesOrder(t *testing.T) {
	q := New(10)
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		q.Push(Entry{Sequence: uint64(i), Apply: func() { order = append(order, i) }})
	}
	drained := q.DrainAll()
	if len(drained) != 5 {
		t.Fatalf("expected 5 drained entries, got %d", len(drained))
	}
	for i, e := range drained {
		e.Apply()
		if order[i] != i {
			t.Fatalf("out of order drain: %v", order)
		}
	}
}

func TestPushDropsOldestWhenFull(t *testing.T) {
	q := New(3)
	for i := 0; i < 5; i++ {
		q.Push(Entry{Sequence: uint64(i)})
	}
	if q.Len() != 3 {
		t.Fatalf("expected queue capped at capacity 3, got %d", q.Len())
	}
	drained := q.DrainAll()
	if drained[0].Sequence != 2 {
		t.Fatalf("expected oldest entries dropped, first remaining sequence = %d, want 2", drained[0].Sequence)
	}
	stats := q.Stats()
	if stats.Dropped != 2 {
		t.Fatalf("expected 2 dropped, got %d", stats.Dropped)
	}
	if stats.Written != 5 {
		t.Fatalf("expected 5 written, got %d", stats.Written)
	}
}

func TestDrainAllOnEmptyQueue(t *testing.T) {
	q := New(10)
	if drained := q.DrainAll(); drained != nil {
		t.Fatalf("expected nil on empty drain, got %v", drained)
	}
}

func TestRequeuePreservesOrderAhead(t *testing.T) {
	q := New(10)
	q.Push(Entry{Sequence: 3})
	failed := []Entry{{Sequence: 1}, {Sequence: 2}}
	q.Requeue(failed)
	drained := q.DrainAll()
	if len(drained) != 3 || drained[0].Sequence != 1 || drained[2].Sequence != 3 {
		t.Fatalf("unexpected requeue order: %v", drained)
	}
}

func TestRequeueDropsOldestOnOverflow(t *testing.T) {
	q := New(2)
	q.Push(Entry{Sequence: 10})
	q.Requeue([]Entry{{Sequence: 1}, {Sequence: 2}})
	if q.Len() != 2 {
		t.Fatalf("expected requeue to respect capacity, got %d", q.Len())
	}
	stats := q.Stats()
	if stats.Dropped == 0 {
		t.Fatalf("expected overflow from requeue to count as dropped")
	}
}
