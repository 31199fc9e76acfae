package vmkernel

import "testing"

func TestEnqueueRejectsBeyondQMax(t *testing.T) {
	q := newCallQueue(2)

	for i := 0; i < 2; i++ {
		req := &callRequest{result: make(chan callResult, 1)}
		if err := q.enqueue(req); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	overflow := &callRequest{result: make(chan callResult, 1)}
	if err := q.enqueue(overflow); err == nil {
		t.Fatal("expected capacity error enqueuing beyond qMax")
	}
	if q.len() != 2 {
		t.Fatalf("queue length should stay at qMax after a rejected enqueue, got %d", q.len())
	}
}

func TestEnqueueRejectsAfterMarkClosed(t *testing.T) {
	q := newCallQueue(4)
	q.markClosed()

	req := &callRequest{result: make(chan callResult, 1)}
	if err := q.enqueue(req); err == nil {
		t.Fatal("expected closed error enqueuing after markClosed")
	}
}
