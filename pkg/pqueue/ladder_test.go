package pqueue

import (
	"testing"

	"github.com/cuemby/pdes/pkg/event"
)

func TestLadderDequeueOrder(t *testing.T) {
	q := NewLadderQueue(0, 0)
	arena := event.NewArena()

	q.Enqueue(arena.New("s1", "a", 0, 5, nil))
	q.Enqueue(arena.New("s1", "b", 0, 1, nil))
	q.Enqueue(arena.New("s1", "a", 0, 3, nil))

	front, ok := q.Front()
	if !ok || front.ReceiveTime != 1 {
		t.Fatalf("expected front at t=1, got %+v", front)
	}

	batch := q.DequeueBatch()
	if len(batch) != 1 || batch[0].ReceiveTime != 1 {
		t.Fatalf("expected t=1 dequeued first, got %+v", batch)
	}

	batch = q.DequeueBatch()
	if len(batch) != 1 || batch[0].ReceiveTime != 3 {
		t.Fatalf("expected t=3 dequeued second, got %+v", batch)
	}
}

func TestLadderOverflowCarvesRungs(t *testing.T) {
	q := NewLadderQueue(8, 50)
	arena := event.NewArena()

	const n = 10000
	for i := 0; i < n; i++ {
		t := float64(n - i)
		q.Enqueue(arena.New("s1", "agent", 0, t, nil))
	}
	if q.Len() != n {
		t.Fatalf("expected %d events, got %d", n, q.Len())
	}

	var last float64 = -1
	count := 0
	for {
		batch := q.DequeueBatch()
		if batch == nil {
			break
		}
		for _, e := range batch {
			if e.ReceiveTime < last {
				t.Fatalf("dequeue order violated: %v < %v", e.ReceiveTime, last)
			}
			last = e.ReceiveTime
			count++
		}
	}
	if count != n {
		t.Fatalf("expected %d total dequeues, got %d", n, count)
	}
	if len(q.rungs) > q.maxRungs {
		t.Fatalf("rung count %d exceeds maxRungs %d", len(q.rungs), q.maxRungs)
	}
}

func TestLadderCancelAfter(t *testing.T) {
	q := NewLadderQueue(0, 0)
	arena := event.NewArena()

	q.Enqueue(arena.New("s1", "a", 1, 10, nil))
	q.Enqueue(arena.New("s1", "a", 2, 11, nil))
	q.Enqueue(arena.New("s2", "a", 1, 12, nil))

	removed := q.CancelAfter("s1", 2)
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 remaining, got %d", q.Len())
	}
}

func TestLadderRemoveAgent(t *testing.T) {
	q := NewLadderQueue(0, 0)
	arena := event.NewArena()

	q.Enqueue(arena.New("s1", "a", 0, 1, nil))
	q.Enqueue(arena.New("s1", "b", 0, 2, nil))

	q.RemoveAgent("a")
	if q.Len() != 1 {
		t.Fatalf("expected len 1, got %d", q.Len())
	}
	front, ok := q.Front()
	if !ok || front.Receiver != "b" {
		t.Fatalf("expected remaining event for b, got %+v", front)
	}
}
