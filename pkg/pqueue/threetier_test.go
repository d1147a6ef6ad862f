package pqueue

import (
	"testing"

	"github.com/cuemby/pdes/pkg/event"
)

func TestThreeTierDequeueOrder(t *testing.T) {
	q := NewThreeTierQueue()
	arena := event.NewArena()

	q.Enqueue(arena.New("s1", "a", 0, 5, nil))
	q.Enqueue(arena.New("s1", "b", 0, 1, nil))
	q.Enqueue(arena.New("s1", "a", 0, 3, nil))

	if q.Len() != 3 {
		t.Fatalf("expected len 3, got %d", q.Len())
	}

	batch := q.DequeueBatch()
	if len(batch) != 1 || batch[0].Receiver != "b" {
		t.Fatalf("expected receiver b first, got %+v", batch)
	}

	batch = q.DequeueBatch()
	if len(batch) != 1 || batch[0].Receiver != "a" || batch[0].ReceiveTime != 3 {
		t.Fatalf("expected a@3 next, got %+v", batch)
	}

	if q.Len() != 1 {
		t.Fatalf("expected len 1, got %d", q.Len())
	}
}

func TestThreeTierBatchesSimultaneousEvents(t *testing.T) {
	q := NewThreeTierQueue()
	arena := event.NewArena()

	q.Enqueue(arena.New("s1", "a", 0, 1, nil))
	q.Enqueue(arena.New("s2", "a", 0, 1, nil))
	q.Enqueue(arena.New("s1", "a", 0, 2, nil))

	batch := q.DequeueBatch()
	if len(batch) != 2 {
		t.Fatalf("expected batch of 2 simultaneous events, got %d", len(batch))
	}
}

func TestThreeTierCancelAfter(t *testing.T) {
	q := NewThreeTierQueue()
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

	front, ok := q.Front()
	if !ok || front.ReceiveTime != 10 {
		t.Fatalf("expected front at t=10, got %+v", front)
	}
}

func TestThreeTierRemoveAgent(t *testing.T) {
	q := NewThreeTierQueue()
	arena := event.NewArena()

	q.Enqueue(arena.New("s1", "a", 0, 1, nil))
	q.Enqueue(arena.New("s1", "b", 0, 2, nil))

	q.RemoveAgent("a")
	if q.Len() != 1 {
		t.Fatalf("expected len 1 after RemoveAgent, got %d", q.Len())
	}
	front, ok := q.Front()
	if !ok || front.Receiver != "b" {
		t.Fatalf("expected remaining event for b, got %+v", front)
	}
}
