package pqueue

import (
	"testing"

	"github.com/cuemby/pdes/pkg/event"
)

func TestTwoTierLadderDequeueOrder(t *testing.T) {
	q := NewTwoTierLadderQueue(0, 0, 0)
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
}

func TestTwoTierLadderCancelAfterScansOwnSubBucket(t *testing.T) {
	q := NewTwoTierLadderQueue(8, 50, 4)
	arena := event.NewArena()

	for i := 0; i < 200; i++ {
		q.Enqueue(arena.New("sender-a", "agent", float64(i), 1000+float64(i), nil))
		q.Enqueue(arena.New("sender-b", "agent", float64(i), 1000+float64(i), nil))
	}

	removed := q.CancelAfter("sender-a", 50)
	if removed != 150 {
		t.Fatalf("expected 150 removed for sender-a, got %d", removed)
	}
	if q.Len() != 250 {
		t.Fatalf("expected 250 remaining, got %d", q.Len())
	}
}

func TestTwoTierLadderRemoveAgent(t *testing.T) {
	q := NewTwoTierLadderQueue(0, 0, 0)
	arena := event.NewArena()

	q.Enqueue(arena.New("s1", "a", 0, 1, nil))
	q.Enqueue(arena.New("s1", "b", 0, 2, nil))

	q.RemoveAgent("a")
	if q.Len() != 1 {
		t.Fatalf("expected len 1, got %d", q.Len())
	}
}
