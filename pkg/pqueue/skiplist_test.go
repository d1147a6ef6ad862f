package pqueue

import (
	"sync"
	"testing"

	"github.com/cuemby/pdes/pkg/event"
)

func TestSkipListDequeueOrder(t *testing.T) {
	l := NewLockFreeSkipList(0)
	arena := event.NewArena()

	l.Enqueue(arena.New("s1", "a", 0, 5, nil))
	l.Enqueue(arena.New("s1", "b", 0, 1, nil))
	l.Enqueue(arena.New("s1", "a", 0, 3, nil))

	batch := l.DequeueBatch()
	if len(batch) != 1 || batch[0].ReceiveTime != 1 {
		t.Fatalf("expected t=1 first, got %+v", batch)
	}
	batch = l.DequeueBatch()
	if len(batch) != 1 || batch[0].ReceiveTime != 3 {
		t.Fatalf("expected t=3 second, got %+v", batch)
	}
	if l.Len() != 1 {
		t.Fatalf("expected len 1, got %d", l.Len())
	}
}

func TestSkipListBatchesSimultaneousEvents(t *testing.T) {
	l := NewLockFreeSkipList(0)
	arena := event.NewArena()

	l.Enqueue(arena.New("s1", "a", 0, 1, nil))
	l.Enqueue(arena.New("s2", "a", 0, 1, nil))
	l.Enqueue(arena.New("s1", "a", 0, 2, nil))

	batch := l.DequeueBatch()
	if len(batch) != 2 {
		t.Fatalf("expected batch of 2, got %d", len(batch))
	}
}

func TestSkipListCancelAfterAndRemoveAgent(t *testing.T) {
	l := NewLockFreeSkipList(0)
	arena := event.NewArena()

	l.Enqueue(arena.New("s1", "a", 1, 10, nil))
	l.Enqueue(arena.New("s1", "a", 2, 11, nil))
	l.Enqueue(arena.New("s2", "a", 1, 12, nil))
	l.Enqueue(arena.New("s1", "b", 1, 13, nil))

	removed := l.CancelAfter("s1", 2)
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	l.RemoveAgent("b")
	if l.Len() != 2 {
		t.Fatalf("expected len 2 after cancel+removeagent, got %d", l.Len())
	}
}

func TestSkipListConcurrentStress(t *testing.T) {
	l := NewLockFreeSkipList(32)
	arena := event.NewArena()

	const perWorker = 2000
	const workers = 8

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				l.Enqueue(arena.New("s", "agent", 0, float64(id*perWorker+i), nil))
			}
		}(w)
	}
	wg.Wait()

	if l.Len() != workers*perWorker {
		t.Fatalf("expected %d events enqueued, got %d", workers*perWorker, l.Len())
	}

	var mu sync.Mutex
	dequeued := 0
	var wg2 sync.WaitGroup
	wg2.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg2.Done()
			for {
				batch := l.DequeueBatch()
				if batch == nil {
					return
				}
				mu.Lock()
				dequeued += len(batch)
				mu.Unlock()
			}
		}()
	}
	wg2.Wait()

	if dequeued != workers*perWorker {
		t.Fatalf("expected %d dequeued, got %d", workers*perWorker, dequeued)
	}
	if l.Len() != 0 {
		t.Fatalf("expected empty queue, got len %d", l.Len())
	}
}
