package pqueue

import (
	"container/heap"
	"sync"

	"github.com/cuemby/pdes/pkg/event"
)

// bucket is tier-3: every event for one agent sharing one receive-time.
type bucket struct {
	receiveTime float64
	events      []*event.Event
}

// tier2Heap orders one agent's buckets by receive-time.
type tier2Heap []*bucket

func (h tier2Heap) Len() int            { return len(h) }
func (h tier2Heap) Less(i, j int) bool  { return h[i].receiveTime < h[j].receiveTime }
func (h tier2Heap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *tier2Heap) Push(x interface{}) { *h = append(*h, x.(*bucket)) }
func (h *tier2Heap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// agentQueue is one agent's tier-2 heap plus its cross-reference handle
// (index) into the tier-1 vector, restored after every sift.
type agentQueue struct {
	id      string
	buckets tier2Heap
	index   int // position in tier1Heap; maintained by tier1Heap.Swap
}

func (a *agentQueue) nextTime() float64 { return a.buckets[0].receiveTime }

// tier1Heap orders agents by each agent's next receive-time.
type tier1Heap []*agentQueue

func (h tier1Heap) Len() int           { return len(h) }
func (h tier1Heap) Less(i, j int) bool { return h[i].nextTime() < h[j].nextTime() }
func (h tier1Heap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *tier1Heap) Push(x interface{}) {
	a := x.(*agentQueue)
	a.index = len(*h)
	*h = append(*h, a)
}
func (h *tier1Heap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// ThreeTierQueue is the default single-thread priority structure: a binary
// heap of agents (tier 1) over a binary heap of receive-time buckets per
// agent (tier 2) over a linked list of simultaneous events (tier 3).
type ThreeTierQueue struct {
	mu     sync.Mutex
	agents map[string]*agentQueue
	top    tier1Heap
	count  int
}

// NewThreeTierQueue creates an empty three-tier queue.
func NewThreeTierQueue() *ThreeTierQueue {
	return &ThreeTierQueue{agents: make(map[string]*agentQueue)}
}

func (q *ThreeTierQueue) agentFor(id string) *agentQueue {
	a, ok := q.agents[id]
	if !ok {
		a = &agentQueue{id: id, index: -1}
		q.agents[id] = a
	}
	return a
}

// Enqueue implements Queue.
func (q *ThreeTierQueue) Enqueue(e *event.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	a := q.agentFor(e.Receiver)
	var target *bucket
	for _, b := range a.buckets {
		if b.receiveTime == e.ReceiveTime {
			target = b
			break
		}
	}
	if target == nil {
		target = &bucket{receiveTime: e.ReceiveTime}
		heap.Push(&a.buckets, target)
	}
	target.events = append(target.events, e)
	if a.index < 0 {
		heap.Push(&q.top, a)
	} else {
		heap.Fix(&q.top, a.index)
	}
	q.count++
}

// Front implements Queue.
func (q *ThreeTierQueue) Front() (*event.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.top) == 0 {
		return nil, false
	}
	a := q.top[0]
	return a.buckets[0].events[0], true
}

// DequeueBatch implements Queue.
func (q *ThreeTierQueue) DequeueBatch() []*event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.top) == 0 {
		return nil
	}
	a := q.top[0]
	b := heap.Pop(&a.buckets).(*bucket)
	q.count -= len(b.events)

	if len(a.buckets) == 0 {
		heap.Remove(&q.top, a.index)
		delete(q.agents, a.id)
	} else {
		heap.Fix(&q.top, a.index)
	}
	return b.events
}

// CancelAfter implements Queue.
func (q *ThreeTierQueue) CancelAfter(sender string, after float64) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for _, a := range q.agents {
		kept := a.buckets[:0]
		for _, b := range a.buckets {
			filtered := b.events[:0]
			for _, e := range b.events {
				if e.Sender == sender && e.SentTime >= after {
					removed++
					continue
				}
				filtered = append(filtered, e)
			}
			b.events = filtered
			if len(b.events) > 0 {
				kept = append(kept, b)
			}
		}
		a.buckets = kept
		heap.Init(&a.buckets)
	}
	q.rebuildTop()
	q.count -= removed
	return removed
}

// RemoveAgent implements Queue.
func (q *ThreeTierQueue) RemoveAgent(receiver string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.agents[receiver]
	if !ok {
		return
	}
	for _, b := range a.buckets {
		q.count -= len(b.events)
	}
	heap.Remove(&q.top, a.index)
	delete(q.agents, receiver)
}

// Len implements Queue.
func (q *ThreeTierQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// rebuildTop drops any agent left with no buckets and re-heapifies tier 1.
// Called after CancelAfter, which may empty an agent's bucket list.
func (q *ThreeTierQueue) rebuildTop() {
	live := q.top[:0]
	for _, a := range q.agents {
		if len(a.buckets) == 0 {
			delete(q.agents, a.id)
			continue
		}
		live = append(live, a)
	}
	for i, a := range live {
		a.index = i
	}
	q.top = live
	heap.Init(&q.top)
}
