package pqueue

import (
	"math/rand/v2"
	"sync/atomic"

	"github.com/cuemby/pdes/pkg/event"
	"github.com/cuemby/pdes/pkg/pqueue/epoch"
)

// DefaultMaxOffset is the default logical-deletion batching threshold
// (config: lfpq-max-offset) before a restructure pass physically unlinks
// marked nodes.
const DefaultMaxOffset = 64

const maxLevel = 32

// skipNode is one entry in the Linden-Jonsson skip list. Ordinary nodes
// carry a single event; head and tail are sentinels with nil evt.
type skipNode struct {
	evt    *event.Event
	marked atomic.Bool
	next   []atomic.Pointer[skipNode]
}

func (n *skipNode) loadNext(level int) *skipNode { return n.next[level].Load() }

func (n *skipNode) casNext(level int, old, new *skipNode) bool {
	return n.next[level].CompareAndSwap(old, new)
}

// LockFreeSkipList is the multi-thread priority structure from spec.md
// §4.2: insertion uses per-level compare-and-swap, deletion is a logical
// mark followed by a batched physical unlink once the marked-node count
// exceeds maxOffset, and higher-level pointers are repaired lazily by
// restructure. Keys order by (receive-time, agent-id, sender, sent-time) so
// DequeueBatch can collect a receiver's simultaneous events by walking
// forward from the minimum.
type LockFreeSkipList struct {
	head *skipNode
	tail *skipNode

	count                  atomic.Int32
	markedSinceRestructure atomic.Int32
	maxOffset              int

	reclaimer *epoch.Reclaimer
	slots     chan int
}

// NewLockFreeSkipList creates an empty lock-free skip list. maxOffset <= 0
// falls back to DefaultMaxOffset.
func NewLockFreeSkipList(maxOffset int) *LockFreeSkipList {
	if maxOffset <= 0 {
		maxOffset = DefaultMaxOffset
	}

	head := &skipNode{next: make([]atomic.Pointer[skipNode], maxLevel)}
	tail := &skipNode{next: make([]atomic.Pointer[skipNode], maxLevel)}
	for i := 0; i < maxLevel; i++ {
		head.next[i].Store(tail)
	}

	l := &LockFreeSkipList{
		head:      head,
		tail:      tail,
		maxOffset: maxOffset,
		reclaimer: epoch.New(),
		slots:     make(chan int, epoch.MaxThreads),
	}
	for i := 0; i < epoch.MaxThreads; i++ {
		slot, err := l.reclaimer.Join()
		if err != nil {
			break
		}
		l.slots <- slot
	}
	return l
}

// withEpoch runs fn inside one epoch critical section. Reclamation in this
// port is GC-driven (Go has no manual free); the epoch discipline still
// bounds when a physically-unlinked node may be handed back by restructure,
// matching the memory-order requirements spec.md §4.2 and §9 describe.
func (l *LockFreeSkipList) withEpoch(fn func()) {
	slot := <-l.slots
	l.reclaimer.Enter(slot)
	fn()
	l.reclaimer.Leave(slot)
	l.slots <- slot
}

func skipLess(a, b *event.Event) bool {
	if a.ReceiveTime != b.ReceiveTime {
		return a.ReceiveTime < b.ReceiveTime
	}
	if a.Receiver != b.Receiver {
		return a.Receiver < b.Receiver
	}
	if a.Sender != b.Sender {
		return a.Sender < b.Sender
	}
	return a.SentTime < b.SentTime
}

func (l *LockFreeSkipList) nodeLess(n *skipNode, e *event.Event) bool {
	if n == l.tail {
		return false
	}
	return skipLess(n.evt, e)
}

func randomLevel() int {
	level := 0
	for level < maxLevel-1 && rand.IntN(2) == 1 {
		level++
	}
	return level
}

// find returns, for every level, the last unmarked node strictly before e
// (preds) and the first node at or after e (succs), physically unlinking any
// marked node it passes over. Retries from the top if a helping CAS loses a
// race.
func (l *LockFreeSkipList) find(e *event.Event) (preds, succs [maxLevel]*skipNode) {
	for {
		ok := true
		pred := l.head
		for level := maxLevel - 1; level >= 0; level-- {
			curr := pred.loadNext(level)
			for curr != l.tail {
				if curr.marked.Load() {
					succ := curr.loadNext(level)
					if !pred.casNext(level, curr, succ) {
						ok = false
						break
					}
					curr = succ
					continue
				}
				if l.nodeLess(curr, e) {
					pred = curr
					curr = pred.loadNext(level)
					continue
				}
				break
			}
			if !ok {
				break
			}
			preds[level] = pred
			succs[level] = curr
		}
		if ok {
			return preds, succs
		}
	}
}

// Enqueue implements Queue.
func (l *LockFreeSkipList) Enqueue(e *event.Event) {
	l.withEpoch(func() {
		topLevel := randomLevel()
		newNode := &skipNode{evt: e, next: make([]atomic.Pointer[skipNode], topLevel+1)}

		for {
			preds, succs := l.find(e)
			for level := 0; level <= topLevel; level++ {
				newNode.next[level].Store(succs[level])
			}
			if !preds[0].casNext(0, succs[0], newNode) {
				continue
			}
			for level := 1; level <= topLevel; level++ {
				for {
					if preds[level].casNext(level, succs[level], newNode) {
						break
					}
					preds, succs = l.find(e)
					newNode.next[level].Store(succs[level])
				}
			}
			l.count.Add(1)
			return
		}
	})
}

// Front implements Queue.
func (l *LockFreeSkipList) Front() (*event.Event, bool) {
	var result *event.Event
	var ok bool
	l.withEpoch(func() {
		curr := l.head.loadNext(0)
		for curr != l.tail && curr.marked.Load() {
			curr = curr.loadNext(0)
		}
		if curr != l.tail {
			result, ok = curr.evt, true
		}
	})
	return result, ok
}

// DequeueBatch implements Queue: it marks the minimum node and every
// immediately-following node sharing its (receiver, receive-time), then
// triggers restructure once the marked-node count crosses maxOffset.
func (l *LockFreeSkipList) DequeueBatch() []*event.Event {
	var batch []*event.Event
	l.withEpoch(func() {
		for {
			curr := l.head.loadNext(0)
			for curr != l.tail && curr.marked.Load() {
				curr = curr.loadNext(0)
			}
			if curr == l.tail {
				return
			}
			if !curr.marked.CompareAndSwap(false, true) {
				continue
			}
			l.count.Add(-1)
			marked := l.markedSinceRestructure.Add(1)
			batch = []*event.Event{curr.evt}
			receiver, t := curr.evt.Receiver, curr.evt.ReceiveTime

			node := curr.loadNext(0)
			for node != l.tail {
				if node.marked.Load() {
					node = node.loadNext(0)
					continue
				}
				if node.evt.Receiver != receiver || node.evt.ReceiveTime != t {
					break
				}
				if node.marked.CompareAndSwap(false, true) {
					l.count.Add(-1)
					marked = l.markedSinceRestructure.Add(1)
					batch = append(batch, node.evt)
				}
				node = node.loadNext(0)
			}

			if int(marked) >= l.maxOffset {
				l.restructure()
			}
			return
		}
	})
	return batch
}

// restructure physically unlinks every marked node from every level,
// retiring unlinked nodes into the epoch reclaimer exactly once (at level
// 0). Higher levels are repaired opportunistically by find as well; this
// pass exists purely to bound search length once deletions pile up.
func (l *LockFreeSkipList) restructure() {
	for level := maxLevel - 1; level >= 0; level-- {
		pred := l.head
		curr := pred.loadNext(level)
		for curr != l.tail {
			if curr.marked.Load() {
				succ := curr.loadNext(level)
				unlinked := pred.casNext(level, curr, succ)
				if unlinked && level == 0 {
					l.reclaimer.Retire(curr)
				}
				curr = succ
				continue
			}
			pred = curr
			curr = pred.loadNext(level)
		}
	}
	l.markedSinceRestructure.Store(0)
}

func (l *LockFreeSkipList) sweepMark(matches func(*event.Event) bool) int {
	removed := 0
	l.withEpoch(func() {
		curr := l.head.loadNext(0)
		for curr != l.tail {
			if !curr.marked.Load() && matches(curr.evt) {
				if curr.marked.CompareAndSwap(false, true) {
					removed++
					l.count.Add(-1)
				}
			}
			curr = curr.loadNext(0)
		}
		if int(l.markedSinceRestructure.Add(int32(removed))) >= l.maxOffset {
			l.restructure()
		}
	})
	return removed
}

// CancelAfter implements Queue.
func (l *LockFreeSkipList) CancelAfter(sender string, after float64) int {
	return l.sweepMark(func(e *event.Event) bool {
		return e.Sender == sender && e.SentTime >= after
	})
}

// RemoveAgent implements Queue.
func (l *LockFreeSkipList) RemoveAgent(receiver string) {
	l.sweepMark(func(e *event.Event) bool { return e.Receiver == receiver })
}

// Len implements Queue.
func (l *LockFreeSkipList) Len() int { return int(l.count.Load()) }
