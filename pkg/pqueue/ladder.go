package pqueue

import (
	"math"
	"sort"

	"github.com/cuemby/pdes/pkg/event"
)

// DefaultMaxRungs is the default maximum rung depth (config: lq-max-rungs).
const DefaultMaxRungs = 8

// DefaultBucketThreshold is the default soft limit (spec.md §4.2) above
// which a rung bucket is exploded into a finer rung instead of being moved
// directly into bottom.
const DefaultBucketThreshold = 50

// ladderRung is one level of the ladder: a uniform-width array of buckets
// covering [start, start+width*len(buckets)).
type ladderRung struct {
	start   float64
	width   float64
	buckets [][]*event.Event
}

func (r *ladderRung) bucketOf(t float64) int {
	if r.width <= 0 {
		return 0
	}
	idx := int((t - r.start) / r.width)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(r.buckets) {
		idx = len(r.buckets) - 1
	}
	return idx
}

// LadderQueue is the three-region alternative priority structure from
// spec.md §4.2: an unsorted top for events far in the future, a bounded
// stack of ladder rungs that recursively refine dense buckets, and a
// sorted bottom from which events are finally dequeued.
type LadderQueue struct {
	top    []*event.Event
	rungs  []*ladderRung
	bottom []*event.Event

	topStart float64

	maxRungs        int
	bucketThreshold int
	count           int
}

// NewLadderQueue creates an empty ladder queue with the given tunables.
// Zero values fall back to the spec.md §6 defaults. topStart begins at
// +Inf and is only lowered when ensureBottom carves a non-empty top, so
// Enqueue never places an event in top and no rung is ever built: every
// event is insertion-sorted into bottom, and top and rungs stay empty.
func NewLadderQueue(maxRungs, bucketThreshold int) *LadderQueue {
	if maxRungs <= 0 {
		maxRungs = DefaultMaxRungs
	}
	if bucketThreshold <= 0 {
		bucketThreshold = DefaultBucketThreshold
	}
	return &LadderQueue{
		maxRungs:        maxRungs,
		bucketThreshold: bucketThreshold,
		topStart:        math.Inf(1),
	}
}

// Enqueue implements Queue.
func (q *LadderQueue) Enqueue(e *event.Event) {
	q.count++

	if e.ReceiveTime >= q.topStart {
		q.top = append(q.top, e)
		return
	}

	for _, r := range q.rungs {
		if e.ReceiveTime >= r.start && e.ReceiveTime < r.start+r.width*float64(len(r.buckets)) {
			idx := r.bucketOf(e.ReceiveTime)
			r.buckets[idx] = append(r.buckets[idx], e)
			return
		}
	}

	q.insertSortedBottom(e)
}

func (q *LadderQueue) insertSortedBottom(e *event.Event) {
	i := sort.Search(len(q.bottom), func(i int) bool { return e.Less(q.bottom[i]) })
	q.bottom = append(q.bottom, nil)
	copy(q.bottom[i+1:], q.bottom[i:])
	q.bottom[i] = e
}

// newRungFromBag builds a rung covering every event in events, with a
// bucket count tuned to the batch size (never more than bucketThreshold*2
// buckets, never fewer than 1).
func (q *LadderQueue) newRungFromBag(events []*event.Event) *ladderRung {
	minT, maxT := events[0].ReceiveTime, events[0].ReceiveTime
	for _, e := range events[1:] {
		if e.ReceiveTime < minT {
			minT = e.ReceiveTime
		}
		if e.ReceiveTime > maxT {
			maxT = e.ReceiveTime
		}
	}
	numBuckets := len(events)
	if numBuckets < 1 {
		numBuckets = 1
	}
	if numBuckets > q.bucketThreshold*2 {
		numBuckets = q.bucketThreshold * 2
	}
	width := (maxT - minT) / float64(numBuckets)
	if width <= 0 {
		width = 1
		numBuckets = 1
	}
	r := &ladderRung{start: minT, width: width, buckets: make([][]*event.Event, numBuckets)}
	for _, e := range events {
		idx := r.bucketOf(e.ReceiveTime)
		r.buckets[idx] = append(r.buckets[idx], e)
	}
	return r
}

// newRungFromBucket explodes an overflowing bucket into a finer rung with
// half the parent bucket's width, as spec.md §4.2 prescribes.
func newRungFromBucket(parent *ladderRung, bucketIdx int) *ladderRung {
	start := parent.start + float64(bucketIdx)*parent.width
	width := parent.width / 2
	if width <= 0 {
		width = 1
	}
	r := &ladderRung{start: start, width: width, buckets: make([][]*event.Event, 2)}
	for _, e := range parent.buckets[bucketIdx] {
		idx := r.bucketOf(e.ReceiveTime)
		r.buckets[idx] = append(r.buckets[idx], e)
	}
	return r
}

// ensureBottom carves buckets from the ladder until bottom holds the
// globally smallest events, or everything is confirmed empty. It loops
// because exhausting the last rung may still leave events waiting in top,
// which must then bootstrap a fresh rung before carving can resume.
func (q *LadderQueue) ensureBottom() {
	for len(q.bottom) == 0 {
		if len(q.rungs) == 0 {
			if len(q.top) == 0 {
				return
			}
			r := q.newRungFromBag(q.top)
			q.rungs = append(q.rungs, r)
			q.topStart = q.top[0].ReceiveTime
			for _, e := range q.top {
				if e.ReceiveTime > q.topStart {
					q.topStart = e.ReceiveTime
				}
			}
			q.top = nil
			continue
		}

		last := q.rungs[len(q.rungs)-1]
		bi := -1
		for i, b := range last.buckets {
			if len(b) > 0 {
				bi = i
				break
			}
		}
		if bi == -1 {
			// rung exhausted; pop it and retry against its parent (or
			// top, if this was the only rung).
			q.rungs = q.rungs[:len(q.rungs)-1]
			continue
		}

		if len(last.buckets[bi]) <= q.bucketThreshold || len(q.rungs) >= q.maxRungs {
			for _, e := range last.buckets[bi] {
				q.insertSortedBottom(e)
			}
			last.buckets[bi] = nil
			return
		}

		q.rungs = append(q.rungs, newRungFromBucket(last, bi))
		last.buckets[bi] = nil
	}
}

// Front implements Queue.
func (q *LadderQueue) Front() (*event.Event, bool) {
	q.ensureBottom()
	if len(q.bottom) == 0 {
		return nil, false
	}
	return q.bottom[0], true
}

// DequeueBatch implements Queue.
func (q *LadderQueue) DequeueBatch() []*event.Event {
	q.ensureBottom()
	if len(q.bottom) == 0 {
		return nil
	}
	front := q.bottom[0]
	receiver, t := front.Receiver, front.ReceiveTime

	var batch []*event.Event
	kept := q.bottom[:0]
	for _, e := range q.bottom {
		if e.Receiver == receiver && e.ReceiveTime == t {
			batch = append(batch, e)
			continue
		}
		kept = append(kept, e)
	}
	q.bottom = kept
	q.count -= len(batch)
	return batch
}

// CancelAfter implements Queue.
func (q *LadderQueue) CancelAfter(sender string, after float64) int {
	removed := 0
	matches := func(e *event.Event) bool { return e.Sender == sender && e.SentTime >= after }

	filter := func(events []*event.Event) []*event.Event {
		kept := events[:0]
		for _, e := range events {
			if matches(e) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		return kept
	}

	q.top = filter(q.top)
	for _, r := range q.rungs {
		for i := range r.buckets {
			r.buckets[i] = filter(r.buckets[i])
		}
	}
	q.bottom = filter(q.bottom)
	q.count -= removed
	return removed
}

// RemoveAgent implements Queue.
func (q *LadderQueue) RemoveAgent(receiver string) {
	matches := func(e *event.Event) bool { return e.Receiver == receiver }
	filter := func(events []*event.Event) []*event.Event {
		kept := events[:0]
		for _, e := range events {
			if matches(e) {
				q.count--
				continue
			}
			kept = append(kept, e)
		}
		return kept
	}

	q.top = filter(q.top)
	for _, r := range q.rungs {
		for i := range r.buckets {
			r.buckets[i] = filter(r.buckets[i])
		}
	}
	q.bottom = filter(q.bottom)
}

// Len implements Queue.
func (q *LadderQueue) Len() int { return q.count }
