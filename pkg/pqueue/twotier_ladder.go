package pqueue

import (
	"hash/fnv"
	"math"
	"sort"

	"github.com/cuemby/pdes/pkg/event"
)

// DefaultT2K is the default number of sub-buckets per bucket (config: lq-t2k).
const DefaultT2K = 32

// twoTierBucket partitions a ladder bucket into t2k sub-buckets hashed by
// sender-id, so CancelAfter only needs to scan the sender's own sub-bucket
// instead of the whole bucket (spec.md §4.2).
type twoTierBucket struct {
	sub [][]*event.Event
}

func newTwoTierBucket(t2k int) *twoTierBucket {
	return &twoTierBucket{sub: make([][]*event.Event, t2k)}
}

func (b *twoTierBucket) subIndex(sender string, t2k int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sender))
	return int(h.Sum32() % uint32(t2k))
}

func (b *twoTierBucket) insert(e *event.Event, t2k int) {
	idx := b.subIndex(e.Sender, t2k)
	b.sub[idx] = append(b.sub[idx], e)
}

func (b *twoTierBucket) empty() bool {
	for _, s := range b.sub {
		if len(s) > 0 {
			return false
		}
	}
	return true
}

func (b *twoTierBucket) all() []*event.Event {
	var out []*event.Event
	for _, s := range b.sub {
		out = append(out, s...)
	}
	return out
}

// twoTierRung mirrors ladderRung but with sender-hashed sub-buckets.
type twoTierRung struct {
	start   float64
	width   float64
	buckets []*twoTierBucket
}

func (r *twoTierRung) bucketIndex(t float64) int {
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

// TwoTierLadderQueue is the LadderQueue variant from spec.md §4.2 that
// hashes each bucket's events by sender into t2k sub-buckets, accelerating
// CancelAfter to sub-bucket scans instead of whole-bucket scans.
type TwoTierLadderQueue struct {
	top    []*event.Event
	rungs  []*twoTierRung
	bottom []*event.Event

	topStart float64

	maxRungs        int
	bucketThreshold int
	t2k             int
	count           int
}

// NewTwoTierLadderQueue creates an empty two-tier ladder queue. As with
// NewLadderQueue, topStart begins at +Inf and is only lowered when
// ensureBottom carves a non-empty top, so every event is insertion-sorted
// into bottom; top, rungs and their sender sub-buckets stay empty.
func NewTwoTierLadderQueue(maxRungs, bucketThreshold, t2k int) *TwoTierLadderQueue {
	if maxRungs <= 0 {
		maxRungs = DefaultMaxRungs
	}
	if bucketThreshold <= 0 {
		bucketThreshold = DefaultBucketThreshold
	}
	if t2k <= 0 {
		t2k = DefaultT2K
	}
	return &TwoTierLadderQueue{
		maxRungs:        maxRungs,
		bucketThreshold: bucketThreshold,
		t2k:             t2k,
		topStart:        math.Inf(1),
	}
}

// Enqueue implements Queue.
func (q *TwoTierLadderQueue) Enqueue(e *event.Event) {
	q.count++

	if e.ReceiveTime >= q.topStart {
		q.top = append(q.top, e)
		return
	}

	for _, r := range q.rungs {
		if e.ReceiveTime >= r.start && e.ReceiveTime < r.start+r.width*float64(len(r.buckets)) {
			bi := r.bucketIndex(e.ReceiveTime)
			r.buckets[bi].insert(e, q.t2k)
			return
		}
	}

	q.insertSortedBottom(e)
}

func (q *TwoTierLadderQueue) insertSortedBottom(e *event.Event) {
	i := sort.Search(len(q.bottom), func(i int) bool { return e.Less(q.bottom[i]) })
	q.bottom = append(q.bottom, nil)
	copy(q.bottom[i+1:], q.bottom[i:])
	q.bottom[i] = e
}

func (q *TwoTierLadderQueue) newRungFromBag(events []*event.Event) *twoTierRung {
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
	r := &twoTierRung{start: minT, width: width, buckets: make([]*twoTierBucket, numBuckets)}
	for i := range r.buckets {
		r.buckets[i] = newTwoTierBucket(q.t2k)
	}
	for _, e := range events {
		bi := r.bucketIndex(e.ReceiveTime)
		r.buckets[bi].insert(e, q.t2k)
	}
	return r
}

func (q *TwoTierLadderQueue) newRungFromBucket(parent *twoTierRung, bucketIdx int) *twoTierRung {
	start := parent.start + float64(bucketIdx)*parent.width
	width := parent.width / 2
	if width <= 0 {
		width = 1
	}
	r := &twoTierRung{start: start, width: width, buckets: []*twoTierBucket{newTwoTierBucket(q.t2k), newTwoTierBucket(q.t2k)}}
	for _, e := range parent.buckets[bucketIdx].all() {
		bi := r.bucketIndex(e.ReceiveTime)
		r.buckets[bi].insert(e, q.t2k)
	}
	return r
}

func (q *TwoTierLadderQueue) ensureBottom() {
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
			if !b.empty() {
				bi = i
				break
			}
		}
		if bi == -1 {
			q.rungs = q.rungs[:len(q.rungs)-1]
			continue
		}

		all := last.buckets[bi].all()
		if len(all) <= q.bucketThreshold || len(q.rungs) >= q.maxRungs {
			for _, e := range all {
				q.insertSortedBottom(e)
			}
			last.buckets[bi] = newTwoTierBucket(q.t2k)
			return
		}

		q.rungs = append(q.rungs, q.newRungFromBucket(last, bi))
		last.buckets[bi] = newTwoTierBucket(q.t2k)
	}
}

// Front implements Queue.
func (q *TwoTierLadderQueue) Front() (*event.Event, bool) {
	q.ensureBottom()
	if len(q.bottom) == 0 {
		return nil, false
	}
	return q.bottom[0], true
}

// DequeueBatch implements Queue.
func (q *TwoTierLadderQueue) DequeueBatch() []*event.Event {
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

// CancelAfter implements Queue. Within each rung bucket, only the
// sender's own sub-bucket is scanned; top and bottom are scanned in full,
// and since every event is held in bottom (see NewTwoTierLadderQueue) the
// sub-bucket path is not reached.
func (q *TwoTierLadderQueue) CancelAfter(sender string, after float64) int {
	removed := 0
	matches := func(e *event.Event) bool { return e.Sender == sender && e.SentTime >= after }

	filterSlice := func(events []*event.Event) []*event.Event {
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

	q.top = filterSlice(q.top)
	for _, r := range q.rungs {
		for _, b := range r.buckets {
			idx := b.subIndex(sender, q.t2k)
			b.sub[idx] = filterSlice(b.sub[idx])
		}
	}
	q.bottom = filterSlice(q.bottom)
	q.count -= removed
	return removed
}

// RemoveAgent implements Queue.
func (q *TwoTierLadderQueue) RemoveAgent(receiver string) {
	filterSlice := func(events []*event.Event) []*event.Event {
		kept := events[:0]
		for _, e := range events {
			if e.Receiver == receiver {
				q.count--
				continue
			}
			kept = append(kept, e)
		}
		return kept
	}

	q.top = filterSlice(q.top)
	for _, r := range q.rungs {
		for _, b := range r.buckets {
			for i := range b.sub {
				b.sub[i] = filterSlice(b.sub[i])
			}
		}
	}
	q.bottom = filterSlice(q.bottom)
}

// Len implements Queue.
func (q *TwoTierLadderQueue) Len() int { return q.count }
