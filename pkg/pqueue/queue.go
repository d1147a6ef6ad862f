// Package pqueue implements the three interchangeable priority-structure
// variants spec.md §4.2 describes: a three-tier heap (the single-thread
// default), a ladder queue and its two-tier variant (optimized for short
// bursts), and a lock-free skip list (the multi-thread core). All three
// satisfy the same Queue contract so the scheduler never branches on which
// one is active; the implementation is chosen once at bootstrap.
package pqueue

import "github.com/cuemby/pdes/pkg/event"

// Queue is the logical priority structure: a mapping from agent-id to a
// multiset of events, ordered by (receive-time, sender, sent-time).
type Queue interface {
	// Enqueue inserts e into the structure under its receiver.
	Enqueue(e *event.Event)

	// Front returns the globally minimum-receive-time event without
	// removing it, or ok=false if the structure is empty.
	Front() (e *event.Event, ok bool)

	// DequeueBatch removes and returns every event sharing the minimum
	// receive-time for the agent that owns that minimum, as one unit.
	// Returns nil if the structure is empty.
	DequeueBatch() []*event.Event

	// CancelAfter removes every event from sender with SentTime >= after,
	// across every receiver, and returns how many were removed. Used by
	// rollback to retract speculative sends (spec.md §4.4 step 2/3) and by
	// anti-message annihilation.
	CancelAfter(sender string, after float64) int

	// RemoveAgent deletes every event addressed to receiver (deregistration).
	RemoveAgent(receiver string)

	// Len returns the total number of events currently held.
	Len() int
}
