// Package event implements the PDES kernel's timestamped event type and the
// arena that owns event storage under shared sender/receiver ownership.
//
// An Event is created once, by the sending agent, and then lives under two
// independent counters until both its holders release it: ref (any
// container holding a pointer) and inputRef (holders that are input/
// scheduler queues on the receiver side). The arena never hands out bare
// structs to be freed by the caller; all lifecycle transitions go through
// Retain/Release/ReleaseInput so ref >= inputRef >= 0 holds everywhere.
package event

import (
	"sync"
	"sync/atomic"
)

// Sign distinguishes a positive event from the anti-message that cancels it.
type Sign int8

const (
	Positive Sign = 1
	Negative Sign = -1
)

// Color is Mattern's one-bit GVT coloring tag, alternated per round.
type Color uint8

const (
	ColorWhite Color = 0
	ColorRed   Color = 1
)

// Event is a timestamped message exchanged between agents.
//
// Identity fields (Sender, Receiver, SentTime, ReceiveTime) are what the
// rollback protocol matches an anti-message against its positive twin; they
// never change after creation. Sign, Color, ref and inputRef do change
// across the event's lifetime.
type Event struct {
	Sender      string
	Receiver    string
	SentTime    float64
	ReceiveTime float64
	Sign        Sign
	Color       Color
	Payload     []byte

	ref      int32
	inputRef int32

	arena *Arena
}

// Less implements the deterministic total order spec.md §3/§4.3 requires:
// (receive-time, then sender, then sent-time) as the tiebreak.
func (e *Event) Less(o *Event) bool {
	if e.ReceiveTime != o.ReceiveTime {
		return e.ReceiveTime < o.ReceiveTime
	}
	if e.Sender != o.Sender {
		return e.Sender < o.Sender
	}
	return e.SentTime < o.SentTime
}

// SameIdentity reports whether e and o share every identity field, i.e. one
// is (or could be) the anti-message of the other.
func (e *Event) SameIdentity(o *Event) bool {
	return e.Sender == o.Sender && e.Receiver == o.Receiver &&
		e.SentTime == o.SentTime && e.ReceiveTime == o.ReceiveTime
}

// Ref returns the current reference count.
func (e *Event) Ref() int32 { return atomic.LoadInt32(&e.ref) }

// InputRef returns the current input-ref count.
func (e *Event) InputRef() int32 { return atomic.LoadInt32(&e.inputRef) }

// AntiMessage returns the sign-flipped twin of e, sharing every identity
// field as spec.md §3 requires. The twin is a fresh arena-owned event.
func (e *Event) AntiMessage() *Event {
	anti := e.arena.alloc()
	anti.Sender = e.Sender
	anti.Receiver = e.Receiver
	anti.SentTime = e.SentTime
	anti.ReceiveTime = e.ReceiveTime
	anti.Sign = -e.Sign
	anti.Color = e.Color
	anti.Payload = e.Payload
	anti.ref = 0
	anti.inputRef = 0
	return anti
}

// Arena owns the backing storage for all live events on one rank. It hands
// out strong handles (Retain/alloc) and reclaims structs once the last
// holder releases them and GVT has passed their receive-time.
type Arena struct {
	pool sync.Pool
}

// NewArena creates an empty event arena.
func NewArena() *Arena {
	a := &Arena{}
	a.pool.New = func() any { return &Event{} }
	return a
}

// New creates a fresh event owned by this arena with ref=1 (the caller's
// own handle, conventionally the sender's output history).
func (a *Arena) New(sender, receiver string, sentTime, receiveTime float64, payload []byte) *Event {
	e := a.alloc()
	e.Sender = sender
	e.Receiver = receiver
	e.SentTime = sentTime
	e.ReceiveTime = receiveTime
	e.Sign = Positive
	e.Payload = payload
	e.ref = 1
	e.inputRef = 0
	return e
}

// NewInput creates a fresh event already owned solely by an input/scheduler
// queue (ref=1, inputRef=1): the shape a deserialized remote event takes on
// arrival, since its sender-side output-history twin lives in a different
// arena entirely.
func (a *Arena) NewInput(sender, receiver string, sentTime, receiveTime float64, payload []byte) *Event {
	e := a.alloc()
	e.Sender = sender
	e.Receiver = receiver
	e.SentTime = sentTime
	e.ReceiveTime = receiveTime
	e.Sign = Positive
	e.Payload = payload
	e.ref = 1
	e.inputRef = 1
	return e
}

func (a *Arena) alloc() *Event {
	e := a.pool.Get().(*Event)
	e.arena = a
	return e
}

// Retain increments ref. Call whenever a new container (an agent's input
// history, output history, or a priority-structure slot) keeps a pointer.
func (a *Arena) Retain(e *Event) {
	atomic.AddInt32(&e.ref, 1)
}

// RetainInput increments both ref and inputRef, for a holder that is an
// input or scheduler queue on the receiver side (spec.md §4.1).
func (a *Arena) RetainInput(e *Event) {
	atomic.AddInt32(&e.inputRef, 1)
	atomic.AddInt32(&e.ref, 1)
}

// ReleaseInput decrements inputRef then ref, in that order, as spec.md §4.1
// requires so a concurrent cancellation observes a consistent snapshot.
// The event is freed to the pool once ref reaches zero.
func (a *Arena) ReleaseInput(e *Event) {
	if atomic.AddInt32(&e.inputRef, -1) < 0 {
		panic("event: inputRef went negative")
	}
	a.Release(e)
}

// Release decrements ref and frees the event once it reaches zero.
func (a *Arena) Release(e *Event) {
	n := atomic.AddInt32(&e.ref, -1)
	if n < 0 {
		panic("event: ref went negative")
	}
	if n == 0 {
		if e.InputRef() != 0 {
			panic("event: freed with non-zero inputRef")
		}
		e.Payload = nil
		e.arena = nil
		a.pool.Put(e)
	}
}
