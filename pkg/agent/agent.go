// Package agent implements the per-agent state and histories spec.md §3/§4.3
// describe: local virtual time, input/output histories retained for
// rollback, and a monotone state-history used to restore a prior snapshot
// when a straggler event arrives.
package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/pdes/pkg/event"
	"github.com/cuemby/pdes/pkg/kernelerr"
	"github.com/cuemby/pdes/pkg/log"
	"github.com/rs/zerolog"
)

// Handler is user-supplied agent behavior. Execute must mutate state only in
// ways Snapshot/Restore can round-trip; it must not block or perform
// unbounded I/O (spec.md §6, agent contract).
type Handler interface {
	Initialize(a *Agent) error
	Execute(a *Agent, batch []*event.Event) error
	Finalize(a *Agent) error
	Snapshot() []byte
	Restore(state []byte)
}

// Router is the routing surface the scheduler provides to every agent so
// that schedule-event (spec.md §4.5) doesn't require the agent package to
// depend on the scheduler package.
type Router interface {
	RouteEvent(sender, receiver string, sentTime, receiveTime float64, payload []byte) error
	GVT() float64
}

// Snapshot is one entry in an agent's state history, keyed by the virtual
// time at which it was taken.
type Snapshot struct {
	VirtualTime float64
	State       []byte
}

// Agent is one logical simulation process: local state plus the histories
// needed to roll back and replay (spec.md §3).
type Agent struct {
	ID      string
	Handler Handler
	Router  Router

	mu sync.Mutex // multi-thread TryLock contention resolution (spec.md §5)

	lvt float64

	InputHistory  []*event.Event
	OutputHistory []*event.Event
	StateHistory  []Snapshot

	pendingNegatives []*event.Event

	logger zerolog.Logger
}

// New creates an agent with LVT = 0 and empty histories.
func New(id string, handler Handler) *Agent {
	return &Agent{
		ID:      id,
		Handler: handler,
		logger:  log.WithAgentID(id),
	}
}

// Bind attaches the router the agent uses for schedule-event and
// current-gvt. Called once during Simulation.Bootstrap, after the
// agent-id-to-rank mapping is frozen.
func (a *Agent) Bind(r Router) { a.Router = r }

// CurrentLVT implements the agent contract's current-lvt().
func (a *Agent) CurrentLVT() float64 { return a.lvt }

// CurrentGVT implements the agent contract's current-gvt().
func (a *Agent) CurrentGVT() float64 {
	if a.Router == nil {
		return 0
	}
	return a.Router.GVT()
}

// ScheduleEvent implements schedule-event(e) (spec.md §4.5) for the
// sender-side rule that doesn't depend on local/remote routing: a
// self-addressed event timestamped before the current GVT is rejected
// outright, since no amount of replay can make it causally valid again.
func (a *Agent) ScheduleEvent(receiver string, receiveTime float64, payload []byte) error {
	if receiver == a.ID && receiveTime < a.CurrentGVT() {
		return kernelerr.New(kernelerr.KindOutOfWindow,
			fmt.Sprintf("agent %s: self-scheduled event at %v is before GVT %v", a.ID, receiveTime, a.CurrentGVT()))
	}
	if receiveTime < a.lvt {
		return kernelerr.New(kernelerr.KindInvariantViolation,
			fmt.Sprintf("agent %s: receive-time %v precedes sent-time (LVT) %v", a.ID, receiveTime, a.lvt))
	}
	if a.Router == nil {
		return kernelerr.New(kernelerr.KindInvariantViolation, fmt.Sprintf("agent %s: not bound to a router", a.ID))
	}
	return a.Router.RouteEvent(a.ID, receiver, a.lvt, receiveTime, payload)
}

// TryLock attempts to acquire the agent's mutex without blocking, for the
// multi-thread dispatch mode's contention resolution (spec.md §5): a thread
// that fails to lock an agent leaves its events queued and picks another
// agent instead of blocking.
func (a *Agent) TryLock() bool { return a.mu.TryLock() }

// Unlock releases the agent's mutex.
func (a *Agent) Unlock() { a.mu.Unlock() }

// Deliver runs one batch through the handler and advances LVT to the
// batch's common receive-time (spec.md §4.3 steps 5-6). The caller is
// responsible for ref-count bookkeeping on the events (pkg/scheduler owns
// the arena); Deliver only manages agent-local state.
func (a *Agent) Deliver(batch []*event.Event) error {
	if len(batch) == 0 {
		return nil
	}
	receiveTime := batch[0].ReceiveTime
	if err := a.Handler.Execute(a, batch); err != nil {
		return fmt.Errorf("agent %s: execute at t=%v: %w", a.ID, receiveTime, err)
	}
	a.lvt = receiveTime
	a.InputHistory = append(a.InputHistory, batch...)
	return nil
}

// RecordSent appends e to the output history, so a later rollback can
// generate its anti-message.
func (a *Agent) RecordSent(e *event.Event) {
	a.OutputHistory = append(a.OutputHistory, e)
}

// TakeSnapshot appends a new state-history entry if vt is strictly greater
// than the last recorded one, preserving the monotone invariant spec.md §3
// requires.
func (a *Agent) TakeSnapshot(vt float64) {
	if n := len(a.StateHistory); n > 0 && a.StateHistory[n-1].VirtualTime >= vt {
		return
	}
	a.StateHistory = append(a.StateHistory, Snapshot{VirtualTime: vt, State: a.Handler.Snapshot()})
}

// RestoreBefore implements rollback recovery step 1 (spec.md §4.4):
// binary-search the state history for the most recent snapshot strictly
// before stragglerTime, install it, and drop every later snapshot. Returns
// the virtual time the agent was rolled back to.
func (a *Agent) RestoreBefore(stragglerTime float64) (float64, error) {
	idx := sort.Search(len(a.StateHistory), func(i int) bool {
		return a.StateHistory[i].VirtualTime >= stragglerTime
	})
	if idx == 0 {
		return 0, kernelerr.New(kernelerr.KindInvariantViolation,
			fmt.Sprintf("agent %s: no snapshot before straggler time %v", a.ID, stragglerTime))
	}
	snap := a.StateHistory[idx-1]
	a.StateHistory = a.StateHistory[:idx]
	a.Handler.Restore(snap.State)
	a.lvt = snap.VirtualTime
	return snap.VirtualTime, nil
}

// TruncateInputAfter removes and returns every input-history event with
// receive-time >= t, for re-processing in forward order after a rollback.
func (a *Agent) TruncateInputAfter(t float64) []*event.Event {
	kept := a.InputHistory[:0]
	var removed []*event.Event
	for _, e := range a.InputHistory {
		if e.ReceiveTime >= t {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	a.InputHistory = kept
	return removed
}

// TruncateOutputAfter removes and returns every output-history event with
// sent-time >= t, so the scheduler can generate anti-messages for them.
func (a *Agent) TruncateOutputAfter(t float64) []*event.Event {
	kept := a.OutputHistory[:0]
	var removed []*event.Event
	for _, e := range a.OutputHistory {
		if e.SentTime >= t {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	a.OutputHistory = kept
	return removed
}

// AddPendingNegative stores an anti-message whose matching positive has not
// yet arrived (spec.md §4.4 anti-message receipt, third case).
func (a *Agent) AddPendingNegative(e *event.Event) {
	a.pendingNegatives = append(a.pendingNegatives, e)
}

// MatchPendingNegative removes and returns a pending negative matching e's
// identity, if one is stored (annihilation on arrival of the positive).
func (a *Agent) MatchPendingNegative(e *event.Event) *event.Event {
	for i, n := range a.pendingNegatives {
		if n.SameIdentity(e) {
			a.pendingNegatives = append(a.pendingNegatives[:i], a.pendingNegatives[i+1:]...)
			return n
		}
	}
	return nil
}

// DrainPendingNegatives removes and returns every still-unmatched pending
// negative. Called by Simulation.finalize per the Open Question resolution
// (SPEC_FULL.md §9): any left over are logged and discarded rather than
// extending the GVT token format.
func (a *Agent) DrainPendingNegatives() []*event.Event {
	drained := a.pendingNegatives
	a.pendingNegatives = nil
	return drained
}

// GC drops every input/output-history event with a timestamp at or below
// gvt, since they can never again be the target of a rollback (spec.md §3,
// destruction rule). It returns the evicted events so the caller (which owns
// the arena, not this package) can release their ref/inputRef holds.
func (a *Agent) GC(gvt float64) (evictedIn, evictedOut []*event.Event) {
	keptIn := a.InputHistory[:0]
	for _, e := range a.InputHistory {
		if e.ReceiveTime > gvt {
			keptIn = append(keptIn, e)
		} else {
			evictedIn = append(evictedIn, e)
		}
	}
	a.InputHistory = keptIn

	keptOut := a.OutputHistory[:0]
	for _, e := range a.OutputHistory {
		if e.SentTime > gvt {
			keptOut = append(keptOut, e)
		} else {
			evictedOut = append(evictedOut, e)
		}
	}
	a.OutputHistory = keptOut
	return evictedIn, evictedOut
}

// Logger returns the agent's component logger.
func (a *Agent) Logger() zerolog.Logger { return a.logger }
