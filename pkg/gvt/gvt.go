// Package gvt computes Global Virtual Time, the lower bound on any future
// event timestamp below which reclamation is safe (spec.md §4.6, §4.7).
// Two strategies are provided: MatternGVTManager, a colored-token-ring
// implementation for the optimistic/distributed regime, and
// SimpleGVTManager, an all-reduce-min used by the conservative regime and
// promoted from a passing mention in spec.md §4.7 to a full second
// implementation by SPEC_FULL.md's supplemented features.
package gvt

import (
	"math"
	"sync"

	"github.com/cuemby/pdes/pkg/event"
)

// Manager is the common GVT read surface every simulation component uses to
// decide what is safe to reclaim.
type Manager interface {
	GVT() float64
}

func flip(c event.Color) event.Color {
	if c == event.ColorWhite {
		return event.ColorRed
	}
	return event.ColorWhite
}

// ControlMessage is the token Mattern's algorithm passes around the ring:
// the accumulated in-flight message count and minimum timestamp for the
// color being closed out this round.
type ControlMessage struct {
	Initiator int
	Hops      int
	Color     event.Color
	Count     int64
	TMin      float64
}

// MatternGVTManager implements Mattern's colored-token-ring algorithm
// (spec.md §4.6). Every outgoing event is stamped with the locally active
// color; the in-flight count for a color is the difference between sends
// and receives tagged with it. A round starts at rank 0, flips the active
// color, and circulates a token that accumulates every rank's in-flight
// count and minimum candidate timestamp for the color being closed. If the
// token returns to rank 0 with a net count of zero, every message sent
// under that color has been received, and TMin is a safe new GVT.
type MatternGVTManager struct {
	mu sync.Mutex

	rank     int
	numRanks int

	color       event.Color
	sentCount   [2]int64
	recvCount   [2]int64
	tMinByColor [2]float64

	cycleActive bool
	gvt         float64

	localMin func() float64
}

// NewMatternGVTManager creates a manager for one rank of an n-rank ring.
// localMin must return the minimum of this rank's agent LVTs and any
// pending event receive-time not yet reflected in sentCount/recvCount.
func NewMatternGVTManager(rank, numRanks int, localMin func() float64) *MatternGVTManager {
	return &MatternGVTManager{
		rank:        rank,
		numRanks:    numRanks,
		tMinByColor: [2]float64{math.Inf(1), math.Inf(1)},
		localMin:    localMin,
	}
}

// ActiveColor returns the color new sends are stamped with.
func (m *MatternGVTManager) ActiveColor() event.Color {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.color
}

// GVT implements Manager.
func (m *MatternGVTManager) GVT() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gvt
}

// OnSend stamps e with the active color and updates the send-side
// in-flight accounting (spec.md §4.5 routing: "mark the event with the
// GVTManager's currently-active color, increment the outgoing vector
// counter").
func (m *MatternGVTManager) OnSend(e *event.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Color = m.color
	m.sentCount[m.color]++
	if e.ReceiveTime < m.tMinByColor[m.color] {
		m.tMinByColor[m.color] = e.ReceiveTime
	}
}

// OnReceive updates the receive-side in-flight accounting for an incoming
// remote event.
func (m *MatternGVTManager) OnReceive(e *event.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recvCount[e.Color]++
}

// InFlight returns the net outstanding (sent minus received) count for each
// color, for telemetry use.
func (m *MatternGVTManager) InFlight() (white, red int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sentCount[event.ColorWhite] - m.recvCount[event.ColorWhite],
		m.sentCount[event.ColorRed] - m.recvCount[event.ColorRed]
}

// StartRound begins a new GVT round. Only rank 0 may initiate one; returns
// nil if this rank isn't 0 or a round is already in progress.
func (m *MatternGVTManager) StartRound() *ControlMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rank != 0 || m.cycleActive {
		return nil
	}
	m.cycleActive = true

	prevColor := m.color
	m.color = flip(prevColor)

	closedTMin := m.tMinByColor[prevColor]
	m.tMinByColor[prevColor] = math.Inf(1)

	count := m.sentCount[prevColor] - m.recvCount[prevColor]
	tmin := math.Min(closedTMin, m.localMin())

	return &ControlMessage{Initiator: 0, Hops: 1, Color: prevColor, Count: count, TMin: tmin}
}

// HandleControlMessage folds this rank's in-flight accounting into msg and
// either forwards it to the next rank or, once it has circled back to the
// initiator, resolves the round. estimate is non-nil only on the hop that
// closes the round with a safe (zero in-flight) count.
func (m *MatternGVTManager) HandleControlMessage(msg ControlMessage) (forward *ControlMessage, estimate *float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.Hops >= m.numRanks {
		m.cycleActive = false
		if msg.Count == 0 {
			g := msg.TMin
			if g > m.gvt {
				m.gvt = g
			}
			return nil, &g
		}
		return nil, nil
	}

	count := msg.Count + (m.sentCount[msg.Color] - m.recvCount[msg.Color])
	tmin := math.Min(msg.TMin, math.Min(m.tMinByColor[msg.Color], m.localMin()))
	next := ControlMessage{Initiator: msg.Initiator, Hops: msg.Hops + 1, Color: msg.Color, Count: count, TMin: tmin}
	return &next, nil
}

// AdoptEstimate installs a GVT value broadcast by the round's initiator,
// for every rank other than rank 0 (which computes it directly in
// HandleControlMessage). Never regresses GVT.
func (m *MatternGVTManager) AdoptEstimate(g float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g > m.gvt {
		m.gvt = g
	}
}

// SimpleGVTManager is the conservative-regime alternative: GVT is
// force-updated by an all-reduce minimum of every rank's LVT, with no
// token passing and no color scheme, since lookahead already bounds how
// far any rank can run ahead (spec.md §4.7; promoted to a full
// implementation per SPEC_FULL.md's supplemented features).
type SimpleGVTManager struct {
	mu       sync.Mutex
	gvt      float64
	localMin func() float64
}

// NewSimpleGVTManager creates a manager whose GVT only advances through
// ForceUpdate.
func NewSimpleGVTManager(localMin func() float64) *SimpleGVTManager {
	return &SimpleGVTManager{localMin: localMin}
}

// GVT implements Manager.
func (m *SimpleGVTManager) GVT() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gvt
}

// ForceUpdate computes min(localMin(), peerMins...) and advances GVT to it
// if that is not a regression (GVT monotonicity, spec.md §8).
func (m *SimpleGVTManager) ForceUpdate(peerMins []float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	least := m.localMin()
	for _, v := range peerMins {
		if v < least {
			least = v
		}
	}
	if least > m.gvt {
		m.gvt = least
	}
	return m.gvt
}
