package scheduler

import (
	"bytes"
	"strconv"
	"time"

	"github.com/cuemby/pdes/pkg/event"
	"github.com/cuemby/pdes/pkg/gvt"
	"github.com/cuemby/pdes/pkg/kernelerr"
	"github.com/cuemby/pdes/pkg/metrics"
	"github.com/cuemby/pdes/pkg/transport/wire"
)

// reportInFlight publishes the Mattern manager's current outstanding
// send/recv counters so pdes_events_in_flight reflects live state rather
// than only the value at process start.
func (s *Scheduler) reportInFlight() {
	white, red := s.mattern.InFlight()
	metrics.EventsInFlight.WithLabelValues(strconv.Itoa(int(event.ColorWhite))).Set(float64(white))
	metrics.EventsInFlight.WithLabelValues(strconv.Itoa(int(event.ColorRed))).Set(float64(red))
}

// PollTransport drains one incoming message, if any, and applies it: a
// remote event is enqueued locally, a GVT control/estimate/ack message
// advances the token ring. Called once per main-loop iteration regardless
// of synchronization regime.
func (s *Scheduler) PollTransport() error {
	msg, ok := s.comm.Poll()
	if !ok {
		return nil
	}
	r := bytes.NewReader(msg.Payload)
	kind, err := wire.PeekKind(r)
	if err != nil {
		return kernelerr.Wrap(kernelerr.KindTransportFailure, "scheduler: peek message kind", err)
	}
	switch kind {
	case wire.KindEvent:
		return s.handleInboundEvent(r)
	case wire.KindControl:
		return s.handleControlMessage(r)
	case wire.KindEstimate:
		return s.handleEstimate(r)
	case wire.KindAck:
		_, err := wire.DecodeAck(r)
		return err
	default:
		return nil
	}
}

func (s *Scheduler) handleInboundEvent(r *bytes.Reader) error {
	f, err := wire.DecodeEvent(r)
	if err != nil {
		return kernelerr.Wrap(kernelerr.KindTransportFailure, "scheduler: decode event frame", err)
	}
	e := s.arena.NewInput(f.Sender, f.Receiver, f.SentTime, f.ReceiveTime, f.Payload)
	e.Sign = f.Sign
	e.Color = f.Color
	if s.mattern != nil {
		s.mattern.OnReceive(e)
		s.reportInFlight()
	}
	s.queue.Enqueue(e)
	metrics.QueueDepth.WithLabelValues(e.Receiver).Set(float64(s.queue.Len()))
	return nil
}

// TryStartGVTRound initiates a new Mattern round once currentVT has passed
// the next scheduled boundary, and only on rank 0 (spec.md §4.6: "A GVT
// round begins at rank 0"). No-op in conservative mode.
func (s *Scheduler) TryStartGVTRound(currentVT float64) error {
	if s.mattern == nil || s.rank != 0 || s.gvtPeriod <= 0 {
		return nil
	}
	if currentVT < s.nextRoundAt {
		return nil
	}
	msg := s.mattern.StartRound()
	if msg == nil {
		return nil
	}
	s.roundStart = time.Now()
	s.nextRoundAt += s.gvtPeriod
	return s.forwardControl(*msg)
}

func (s *Scheduler) forwardControl(msg gvt.ControlMessage) error {
	next := (s.rank + 1) % s.numRanks
	frame := wire.EncodeControl(controlToFrame(msg))
	if err := s.comm.Send(next, frame); err != nil {
		return kernelerr.Wrap(kernelerr.KindTransportFailure, "scheduler: forward gvt control message", err)
	}
	return nil
}

func (s *Scheduler) handleControlMessage(r *bytes.Reader) error {
	f, err := wire.DecodeControl(r)
	if err != nil {
		return kernelerr.Wrap(kernelerr.KindTransportFailure, "scheduler: decode control frame", err)
	}
	msg := frameToControl(f)
	forward, estimate := s.mattern.HandleControlMessage(msg)
	if forward != nil {
		return s.forwardControl(*forward)
	}
	if estimate != nil {
		s.bumpRound()
		if !s.roundStart.IsZero() {
			metrics.GVTRoundDuration.Observe(time.Since(s.roundStart).Seconds())
			s.roundStart = time.Time{}
		}
		metrics.GVT.Set(*estimate)
		s.collectGarbage(*estimate)
		return s.broadcastEstimate(*estimate)
	}
	// Count was nonzero: the manager has already ended the round without
	// an estimate. Nothing is held back for re-checking; the next round
	// starts from TryStartGVTRound once local time reaches nextRoundAt.
	return nil
}

func (s *Scheduler) broadcastEstimate(g float64) error {
	frame := wire.EncodeEstimate(g)
	for rank := 0; rank < s.numRanks; rank++ {
		if rank == s.rank {
			continue
		}
		if err := s.comm.Send(rank, frame); err != nil {
			return kernelerr.Wrap(kernelerr.KindTransportFailure, "scheduler: broadcast gvt estimate", err)
		}
	}
	return nil
}

func (s *Scheduler) handleEstimate(r *bytes.Reader) error {
	g, err := wire.DecodeEstimate(r)
	if err != nil {
		return kernelerr.Wrap(kernelerr.KindTransportFailure, "scheduler: decode gvt estimate", err)
	}
	s.mattern.AdoptEstimate(g)
	s.bumpRound()
	metrics.GVT.Set(g)
	s.collectGarbage(g)
	return nil
}

// ForceUpdateGVT drives the conservative regime's GVT forward via an
// all-reduce minimum of every rank's LVT (spec.md §4.7). Call whenever
// local dispatch stalls on the lookahead bound.
func (s *Scheduler) ForceUpdateGVT() error {
	if s.simple == nil {
		return nil
	}
	start := time.Now()
	peerMin, err := s.comm.AllReduceMin(s.localMin())
	if err != nil {
		return kernelerr.Wrap(kernelerr.KindTransportFailure, "scheduler: conservative all-reduce min", err)
	}
	s.simple.ForceUpdate([]float64{peerMin})
	s.bumpRound()
	metrics.GVTRoundDuration.Observe(time.Since(start).Seconds())
	g := s.simple.GVT()
	metrics.GVT.Set(g)
	s.collectGarbage(g)
	return nil
}

func (s *Scheduler) bumpRound() {
	s.statsMu.Lock()
	s.roundCounter++
	s.statsMu.Unlock()
}

// collectGarbage runs the destruction rule (spec.md §3) over every local
// agent once a new GVT estimate is known: history entries timestamped at
// or below gvt can never again be the target of a rollback, so they are
// dropped and their arena holds released.
func (s *Scheduler) collectGarbage(g float64) {
	for _, a := range s.agents {
		evictedIn, evictedOut := a.GC(g)
		for _, e := range evictedIn {
			s.arena.ReleaseInput(e)
		}
		for _, e := range evictedOut {
			s.arena.Release(e)
		}
		if n := len(evictedIn) + len(evictedOut); n > 0 {
			metrics.EventsCommittedTotal.Add(float64(n))
		}
	}
}

func controlToFrame(msg gvt.ControlMessage) wire.ControlFrame {
	return wire.ControlFrame{
		Color:    msg.Color,
		Counters: []int64{int64(msg.Initiator), int64(msg.Hops), msg.Count},
		TMin:     msg.TMin,
	}
}

func frameToControl(f wire.ControlFrame) gvt.ControlMessage {
	var initiator, hops int
	var count int64
	if len(f.Counters) == 3 {
		initiator = int(f.Counters[0])
		hops = int(f.Counters[1])
		count = f.Counters[2]
	}
	return gvt.ControlMessage{Initiator: initiator, Hops: hops, Color: f.Color, Count: count, TMin: f.TMin}
}
