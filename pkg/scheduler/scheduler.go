package scheduler

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cuemby/pdes/pkg/agent"
	"github.com/cuemby/pdes/pkg/config"
	"github.com/cuemby/pdes/pkg/event"
	"github.com/cuemby/pdes/pkg/gvt"
	"github.com/cuemby/pdes/pkg/kernelerr"
	"github.com/cuemby/pdes/pkg/log"
	"github.com/cuemby/pdes/pkg/metrics"
	"github.com/cuemby/pdes/pkg/pqueue"
	"github.com/cuemby/pdes/pkg/rchannel"
	"github.com/cuemby/pdes/pkg/transport"
	"github.com/cuemby/pdes/pkg/transport/wire"
	"github.com/rs/zerolog"
)

// rollbackThrottleLimit is how many consecutive rollbacks an agent must
// accumulate before the scheduler starts deferring its batches; throttleCooldown
// is how many Dispatch calls the deferral lasts.
const (
	rollbackThrottleLimit = 3
	throttleCooldown      = 5
)

// Scheduler drives one rank's dispatch loop (spec.md §4.3), the rollback
// protocol (§4.4), event routing (§4.5), and GVT advancement (§4.6/§4.7).
// It implements agent.Router so agents can call schedule-event without the
// agent package depending on this one.
type Scheduler struct {
	arena     *event.Arena
	queue     pqueue.Queue
	comm      transport.Communicator
	agents    map[string]*agent.Agent
	agentRank map[string]int

	rank, numRanks int
	multiThread    bool

	timeWindow float64
	lookahead  float64
	endTime    float64

	gvtPeriod        float64
	snapshotInterval float64
	nextSnapshotAt   map[string]float64
	nextRoundAt      float64

	mattern *gvt.MatternGVTManager
	simple  *gvt.SimpleGVTManager

	rchan *rchannel.Channel

	rollbackThrottle  bool
	throttleMu        sync.Mutex
	consecutiveRB     map[string]int
	throttleRemaining map[string]int

	statsMu              sync.Mutex
	recoverableLastRound map[kernelerr.Kind]uint64
	roundCounter         uint64
	roundStart           time.Time

	onDeliver func(agentID string, e *event.Event)

	logger zerolog.Logger
}

// OnDeliver registers a hook invoked once per positive event successfully
// delivered to its agent (never for anti-messages or within-batch
// annihilations). Simulation uses this to feed an optional EventLog.
func (s *Scheduler) OnDeliver(fn func(agentID string, e *event.Event)) {
	s.onDeliver = fn
}

// New builds a Scheduler for one rank. queue is the chosen priority
// structure (already constructed per cfg.SchedulerQueue); comm is the
// inter-rank transport; rchan is optional epoch telemetry (nil disables it).
func New(cfg config.Config, rank, numRanks int, arena *event.Arena, queue pqueue.Queue, comm transport.Communicator, rchan *rchannel.Channel) *Scheduler {
	s := &Scheduler{
		arena:                arena,
		queue:                queue,
		comm:                 comm,
		agents:               make(map[string]*agent.Agent),
		agentRank:            make(map[string]int),
		rank:                 rank,
		numRanks:             numRanks,
		multiThread:          cfg.ThreadsPerRank > 1,
		timeWindow:           cfg.TimeWindow,
		lookahead:            cfg.Lookahead,
		endTime:              cfg.EndTime,
		gvtPeriod:            cfg.GVTPeriod,
		snapshotInterval:     cfg.SnapshotInterval,
		nextSnapshotAt:       make(map[string]float64),
		nextRoundAt:          cfg.GVTPeriod,
		rchan:                rchan,
		rollbackThrottle:     cfg.EnableRollbackThrottle,
		consecutiveRB:        make(map[string]int),
		throttleRemaining:    make(map[string]int),
		recoverableLastRound: make(map[kernelerr.Kind]uint64),
		logger:               log.WithRank(rank),
	}
	if cfg.Lookahead > 0 {
		s.simple = gvt.NewSimpleGVTManager(s.localMin)
	} else {
		s.mattern = gvt.NewMatternGVTManager(rank, numRanks, s.localMin)
	}
	return s
}

// RegisterAgent binds a locally-hosted agent to this scheduler and records
// its home rank in the agent-id-to-rank map every rank needs frozen before
// the run starts (spec.md §3 "Mapping from agent-id to home rank").
func (s *Scheduler) RegisterAgent(a *agent.Agent) {
	s.agents[a.ID] = a
	s.agentRank[a.ID] = s.rank
	a.Bind(s)
	if s.snapshotInterval > 0 {
		s.nextSnapshotAt[a.ID] = s.snapshotInterval
	}
}

// RegisterRemoteAgent records a remote agent's home rank without hosting it
// locally, so RouteEvent can address it.
func (s *Scheduler) RegisterRemoteAgent(id string, homeRank int) {
	s.agentRank[id] = homeRank
}

// Agents returns the locally-hosted agents, for finalize-order iteration.
func (s *Scheduler) Agents() map[string]*agent.Agent { return s.agents }

// GVT implements agent.Router and gvt.Manager.
func (s *Scheduler) GVT() float64 {
	if s.simple != nil {
		return s.simple.GVT()
	}
	return s.mattern.GVT()
}

// LocalVirtualTime returns this rank's minimum local agent LVT, the pacing
// signal Simulation's main loop uses to decide when enough virtual time has
// passed to attempt a new GVT round.
func (s *Scheduler) LocalVirtualTime() float64 { return s.localMin() }

// QueueLen reports how many events are currently queued locally.
func (s *Scheduler) QueueLen() int { return s.queue.Len() }

// Conservative reports whether this scheduler is running the
// lookahead-bounded conservative regime rather than optimistic Time Warp.
func (s *Scheduler) Conservative() bool { return s.simple != nil }

// localMin is the per-rank minimum LVT the GVT managers fold into their
// estimate: the smallest LVT among locally-hosted agents, or +Inf if none.
func (s *Scheduler) localMin() float64 {
	min := math.Inf(1)
	for _, a := range s.agents {
		if lvt := a.CurrentLVT(); lvt < min {
			min = lvt
		}
	}
	return min
}

// RouteEvent implements agent.Router's schedule-event sink (spec.md §4.5)
// for events newly created by an agent's own Handler. The sender-side
// self-scheduled-in-the-past and receive-before-sent checks already happen
// in agent.Agent.ScheduleEvent before this is called.
func (s *Scheduler) RouteEvent(sender, receiver string, sentTime, receiveTime float64, payload []byte) error {
	if receiveTime >= s.endTime {
		return nil // out-of-window, dropped silently (spec.md §4.5, §7)
	}
	senderAgent, ok := s.agents[sender]
	if !ok {
		return kernelerr.New(kernelerr.KindInvariantViolation, fmt.Sprintf("scheduler: unknown local sender %s", sender))
	}
	e := s.arena.New(sender, receiver, sentTime, receiveTime, payload)
	senderAgent.RecordSent(e)
	return s.dispatchEvent(e)
}

// dispatchEvent sends e to its receiver's home rank: a local enqueue (with
// the receiver-side input-ref retained) or a remote wire send tagged with
// the active GVT color. e arrives with ref already counting one holder
// (the caller's), exactly as arena.New or a transient Retain leaves it.
func (s *Scheduler) dispatchEvent(e *event.Event) error {
	destRank, ok := s.agentRank[e.Receiver]
	if !ok {
		return kernelerr.New(kernelerr.KindInvariantViolation, fmt.Sprintf("scheduler: unknown receiver %s", e.Receiver))
	}
	if destRank == s.rank {
		s.arena.RetainInput(e)
		s.queue.Enqueue(e)
		metrics.QueueDepth.WithLabelValues(e.Receiver).Set(float64(s.queue.Len()))
		return nil
	}
	if s.mattern != nil {
		s.mattern.OnSend(e)
		s.reportInFlight()
	}
	frame := wire.EncodeEvent(wire.EventFrame{
		Sign: e.Sign, Color: e.Color,
		Sender: e.Sender, Receiver: e.Receiver,
		SentTime: e.SentTime, ReceiveTime: e.ReceiveTime,
		Payload: e.Payload,
	})
	if err := s.comm.Send(destRank, frame); err != nil {
		return kernelerr.Wrap(kernelerr.KindTransportFailure, fmt.Sprintf("scheduler: send to rank %d", destRank), err)
	}
	return nil
}

// Dispatch implements process-next-agent-events (spec.md §4.3). It returns
// (true, nil) if a batch was processed, (false, nil) if there was nothing
// to do (empty queue, time-window/lookahead throttling, or lock contention
// in multi-thread mode), or a non-nil error for a fatal condition.
func (s *Scheduler) Dispatch() (bool, error) {
	front, ok := s.queue.Front()
	if !ok {
		return false, nil
	}
	t := front.ReceiveTime
	g := s.GVT()
	if s.timeWindow > 0 && t-g > s.timeWindow {
		return false, nil
	}
	if s.lookahead > 0 && t-g >= s.lookahead {
		return false, nil
	}

	batch := s.queue.DequeueBatch()
	if len(batch) == 0 {
		return false, nil
	}
	receiver := batch[0].Receiver
	a, ok := s.agents[receiver]
	if !ok {
		return false, kernelerr.New(kernelerr.KindInvariantViolation, fmt.Sprintf("scheduler: dequeued batch for unknown local agent %s", receiver))
	}

	if s.throttled(receiver) {
		s.requeue(batch)
		return false, nil
	}

	if s.multiThread {
		if !a.TryLock() {
			s.requeue(batch)
			return false, nil
		}
		defer a.Unlock()
	}

	timer := metrics.NewTimer()
	err := s.processBatch(a, batch)
	timer.ObserveDuration(metrics.SchedulingLatency)
	if err == nil {
		s.maybeSnapshot(a)
	}
	return true, err
}

func (s *Scheduler) requeue(batch []*event.Event) {
	for _, e := range batch {
		s.queue.Enqueue(e)
	}
}

// maybeSnapshot applies the GVT-driven state-saving cadence (spec.md §4.3
// step 7): a snapshot is taken once the agent's LVT has advanced past the
// next scheduled snapshot boundary.
func (s *Scheduler) maybeSnapshot(a *agent.Agent) {
	if s.snapshotInterval <= 0 {
		return
	}
	if a.CurrentLVT() >= s.nextSnapshotAt[a.ID] {
		a.TakeSnapshot(a.CurrentLVT())
		s.nextSnapshotAt[a.ID] += s.snapshotInterval
	}
}

// processBatch implements the straggler/anti-message handling that
// precedes ordinary delivery (spec.md §4.3 step 5, §4.4).
func (s *Scheduler) processBatch(a *agent.Agent, batch []*event.Event) error {
	remaining := s.annihilateWithinBatch(batch)
	if len(remaining) == 0 {
		return nil
	}

	t := remaining[0].ReceiveTime
	straggler := len(a.InputHistory) > 0 && t <= a.CurrentLVT()
	if straggler {
		if err := s.rollback(a, t, remaining[0]); err != nil {
			return err
		}
	}
	s.recordRollbackOutcome(a.ID, straggler)

	var positives []*event.Event
	for _, e := range remaining {
		if e.Sign == event.Negative {
			if straggler {
				// Retroactively undone by the rollback above; the
				// positive it targeted no longer needs cancelling.
				s.arena.ReleaseInput(e)
			} else {
				a.AddPendingNegative(e)
				s.logRecoverable(kernelerr.KindCancellationOfNothing,
					fmt.Sprintf("agent %s: anti-message for %s@%v has no matching positive yet", a.ID, e.Sender, e.ReceiveTime))
			}
			continue
		}
		if neg := a.MatchPendingNegative(e); neg != nil {
			s.arena.ReleaseInput(e)
			s.arena.ReleaseInput(neg)
			continue
		}
		positives = append(positives, e)
	}
	if len(positives) == 0 {
		return nil
	}

	if err := a.Deliver(positives); err != nil {
		return err
	}
	for _, e := range positives {
		metrics.EventsProcessedTotal.WithLabelValues(a.ID).Inc()
		if s.onDeliver != nil {
			s.onDeliver(a.ID, e)
		}
	}
	return nil
}

// annihilateWithinBatch cancels any positive/negative pair sharing identity
// within one dequeued batch (the "matching positive still in queue" case of
// spec.md §4.4's anti-message receipt rule): since both carry the same
// receive-time by construction, they are always dequeued together.
func (s *Scheduler) annihilateWithinBatch(batch []*event.Event) []*event.Event {
	consumed := make([]bool, len(batch))
	remaining := make([]*event.Event, 0, len(batch))
	for i, e := range batch {
		if consumed[i] || e.Sign != event.Negative {
			continue
		}
		for j := 0; j < len(batch); j++ {
			if consumed[j] || batch[j].Sign != event.Positive {
				continue
			}
			if batch[j].SameIdentity(e) {
				consumed[i], consumed[j] = true, true
				s.arena.ReleaseInput(e)
				s.arena.ReleaseInput(batch[j])
				metrics.AntiMessagesTotal.Inc()
				break
			}
		}
	}
	for i, e := range batch {
		if !consumed[i] {
			remaining = append(remaining, e)
		}
	}
	return remaining
}

// rollback implements the four-step recovery of spec.md §4.4, triggered by
// straggler at receive-time t (the event that exposed the straggler
// condition, used for the sender/sent-time drop rule in step 2).
func (s *Scheduler) rollback(a *agent.Agent, t float64, straggler *event.Event) error {
	restoredLVT, err := a.RestoreBefore(t)
	if err != nil {
		return err
	}
	metrics.RollbacksTotal.WithLabelValues(a.ID).Inc()
	metrics.RollbackDistance.Observe(t - restoredLVT)
	if s.rchan != nil {
		s.rchan.Rollback(restoredLVT)
	}

	reissued := a.TruncateInputAfter(restoredLVT)
	for _, e := range reissued {
		if e.Sender == straggler.Sender && e.SentTime >= straggler.SentTime {
			s.arena.ReleaseInput(e)
			continue
		}
		s.queue.Enqueue(e)
	}

	outs := a.TruncateOutputAfter(restoredLVT)
	seen := make(map[string]bool, len(outs))
	for _, e := range outs {
		key := fmt.Sprintf("%s|%s|%v|%v", e.Sender, e.Receiver, e.SentTime, e.ReceiveTime)
		if seen[key] {
			s.arena.Release(e)
			continue
		}
		seen[key] = true
		if err := s.dispatchAntiMessage(e); err != nil {
			return err
		}
		s.arena.Release(e)
	}
	return nil
}

// dispatchAntiMessage sends e's sign-flipped twin through the same routine
// that dispatches positive events (spec.md §4.4 step 3).
func (s *Scheduler) dispatchAntiMessage(e *event.Event) error {
	anti := e.AntiMessage()
	s.arena.Retain(anti)
	err := s.dispatchEvent(anti)
	s.arena.Release(anti)
	return err
}

func (s *Scheduler) recordRollbackOutcome(agentID string, rolledBack bool) {
	if !s.rollbackThrottle {
		return
	}
	s.throttleMu.Lock()
	defer s.throttleMu.Unlock()
	if rolledBack {
		s.consecutiveRB[agentID]++
		if s.consecutiveRB[agentID] >= rollbackThrottleLimit {
			s.throttleRemaining[agentID] = throttleCooldown
			s.consecutiveRB[agentID] = 0
			s.logger.Warn().Str("agent_id", agentID).Msg("rollback-throttle engaged")
		}
		return
	}
	s.consecutiveRB[agentID] = 0
}

func (s *Scheduler) throttled(agentID string) bool {
	if !s.rollbackThrottle {
		return false
	}
	s.throttleMu.Lock()
	defer s.throttleMu.Unlock()
	n := s.throttleRemaining[agentID]
	if n <= 0 {
		return false
	}
	s.throttleRemaining[agentID] = n - 1
	return true
}

// logRecoverable reports a non-fatal kernelerr.Kind at most once per GVT
// round (spec.md §7 policy).
func (s *Scheduler) logRecoverable(kind kernelerr.Kind, msg string) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if last, ok := s.recoverableLastRound[kind]; ok && last == s.roundCounter {
		return
	}
	s.recoverableLastRound[kind] = s.roundCounter
	s.logger.Warn().Str("kind", string(kind)).Msg(msg)
}
