// Package simulation wires pkg/scheduler, pkg/transport, and pkg/agent
// together into one rank's runnable kernel: bootstrap (exchanging the
// agent-id-to-rank mapping), the poll-dispatch-GVT main loop, and ordered
// finalize (spec.md §5, §9).
package simulation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/pdes/pkg/agent"
	"github.com/cuemby/pdes/pkg/config"
	"github.com/cuemby/pdes/pkg/event"
	"github.com/cuemby/pdes/pkg/kernelerr"
	"github.com/cuemby/pdes/pkg/log"
	"github.com/cuemby/pdes/pkg/pqueue"
	"github.com/cuemby/pdes/pkg/rchannel"
	"github.com/cuemby/pdes/pkg/scheduler"
	"github.com/cuemby/pdes/pkg/transport"
	"github.com/rs/zerolog"
)

// idleRoundsBeforeShutdown is how many consecutive no-work loop iterations,
// once the local queue is empty, Run waits before declaring this rank
// quiescent. The margin has to outlast an ordinary cross-rank round trip
// (a local send, the peer's dispatch, and its reply, all unblocked by any
// sleep in this loop), not just a single in-flight message, since there is
// no separate distributed-termination handshake (spec.md doesn't specify
// one beyond the end-time drop rule).
const idleRoundsBeforeShutdown = 10000

// epochReportInterval is the wall-clock spacing between ResChannel speed
// reports, independent of how often an epoch itself is recorded (every
// dispatched batch).
const epochReportInterval = time.Second

// AgentSpec names one agent this rank hosts locally.
type AgentSpec struct {
	ID      string
	Handler agent.Handler
}

// Simulation owns one rank's scheduler, transport, and registered agents.
type Simulation struct {
	cfg   config.Config
	rank  int
	comm  transport.Communicator
	sched *scheduler.Scheduler
	arena *event.Arena

	agents map[string]*agent.Agent

	rchan *rchannel.Channel
	log   EventLog

	stopCh   chan struct{}
	stopOnce sync.Once

	logger zerolog.Logger
}

// New builds a Simulation for one rank. queue should come from NewQueue so
// it matches cfg.SchedulerQueue. reporter and eventLog are optional
// (nil/NoopEventLog disable their respective telemetry).
func New(cfg config.Config, rank int, comm transport.Communicator, queue pqueue.Queue, reporter rchannel.Reporter, eventLog EventLog) *Simulation {
	arena := event.NewArena()
	var rchan *rchannel.Channel
	if cfg.MinEpochCount > 0 {
		rchan = rchannel.NewChannel(cfg.MinEpochCount, reporter)
	}
	if eventLog == nil {
		eventLog = NoopEventLog{}
	}
	sched := scheduler.New(cfg, rank, comm.NumRanks(), arena, queue, comm, rchan)

	s := &Simulation{
		cfg:    cfg,
		rank:   rank,
		comm:   comm,
		sched:  sched,
		arena:  arena,
		agents: make(map[string]*agent.Agent),
		rchan:  rchan,
		log:    eventLog,
		stopCh: make(chan struct{}),
		logger: log.WithRank(rank),
	}
	sched.OnDeliver(func(agentID string, e *event.Event) {
		if err := s.log.Record(agentID, e); err != nil {
			s.logger.Warn().Err(err).Str("agent_id", agentID).Msg("event log record failed")
		}
	})
	return s
}

// membershipMsg is broadcast once during Bootstrap to exchange which
// agent-ids each rank hosts. It is plain JSON rather than pkg/transport/wire
// framing: Bootstrap runs entirely before any Scheduler.PollTransport call,
// so there is no hot-path frame it could be confused with, and the binary
// wire format is reserved for the steady-state event/GVT traffic spec.md §6
// defines.
type membershipMsg struct {
	Rank     int      `json:"rank"`
	AgentIDs []string `json:"agent_ids"`
}

// Bootstrap registers local agents with the scheduler and exchanges the
// agent-id-to-rank mapping with every other rank, a one-time membership
// exchange (spec.md §3's "built once during registration"). Once Bootstrap
// returns, every rank can route an event to any agent without further
// lookup, and no agent may be added afterward (no dynamic migration,
// spec.md Non-goals).
func (s *Simulation) Bootstrap(ctx context.Context, local []AgentSpec) error {
	ids := make([]string, 0, len(local))
	for _, spec := range local {
		a := agent.New(spec.ID, spec.Handler)
		s.sched.RegisterAgent(a)
		s.agents[spec.ID] = a
		ids = append(ids, spec.ID)
	}

	numRanks := s.comm.NumRanks()
	if numRanks <= 1 {
		return s.initializeLocal()
	}

	payload, err := json.Marshal(membershipMsg{Rank: s.rank, AgentIDs: ids})
	if err != nil {
		return fmt.Errorf("simulation: marshal membership: %w", err)
	}
	if err := s.comm.Broadcast(payload); err != nil {
		return fmt.Errorf("simulation: broadcast membership: %w", err)
	}

	received := 0
	for received < numRanks-1 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("simulation: bootstrap: %w", ctx.Err())
		default:
		}
		msg, ok := s.comm.Poll()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		var mm membershipMsg
		if err := json.Unmarshal(msg.Payload, &mm); err != nil {
			return fmt.Errorf("simulation: unmarshal membership: %w", err)
		}
		for _, id := range mm.AgentIDs {
			s.sched.RegisterRemoteAgent(id, mm.Rank)
		}
		received++
	}
	return s.initializeLocal()
}

func (s *Simulation) initializeLocal() error {
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		a := s.agents[id]
		if err := a.Handler.Initialize(a); err != nil {
			return fmt.Errorf("simulation: initialize agent %s: %w", id, err)
		}
	}
	return nil
}

// Run drives the poll-dispatch-GVT loop until ctx is cancelled, Stop is
// called, or this rank reaches quiescence at end-time. It returns the
// first fatal error encountered; recoverable kernelerr.Error values are
// logged and the loop continues (spec.md §7).
func (s *Simulation) Run(ctx context.Context) error {
	idle := 0
	lastReport := time.Now()
	for {
		select {
		case <-ctx.Done():
			return s.finalize()
		case <-s.stopCh:
			return s.finalize()
		default:
		}

		if err := s.sched.PollTransport(); err != nil {
			if handled := s.handleRecoverable(err); !handled {
				return err
			}
		}

		begVT := s.sched.LocalVirtualTime()
		dispatchStart := time.Now()
		dispatched, err := s.sched.Dispatch()
		execTime := time.Since(dispatchStart).Seconds()
		if err != nil {
			if handled := s.handleRecoverable(err); !handled {
				return err
			}
		}

		if s.rchan != nil && dispatched {
			endVT := s.sched.LocalVirtualTime()
			s.rchan.Add(rchannel.Epoch{
				BegVT:     begVT,
				EndVT:     endVT,
				AdvanceVT: endVT - begVT,
				ExecTime:  execTime,
			}, endVT)
			if time.Since(lastReport) >= epochReportInterval {
				if err := s.rchan.ReportSpeed(); err != nil {
					s.logger.Warn().Err(err).Msg("rchannel report speed failed")
				}
				lastReport = time.Now()
			}
		}

		if err := s.sched.TryStartGVTRound(s.sched.LocalVirtualTime()); err != nil {
			if handled := s.handleRecoverable(err); !handled {
				return err
			}
		}
		if s.sched.Conservative() && !dispatched {
			if err := s.sched.ForceUpdateGVT(); err != nil {
				if handled := s.handleRecoverable(err); !handled {
					return err
				}
			}
		}

		if !dispatched {
			idle++
		} else {
			idle = 0
		}
		if s.localDone() && idle > idleRoundsBeforeShutdown {
			return s.finalize()
		}
	}
}

func (s *Simulation) handleRecoverable(err error) bool {
	kerr, ok := err.(*kernelerr.Error)
	if !ok || kerr.Fatal() {
		return false
	}
	s.logger.Warn().Err(err).Msg("recoverable kernel error")
	return true
}

// localDone reports whether this rank's local queue has drained. An
// agent's LVT reaching cfg.EndTime exactly is not a usable signal here:
// the end-time drop rule (spec.md §4.5, §7) means the terminal event for
// any agent is always silently discarded rather than delivered, so LVT
// freezes strictly below EndTime forever. Queue-empty plus the caller's
// idle-round margin is what actually indicates no more local work remains.
func (s *Simulation) localDone() bool {
	return s.sched.QueueLen() == 0
}

// Stop requests the run loop exit at its next iteration.
func (s *Simulation) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// finalize runs every local agent's Handler.Finalize in agent-id order
// (spec.md §5), draining any still-unmatched pending negatives first per
// the Open Question resolution recorded in SPEC_FULL.md §9.
func (s *Simulation) finalize() error {
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var finalErr error
	for _, id := range ids {
		a := s.agents[id]
		for _, neg := range a.DrainPendingNegatives() {
			s.logger.Warn().Str("agent_id", id).Float64("sent_time", neg.SentTime).
				Msg("discarding unmatched pending negative at finalize")
			s.arena.ReleaseInput(neg)
		}
		if err := a.Handler.Finalize(a); err != nil && finalErr == nil {
			finalErr = fmt.Errorf("simulation: finalize agent %s: %w", id, err)
		}
	}
	if s.rchan != nil {
		if err := s.rchan.Close(); err != nil && finalErr == nil {
			finalErr = fmt.Errorf("simulation: close rchannel: %w", err)
		}
	}
	if err := s.log.Close(); err != nil && finalErr == nil {
		finalErr = fmt.Errorf("simulation: close event log: %w", err)
	}
	return finalErr
}

// GVT returns this rank's current Global Virtual Time estimate.
func (s *Simulation) GVT() float64 { return s.sched.GVT() }

// Agent returns a locally-hosted agent by id, for test/inspection use.
func (s *Simulation) Agent(id string) (*agent.Agent, bool) {
	a, ok := s.agents[id]
	return a, ok
}
