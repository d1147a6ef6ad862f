package scheduler

import (
	"testing"

	"github.com/cuemby/pdes/pkg/agent"
	"github.com/cuemby/pdes/pkg/config"
	"github.com/cuemby/pdes/pkg/event"
	"github.com/cuemby/pdes/pkg/pqueue"
	"github.com/cuemby/pdes/pkg/transport"
)

// echoHandler just counts how many times it has executed and what it saw,
// for assertions; it holds no real simulation state.
type echoHandler struct {
	executed [][]float64
}

func (h *echoHandler) Initialize(a *agent.Agent) error { return nil }
func (h *echoHandler) Execute(a *agent.Agent, batch []*event.Event) error {
	var times []float64
	for _, e := range batch {
		times = append(times, e.ReceiveTime)
	}
	h.executed = append(h.executed, times)
	return nil
}
func (h *echoHandler) Finalize(a *agent.Agent) error { return nil }
func (h *echoHandler) Snapshot() []byte              { return []byte{byte(len(h.executed))} }
func (h *echoHandler) Restore(state []byte)          { h.executed = h.executed[:int(state[0])] }

func newTestScheduler(t *testing.T, cfg config.Config) (*Scheduler, *transport.LocalCommunicator) {
	t.Helper()
	comms := transport.NewLocalNetwork(1)
	arena := event.NewArena()
	q := pqueue.NewThreeTierQueue()
	s := New(cfg, 0, 1, arena, q, comms[0], nil)
	return s, comms[0]
}

func TestDispatchDeliversDueBatch(t *testing.T) {
	cfg := config.Default()
	cfg.EndTime = 100
	s, _ := newTestScheduler(t, cfg)

	h := &echoHandler{}
	a := agent.New("a1", h)
	s.RegisterAgent(a)

	if err := a.ScheduleEvent("a1", 5, nil); err != nil {
		t.Fatalf("ScheduleEvent: %v", err)
	}

	ok, err := s.Dispatch()
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !ok {
		t.Fatalf("expected Dispatch to process the due batch")
	}
	if len(h.executed) != 1 || len(h.executed[0]) != 1 || h.executed[0][0] != 5 {
		t.Fatalf("expected one batch at t=5, got %+v", h.executed)
	}
	if a.CurrentLVT() != 5 {
		t.Fatalf("expected LVT=5, got %v", a.CurrentLVT())
	}
}

func TestDispatchEmptyQueueReturnsFalse(t *testing.T) {
	cfg := config.Default()
	s, _ := newTestScheduler(t, cfg)

	h := &echoHandler{}
	a := agent.New("a1", h)
	s.RegisterAgent(a)

	ok, err := s.Dispatch()
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if ok {
		t.Fatalf("expected no work on an empty queue")
	}
}

func TestDispatchThrottledByTimeWindow(t *testing.T) {
	cfg := config.Default()
	cfg.EndTime = 100
	cfg.TimeWindow = 2
	s, _ := newTestScheduler(t, cfg)

	h := &echoHandler{}
	a := agent.New("a1", h)
	s.RegisterAgent(a)

	if err := a.ScheduleEvent("a1", 10, nil); err != nil {
		t.Fatalf("ScheduleEvent: %v", err)
	}

	ok, err := s.Dispatch()
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if ok {
		t.Fatalf("expected dispatch to be throttled by the time window")
	}
	if len(h.executed) != 0 {
		t.Fatalf("expected no execution while throttled, got %+v", h.executed)
	}
}

func TestRollbackReplaysAfterStraggler(t *testing.T) {
	cfg := config.Default()
	cfg.EndTime = 100
	s, _ := newTestScheduler(t, cfg)

	h := &echoHandler{}
	a := agent.New("a1", h)
	s.RegisterAgent(a)

	a.TakeSnapshot(0)
	if err := a.ScheduleEvent("a1", 5, nil); err != nil {
		t.Fatalf("ScheduleEvent: %v", err)
	}
	if ok, err := s.Dispatch(); err != nil || !ok {
		t.Fatalf("first dispatch: ok=%v err=%v", ok, err)
	}
	s.maybeSnapshot(a)

	straggler := s.arena.NewInput("other", "a1", 1, 3, nil)
	s.queue.Enqueue(straggler)

	ok, err := s.Dispatch()
	if err != nil {
		t.Fatalf("Dispatch after straggler: %v", err)
	}
	if !ok {
		t.Fatalf("expected straggler batch to be processed")
	}
	if a.CurrentLVT() != 3 {
		t.Fatalf("expected LVT=3 after straggler replay, got %v", a.CurrentLVT())
	}

	found := false
	for _, batch := range h.executed {
		for _, tm := range batch {
			if tm == 3 {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("expected handler to have seen the straggler's receive-time, got %+v", h.executed)
	}
}

func TestAnnihilateWithinBatch(t *testing.T) {
	cfg := config.Default()
	s, _ := newTestScheduler(t, cfg)

	positive := s.arena.NewInput("other", "a1", 0, 5, nil)
	negative := positive.AntiMessage()
	s.arena.RetainInput(negative)

	batch := []*event.Event{positive, negative}
	remaining := s.annihilateWithinBatch(batch)
	if len(remaining) != 0 {
		t.Fatalf("expected both events annihilated, got %+v", remaining)
	}
}

func TestPollTransportEnqueuesRemoteEvent(t *testing.T) {
	cfg := config.Default()
	comms := transport.NewLocalNetwork(2)
	arena0 := event.NewArena()
	q0 := pqueue.NewThreeTierQueue()
	s0 := New(cfg, 0, 2, arena0, q0, comms[0], nil)
	s0.RegisterRemoteAgent("a2", 1)

	h1 := &echoHandler{}
	a1 := agent.New("a2", h1)
	arena1 := event.NewArena()
	q1 := pqueue.NewThreeTierQueue()
	s1 := New(cfg, 1, 2, arena1, q1, comms[1], nil)
	s1.RegisterAgent(a1)

	if err := s0.dispatchEvent(s0.arena.New("a1", "a2", 0, 4, nil)); err != nil {
		t.Fatalf("dispatchEvent: %v", err)
	}

	if err := s1.PollTransport(); err != nil {
		t.Fatalf("PollTransport: %v", err)
	}
	if s1.queue.Len() != 1 {
		t.Fatalf("expected remote event enqueued on rank 1, got queue len=%d", s1.queue.Len())
	}
}
