package simulation

import (
	"context"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/pdes/pkg/agent"
	"github.com/cuemby/pdes/pkg/config"
	"github.com/cuemby/pdes/pkg/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/pdes/pkg/transport"
)

// selfPingHandler schedules one event to itself every virtual unit.
type selfPingHandler struct {
	delivered []float64
}

func (h *selfPingHandler) Initialize(a *agent.Agent) error {
	return a.ScheduleEvent(a.ID, 1, nil)
}

func (h *selfPingHandler) Execute(a *agent.Agent, batch []*event.Event) error {
	for _, e := range batch {
		h.delivered = append(h.delivered, e.ReceiveTime)
		if err := a.ScheduleEvent(a.ID, e.ReceiveTime+1, nil); err != nil {
			return err
		}
	}
	return nil
}
func (h *selfPingHandler) Finalize(a *agent.Agent) error { return nil }
func (h *selfPingHandler) Snapshot() []byte              { return []byte{byte(len(h.delivered))} }
func (h *selfPingHandler) Restore(state []byte)          { h.delivered = h.delivered[:int(state[0])] }

// TestSelfPing covers spec.md §8 scenario 1: a single agent, one rank,
// pinging itself every virtual unit until end-time. With end-time=11 the
// event scheduled for t=11 is dropped by the end-time rule, leaving exactly
// ten deliveries.
func TestSelfPing(t *testing.T) {
	cfg := config.Default()
	cfg.EndTime = 11

	comms := transport.NewLocalNetwork(1)
	q, err := NewQueue(cfg)
	require.NoError(t, err)
	sim := New(cfg, 0, comms[0], q, nil, nil)

	h := &selfPingHandler{}
	require.NoError(t, sim.Bootstrap(context.Background(), []AgentSpec{{ID: "a1", Handler: h}}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sim.Run(ctx))

	assert.Equal(t, 10, len(h.delivered))
	a, ok := sim.Agent("a1")
	require.True(t, ok)
	assert.Equal(t, float64(10), a.CurrentLVT())
}

// ringHandler passes a token on to the next agent in a fixed cycle, one
// virtual-time unit per hop, until end-time.
type ringHandler struct {
	next  string
	count int
}

func (h *ringHandler) Initialize(a *agent.Agent) error { return nil }
func (h *ringHandler) Execute(a *agent.Agent, batch []*event.Event) error {
	for _, e := range batch {
		h.count++
		if err := a.ScheduleEvent(h.next, e.ReceiveTime+1, nil); err != nil {
			return err
		}
	}
	return nil
}
func (h *ringHandler) Finalize(a *agent.Agent) error { return nil }
func (h *ringHandler) Snapshot() []byte              { return []byte{byte(h.count)} }
func (h *ringHandler) Restore(state []byte)          { h.count = int(state[0]) }

// TestTwoRankRingOfThree covers spec.md §8 scenario 2: three agents on two
// ranks passing a token in a cycle. end-time is chosen as one past a
// multiple of three (31, so hops land on t=1..30) so each of the three
// agents receives an equal, exactly-predictable number of deliveries; the
// scenario's own "100 deliveries per agent" figure assumed a longer run,
// the invariant under test (equal share, no leaked/duplicated deliveries)
// is the same for any hop count that is a multiple of three.
func TestTwoRankRingOfThree(t *testing.T) {
	cfg := config.Default()
	cfg.EndTime = 31
	cfg.GVTPeriod = 5

	comms := transport.NewLocalNetwork(2)
	q0, err := NewQueue(cfg)
	require.NoError(t, err)
	q1, err := NewQueue(cfg)
	require.NoError(t, err)

	sim0 := New(cfg, 0, comms[0], q0, nil, nil)
	sim1 := New(cfg, 1, comms[1], q1, nil, nil)

	hA := &ringHandler{next: "B"}
	hB := &ringHandler{next: "C"}
	hC := &ringHandler{next: "A"}

	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(2)
	go func() {
		defer wg.Done()
		errA = sim0.Bootstrap(context.Background(), []AgentSpec{
			{ID: "A", Handler: hA},
			{ID: "B", Handler: hB},
		})
	}()
	go func() {
		defer wg.Done()
		errB = sim1.Bootstrap(context.Background(), []AgentSpec{
			{ID: "C", Handler: hC},
		})
	}()
	wg.Wait()
	require.NoError(t, errA)
	require.NoError(t, errB)

	a, _ := sim0.Agent("A")
	require.NoError(t, a.ScheduleEvent("B", 1, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wg.Add(2)
	go func() {
		defer wg.Done()
		errA = sim0.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		errB = sim1.Run(ctx)
	}()
	wg.Wait()
	require.NoError(t, errA)
	require.NoError(t, errB)

	assert.Equal(t, 10, hA.count)
	assert.Equal(t, 10, hB.count)
	assert.Equal(t, 10, hC.count)
}

// relayHandler forwards whatever it receives on to peer, offset by one
// virtual-time unit; used to build the straggler scenario's A/B/C triangle.
type relayHandler struct {
	peer      string
	delivered []float64
	snapped   bool
}

func (h *relayHandler) Initialize(a *agent.Agent) error { return nil }
func (h *relayHandler) Execute(a *agent.Agent, batch []*event.Event) error {
	for _, e := range batch {
		h.delivered = append(h.delivered, e.ReceiveTime)
	}
	return nil
}
func (h *relayHandler) Finalize(a *agent.Agent) error { return nil }
func (h *relayHandler) Snapshot() []byte              { return []byte{byte(len(h.delivered))} }
func (h *relayHandler) Restore(state []byte)          { h.delivered = h.delivered[:int(state[0])] }

// TestStraggler covers spec.md §8 scenario 3 at the scheduler level B sits
// at: a time-5 event is delivered and snapshotted, then an out-of-order
// time-3 straggler arrives and forces a rollback. This exercises the same
// rollback path pkg/scheduler's unit test does, but through Simulation's
// Dispatch/PollTransport loop and RouteEvent rather than calling the
// scheduler's internals directly, confirming the wiring carries the
// straggler correctly end to end.
func TestStraggler(t *testing.T) {
	cfg := config.Default()
	cfg.EndTime = 100
	cfg.SnapshotInterval = 1

	comms := transport.NewLocalNetwork(1)
	q, err := NewQueue(cfg)
	require.NoError(t, err)
	sim := New(cfg, 0, comms[0], q, nil, nil)

	hB := &relayHandler{}
	hC := &relayHandler{}
	require.NoError(t, sim.Bootstrap(context.Background(), []AgentSpec{
		{ID: "B", Handler: hB},
		{ID: "C", Handler: hC},
	}))

	b, _ := sim.Agent("B")
	require.NoError(t, b.ScheduleEvent("B", 5, nil))

	_, err = sim.sched.Dispatch()
	require.NoError(t, err)
	require.Equal(t, []float64{5}, hB.delivered)
	require.Equal(t, float64(5), b.CurrentLVT())

	require.NoError(t, sim.sched.RouteEvent("C", "B", 1, 3, nil))

	ok, err := sim.sched.Dispatch()
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, float64(3), b.CurrentLVT())
	found3 := false
	for _, tm := range hB.delivered {
		if tm == 3 {
			found3 = true
		}
	}
	assert.True(t, found3, "expected the straggler's receive-time to have been replayed, got %+v", hB.delivered)
}

// TestLadderOverflow covers spec.md §8 scenario 4 directly against the
// ladder queue Simulation's NewQueue wires in: 10,000 events for one
// receiver at uniformly distributed receive-times must dequeue in
// non-decreasing receive-time order regardless of how many rungs the
// bucket-splitting produces.
func TestLadderOverflow(t *testing.T) {
	cfg := config.Default()
	cfg.SchedulerQueue = config.QueueLadder
	cfg.LadderMaxRungs = 4

	q, err := NewQueue(cfg)
	require.NoError(t, err)

	arena := event.NewArena()
	const n = 10000
	seed := uint64(88172645463325252)
	next := func() float64 {
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		return float64(seed%1_000_000) / 1_000_000
	}
	for i := 0; i < n; i++ {
		q.Enqueue(arena.New("s", "r", 0, next(), nil))
	}

	last := math.Inf(-1)
	count := 0
	for q.Len() > 0 {
		batch := q.DequeueBatch()
		require.NotEmpty(t, batch)
		for _, e := range batch {
			assert.GreaterOrEqual(t, e.ReceiveTime, last)
			last = e.ReceiveTime
			count++
		}
	}
	assert.Equal(t, n, count)
}

// TestLockFreeQueueStress covers spec.md §8 scenario 5: concurrent insert
// and delete-min against the lock-free skip list conserves the inserted
// value set exactly and leaves the queue empty.
func TestLockFreeQueueStress(t *testing.T) {
	cfg := config.Default()
	cfg.SchedulerQueue = config.QueueLockFreeSkip
	cfg.ThreadsPerRank = 8

	q, err := NewQueue(cfg)
	require.NoError(t, err)

	arena := event.NewArena()
	const threads = 8
	const perThread = 2000 // kept well under the scenario's 1e6 for test speed

	var insertedSum, deletedSum int64
	var wg sync.WaitGroup
	wg.Add(threads)
	for i := 0; i < threads; i++ {
		go func(base int) {
			defer wg.Done()
			var local int64
			for i := 0; i < perThread; i++ {
				id := base*perThread + i
				local += int64(id)
				q.Enqueue(arena.New("s", "r", 0, float64(id), nil))
			}
			atomic.AddInt64(&insertedSum, local)
		}(i)
	}
	wg.Wait()

	remaining := int64(threads * perThread)
	wg.Add(threads)
	for i := 0; i < threads; i++ {
		go func() {
			defer wg.Done()
			var local int64
			for atomic.LoadInt64(&remaining) > 0 {
				batch := q.DequeueBatch()
				if len(batch) == 0 {
					runtime.Gosched()
					continue
				}
				for _, e := range batch {
					local += int64(e.ReceiveTime)
				}
				atomic.AddInt64(&remaining, -int64(len(batch)))
			}
			atomic.AddInt64(&deletedSum, local)
		}()
	}
	wg.Wait()

	assert.Equal(t, insertedSum, deletedSum)
	assert.Equal(t, 0, q.Len())
}

// pingPongHandler schedules an event to peer every virtual unit until
// end-time, used by TestGVTProgress.
type pingPongHandler struct {
	peer string
}

func (h *pingPongHandler) Initialize(a *agent.Agent) error {
	return a.ScheduleEvent(h.peer, 1, nil)
}
func (h *pingPongHandler) Execute(a *agent.Agent, batch []*event.Event) error {
	for _, e := range batch {
		if err := a.ScheduleEvent(h.peer, e.ReceiveTime+1, nil); err != nil {
			return err
		}
	}
	return nil
}
func (h *pingPongHandler) Finalize(a *agent.Agent) error { return nil }
func (h *pingPongHandler) Snapshot() []byte              { return nil }
func (h *pingPongHandler) Restore([]byte)                {}

// TestGVTProgress covers spec.md §8 scenario 6: two ranks, each hosting one
// agent, pinging each other every time unit until end-time=50. After
// shutdown GVT must have reached end-time on both ranks; GVT monotonicity
// across a run is already covered at the gvt package level, so this test
// asserts the cross-rank reach rather than re-sampling every intermediate
// estimate.
func TestGVTProgress(t *testing.T) {
	cfg := config.Default()
	cfg.EndTime = 50
	cfg.GVTPeriod = 2

	comms := transport.NewLocalNetwork(2)
	q0, err := NewQueue(cfg)
	require.NoError(t, err)
	q1, err := NewQueue(cfg)
	require.NoError(t, err)

	sim0 := New(cfg, 0, comms[0], q0, nil, nil)
	sim1 := New(cfg, 1, comms[1], q1, nil, nil)

	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(2)
	go func() {
		defer wg.Done()
		errA = sim0.Bootstrap(context.Background(), []AgentSpec{{ID: "P", Handler: &pingPongHandler{peer: "Q"}}})
	}()
	go func() {
		defer wg.Done()
		errB = sim1.Bootstrap(context.Background(), []AgentSpec{{ID: "Q", Handler: &pingPongHandler{peer: "P"}}})
	}()
	wg.Wait()
	require.NoError(t, errA)
	require.NoError(t, errB)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wg.Add(2)
	go func() {
		defer wg.Done()
		errA = sim0.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		errB = sim1.Run(ctx)
	}()
	wg.Wait()
	require.NoError(t, errA)
	require.NoError(t, errB)

	assert.GreaterOrEqual(t, sim0.GVT(), float64(50))
	assert.GreaterOrEqual(t, sim1.GVT(), float64(50))
}
