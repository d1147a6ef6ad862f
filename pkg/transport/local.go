package transport

import (
	"fmt"
	"sync"
)

// localHub is the shared state every LocalCommunicator sharing one process
// was constructed against: per-rank inboxes and an all-reduce barrier.
// Grounded on pkg/events.Broker's buffered-channel broadcast loop: each
// rank gets its own buffered inbox rather than one shared fan-out channel,
// so Poll never blocks on a slow peer.
type localHub struct {
	inboxes []chan Message

	mu          sync.Mutex
	reduceVals  []float64
	reduceSeen  int
	reduceDone  chan struct{}
	reduceValue float64
}

func newLocalHub(numRanks int) *localHub {
	h := &localHub{
		inboxes:    make([]chan Message, numRanks),
		reduceVals: make([]float64, numRanks),
		reduceDone: make(chan struct{}),
	}
	for i := range h.inboxes {
		h.inboxes[i] = make(chan Message, 1024)
	}
	return h
}

// LocalCommunicator is an in-process Communicator for single-process
// multi-rank tests: Send writes directly into the destination's inbox
// channel, Poll drains this rank's own inbox non-blockingly.
type LocalCommunicator struct {
	rank     int
	numRanks int
	hub      *localHub
	stopCh   chan struct{}
	once     sync.Once
}

// NewLocalNetwork builds numRanks LocalCommunicators sharing one hub, so
// each can Send to and Poll from the others within the same process.
func NewLocalNetwork(numRanks int) []*LocalCommunicator {
	hub := newLocalHub(numRanks)
	comms := make([]*LocalCommunicator, numRanks)
	for i := 0; i < numRanks; i++ {
		comms[i] = &LocalCommunicator{
			rank:     i,
			numRanks: numRanks,
			hub:      hub,
			stopCh:   make(chan struct{}),
		}
	}
	return comms
}

func (c *LocalCommunicator) Rank() int     { return c.rank }
func (c *LocalCommunicator) NumRanks() int { return c.numRanks }

// Healthy reports whether this communicator's inbox is still open.
func (c *LocalCommunicator) Healthy() (bool, string) {
	select {
	case <-c.stopCh:
		return false, "communicator closed"
	default:
		return true, fmt.Sprintf("rank %d of %d sharing an in-process hub", c.rank, c.numRanks)
	}
}

func (c *LocalCommunicator) Send(destRank int, payload []byte) error {
	if destRank < 0 || destRank >= c.numRanks {
		return errUnknownRank(destRank, c.numRanks)
	}
	select {
	case c.hub.inboxes[destRank] <- Message{Source: c.rank, Payload: payload}:
		return nil
	case <-c.stopCh:
		return ErrClosed
	}
}

func (c *LocalCommunicator) Poll() (Message, bool) {
	select {
	case m := <-c.hub.inboxes[c.rank]:
		return m, true
	default:
		return Message{}, false
	}
}

func (c *LocalCommunicator) Broadcast(payload []byte) error {
	for i := 0; i < c.numRanks; i++ {
		if i == c.rank {
			continue
		}
		if err := c.Send(i, payload); err != nil {
			return err
		}
	}
	return nil
}

// AllReduceMin implements a one-shot barrier: the last rank to arrive
// computes the minimum, resets reduceDone/reduceSeen for the following
// round, and wakes every waiter. Safe to call once per GVT round: the next
// round cannot complete and overwrite reduceValue until every rank,
// including any still reading this result, has called in again.
func (c *LocalCommunicator) AllReduceMin(local float64) (float64, error) {
	h := c.hub
	h.mu.Lock()
	h.reduceVals[c.rank] = local
	h.reduceSeen++
	done := h.reduceDone
	if h.reduceSeen == c.numRanks {
		min := h.reduceVals[0]
		for _, v := range h.reduceVals[1:] {
			if v < min {
				min = v
			}
		}
		h.reduceValue = min
		h.reduceSeen = 0
		h.reduceDone = make(chan struct{})
		close(done)
	}
	h.mu.Unlock()

	<-done

	h.mu.Lock()
	result := h.reduceValue
	h.mu.Unlock()
	return result, nil
}

func (c *LocalCommunicator) Close() error {
	c.once.Do(func() { close(c.stopCh) })
	return nil
}
