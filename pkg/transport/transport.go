// Package transport implements the inter-rank messaging contract spec.md
// §6 requires: exactly-once, FIFO-per-(source,destination) delivery of
// event payloads, GVT control messages, and an all-reduce minimum used by
// the conservative and simple-GVT regimes. Two implementations share the
// Communicator interface: LocalCommunicator (in-process channels, for
// single-process multi-rank tests) and TCPCommunicator (real sockets).
package transport

import (
	"errors"
	"fmt"
)

// ErrClosed is returned once Close has been called: by TCPCommunicator's
// Send and AllReduceMin, and by LocalCommunicator's Send only when the
// destination inbox is full.
var ErrClosed = errors.New("transport: communicator closed")

// Message is one payload received from another rank.
type Message struct {
	Source  int
	Payload []byte
}

// Communicator is the transport surface the scheduler, GVT manager, and
// simulation bootstrap consume.
type Communicator interface {
	// Send delivers payload to destRank. FIFO per (source, destination)
	// pair; exactly once.
	Send(destRank int, payload []byte) error

	// Poll non-blockingly returns the next queued message, if any.
	Poll() (Message, bool)

	// Broadcast sends payload to every other rank, used once at startup to
	// exchange the agent-id-to-rank mapping.
	Broadcast(payload []byte) error

	// AllReduceMin blocks until every rank has contributed local and
	// returns the minimum across all of them, identically on every rank.
	AllReduceMin(local float64) (float64, error)

	Rank() int
	NumRanks() int
	Close() error

	// Healthy reports whether this communicator is still able to send and
	// receive, for the process health-check endpoints
	// (pkg/metrics.RegisterProbe).
	Healthy() (bool, string)
}

// errUnknownRank builds the error returned when a rank is out of [0, NumRanks).
func errUnknownRank(rank, numRanks int) error {
	return fmt.Errorf("transport: destination rank %d out of range [0,%d)", rank, numRanks)
}
