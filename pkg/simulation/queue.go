package simulation

import (
	"fmt"

	"github.com/cuemby/pdes/pkg/config"
	"github.com/cuemby/pdes/pkg/pqueue"
)

// NewQueue builds the priority structure cfg.SchedulerQueue names. config
// has already validated that threads-per-rank > 1 only pairs with
// QueueLockFreeSkip, so Scheduler never has to branch on which one it got.
func NewQueue(cfg config.Config) (pqueue.Queue, error) {
	switch cfg.SchedulerQueue {
	case config.QueueThreeTier:
		return pqueue.NewThreeTierQueue(), nil
	case config.QueueLadder:
		return pqueue.NewLadderQueue(cfg.LadderMaxRungs, 0), nil
	case config.QueueTwoTierLadder:
		return pqueue.NewTwoTierLadderQueue(cfg.LadderMaxRungs, 0, cfg.LadderT2K), nil
	case config.QueueLockFreeSkip:
		return pqueue.NewLockFreeSkipList(cfg.LockFreeMaxOffset), nil
	default:
		return nil, fmt.Errorf("simulation: unknown scheduler-queue %q", cfg.SchedulerQueue)
	}
}
