// Package rchannel implements the optional epoch-telemetry channel spec.md
// §2 names as "ResChannel (optional): epoch telemetry to an external
// controller". A Channel accumulates Epoch measurements between scheduler
// quiescence points and periodically reports an execution-speed figure
// (virtual time advanced per wall-clock second spent) through a Reporter,
// once more than MinEpochCount epochs have accumulated.
package rchannel

import (
	"sync"

	"github.com/cuemby/pdes/pkg/log"
	"github.com/rs/zerolog"
)

// Epoch records one scheduler pass: the virtual-time window it advanced
// across and how long that took in wall-clock seconds.
type Epoch struct {
	BegVT     float64
	EndVT     float64
	AdvanceVT float64
	ExecTime  float64
}

// Less orders epochs by end virtual time, matching the list's natural
// scheduling order.
func (e Epoch) Less(other Epoch) bool { return e.EndVT < other.EndVT }

// Before reports whether this epoch ended before vt, used when pruning
// the list on rollback.
func (e Epoch) Before(vt float64) bool { return e.EndVT < vt }

// Accumulate adds this epoch's advance and execution time into running
// totals, used to compute an average execution speed across a batch.
func (e Epoch) Accumulate(advanceTime, processedTime *float64) {
	*advanceTime += e.AdvanceVT
	*processedTime += e.ExecTime
}

// Reporter delivers execution-speed measurements to an external
// controller. NoopReporter is the default; TCPReporter sends them over a
// socket using the pkg/transport/wire codec.
type Reporter interface {
	ReportSpeed(speed, clock float64, epochCount int) error
	Close() error
}

// NoopReporter discards every measurement; it's the default when no
// external controller address is configured.
type NoopReporter struct{}

func (NoopReporter) ReportSpeed(float64, float64, int) error { return nil }
func (NoopReporter) Close() error                            { return nil }

// MultiReporter fans one measurement out to every underlying Reporter, for
// when both a controller socket and a dashboard websocket are configured at
// once. The first ReportSpeed error is returned after every reporter has
// been tried; Close behaves the same way.
type MultiReporter []Reporter

func (m MultiReporter) ReportSpeed(speed, clock float64, epochCount int) error {
	var first error
	for _, r := range m {
		if err := r.ReportSpeed(speed, clock, epochCount); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiReporter) Close() error {
	var first error
	for _, r := range m {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Channel accumulates Epoch measurements and reports an execution-speed
// figure once more than MinEpochCount have been recorded, mirroring the
// epoch list and minEpochCount gate used to decide when a speed reading is
// statistically meaningful rather than noise from one short epoch.
type Channel struct {
	mu            sync.Mutex
	epochs        []Epoch
	minEpochCount int
	clock         float64
	reporter      Reporter
	logger        zerolog.Logger
}

// NewChannel builds a Channel reporting through reporter once more than
// minEpochCount epochs have accumulated. A nil reporter is replaced with
// NoopReporter.
func NewChannel(minEpochCount int, reporter Reporter) *Channel {
	if reporter == nil {
		reporter = NoopReporter{}
	}
	return &Channel{
		minEpochCount: minEpochCount,
		reporter:      reporter,
		logger:        log.WithComponent("rchannel"),
	}
}

// Add records a completed epoch; fqrClock is the next simulation time
// value that caused the epoch to be created.
func (c *Channel) Add(e Epoch, fqrClock float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epochs = append(c.epochs, e)
	c.clock = fqrClock
}

// Rollback discards every recorded epoch whose end time is at or after t,
// matching the epoch list's anti-message-driven pruning after a straggler
// forces the scheduler back to an earlier virtual time.
func (c *Channel) Rollback(t float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := len(c.epochs)
	for i > 0 && !c.epochs[i-1].Before(t) {
		i--
	}
	c.epochs = c.epochs[:i]
}

// EpochCount returns how many epochs are currently recorded.
func (c *Channel) EpochCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.epochs)
}

// ReportSpeed computes the average execution speed across the recorded
// epochs and sends it through the Reporter, then clears the list. With
// MinEpochCount or fewer epochs recorded this method returns without
// reporting, leaving the epochs in place for the next call to accumulate
// further.
func (c *Channel) ReportSpeed() error {
	c.mu.Lock()
	if len(c.epochs) <= c.minEpochCount {
		c.mu.Unlock()
		return nil
	}
	var advanceTime, processedTime float64
	for _, e := range c.epochs {
		e.Accumulate(&advanceTime, &processedTime)
	}
	count := len(c.epochs)
	clock := c.clock
	c.epochs = nil
	c.mu.Unlock()

	speed := advanceTime / processedTime
	if err := c.reporter.ReportSpeed(speed, clock, count); err != nil {
		c.logger.Warn().Err(err).Msg("failed to report execution speed")
		return err
	}
	return nil
}

// Close releases the underlying reporter's resources.
func (c *Channel) Close() error {
	return c.reporter.Close()
}
