// Package config implements the structured configuration spec.md §6 names
// ("Configuration options recognized by the core"), loaded from a YAML
// file via viper the way niceyeti-tabular's reinforcement-learning config
// loader does, with a handful of per-deployment options (dashboard and
// controller addresses, rank and thread counts) additionally overridable
// through PDES_-prefixed environment variables so an operator doesn't have
// to edit the scenario file just to change where a rank listens.
package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// QueueKind names one of the four interchangeable priority structures.
type QueueKind string

const (
	QueueThreeTier     QueueKind = "three-tier"
	QueueLadder        QueueKind = "ladder"
	QueueTwoTierLadder QueueKind = "two-tier-ladder"
	QueueLockFreeSkip  QueueKind = "lock-free-skip"
)

// Config is every option spec.md §6 lists plus the ambient options a
// complete runnable kernel needs (rank topology, listen addresses,
// snapshot cadence, and the optional rollback-throttle heuristic).
type Config struct {
	// SchedulerQueue selects the priority structure (spec.md §6).
	SchedulerQueue QueueKind `yaml:"scheduler-queue"`

	// TimeWindow throttles look-ahead in virtual-time units; 0 disables.
	TimeWindow float64 `yaml:"time-window"`

	// GVTPeriod is the virtual-time spacing between GVT initiations on
	// rank 0.
	GVTPeriod float64 `yaml:"gvt-period"`

	// Lookahead enables conservative mode when > 0; its value is L.
	Lookahead float64 `yaml:"lookahead"`

	// LadderMaxRungs bounds rung depth in the ladder queue (default 8).
	LadderMaxRungs int `yaml:"lq-max-rungs"`

	// LadderT2K is the sub-bucket count per bucket in the two-tier ladder
	// (default 32).
	LadderT2K int `yaml:"lq-t2k"`

	// LockFreeMaxOffset is the logical-deletion batching threshold for the
	// lock-free skip list.
	LockFreeMaxOffset int `yaml:"lfpq-max-offset"`

	// MinEpochCount is the minimum completed epochs before reporting
	// telemetry through pkg/rchannel.
	MinEpochCount int `yaml:"min-epoch-count"`

	// EndTime is the virtual time at which the simulation terminates.
	EndTime float64 `yaml:"end-time"`

	// Ranks is the number of cooperating simulation processes.
	Ranks int `yaml:"ranks"`

	// ThreadsPerRank selects single-threaded or multi-threaded dispatch
	// (spec.md §5); > 1 requires SchedulerQueue == QueueLockFreeSkip.
	ThreadsPerRank int `yaml:"threads-per-rank"`

	// ListenAddrs gives one TCP listen address per rank, used by
	// pkg/transport.TCPCommunicator; empty selects the in-process
	// LocalCommunicator instead.
	ListenAddrs []string `yaml:"listen-addrs"`

	// SnapshotInterval is the virtual-time spacing between state
	// snapshots taken per agent.
	SnapshotInterval float64 `yaml:"snapshot-interval"`

	// EnableRollbackThrottle turns on the HRMScheduler-style heuristic
	// that slows optimistic execution down when rollback frequency is
	// high, off by default.
	EnableRollbackThrottle bool `yaml:"enable-rollback-throttle"`

	// ControllerAddr, if set, is dialed by pkg/rchannel.TCPReporter to
	// report execution-speed telemetry to an external controller.
	ControllerAddr string `yaml:"controller-addr"`

	// DashboardAddr, if set, serves pkg/rchannel.WebSocketReporter's
	// upgrade handler for live dashboard clients.
	DashboardAddr string `yaml:"dashboard-addr"`
}

// Default returns a Config with every spec.md-documented default applied.
func Default() Config {
	return Config{
		SchedulerQueue:    QueueThreeTier,
		GVTPeriod:         10,
		LadderMaxRungs:    8,
		LadderT2K:         32,
		LockFreeMaxOffset: 64,
		MinEpochCount:     3,
		Ranks:             1,
		ThreadsPerRank:    1,
		SnapshotInterval:  1,
	}
}

// envOverridable lists the options an operator reasonably wants to flip per
// deployment (where a rank listens, how many ranks and threads it runs)
// without touching the scenario file checked into version control. The
// rest of Config — queue choice, GVT period, lookahead, snapshot cadence —
// describes the simulation itself and stays file-only.
var envOverridable = []string{
	"dashboard-addr",
	"controller-addr",
	"ranks",
	"threads-per-rank",
}

// Load reads and parses a YAML config file, starting from Default() so an
// omitted field keeps its documented default rather than zeroing out, then
// applies any PDES_-prefixed environment overrides from envOverridable.
func Load(path string) (Config, error) {
	cfg := Default()

	vp := viper.New()
	vp.SetConfigFile(path)
	vp.SetConfigType("yaml")
	if err := vp.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := vp.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" }); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	vp.SetEnvPrefix("pdes")
	vp.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	for _, key := range envOverridable {
		_ = vp.BindEnv(key)
	}
	if v := vp.GetString("dashboard-addr"); v != "" {
		cfg.DashboardAddr = v
	}
	if v := vp.GetString("controller-addr"); v != "" {
		cfg.ControllerAddr = v
	}
	if vp.IsSet("ranks") {
		cfg.Ranks = vp.GetInt("ranks")
	}
	if vp.IsSet("threads-per-rank") {
		cfg.ThreadsPerRank = vp.GetInt("threads-per-rank")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects combinations the kernel cannot run: multiple threads
// per rank without the lock-free queue (spec.md §5 ties shared-event
// concurrency to that one structure), and a non-positive rank or thread
// count.
func (c Config) Validate() error {
	if c.Ranks <= 0 {
		return fmt.Errorf("config: ranks must be positive, got %d", c.Ranks)
	}
	if c.ThreadsPerRank <= 0 {
		return fmt.Errorf("config: threads-per-rank must be positive, got %d", c.ThreadsPerRank)
	}
	if c.ThreadsPerRank > 1 && c.SchedulerQueue != QueueLockFreeSkip {
		return fmt.Errorf("config: threads-per-rank > 1 requires scheduler-queue=%s, got %s", QueueLockFreeSkip, c.SchedulerQueue)
	}
	switch c.SchedulerQueue {
	case QueueThreeTier, QueueLadder, QueueTwoTierLadder, QueueLockFreeSkip:
	default:
		return fmt.Errorf("config: unknown scheduler-queue %q", c.SchedulerQueue)
	}
	if c.ListenAddrs != nil && len(c.ListenAddrs) != c.Ranks {
		return fmt.Errorf("config: listen-addrs has %d entries, want %d (one per rank)", len(c.ListenAddrs), c.Ranks)
	}
	return nil
}
