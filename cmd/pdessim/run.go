package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/pdes/pkg/agent"
	"github.com/cuemby/pdes/pkg/config"
	"github.com/cuemby/pdes/pkg/event"
	"github.com/cuemby/pdes/pkg/log"
	"github.com/cuemby/pdes/pkg/metrics"
	"github.com/cuemby/pdes/pkg/rchannel"
	"github.com/cuemby/pdes/pkg/simulation"
	"github.com/cuemby/pdes/pkg/transport"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the kernel against a config file",
	Long: `run loads a structured config (see pkg/config for the recognized
options) and launches it. With ranks > 1 and no listen-addrs configured,
every rank runs in this one process over the in-process transport,
convenient for local smoke-testing; with listen-addrs configured, this
process is exactly one rank, dialing its peers over TCP, selected with
--rank.

Each rank hosts one built-in heartbeat agent (self-scheduling, no
domain logic) so the kernel has something to dispatch; embedding
pdessim's packages directly is how a real application supplies its own
agents.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("config", "", "Path to a YAML config file (defaults applied for anything omitted)")
	runCmd.Flags().Int("rank", 0, "This process's rank, when listen-addrs selects multi-process TCP mode")
	runCmd.Flags().String("data-dir", "", "Directory for the per-rank committed-event BoltDB log (disabled if empty)")
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	rank, _ := cmd.Flags().GetInt("rank")
	dataDir, _ := cmd.Flags().GetString("data-dir")

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		return err
	}

	runID := uuid.New().String()
	logger := log.WithComponent("cmd").With().Str("run_id", runID).Logger()
	logger.Info().Int("ranks", cfg.Ranks).Str("queue", string(cfg.SchedulerQueue)).Msg("starting pdessim")

	metrics.SetVersion(Version)

	// Ownership of reporter passes to whichever Simulation's Channel ends up
	// holding it (see runAllRanksLocal); its Close is driven from
	// Simulation.finalize, not from here.
	reporter, wsReporter, err := newReporter(cfg)
	if err != nil {
		return fmt.Errorf("pdessim: build rchannel reporter: %w", err)
	}

	if cfg.DashboardAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/healthz", metrics.HealthHandler())
		mux.Handle("/readyz", metrics.ReadyHandler())
		mux.Handle("/livez", metrics.LivenessHandler())
		if wsReporter != nil {
			mux.Handle("/ws/speed", wsReporter.Handler())
		}
		srv := &http.Server{Addr: cfg.DashboardAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(cfg.ListenAddrs) > 0 {
		return runSingleRank(ctx, cfg, rank, dataDir, reporter)
	}
	return runAllRanksLocal(ctx, cfg, dataDir, reporter)
}

// newReporter builds the rchannel.Reporter cfg's controller/dashboard
// addresses select: a TCPReporter to ControllerAddr, a WebSocketReporter
// served at /ws/speed under DashboardAddr, both fanned out through a
// MultiReporter, or NoopReporter if neither is configured. The returned
// *WebSocketReporter is non-nil only when the dashboard mux needs to mount
// its Handler.
func newReporter(cfg config.Config) (rchannel.Reporter, *rchannel.WebSocketReporter, error) {
	var reporters rchannel.MultiReporter
	var wsReporter *rchannel.WebSocketReporter

	if cfg.ControllerAddr != "" {
		tcpReporter, err := rchannel.NewTCPReporter(cfg.ControllerAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("dial controller at %s: %w", cfg.ControllerAddr, err)
		}
		reporters = append(reporters, tcpReporter)
	}
	if cfg.DashboardAddr != "" {
		wsReporter = rchannel.NewWebSocketReporter()
		reporters = append(reporters, wsReporter)
	}

	switch len(reporters) {
	case 0:
		return rchannel.NoopReporter{}, nil, nil
	case 1:
		return reporters[0], wsReporter, nil
	default:
		return reporters, wsReporter, nil
	}
}

func runSingleRank(ctx context.Context, cfg config.Config, rank int, dataDir string, reporter rchannel.Reporter) error {
	comm, err := transport.NewTCPCommunicator(rank, cfg.ListenAddrs)
	if err != nil {
		return fmt.Errorf("pdessim: dial peers: %w", err)
	}
	defer comm.Close()

	sim, err := newRankSimulation(cfg, rank, comm, dataDir, reporter)
	if err != nil {
		return err
	}

	if err := sim.Bootstrap(ctx, []simulation.AgentSpec{
		{ID: fmt.Sprintf("agent-%d", rank), Handler: &heartbeatHandler{}},
	}); err != nil {
		return fmt.Errorf("pdessim: bootstrap rank %d: %w", rank, err)
	}
	return sim.Run(ctx)
}

func runAllRanksLocal(ctx context.Context, cfg config.Config, dataDir string, reporter rchannel.Reporter) error {
	comms := transport.NewLocalNetwork(cfg.Ranks)
	defer func() {
		for _, c := range comms {
			c.Close()
		}
	}()

	sims := make([]*simulation.Simulation, cfg.Ranks)
	for rank := 0; rank < cfg.Ranks; rank++ {
		// The configured reporter represents this one process to an
		// external controller, so only rank 0's Simulation closes it at
		// finalize; every other in-process rank gets its own Channel
		// (still timed and rollback-pruned) but reports nowhere.
		rankReporter := rchannel.Reporter(rchannel.NoopReporter{})
		if rank == 0 {
			rankReporter = reporter
		}
		sim, err := newRankSimulation(cfg, rank, comms[rank], dataDir, rankReporter)
		if err != nil {
			return err
		}
		sims[rank] = sim
	}

	// Bootstrap broadcasts and then blocks until every other rank's
	// broadcast has arrived, so every rank must call it concurrently —
	// calling it one rank at a time here would deadlock rank 0 waiting on
	// ranks that haven't run their own Bootstrap yet.
	bootGroup, bootCtx := errgroup.WithContext(ctx)
	for rank, sim := range sims {
		rank, sim := rank, sim
		bootGroup.Go(func() error {
			spec := []simulation.AgentSpec{{ID: fmt.Sprintf("agent-%d", rank), Handler: &heartbeatHandler{}}}
			if err := sim.Bootstrap(bootCtx, spec); err != nil {
				return fmt.Errorf("pdessim: bootstrap rank %d: %w", rank, err)
			}
			return nil
		})
	}
	if err := bootGroup.Wait(); err != nil {
		return err
	}

	runGroup, runCtx := errgroup.WithContext(ctx)
	for _, sim := range sims {
		sim := sim
		runGroup.Go(func() error { return sim.Run(runCtx) })
	}
	return runGroup.Wait()
}

func newRankSimulation(cfg config.Config, rank int, comm transport.Communicator, dataDir string, reporter rchannel.Reporter) (*simulation.Simulation, error) {
	queue, err := simulation.NewQueue(cfg)
	if err != nil {
		return nil, err
	}
	var eventLog simulation.EventLog = simulation.NoopEventLog{}
	if dataDir != "" {
		boltLog, err := simulation.NewBoltEventLog(dataDir, rank)
		if err != nil {
			return nil, fmt.Errorf("pdessim: open event log for rank %d: %w", rank, err)
		}
		eventLog = boltLog
	}
	// Health/readiness endpoints always reflect this rank's actual
	// transport and event-log state, not a value set once at startup; in
	// multi-rank-per-process mode only the last-constructed rank's state
	// is visible at /healthz, since both endpoints report for the process
	// as a whole.
	metrics.RegisterProbe("transport", comm.Healthy)
	metrics.RegisterProbe("eventlog", eventLog.Healthy)
	return simulation.New(cfg, rank, comm, queue, reporter, eventLog), nil
}

// heartbeatHandler self-schedules one virtual-time unit apart until
// end-time, just enough to give an otherwise-empty kernel something to
// dispatch for an operator smoke-test. It carries no domain logic.
type heartbeatHandler struct {
	ticks uint64
}

func (h *heartbeatHandler) Initialize(a *agent.Agent) error {
	return a.ScheduleEvent(a.ID, 1, nil)
}

func (h *heartbeatHandler) Execute(a *agent.Agent, batch []*event.Event) error {
	for _, e := range batch {
		h.ticks++
		if err := a.ScheduleEvent(a.ID, e.ReceiveTime+1, nil); err != nil {
			return err
		}
	}
	return nil
}

func (h *heartbeatHandler) Finalize(a *agent.Agent) error { return nil }

func (h *heartbeatHandler) Snapshot() []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(h.ticks >> (8 * i))
	}
	return b
}

func (h *heartbeatHandler) Restore(state []byte) {
	var v uint64
	for i := 0; i < 8 && i < len(state); i++ {
		v |= uint64(state[i]) << (8 * i)
	}
	h.ticks = v
}
