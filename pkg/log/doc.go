/*
Package log provides structured logging for the kernel using zerolog.

The global Logger is initialized once via Init and then narrowed with
per-context helpers (WithComponent, WithRank, WithAgentID, WithGVTRound)
that attach a field and return a derived zerolog.Logger — the parent is
never mutated, so a rank's or agent's logger can be held and reused for
the rest of its lifetime without fear of a later Init changing its
fields out from under it.

# Configuration

	log.Init(log.Config{
	    Level:      log.InfoLevel,
	    JSONOutput: true, // false selects a human-readable console writer
	    Output:     os.Stdout,
	})

JSONOutput is what a rank run under a supervisor or shipped to a log
aggregator wants; the console writer is for interactive use (cmd/pdessim
run without the --log-json flag, say). Output defaults to os.Stdout when nil.

# Context loggers

Every log line the scheduler and simulation packages emit carries at
least a rank field, and usually an agent_id or gvt_round alongside it,
so a straggler or rollback can be traced back to the exact rank and
agent that produced it without grepping timestamps:

	logger := log.WithRank(rank).With().Str("component", "scheduler").Logger()
	logger.Warn().Float64("straggler_time", t).Msg("rollback triggered")

pkg/scheduler and pkg/simulation instead call the narrower
log.WithRank(rank) directly and store the result on construction,
matching how WithComponent is used by packages that only need one
fixed field for their whole lifetime.
*/
package log
