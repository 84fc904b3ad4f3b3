/*
Package log provides structured logging for minipd using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level for production debugging.

# Usage

Initializing the Logger:

	import "github.com/cuemby/minipd/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("fsm driver started")
	log.Debug("stepping raft message")
	log.Warn("read request exceeded timeout")
	log.Error("failed to fsync write batch")
	log.Fatal("storage adapter returned a fatal error") // exits the process

Context Loggers:

	driverLog := log.WithComponent("fsm")
	peerLog := log.WithPeerID(3)
	termLog := log.WithRaftTerm(7)

	driverLog.Info().Uint64("peer_id", 3).Msg("connected to peer")

# Log Levels

  - Debug: verbose internal state, development and troubleshooting only.
  - Info: default production level — startup, bootstrap, leadership changes.
  - Warn: recoverable anomalies (stale read dropped, transport send failed).
  - Error: operations that failed but did not bring the process down.
  - Fatal: storage-fatal errors from the FSM driver; logs then os.Exit(1).

# Design

A single package-level zerolog.Logger, initialized once via Init and shared
by every package. Component loggers (WithComponent, WithNodeID, WithPeerID,
WithRaftTerm) attach structured fields without threading a logger argument
through every call, matching how the rest of this codebase passes context.
*/
package log
