/*
Package log provides structured logging for cellmesh using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable severity levels, and
helper functions for the fields every cellmesh subsystem attaches:
node id, cell id, entity id, operation id.

# Levels

Debug: per-tick synchronizer bookkeeping (sampled headers sent, ranges
compared). Info: block committed, segment rolled, GC tick summary. Warn:
peer fell behind response-failure threshold, proposal refused. Error:
operation failed without being fatal (malformed query, framing error on
a single wire message). Fatal: errors that force engine.Run to return,
logged once at the call site that observed err.IsFatal().

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("chainsync").With().Str("peer", peerID).Logger()
	logger.Info().Uint64("height", height).Msg("caught up to leader")

Component loggers are created once per subsystem instance and held on
the struct, not recreated per call.
*/
package log
