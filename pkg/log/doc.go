/*
Package log provides structured logging for Concord using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-scoped child loggers, configurable log levels, and a handful
of helper functions for common logging patterns. All logs include
timestamps and support filtering by severity for production debugging.

# Log Levels

Debug: Detailed debugging information, development and troubleshooting.
Info: General informational messages, the default production level —
"apply put key=users/42 duration=1.2ms".
Warn: Potential issues, e.g. a cleanup_expired sweep finding an unusually
large number of expired keys.
Error: Operation failures — a snapshot checksum mismatch, a failed
Raft apply.
Fatal: Unrecoverable errors only; logs and exits the process.

# Usage

	import "github.com/concord-db/concord/pkg/log"

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	log.WithComponent("statemachine").Info().
		Str("op", "put").
		Str("key", key).
		Dur("duration", dur).
		Msg("apply")

	log.WithNodeID(nodeID).Info().
		Str("state", "leader").
		Msg("raft state change")

Concord's observe.LogSink is the sole caller of this package's helpers
from inside the core; every other component reports through that sink
rather than logging directly, keeping logging an ambient concern
external collaborators can swap out by registering their own
observe.Sink.
*/
package log
