/*
Package log provides attrd's structured logging, wrapping zerolog with a
global logger, level-based configuration, and context-logger helpers for the
daemon's recurring contexts: attribute name and peer.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - zerolog instance, set via log.Init()     │          │
	│  │  - safe for concurrent use                  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console                  │          │
	│  │  - Output: stdout or any io.Writer          │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Context Loggers                     │          │
	│  │  - WithComponent("writer")                  │          │
	│  │  - WithNodeID / WithAttribute / WithPeer     │          │
	│  └──────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────────┘

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})
	log.Info("attrd starting")

	writerLog := log.WithComponent("writer")
	writerLog.Info().Str("attribute", "shoe-size").Msg("submitted CDB write")

	log.WithAttribute("shoe-size").Warn().Str("peer", "n2").Msg("unknown peer id, deferring")

# Levels

Debug is for protocol-message and timer tracing during development; Info
covers role transitions (writer won/lost, peer up/down) and is the default
production level; Warn covers retryable failures (CDB write rejected,
unknown peer); Error covers failures the daemon cannot recover from on its
own; Fatal exits the process and is reserved for startup failures.

# Conventions

  - Always attach structured fields (.Str, .Int, .Err) rather than
    interpolating values into the message string, so logs stay queryable.
  - Build a context logger once per component/attribute/peer rather than
    repeating the same fields on every call site.
*/
package log
