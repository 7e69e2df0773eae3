// Package observability provides structured logging, metrics and tracing
// for connection actors.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds connection context to a logger.
// Returns a new logger with connection_id and hub fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "chatHub", "c1")
//	enriched.Info("routing") // includes connection_id, hub
func EnrichLogger(logger *slog.Logger, hubName, connectionID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("connection_id", connectionID),
		slog.String("hub", hubName),
	)
}

// LogActivated logs an actor activation. serverID is empty when the
// activated record is disconnected.
func LogActivated(logger *slog.Logger, serverID string, resumed bool) {
	if logger == nil {
		return
	}
	logger.Debug("connection activated",
		slog.String("server_id", serverID),
		slog.Bool("resumed", resumed),
	)
}

// LogResumeMissing logs a reactivation that found no server-down
// subscription to resume.
func LogResumeMissing(logger *slog.Logger, serverID string, resubscribed bool) {
	if logger == nil {
		return
	}
	logger.Warn("no server-down subscription to resume",
		slog.String("server_id", serverID),
		slog.Bool("resubscribed", resubscribed),
	)
}

// LogConnected logs a connection binding to a server.
func LogConnected(logger *slog.Logger, serverID string) {
	if logger == nil {
		return
	}
	logger.Info("connection connected",
		slog.String("server_id", serverID),
	)
}

// LogDisconnected logs connection teardown.
func LogDisconnected(logger *slog.Logger, reason string, serverID string) {
	if logger == nil {
		return
	}
	logger.Info("connection disconnected",
		slog.String("reason", reason),
		slog.String("server_id", serverID),
	)
}

// LogTeardownError logs a failed teardown step (non-fatal).
func LogTeardownError(logger *slog.Logger, step string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("disconnect step failed",
		slog.String("step", step),
		slog.String("error", err.Error()),
	)
}

// LogSendDropped logs a send dropped because no server is known.
func LogSendDropped(logger *slog.Logger, failAttempts int32) {
	if logger == nil {
		return
	}
	logger.Debug("send dropped, not connected",
		slog.Int("fail_attempts", int(failAttempts)),
	)
}

// LogThresholdReached logs the forced disconnect of a stale connection.
func LogThresholdReached(logger *slog.Logger, failAttempts int32) {
	if logger == nil {
		return
	}
	logger.Info("fail attempts limit reached, disconnecting",
		slog.Int("fail_attempts", int(failAttempts)),
	)
}

// LogRouteError logs a failed publish to a server's inbound topic.
func LogRouteError(logger *slog.Logger, topic string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("route failed",
		slog.String("topic", topic),
		slog.String("error", err.Error()),
	)
}

// LogSnapshotError logs snapshot failure (non-fatal).
func LogSnapshotError(logger *slog.Logger, sequence int64, err error) {
	if logger == nil {
		return
	}
	logger.Warn("snapshot failed",
		slog.Int64("sequence", sequence),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	elapsed := done()
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
