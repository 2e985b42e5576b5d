package events

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// EventLogger provides structured logging for key lifecycle events of
// a runner (or the reference host): registration, heartbeats, and
// individual run outcomes.
type EventLogger struct {
	logger   *slog.Logger
	runnerID string
}

// NewEventLogger creates an EventLogger with JSON output to stdout,
// attributed with the owning runner's id.
func NewEventLogger(runnerID string) *EventLogger {
	return newEventLogger(runnerID, os.Stdout)
}

// NewEventLoggerWithWriter creates an EventLogger with JSON output to
// a custom writer. Useful for testing or redirecting output.
func NewEventLoggerWithWriter(runnerID string, w io.Writer) *EventLogger {
	return newEventLogger(runnerID, w)
}

func newEventLogger(runnerID string, w io.Writer) *EventLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(handler).With("runner_id", runnerID)
	return &EventLogger{logger: logger, runnerID: runnerID}
}

// Error implements engine.Logger so the execution engine can log
// through the same sink without importing this package's full API.
func (el *EventLogger) Error(msg string, args ...any) {
	el.logger.Error(msg, args...)
}

// LogRunStarted logs the start of a run.
// event: "run_started"
// Attributes: run_id, language
func (el *EventLogger) LogRunStarted(runID, language string) {
	el.logger.Info("run_started", "run_id", runID, "language", language)
}

// LogRunCompleted logs the terminal outcome of a run.
// event: "run_completed"
// Attributes: run_id, code, duration_ms, error_code
func (el *EventLogger) LogRunCompleted(runID string, code int, durationMs int64, errorCode string) {
	el.logger.Info("run_completed",
		"run_id", runID,
		"code", code,
		"duration_ms", durationMs,
		"error_code", errorCode,
	)
}

// LogRegistrationAttempt logs a registration or heartbeat attempt.
// event: "registration_attempt"
// Attributes: host_url, attempt, heartbeat
func (el *EventLogger) LogRegistrationAttempt(hostURL string, attempt int, heartbeat bool) {
	el.logger.Info("registration_attempt",
		"host_url", hostURL,
		"attempt", attempt,
		"heartbeat", heartbeat,
	)
}

// LogRegistrationResult logs the outcome of a registration attempt.
// event: "registration_result"
// Attributes: status, host_version, error
func (el *EventLogger) LogRegistrationResult(status, hostVersion, errMsg string) {
	level := slog.LevelInfo
	if status != "ok" {
		level = slog.LevelWarn
	}
	el.logger.Log(nil, level, "registration_result",
		"status", status,
		"host_version", hostVersion,
		"error", errMsg,
	)
}

// LogDependencyInstall logs a node dependency install attempt.
// event: "dependency_install"
// Attributes: workdir, ok, error
func (el *EventLogger) LogDependencyInstall(workdir string, ok bool, errMsg string) {
	level := slog.LevelInfo
	if !ok {
		level = slog.LevelError
	}
	el.logger.Log(nil, level, "dependency_install",
		"workdir", workdir,
		"ok", ok,
		"error", errMsg,
	)
}

// LogRunnerDisconnected logs when the host's registry stops hearing
// from a runner within its heartbeat window.
// event: "runner_disconnected"
// Attributes: runner_id, last_seen_ms_ago
func (el *EventLogger) LogRunnerDisconnected(runnerID string, lastSeenMsAgo int64) {
	el.logger.Warn("runner_disconnected",
		"runner_id", runnerID,
		"last_seen_ms_ago", lastSeenMsAgo,
	)
}

// Global logger management.
var (
	globalLogger *EventLogger
	globalMu     sync.RWMutex
)

// SetGlobalEventLogger sets the global event logger instance.
func SetGlobalEventLogger(l *EventLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// GetGlobalEventLogger returns the global event logger instance. If
// none is set, returns a no-op logger.
func GetGlobalEventLogger() *EventLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return NoopEventLogger()
}

// NoopEventLogger returns an event logger that discards all events.
func NoopEventLogger() *EventLogger {
	handler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &EventLogger{logger: slog.New(handler)}
}
