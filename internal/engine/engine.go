// Package engine implements the execution engine (spec component C5):
// it orchestrates a single run end to end, from harnessed-source
// generation through process teardown, and always produces a
// RunResult rather than returning a Go error to its caller.
package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/automn/runner/internal/decode"
	"github.com/automn/runner/internal/harness"
	"github.com/automn/runner/internal/interp"
	"github.com/automn/runner/internal/marker"
	"github.com/automn/runner/internal/obs"
	"github.com/automn/runner/internal/types"
)

// returnGraceTerminate and returnGraceKill implement the 300ms/1000ms
// return-marker teardown sequence from spec.md §4.5 step 8 (bounding
// P3's 1.3s ceiling).
const (
	returnGraceTerminate = 300 * time.Millisecond
	returnGraceKill      = 1000 * time.Millisecond
)

// DependencyInstaller ensures a node script's npm dependencies are
// present before it is spawned. A failure surfaces as a RunResult with
// code 90 and never reaches C4 (spec.md §4.5 step 3, §7.2).
type DependencyInstaller interface {
	EnsureNodeDependencies(ctx context.Context, workdir string) error
}

// Logger is the minimal structured-logging surface the engine needs;
// satisfied by internal/events.EventLogger.
type Logger interface {
	Error(msg string, args ...any)
}

// OnLog is invoked once per decoded output chunk as it becomes
// available, before the run completes.
type OnLog func(stream, text string)

// Engine executes ScriptDescriptors.
type Engine struct {
	ScriptsDir string
	WorkdirDir string
	Resolver   *interp.Resolver
	Installer  DependencyInstaller
	Log        Logger

	// RunnerID tags the spans and metrics this engine emits; optional.
	RunnerID string
	Tracer   *obs.Tracer
	Metrics  *obs.Metrics
}

// Execute runs script against reqBody, streaming decoded output
// through onLog, and returns the terminal RunResult. It never returns
// an error: every failure mode becomes a populated RunResult field.
// Execute wraps the run in a span covering spawn through teardown
// (SPEC_FULL.md §4.12) and, when a Metrics instance is attached,
// records the run's duration and outcome.
func (e *Engine) Execute(ctx context.Context, runID string, script types.ScriptDescriptor, reqBody any, onLog OnLog) *types.RunResult {
	var span trace.Span
	if e.Tracer != nil {
		ctx, span = e.Tracer.StartRunSpan(ctx, obs.RunSpanOptions{
			RunID:    runID,
			RunnerID: e.RunnerID,
			Language: string(script.Language),
		})
		defer span.End()
	}

	if e.Metrics != nil {
		e.Metrics.IncrementActiveRuns()
		defer e.Metrics.DecrementActiveRuns()
	}

	result := e.execute(ctx, runID, script, reqBody, onLog, span)

	if e.Metrics != nil {
		e.Metrics.RecordRunDuration(ctx, string(script.Language), float64(result.Duration), result.Code)
		if result.Code != 0 {
			e.Metrics.RecordRunError(ctx, runErrorCode(result))
		}
	}
	return result
}

// runErrorCode picks the metrics label for a failed run: the
// structured error code when the engine set one, else the bare exit
// code.
func runErrorCode(result *types.RunResult) string {
	if result.ErrorCode != "" {
		return result.ErrorCode
	}
	return fmt.Sprintf("exit_%d", result.Code)
}

// execute holds Execute's original body, taking the run's span
// (possibly nil, when no tracer is attached) so the return-marker
// teardown and timeout paths can annotate it.
func (e *Engine) execute(ctx context.Context, runID string, script types.ScriptDescriptor, reqBody any, onLog OnLog, span trace.Span) *types.RunResult {
	start := time.Now()
	clonedInput := cloneJSON(reqBody)

	if script.Language == "" || script.Code == "" {
		return &types.RunResult{
			RunID:  runID,
			Stderr: "Unsupported language",
			Code:   1,
			Input:  clonedInput,
		}
	}

	workDir, err := e.selectWorkDir(script)
	if err != nil {
		return &types.RunResult{RunID: runID, Stderr: err.Error(), Code: 1, Input: clonedInput}
	}

	if script.Language == types.LanguageNode && e.Installer != nil {
		if err := e.Installer.EnsureNodeDependencies(ctx, workDir); err != nil {
			if e.Log != nil {
				e.Log.Error("node dependency install failed", "run_id", runID, "error", err)
			}
			return &types.RunResult{
				RunID:         runID,
				Code:          90,
				ErrorCode:     "NODE_DEPENDENCY_INSTALL_FAILED",
				ClientMessage: "Try again later",
				AutomnLogs: []types.LogEntry{{
					Level:   types.LevelError,
					Type:    "system",
					Message: err.Error(),
				}},
				Input: clonedInput,
			}
		}
	}

	ext := fileExtension(script)
	scriptPath := filepath.Join(workDir, fmt.Sprintf("automn-%s.%s", shortID(), ext))

	src, err := harness.Build(script.Language, runID, script.Code)
	if err != nil {
		return &types.RunResult{RunID: runID, Stderr: err.Error(), Code: 1, Input: clonedInput}
	}
	if err := os.WriteFile(scriptPath, []byte(src), 0o600); err != nil {
		return &types.RunResult{RunID: runID, Stderr: err.Error(), Code: 1, Input: clonedInput}
	}
	defer os.Remove(scriptPath)

	interpreterPath, err := e.Resolver.Resolve(script.Language)
	if err != nil {
		return &types.RunResult{RunID: runID, Stderr: err.Error(), Code: 1, Input: clonedInput}
	}

	env := buildEnv(script, runID, reqBody)
	args := interp.LaunchArgs(script.Language, e.Resolver.PreArgs(script.Language), scriptPath)
	cmd := interp.BuildCommand(context.Background(), interpreterPath, args, env, workDir)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return &types.RunResult{RunID: runID, Stderr: err.Error(), Code: 1, Input: clonedInput}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return &types.RunResult{RunID: runID, Stderr: err.Error(), Code: 1, Input: clonedInput}
	}

	if err := cmd.Start(); err != nil {
		return &types.RunResult{RunID: runID, Stderr: err.Error(), Code: 1, Input: clonedInput}
	}

	run := &runState{
		cmd:        cmd,
		stdoutDec:  decode.New(script.Language == types.LanguagePowerShell),
		stderrDec:  decode.New(script.Language == types.LanguagePowerShell),
		returnMark: []byte(marker.ReturnMarker),
		onLog:      onLog,
		span:       span,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go run.consume("stdout", stdoutPipe, &wg)
	go run.consume("stderr", stderrPipe, &wg)

	var timeoutTimer *time.Timer
	if script.Timeout > 0 {
		timeoutTimer = time.AfterFunc(time.Duration(script.Timeout)*time.Second, func() {
			run.mu.Lock()
			run.stderr.WriteString("\nTimeout exceeded.")
			run.mu.Unlock()
			obs.MarkTimeout(span, script.Timeout)
			_ = interp.Terminate(cmd)
		})
	}

	waitErr := cmd.Wait()
	wg.Wait()
	if timeoutTimer != nil {
		timeoutTimer.Stop()
	}
	run.stopReturnTimers()

	run.mu.Lock()
	fullStdout := run.stdout.String() + run.stdoutDec.Flush()
	fullStderr := run.stderr.String() + run.stderrDec.Flush()
	run.mu.Unlock()

	parsed := marker.Parse(fullStdout, fullStderr)

	result := &types.RunResult{
		RunID:               runID,
		Stdout:              parsed.Stdout,
		Stderr:              parsed.Stderr,
		Code:                exitCode(cmd, waitErr),
		Duration:            time.Since(start).Milliseconds(),
		ReturnData:          parsed.ReturnData,
		AutomnLogs:          convertLogs(parsed.Logs),
		AutomnNotifications: convertNotifications(parsed.Notifications),
		Input:               clonedInput,
	}
	return result
}

func (e *Engine) selectWorkDir(script types.ScriptDescriptor) (string, error) {
	if script.Language != types.LanguageNode {
		if err := os.MkdirAll(e.ScriptsDir, 0o755); err != nil {
			return "", err
		}
		return e.ScriptsDir, nil
	}
	key := sanitizeKey(script.ID)
	dir := filepath.Join(e.WorkdirDir, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func sanitizeKey(id string) string {
	if id == "" {
		return "default"
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:16]
}

func fileExtension(script types.ScriptDescriptor) string {
	switch script.Language {
	case types.LanguageNode:
		if harness.UsesESModuleSyntax(script.Code) {
			return "mjs"
		}
		return "cjs"
	case types.LanguagePython:
		return "py"
	case types.LanguagePowerShell:
		return "ps1"
	default:
		return "sh"
	}
}

func buildEnv(script types.ScriptDescriptor, runID string, reqBody any) []string {
	env := os.Environ()
	for _, v := range script.Variables {
		env = append(env, fmt.Sprintf("%s=%s", v.EnvName, v.Value))
	}
	env = append(env, "AUTOMN_RUN_ID="+runID)

	payload, err := json.Marshal(reqBody)
	if err != nil {
		payload = []byte("null")
	}
	for _, alias := range []string{"AUTOMN_INTERNAL_INPUT_JSON", "AUTOMN_INPUT_JSON", "INPUT_JSON"} {
		env = append(env, alias+"="+string(payload))
	}
	return env
}

func cloneJSON(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
	}
	return 1
}

func shortID() string {
	return uuid.NewString()[:8]
}

func convertLogs(logs []marker.LogEntry) []types.LogEntry {
	out := make([]types.LogEntry, len(logs))
	for i, l := range logs {
		out[i] = types.LogEntry{
			Message:   l.Message,
			Level:     types.LogLevel(l.Level),
			Type:      l.Type,
			Context:   l.Context,
			Order:     l.Order,
			Timestamp: l.Timestamp,
		}
	}
	return out
}

func convertNotifications(notifications []marker.NotificationEntry) []types.NotificationEntry {
	out := make([]types.NotificationEntry, len(notifications))
	for i, n := range notifications {
		out[i] = types.NotificationEntry{
			Audience:  n.Audience,
			Message:   n.Message,
			Level:     types.NotifyLevel(n.Level),
			Order:     n.Order,
			Timestamp: n.Timestamp,
			Raw:       n.Raw,
		}
	}
	return out
}

// runState holds the mutable state shared between the stdout/stderr
// reader goroutines and the return-marker teardown timers.
type runState struct {
	cmd        *exec.Cmd
	mu         sync.Mutex
	stdout     bytes.Buffer
	stderr     bytes.Buffer
	stdoutDec  *decode.Decoder
	stderrDec  *decode.Decoder
	returnMark []byte
	onLog      OnLog
	span       trace.Span

	returnSeen     bool
	terminateTimer *time.Timer
	killTimer      *time.Timer
}

func (r *runState) consume(stream string, pipe io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			r.handleChunk(stream, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (r *runState) handleChunk(stream string, chunk []byte) {
	r.mu.Lock()
	var decoded string
	if stream == "stdout" {
		decoded = r.stdoutDec.Write(chunk)
		r.stdout.WriteString(decoded)
	} else {
		decoded = r.stderrDec.Write(chunk)
		r.stderr.WriteString(decoded)
	}
	sawReturn := stream == "stdout" && !r.returnSeen && bytes.Contains(r.stdout.Bytes(), r.returnMark)
	if sawReturn {
		r.returnSeen = true
		r.scheduleReturnTeardownLocked()
	}
	r.mu.Unlock()

	if r.onLog != nil && decoded != "" {
		r.onLog(stream, decoded)
	}
}

// scheduleReturnTeardownLocked must be called with r.mu held.
func (r *runState) scheduleReturnTeardownLocked() {
	obs.MarkReturnTermination(r.span, returnGraceTerminate.Milliseconds())
	cmd := r.cmd
	r.terminateTimer = time.AfterFunc(returnGraceTerminate, func() {
		_ = interp.Terminate(cmd)
	})
	r.killTimer = time.AfterFunc(returnGraceTerminate+returnGraceKill, func() {
		_ = interp.Kill(cmd)
	})
}

func (r *runState) stopReturnTimers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminateTimer != nil {
		r.terminateTimer.Stop()
	}
	if r.killTimer != nil {
		r.killTimer.Stop()
	}
}
