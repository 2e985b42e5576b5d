package engine

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/automn/runner/internal/interp"
	"github.com/automn/runner/internal/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	return &Engine{
		ScriptsDir: filepath.Join(dir, "scripts"),
		WorkdirDir: filepath.Join(dir, "workdir"),
		Resolver:   interp.NewResolver(nil),
	}
}

func requireInterpreter(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available in test environment", name)
	}
}

func TestExecuteNodeSuccessPlainStdout(t *testing.T) {
	requireInterpreter(t, "node")
	e := newTestEngine(t)

	script := types.ScriptDescriptor{
		ID:       "s1",
		Language: types.LanguageNode,
		Code:     `console.log("hi"); AutomnReturn({ok:true});`,
	}
	result := e.Execute(context.Background(), "run-1", script, map[string]any{}, nil)

	if result.Code != 0 {
		t.Errorf("Code = %d, want 0 (stderr=%q)", result.Code, result.Stderr)
	}
	if strings.TrimRight(result.Stdout, "\n") != "hi" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "hi")
	}
	m, ok := result.ReturnData.(map[string]any)
	if !ok || m["ok"] != true {
		t.Errorf("ReturnData = %v, want {ok:true}", result.ReturnData)
	}
	if len(result.AutomnLogs) != 0 || len(result.AutomnNotifications) != 0 {
		t.Errorf("expected no logs/notifications, got %v / %v", result.AutomnLogs, result.AutomnNotifications)
	}
}

func TestExecutePythonStructuredLog(t *testing.T) {
	requireInterpreter(t, "python3")
	e := newTestEngine(t)

	script := types.ScriptDescriptor{
		ID:       "s2",
		Language: types.LanguagePython,
		Code:     `AutomnLog("hello", "warn", {"k": 1}, "audit")`,
	}
	result := e.Execute(context.Background(), "run-2", script, map[string]any{}, nil)

	if result.Code != 0 {
		t.Fatalf("Code = %d, want 0 (stderr=%q)", result.Code, result.Stderr)
	}
	if len(result.AutomnLogs) != 1 {
		t.Fatalf("len(AutomnLogs) = %d, want 1", len(result.AutomnLogs))
	}
	l := result.AutomnLogs[0]
	if l.Message != "hello" || l.Level != types.LevelWarn || l.Type != "audit" {
		t.Errorf("log entry = %+v, unexpected", l)
	}
}

func TestExecuteReturnAndNotification(t *testing.T) {
	requireInterpreter(t, "node")
	e := newTestEngine(t)

	script := types.ScriptDescriptor{
		ID:       "s3",
		Language: types.LanguageNode,
		Code:     `AutomnNotify("Admins","done","info"); AutomnReturn(42);`,
	}
	result := e.Execute(context.Background(), "run-3", script, map[string]any{}, nil)

	if v, ok := result.ReturnData.(float64); !ok || v != 42 {
		t.Errorf("ReturnData = %v, want 42", result.ReturnData)
	}
	if len(result.AutomnNotifications) != 1 {
		t.Fatalf("len(AutomnNotifications) = %d, want 1", len(result.AutomnNotifications))
	}
	n := result.AutomnNotifications[0]
	if n.Audience != "Admins" || n.Message != "done" || n.Level != types.NotifyInfo || n.Order != 0 {
		t.Errorf("notification = %+v, unexpected", n)
	}
}

func TestExecuteBadReturnJSON(t *testing.T) {
	requireInterpreter(t, "node")
	e := newTestEngine(t)

	script := types.ScriptDescriptor{
		ID:       "s4",
		Language: types.LanguageNode,
		Code:     `process.stdout.write("__SCRIPTRETURN__{oops\n");`,
	}
	result := e.Execute(context.Background(), "run-4", script, map[string]any{}, nil)

	if result.ReturnData != nil {
		t.Errorf("ReturnData = %v, want nil", result.ReturnData)
	}
	if !strings.Contains(result.Stderr, "Bad return JSON") {
		t.Errorf("Stderr = %q, want to contain %q", result.Stderr, "Bad return JSON")
	}
	if strings.Contains(result.Stdout, "__SCRIPTRETURN__") {
		t.Errorf("Stdout = %q, must not contain the marker", result.Stdout)
	}
}

func TestExecuteTimeout(t *testing.T) {
	requireInterpreter(t, "sh")
	e := newTestEngine(t)

	script := types.ScriptDescriptor{
		ID:       "s5",
		Language: types.LanguageShell,
		Code:     `sleep 5`,
		Timeout:  1,
	}
	result := e.Execute(context.Background(), "run-5", script, map[string]any{}, nil)

	if result.Code == 0 {
		t.Errorf("Code = 0, want non-zero after timeout")
	}
	if !strings.HasSuffix(result.Stderr, "Timeout exceeded.") {
		t.Errorf("Stderr = %q, want suffix %q", result.Stderr, "Timeout exceeded.")
	}
	if result.Duration < 1000 || result.Duration > 4000 {
		t.Errorf("Duration = %dms, want in [1000,4000]", result.Duration)
	}
}

func TestExecuteUnsupportedLanguage(t *testing.T) {
	e := newTestEngine(t)
	script := types.ScriptDescriptor{ID: "s6"}
	result := e.Execute(context.Background(), "run-6", script, nil, nil)

	if result.Code != 1 || result.Stderr != "Unsupported language" {
		t.Errorf("result = %+v, want code=1 stderr=%q", result, "Unsupported language")
	}
}

func TestExecuteInputRoundTrip(t *testing.T) {
	requireInterpreter(t, "node")
	e := newTestEngine(t)

	script := types.ScriptDescriptor{
		ID:       "s7",
		Language: types.LanguageNode,
		Code:     `AutomnReturn(1);`,
	}
	reqBody := map[string]any{"a": 1, "b": []any{"x", "y"}}
	result := e.Execute(context.Background(), "run-7", script, reqBody, nil)

	inputMap, ok := result.Input.(map[string]any)
	if !ok {
		t.Fatalf("Input type = %T", result.Input)
	}
	if inputMap["a"] != float64(1) {
		t.Errorf("Input.a = %v, want 1", inputMap["a"])
	}
}
