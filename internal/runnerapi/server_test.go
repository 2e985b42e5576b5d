package runnerapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/automn/runner/internal/engine"
	"github.com/automn/runner/internal/events"
	"github.com/automn/runner/internal/interp"
	"github.com/automn/runner/internal/pkgmanager"
	"github.com/automn/runner/internal/runnerclient"
	"github.com/automn/runner/internal/runnerconfig"
	"github.com/automn/runner/internal/runnerstate"
	"github.com/automn/runner/internal/types"
)

func newTestServer(t *testing.T) (*Server, *runnerstate.Store) {
	t.Helper()
	dir := t.TempDir()
	cfg := runnerconfig.Default()
	cfg.ScriptsDir = filepath.Join(dir, "scripts")
	cfg.WorkdirDir = filepath.Join(dir, "workdir")
	cfg.RunnerId = "runner-1"

	state, err := runnerstate.Open(filepath.Join(dir, "state.json"), "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	eng := &engine.Engine{
		ScriptsDir: cfg.ScriptsDir,
		WorkdirDir: cfg.WorkdirDir,
		Resolver:   interp.NewResolver(nil),
	}
	pm := pkgmanager.New()
	client := runnerclient.New(nil)
	registrar := NewRegistrar(client, state, cfg, events.NewEventLoggerWithWriter("runner-1", &bytes.Buffer{}))

	return NewServer(cfg, state, eng, pm, registrar, nil), state
}

func TestStatusEndpointNoAuthRequired(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", w.Code)
	}
}

func TestRunRequiresSecret(t *testing.T) {
	s, state := newTestServer(t)
	state.SetSecret("a-long-enough-secret")

	body, _ := json.Marshal(types.RunRequest{RunID: "r1", Script: types.ScriptDescriptor{Language: types.LanguageShell, Code: "echo hi"}})
	req := httptest.NewRequest(http.MethodPost, "/api/run", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status code = %d, want 401", w.Code)
	}
}

func TestRunSucceedsWithValidSecretAndStreamsFrames(t *testing.T) {
	s, state := newTestServer(t)
	state.SetSecret("a-long-enough-secret")

	body, _ := json.Marshal(types.RunRequest{RunID: "r1", Script: types.ScriptDescriptor{Language: types.LanguageShell, Code: "echo hi"}})
	req := httptest.NewRequest(http.MethodPost, "/api/run", bytes.NewReader(body))
	req.Header.Set("x-automn-runner-secret", "a-long-enough-secret")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200, body=%s", w.Code, w.Body.String())
	}

	resultFrames := 0
	scanner := bufio.NewScanner(w.Body)
	for scanner.Scan() {
		var frame types.Frame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			t.Fatalf("failed to decode frame: %v (line=%s)", err, scanner.Text())
		}
		if frame.Type == "result" {
			resultFrames++
			if frame.Data == nil {
				t.Fatal("expected result frame to carry data")
			}
		}
	}
	if resultFrames != 1 {
		t.Fatalf("expected exactly one result frame, got %d", resultFrames)
	}
}

func TestRunRejectsAtCapacity(t *testing.T) {
	s, state := newTestServer(t)
	state.SetSecret("a-long-enough-secret")
	s.cfg.LocalMaxConcurrency = 1
	s.activeRuns.Add(1)

	body, _ := json.Marshal(types.RunRequest{RunID: "r1", Script: types.ScriptDescriptor{Language: types.LanguageShell, Code: "echo hi"}})
	req := httptest.NewRequest(http.MethodPost, "/api/run", bytes.NewReader(body))
	req.Header.Set("x-automn-runner-secret", "a-long-enough-secret")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status code = %d, want 429", w.Code)
	}
}

func TestIndexRendersRegisterFormWhenNoSecret(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if !strings.Contains(w.Body.String(), "/ui/register") {
		t.Error("expected index page to render the register form")
	}
}

func TestResetDisabledWithoutToken(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/internal/reset", strings.NewReader(`{"token":"x"}`))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status code = %d, want 404 (route not registered)", w.Code)
	}
}

func TestResetClearsSecretWithValidToken(t *testing.T) {
	dirState := t.TempDir()
	cfg := runnerconfig.Default()
	cfg.ScriptsDir = filepath.Join(dirState, "scripts")
	cfg.WorkdirDir = filepath.Join(dirState, "workdir")
	cfg.ResetToken = "reset-me"

	state, _ := runnerstate.Open(filepath.Join(dirState, "state.json"), "")
	state.SetSecret("a-long-enough-secret")

	eng := &engine.Engine{ScriptsDir: cfg.ScriptsDir, WorkdirDir: cfg.WorkdirDir, Resolver: interp.NewResolver(nil)}
	pm := pkgmanager.New()
	client := runnerclient.New(nil)
	registrar := NewRegistrar(client, state, cfg, nil)
	s := NewServer(cfg, state, eng, pm, registrar, nil)

	req := httptest.NewRequest(http.MethodPost, "/internal/reset", strings.NewReader(`{"token":"reset-me"}`))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	if state.Phase() != runnerstate.PhaseUninitialized {
		t.Errorf("Phase() = %v, want uninitialized after reset", state.Phase())
	}
}
