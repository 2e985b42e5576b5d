// Package e2e exercises the host runner registry (C8) and dispatch
// contract (C9) against a real, in-process runner HTTP surface (C7),
// the way the teacher's cmd/server + cmd/worker pair is exercised end
// to end rather than through mocks alone.
package e2e

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/automn/runner/internal/dispatch"
	"github.com/automn/runner/internal/engine"
	"github.com/automn/runner/internal/events"
	"github.com/automn/runner/internal/hostapi"
	"github.com/automn/runner/internal/interp"
	"github.com/automn/runner/internal/pkgmanager"
	"github.com/automn/runner/internal/registry"
	"github.com/automn/runner/internal/runnerapi"
	"github.com/automn/runner/internal/runnerclient"
	"github.com/automn/runner/internal/runnerconfig"
	"github.com/automn/runner/internal/runnerstate"
	"github.com/automn/runner/internal/types"
)

// newRunner boots a real runnerapi.Server behind an httptest.Server,
// with no secret preconfigured, standing in for a freshly installed
// runner.
func newRunner(t *testing.T) (*httptest.Server, *runnerstate.Store) {
	t.Helper()
	dir := t.TempDir()

	cfg := runnerconfig.Default()
	cfg.RunnerId = "runner-1"
	cfg.ScriptsDir = filepath.Join(dir, "scripts")
	cfg.WorkdirDir = filepath.Join(dir, "workdir")

	state, err := runnerstate.Open(filepath.Join(dir, "state.json"), "")
	if err != nil {
		t.Fatalf("runnerstate.Open failed: %v", err)
	}

	eng := &engine.Engine{
		ScriptsDir: cfg.ScriptsDir,
		WorkdirDir: cfg.WorkdirDir,
		Resolver:   interp.NewResolver(nil),
	}
	pm := pkgmanager.New()
	client := runnerclient.New(nil)
	log := events.NewEventLoggerWithWriter("runner-1", &bytes.Buffer{})
	registrar := runnerapi.NewRegistrar(client, state, cfg, log)

	srv := runnerapi.NewServer(cfg, state, eng, pm, registrar, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return ts, state
}

// newHost boots a registry + its HTTP surface, standing in for
// cmd/host's reference implementation.
func newHost(t *testing.T) (*registry.Registry, http.Handler) {
	t.Helper()
	reg := registry.NewRegistry(0)
	t.Cleanup(func() { reg.Close() })
	return reg, hostapi.NewServer(reg).Handler()
}

// TestRunnerRegistersWithHostThenHostDispatchesARun walks the full
// lifecycle: the host creates a runner record (disclosing a one-time
// secret), the runner stores that secret and registers itself over
// HTTP, and the host then dispatches a script run straight to the
// runner's own /api/run endpoint and gets back a streamed result.
func TestRunnerRegistersWithHostThenHostDispatchesARun(t *testing.T) {
	reg, hostHandler := newHost(t)
	hostServer := httptest.NewServer(hostHandler)
	defer hostServer.Close()

	runnerServer, runnerState := newRunner(t)

	identity, secret, err := reg.Create("runner-1", runnerServer.URL+"/api/run", false, "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := runnerState.SetSecret(secret); err != nil {
		t.Fatalf("SetSecret failed: %v", err)
	}

	client := runnerclient.New(nil)
	result := client.Register(t.Context(), runnerclient.Request{
		HostUrl:        hostServer.URL,
		RunnerId:       identity.ID,
		Secret:         secret,
		Endpoint:       runnerServer.URL + "/api/run",
		StatusMessage:  "Runner heartbeat",
		MaxConcurrency: 2,
	})
	if result.Outcome.Status != "ok" {
		t.Fatalf("Register outcome = %+v, want status ok (response=%+v)", result.Outcome, result.Response)
	}

	got, err := reg.Get(identity.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.IsHealthy {
		t.Fatalf("expected runner healthy after registration, got %+v", got)
	}

	dispatcher := dispatch.New(nil)
	plaintext, err := reg.GetSecret(identity.ID)
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}

	var logs []string
	runReq := types.RunRequest{
		RunID: "run-1",
		Script: types.ScriptDescriptor{
			ID:       "script-1",
			Language: types.LanguageShell,
			Code:     "echo hello-from-runner",
			Timeout:  5000,
		},
	}

	result2, err := dispatcher.Dispatch(t.Context(), got.Endpoint, plaintext, runReq, func(line string) {
		logs = append(logs, line)
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result2.Code != 0 {
		t.Errorf("Code = %d, want 0 (stderr=%q)", result2.Code, result2.Stderr)
	}
	if len(logs) == 0 {
		t.Error("expected at least one forwarded log line")
	}
}

// TestDispatchFailsAgainstUnregisteredRunner confirms dispatch cannot
// succeed until the runner has actually registered its secret: a
// runner record created but never registered has no endpoint and no
// secret to dispatch against.
func TestDispatchFailsAgainstUnregisteredRunner(t *testing.T) {
	reg, _ := newHost(t)

	identity, _, err := reg.Create("runner-2", "", false, "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := reg.Get(identity.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.IsHealthy {
		t.Fatal("expected unregistered runner to not be healthy")
	}
	if got.Endpoint != "" {
		t.Fatalf("expected empty endpoint before registration, got %q", got.Endpoint)
	}

	if _, err := dispatch.New(nil).Dispatch(t.Context(), got.Endpoint, "", types.RunRequest{RunID: "run-2"}, nil); err == nil {
		t.Fatal("expected dispatch to an unregistered runner to fail")
	}
}

// TestRotatedSecretRejectsRunnersNextHeartbeatUntilUpdated confirms the
// full round trip of spec.md's secret-rotation invariant (P5/§4.8):
// rotation happens on the host alone, so the runner's very next
// heartbeat (still carrying the pre-rotation secret) is rejected by
// the host over real HTTP — not just by a direct registry call — and
// only succeeds again once the runner has been given the new secret.
func TestRotatedSecretRejectsRunnersNextHeartbeatUntilUpdated(t *testing.T) {
	reg, hostHandler := newHost(t)
	hostServer := httptest.NewServer(hostHandler)
	defer hostServer.Close()

	runnerServer, _ := newRunner(t)

	identity, oldSecret, err := reg.Create("runner-3", runnerServer.URL+"/api/run", false, "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	client := runnerclient.New(nil)
	registerReq := func(secret string) runnerclient.Request {
		return runnerclient.Request{
			HostUrl:  hostServer.URL,
			RunnerId: identity.ID,
			Secret:   secret,
			Endpoint: runnerServer.URL + "/api/run",
		}
	}

	first := client.Register(t.Context(), registerReq(oldSecret))
	if first.Outcome.Status != "ok" {
		t.Fatalf("initial Register outcome = %+v, want ok", first.Outcome)
	}

	newSecret, err := reg.RotateSecret(identity.ID)
	if err != nil {
		t.Fatalf("RotateSecret failed: %v", err)
	}
	if newSecret == oldSecret {
		t.Fatal("expected a new secret distinct from the old one")
	}

	stale := client.Register(t.Context(), registerReq(oldSecret))
	if stale.Outcome.Status != "error" {
		t.Fatalf("heartbeat with rotated-out secret outcome = %+v, want error", stale.Outcome)
	}

	caughtUp := client.Register(t.Context(), registerReq(newSecret))
	if caughtUp.Outcome.Status != "ok" {
		t.Fatalf("heartbeat with new secret outcome = %+v, want ok", caughtUp.Outcome)
	}
}
