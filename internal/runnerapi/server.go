// Package runnerapi implements the runner's HTTP surface (C7): the
// authenticated /api/run streaming endpoint, package status checks,
// and the operator-facing status/registration UI.
package runnerapi

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/automn/runner/internal/auth"
	"github.com/automn/runner/internal/engine"
	"github.com/automn/runner/internal/events"
	"github.com/automn/runner/internal/obs"
	"github.com/automn/runner/internal/pkgmanager"
	"github.com/automn/runner/internal/runnerconfig"
	"github.com/automn/runner/internal/runnerstate"
	"github.com/automn/runner/internal/types"
)

// Server serves the runner's HTTP surface.
type Server struct {
	cfg        *runnerconfig.Config
	state      *runnerstate.Store
	engine     *engine.Engine
	pkgmanager *pkgmanager.Manager
	registrar  *Registrar
	log        *events.EventLogger
	authMw     *auth.Middleware
	tracer     *obs.Tracer

	activeRuns atomic.Int64
}

// SetTracer attaches a tracer for the request-span middleware. A nil
// or disabled tracer leaves Handler's middleware a no-op passthrough.
func (s *Server) SetTracer(t *obs.Tracer) {
	s.tracer = t
}

// NewServer wires a Server from its collaborators.
func NewServer(cfg *runnerconfig.Config, state *runnerstate.Store, eng *engine.Engine, pm *pkgmanager.Manager, registrar *Registrar, log *events.EventLogger) *Server {
	s := &Server{cfg: cfg, state: state, engine: eng, pkgmanager: pm, registrar: registrar, log: log}

	// Only /api/run and /api/packages/status require the secret header
	// (spec.md §4.7); everything else is operator-facing and unauthenticated.
	authCfg := &auth.Config{SkipPaths: []string{"/status", "/", "/ui/register", "/ui/runtime-executables", "/ui/package-cache/clear", "/internal/reset"}}
	authenticator := auth.NewSecretAuthenticator(state.CurrentSecret)
	s.authMw = auth.NewMiddleware(authCfg, authenticator)

	return s
}

// Handler builds the routed, authenticated http.Handler for this server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /ui/register", s.handleUIRegister)
	mux.HandleFunc("POST /ui/runtime-executables", s.handleUIRuntimeExecutables)
	mux.HandleFunc("POST /ui/package-cache/clear", s.handleUIPackageCacheClear)
	mux.HandleFunc("POST /api/packages/status", s.handlePackagesStatus)
	mux.HandleFunc("POST /api/run", s.handleRun)
	if s.cfg.ResetToken != "" {
		mux.HandleFunc("POST /internal/reset", s.handleReset)
	}
	return obs.Middleware(s.tracer, s.cfg.RunnerId)(s.authMw.Handler(mux))
}

type statusResponse struct {
	Phase          string `json:"phase"`
	RunnerId       string `json:"runnerId"`
	HostUrl        string `json:"hostUrl"`
	EndpointUrl    string `json:"endpointUrl"`
	RegisteredAt   int64  `json:"registeredAt,omitempty"`
	LockedAt       int64  `json:"lockedAt,omitempty"`
	LastStatus     string `json:"lastRegistrationStatus,omitempty"`
	LastError      string `json:"lastRegistrationError,omitempty"`
	ActiveRuns     int64  `json:"activeRuns"`
	LocalMaxConcurrency int `json:"localMaxConcurrency,omitempty"`
}

func (s *Server) statusSnapshot() statusResponse {
	snap := s.state.Snapshot()
	return statusResponse{
		Phase:               string(s.state.Phase()),
		RunnerId:            s.cfg.RunnerId,
		HostUrl:             s.cfg.HostUrl,
		EndpointUrl:         s.cfg.ResolvedEndpoint(),
		RegisteredAt:        snap.RegisteredAt,
		LockedAt:            snap.LockedAt,
		LastStatus:          snap.LastRegistrationStatus,
		LastError:           snap.LastRegistrationError,
		ActiveRuns:          s.activeRuns.Load(),
		LocalMaxConcurrency: s.cfg.LocalMaxConcurrency,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statusSnapshot())
}

var indexTemplate = template.Must(template.New("index").Parse(`<!doctype html>
<html><head><title>Automn Runner</title></head><body>
<h1>Automn Runner</h1>
{{if .NeedsSecret}}
<form method="post" action="/ui/register">
<label>Secret: <input type="password" name="secret" minlength="12" required></label>
<button type="submit">Register</button>
</form>
{{else}}
<p>Phase: {{.Status.Phase}}</p>
<p>Runner ID: {{.Status.RunnerId}}</p>
<p>Host: {{.Status.HostUrl}}</p>
<p>Last registration status: {{.Status.LastStatus}}</p>
{{if .CanEditExecutables}}
<form method="post" action="/ui/runtime-executables">
<label>Node path: <input type="text" name="node" value="{{.RuntimeExecutables.Node}}"></label><br>
<label>Python path: <input type="text" name="python" value="{{.RuntimeExecutables.Python}}"></label><br>
<label>PowerShell path: <input type="text" name="powershell" value="{{.RuntimeExecutables.PowerShell}}"></label><br>
<button type="submit">Save</button>
</form>
{{end}}
<form method="post" action="/ui/package-cache/clear">
<button type="submit">Clear package cache</button>
</form>
{{end}}
</body></html>`))

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.state.Snapshot()
	needsSecret := s.state.CurrentSecret() == "" && snap.SecretSource != runnerstate.SecretSourceEnv
	data := struct {
		NeedsSecret        bool
		CanEditExecutables bool
		Status             statusResponse
		RuntimeExecutables runnerstate.RuntimeExecutables
	}{
		NeedsSecret:        needsSecret,
		CanEditExecutables: snap.LockedAt == 0,
		Status:             s.statusSnapshot(),
		RuntimeExecutables: snap.RuntimeExecutables,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = indexTemplate.Execute(w, data)
}

func (s *Server) handleUIRegister(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	secret := r.FormValue("secret")
	if err := s.state.SetSecret(secret); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.registrar.RegisterNow(r.Context(), false)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleUIRuntimeExecutables(w http.ResponseWriter, r *http.Request) {
	snap := s.state.Snapshot()
	if snap.LockedAt != 0 {
		http.Error(w, "registration is locked; runtime executables cannot be changed", http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	for lang, field := range map[string]string{"node": "node", "python": "python", "powershell": "powershell"} {
		if v := r.FormValue(field); v != "" {
			if err := s.state.SetRuntimeExecutable(lang, v); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleUIPackageCacheClear(w http.ResponseWriter, r *http.Request) {
	if err := s.pkgmanager.ClearPackageCache(s.cfg.WorkdirDir); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

type packagesStatusRequest struct {
	Packages       []string `json:"packages"`
	ScriptID       string   `json:"scriptId,omitempty"`
	DirectoryKey   string   `json:"directoryKey,omitempty"`
	InstallMissing bool     `json:"installMissing,omitempty"`
}

func (s *Server) handlePackagesStatus(w http.ResponseWriter, r *http.Request) {
	var req packagesStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	key := req.DirectoryKey
	if key == "" {
		key = req.ScriptID
	}
	workdir := filepath.Join(s.cfg.WorkdirDir, sanitizeDirectoryKey(key))

	if req.InstallMissing {
		if err := s.pkgmanager.EnsureNodeDependencies(r.Context(), workdir); err != nil {
			writeJSON(w, http.StatusOK, pkgmanager.StatusResult{Error: err.Error()})
			return
		}
	}

	result := s.pkgmanager.CheckNodePackageStatus(workdir)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if limit := int64(s.cfg.LocalMaxConcurrency); limit > 0 {
		for {
			n := s.activeRuns.Load()
			if n >= limit {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Runner is at capacity"})
				return
			}
			if s.activeRuns.CompareAndSwap(n, n+1) {
				break
			}
		}
	} else {
		s.activeRuns.Add(1)
	}
	defer s.activeRuns.Add(-1)

	var req types.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.RunID == "" {
		req.RunID = req.Script.PreassignedRunID
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	w.Header().Set("Content-Type", "application/jsonl; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	flusher, _ := w.(http.Flusher)

	clientGone := r.Context().Done()
	disconnected := false

	writeFrame := func(frame types.Frame) {
		if disconnected {
			return
		}
		select {
		case <-clientGone:
			disconnected = true
			return
		default:
		}
		data, err := json.Marshal(frame)
		if err != nil {
			return
		}
		w.Write(data)
		w.Write([]byte("\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}

	result := s.engine.Execute(r.Context(), req.RunID, req.Script, req.ReqBody, func(stream, text string) {
		writeFrame(types.LogFrame(text))
	})

	writeFrame(types.ResultFrame(result))

	if s.log != nil {
		s.log.LogRunCompleted(result.RunID, result.Code, result.Duration, result.ErrorCode)
	}
}

// resetTokenEqual compares the reset token in constant time, hashing
// first like auth.SecretAuthenticator's secret check: /internal/reset
// can clear or replace the runner's registration secret, so its token
// gets the same timing-attack protection as the other two secrets.
func resetTokenEqual(got, want string) bool {
	gh := sha256.Sum256([]byte(got))
	wh := sha256.Sum256([]byte(want))
	return subtle.ConstantTimeCompare(gh[:], wh[:]) == 1
}

type resetRequest struct {
	Token  string `json:"token"`
	Secret string `json:"secret,omitempty"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Token == "" || !resetTokenEqual(req.Token, s.cfg.ResetToken) {
		http.Error(w, "invalid reset token", http.StatusUnauthorized)
		return
	}

	if req.Secret != "" {
		if err := s.state.SetSecret(req.Secret); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.registrar.RegisterNow(r.Context(), false)
	} else {
		if err := s.state.ClearSecret(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	writeJSON(w, http.StatusOK, s.statusSnapshot())
}

func sanitizeDirectoryKey(key string) string {
	if key == "" {
		return "default"
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
