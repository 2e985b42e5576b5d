package runnerapi

import (
	"context"
	"sync"
	"time"

	"github.com/automn/runner/internal/events"
	"github.com/automn/runner/internal/runnerclient"
	"github.com/automn/runner/internal/runnerconfig"
	"github.com/automn/runner/internal/runnerstate"
)

// Registrar owns the runner's side of C6: one-shot registration calls
// plus the periodic heartbeat loop built on top of them.
type Registrar struct {
	client *runnerclient.Client
	state  *runnerstate.Store
	cfg    *runnerconfig.Config
	log    *events.EventLogger

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}

	attempts int
}

// NewRegistrar wires a Registrar against cfg's host/runner identity.
func NewRegistrar(client *runnerclient.Client, state *runnerstate.Store, cfg *runnerconfig.Config, log *events.EventLogger) *Registrar {
	return &Registrar{client: client, state: state, cfg: cfg, log: log}
}

// RegisterNow performs a single registration/heartbeat attempt,
// persisting the outcome and logging it. heartbeat appends the
// "(heartbeat)" status-message suffix spec.md §4.6 calls for on
// periodic re-registrations.
func (r *Registrar) RegisterNow(ctx context.Context, heartbeat bool) runnerclient.Result {
	r.mu.Lock()
	r.attempts++
	attempt := r.attempts
	r.mu.Unlock()

	statusMessage := r.cfg.StatusMessage
	if heartbeat {
		statusMessage += " (heartbeat)"
	}

	if r.log != nil {
		r.log.LogRegistrationAttempt(r.cfg.HostUrl, attempt, heartbeat)
	}

	result := r.client.Register(ctx, runnerclient.Request{
		HostUrl:            r.cfg.HostUrl,
		RunnerId:           r.cfg.RunnerId,
		Secret:             r.state.CurrentSecret(),
		Endpoint:           r.cfg.ResolvedEndpoint(),
		StatusMessage:      statusMessage,
		MaxConcurrency:     r.cfg.MaxConcurrency,
		TimeoutMs:          r.cfg.TimeoutMs,
		RuntimeExecutables: r.state.Snapshot().RuntimeExecutables,
	})

	r.state.RecordRegistrationAttempt(r.cfg.HostUrl, r.cfg.RunnerId, r.cfg.ResolvedEndpoint(), result.Outcome)

	if r.log != nil {
		r.log.LogRegistrationResult(result.Outcome.Status, result.Response.HostVersion, result.Outcome.ErrorMessage)
	}

	return result
}

// Start launches the heartbeat loop if cfg.HeartbeatEnabled(). Idempotent.
func (r *Registrar) Start() {
	if !r.cfg.HeartbeatEnabled() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.stoppedCh = make(chan struct{})

	go r.run()
}

// Stop halts the heartbeat loop. Idempotent.
func (r *Registrar) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stopCh := r.stopCh
	stoppedCh := r.stoppedCh
	r.mu.Unlock()

	close(stopCh)
	<-stoppedCh
}

func (r *Registrar) run() {
	defer close(r.stoppedCh)

	interval := time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RegisterNow(context.Background(), true)
		}
	}
}
