package registry

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/automn/runner/internal/types"
)

var (
	ErrRunnerNotFound = errors.New("runner not found")
	ErrRegistryClosed = errors.New("registry is closed")
	ErrSecretMismatch = errors.New("secret does not match")
	ErrRunnerDisabled = errors.New("runner is disabled")
)

// Registry is the host's single-writer-per-id store of runner identities.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]*Runner
	counter atomic.Int64
	closed  atomic.Bool

	// fallbackWindowMs is the staleness window used for runners that
	// have not advertised a heartbeat interval of their own.
	fallbackWindowMs int64
}

// NewRegistry creates an empty registry. fallbackWindowMs is the
// staleness window (see DefaultHeartbeatWindowMultiplier) applied when
// a runner has no explicit override; if <= 0, a 180000ms (3 * 60s)
// default is used.
func NewRegistry(fallbackWindowMs int64) *Registry {
	if fallbackWindowMs <= 0 {
		fallbackWindowMs = DefaultHeartbeatWindowMultiplier * 60000
	}
	return &Registry{
		runners:          make(map[string]*Runner),
		fallbackWindowMs: fallbackWindowMs,
	}
}

func (r *Registry) generateID() string {
	ts := nowMs()
	counter := r.counter.Add(1)
	return fmt.Sprintf("rnr_%x%x", ts, counter)
}

func generateSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// secretsEqual compares two secrets in constant time, hashing first so
// the comparison's timing never depends on the secrets' raw bytes.
func secretsEqual(a, b string) bool {
	ah := sha256.Sum256([]byte(a))
	bh := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ah[:], bh[:]) == 1
}

// Create registers a new runner. If secret is empty, one is generated.
// The plaintext secret is returned; the caller must show it exactly once.
func (r *Registry) Create(name, endpoint string, adminOnly bool, secret string) (types.RunnerIdentity, string, error) {
	if r.closed.Load() {
		return types.RunnerIdentity{}, "", ErrRegistryClosed
	}

	if secret == "" {
		var err error
		secret, err = generateSecret()
		if err != nil {
			return types.RunnerIdentity{}, "", err
		}
	}

	id := r.generateID()
	runner := &Runner{
		ID:        id,
		Name:      name,
		Secret:    secret,
		Endpoint:  endpoint,
		AdminOnly: adminOnly,
		Status:    types.RunnerPending,
	}

	r.mu.Lock()
	r.runners[id] = runner
	r.mu.Unlock()

	return runner.ToIdentity(r.fallbackWindowMs), secret, nil
}

// Get returns the wire-safe identity for id.
func (r *Registry) Get(id string) (types.RunnerIdentity, error) {
	runner, err := r.get(id)
	if err != nil {
		return types.RunnerIdentity{}, err
	}
	return runner.ToIdentity(r.fallbackWindowMs), nil
}

// get returns a defensive copy of the stored runner, safe to read
// after the lock is released: callers use the result outside of any
// lock (e.g. Get/GetSecret call ToIdentity or read a field on it), and
// the stored *Runner is mutated in place by Update/RotateSecret/
// Disable/Enable/Disconnect under Lock.
func (r *Registry) get(id string) (*Runner, error) {
	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	runner, ok := r.runners[id]
	if !ok {
		return nil, ErrRunnerNotFound
	}
	return runner.Copy(), nil
}

// List returns every runner's wire-safe identity.
func (r *Registry) List() []types.RunnerIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]types.RunnerIdentity, 0, len(r.runners))
	for _, runner := range r.runners {
		result = append(result, runner.ToIdentity(r.fallbackWindowMs))
	}
	return result
}

// Update changes a runner's name and adminOnly flag.
func (r *Registry) Update(id, name string, adminOnly bool) error {
	if r.closed.Load() {
		return ErrRegistryClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	runner, ok := r.runners[id]
	if !ok {
		return ErrRunnerNotFound
	}
	if name != "" {
		runner.Name = name
	}
	runner.AdminOnly = adminOnly
	return nil
}

// RotateSecret generates and stores a new secret, resetting status to
// pending. The new plaintext secret is returned exactly once.
func (r *Registry) RotateSecret(id string) (string, error) {
	if r.closed.Load() {
		return "", ErrRegistryClosed
	}

	secret, err := generateSecret()
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	runner, ok := r.runners[id]
	if !ok {
		return "", ErrRunnerNotFound
	}

	runner.Secret = secret
	runner.Status = types.RunnerPending

	return secret, nil
}

// GetSecret returns the runner's current plaintext secret, for the
// host's own dispatch calls (C9) which must resend it as the
// x-automn-runner-secret header. Unlike Get, this is never exposed
// over the HTTP registry surface.
func (r *Registry) GetSecret(id string) (string, error) {
	runner, err := r.get(id)
	if err != nil {
		return "", err
	}
	return runner.Secret, nil
}

// Disconnect clears the stored secret without deleting the runner,
// returning it to pending until it re-registers with a new secret.
func (r *Registry) Disconnect(id string) error {
	if r.closed.Load() {
		return ErrRegistryClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	runner, ok := r.runners[id]
	if !ok {
		return ErrRunnerNotFound
	}
	runner.Secret = ""
	runner.Status = types.RunnerPending
	return nil
}

// Disable sets disabledAt, masking the runner's health without aborting
// in-flight runs.
func (r *Registry) Disable(id string) error {
	if r.closed.Load() {
		return ErrRegistryClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	runner, ok := r.runners[id]
	if !ok {
		return ErrRunnerNotFound
	}
	if runner.DisabledAt == nil {
		ts := nowMs()
		runner.DisabledAt = &ts
	}
	return nil
}

// Enable clears disabledAt.
func (r *Registry) Enable(id string) error {
	if r.closed.Load() {
		return ErrRegistryClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	runner, ok := r.runners[id]
	if !ok {
		return ErrRunnerNotFound
	}
	runner.DisabledAt = nil
	return nil
}

// Delete removes the runner entirely.
func (r *Registry) Delete(id string) error {
	if r.closed.Load() {
		return ErrRegistryClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runners[id]; !ok {
		return ErrRunnerNotFound
	}
	delete(r.runners, id)
	return nil
}

// Register verifies the secret in constant time and, on success, updates
// the runner's advertised endpoint/capabilities/versions/environment and
// marks it healthy and seen. This is the host-side half of C6's
// registration/heartbeat call.
func (r *Registry) Register(id string, req types.RegisterRequest) error {
	if r.closed.Load() {
		return ErrRegistryClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	runner, ok := r.runners[id]
	if !ok {
		return ErrRunnerNotFound
	}

	if runner.Secret == "" || !secretsEqual(req.Secret, runner.Secret) {
		return ErrSecretMismatch
	}

	runner.Endpoint = req.Endpoint
	runner.StatusMessage = req.StatusMessage
	runner.Capabilities = types.RunnerCapabilities{
		MaxConcurrency: req.MaxConcurrency,
		TimeoutMs:      req.TimeoutMs,
	}
	runner.Versions = types.RunnerVersions{
		Runner:             req.Version,
		MinimumHostVersion: req.MinimumHostVersion,
	}
	runner.Environment = types.RunnerEnvironment{
		OS:       req.OS,
		Platform: req.Platform,
		Arch:     req.Arch,
		Runtimes: req.Runtimes,
	}
	runner.LastSeenAt = nowMs()
	if runner.RegisteredAt == 0 {
		runner.RegisteredAt = runner.LastSeenAt
	}
	runner.Status = types.RunnerHealthy

	return nil
}

// Count returns the number of runners known to the registry.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runners)
}

// Close empties the registry. Safe to call multiple times.
func (r *Registry) Close() error {
	if r.closed.Swap(true) {
		return nil
	}

	r.mu.Lock()
	r.runners = make(map[string]*Runner)
	r.mu.Unlock()

	return nil
}
