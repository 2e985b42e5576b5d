// Package registry implements the host-side runner registry (C8): the
// store of runner identities, their secrets, advertised capabilities,
// and derived health.
package registry

import (
	"time"

	"github.com/automn/runner/internal/types"
)

// DefaultHeartbeatWindowMultiplier is applied to the expected heartbeat
// interval to derive the registry-wide fallback staleness window.
const DefaultHeartbeatWindowMultiplier = 3

// Runner is the host's internal record of a runner. Unlike
// types.RunnerIdentity, it carries the plaintext secret, which is
// never serialized on the wire: the host must retain it (not just a
// hash) because the dispatch contract (C9) requires resending it as
// the x-automn-runner-secret header on every run.
type Runner struct {
	ID            string
	Name          string
	Secret        string
	Endpoint      string
	AdminOnly     bool
	Status        types.RunnerStatus
	DisabledAt    *int64
	StatusMessage string
	Capabilities  types.RunnerCapabilities
	Versions      types.RunnerVersions
	Environment   types.RunnerEnvironment
	LastSeenAt    int64
	RegisteredAt  int64

	// HeartbeatWindowMs overrides the registry's fallback staleness
	// window when set explicitly (0 = use the fallback).
	HeartbeatWindowMs int64
}

// Copy returns a deep copy of Runner.
func (r *Runner) Copy() *Runner {
	if r == nil {
		return nil
	}
	c := *r
	if r.DisabledAt != nil {
		v := *r.DisabledAt
		c.DisabledAt = &v
	}
	return &c
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// heartbeatWindowMs derives the staleness window for a runner: its
// explicit override, else the registry's fallback window.
func (r *Runner) heartbeatWindowMs(fallbackMs int64) int64 {
	if r.HeartbeatWindowMs > 0 {
		return r.HeartbeatWindowMs
	}
	return fallbackMs
}

// isStale reports whether the runner has not been seen within its
// heartbeat window as of now.
func (r *Runner) isStale(now, fallbackWindowMs int64) bool {
	return now-r.LastSeenAt > r.heartbeatWindowMs(fallbackWindowMs)
}

// isHealthy reports the derived health: registered, not stale, not disabled.
func (r *Runner) isHealthy(now, fallbackWindowMs int64) bool {
	return r.Status == types.RunnerHealthy && !r.isStale(now, fallbackWindowMs) && r.DisabledAt == nil
}

// ToIdentity projects the internal record into the wire-safe identity,
// computing isStale/isHealthy/heartbeatWindowMs as of now.
func (r *Runner) ToIdentity(fallbackWindowMs int64) types.RunnerIdentity {
	now := nowMs()
	window := r.heartbeatWindowMs(fallbackWindowMs)
	return types.RunnerIdentity{
		ID:                r.ID,
		Name:              r.Name,
		Endpoint:          r.Endpoint,
		AdminOnly:         r.AdminOnly,
		Status:            r.Status,
		DisabledAt:        r.DisabledAt,
		StatusMessage:     r.StatusMessage,
		Capabilities:      r.Capabilities,
		Versions:          r.Versions,
		Environment:       r.Environment,
		LastSeenAt:        r.LastSeenAt,
		IsStale:           r.isStale(now, fallbackWindowMs),
		IsHealthy:         r.isHealthy(now, fallbackWindowMs),
		HeartbeatWindowMs: window,
	}
}
