// Package runnerclient implements the runner's side of registration and
// heartbeating against a host (spec.md §4.6).
package runnerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/automn/runner/internal/runnerstate"
	"github.com/automn/runner/internal/types"
)

// RunnerVersion is this build's self-reported version string.
const RunnerVersion = "1.0.0"

// MinimumHostVersion is the oldest host version this runner build
// expects to interoperate with.
const MinimumHostVersion = "1.0.0"

// Client registers and heartbeats with a single host.
type Client struct {
	httpClient *http.Client
}

// New returns a Client using httpClient, or a 10-second-timeout default
// client when nil.
func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{httpClient: httpClient}
}

// Request describes one registration/heartbeat attempt's fixed inputs.
type Request struct {
	HostUrl            string
	RunnerId           string
	Secret             string
	Endpoint           string
	StatusMessage      string
	MaxConcurrency     int
	TimeoutMs          int
	RuntimeExecutables runnerstate.RuntimeExecutables
}

// Result carries the outcome in the shape runnerstate.RecordRegistrationAttempt expects.
type Result struct {
	Outcome  runnerstate.RegistrationOutcome
	Response types.RegisterResponse
}

// Register performs one registration/heartbeat POST. It never panics and
// never returns an error for a well-formed non-2xx host response — that
// case is reported through Result.Outcome so callers can persist it via
// runnerstate without special-casing transport vs. protocol failures.
func (c *Client) Register(ctx context.Context, req Request) Result {
	body := types.RegisterRequest{
		Secret:             req.Secret,
		Endpoint:           req.Endpoint,
		StatusMessage:      req.StatusMessage,
		MaxConcurrency:     req.MaxConcurrency,
		TimeoutMs:          req.TimeoutMs,
		Version:            RunnerVersion,
		MinimumHostVersion: MinimumHostVersion,
		OS:                 runtime.GOOS,
		Platform:           platformString(),
		Arch:               runtime.GOARCH,
		UptimeSeconds:      uptimeSeconds(),
		Runtimes:           runtimesMap(req.RuntimeExecutables),
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Result{Outcome: runnerstate.RegistrationOutcome{Status: "error", ErrorMessage: err.Error()}}
	}

	url := req.HostUrl + "/api/settings/runner-hosts/" + req.RunnerId + "/register"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Result{Outcome: runnerstate.RegistrationOutcome{Status: "error", ErrorMessage: err.Error()}}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{Outcome: runnerstate.RegistrationOutcome{Status: "network-error", ErrorMessage: err.Error()}}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("host returned %s", resp.Status)
		if resp.StatusCode == http.StatusNotFound {
			msg += " (has this runner been created on the host yet?)"
		}
		return Result{Outcome: runnerstate.RegistrationOutcome{
			Status:       "error",
			ErrorMessage: msg,
			ResponseBody: string(respBody),
		}}
	}

	var decoded types.RegisterResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			return Result{Outcome: runnerstate.RegistrationOutcome{
				Status:       "error",
				ErrorMessage: "malformed registration response: " + err.Error(),
				ResponseBody: string(respBody),
			}}
		}
	}

	return Result{
		Outcome:  runnerstate.RegistrationOutcome{Status: "ok", ResponseBody: string(respBody)},
		Response: decoded,
	}
}

// RegisterWithBackoff retries Register on network-error outcomes using an
// exponential backoff, stopping at maxElapsed or ctx cancellation. Host
// protocol errors (4xx/5xx) are returned immediately without retrying —
// only transport failures are assumed transient.
func (c *Client) RegisterWithBackoff(ctx context.Context, req Request, maxElapsed time.Duration) Result {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	bctx := backoff.WithContext(bo, ctx)

	var last Result
	_ = backoff.Retry(func() error {
		last = c.Register(ctx, req)
		if last.Outcome.Status == "network-error" {
			return fmt.Errorf("%s", last.Outcome.ErrorMessage)
		}
		return nil
	}, bctx)

	return last
}

func platformString() string {
	info, err := host.Info()
	if err != nil || info.Platform == "" {
		return runtime.GOOS
	}
	return info.Platform
}

func uptimeSeconds() int64 {
	info, err := host.Info()
	if err != nil {
		return 0
	}
	return int64(info.Uptime)
}

func runtimesMap(rt runnerstate.RuntimeExecutables) map[string]string {
	m := map[string]string{}
	if rt.Node != "" {
		m["node"] = rt.Node
	}
	if rt.Python != "" {
		m["python"] = rt.Python
	}
	if rt.PowerShell != "" {
		m["powershell"] = rt.PowerShell
	}
	if rt.Shell != "" {
		m["shell"] = rt.Shell
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
