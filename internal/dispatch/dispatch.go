// Package dispatch implements the host's dispatch contract (C9): it
// POSTs a run to a chosen runner's endpoint and consumes the
// newline-delimited JSON response stream.
package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/automn/runner/internal/types"
)

// OnLog is invoked once per log frame forwarded by the runner, in the
// order received.
type OnLog func(line string)

// Dispatcher sends runs to runners and consumes their streamed results.
type Dispatcher struct {
	httpClient *http.Client
}

// New returns a Dispatcher. A nil client defaults to one without a
// fixed timeout (runs stream for as long as the script takes; the
// runner itself enforces script.timeout).
func New(httpClient *http.Client) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Dispatcher{httpClient: httpClient}
}

// Dispatch POSTs the run to endpoint authenticated by secret, forwarding
// each log frame to onLog and returning the terminal result. It returns
// an error only for transport/protocol failures before any result frame
// was received — a runner-reported execution failure instead comes back
// inside a valid RunResult with a non-zero Code.
func (d *Dispatcher) Dispatch(ctx context.Context, endpoint, secret string, req types.RunRequest, onLog OnLog) (*types.RunResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch: encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("dispatch: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-automn-runner-secret", secret)

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("dispatch: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dispatch: runner returned %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var result *types.RunResult
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame types.Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			return nil, fmt.Errorf("dispatch: malformed frame: %w", err)
		}
		switch frame.Type {
		case "log":
			if onLog != nil {
				onLog(frame.Line)
			}
		case "result":
			result = frame.Data
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("dispatch: reading stream: %w", err)
	}
	if result == nil {
		return nil, fmt.Errorf("dispatch: stream ended without a result frame")
	}
	return result, nil
}

// DefaultTimeout is a five-minute bound a caller can put on its own
// dispatch context. New and Dispatch do not apply it themselves.
const DefaultTimeout = 5 * time.Minute
