// Package marker implements the output parser (spec component C1): it
// splits a finished run's accumulated stdout into plain text and the
// three in-band structured streams user scripts emit on stdout.
package marker

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	ReturnMarker = "__SCRIPTRETURN__"
	LogMarker    = "__SCRIPTLOG__"
	NotifyMarker = "__SCRIPTNOTIFY__"

	maxNotifications     = 50
	maxAudienceLen       = 256
	maxNotifyMessageLen  = 2000
)

// LogEntry is one parsed __SCRIPTLOG__ payload, ordered within its own
// 0-based counter.
type LogEntry struct {
	Message   string         `json:"message"`
	Level     string         `json:"level"`
	Type      string         `json:"type"`
	Context   map[string]any `json:"context"`
	Order     int            `json:"order"`
	Timestamp int64          `json:"timestamp"`
}

// NotificationEntry is one parsed __SCRIPTNOTIFY__ payload.
type NotificationEntry struct {
	Audience  string `json:"audience,omitempty"`
	Message   string `json:"message"`
	Level     string `json:"level"`
	Order     int    `json:"order"`
	Timestamp int64  `json:"timestamp"`
	Raw       string `json:"raw"`
}

// Result is the output of parsing a finished run's stdout.
type Result struct {
	Stdout        string
	Stderr        string
	ReturnData    any
	Logs          []LogEntry
	Notifications []NotificationEntry
}

// rawLogPayload mirrors the JSON shape AutomnLog emits.
type rawLogPayload struct {
	Message string `json:"message"`
	Level   string `json:"level"`
	Type    string `json:"type"`
	Context any    `json:"context"`
}

// rawNotifyPayload mirrors the JSON shape AutomnNotify emits. Audience
// may arrive under any of four historical field names.
type rawNotifyPayload struct {
	Audience string `json:"audience"`
	Target   string `json:"target"`
	User     string `json:"user"`
	Scope    string `json:"scope"`
	Message  string `json:"message"`
	Level    string `json:"level"`
}

// nowFunc is overridable in tests so timestamps are deterministic.
var nowFunc = defaultNow

func defaultNow() int64 {
	return time.Now().UnixMilli()
}

// Parse splits accumulated stdout and raw stderr of a finished run into
// a Result, applying the marker semantics of spec.md §4.1. stderr is
// passed through unchanged except for an appended "Bad return JSON"
// diagnostic when the return marker's payload fails to parse.
func Parse(stdout, stderr string) Result {
	lines := splitKeepingTerminator(stdout)

	var (
		cleaned       strings.Builder
		returnSeen    bool
		returnData    any
		logs          []LogEntry
		notifications []NotificationEntry
		badReturnMsg  string
	)

	for _, line := range lines {
		body, nl := stripTerminator(line)

		switch {
		case strings.HasPrefix(body, ReturnMarker):
			payload := strings.TrimPrefix(body, ReturnMarker)
			if returnSeen {
				// Only the first AutomnReturn has effect; spec.md §4.1 and
				// the P3 idempotence property. Subsequent calls are left
				// untouched in stdout as plain text (not reinjected as a
				// marker line, since they were never stripped to begin with
				// — we simply never strip them).
				cleaned.WriteString(line)
				continue
			}
			var v any
			if err := json.Unmarshal([]byte(payload), &v); err != nil {
				badReturnMsg = err.Error()
				returnData = nil
			} else {
				returnData = v
			}
			returnSeen = true
			// Marker + payload + trailing newline are removed from stdout.

		case strings.HasPrefix(body, LogMarker):
			payload := strings.TrimPrefix(body, LogMarker)
			var raw rawLogPayload
			if err := json.Unmarshal([]byte(payload), &raw); err != nil {
				cleaned.WriteString(line)
				continue
			}
			logs = append(logs, LogEntry{
				Message:   raw.Message,
				Level:     normalizeLogLevel(raw.Level),
				Type:      normalizeLogType(raw.Type),
				Context:   normalizeContext(raw.Context),
				Order:     len(logs),
				Timestamp: nowFunc(),
			})

		case strings.HasPrefix(body, NotifyMarker):
			payload := strings.TrimPrefix(body, NotifyMarker)
			var raw rawNotifyPayload
			if err := json.Unmarshal([]byte(payload), &raw); err != nil {
				cleaned.WriteString(line)
				continue
			}
			if len(notifications) >= maxNotifications {
				// Cap exceeded: left as text in stdout.
				cleaned.WriteString(line)
				continue
			}
			notifications = append(notifications, NotificationEntry{
				Audience:  truncate(firstNonEmpty(raw.Audience, raw.Target, raw.User, raw.Scope), maxAudienceLen),
				Message:   truncate(raw.Message, maxNotifyMessageLen),
				Level:     normalizeNotifyLevel(raw.Level),
				Order:     len(notifications),
				Timestamp: nowFunc(),
				Raw:       payload,
			})

		default:
			cleaned.WriteString(line)
		}
		_ = nl
	}

	stderrOut := stderr
	if badReturnMsg != "" {
		stderrOut = appendLine(stderrOut, "Bad return JSON: "+badReturnMsg)
	}

	return Result{
		Stdout:        cleaned.String(),
		Stderr:        stderrOut,
		ReturnData:    returnData,
		Logs:          logs,
		Notifications: notifications,
	}
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	if strings.HasSuffix(s, "\n") {
		return s + line
	}
	return s + "\n" + line
}

// splitKeepingTerminator splits s into lines, each retaining its
// trailing "\n" (if any) so the original byte count is preserved when
// a line is reinjected verbatim.
func splitKeepingTerminator(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func stripTerminator(line string) (body string, hadNewline bool) {
	if strings.HasSuffix(line, "\n") {
		return line[:len(line)-1], true
	}
	return line, false
}

func normalizeLogLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return "info"
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	case "success":
		return "success"
	case "debug":
		return "debug"
	default:
		return "info"
	}
}

func normalizeNotifyLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	default:
		return "info"
	}
}

func normalizeLogType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "" {
		return "general"
	}
	return t
}

// normalizeContext wraps scalar context values as {"value": x} and
// passes through object values unchanged (spec.md §4.1).
func normalizeContext(ctx any) map[string]any {
	switch v := ctx.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	default:
		return map[string]any{"value": v}
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
