// Package runnerconfig defines the runner's configuration surface
// (spec.md §6) and loads it from flags with an optional YAML overlay.
package runnerconfig

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the full set of recognized runner configuration options.
type Config struct {
	Port int `yaml:"port"`

	HostUrl  string `yaml:"hostUrl"`
	RunnerId string `yaml:"runnerId"`

	EndpointUrl  string `yaml:"endpointUrl"`
	PublicUrl    string `yaml:"publicUrl"`
	EndpointPath string `yaml:"endpointPath"`

	Secret       string `yaml:"secret"`
	SecretSource string `yaml:"secretSource"`

	HeartbeatInterval  int `yaml:"heartbeatInterval"`
	MaxConcurrency     int `yaml:"maxConcurrency"`
	LocalMaxConcurrency int `yaml:"localMaxConcurrency"`
	TimeoutMs          int `yaml:"timeoutMs"`

	StatusMessage string `yaml:"statusMessage"`

	StateFile  string `yaml:"stateFile"`
	ScriptsDir string `yaml:"scriptsDir"`
	WorkdirDir string `yaml:"workdirDir"`

	ResetToken string `yaml:"resetToken"`

	RuntimeExecutables RuntimeExecutablesConfig `yaml:"runtimeExecutables"`

	TracingEnabled  bool   `yaml:"tracingEnabled"`
	TracingExporter string `yaml:"tracingExporter"`
	OTLPEndpoint    string `yaml:"otlpEndpoint"`
	OTLPInsecure    bool   `yaml:"otlpInsecure"`
}

// RuntimeExecutablesConfig carries explicit interpreter paths.
type RuntimeExecutablesConfig struct {
	Node       string `yaml:"node"`
	Python     string `yaml:"python"`
	PowerShell string `yaml:"powershell"`
}

// DefaultDataDir is the root used to derive the default state/scripts/
// workdir paths when not overridden.
const DefaultDataDir = "./data"

// Default returns the configuration's defaults (spec.md §6's table).
func Default() *Config {
	return &Config{
		Port:               3030,
		EndpointPath:       "/api/run",
		HeartbeatInterval:  60000,
		StatusMessage:      "Runner heartbeat",
		StateFile:          filepath.Join(DefaultDataDir, "state", "runner-state.json"),
		ScriptsDir:         filepath.Join(DefaultDataDir, "scripts"),
		WorkdirDir:         filepath.Join(DefaultDataDir, "script_workdir"),
		TracingExporter:    "none",
	}
}

// ResolvedEndpoint returns the URL the host should dispatch runs to:
// EndpointUrl verbatim if set, else PublicUrl+EndpointPath.
func (c *Config) ResolvedEndpoint() string {
	if c.EndpointUrl != "" {
		return c.EndpointUrl
	}
	if c.PublicUrl == "" {
		return ""
	}
	path := c.EndpointPath
	if path == "" {
		path = "/api/run"
	}
	return c.PublicUrl + path
}

// HeartbeatEnabled reports whether periodic heartbeats should run.
func (c *Config) HeartbeatEnabled() bool {
	return c.HeartbeatInterval > 0
}

// LoadYAML overlays file's contents onto cfg. Missing fields in the file
// leave cfg's existing values untouched (yaml.Unmarshal only sets keys
// present in the document).
func LoadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// BindFlags registers cfg's fields on fs, seeding flag defaults from
// cfg's current values (so a prior YAML load is respected unless
// overridden on the command line).
func BindFlags(fs *flag.FlagSet, cfg *Config) {
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	fs.StringVar(&cfg.HostUrl, "host-url", cfg.HostUrl, "Base URL of the host to register with")
	fs.StringVar(&cfg.RunnerId, "runner-id", cfg.RunnerId, "This runner's identifier")
	fs.StringVar(&cfg.EndpointUrl, "endpoint-url", cfg.EndpointUrl, "Full URL the host should dispatch runs to (overrides public-url+endpoint-path)")
	fs.StringVar(&cfg.PublicUrl, "public-url", cfg.PublicUrl, "This runner's externally reachable base URL")
	fs.StringVar(&cfg.EndpointPath, "endpoint-path", cfg.EndpointPath, "Path appended to public-url to form the dispatch endpoint")
	fs.StringVar(&cfg.Secret, "secret", cfg.Secret, "Shared secret (overrides any stored secret; mutually exclusive with UI-managed secrets)")
	fs.StringVar(&cfg.SecretSource, "secret-source", cfg.SecretSource, "Set to 'env' when secret is supplied out of band")
	fs.IntVar(&cfg.HeartbeatInterval, "heartbeat-interval-ms", cfg.HeartbeatInterval, "Milliseconds between heartbeats (<=0 disables)")
	fs.IntVar(&cfg.MaxConcurrency, "max-concurrency", cfg.MaxConcurrency, "Advertised concurrency capacity")
	fs.IntVar(&cfg.LocalMaxConcurrency, "local-max-concurrency", cfg.LocalMaxConcurrency, "Hard concurrency cap enforced locally (0=unbounded)")
	fs.IntVar(&cfg.TimeoutMs, "timeout-ms", cfg.TimeoutMs, "Advertised upper bound on run duration")
	fs.StringVar(&cfg.StatusMessage, "status-message", cfg.StatusMessage, "Status message included in registration/heartbeat")
	fs.StringVar(&cfg.StateFile, "state-file", cfg.StateFile, "Path to the persisted runner state file")
	fs.StringVar(&cfg.ScriptsDir, "scripts-dir", cfg.ScriptsDir, "Root directory for harnessed script sources")
	fs.StringVar(&cfg.WorkdirDir, "workdir-dir", cfg.WorkdirDir, "Root directory for per-script working directories")
	fs.StringVar(&cfg.ResetToken, "reset-token", cfg.ResetToken, "Token required to call /internal/reset (disabled if empty)")
	fs.StringVar(&cfg.RuntimeExecutables.Node, "node-path", cfg.RuntimeExecutables.Node, "Explicit node interpreter path")
	fs.StringVar(&cfg.RuntimeExecutables.Python, "python-path", cfg.RuntimeExecutables.Python, "Explicit python interpreter path")
	fs.StringVar(&cfg.RuntimeExecutables.PowerShell, "powershell-path", cfg.RuntimeExecutables.PowerShell, "Explicit powershell interpreter path")
	fs.BoolVar(&cfg.TracingEnabled, "tracing-enabled", cfg.TracingEnabled, "Enable OpenTelemetry tracing and metrics")
	fs.StringVar(&cfg.TracingExporter, "tracing-exporter", cfg.TracingExporter, "Trace/metrics exporter: none, stdout, otlp-grpc, or otlp-http")
	fs.StringVar(&cfg.OTLPEndpoint, "otlp-endpoint", cfg.OTLPEndpoint, "OTLP collector endpoint (e.g. localhost:4317)")
	fs.BoolVar(&cfg.OTLPInsecure, "otlp-insecure", cfg.OTLPInsecure, "Disable TLS for the OTLP connection")
}

// Validate checks cross-field invariants not expressible as flag defaults.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.LocalMaxConcurrency < 0 {
		return fmt.Errorf("local-max-concurrency must be >= 0, got %d", c.LocalMaxConcurrency)
	}
	return nil
}
