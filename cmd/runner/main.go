// Command runner starts the Automn script-execution runner: it serves
// the authenticated /api/run HTTP surface and registers/heartbeats
// with a host.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/automn/runner/internal/engine"
	"github.com/automn/runner/internal/events"
	"github.com/automn/runner/internal/interp"
	"github.com/automn/runner/internal/obs"
	"github.com/automn/runner/internal/pkgmanager"
	"github.com/automn/runner/internal/runnerapi"
	"github.com/automn/runner/internal/runnerclient"
	"github.com/automn/runner/internal/runnerconfig"
	"github.com/automn/runner/internal/runnerstate"
	"github.com/automn/runner/internal/types"
)

func main() {
	cfg := runnerconfig.Default()

	// A pre-pass finds -config (if given) so its contents can seed cfg
	// before the full flag set (whose defaults come from cfg) is parsed.
	pre := flag.NewFlagSet("runner-pre", flag.ContinueOnError)
	pre.SetOutput(io.Discard)
	configFile := pre.String("config", "", "Optional YAML config file, overlaid before flags")
	pre.Parse(os.Args[1:])

	if *configFile != "" {
		if err := runnerconfig.LoadYAML(cfg, *configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to load config file: %v\n", err)
			os.Exit(1)
		}
	}

	fs := flag.NewFlagSet("runner", flag.ExitOnError)
	fs.String("config", *configFile, "Optional YAML config file, overlaid before flags")
	runnerconfig.BindFlags(fs, cfg)
	fs.Parse(os.Args[1:])

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	envSecret := os.Getenv("AUTOMN_RUNNER_SECRET")
	if cfg.SecretSource == "env" && envSecret == "" {
		fmt.Fprintln(os.Stderr, "Error: secretSource=env but AUTOMN_RUNNER_SECRET is not set")
		os.Exit(1)
	}

	state, err := runnerstate.Open(cfg.StateFile, envSecret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open runner state: %v\n", err)
		os.Exit(1)
	}
	if cfg.Secret != "" && envSecret == "" {
		if err := state.SetSecret(cfg.Secret); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to set configured secret: %v\n", err)
			os.Exit(1)
		}
	}
	for lang, path := range map[string]string{
		"node":       cfg.RuntimeExecutables.Node,
		"python":     cfg.RuntimeExecutables.Python,
		"powershell": cfg.RuntimeExecutables.PowerShell,
	} {
		if path != "" {
			state.SetRuntimeExecutable(lang, path)
		}
	}

	log.Printf("Automn runner starting on port %d (runner id %q)", cfg.Port, cfg.RunnerId)

	explicit := map[types.Language]string{}
	snap := state.Snapshot()
	if snap.RuntimeExecutables.Node != "" {
		explicit[types.LanguageNode] = snap.RuntimeExecutables.Node
	}
	if snap.RuntimeExecutables.Python != "" {
		explicit[types.LanguagePython] = snap.RuntimeExecutables.Python
	}
	if snap.RuntimeExecutables.PowerShell != "" {
		explicit[types.LanguagePowerShell] = snap.RuntimeExecutables.PowerShell
	}
	if snap.RuntimeExecutables.Shell != "" {
		explicit[types.LanguageShell] = snap.RuntimeExecutables.Shell
	}

	tracer, err := obs.NewTracer(context.Background(), &obs.Config{
		Enabled:      cfg.TracingEnabled,
		ServiceName:  "automn-runner",
		ExporterType: obs.ExporterType(cfg.TracingExporter),
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
		SampleRate:   1.0,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize tracer: %v\n", err)
		os.Exit(1)
	}
	obs.SetGlobalTracer(tracer)
	defer tracer.Shutdown(context.Background())

	metrics, err := obs.NewMetrics(context.Background(), &obs.MetricsConfig{
		Enabled:      cfg.TracingEnabled,
		ServiceName:  "automn-runner",
		ExporterType: obs.ExporterType(cfg.TracingExporter),
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize metrics: %v\n", err)
		os.Exit(1)
	}
	obs.SetGlobalMetrics(metrics)
	defer metrics.Shutdown(context.Background())

	eventLog := events.NewEventLogger(cfg.RunnerId)
	pm := pkgmanager.New()
	eng := &engine.Engine{
		ScriptsDir: cfg.ScriptsDir,
		WorkdirDir: cfg.WorkdirDir,
		Resolver:   interp.NewResolver(explicit),
		Installer:  pm,
		Log:        eventLog,
		RunnerID:   cfg.RunnerId,
		Tracer:     tracer,
		Metrics:    metrics,
	}

	client := runnerclient.New(nil)
	registrar := runnerapi.NewRegistrar(client, state, cfg, eventLog)
	server := runnerapi.NewServer(cfg, state, eng, pm, registrar, eventLog)
	server.SetTracer(tracer)

	if cfg.HostUrl != "" && cfg.RunnerId != "" && state.CurrentSecret() != "" {
		registrar.RegisterNow(context.Background(), false)
	}
	registrar.Start()
	defer registrar.Stop()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.Handler(),
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("runner HTTP server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down runner...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("error during shutdown: %v", err)
	}
	log.Println("Runner stopped")
}
