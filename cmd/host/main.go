// Command host is a reference host process exercising the runner
// registry (C8) and dispatch contract (C9) end to end. It is not a
// product host: no UI, no script storage, no scheduling — only the
// registry/dispatch slice spec.md names.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/automn/runner/internal/dispatch"
	"github.com/automn/runner/internal/hostapi"
	"github.com/automn/runner/internal/registry"
	"github.com/automn/runner/internal/types"
)

func main() {
	port := flag.Int("port", 8080, "HTTP listen port")
	heartbeatIntervalMs := flag.Int("heartbeat-interval-ms", 60000, "Expected runner heartbeat interval, used to derive the staleness window")
	monitorInterval := flag.Duration("monitor-interval", registry.DefaultMonitorInterval, "How often to scan for stale runners")
	flag.Parse()

	fallbackWindowMs := int64(*heartbeatIntervalMs) * registry.DefaultHeartbeatWindowMultiplier
	reg := registry.NewRegistry(fallbackWindowMs)
	defer reg.Close()

	monitor := registry.NewHeartbeatMonitor(reg, *monitorInterval)
	monitor.SetOnStale(func(runnerID string) {
		log.Printf("runner %s has gone stale", runnerID)
	})
	monitor.Start()
	defer monitor.Stop()

	apiHandler := hostapi.NewServer(reg).Handler()
	dispatcher := dispatch.New(nil)

	mux := http.NewServeMux()
	mux.Handle("/api/settings/runner-hosts", apiHandler)
	mux.Handle("/api/settings/runner-hosts/", apiHandler)
	mux.HandleFunc("/api/dispatch/{id}", dispatchHandler(reg, dispatcher))

	log.Printf("Automn reference host starting on port %d", *port)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: mux,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("host HTTP server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down host...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("error during shutdown: %v", err)
	}
	log.Println("Host stopped")
}

// dispatchHandler is a thin demonstration endpoint wiring C9: given a
// runner id and a run request, it picks that runner (if healthy and
// not disabled) and dispatches the run, returning the runner's result
// verbatim. A product host would choose the runner itself per
// maxConcurrency and permissions (spec.md §4.9); this reference
// implementation takes the id explicitly since it has no user model.
func dispatchHandler(reg *registry.Registry, dispatcher *dispatch.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := r.PathValue("id")

		identity, err := reg.Get(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if !identity.IsHealthy {
			http.Error(w, "runner is not healthy", http.StatusServiceUnavailable)
			return
		}

		var req types.RunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		runner, err := reg.GetSecret(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		result, err := dispatcher.Dispatch(r.Context(), identity.Endpoint, runner, req, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}
