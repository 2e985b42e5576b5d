package runnerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/automn/runner/internal/types"
)

func TestRegisterSuccess(t *testing.T) {
	var received types.RegisterRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if r.URL.Path != "/api/settings/runner-hosts/runner-1/register" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.RegisterResponse{HostVersion: "2.0.0"})
	}))
	defer srv.Close()

	c := New(nil)
	result := c.Register(context.Background(), Request{
		HostUrl:  srv.URL,
		RunnerId: "runner-1",
		Secret:   "the-secret",
		Endpoint: "https://runner.example/api/run",
	})

	if result.Outcome.Status != "ok" {
		t.Fatalf("Outcome.Status = %q, want ok (err=%s)", result.Outcome.Status, result.Outcome.ErrorMessage)
	}
	if result.Response.HostVersion != "2.0.0" {
		t.Errorf("Response.HostVersion = %q", result.Response.HostVersion)
	}
	if received.Secret != "the-secret" {
		t.Errorf("received Secret = %q", received.Secret)
	}
}

func TestRegisterNon2xxReportedAsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("unknown runner"))
	}))
	defer srv.Close()

	c := New(nil)
	result := c.Register(context.Background(), Request{HostUrl: srv.URL, RunnerId: "ghost", Secret: "s"})

	if result.Outcome.Status != "error" {
		t.Fatalf("Outcome.Status = %q, want error", result.Outcome.Status)
	}
	if result.Outcome.ResponseBody != "unknown runner" {
		t.Errorf("ResponseBody = %q", result.Outcome.ResponseBody)
	}
}

func TestRegisterNetworkErrorUnreachableHost(t *testing.T) {
	c := New(nil)
	result := c.Register(context.Background(), Request{HostUrl: "http://127.0.0.1:1", RunnerId: "r", Secret: "s"})
	if result.Outcome.Status != "network-error" {
		t.Fatalf("Outcome.Status = %q, want network-error", result.Outcome.Status)
	}
}

func TestRegisterWithBackoffRetriesNetworkErrors(t *testing.T) {
	attempts := 0
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			// Simulate transient failure by closing the connection mid-request.
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hj.Hijack()
				conn.Close()
				return
			}
		}
		json.NewEncoder(w).Encode(types.RegisterResponse{})
	}))
	defer srv.Close()

	c := New(nil)
	result := c.RegisterWithBackoff(context.Background(), Request{HostUrl: srv.URL, RunnerId: "r", Secret: "s"}, 2*time.Second)
	if result.Outcome.Status != "ok" {
		t.Fatalf("Outcome.Status = %q, want ok after retry", result.Outcome.Status)
	}
	if attempts < 2 {
		t.Errorf("expected at least 2 attempts, got %d", attempts)
	}
}
