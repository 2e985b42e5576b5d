package registry

import (
	"testing"

	"github.com/automn/runner/internal/types"
)

func TestCreateGeneratesSecretAndID(t *testing.T) {
	r := NewRegistry(0)

	identity, secret, err := r.Create("runner-1", "https://runner.example/api/run", false, "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if identity.ID == "" {
		t.Error("expected non-empty runner ID")
	}
	if secret == "" {
		t.Error("expected a generated secret")
	}
	if identity.Status != types.RunnerPending {
		t.Errorf("Status = %v, want pending", identity.Status)
	}
}

func TestRegisterRejectsWrongSecret(t *testing.T) {
	r := NewRegistry(0)
	identity, secret, _ := r.Create("runner-1", "", false, "correct-horse-battery")
	_ = secret

	err := r.Register(identity.ID, types.RegisterRequest{Secret: "wrong-secret"})
	if err != ErrSecretMismatch {
		t.Errorf("Register() = %v, want ErrSecretMismatch", err)
	}
}

func TestRegisterAcceptsCorrectSecretAndMarksHealthy(t *testing.T) {
	r := NewRegistry(0)
	identity, secret, _ := r.Create("runner-1", "", false, "correct-horse-battery")

	req := types.RegisterRequest{
		Secret:        secret,
		Endpoint:      "https://runner.example/api/run",
		StatusMessage: "Runner heartbeat",
		Version:       "1.0.0",
		OS:            "linux",
	}
	if err := r.Register(identity.ID, req); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, err := r.Get(identity.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != types.RunnerHealthy {
		t.Errorf("Status = %v, want healthy", got.Status)
	}
	if got.Endpoint != req.Endpoint {
		t.Errorf("Endpoint = %q, want %q", got.Endpoint, req.Endpoint)
	}
	if got.LastSeenAt == 0 {
		t.Error("expected LastSeenAt to be set")
	}
}

func TestRotateSecretResetsToPending(t *testing.T) {
	r := NewRegistry(0)
	identity, secret, _ := r.Create("runner-1", "", false, "correct-horse-battery")
	r.Register(identity.ID, types.RegisterRequest{Secret: secret, Version: "1.0.0"})

	newSecret, err := r.RotateSecret(identity.ID)
	if err != nil {
		t.Fatalf("RotateSecret failed: %v", err)
	}
	if newSecret == secret {
		t.Error("expected a new secret distinct from the old one")
	}

	got, _ := r.Get(identity.ID)
	if got.Status != types.RunnerPending {
		t.Errorf("Status after rotation = %v, want pending", got.Status)
	}

	if err := r.Register(identity.ID, types.RegisterRequest{Secret: secret}); err != ErrSecretMismatch {
		t.Errorf("Register with old secret = %v, want ErrSecretMismatch", err)
	}
	if err := r.Register(identity.ID, types.RegisterRequest{Secret: newSecret, Version: "1.0.0"}); err != nil {
		t.Errorf("Register with new secret failed: %v", err)
	}
}

func TestDisconnectClearsSecretWithoutDeletingRunner(t *testing.T) {
	r := NewRegistry(0)
	identity, secret, _ := r.Create("runner-1", "", false, "correct-horse-battery")
	r.Register(identity.ID, types.RegisterRequest{Secret: secret, Version: "1.0.0"})

	if err := r.Disconnect(identity.ID); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	got, err := r.Get(identity.ID)
	if err != nil {
		t.Fatalf("Get failed after disconnect: %v", err)
	}
	if got.Status != types.RunnerPending {
		t.Errorf("Status after disconnect = %v, want pending", got.Status)
	}

	if err := r.Register(identity.ID, types.RegisterRequest{Secret: secret}); err != ErrSecretMismatch {
		t.Errorf("Register after disconnect = %v, want ErrSecretMismatch", err)
	}
}

func TestDisableMasksHealthWithoutRemoving(t *testing.T) {
	r := NewRegistry(0)
	identity, secret, _ := r.Create("runner-1", "", false, "correct-horse-battery")
	r.Register(identity.ID, types.RegisterRequest{Secret: secret, Version: "1.0.0"})

	if err := r.Disable(identity.ID); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}

	got, _ := r.Get(identity.ID)
	if got.DisabledAt == nil {
		t.Error("expected DisabledAt to be set")
	}
	if got.IsHealthy {
		t.Error("expected IsHealthy = false once disabled")
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1 (disable must not delete)", r.Count())
	}

	if err := r.Enable(identity.ID); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	got, _ = r.Get(identity.ID)
	if got.DisabledAt != nil {
		t.Error("expected DisabledAt to be cleared after Enable")
	}
}

func TestGetSecretReturnsPlaintextForDispatch(t *testing.T) {
	r := NewRegistry(0)
	identity, secret, _ := r.Create("runner-1", "", false, "correct-horse-battery")

	got, err := r.GetSecret(identity.ID)
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}
	if got != secret {
		t.Errorf("GetSecret() = %q, want %q", got, secret)
	}
}

func TestDeleteRemovesRunner(t *testing.T) {
	r := NewRegistry(0)
	identity, _, _ := r.Create("runner-1", "", false, "correct-horse-battery")

	if err := r.Delete(identity.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := r.Get(identity.ID); err != ErrRunnerNotFound {
		t.Errorf("Get after delete = %v, want ErrRunnerNotFound", err)
	}
}

func TestStaleRunnerIsNotHealthy(t *testing.T) {
	r := NewRegistry(1) // 1ms window: any runner with LastSeenAt > 0 is immediately stale once time advances
	identity, secret, _ := r.Create("runner-1", "", false, "correct-horse-battery")
	r.Register(identity.ID, types.RegisterRequest{Secret: secret, Version: "1.0.0"})

	got, _ := r.Get(identity.ID)
	if got.IsStale {
		t.Error("expected not stale immediately after registering")
	}

	r.mu.Lock()
	r.runners[identity.ID].LastSeenAt = 0 // force staleness regardless of wall-clock timing
	r.mu.Unlock()

	got, _ = r.Get(identity.ID)
	if !got.IsStale {
		t.Error("expected stale once LastSeenAt falls outside the window")
	}
	if got.IsHealthy {
		t.Error("expected IsHealthy = false when stale")
	}
}
