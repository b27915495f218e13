package credential

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/oslerlabs/medrouter/internal/metrics"
	"github.com/oslerlabs/medrouter/internal/notify"
	"github.com/oslerlabs/medrouter/internal/secrets"
	"github.com/oslerlabs/medrouter/internal/store"
)

func newTestManager(t *testing.T) (*Manager, store.Store, *notify.Bus) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	cipher, err := secrets.NewCipher("test-encryption-key")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	bus := notify.NewBus()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(s, cipher, bus, metrics.New(), logger), s, bus
}

func TestAddSealsSecret(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	rec, err := m.Add(ctx, "openrouter", "chat", "sk-or-v1-0123456789abcdef", 5)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if rec.Status != store.StatusActive || rec.Priority != 5 {
		t.Errorf("got %+v", rec)
	}

	stored, err := s.GetCredential(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if stored.Ciphertext == "sk-or-v1-0123456789abcdef" {
		t.Error("plaintext stored unsealed")
	}
}

func TestAddRejectsShortSecret(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.Add(context.Background(), "openrouter", "chat", "short", 0); err == nil {
		t.Error("expected rejection of short secret")
	}
	if _, err := m.Add(context.Background(), "", "chat", "long-enough-secret", 0); err == nil {
		t.Error("expected rejection of empty provider")
	}
}

func TestAllActiveDecryptsInOrder(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Add(ctx, "openrouter", "chat", "low-priority-key", 1); err != nil {
		t.Fatal(err)
	}
	high, err := m.Add(ctx, "openrouter", "chat", "high-priority-key", 9)
	if err != nil {
		t.Fatal(err)
	}

	active, err := m.AllActive(ctx, "openrouter", "chat")
	if err != nil {
		t.Fatalf("AllActive: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("len = %d", len(active))
	}
	if active[0].Record.ID != high.ID || active[0].Key != "high-priority-key" {
		t.Errorf("wrong head: %+v", active[0].Record)
	}
}

func TestAllActiveSkipsUndecryptable(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	good, err := m.Add(ctx, "openrouter", "chat", "usable-key-value", 1)
	if err != nil {
		t.Fatal(err)
	}
	// A row sealed under a different key cannot be opened.
	other, _ := secrets.NewCipher("some-other-key")
	ct, _ := other.Seal("unreachable-secret")
	now := time.Now().UTC()
	if err := s.InsertCredential(ctx, store.CredentialRecord{
		ID: "corrupt", Provider: "openrouter", Feature: "chat",
		Ciphertext: ct, Priority: 9, Status: store.StatusActive,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	active, err := m.AllActive(ctx, "openrouter", "chat")
	if err != nil {
		t.Fatalf("AllActive: %v", err)
	}
	if len(active) != 1 || active[0].Record.ID != good.ID {
		t.Errorf("expected only the decryptable credential, got %+v", active)
	}
}

func TestBestActiveNoCredentials(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.BestActive(context.Background(), "openrouter", "chat"); !errors.Is(err, ErrNoActiveCredential) {
		t.Errorf("expected ErrNoActiveCredential, got %v", err)
	}
}

func TestRecordFailureDegradesAtThreshold(t *testing.T) {
	m, s, bus := newTestManager(t)
	ctx := context.Background()
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)

	rec, err := m.Add(ctx, "openrouter", "chat", "failing-key-value", 0)
	if err != nil {
		t.Fatal(err)
	}

	cause := errors.New("upstream 500")
	for i := 0; i < FailureThreshold; i++ {
		if err := m.RecordFailure(ctx, rec.ID, cause); err != nil {
			t.Fatalf("RecordFailure %d: %v", i, err)
		}
	}

	got, _ := s.GetCredential(ctx, rec.ID)
	if got.Status != store.StatusDegraded || got.FailureCount != FailureThreshold {
		t.Errorf("got %+v", got)
	}

	select {
	case n := <-sub.C:
		if n.Type != notify.TypeAPIKeyFailure || n.CredentialID != rec.ID {
			t.Errorf("notification = %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("expected api_key_failure notification")
	}
}

func TestRecordFailureBelowThresholdStaysActive(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	rec, _ := m.Add(ctx, "openrouter", "chat", "flaky-key-value", 0)
	_ = m.RecordFailure(ctx, rec.ID, nil)
	_ = m.RecordFailure(ctx, rec.ID, nil)

	got, _ := s.GetCredential(ctx, rec.ID)
	if got.Status != store.StatusActive || got.FailureCount != 2 {
		t.Errorf("got %+v", got)
	}
}

func TestRecordSuccessResetsStreak(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	rec, _ := m.Add(ctx, "openrouter", "chat", "recovering-key-value", 0)
	_ = m.RecordFailure(ctx, rec.ID, nil)
	m.RecordSuccess(ctx, rec.ID)

	got, _ := s.GetCredential(ctx, rec.ID)
	if got.FailureCount != 0 {
		t.Errorf("failure count = %d", got.FailureCount)
	}
	if got.LastUsedAt == nil {
		t.Error("expected last_used_at set")
	}
}

func TestReactivateResetsFailures(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	rec, _ := m.Add(ctx, "openrouter", "chat", "degraded-key-value", 0)
	for i := 0; i < FailureThreshold; i++ {
		_ = m.RecordFailure(ctx, rec.ID, nil)
	}
	if err := m.UpdateStatus(ctx, rec.ID, store.StatusActive, nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	got, _ := s.GetCredential(ctx, rec.ID)
	if got.Status != store.StatusActive || got.FailureCount != 0 {
		t.Errorf("got %+v", got)
	}
}

func TestAnyStatusChangeResetsFailures(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	rec, _ := m.Add(ctx, "openrouter", "chat", "retiring-key-value", 0)
	_ = m.RecordFailure(ctx, rec.ID, nil)
	_ = m.RecordFailure(ctx, rec.ID, nil)

	// Disabling is an operator action too; the streak does not survive it.
	if err := m.UpdateStatus(ctx, rec.ID, store.StatusDisabled, nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	got, _ := s.GetCredential(ctx, rec.ID)
	if got.Status != store.StatusDisabled || got.FailureCount != 0 {
		t.Errorf("got %+v", got)
	}
}

func TestResetFailuresKeepsLastUsedUntouched(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	rec, _ := m.Add(ctx, "openrouter", "chat", "probed-key-value", 0)
	_ = m.RecordFailure(ctx, rec.ID, nil)
	m.ResetFailures(ctx, rec.ID)

	got, _ := s.GetCredential(ctx, rec.ID)
	if got.FailureCount != 0 {
		t.Errorf("failure count = %d", got.FailureCount)
	}
	if got.LastUsedAt != nil {
		t.Error("probe reset must not stamp last_used_at")
	}
}
