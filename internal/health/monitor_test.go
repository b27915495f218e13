package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/oslerlabs/medrouter/internal/credential"
	"github.com/oslerlabs/medrouter/internal/maintenance"
	"github.com/oslerlabs/medrouter/internal/metrics"
	"github.com/oslerlabs/medrouter/internal/notify"
	"github.com/oslerlabs/medrouter/internal/secrets"
	"github.com/oslerlabs/medrouter/internal/store"
)

type fakeProber struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (f *fakeProber) Probe(_ context.Context, apiKey string) (time.Duration, error) {
	f.mu.Lock()
	f.calls = append(f.calls, apiKey)
	f.mu.Unlock()
	if f.fail {
		return 0, errors.New("upstream 500")
	}
	return 12 * time.Millisecond, nil
}

func newTestMonitor(t *testing.T, prober Prober) (*Monitor, store.Store, *credential.Manager) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	cipher, _ := secrets.NewCipher("test-encryption-key")
	bus := notify.NewBus()
	reg := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	creds := credential.NewManager(s, cipher, bus, reg, logger)
	maint := maintenance.NewController(s, bus, reg, logger)
	m := NewMonitor(DefaultConfig(), s, creds, maint, prober, logger)
	return m, s, creds
}

func TestSweepRecordsOkChecks(t *testing.T) {
	prober := &fakeProber{}
	m, s, creds := newTestMonitor(t, prober)
	ctx := context.Background()

	rec, err := creds.Add(ctx, "openrouter", "chat", "probe-target-key", 0)
	if err != nil {
		t.Fatal(err)
	}

	m.Sweep(ctx)

	checks, err := s.ListHealthChecks(ctx, rec.ID, 10)
	if err != nil {
		t.Fatalf("ListHealthChecks: %v", err)
	}
	if len(checks) != 1 || checks[0].Status != "ok" {
		t.Fatalf("checks = %+v", checks)
	}
	if checks[0].LatencyMs == nil || *checks[0].LatencyMs != 12 {
		t.Errorf("latency = %v", checks[0].LatencyMs)
	}
	if len(prober.calls) != 1 || prober.calls[0] != "probe-target-key" {
		t.Errorf("prober calls = %v", prober.calls)
	}
}

func TestSweepSkipsInactive(t *testing.T) {
	prober := &fakeProber{}
	m, _, creds := newTestMonitor(t, prober)
	ctx := context.Background()

	rec, _ := creds.Add(ctx, "openrouter", "chat", "disabled-key-value", 0)
	if err := creds.UpdateStatus(ctx, rec.ID, store.StatusDisabled, nil); err != nil {
		t.Fatal(err)
	}

	m.Sweep(ctx)
	if len(prober.calls) != 0 {
		t.Errorf("disabled credential was probed: %v", prober.calls)
	}
}

func TestSweepFailuresDegradeAndTriggerMaintenance(t *testing.T) {
	prober := &fakeProber{fail: true}
	m, s, creds := newTestMonitor(t, prober)
	ctx := context.Background()

	rec, _ := creds.Add(ctx, "openrouter", "chat", "dying-key-value", 0)

	// Three failing sweeps push the only credential to degraded; the
	// post-sweep evaluation then flips maintenance on.
	for i := 0; i < credential.FailureThreshold; i++ {
		m.Sweep(ctx)
	}

	got, _ := s.GetCredential(ctx, rec.ID)
	if got.Status != store.StatusDegraded {
		t.Errorf("status = %q", got.Status)
	}

	flag, err := s.GetFlag(ctx, maintenance.StateFlag)
	if err != nil {
		t.Fatalf("expected maintenance flag, got %v", err)
	}
	if flag.Value == "" {
		t.Error("expected maintenance state persisted")
	}

	checks, _ := s.ListHealthChecks(ctx, rec.ID, 10)
	for _, c := range checks {
		if c.Status != "failed" || c.Error == "" {
			t.Errorf("check = %+v", c)
		}
	}
}

func TestSweepSuccessClearsFailureStreak(t *testing.T) {
	prober := &fakeProber{fail: true}
	m, s, creds := newTestMonitor(t, prober)
	ctx := context.Background()

	rec, _ := creds.Add(ctx, "openrouter", "chat", "flaky-key-value", 0)

	// Two failing sweeps leave the credential active with a streak.
	m.Sweep(ctx)
	m.Sweep(ctx)
	got, _ := s.GetCredential(ctx, rec.ID)
	if got.FailureCount != 2 || got.Status != store.StatusActive {
		t.Fatalf("after failures: count = %d, status = %q", got.FailureCount, got.Status)
	}

	// The key recovers; one clean probe resets the streak to zero.
	prober.fail = false
	m.Sweep(ctx)
	got, _ = s.GetCredential(ctx, rec.ID)
	if got.FailureCount != 0 {
		t.Errorf("failure count = %d, want 0 after successful probe", got.FailureCount)
	}
	if got.Status != store.StatusActive {
		t.Errorf("status = %q", got.Status)
	}
}

func TestStartStop(t *testing.T) {
	prober := &fakeProber{}
	m, _, _ := newTestMonitor(t, prober)
	m.cfg.Interval = time.Hour // only the startup sweep runs

	m.Start()
	m.Stop()
}
