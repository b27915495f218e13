package maintenance

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/oslerlabs/medrouter/internal/metrics"
	"github.com/oslerlabs/medrouter/internal/notify"
	"github.com/oslerlabs/medrouter/internal/store"
)

func newTestController(t *testing.T) (*Controller, store.Store, *notify.Bus) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	bus := notify.NewBus()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewController(s, bus, metrics.New(), logger), s, bus
}

func cred(id, feature string, status store.CredentialStatus) store.CredentialRecord {
	now := time.Now().UTC()
	return store.CredentialRecord{
		ID: id, Provider: "openrouter", Feature: feature, Ciphertext: "sealed",
		Status: status, CreatedAt: now, UpdatedAt: now,
	}
}

func TestInactiveByDefault(t *testing.T) {
	c, _, _ := newTestController(t)
	if c.Active(context.Background()) {
		t.Error("fresh system should not be in maintenance")
	}
}

func TestEnterRejectsUnknownLevel(t *testing.T) {
	c, _, _ := newTestController(t)
	if err := c.Enter(context.Background(), "admin-1", "medium", "nope"); err != ErrInvalidLevel {
		t.Errorf("Enter = %v, want ErrInvalidLevel", err)
	}
}

func TestEnterAndExit(t *testing.T) {
	c, s, bus := newTestController(t)
	ctx := context.Background()
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)

	if err := c.Enter(ctx, "admin-1", LevelHard, "provider incident"); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	st := c.Current(ctx)
	if !st.Active || st.Level != LevelHard || st.Reason != "provider incident" || st.TriggeredBy != "admin-1" {
		t.Errorf("state = %+v", st)
	}

	if err := c.Exit(ctx, "admin-1"); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if c.Active(ctx) {
		t.Error("expected maintenance off after Exit")
	}

	// The round trip fires exactly one admin_override, from the exit, and it
	// names the cleared state.
	var overrides []notify.Notification
	for done := false; !done; {
		select {
		case n := <-sub.C:
			if n.Type == notify.TypeAdminOverride {
				overrides = append(overrides, n)
			}
		default:
			done = true
		}
	}
	if len(overrides) != 1 {
		t.Fatalf("admin_override count = %d", len(overrides))
	}
	if overrides[0].Action != "maintenance_exited" || overrides[0].Level != LevelHard || overrides[0].Reason != "provider incident" {
		t.Errorf("override = %+v", overrides[0])
	}

	audits, _ := s.ListAudit(ctx, store.AuditFilter{TargetType: "system"})
	if len(audits) != 2 {
		t.Errorf("audits = %+v", audits)
	}
}

func TestExitWhileInactiveIsNoOp(t *testing.T) {
	c, s, bus := newTestController(t)
	ctx := context.Background()
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)

	if err := c.Exit(ctx, "admin-1"); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	select {
	case n := <-sub.C:
		t.Errorf("unexpected notification: %+v", n)
	default:
	}
	audits, _ := s.ListAudit(ctx, store.AuditFilter{TargetType: "system"})
	if len(audits) != 0 {
		t.Errorf("audits = %+v", audits)
	}
	if _, err := s.GetFlag(ctx, StateFlag); err == nil {
		t.Error("no-op exit must not write the state flag")
	}
}

func TestTriggerAutoIdempotent(t *testing.T) {
	c, _, bus := newTestController(t)
	ctx := context.Background()
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)

	if err := c.TriggerAuto(ctx, LevelSoft, "chat", "all chat credentials degraded"); err != nil {
		t.Fatalf("TriggerAuto: %v", err)
	}
	st := c.Current(ctx)
	if !st.Active || st.Level != LevelSoft || st.Feature != "chat" || st.TriggeredBy != "system" {
		t.Errorf("state = %+v", st)
	}
	n := <-sub.C
	if n.Type != notify.TypeMaintenanceTriggered || n.Level != LevelSoft {
		t.Errorf("notification = %+v", n)
	}

	// A second trigger while active publishes nothing.
	if err := c.TriggerAuto(ctx, LevelSoft, "chat", "again"); err != nil {
		t.Fatalf("TriggerAuto second: %v", err)
	}
	select {
	case n := <-sub.C:
		t.Errorf("unexpected second notification: %+v", n)
	default:
	}
}

func TestEvaluateNoKeysConfigured(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	if err := c.Evaluate(ctx, "chat"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	st := c.Current(ctx)
	if !st.Active || st.Level != LevelSoft || st.Feature != "chat" {
		t.Errorf("state = %+v", st)
	}
}

func TestEvaluateTotalFailureIsHard(t *testing.T) {
	c, s, bus := newTestController(t)
	ctx := context.Background()
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)

	if err := s.InsertCredential(ctx, cred("c1", "chat", store.StatusDisabled)); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertCredential(ctx, cred("c2", "chat", store.StatusDisabled)); err != nil {
		t.Fatal(err)
	}

	if err := c.Evaluate(ctx, "chat"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	st := c.Current(ctx)
	if !st.Active || st.Level != LevelHard {
		t.Errorf("state = %+v", st)
	}
	n := <-sub.C
	if n.Type != notify.TypeMaintenanceTriggered || n.Level != LevelHard {
		t.Errorf("notification = %+v", n)
	}
}

func TestEvaluateDegradedRemainingIsSoft(t *testing.T) {
	c, s, _ := newTestController(t)
	ctx := context.Background()

	if err := s.InsertCredential(ctx, cred("c1", "chat", store.StatusDegraded)); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertCredential(ctx, cred("c2", "chat", store.StatusDisabled)); err != nil {
		t.Fatal(err)
	}

	if err := c.Evaluate(ctx, "chat"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	st := c.Current(ctx)
	if !st.Active || st.Level != LevelSoft {
		t.Errorf("state = %+v", st)
	}
}

func TestEvaluateHealthyFleetDoesNothing(t *testing.T) {
	c, s, _ := newTestController(t)
	ctx := context.Background()

	if err := s.InsertCredential(ctx, cred("c1", "chat", store.StatusActive)); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertCredential(ctx, cred("c2", "chat", store.StatusDegraded)); err != nil {
		t.Fatal(err)
	}

	if err := c.Evaluate(ctx, "chat"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if c.Active(ctx) {
		t.Error("healthy fleet must not trigger maintenance")
	}
}

func TestEvaluateFleetIgnoresUnprovisionedFeatures(t *testing.T) {
	c, s, _ := newTestController(t)
	ctx := context.Background()

	// Only chat is provisioned, and it is healthy.
	if err := s.InsertCredential(ctx, cred("c1", "chat", store.StatusActive)); err != nil {
		t.Fatal(err)
	}

	if err := c.EvaluateFleet(ctx); err != nil {
		t.Fatalf("EvaluateFleet: %v", err)
	}
	if c.Active(ctx) {
		t.Error("healthy fleet must not trigger maintenance")
	}
}

func TestHeavyFeatures(t *testing.T) {
	c, s, _ := newTestController(t)
	ctx := context.Background()

	if !c.Heavy(ctx, "document_upload") || !c.Heavy(ctx, "image") {
		t.Error("document_upload and image are always heavy")
	}
	if c.Heavy(ctx, "chat") {
		t.Error("chat must not be heavy by default")
	}

	if err := s.SetFlag(ctx, HeavyFlag, `["osce"]`, "admin-1"); err != nil {
		t.Fatal(err)
	}
	if !c.Heavy(ctx, "osce") {
		t.Error("operator-marked feature should be heavy")
	}
	if c.Heavy(ctx, "chat") {
		t.Error("unlisted feature stays light")
	}
}

func TestUnparsableStateFlagMeansInactive(t *testing.T) {
	c, s, _ := newTestController(t)
	ctx := context.Background()

	if err := s.SetFlag(ctx, StateFlag, "{broken", "x"); err != nil {
		t.Fatal(err)
	}
	if c.Active(ctx) {
		t.Error("unparsable state should read as inactive")
	}

	if err := s.SetFlag(ctx, StateFlag, `{"is_active":true,"level":"medium"}`, "x"); err != nil {
		t.Fatal(err)
	}
	if c.Active(ctx) {
		t.Error("unknown level should read as inactive")
	}
}
