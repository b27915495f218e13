package quota

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/oslerlabs/medrouter/internal/metrics"
	"github.com/oslerlabs/medrouter/internal/store"
)

func newTestChecker(t *testing.T) (*Checker, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewChecker(s, metrics.New(), logger), s
}

func freeUser() *store.UserRecord {
	return &store.UserRecord{ID: "u1", Plan: store.PlanFree}
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	c, _ := newTestChecker(t)
	if err := c.Check(context.Background(), freeUser(), "chat"); err != nil {
		t.Errorf("Check: %v", err)
	}
}

func TestCheckRejectsAtRequestLimit(t *testing.T) {
	c, s := newTestChecker(t)
	ctx := context.Background()

	limit := defaultLimits[store.PlanFree].DailyRequests
	if err := s.IncrementUsage(ctx, "u1", Today(), store.UsageDelta{Requests: limit}); err != nil {
		t.Fatal(err)
	}

	err := c.Check(ctx, freeUser(), "chat")
	var ex *ExceededError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExceededError, got %v", err)
	}
	if ex.Dimension != "requests" {
		t.Errorf("dimension = %q", ex.Dimension)
	}
}

func TestCheckRejectsAtTokenLimit(t *testing.T) {
	c, s := newTestChecker(t)
	ctx := context.Background()

	limit := defaultLimits[store.PlanFree].DailyTokens
	if err := s.IncrementUsage(ctx, "u1", Today(), store.UsageDelta{Tokens: limit}); err != nil {
		t.Fatal(err)
	}

	err := c.Check(ctx, freeUser(), "chat")
	var ex *ExceededError
	if !errors.As(err, &ex) || ex.Dimension != "tokens" {
		t.Errorf("got %v", err)
	}
}

func TestCheckFeatureDimension(t *testing.T) {
	c, s := newTestChecker(t)
	ctx := context.Background()

	limit := defaultLimits[store.PlanFree].PDFUploads
	if err := s.IncrementUsage(ctx, "u1", Today(), store.UsageDelta{PDFUploads: limit}); err != nil {
		t.Fatal(err)
	}

	// Uploads are exhausted but chat still works.
	if err := c.Check(ctx, freeUser(), "chat"); err != nil {
		t.Errorf("chat should pass: %v", err)
	}
	err := c.Check(ctx, freeUser(), "document_upload")
	var ex *ExceededError
	if !errors.As(err, &ex) || ex.Dimension != "pdf_uploads" {
		t.Errorf("got %v", err)
	}
}

func TestCheckAdminRoleBypasses(t *testing.T) {
	c, s := newTestChecker(t)
	ctx := context.Background()

	// Saturate everything.
	if err := s.IncrementUsage(ctx, "u1", Today(), store.UsageDelta{Tokens: 1 << 40, Requests: 1 << 40}); err != nil {
		t.Fatal(err)
	}
	user := &store.UserRecord{ID: "u1", Plan: store.PlanFree, Role: store.RoleOps}
	if err := c.Check(ctx, user, "chat"); err != nil {
		t.Errorf("ops role should bypass quota: %v", err)
	}
	viewer := &store.UserRecord{ID: "u1", Plan: store.PlanFree, Role: store.RoleViewer}
	if err := c.Check(ctx, viewer, "chat"); err == nil {
		t.Error("viewer role should not bypass quota")
	}
}

func TestFlagOverridesLimits(t *testing.T) {
	c, s := newTestChecker(t)
	ctx := context.Background()

	overrides := map[store.Plan]Limits{
		store.PlanFree: {DailyTokens: 10, DailyRequests: 1, PDFUploads: 0, MCQsGenerated: 0, ImagesUsed: 0, FlashcardsGenerated: 0},
	}
	raw, _ := json.Marshal(overrides)
	if err := s.SetFlag(ctx, LimitsFlag, string(raw), "admin-1"); err != nil {
		t.Fatal(err)
	}

	if err := s.IncrementUsage(ctx, "u1", Today(), store.UsageDelta{Requests: 1}); err != nil {
		t.Fatal(err)
	}
	if err := c.Check(ctx, freeUser(), "chat"); err == nil {
		t.Error("expected overridden limit of 1 request to reject")
	}
}

func TestUnparsableFlagFallsBackToDefaults(t *testing.T) {
	c, s := newTestChecker(t)
	ctx := context.Background()

	if err := s.SetFlag(ctx, LimitsFlag, "{not json", "admin-1"); err != nil {
		t.Fatal(err)
	}
	got := c.LimitsFor(ctx, store.PlanFree)
	if got != defaultLimits[store.PlanFree] {
		t.Errorf("got %+v", got)
	}
}

func TestRecordIncrementsFeatureCounter(t *testing.T) {
	c, s := newTestChecker(t)
	ctx := context.Background()

	c.Record(ctx, "u1", "mcq", 300)
	c.Record(ctx, "u1", "chat", 100)

	usage, _ := s.GetUsage(ctx, "u1", Today())
	if usage.TokensUsed != 400 || usage.RequestsCount != 2 || usage.MCQsGenerated != 1 {
		t.Errorf("got %+v", usage)
	}
}

func TestUsageSnapshot(t *testing.T) {
	c, _ := newTestChecker(t)
	ctx := context.Background()

	c.Record(ctx, "u1", "flashcard", 50)
	snap, err := c.Usage(ctx, freeUser())
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if snap.Used.FlashcardsGenerated != 1 || snap.Limits.DailyRequests != defaultLimits[store.PlanFree].DailyRequests {
		t.Errorf("got %+v", snap)
	}
}

func TestReset(t *testing.T) {
	c, s := newTestChecker(t)
	ctx := context.Background()

	c.Record(ctx, "u1", "chat", 100)
	if err := c.Reset(ctx, "u1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	usage, _ := s.GetUsage(ctx, "u1", Today())
	if usage.TokensUsed != 0 {
		t.Errorf("got %+v", usage)
	}
}

func TestUnknownPlanUsesFreeLimits(t *testing.T) {
	c, _ := newTestChecker(t)
	got := c.LimitsFor(context.Background(), store.Plan("legacy"))
	if got != defaultLimits[store.PlanFree] {
		t.Errorf("got %+v", got)
	}
}
