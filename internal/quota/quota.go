// Package quota enforces per-plan daily limits across several dimensions:
// tokens, requests and per-feature generation counters. Counters reset
// implicitly at the server-local date boundary.
package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oslerlabs/medrouter/internal/metrics"
	"github.com/oslerlabs/medrouter/internal/store"
)

// LimitsFlag is the system flag holding runtime plan-limit overrides as JSON.
const LimitsFlag = "plan_limits"

// Limits holds one plan's daily ceilings. A negative value means unlimited.
type Limits struct {
	DailyTokens         int64 `json:"daily_tokens"`
	DailyRequests       int64 `json:"daily_requests"`
	PDFUploads          int64 `json:"pdf_uploads"`
	MCQsGenerated       int64 `json:"mcqs_generated"`
	ImagesUsed          int64 `json:"images_used"`
	FlashcardsGenerated int64 `json:"flashcards_generated"`
}

// defaultLimits are the compiled-in plan ceilings, overridable at runtime via
// the plan_limits flag.
var defaultLimits = map[store.Plan]Limits{
	store.PlanFree:    {DailyTokens: 50_000, DailyRequests: 50, PDFUploads: 2, MCQsGenerated: 20, ImagesUsed: 5, FlashcardsGenerated: 30},
	store.PlanStudent: {DailyTokens: 250_000, DailyRequests: 300, PDFUploads: 10, MCQsGenerated: 150, ImagesUsed: 30, FlashcardsGenerated: 200},
	store.PlanPro:     {DailyTokens: 1_000_000, DailyRequests: 1500, PDFUploads: 50, MCQsGenerated: 1000, ImagesUsed: 150, FlashcardsGenerated: 1000},
	store.PlanAdmin:   {DailyTokens: -1, DailyRequests: -1, PDFUploads: -1, MCQsGenerated: -1, ImagesUsed: -1, FlashcardsGenerated: -1},
}

// featureCounter maps feature tags to the usage dimension they consume, for
// features that carry a dedicated counter beyond tokens and requests.
var featureCounter = map[string]string{
	"document_upload": "pdf_uploads",
	"mcq":             "mcqs_generated",
	"image":           "images_used",
	"flashcard":       "flashcards_generated",
}

// ExceededError reports which dimension hit its ceiling.
type ExceededError struct {
	Dimension string
	Limit     int64
	Used      int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s (%d of %d used)", e.Dimension, e.Used, e.Limit)
}

// Checker evaluates and records usage against plan limits.
type Checker struct {
	store   store.Store
	metrics *metrics.Registry
	logger  *slog.Logger
}

func NewChecker(s store.Store, m *metrics.Registry, logger *slog.Logger) *Checker {
	return &Checker{store: s, metrics: m, logger: logger}
}

// Today returns the current counter date in the server timezone.
func Today() string {
	return time.Now().Format("2006-01-02")
}

// LimitsFor resolves a plan's limits, preferring the runtime flag override.
func (c *Checker) LimitsFor(ctx context.Context, plan store.Plan) Limits {
	limits, ok := defaultLimits[plan]
	if !ok {
		limits = defaultLimits[store.PlanFree]
	}
	flag, err := c.store.GetFlag(ctx, LimitsFlag)
	if err != nil {
		return limits
	}
	var overrides map[store.Plan]Limits
	if err := json.Unmarshal([]byte(flag.Value), &overrides); err != nil {
		c.logger.Warn("unparsable plan_limits flag, using defaults", slog.String("error", err.Error()))
		return limits
	}
	if o, ok := overrides[plan]; ok {
		return o
	}
	return limits
}

// Check verifies that the user may make one more request for the feature.
// Admin-authority roles bypass entirely. Storage errors fail closed.
func (c *Checker) Check(ctx context.Context, user *store.UserRecord, feature string) error {
	if user.Role.BypassesQuota() {
		return nil
	}
	limits := c.LimitsFor(ctx, user.Plan)
	usage, err := c.store.GetUsage(ctx, user.ID, Today())
	if err != nil {
		return fmt.Errorf("quota: load usage: %w", err)
	}

	type dim struct {
		name  string
		used  int64
		limit int64
	}
	dims := []dim{
		{"requests", usage.RequestsCount, limits.DailyRequests},
		{"tokens", usage.TokensUsed, limits.DailyTokens},
	}
	switch featureCounter[feature] {
	case "pdf_uploads":
		dims = append(dims, dim{"pdf_uploads", usage.PDFUploads, limits.PDFUploads})
	case "mcqs_generated":
		dims = append(dims, dim{"mcqs_generated", usage.MCQsGenerated, limits.MCQsGenerated})
	case "images_used":
		dims = append(dims, dim{"images_used", usage.ImagesUsed, limits.ImagesUsed})
	case "flashcards_generated":
		dims = append(dims, dim{"flashcards_generated", usage.FlashcardsGenerated, limits.FlashcardsGenerated})
	}

	for _, d := range dims {
		if d.limit < 0 {
			continue
		}
		if d.used >= d.limit {
			c.metrics.QuotaRejections.WithLabelValues(string(user.Plan), d.name).Inc()
			return &ExceededError{Dimension: d.name, Limit: d.limit, Used: d.used}
		}
	}
	return nil
}

// Record adds completed usage. Best-effort: a failed increment is logged, the
// response already succeeded and is not rolled back.
func (c *Checker) Record(ctx context.Context, userID, feature string, tokens int64) {
	delta := store.UsageDelta{Tokens: tokens, Requests: 1}
	switch featureCounter[feature] {
	case "pdf_uploads":
		delta.PDFUploads = 1
	case "mcqs_generated":
		delta.MCQsGenerated = 1
	case "images_used":
		delta.ImagesUsed = 1
	case "flashcards_generated":
		delta.FlashcardsGenerated = 1
	}
	if err := c.store.IncrementUsage(ctx, userID, Today(), delta); err != nil {
		c.logger.Error("usage increment failed",
			slog.String("user_id", userID),
			slog.String("feature", feature),
			slog.String("error", err.Error()))
	}
}

// Snapshot reports a user's consumption against limits for the usage surface.
type Snapshot struct {
	Date   string            `json:"date"`
	Plan   store.Plan        `json:"plan"`
	Used   store.UsageRecord `json:"used"`
	Limits Limits            `json:"limits"`
}

// Usage returns the user's current counters and effective limits.
func (c *Checker) Usage(ctx context.Context, user *store.UserRecord) (*Snapshot, error) {
	usage, err := c.store.GetUsage(ctx, user.ID, Today())
	if err != nil {
		return nil, fmt.Errorf("quota: load usage: %w", err)
	}
	return &Snapshot{
		Date:   Today(),
		Plan:   user.Plan,
		Used:   *usage,
		Limits: c.LimitsFor(ctx, user.Plan),
	}, nil
}

// Reset clears a user's counters for today. Admin-only surface.
func (c *Checker) Reset(ctx context.Context, userID string) error {
	return c.store.ResetUsage(ctx, userID, Today())
}
