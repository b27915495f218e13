// Package features provides runtime on/off gates per product feature, backed
// by system flags so toggles survive restarts and apply without redeploys.
package features

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/oslerlabs/medrouter/internal/store"
)

// Known feature tags.
const (
	FeatureChat           = "chat"
	FeatureMCQ            = "mcq"
	FeatureFlashcard      = "flashcard"
	FeatureImage          = "image"
	FeatureDocumentUpload = "document_upload"
	FeatureClinicalCase   = "clinical_case"
	FeatureOSCE           = "osce"
)

// All lists every known feature tag.
var All = []string{
	FeatureChat,
	FeatureMCQ,
	FeatureFlashcard,
	FeatureImage,
	FeatureDocumentUpload,
	FeatureClinicalCase,
	FeatureOSCE,
}

// ErrUnknownFeature is returned when toggling a tag that is not registered.
var ErrUnknownFeature = errors.New("features: unknown feature")

func known(feature string) bool {
	for _, f := range All {
		if f == feature {
			return true
		}
	}
	return false
}

// FlagName returns the system flag holding a feature's state.
func FlagName(feature string) string {
	return "feature_" + feature + "_enabled"
}

// Gate answers whether a feature is currently enabled.
type Gate struct {
	store  store.Store
	logger *slog.Logger
}

func NewGate(s store.Store, logger *slog.Logger) *Gate {
	return &Gate{store: s, logger: logger}
}

// Enabled reports a feature's state. A missing or unparsable flag means
// enabled: the gate fails open so a flag mishap never takes a feature down.
func (g *Gate) Enabled(ctx context.Context, feature string) bool {
	flag, err := g.store.GetFlag(ctx, FlagName(feature))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.logger.Warn("feature flag read failed, treating as enabled",
				slog.String("feature", feature),
				slog.String("error", err.Error()))
		}
		return true
	}
	enabled, err := strconv.ParseBool(flag.Value)
	if err != nil {
		g.logger.Warn("unparsable feature flag, treating as enabled",
			slog.String("feature", feature),
			slog.String("value", flag.Value))
		return true
	}
	return enabled
}

// SetEnabled toggles a feature and writes an audit entry.
func (g *Gate) SetEnabled(ctx context.Context, feature string, enabled bool, adminID string) error {
	if !known(feature) {
		return fmt.Errorf("%w: %q", ErrUnknownFeature, feature)
	}
	prev := g.Enabled(ctx, feature)
	if err := g.store.SetFlag(ctx, FlagName(feature), strconv.FormatBool(enabled), adminID); err != nil {
		return fmt.Errorf("features: set flag: %w", err)
	}
	detail, _ := json.Marshal(map[string]bool{"before": prev, "after": enabled})
	if err := g.store.LogAudit(ctx, store.AuditRecord{
		AdminID:    adminID,
		ActionType: "feature_toggled",
		TargetType: "feature",
		TargetID:   feature,
		Detail:     string(detail),
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		g.logger.Error("audit write failed", slog.String("error", err.Error()))
	}
	return nil
}

// States returns the current state of every known feature.
func (g *Gate) States(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(All))
	for _, f := range All {
		out[f] = g.Enabled(ctx, f)
	}
	return out
}
