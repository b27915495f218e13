// Package maintenance controls maintenance mode: manual enter/exit by
// admins and automatic triggering when the credential fleet can no longer
// serve a feature. Soft maintenance rejects heavy features only; hard
// maintenance closes everything but the admin surface and health checks.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oslerlabs/medrouter/internal/features"
	"github.com/oslerlabs/medrouter/internal/metrics"
	"github.com/oslerlabs/medrouter/internal/notify"
	"github.com/oslerlabs/medrouter/internal/store"
)

// StateFlag is the system flag holding the maintenance state as JSON.
const StateFlag = "maintenance_mode"

// HeavyFlag is the system flag holding extra operator-marked heavy features
// as a JSON array of feature names.
const HeavyFlag = "maintenance_heavy_features"

// Maintenance levels. Soft rejects heavy features, hard rejects everything
// outside the admin surface.
const (
	LevelSoft = "soft"
	LevelHard = "hard"
)

// ErrInvalidLevel rejects unknown maintenance levels at the write boundary.
var ErrInvalidLevel = errors.New("maintenance: level must be soft or hard")

// ValidLevel reports whether lvl is a known maintenance level.
func ValidLevel(lvl string) bool {
	return lvl == LevelSoft || lvl == LevelHard
}

// State is the persisted maintenance record.
type State struct {
	Active      bool      `json:"is_active"`
	Level       string    `json:"level,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Feature     string    `json:"feature,omitempty"`      // set on automatic triggers
	TriggeredBy string    `json:"triggered_by,omitempty"` // admin ID, or "system" for auto triggers
	TriggeredAt time.Time `json:"triggered_at,omitempty"`
}

// Controller owns maintenance state transitions.
type Controller struct {
	store   store.Store
	bus     *notify.Bus
	metrics *metrics.Registry
	logger  *slog.Logger
}

func NewController(s store.Store, bus *notify.Bus, m *metrics.Registry, logger *slog.Logger) *Controller {
	return &Controller{store: s, bus: bus, metrics: m, logger: logger}
}

// Current returns the maintenance state. A missing or unparsable flag means
// not in maintenance, as does a record carrying an unknown level.
func (c *Controller) Current(ctx context.Context) State {
	flag, err := c.store.GetFlag(ctx, StateFlag)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("maintenance flag read failed", slog.String("error", err.Error()))
		}
		return State{}
	}
	var st State
	if err := json.Unmarshal([]byte(flag.Value), &st); err != nil {
		c.logger.Warn("unparsable maintenance flag", slog.String("value", flag.Value))
		return State{}
	}
	if st.Active && !ValidLevel(st.Level) {
		c.logger.Warn("maintenance flag has unknown level", slog.String("level", st.Level))
		return State{}
	}
	return st
}

// Active reports whether maintenance mode is on.
func (c *Controller) Active(ctx context.Context) bool {
	return c.Current(ctx).Active
}

// Heavy reports whether the feature is rejected under soft maintenance.
// Document upload and image analysis are always heavy; operators may mark
// more via the heavy-features flag.
func (c *Controller) Heavy(ctx context.Context, feature string) bool {
	if feature == features.FeatureDocumentUpload || feature == features.FeatureImage {
		return true
	}
	flag, err := c.store.GetFlag(ctx, HeavyFlag)
	if err != nil {
		return false
	}
	var extra []string
	if err := json.Unmarshal([]byte(flag.Value), &extra); err != nil {
		c.logger.Warn("unparsable heavy-features flag", slog.String("value", flag.Value))
		return false
	}
	for _, f := range extra {
		if f == feature {
			return true
		}
	}
	return false
}

func (c *Controller) save(ctx context.Context, st State, by string) error {
	raw, _ := json.Marshal(st)
	if err := c.store.SetFlag(ctx, StateFlag, string(raw), by); err != nil {
		return fmt.Errorf("maintenance: set flag: %w", err)
	}
	if st.Active {
		c.metrics.MaintenanceMode.Set(1)
	} else {
		c.metrics.MaintenanceMode.Set(0)
	}
	return nil
}

// Enter puts the system into maintenance by admin action.
func (c *Controller) Enter(ctx context.Context, adminID, level, reason string) error {
	if !ValidLevel(level) {
		return ErrInvalidLevel
	}
	st := State{
		Active:      true,
		Level:       level,
		Reason:      reason,
		TriggeredBy: adminID,
		TriggeredAt: time.Now().UTC(),
	}
	if err := c.save(ctx, st, adminID); err != nil {
		return err
	}
	c.audit(ctx, adminID, "maintenance_entered", map[string]string{"level": level, "reason": reason})
	c.logger.Warn("maintenance mode entered",
		slog.String("admin_id", adminID),
		slog.String("level", level),
		slog.String("reason", reason))
	return nil
}

// Exit leaves maintenance by admin action and publishes one admin_override
// naming the state that was cleared. Exiting while not in maintenance is a
// no-op, not an error.
func (c *Controller) Exit(ctx context.Context, adminID string) error {
	prev := c.Current(ctx)
	if !prev.Active {
		return nil
	}
	if err := c.save(ctx, State{}, adminID); err != nil {
		return err
	}
	c.audit(ctx, adminID, "maintenance_exited", map[string]string{
		"previous_level":  prev.Level,
		"previous_reason": prev.Reason,
	})
	c.bus.Publish(notify.Notification{
		Type:    notify.TypeAdminOverride,
		AdminID: adminID,
		Action:  "maintenance_exited",
		Level:   prev.Level,
		Reason:  prev.Reason,
		Feature: prev.Feature,
	})
	c.logger.Info("maintenance mode exited",
		slog.String("admin_id", adminID),
		slog.String("previous_level", prev.Level))
	return nil
}

// TriggerAuto enters maintenance on behalf of the system, typically after
// routing exhausted every credential. Idempotent while already active.
func (c *Controller) TriggerAuto(ctx context.Context, level, feature, reason string) error {
	if !ValidLevel(level) {
		return ErrInvalidLevel
	}
	if c.Active(ctx) {
		return nil
	}
	st := State{
		Active:      true,
		Level:       level,
		Reason:      reason,
		Feature:     feature,
		TriggeredBy: "system",
		TriggeredAt: time.Now().UTC(),
	}
	if err := c.save(ctx, st, "system"); err != nil {
		return err
	}
	c.audit(ctx, "system", "maintenance_triggered", map[string]string{
		"level": level, "feature": feature, "reason": reason,
	})
	c.bus.Publish(notify.Notification{
		Type:    notify.TypeMaintenanceTriggered,
		Level:   level,
		Feature: feature,
		Reason:  reason,
	})
	c.logger.Error("maintenance mode auto-triggered",
		slog.String("level", level),
		slog.String("feature", feature),
		slog.String("reason", reason))
	return nil
}

// Evaluate inspects one feature's credentials after a routing exhaustion and
// decides whether to enter maintenance:
//   - no credentials configured: soft, nothing was ever provisioned;
//   - every credential disabled: hard, the fleet is fully dead;
//   - degraded credentials remain but none active: soft;
//   - any active credential: no maintenance.
func (c *Controller) Evaluate(ctx context.Context, feature string) error {
	if c.Active(ctx) {
		return nil
	}
	creds, err := c.store.CredentialsByFeature(ctx, feature)
	if err != nil {
		return fmt.Errorf("maintenance: evaluate %s: %w", feature, err)
	}
	if len(creds) == 0 {
		return c.TriggerAuto(ctx, LevelSoft, feature,
			fmt.Sprintf("no keys configured for feature %s", feature))
	}
	var active, degraded int
	for _, cred := range creds {
		switch cred.Status {
		case store.StatusActive:
			active++
		case store.StatusDegraded:
			degraded++
		}
	}
	switch {
	case active > 0:
		return nil
	case degraded > 0:
		return c.TriggerAuto(ctx, LevelSoft, feature,
			fmt.Sprintf("no active credentials remain for feature %s", feature))
	default:
		return c.TriggerAuto(ctx, LevelHard, feature,
			fmt.Sprintf("total key failure for feature %s", feature))
	}
}

// EvaluateFleet runs Evaluate across every provisioned feature. Used by the
// health sweep; features with no credentials at all are skipped there, since
// an unrequested feature surfaces through Evaluate on its first exhaustion.
func (c *Controller) EvaluateFleet(ctx context.Context) error {
	if c.Active(ctx) {
		return nil
	}
	for _, feature := range features.All {
		creds, err := c.store.CredentialsByFeature(ctx, feature)
		if err != nil {
			return fmt.Errorf("maintenance: evaluate %s: %w", feature, err)
		}
		if len(creds) == 0 {
			continue
		}
		if err := c.Evaluate(ctx, feature); err != nil {
			return err
		}
		if c.Active(ctx) {
			return nil
		}
	}
	return nil
}

func (c *Controller) audit(ctx context.Context, adminID, action string, fields map[string]string) {
	detail := ""
	if len(fields) > 0 {
		raw, _ := json.Marshal(fields)
		detail = string(raw)
	}
	if err := c.store.LogAudit(ctx, store.AuditRecord{
		AdminID:    adminID,
		ActionType: action,
		TargetType: "system",
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		c.logger.Error("audit write failed", slog.String("error", err.Error()))
	}
}
