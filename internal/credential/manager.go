// Package credential manages the shared fleet of provider API keys: sealed
// storage, priority-ordered selection, failure accounting and lifecycle
// transitions.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/oslerlabs/medrouter/internal/metrics"
	"github.com/oslerlabs/medrouter/internal/notify"
	"github.com/oslerlabs/medrouter/internal/secrets"
	"github.com/oslerlabs/medrouter/internal/store"
)

// FailureThreshold is the consecutive-failure count at which a credential is
// demoted to degraded.
const FailureThreshold = 3

// ErrNoActiveCredential is returned when no usable credential exists for the
// requested provider/feature pair.
var ErrNoActiveCredential = errors.New("credential: no active credential available")

// Active pairs a credential record with its decrypted key. The plaintext
// never leaves the request that resolved it.
type Active struct {
	Record store.CredentialRecord
	Key    string
}

// Manager owns credential lifecycle and selection.
type Manager struct {
	store   store.Store
	cipher  *secrets.Cipher
	bus     *notify.Bus
	metrics *metrics.Registry
	logger  *slog.Logger
}

func NewManager(s store.Store, c *secrets.Cipher, bus *notify.Bus, m *metrics.Registry, logger *slog.Logger) *Manager {
	return &Manager{store: s, cipher: c, bus: bus, metrics: m, logger: logger}
}

// Add validates, seals and stores a new credential. The plaintext is never
// persisted or returned.
func (m *Manager) Add(ctx context.Context, provider, feature, plaintext string, priority int) (*store.CredentialRecord, error) {
	if provider == "" || feature == "" {
		return nil, errors.New("credential: provider and feature are required")
	}
	if err := secrets.ValidateSecret(plaintext); err != nil {
		return nil, err
	}
	ciphertext, err := m.cipher.Seal(plaintext)
	if err != nil {
		return nil, fmt.Errorf("credential: seal: %w", err)
	}
	now := time.Now().UTC()
	rec := store.CredentialRecord{
		ID:         uuid.NewString(),
		Provider:   provider,
		Feature:    feature,
		Ciphertext: ciphertext,
		Priority:   priority,
		Status:     store.StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.InsertCredential(ctx, rec); err != nil {
		return nil, fmt.Errorf("credential: insert: %w", err)
	}
	return &rec, nil
}

// List returns all credentials. Ciphertexts are excluded from JSON encoding
// at the record level.
func (m *Manager) List(ctx context.Context) ([]store.CredentialRecord, error) {
	return m.store.ListCredentials(ctx)
}

// UpdateStatus transitions a credential by operator action. Every operator
// status change resets the failure streak so the key starts its new life
// clean.
func (m *Manager) UpdateStatus(ctx context.Context, id string, status store.CredentialStatus, priority *int) error {
	if !store.ValidCredentialStatus(status) {
		return fmt.Errorf("credential: invalid status %q", status)
	}
	return m.store.UpdateCredentialStatus(ctx, id, status, priority, true)
}

// Delete removes a credential permanently.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.DeleteCredential(ctx, id)
}

// AllActive returns every usable credential for the provider/feature pair in
// selection order, keys decrypted. Undecryptable rows are skipped and logged,
// never fatal: one corrupt row must not take the feature down.
func (m *Manager) AllActive(ctx context.Context, provider, feature string) ([]Active, error) {
	recs, err := m.store.ActiveCredentials(ctx, provider, feature)
	if err != nil {
		return nil, fmt.Errorf("credential: load active: %w", err)
	}
	var out []Active
	for _, rec := range recs {
		key, err := m.cipher.Open(rec.Ciphertext)
		if err != nil {
			m.logger.Error("credential undecryptable, skipping",
				slog.String("credential_id", rec.ID),
				slog.String("provider", rec.Provider))
			continue
		}
		out = append(out, Active{Record: rec, Key: key})
	}
	if len(out) == 0 {
		return nil, ErrNoActiveCredential
	}
	return out, nil
}

// Open loads one credential by id and decrypts its key, regardless of
// status. Used by validation probes that must reach disabled keys too.
func (m *Manager) Open(ctx context.Context, id string) (*Active, error) {
	rec, err := m.store.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	key, err := m.cipher.Open(rec.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("credential: open %s: %w", id, err)
	}
	return &Active{Record: *rec, Key: key}, nil
}

// BestActive returns the highest-priority usable credential.
func (m *Manager) BestActive(ctx context.Context, provider, feature string) (*Active, error) {
	all, err := m.AllActive(ctx, provider, feature)
	if err != nil {
		return nil, err
	}
	return &all[0], nil
}

// RecordFailure increments a credential's failure streak. At the threshold
// the credential is demoted to degraded and a notification is published.
func (m *Manager) RecordFailure(ctx context.Context, id string, cause error) error {
	rec, err := m.store.GetCredential(ctx, id)
	if err != nil {
		return fmt.Errorf("credential: load for failure: %w", err)
	}
	count := rec.FailureCount + 1
	status := rec.Status
	if count >= FailureThreshold && status == store.StatusActive {
		status = store.StatusDegraded
	}
	if err := m.store.SetCredentialFailure(ctx, id, count, status); err != nil {
		return fmt.Errorf("credential: record failure: %w", err)
	}
	m.metrics.CredentialFailures.WithLabelValues(rec.Provider).Inc()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if status == store.StatusDegraded && rec.Status == store.StatusActive {
		m.logger.Warn("credential degraded",
			slog.String("credential_id", id),
			slog.String("provider", rec.Provider),
			slog.Int("failure_count", count))
		m.bus.Publish(notify.Notification{
			Type:         notify.TypeAPIKeyFailure,
			CredentialID: id,
			Provider:     rec.Provider,
			Feature:      rec.Feature,
			FailureCount: count,
			Message:      msg,
		})
	}
	return nil
}

// ResetFailures clears the failure streak without stamping last_used_at.
// Used by health probes, which verify a key without spending it.
func (m *Manager) ResetFailures(ctx context.Context, id string) {
	rec, err := m.store.GetCredential(ctx, id)
	if err != nil || rec.FailureCount == 0 {
		return
	}
	if err := m.store.SetCredentialFailure(ctx, id, 0, rec.Status); err != nil {
		m.logger.Warn("reset failure streak failed", slog.String("credential_id", id), slog.String("error", err.Error()))
	}
}

// RecordSuccess clears the failure streak and stamps last_used_at.
func (m *Manager) RecordSuccess(ctx context.Context, id string) {
	rec, err := m.store.GetCredential(ctx, id)
	if err == nil && rec.FailureCount > 0 && rec.Status == store.StatusActive {
		if err := m.store.SetCredentialFailure(ctx, id, 0, rec.Status); err != nil {
			m.logger.Warn("reset failure streak failed", slog.String("credential_id", id), slog.String("error", err.Error()))
		}
	}
	if err := m.store.TouchCredentialLastUsed(ctx, id); err != nil {
		m.logger.Warn("touch last_used failed", slog.String("credential_id", id), slog.String("error", err.Error()))
	}
}
