// Package health runs the background credential prober. Each cycle it probes
// every active credential with a minimal completion, records the result, and
// feeds failures into the credential failure accounting so a silently dead
// key is caught before a student hits it.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oslerlabs/medrouter/internal/credential"
	"github.com/oslerlabs/medrouter/internal/maintenance"
	"github.com/oslerlabs/medrouter/internal/store"
)

// Prober issues one verification call with the given key.
type Prober interface {
	Probe(ctx context.Context, apiKey string) (time.Duration, error)
}

// Config configures the monitor.
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// DefaultConfig returns the production cadence: one sweep every 5 minutes.
func DefaultConfig() Config {
	return Config{
		Interval:     5 * time.Minute,
		ProbeTimeout: 30 * time.Second,
	}
}

// Monitor owns the probe loop. One instance per process.
type Monitor struct {
	cfg    Config
	store  store.Store
	creds  *credential.Manager
	maint  *maintenance.Controller
	prober Prober
	logger *slog.Logger
	stop   chan struct{}
	done   chan struct{}
}

func NewMonitor(cfg Config, s store.Store, creds *credential.Manager, maint *maintenance.Controller, prober Prober, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:    cfg,
		store:  s,
		creds:  creds,
		maint:  maint,
		prober: prober,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins the periodic probe loop in a goroutine.
func (m *Monitor) Start() {
	go m.run()
}

// Stop signals the monitor to stop and waits for it to finish.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) run() {
	defer close(m.done)

	// Probe immediately on start.
	m.Sweep(context.Background())

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep(context.Background())
		case <-m.stop:
			return
		}
	}
}

// Sweep probes every decryptable active credential once. Exported so admin
// surfaces can force a sweep on demand.
func (m *Monitor) Sweep(ctx context.Context) {
	recs, err := m.store.ListCredentials(ctx)
	if err != nil {
		m.logger.Error("health sweep: list credentials", slog.String("error", err.Error()))
		return
	}

	var wg sync.WaitGroup
	for _, rec := range recs {
		if rec.Status != store.StatusActive {
			continue
		}
		wg.Add(1)
		go func(rec store.CredentialRecord) {
			defer wg.Done()
			m.probe(ctx, rec)
		}(rec)
	}
	wg.Wait()

	if err := m.maint.EvaluateFleet(ctx); err != nil {
		m.logger.Error("health sweep: maintenance evaluation", slog.String("error", err.Error()))
	}
}

// Test probes one credential on demand, whatever its status. Validation
// only: nothing is persisted and the failure streak is untouched.
func (m *Monitor) Test(ctx context.Context, id string) (store.HealthCheckRecord, error) {
	active, err := m.creds.Open(ctx, id)
	if err != nil {
		return store.HealthCheckRecord{}, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	latency, perr := m.prober.Probe(probeCtx, active.Key)
	check := store.HealthCheckRecord{
		CredentialID: id,
		Timestamp:    time.Now().UTC(),
		Status:       "ok",
	}
	if perr != nil {
		check.Status = "failed"
		check.Error = perr.Error()
	} else {
		latencyMs := latency.Milliseconds()
		check.LatencyMs = &latencyMs
	}
	return check, nil
}

func (m *Monitor) probe(ctx context.Context, rec store.CredentialRecord) {
	active, err := m.creds.AllActive(ctx, rec.Provider, rec.Feature)
	if err != nil {
		return
	}
	var key string
	for _, a := range active {
		if a.Record.ID == rec.ID {
			key = a.Key
			break
		}
	}
	if key == "" {
		// Undecryptable or demoted since listing.
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	latency, err := m.prober.Probe(probeCtx, key)
	latencyMs := latency.Milliseconds()
	check := store.HealthCheckRecord{
		CredentialID: rec.ID,
		Timestamp:    time.Now().UTC(),
		Status:       "ok",
		LatencyMs:    &latencyMs,
	}
	if err != nil {
		check.Status = "failed"
		check.Error = err.Error()
		check.LatencyMs = nil
		m.logger.Warn("health probe failed",
			slog.String("credential_id", rec.ID),
			slog.String("provider", rec.Provider),
			slog.String("error", err.Error()))
		if rerr := m.creds.RecordFailure(ctx, rec.ID, err); rerr != nil {
			m.logger.Error("record probe failure", slog.String("error", rerr.Error()))
		}
	} else {
		m.creds.ResetFailures(ctx, rec.ID)
		m.logger.Debug("health probe ok",
			slog.String("credential_id", rec.ID),
			slog.Int64("latency_ms", latencyMs))
	}
	if err := m.store.InsertHealthCheck(ctx, check); err != nil {
		m.logger.Error("persist health check", slog.String("error", err.Error()))
	}
}
