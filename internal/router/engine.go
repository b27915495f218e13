// Package router resolves each AI request to a credential and dispatches it,
// walking the pool in priority order when keys fail. A user's personal key,
// when present, is always tried before the shared fleet.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oslerlabs/medrouter/internal/credential"
	"github.com/oslerlabs/medrouter/internal/maintenance"
	"github.com/oslerlabs/medrouter/internal/metrics"
	"github.com/oslerlabs/medrouter/internal/notify"
	"github.com/oslerlabs/medrouter/internal/provider"
	"github.com/oslerlabs/medrouter/internal/secrets"
	"github.com/oslerlabs/medrouter/internal/store"
)

// MaxAttempts bounds how many pool credentials one request may burn through.
const MaxAttempts = 3

// DefaultProvider is used when no provider holds active credentials and the
// caller expressed no hint.
const DefaultProvider = "openrouter"

// PersonalKeyID is the key attribution value for a user's own credential.
const PersonalKeyID = "personal"

// ErrExhausted is returned when every attempted credential failed.
var ErrExhausted = errors.New("router: all credentials exhausted")

// Caller abstracts the upstream gateway for routing. CallStream delivers
// content deltas through emit as they arrive and returns the assembled
// result.
type Caller interface {
	Call(ctx context.Context, apiKey string, req provider.Request) (*provider.Result, error)
	CallStream(ctx context.Context, apiKey string, req provider.Request, emit func(delta string) error) (*provider.Result, error)
	Embed(ctx context.Context, apiKey string, inputs []string) ([][]float32, error)
}

// RouteResult is a completed dispatch with key attribution: which credential
// answered, how many upstream calls it took, and whether the user's own key
// served the request.
type RouteResult struct {
	provider.Result
	KeyID       string `json:"key_id"`
	Attempts    int    `json:"attempts"`
	UsedUserKey bool   `json:"used_user_key"`
}

// Engine performs credential selection and fallback.
type Engine struct {
	store   store.Store
	creds   *credential.Manager
	cipher  *secrets.Cipher
	gateway Caller
	maint   *maintenance.Controller
	bus     *notify.Bus
	metrics *metrics.Registry
	logger  *slog.Logger
}

func NewEngine(s store.Store, creds *credential.Manager, cipher *secrets.Cipher, gateway Caller,
	maint *maintenance.Controller, bus *notify.Bus, m *metrics.Registry, logger *slog.Logger) *Engine {
	return &Engine{
		store:   s,
		creds:   creds,
		cipher:  cipher,
		gateway: gateway,
		maint:   maint,
		bus:     bus,
		metrics: m,
		logger:  logger,
	}
}

// pickProvider resolves a provider hint. An explicit hint wins; otherwise the
// provider holding the highest-priority active credential is selected, with
// the default provider standing in when nothing is active.
func (e *Engine) pickProvider(ctx context.Context, hint, feature string) (string, error) {
	if hint != "" {
		return hint, nil
	}
	providers, err := e.store.ProvidersWithActive(ctx, feature)
	if err != nil {
		return "", fmt.Errorf("router: list providers: %w", err)
	}
	if len(providers) == 0 {
		return DefaultProvider, nil
	}
	return providers[0], nil
}

// Route dispatches one AI request for the user. providerHint may be empty.
func (e *Engine) Route(ctx context.Context, user *store.UserRecord, providerHint string, req provider.Request) (*RouteResult, error) {
	return e.route(ctx, user, providerHint, req, nil)
}

// RouteStream is Route with streaming delivery: content deltas are passed to
// emit as they arrive. Fallback to the next credential happens only while
// nothing has been emitted yet; once the client has seen output the failure
// is surfaced instead of replayed on another key.
func (e *Engine) RouteStream(ctx context.Context, user *store.UserRecord, providerHint string, req provider.Request, emit func(delta string) error) (*RouteResult, error) {
	return e.route(ctx, user, providerHint, req, emit)
}

func (e *Engine) route(ctx context.Context, user *store.UserRecord, providerHint string, req provider.Request, emit func(delta string) error) (*RouteResult, error) {
	attempts := 0
	// firstKeyID is the key that should have served the request; when a
	// later candidate answers, the fallback notification names both.
	firstKeyID := ""

	// Personal key first. Its failures never count against the fleet.
	if user != nil && user.PersonalKey != "" {
		key, err := e.cipher.Open(user.PersonalKey)
		if err != nil {
			e.logger.Warn("personal key undecryptable, using pool",
				slog.String("user_id", user.ID))
		} else {
			attempts++
			firstKeyID = PersonalKeyID
			res, emitted, err := e.call(ctx, key, req, emit)
			if err == nil {
				e.metrics.RequestsTotal.WithLabelValues(req.Feature, "personal", "ok").Inc()
				return &RouteResult{Result: *res, KeyID: PersonalKeyID, Attempts: attempts, UsedUserKey: true}, nil
			}
			if provider.IsTokenLimitError(err) || ctx.Err() != nil || emitted {
				return nil, err
			}
			e.logger.Warn("personal key failed, falling back to pool",
				slog.String("user_id", user.ID),
				slog.String("error", err.Error()))
		}
	}

	prov, err := e.pickProvider(ctx, providerHint, req.Feature)
	if err != nil {
		e.onExhausted(ctx, req.Feature, err)
		return nil, err
	}

	active, err := e.creds.AllActive(ctx, prov, req.Feature)
	if err != nil {
		e.onExhausted(ctx, req.Feature, err)
		return nil, err
	}
	if firstKeyID == "" {
		firstKeyID = active[0].Record.ID
	}

	var lastErr error
	poolTries := len(active)
	if poolTries > MaxAttempts {
		poolTries = MaxAttempts
	}
	for i := 0; i < poolTries; i++ {
		cand := active[i]
		attempts++
		res, emitted, err := e.call(ctx, cand.Key, req, emit)
		if err == nil {
			e.creds.RecordSuccess(ctx, cand.Record.ID)
			e.metrics.RequestsTotal.WithLabelValues(req.Feature, prov, "ok").Inc()
			e.metrics.TokensTotal.WithLabelValues(req.Feature, prov).Add(float64(res.TokensUsed))
			if firstKeyID != cand.Record.ID {
				e.metrics.FallbacksTotal.WithLabelValues(req.Feature).Inc()
				e.bus.Publish(notify.Notification{
					Type:         notify.TypeAPIKeyFallback,
					CredentialID: firstKeyID,
					FellBackTo:   cand.Record.ID,
					Provider:     prov,
					Feature:      req.Feature,
				})
			}
			return &RouteResult{Result: *res, KeyID: cand.Record.ID, Attempts: attempts}, nil
		}

		// Context-window overflow is the caller's problem, not the key's.
		if provider.IsTokenLimitError(err) {
			e.metrics.RequestsTotal.WithLabelValues(req.Feature, prov, "token_limit").Inc()
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		e.logger.Warn("credential call failed, trying next",
			slog.String("credential_id", cand.Record.ID),
			slog.String("provider", prov),
			slog.String("feature", req.Feature),
			slog.Int("attempt", attempts),
			slog.String("error", err.Error()))
		if rerr := e.creds.RecordFailure(ctx, cand.Record.ID, err); rerr != nil {
			e.logger.Error("record failure", slog.String("error", rerr.Error()))
		}
		if emitted {
			// The client already saw partial output; replaying on another
			// key would duplicate it.
			return nil, fmt.Errorf("%w: %v", ErrExhausted, err)
		}
	}

	e.metrics.RequestsTotal.WithLabelValues(req.Feature, prov, "exhausted").Inc()
	e.onExhausted(ctx, req.Feature, lastErr)
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrExhausted, lastErr)
	}
	return nil, ErrExhausted
}

// call dispatches one upstream attempt, streaming when emit is non-nil. The
// emitted flag reports whether any delta reached the caller before a failure.
func (e *Engine) call(ctx context.Context, key string, req provider.Request, emit func(delta string) error) (*provider.Result, bool, error) {
	start := time.Now()
	var res *provider.Result
	var err error
	emitted := false
	if emit == nil {
		res, err = e.gateway.Call(ctx, key, req)
	} else {
		res, err = e.gateway.CallStream(ctx, key, req, func(delta string) error {
			emitted = true
			return emit(delta)
		})
	}
	if err == nil {
		e.metrics.ProviderLatency.WithLabelValues(req.Feature, "gateway").
			Observe(float64(time.Since(start).Milliseconds()))
	}
	return res, emitted, err
}

func (e *Engine) onExhausted(ctx context.Context, feature string, cause error) {
	reason := fmt.Sprintf("routing exhausted for feature %s", feature)
	if cause != nil {
		reason = fmt.Sprintf("%s: %v", reason, cause)
	}
	if err := e.maint.Evaluate(ctx, feature); err != nil {
		e.logger.Error("maintenance evaluation", slog.String("error", err.Error()))
	}
	e.logger.Error("routing exhausted", slog.String("feature", feature), slog.String("reason", reason))
}

// Embed resolves a credential for the embedding feature and returns vectors,
// with the same fallback behavior as Route.
func (e *Engine) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	active, err := e.creds.AllActive(ctx, "", "chat")
	if err != nil {
		return nil, err
	}
	attempts := len(active)
	if attempts > MaxAttempts {
		attempts = MaxAttempts
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		vecs, err := e.gateway.Embed(ctx, active[i].Key, inputs)
		if err == nil {
			e.creds.RecordSuccess(ctx, active[i].Record.ID)
			return vecs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if rerr := e.creds.RecordFailure(ctx, active[i].Record.ID, err); rerr != nil {
			e.logger.Error("record failure", slog.String("error", rerr.Error()))
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrExhausted, lastErr)
	}
	return nil, ErrExhausted
}
