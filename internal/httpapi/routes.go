// Package httpapi exposes the routing core over HTTP: student surfaces for
// chat, generation commands, documents and usage, and the admin surface for
// credentials, users, feature gates and maintenance.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/oslerlabs/medrouter/internal/auth"
	"github.com/oslerlabs/medrouter/internal/blob"
	"github.com/oslerlabs/medrouter/internal/credential"
	"github.com/oslerlabs/medrouter/internal/features"
	"github.com/oslerlabs/medrouter/internal/health"
	"github.com/oslerlabs/medrouter/internal/ingest"
	"github.com/oslerlabs/medrouter/internal/maintenance"
	"github.com/oslerlabs/medrouter/internal/metrics"
	"github.com/oslerlabs/medrouter/internal/quota"
	"github.com/oslerlabs/medrouter/internal/rag"
	"github.com/oslerlabs/medrouter/internal/ratelimit"
	"github.com/oslerlabs/medrouter/internal/router"
	"github.com/oslerlabs/medrouter/internal/secrets"
	"github.com/oslerlabs/medrouter/internal/store"
)

// Error envelope codes.
const (
	codeFeatureDisabled = "FEATURE_DISABLED"
	codeMaintenance     = "MAINTENANCE_MODE"
	codeQuotaExceeded   = "QUOTA_EXCEEDED"
	codeAuthFailed      = "AUTHENTICATION_FAILED"
	codeTokenLimit      = "TOKEN_LIMIT_EXCEEDED"
	codeBadRequest      = "BAD_REQUEST"
	codeNotFound        = "NOT_FOUND"
	codeForbidden       = "FORBIDDEN"
	codeInternal        = "INTERNAL_SERVER_ERROR"
)

type Dependencies struct {
	Store    store.Store
	Auth     *auth.Service
	Engine   *router.Engine
	Creds    *credential.Manager
	Quota    *quota.Checker
	Gate     *features.Gate
	Maint    *maintenance.Controller
	Monitor  *health.Monitor
	Pipeline *ingest.Pipeline
	Blobs    *blob.Store
	Search   *rag.Searcher
	Cipher   *secrets.Cipher
	Metrics  *metrics.Registry
	Logger   *slog.Logger

	// RateLimit is optional; nil disables per-user rate limiting.
	RateLimit *ratelimit.Limiter
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/health", HealthHandler(d))
	r.Handle("/metrics", d.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if d.RateLimit != nil {
			r.Use(d.RateLimit.Middleware)
		}

		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", RegisterHandler(d))
			r.Post("/login", LoginHandler(d))
			r.Group(func(r chi.Router) {
				r.Use(RequireAuth(d))
				r.Post("/logout", LogoutHandler(d))
				r.Get("/me", MeHandler(d))
			})
		})

		// Student surfaces. Admins pass the maintenance gate.
		r.Group(func(r chi.Router) {
			r.Use(RequireAuth(d))
			r.Use(MaintenanceGate(d))

			r.Post("/chat", ChatHandler(d))
			r.Get("/chat/sessions", SessionsListHandler(d))
			r.Get("/chat/sessions/{id}/messages", MessagesListHandler(d))

			r.Post("/commands/{feature}", CommandHandler(d))

			r.Post("/documents", DocumentUploadHandler(d))
			r.Get("/documents", DocumentsListHandler(d))
			r.Get("/documents/{id}", DocumentGetHandler(d))
			r.Delete("/documents/{id}", DocumentDeleteHandler(d))

			r.Get("/usage", UsageHandler(d))
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAuth(d))
			r.Use(RequireAdmin(d))

			r.Post("/credentials", CredentialsAddHandler(d))
			r.Get("/credentials", CredentialsListHandler(d))
			r.Patch("/credentials/{id}", CredentialsPatchHandler(d))
			r.Delete("/credentials/{id}", CredentialsDeleteHandler(d))
			r.Get("/credentials/{id}/health", CredentialHealthHandler(d))
			r.Post("/credentials/{id}/test", CredentialTestHandler(d))
			r.Post("/health/sweep", HealthSweepHandler(d))

			r.Get("/users", UsersListHandler(d))
			r.Patch("/users/{id}/plan", UserPlanHandler(d))
			r.Patch("/users/{id}/disabled", UserDisabledHandler(d))
			r.Patch("/users/{id}/role", UserRoleHandler(d))
			r.Put("/users/{id}/personal-key", PersonalKeySetHandler(d))
			r.Delete("/users/{id}/personal-key", PersonalKeyClearHandler(d))
			r.Post("/users/{id}/quota/reset", QuotaResetHandler(d))

			r.Put("/allowlist", AllowlistHandler(d))

			r.Get("/features", FeaturesListHandler(d))
			r.Put("/features/{feature}", FeatureToggleHandler(d))

			r.Get("/maintenance", MaintenanceGetHandler(d))
			r.Post("/maintenance", MaintenanceEnterHandler(d))
			r.Delete("/maintenance", MaintenanceExitHandler(d))

			r.Get("/audit", AuditListHandler(d))
		})
	})
}

// HealthHandler reports liveness and the maintenance state. It stays open
// during maintenance so load balancers keep routing to the process.
func HealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := d.Maint.Current(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"maintenance": st.Active,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// jsonError writes the error envelope every surface shares.
func jsonError(w http.ResponseWriter, status int, code, message string) {
	jsonErrorCtx(w, status, code, message, nil)
}

// jsonErrorCtx writes the error envelope with extra context fields merged
// into the error object, e.g. maintenance level or remaining quota counters.
func jsonErrorCtx(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	body := map[string]any{"code": code, "message": message}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, map[string]any{"error": body})
}
