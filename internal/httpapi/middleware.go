package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oslerlabs/medrouter/internal/auth"
	"github.com/oslerlabs/medrouter/internal/credential"
	"github.com/oslerlabs/medrouter/internal/logging"
	"github.com/oslerlabs/medrouter/internal/maintenance"
	"github.com/oslerlabs/medrouter/internal/provider"
	"github.com/oslerlabs/medrouter/internal/quota"
	"github.com/oslerlabs/medrouter/internal/router"
	"github.com/oslerlabs/medrouter/internal/store"
)

type userKey struct{}

// userFrom returns the authenticated user placed by RequireAuth.
func userFrom(r *http.Request) *store.UserRecord {
	u, _ := r.Context().Value(userKey{}).(*store.UserRecord)
	return u
}

// bearerToken extracts the session token from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// RequireAuth resolves the bearer token to a user and stores it on the
// request context, along with the user ID for log attribution.
func RequireAuth(d Dependencies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				jsonError(w, http.StatusUnauthorized, codeAuthFailed, "missing bearer token")
				return
			}
			user, err := d.Auth.Authenticate(r.Context(), token)
			if err != nil {
				if errors.Is(err, auth.ErrAccountDisabled) {
					jsonError(w, http.StatusForbidden, codeAuthFailed, "account disabled")
					return
				}
				jsonError(w, http.StatusUnauthorized, codeAuthFailed, "invalid or expired session")
				return
			}
			ctx := context.WithValue(r.Context(), userKey{}, user)
			ctx = logging.WithUserID(ctx, user.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin admits only users with an admin role.
func RequireAdmin(d Dependencies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !auth.IsAdmin(userFrom(r)) {
				jsonError(w, http.StatusForbidden, codeForbidden, "admin authority required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireMutate rejects read-only admin roles. Returns false after writing
// the response.
func requireMutate(w http.ResponseWriter, r *http.Request) bool {
	user := userFrom(r)
	if user == nil || !auth.CanMutate(user.Role) {
		jsonError(w, http.StatusForbidden, codeForbidden, "role is read-only")
		return false
	}
	return true
}

// writeMaintenanceError is the shared 503 for maintenance rejections. The
// envelope carries the level and reason so clients can tell a brownout from
// a full outage.
func writeMaintenanceError(w http.ResponseWriter, st maintenance.State) {
	w.Header().Set("Retry-After", "300")
	jsonErrorCtx(w, http.StatusServiceUnavailable, codeMaintenance,
		"system is under maintenance", map[string]any{
			"level":  st.Level,
			"reason": st.Reason,
		})
}

// MaintenanceGate rejects non-admin requests while hard maintenance is
// active. Admins pass through so they can repair the system. Soft
// maintenance is enforced per feature in checkFeature, where heavy requests
// are identified; chat and the other light surfaces stay open.
func MaintenanceGate(d Dependencies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := d.Maint.Current(r.Context())
			if st.Active && st.Level == maintenance.LevelHard && !auth.IsAdmin(userFrom(r)) {
				writeMaintenanceError(w, st)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// checkFeature enforces the feature gate, soft maintenance, and quota for
// one request. Returns false after writing the rejection.
func checkFeature(d Dependencies, w http.ResponseWriter, r *http.Request, user *store.UserRecord, feature string) bool {
	if !d.Gate.Enabled(r.Context(), feature) {
		jsonError(w, http.StatusForbidden, codeFeatureDisabled, "feature "+feature+" is currently disabled")
		return false
	}
	if st := d.Maint.Current(r.Context()); st.Active && st.Level == maintenance.LevelSoft &&
		d.Maint.Heavy(r.Context(), feature) && !auth.IsAdmin(user) {
		writeMaintenanceError(w, st)
		return false
	}
	if err := d.Quota.Check(r.Context(), user, feature); err != nil {
		var qe *quota.ExceededError
		if errors.As(err, &qe) {
			remaining := qe.Limit - qe.Used
			if remaining < 0 {
				remaining = 0
			}
			jsonErrorCtx(w, http.StatusTooManyRequests, codeQuotaExceeded, qe.Error(), map[string]any{
				"dimension": qe.Dimension,
				"limit":     qe.Limit,
				"used":      qe.Used,
				"remaining": remaining,
			})
			return false
		}
		jsonError(w, http.StatusInternalServerError, codeInternal, "quota check failed")
		return false
	}
	return true
}

// writeRouteError maps routing failures onto the error envelope. When the
// failure tripped auto-maintenance, the client sees the maintenance code so
// it can back off instead of retrying.
func writeRouteError(d Dependencies, w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case provider.IsTokenLimitError(err):
		jsonError(w, http.StatusRequestEntityTooLarge, codeTokenLimit, "request exceeds the model context window")
	case errors.Is(err, router.ErrExhausted), errors.Is(err, credential.ErrNoActiveCredential):
		if st := d.Maint.Current(r.Context()); st.Active {
			writeMaintenanceError(w, st)
			return
		}
		jsonError(w, http.StatusBadGateway, codeInternal, "no upstream credential could serve the request")
	default:
		jsonError(w, http.StatusInternalServerError, codeInternal, "upstream request failed")
	}
}

// audit writes an admin action record; failures are logged, never fatal to
// the request that already succeeded.
func (d Dependencies) audit(r *http.Request, actionType, targetType, targetID, detail string) {
	user := userFrom(r)
	adminID := ""
	if user != nil {
		adminID = user.ID
	}
	if err := d.Store.LogAudit(r.Context(), store.AuditRecord{
		AdminID:    adminID,
		ActionType: actionType,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		d.Logger.Error("audit write failed",
			slog.String("action", actionType),
			slog.String("error", err.Error()))
	}
}
