package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/oslerlabs/medrouter/internal/features"
	"github.com/oslerlabs/medrouter/internal/maintenance"
	"github.com/oslerlabs/medrouter/internal/secrets"
	"github.com/oslerlabs/medrouter/internal/store"
)

func CredentialsAddHandler(d Dependencies) http.HandlerFunc {
	type addReq struct {
		Provider string `json:"provider"`
		Feature  string `json:"feature"`
		Key      string `json:"key"`
		Priority int    `json:"priority"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireMutate(w, r) {
			return
		}
		var req addReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, codeBadRequest, "bad json")
			return
		}
		rec, err := d.Creds.Add(r.Context(), req.Provider, req.Feature, req.Key, req.Priority)
		if err != nil {
			jsonError(w, http.StatusBadRequest, codeBadRequest, err.Error())
			return
		}
		detail, _ := json.Marshal(map[string]any{"provider": rec.Provider, "feature": rec.Feature, "priority": rec.Priority})
		d.audit(r, "credential_added", "credential", rec.ID, string(detail))
		writeJSON(w, http.StatusCreated, map[string]any{"credential": rec})
	}
}

func CredentialsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := d.Creds.List(r.Context())
		if err != nil {
			jsonError(w, http.StatusInternalServerError, codeInternal, "list credentials failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"credentials": recs})
	}
}

func CredentialsPatchHandler(d Dependencies) http.HandlerFunc {
	type patchReq struct {
		Status   store.CredentialStatus `json:"status"`
		Priority *int                   `json:"priority,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireMutate(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		var req patchReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, codeBadRequest, "bad json")
			return
		}
		prev, err := d.Store.GetCredential(r.Context(), id)
		if err != nil {
			jsonError(w, http.StatusNotFound, codeNotFound, "credential not found")
			return
		}
		if err := d.Creds.UpdateStatus(r.Context(), id, req.Status, req.Priority); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				jsonError(w, http.StatusNotFound, codeNotFound, "credential not found")
				return
			}
			jsonError(w, http.StatusBadRequest, codeBadRequest, err.Error())
			return
		}
		detail, _ := json.Marshal(map[string]any{"before": prev.Status, "after": req.Status})
		d.audit(r, "credential_status_changed", "credential", id, string(detail))
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func CredentialsDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireMutate(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if err := d.Creds.Delete(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				jsonError(w, http.StatusNotFound, codeNotFound, "credential not found")
				return
			}
			jsonError(w, http.StatusInternalServerError, codeInternal, "delete credential failed")
			return
		}
		d.audit(r, "credential_deleted", "credential", id, "")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// CredentialTestHandler runs a one-off validation probe against a stored
// credential. Nothing is persisted and the failure streak stays untouched,
// so operators can test a disabled key before reactivating it.
func CredentialTestHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireMutate(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		check, err := d.Monitor.Test(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				jsonError(w, http.StatusNotFound, codeNotFound, "credential not found")
				return
			}
			jsonError(w, http.StatusInternalServerError, codeInternal, "test credential failed")
			return
		}
		detail, _ := json.Marshal(map[string]string{"result": check.Status})
		d.audit(r, "credential_tested", "credential", id, string(detail))
		writeJSON(w, http.StatusOK, map[string]any{"check": check})
	}
}

func CredentialHealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 50)
		checks, err := d.Store.ListHealthChecks(r.Context(), chi.URLParam(r, "id"), limit)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, codeInternal, "list health checks failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"checks": checks})
	}
}

// HealthSweepHandler forces a synchronous probe sweep, for use after fixing
// keys so operators need not wait out the probe interval.
func HealthSweepHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireMutate(w, r) {
			return
		}
		d.Monitor.Sweep(r.Context())
		d.audit(r, "health_sweep_forced", "system", "", "")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func UsersListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 100)
		offset := queryInt(r, "offset", 0)
		users, err := d.Store.ListUsers(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, codeInternal, "list users failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	}
}

func UserPlanHandler(d Dependencies) http.HandlerFunc {
	type planReq struct {
		Plan store.Plan `json:"plan"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireMutate(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		var req planReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !store.ValidPlan(req.Plan) {
			jsonError(w, http.StatusBadRequest, codeBadRequest, "valid plan required")
			return
		}
		prev, err := d.Store.GetUser(r.Context(), id)
		if err != nil {
			jsonError(w, http.StatusNotFound, codeNotFound, "user not found")
			return
		}
		if err := d.Store.UpdateUserPlan(r.Context(), id, req.Plan); err != nil {
			jsonError(w, http.StatusInternalServerError, codeInternal, "update plan failed")
			return
		}
		detail, _ := json.Marshal(map[string]any{"before": prev.Plan, "after": req.Plan})
		d.audit(r, "user_plan_changed", "user", id, string(detail))
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func UserDisabledHandler(d Dependencies) http.HandlerFunc {
	type disableReq struct {
		Disabled bool `json:"disabled"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireMutate(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		var req disableReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, codeBadRequest, "bad json")
			return
		}
		if err := d.Store.SetUserDisabled(r.Context(), id, req.Disabled); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				jsonError(w, http.StatusNotFound, codeNotFound, "user not found")
				return
			}
			jsonError(w, http.StatusInternalServerError, codeInternal, "update user failed")
			return
		}
		detail, _ := json.Marshal(map[string]bool{"disabled": req.Disabled})
		d.audit(r, "user_disabled_changed", "user", id, string(detail))
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// UserRoleHandler grants or clears a user's persisted admin role. Authority
// only takes effect for users who are also allowlisted; this is the second
// factor.
func UserRoleHandler(d Dependencies) http.HandlerFunc {
	type roleReq struct {
		Role store.Role `json:"role"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireMutate(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		var req roleReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.Role != "" && !store.ValidRole(req.Role)) {
			jsonError(w, http.StatusBadRequest, codeBadRequest, "valid role required, empty clears")
			return
		}
		prev, err := d.Store.GetUser(r.Context(), id)
		if err != nil {
			jsonError(w, http.StatusNotFound, codeNotFound, "user not found")
			return
		}
		if err := d.Store.SetUserRole(r.Context(), id, req.Role); err != nil {
			jsonError(w, http.StatusInternalServerError, codeInternal, "update role failed")
			return
		}
		detail, _ := json.Marshal(map[string]any{"before": prev.Role, "after": req.Role})
		d.audit(r, "user_role_changed", "user", id, string(detail))
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func PersonalKeySetHandler(d Dependencies) http.HandlerFunc {
	type keyReq struct {
		Key string `json:"key"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireMutate(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		var req keyReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, codeBadRequest, "bad json")
			return
		}
		if err := secrets.ValidateSecret(req.Key); err != nil {
			jsonError(w, http.StatusBadRequest, codeBadRequest, err.Error())
			return
		}
		ciphertext, err := d.Cipher.Seal(req.Key)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, codeInternal, "seal key failed")
			return
		}
		if err := d.Store.SetUserPersonalKey(r.Context(), id, ciphertext); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				jsonError(w, http.StatusNotFound, codeNotFound, "user not found")
				return
			}
			jsonError(w, http.StatusInternalServerError, codeInternal, "store key failed")
			return
		}
		d.audit(r, "personal_key_set", "user", id, "")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func PersonalKeyClearHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireMutate(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if err := d.Store.SetUserPersonalKey(r.Context(), id, ""); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				jsonError(w, http.StatusNotFound, codeNotFound, "user not found")
				return
			}
			jsonError(w, http.StatusInternalServerError, codeInternal, "clear key failed")
			return
		}
		d.audit(r, "personal_key_cleared", "user", id, "")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func QuotaResetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireMutate(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if err := d.Quota.Reset(r.Context(), id); err != nil {
			jsonError(w, http.StatusInternalServerError, codeInternal, "reset usage failed")
			return
		}
		d.audit(r, "quota_reset", "user", id, "")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func AllowlistHandler(d Dependencies) http.HandlerFunc {
	type allowReq struct {
		Email string     `json:"email"`
		Role  store.Role `json:"role"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireMutate(w, r) {
			return
		}
		var req allowReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
			jsonError(w, http.StatusBadRequest, codeBadRequest, "email and role required")
			return
		}
		if err := d.Store.UpsertAllowlist(r.Context(), req.Email, req.Role); err != nil {
			jsonError(w, http.StatusInternalServerError, codeInternal, "update allowlist failed")
			return
		}
		detail, _ := json.Marshal(map[string]any{"email": req.Email, "role": req.Role})
		d.audit(r, "allowlist_updated", "allowlist", req.Email, string(detail))
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func FeaturesListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"features": d.Gate.States(r.Context())})
	}
}

func FeatureToggleHandler(d Dependencies) http.HandlerFunc {
	type toggleReq struct {
		Enabled bool `json:"enabled"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireMutate(w, r) {
			return
		}
		feature := chi.URLParam(r, "feature")
		var req toggleReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, codeBadRequest, "bad json")
			return
		}
		if err := d.Gate.SetEnabled(r.Context(), feature, req.Enabled, userFrom(r).ID); err != nil {
			if errors.Is(err, features.ErrUnknownFeature) {
				jsonError(w, http.StatusNotFound, codeNotFound, "unknown feature "+feature)
				return
			}
			jsonError(w, http.StatusInternalServerError, codeInternal, "toggle feature failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"feature": feature, "enabled": req.Enabled})
	}
}

func MaintenanceGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Maint.Current(r.Context()))
	}
}

func MaintenanceEnterHandler(d Dependencies) http.HandlerFunc {
	type enterReq struct {
		Level  string `json:"level,omitempty"`
		Reason string `json:"reason"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireMutate(w, r) {
			return
		}
		var req enterReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, codeBadRequest, "bad json")
			return
		}
		if req.Level == "" {
			req.Level = maintenance.LevelHard
		}
		if err := d.Maint.Enter(r.Context(), userFrom(r).ID, req.Level, req.Reason); err != nil {
			if errors.Is(err, maintenance.ErrInvalidLevel) {
				jsonError(w, http.StatusBadRequest, codeBadRequest, "level must be soft or hard")
				return
			}
			jsonError(w, http.StatusInternalServerError, codeInternal, "enter maintenance failed")
			return
		}
		writeJSON(w, http.StatusOK, d.Maint.Current(r.Context()))
	}
}

func MaintenanceExitHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireMutate(w, r) {
			return
		}
		if err := d.Maint.Exit(r.Context(), userFrom(r).ID); err != nil {
			jsonError(w, http.StatusInternalServerError, codeInternal, "exit maintenance failed")
			return
		}
		writeJSON(w, http.StatusOK, d.Maint.Current(r.Context()))
	}
}

func AuditListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := store.AuditFilter{
			AdminID:    r.URL.Query().Get("admin_id"),
			TargetType: r.URL.Query().Get("target_type"),
			Limit:      queryInt(r, "limit", 100),
			Offset:     queryInt(r, "offset", 0),
		}
		entries, err := d.Store.ListAudit(r.Context(), f)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, codeInternal, "list audit failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	}
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
