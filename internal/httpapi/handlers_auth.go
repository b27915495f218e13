package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/oslerlabs/medrouter/internal/auth"
)

type authResponse struct {
	Token string `json:"token"`
	User  any    `json:"user"`
}

func RegisterHandler(d Dependencies) http.HandlerFunc {
	type registerReq struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, codeBadRequest, "bad json")
			return
		}
		user, token, err := d.Auth.Register(r.Context(), req.Email, req.Password, req.DisplayName)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrEmailTaken):
				jsonError(w, http.StatusConflict, codeBadRequest, "email already registered")
			case errors.Is(err, auth.ErrWeakPassword):
				jsonError(w, http.StatusBadRequest, codeBadRequest, err.Error())
			default:
				jsonError(w, http.StatusBadRequest, codeBadRequest, "invalid registration")
			}
			return
		}
		writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
	}
}

func LoginHandler(d Dependencies) http.HandlerFunc {
	type loginReq struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, codeBadRequest, "bad json")
			return
		}
		user, token, err := d.Auth.Login(r.Context(), req.Email, req.Password)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrAccountDisabled):
				jsonError(w, http.StatusForbidden, codeAuthFailed, "account disabled")
			case errors.Is(err, auth.ErrInvalidCredentials):
				jsonError(w, http.StatusUnauthorized, codeAuthFailed, "invalid email or password")
			default:
				jsonError(w, http.StatusInternalServerError, codeInternal, "login failed")
			}
			return
		}
		writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
	}
}

func LogoutHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Auth.Logout(r.Context(), bearerToken(r)); err != nil {
			jsonError(w, http.StatusInternalServerError, codeInternal, "logout failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func MeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := userFrom(r)
		writeJSON(w, http.StatusOK, map[string]any{
			"user":             user,
			"has_personal_key": user.PersonalKey != "",
		})
	}
}
