// Package auth handles account registration, login, and bearer-token
// sessions. Tokens are returned to the client once and stored only as
// SHA-256 hashes. Admin authority needs both an allowlist entry and a role
// on the user row, with a single break-glass super-admin email from
// configuration.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/oslerlabs/medrouter/internal/store"
)

const (
	tokenPrefix    = "med_"
	tokenRandBytes = 32
	bcryptCost     = 10

	// SessionTTL is how long a login stays valid.
	SessionTTL = 7 * 24 * time.Hour

	// MinPasswordLen is enforced at registration.
	MinPasswordLen = 8
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid email or password")
	ErrEmailTaken         = errors.New("auth: email already registered")
	ErrUnauthorized       = errors.New("auth: invalid or expired session")
	ErrAccountDisabled    = errors.New("auth: account disabled")
	ErrWeakPassword       = fmt.Errorf("auth: password shorter than %d characters", MinPasswordLen)
)

// Service owns account and session lifecycle.
type Service struct {
	store           store.Store
	superAdminEmail string
}

func NewService(s store.Store, superAdminEmail string) *Service {
	return &Service{store: s, superAdminEmail: strings.ToLower(superAdminEmail)}
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

func newToken() (string, error) {
	raw := make([]byte, tokenRandBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generate token: %w", err)
	}
	return tokenPrefix + hex.EncodeToString(raw), nil
}

// Register creates an account and an initial session. The token is returned
// exactly once.
func (s *Service) Register(ctx context.Context, email, password, displayName string) (*store.UserRecord, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, "", errors.New("auth: invalid email")
	}
	if len(password) < MinPasswordLen {
		return nil, "", ErrWeakPassword
	}
	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return nil, "", ErrEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, "", fmt.Errorf("auth: lookup email: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("auth: hash password: %w", err)
	}
	now := time.Now().UTC()
	user := store.UserRecord{
		ID:           uuid.NewString(),
		Email:        email,
		DisplayName:  displayName,
		Plan:         store.PlanFree,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, "", fmt.Errorf("auth: create user: %w", err)
	}
	token, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, "", err
	}
	s.resolveRole(ctx, &user)
	return &user, token, nil
}

// Login verifies credentials and mints a session token.
func (s *Service) Login(ctx context.Context, email, password string) (*store.UserRecord, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", fmt.Errorf("auth: lookup email: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}
	if user.Disabled {
		return nil, "", ErrAccountDisabled
	}
	token, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, "", err
	}
	s.resolveRole(ctx, user)
	return user, token, nil
}

func (s *Service) createSession(ctx context.Context, userID string) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	if err := s.store.CreateAuthSession(ctx, store.AuthSessionRecord{
		TokenHash: hashToken(token),
		UserID:    userID,
		ExpiresAt: now.Add(SessionTTL),
		CreatedAt: now,
	}); err != nil {
		return "", fmt.Errorf("auth: create session: %w", err)
	}
	return token, nil
}

// Authenticate resolves a bearer token to its user. Expired sessions are
// removed on sight.
func (s *Service) Authenticate(ctx context.Context, token string) (*store.UserRecord, error) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return nil, ErrUnauthorized
	}
	sess, err := s.store.GetAuthSession(ctx, hashToken(token))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("auth: load session: %w", err)
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = s.store.DeleteAuthSession(ctx, sess.TokenHash)
		return nil, ErrUnauthorized
	}
	user, err := s.store.GetUser(ctx, sess.UserID)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if user.Disabled {
		return nil, ErrAccountDisabled
	}
	s.resolveRole(ctx, user)
	return user, nil
}

// Logout invalidates the session for a token. Unknown tokens are a no-op.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.store.DeleteAuthSession(ctx, hashToken(token))
}

// resolveRole stamps the user's effective admin role. The break-glass
// super-admin email wins unconditionally. Everyone else needs both an
// allowlist entry and a role on their user row; the allowlist role is the
// effective one when both are present, and either factor missing means no
// authority.
func (s *Service) resolveRole(ctx context.Context, user *store.UserRecord) {
	if s.superAdminEmail != "" && user.Email == s.superAdminEmail {
		user.Role = store.RoleSuperAdmin
		return
	}
	if user.Role == "" {
		return
	}
	role, err := s.store.GetAllowlistRole(ctx, user.Email)
	if err != nil {
		user.Role = ""
		return
	}
	user.Role = role
}

// IsAdmin reports whether the user may reach the admin surface at all.
func IsAdmin(user *store.UserRecord) bool {
	return user != nil && user.Role != ""
}

// CanMutate reports whether the role may change system state, as opposed to
// read-only admin visibility.
func CanMutate(role store.Role) bool {
	switch role {
	case store.RoleSuperAdmin, store.RoleAdmin, store.RoleOps:
		return true
	}
	return false
}
