package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get* methods when no row matches.
var ErrNotFound = errors.New("store: not found")

// Plan identifies a subscription tier.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanStudent Plan = "student"
	PlanPro     Plan = "pro"
	PlanAdmin   Plan = "admin"
)

// ValidPlan reports whether p is a known plan value.
func ValidPlan(p Plan) bool {
	switch p {
	case PlanFree, PlanStudent, PlanPro, PlanAdmin:
		return true
	}
	return false
}

// Role identifies administrative authority, independent of plan.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleOps        Role = "ops"
	RoleSupport    Role = "support"
	RoleViewer     Role = "viewer"
)

// ValidRole reports whether r is a known role value.
func ValidRole(r Role) bool {
	switch r {
	case RoleSuperAdmin, RoleAdmin, RoleOps, RoleSupport, RoleViewer:
		return true
	}
	return false
}

// BypassesQuota reports whether the role skips all quota checks.
func (r Role) BypassesQuota() bool {
	return r == RoleSuperAdmin || r == RoleAdmin || r == RoleOps
}

// CredentialStatus is the lifecycle state of a shared credential.
type CredentialStatus string

const (
	StatusActive   CredentialStatus = "active"
	StatusDegraded CredentialStatus = "degraded"
	StatusDisabled CredentialStatus = "disabled"
)

// ValidCredentialStatus reports whether s is a known status value.
// Unknown values must be rejected at every write boundary.
func ValidCredentialStatus(s CredentialStatus) bool {
	switch s {
	case StatusActive, StatusDegraded, StatusDisabled:
		return true
	}
	return false
}

// UserRecord is the persisted form of a user account.
type UserRecord struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	DisplayName  string `json:"display_name"`
	Plan         Plan   `json:"plan"`
	Role         Role   `json:"role,omitempty"` // empty = no admin authority
	Disabled     bool   `json:"disabled"`
	PasswordHash string `json:"-"`
	// PersonalKey is the sealed per-user override credential, empty if unset.
	PersonalKey string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CredentialRecord is the persisted form of a fleet credential. Ciphertext
// stays opaque everywhere outside the credential package.
type CredentialRecord struct {
	ID           string           `json:"id"`
	Provider     string           `json:"provider"`
	Feature      string           `json:"feature"`
	Ciphertext   string           `json:"-"`
	Priority     int              `json:"priority"`
	Status       CredentialStatus `json:"status"`
	FailureCount int              `json:"failure_count"`
	LastUsedAt   *time.Time       `json:"last_used_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// HealthCheckRecord is one probe result. Append-only.
type HealthCheckRecord struct {
	ID           int64     `json:"id"`
	CredentialID string    `json:"credential_id"`
	Timestamp    time.Time `json:"timestamp"`
	Status       string    `json:"status"` // "ok" or "failed"
	LatencyMs    *int64    `json:"latency_ms,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// UsageRecord holds one user's counters for one calendar date.
type UsageRecord struct {
	UserID              string `json:"user_id"`
	Date                string `json:"date"` // YYYY-MM-DD, server timezone
	TokensUsed          int64  `json:"tokens_used"`
	RequestsCount       int64  `json:"requests_count"`
	PDFUploads          int64  `json:"pdf_uploads"`
	MCQsGenerated       int64  `json:"mcqs_generated"`
	ImagesUsed          int64  `json:"images_used"`
	FlashcardsGenerated int64  `json:"flashcards_generated"`
}

// UsageDelta is applied to a day's counters in one upsert.
type UsageDelta struct {
	Tokens              int64
	Requests            int64
	PDFUploads          int64
	MCQsGenerated       int64
	ImagesUsed          int64
	FlashcardsGenerated int64
}

// SystemFlag is a named runtime setting (feature toggles, maintenance state,
// tunable plan limits).
type SystemFlag struct {
	Name      string    `json:"name"`
	Value     string    `json:"value"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatSessionRecord owns messages.
type ChatSessionRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageRecord is one chat message. Citations is a JSON blob referencing
// document chunks, empty when the reply used no retrieved context.
type MessageRecord struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Role       string    `json:"role"` // user | assistant | system
	Content    string    `json:"content"`
	TokensUsed *int64    `json:"tokens_used,omitempty"`
	Citations  string    `json:"citations,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Document processing states.
const (
	DocPending    = "pending"
	DocProcessing = "processing"
	DocCompleted  = "completed"
	DocFailed     = "failed"
)

// DocumentRecord is an uploaded PDF or image. Owns embeddings (cascade).
type DocumentRecord struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Filename         string    `json:"filename"`
	FileType         string    `json:"file_type"` // pdf | image
	SizeBytes        int64     `json:"size_bytes"`
	BlobPath         string    `json:"blob_path"`
	ProcessingStatus string    `json:"processing_status"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// SentinelChunkIndex marks a whole-document summary or image interpretation
// embedding. Sentinel rows are excluded from semantic search.
const SentinelChunkIndex = -1

// EmbeddingRecord is one chunk vector. Vector is a JSON-encoded []float32.
type EmbeddingRecord struct {
	ID         int64  `json:"id"`
	DocumentID string `json:"document_id"`
	ChunkText  string `json:"chunk_text"`
	ChunkIndex int    `json:"chunk_index"`
	Vector     string `json:"-"`
}

// AuditRecord captures one admin mutation. Append-only.
type AuditRecord struct {
	ID         int64     `json:"id"`
	AdminID    string    `json:"admin_id"`
	ActionType string    `json:"action_type"`
	TargetType string    `json:"target_type"`
	TargetID   string    `json:"target_id"`
	Detail     string    `json:"detail,omitempty"` // JSON with before/after values
	CreatedAt  time.Time `json:"created_at"`
}

// AuthSessionRecord is a login session. The token itself is never stored,
// only its SHA-256 hash.
type AuthSessionRecord struct {
	TokenHash string    `json:"-"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditFilter bounds audit listings.
type AuditFilter struct {
	AdminID    string
	TargetType string
	Limit      int
	Offset     int
}

// Store is the persistence interface for the routing core.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u UserRecord) error
	GetUser(ctx context.Context, id string) (*UserRecord, error)
	GetUserByEmail(ctx context.Context, email string) (*UserRecord, error)
	ListUsers(ctx context.Context, limit, offset int) ([]UserRecord, error)
	UpdateUserPlan(ctx context.Context, id string, plan Plan) error
	SetUserDisabled(ctx context.Context, id string, disabled bool) error
	SetUserRole(ctx context.Context, id string, role Role) error
	SetUserPersonalKey(ctx context.Context, id, ciphertext string) error
	DeleteUser(ctx context.Context, id string) error

	// Admin allowlist
	GetAllowlistRole(ctx context.Context, email string) (Role, error)
	UpsertAllowlist(ctx context.Context, email string, role Role) error

	// Credentials
	InsertCredential(ctx context.Context, c CredentialRecord) error
	GetCredential(ctx context.Context, id string) (*CredentialRecord, error)
	ListCredentials(ctx context.Context) ([]CredentialRecord, error)
	// ActiveCredentials returns status=active rows for (provider, feature)
	// ordered by priority desc, created_at desc. Empty provider matches all.
	ActiveCredentials(ctx context.Context, provider, feature string) ([]CredentialRecord, error)
	// CredentialsByFeature returns every credential for a feature regardless
	// of status (maintenance evaluation).
	CredentialsByFeature(ctx context.Context, feature string) ([]CredentialRecord, error)
	// ProvidersWithActive returns distinct provider tags holding at least one
	// active credential for the feature, highest priority first.
	ProvidersWithActive(ctx context.Context, feature string) ([]string, error)
	UpdateCredentialStatus(ctx context.Context, id string, status CredentialStatus, priority *int, resetFailures bool) error
	SetCredentialFailure(ctx context.Context, id string, failureCount int, status CredentialStatus) error
	TouchCredentialLastUsed(ctx context.Context, id string) error
	DeleteCredential(ctx context.Context, id string) error

	// Health checks
	InsertHealthCheck(ctx context.Context, hc HealthCheckRecord) error
	ListHealthChecks(ctx context.Context, credentialID string, limit int) ([]HealthCheckRecord, error)

	// Usage counters
	GetUsage(ctx context.Context, userID, date string) (*UsageRecord, error)
	IncrementUsage(ctx context.Context, userID, date string, d UsageDelta) error
	ResetUsage(ctx context.Context, userID, date string) error

	// System flags
	GetFlag(ctx context.Context, name string) (*SystemFlag, error)
	SetFlag(ctx context.Context, name, value, updatedBy string) error

	// Chat
	CreateChatSession(ctx context.Context, s ChatSessionRecord) error
	GetChatSession(ctx context.Context, id string) (*ChatSessionRecord, error)
	ListChatSessions(ctx context.Context, userID string, limit int) ([]ChatSessionRecord, error)
	InsertMessage(ctx context.Context, m MessageRecord) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]MessageRecord, error)

	// Documents & embeddings
	InsertDocument(ctx context.Context, d DocumentRecord) error
	GetDocument(ctx context.Context, id string) (*DocumentRecord, error)
	ListDocuments(ctx context.Context, userID string) ([]DocumentRecord, error)
	ListDocumentsByStatus(ctx context.Context, userID, status string) ([]DocumentRecord, error)
	UpdateDocumentStatus(ctx context.Context, id, status, errMsg string) error
	DeleteDocument(ctx context.Context, id string) error
	InsertEmbeddings(ctx context.Context, rows []EmbeddingRecord) error
	// EmbeddingsForDocuments loads chunk embeddings for the given documents.
	// Sentinel rows (chunk_index = -1) are excluded unless includeSentinel.
	EmbeddingsForDocuments(ctx context.Context, documentIDs []string, includeSentinel bool) ([]EmbeddingRecord, error)

	// Audit
	LogAudit(ctx context.Context, a AuditRecord) error
	ListAudit(ctx context.Context, f AuditFilter) ([]AuditRecord, error)

	// Auth sessions
	CreateAuthSession(ctx context.Context, s AuthSessionRecord) error
	GetAuthSession(ctx context.Context, tokenHash string) (*AuthSessionRecord, error)
	DeleteAuthSession(ctx context.Context, tokenHash string) error

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
