package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode, enforce foreign keys (cascade deletes), set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			plan TEXT NOT NULL DEFAULT 'free',
			role TEXT NOT NULL DEFAULT '',
			disabled INTEGER NOT NULL DEFAULT 0,
			password_hash TEXT NOT NULL DEFAULT '',
			personal_key TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS admin_allowlist (
			email TEXT PRIMARY KEY,
			role TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			feature TEXT NOT NULL,
			ciphertext TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_used_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_selection ON credentials(feature, provider, status, priority)`,
		`CREATE TABLE IF NOT EXISTS health_checks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			credential_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			status TEXT NOT NULL,
			latency_ms INTEGER,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_health_checks_cred ON health_checks(credential_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS usage_counters (
			user_id TEXT NOT NULL,
			date TEXT NOT NULL,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			requests_count INTEGER NOT NULL DEFAULT 0,
			pdf_uploads INTEGER NOT NULL DEFAULT 0,
			mcqs_generated INTEGER NOT NULL DEFAULT 0,
			images_used INTEGER NOT NULL DEFAULT 0,
			flashcards_generated INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, date)
		)`,
		`CREATE TABLE IF NOT EXISTS system_flags (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_by TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			title TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tokens_used INTEGER,
			citations TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			filename TEXT NOT NULL,
			file_type TEXT NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			blob_path TEXT NOT NULL,
			processing_status TEXT NOT NULL DEFAULT 'pending',
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id, processing_status)`,
		`CREATE TABLE IF NOT EXISTS embeddings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			chunk_text TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			vector TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_embeddings_doc ON embeddings(document_id, chunk_index)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			admin_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			target_type TEXT NOT NULL DEFAULT '',
			target_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_created ON audit_logs(created_at)`,
		`CREATE TABLE IF NOT EXISTS auth_sessions (
			token_hash TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			expires_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTS(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

// Users

func (s *SQLiteStore) CreateUser(ctx context.Context, u UserRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, display_name, plan, role, disabled, password_hash, personal_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.DisplayName, string(u.Plan), string(u.Role), boolInt(u.Disabled),
		u.PasswordHash, u.PersonalKey, ts(u.CreatedAt), ts(u.UpdatedAt))
	return err
}

const userCols = `id, email, display_name, plan, role, disabled, password_hash, personal_key, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*UserRecord, error) {
	var u UserRecord
	var plan, role, created, updated string
	var disabled int
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &plan, &role, &disabled,
		&u.PasswordHash, &u.PersonalKey, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Plan = Plan(plan)
	u.Role = Role(role)
	u.Disabled = disabled != 0
	u.CreatedAt = parseTS(created)
	u.UpdatedAt = parseTS(updated)
	return &u, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*UserRecord, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE id = ?`, id))
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*UserRecord, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE email = ?`, email))
}

func (s *SQLiteStore) ListUsers(ctx context.Context, limit, offset int) ([]UserRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userCols+` FROM users ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []UserRecord
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) UpdateUserPlan(ctx context.Context, id string, plan Plan) error {
	return s.execOne(ctx, `UPDATE users SET plan = ?, updated_at = ? WHERE id = ?`,
		string(plan), ts(time.Now()), id)
}

func (s *SQLiteStore) SetUserDisabled(ctx context.Context, id string, disabled bool) error {
	return s.execOne(ctx, `UPDATE users SET disabled = ?, updated_at = ? WHERE id = ?`,
		boolInt(disabled), ts(time.Now()), id)
}

func (s *SQLiteStore) SetUserRole(ctx context.Context, id string, role Role) error {
	return s.execOne(ctx, `UPDATE users SET role = ?, updated_at = ? WHERE id = ?`,
		string(role), ts(time.Now()), id)
}

func (s *SQLiteStore) SetUserPersonalKey(ctx context.Context, id, ciphertext string) error {
	return s.execOne(ctx, `UPDATE users SET personal_key = ?, updated_at = ? WHERE id = ?`,
		ciphertext, ts(time.Now()), id)
}

func (s *SQLiteStore) DeleteUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	return err
}

// Admin allowlist

func (s *SQLiteStore) GetAllowlistRole(ctx context.Context, email string) (Role, error) {
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM admin_allowlist WHERE email = ?`, email).Scan(&role)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return Role(role), nil
}

func (s *SQLiteStore) UpsertAllowlist(ctx context.Context, email string, role Role) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admin_allowlist (email, role) VALUES (?, ?)
		 ON CONFLICT(email) DO UPDATE SET role = excluded.role`,
		email, string(role))
	return err
}

// Credentials

const credCols = `id, provider, feature, ciphertext, priority, status, failure_count, last_used_at, created_at, updated_at`

func scanCredential(row interface{ Scan(...any) error }) (*CredentialRecord, error) {
	var c CredentialRecord
	var status, created, updated string
	var lastUsed sql.NullString
	err := row.Scan(&c.ID, &c.Provider, &c.Feature, &c.Ciphertext, &c.Priority,
		&status, &c.FailureCount, &lastUsed, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Status = CredentialStatus(status)
	if lastUsed.Valid {
		t := parseTS(lastUsed.String)
		c.LastUsedAt = &t
	}
	c.CreatedAt = parseTS(created)
	c.UpdatedAt = parseTS(updated)
	return &c, nil
}

func (s *SQLiteStore) scanCredentials(rows *sql.Rows) ([]CredentialRecord, error) {
	defer func() { _ = rows.Close() }()
	var creds []CredentialRecord
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, *c)
	}
	return creds, rows.Err()
}

func (s *SQLiteStore) InsertCredential(ctx context.Context, c CredentialRecord) error {
	if !ValidCredentialStatus(c.Status) {
		return fmt.Errorf("invalid credential status %q", c.Status)
	}
	var lastUsed *string
	if c.LastUsedAt != nil {
		v := ts(*c.LastUsedAt)
		lastUsed = &v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (id, provider, feature, ciphertext, priority, status, failure_count, last_used_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Provider, c.Feature, c.Ciphertext, c.Priority, string(c.Status),
		c.FailureCount, lastUsed, ts(c.CreatedAt), ts(c.UpdatedAt))
	return err
}

func (s *SQLiteStore) GetCredential(ctx context.Context, id string) (*CredentialRecord, error) {
	return scanCredential(s.db.QueryRowContext(ctx,
		`SELECT `+credCols+` FROM credentials WHERE id = ?`, id))
}

func (s *SQLiteStore) ListCredentials(ctx context.Context) ([]CredentialRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credCols+` FROM credentials ORDER BY priority DESC, created_at DESC`)
	if err != nil {
		return nil, err
	}
	return s.scanCredentials(rows)
}

func (s *SQLiteStore) ActiveCredentials(ctx context.Context, provider, feature string) ([]CredentialRecord, error) {
	q := `SELECT ` + credCols + ` FROM credentials WHERE feature = ? AND status = 'active'`
	args := []any{feature}
	if provider != "" {
		q += ` AND provider = ?`
		args = append(args, provider)
	}
	q += ` ORDER BY priority DESC, created_at DESC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return s.scanCredentials(rows)
}

func (s *SQLiteStore) CredentialsByFeature(ctx context.Context, feature string) ([]CredentialRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credCols+` FROM credentials WHERE feature = ? ORDER BY priority DESC, created_at DESC`, feature)
	if err != nil {
		return nil, err
	}
	return s.scanCredentials(rows)
}

func (s *SQLiteStore) ProvidersWithActive(ctx context.Context, feature string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, MAX(priority) AS p FROM credentials
		 WHERE feature = ? AND status = 'active'
		 GROUP BY provider ORDER BY p DESC`, feature)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var providers []string
	for rows.Next() {
		var p string
		var max int
		if err := rows.Scan(&p, &max); err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

func (s *SQLiteStore) UpdateCredentialStatus(ctx context.Context, id string, status CredentialStatus, priority *int, resetFailures bool) error {
	if !ValidCredentialStatus(status) {
		return fmt.Errorf("invalid credential status %q", status)
	}
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{string(status), ts(time.Now())}
	if priority != nil {
		set = append(set, "priority = ?")
		args = append(args, *priority)
	}
	if resetFailures {
		set = append(set, "failure_count = 0")
	}
	args = append(args, id)
	return s.execOne(ctx, `UPDATE credentials SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
}

func (s *SQLiteStore) SetCredentialFailure(ctx context.Context, id string, failureCount int, status CredentialStatus) error {
	if !ValidCredentialStatus(status) {
		return fmt.Errorf("invalid credential status %q", status)
	}
	return s.execOne(ctx,
		`UPDATE credentials SET failure_count = ?, status = ?, updated_at = ? WHERE id = ?`,
		failureCount, string(status), ts(time.Now()), id)
}

func (s *SQLiteStore) TouchCredentialLastUsed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET last_used_at = ? WHERE id = ?`, ts(time.Now()), id)
	return err
}

func (s *SQLiteStore) DeleteCredential(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	return err
}

// Health checks

func (s *SQLiteStore) InsertHealthCheck(ctx context.Context, hc HealthCheckRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO health_checks (credential_id, timestamp, status, latency_ms, error)
		 VALUES (?, ?, ?, ?, ?)`,
		hc.CredentialID, ts(hc.Timestamp), hc.Status, hc.LatencyMs, hc.Error)
	return err
}

func (s *SQLiteStore) ListHealthChecks(ctx context.Context, credentialID string, limit int) ([]HealthCheckRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, credential_id, timestamp, status, latency_ms, error FROM health_checks`
	args := []any{}
	if credentialID != "" {
		q += ` WHERE credential_id = ?`
		args = append(args, credentialID)
	}
	q += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var checks []HealthCheckRecord
	for rows.Next() {
		var hc HealthCheckRecord
		var tsStr string
		var latency sql.NullInt64
		if err := rows.Scan(&hc.ID, &hc.CredentialID, &tsStr, &hc.Status, &latency, &hc.Error); err != nil {
			return nil, err
		}
		hc.Timestamp = parseTS(tsStr)
		if latency.Valid {
			v := latency.Int64
			hc.LatencyMs = &v
		}
		checks = append(checks, hc)
	}
	return checks, rows.Err()
}

// Usage counters

func (s *SQLiteStore) GetUsage(ctx context.Context, userID, date string) (*UsageRecord, error) {
	var u UsageRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, date, tokens_used, requests_count, pdf_uploads, mcqs_generated, images_used, flashcards_generated
		 FROM usage_counters WHERE user_id = ? AND date = ?`, userID, date).
		Scan(&u.UserID, &u.Date, &u.TokensUsed, &u.RequestsCount, &u.PDFUploads,
			&u.MCQsGenerated, &u.ImagesUsed, &u.FlashcardsGenerated)
	if err == sql.ErrNoRows {
		// A missing row means no usage today; implicit daily reset.
		return &UsageRecord{UserID: userID, Date: date}, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) IncrementUsage(ctx context.Context, userID, date string, d UsageDelta) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_counters (user_id, date, tokens_used, requests_count, pdf_uploads, mcqs_generated, images_used, flashcards_generated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, date) DO UPDATE SET
		   tokens_used = tokens_used + excluded.tokens_used,
		   requests_count = requests_count + excluded.requests_count,
		   pdf_uploads = pdf_uploads + excluded.pdf_uploads,
		   mcqs_generated = mcqs_generated + excluded.mcqs_generated,
		   images_used = images_used + excluded.images_used,
		   flashcards_generated = flashcards_generated + excluded.flashcards_generated`,
		userID, date, d.Tokens, d.Requests, d.PDFUploads, d.MCQsGenerated, d.ImagesUsed, d.FlashcardsGenerated)
	return err
}

func (s *SQLiteStore) ResetUsage(ctx context.Context, userID, date string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM usage_counters WHERE user_id = ? AND date = ?`, userID, date)
	return err
}

// System flags

func (s *SQLiteStore) GetFlag(ctx context.Context, name string) (*SystemFlag, error) {
	var f SystemFlag
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, value, updated_by, updated_at FROM system_flags WHERE name = ?`, name).
		Scan(&f.Name, &f.Value, &f.UpdatedBy, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f.UpdatedAt = parseTS(updated)
	return &f, nil
}

func (s *SQLiteStore) SetFlag(ctx context.Context, name, value, updatedBy string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_flags (name, value, updated_by, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   value = excluded.value,
		   updated_by = excluded.updated_by,
		   updated_at = excluded.updated_at`,
		name, value, updatedBy, ts(time.Now()))
	return err
}

// Chat

func (s *SQLiteStore) CreateChatSession(ctx context.Context, cs ChatSessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		cs.ID, cs.UserID, cs.Title, ts(cs.CreatedAt), ts(cs.UpdatedAt))
	return err
}

func (s *SQLiteStore) GetChatSession(ctx context.Context, id string) (*ChatSessionRecord, error) {
	var cs ChatSessionRecord
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM chat_sessions WHERE id = ?`, id).
		Scan(&cs.ID, &cs.UserID, &cs.Title, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cs.CreatedAt = parseTS(created)
	cs.UpdatedAt = parseTS(updated)
	return &cs, nil
}

func (s *SQLiteStore) ListChatSessions(ctx context.Context, userID string, limit int) ([]ChatSessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM chat_sessions
		 WHERE user_id = ? ORDER BY updated_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []ChatSessionRecord
	for rows.Next() {
		var cs ChatSessionRecord
		var created, updated string
		if err := rows.Scan(&cs.ID, &cs.UserID, &cs.Title, &created, &updated); err != nil {
			return nil, err
		}
		cs.CreatedAt = parseTS(created)
		cs.UpdatedAt = parseTS(updated)
		sessions = append(sessions, cs)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, m MessageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, tokens_used, citations, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Role, m.Content, m.TokensUsed, m.Citations, ts(m.CreatedAt))
	return err
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, tokens_used, citations, created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []MessageRecord
	for rows.Next() {
		var m MessageRecord
		var created string
		var tokens sql.NullInt64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &tokens, &m.Citations, &created); err != nil {
			return nil, err
		}
		if tokens.Valid {
			v := tokens.Int64
			m.TokensUsed = &v
		}
		m.CreatedAt = parseTS(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Documents & embeddings

func (s *SQLiteStore) InsertDocument(ctx context.Context, d DocumentRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, user_id, filename, file_type, size_bytes, blob_path, processing_status, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.UserID, d.Filename, d.FileType, d.SizeBytes, d.BlobPath,
		d.ProcessingStatus, d.Error, ts(d.CreatedAt))
	return err
}

const docCols = `id, user_id, filename, file_type, size_bytes, blob_path, processing_status, error, created_at`

func scanDocument(row interface{ Scan(...any) error }) (*DocumentRecord, error) {
	var d DocumentRecord
	var created string
	err := row.Scan(&d.ID, &d.UserID, &d.Filename, &d.FileType, &d.SizeBytes,
		&d.BlobPath, &d.ProcessingStatus, &d.Error, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.CreatedAt = parseTS(created)
	return &d, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*DocumentRecord, error) {
	return scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+docCols+` FROM documents WHERE id = ?`, id))
}

func (s *SQLiteStore) listDocs(ctx context.Context, q string, args ...any) ([]DocumentRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var docs []DocumentRecord
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, userID string) ([]DocumentRecord, error) {
	return s.listDocs(ctx,
		`SELECT `+docCols+` FROM documents WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

func (s *SQLiteStore) ListDocumentsByStatus(ctx context.Context, userID, status string) ([]DocumentRecord, error) {
	return s.listDocs(ctx,
		`SELECT `+docCols+` FROM documents WHERE user_id = ? AND processing_status = ? ORDER BY created_at DESC`,
		userID, status)
}

func (s *SQLiteStore) UpdateDocumentStatus(ctx context.Context, id, status, errMsg string) error {
	return s.execOne(ctx,
		`UPDATE documents SET processing_status = ?, error = ? WHERE id = ?`, status, errMsg, id)
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) error {
	// Embeddings cascade via foreign key.
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) InsertEmbeddings(ctx context.Context, recs []EmbeddingRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO embeddings (document_id, chunk_text, chunk_index, vector) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer func() { _ = stmt.Close() }()
	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx, r.DocumentID, r.ChunkText, r.ChunkIndex, r.Vector); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) EmbeddingsForDocuments(ctx context.Context, documentIDs []string, includeSentinel bool) ([]EmbeddingRecord, error) {
	if len(documentIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(documentIDs))
	placeholders = placeholders[:len(placeholders)-1]
	q := `SELECT id, document_id, chunk_text, chunk_index, vector FROM embeddings
	      WHERE document_id IN (` + placeholders + `)`
	if !includeSentinel {
		q += fmt.Sprintf(` AND chunk_index != %d`, SentinelChunkIndex)
	}
	args := make([]any, len(documentIDs))
	for i, id := range documentIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []EmbeddingRecord
	for rows.Next() {
		var r EmbeddingRecord
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.ChunkText, &r.ChunkIndex, &r.Vector); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Audit

func (s *SQLiteStore) LogAudit(ctx context.Context, a AuditRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (admin_id, action_type, target_type, target_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.AdminID, a.ActionType, a.TargetType, a.TargetID, a.Detail, ts(a.CreatedAt))
	return err
}

func (s *SQLiteStore) ListAudit(ctx context.Context, f AuditFilter) ([]AuditRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	q := `SELECT id, admin_id, action_type, target_type, target_id, detail, created_at FROM audit_logs`
	var where []string
	var args []any
	if f.AdminID != "" {
		where = append(where, "admin_id = ?")
		args = append(args, f.AdminID)
	}
	if f.TargetType != "" {
		where = append(where, "target_type = ?")
		args = append(args, f.TargetType)
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []AuditRecord
	for rows.Next() {
		var a AuditRecord
		var created string
		if err := rows.Scan(&a.ID, &a.AdminID, &a.ActionType, &a.TargetType, &a.TargetID, &a.Detail, &created); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTS(created)
		recs = append(recs, a)
	}
	return recs, rows.Err()
}

// Auth sessions

func (s *SQLiteStore) CreateAuthSession(ctx context.Context, as AuthSessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_sessions (token_hash, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		as.TokenHash, as.UserID, ts(as.ExpiresAt), ts(as.CreatedAt))
	return err
}

func (s *SQLiteStore) GetAuthSession(ctx context.Context, tokenHash string) (*AuthSessionRecord, error) {
	var as AuthSessionRecord
	var expires, created string
	err := s.db.QueryRowContext(ctx,
		`SELECT token_hash, user_id, expires_at, created_at FROM auth_sessions WHERE token_hash = ?`, tokenHash).
		Scan(&as.TokenHash, &as.UserID, &expires, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	as.ExpiresAt = parseTS(expires)
	as.CreatedAt = parseTS(created)
	return &as, nil
}

func (s *SQLiteStore) DeleteAuthSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE token_hash = ?`, tokenHash)
	return err
}

// execOne runs an UPDATE and returns ErrNotFound when no row was touched.
func (s *SQLiteStore) execOne(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
