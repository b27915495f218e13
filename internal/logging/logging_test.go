package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newBufLogger(buf *bytes.Buffer) *slog.Logger {
	base := slog.NewJSONHandler(buf, nil)
	return slog.New(&RedactingHandler{base: base})
}

func TestRedactingHandlerRedactsAuthHeaders(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufLogger(&buf)

	logger.Info("test",
		slog.String("authorization", "Bearer sk-or-v1-secret"),
		slog.String("x-api-key", "my-key"),
		slog.String("method", "POST"),
	)

	output := buf.String()
	if strings.Contains(output, "sk-or-v1-secret") {
		t.Error("authorization header value should be redacted")
	}
	if strings.Contains(output, "my-key") {
		t.Error("x-api-key value should be redacted")
	}
	if !strings.Contains(output, "[REDACTED]") {
		t.Error("expected [REDACTED] placeholder")
	}
	if !strings.Contains(output, "POST") {
		t.Error("non-sensitive values should be preserved")
	}
}

func TestRedactingHandlerRedactsPromptAndBody(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufLogger(&buf)

	logger.Info("test",
		slog.String("body", `{"message":"explain the Krebs cycle"}`),
		slog.String("prompt", "generate 5 MCQs on cardiology"),
	)

	output := buf.String()
	if strings.Contains(output, "Krebs cycle") {
		t.Error("request body should be redacted")
	}
	if strings.Contains(output, "cardiology") {
		t.Error("prompt should be redacted")
	}
}

func TestRedactingHandlerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufLogger(&buf)

	logger.Info("test",
		slog.String("api_key", "sk-12345"),
		slog.String("password", "hunter2"),
		slog.String("session_token", "med_abc"),
		slog.String("credential_ciphertext", "base64blob"),
	)

	output := buf.String()
	for _, leaked := range []string{"sk-12345", "hunter2", "med_abc", "base64blob"} {
		if strings.Contains(output, leaked) {
			t.Errorf("%q should be redacted", leaked)
		}
	}
}

func TestRedactingHandlerPreservesNonSensitive(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufLogger(&buf)

	logger.Info("test",
		slog.String("path", "/api/chat"),
		slog.Int("status", 200),
		slog.String("provider", "openrouter"),
	)

	output := buf.String()
	if !strings.Contains(output, "/api/chat") || !strings.Contains(output, "openrouter") {
		t.Errorf("non-sensitive values should be preserved: %s", output)
	}
}

func TestRedactingHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	handler := &RedactingHandler{base: base}

	child := handler.WithAttrs([]slog.Attr{
		slog.String("authorization", "Bearer leaked"),
		slog.String("method", "GET"),
	})
	slog.New(child).Info("request")

	output := buf.String()
	if strings.Contains(output, "leaked") {
		t.Error("authorization in WithAttrs should be redacted")
	}
	if !strings.Contains(output, "GET") {
		t.Error("non-sensitive WithAttrs value should be preserved")
	}
}

func TestSetLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tc := range tests {
		SetLevel(tc.input)
		if globalLevel.Level() != tc.expected {
			t.Errorf("SetLevel(%q): got %v, want %v", tc.input, globalLevel.Level(), tc.expected)
		}
	}
}

func TestUserIDContext(t *testing.T) {
	ctx := WithUserID(context.Background(), "u1")
	if got := UserID(ctx); got != "u1" {
		t.Errorf("UserID = %q", got)
	}
	if got := UserID(context.Background()); got != "" {
		t.Errorf("UserID on empty ctx = %q", got)
	}
}

func TestRequestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufLogger(&buf)

	mw := RequestLogger(logger)
	// Auth middleware sets the user ID before the logger runs.
	outer := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), "u-77")))
		})
	}
	server := httptest.NewServer(outer(mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))))
	defer server.Close()

	req, _ := http.NewRequest("GET", server.URL+"/api/chat", nil)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	_ = resp.Body.Close()

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parse log output: %v\n%s", err, buf.String())
	}
	if entry["msg"] != "http_request" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["path"] != "/api/chat" {
		t.Errorf("path = %v", entry["path"])
	}
	if entry["request_id"] != "req-42" {
		t.Errorf("request_id = %v", entry["request_id"])
	}
	if entry["user_id"] != "u-77" {
		t.Errorf("user_id = %v", entry["user_id"])
	}
	if status, ok := entry["status"].(float64); !ok || int(status) != 200 {
		t.Errorf("status = %v", entry["status"])
	}
}
