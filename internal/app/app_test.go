package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	envVars := []string{
		"MEDROUTER_LISTEN_ADDR",
		"MEDROUTER_LOG_LEVEL",
		"MEDROUTER_DB_PATH",
		"MEDROUTER_BLOB_DIR",
		"MEDROUTER_GATEWAY_BASE_URL",
		"MEDROUTER_PROVIDER_TIMEOUT_SECS",
		"MEDROUTER_RATE_LIMIT_PER_MIN",
		"MEDROUTER_INGEST_WORKERS",
	}
	for _, key := range envVars {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
	t.Setenv("MEDROUTER_ENCRYPTION_SECRET", "unit-test-secret")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.GatewayBaseURL != "https://openrouter.ai/api" {
		t.Errorf("GatewayBaseURL = %q", cfg.GatewayBaseURL)
	}
	if cfg.ProviderTimeoutSecs != 60 {
		t.Errorf("ProviderTimeoutSecs = %d", cfg.ProviderTimeoutSecs)
	}
	if cfg.IngestWorkers != 2 || cfg.IngestQueueSize != 64 {
		t.Errorf("ingest sizing = %d/%d", cfg.IngestWorkers, cfg.IngestQueueSize)
	}
	if !cfg.HealthProbesEnabled {
		t.Error("health probes should default on")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("MEDROUTER_ENCRYPTION_SECRET", "unit-test-secret")
	t.Setenv("MEDROUTER_LISTEN_ADDR", ":9090")
	t.Setenv("MEDROUTER_LOG_LEVEL", "debug")
	t.Setenv("MEDROUTER_GATEWAY_BASE_URL", "http://localhost:1234")
	t.Setenv("MEDROUTER_RATE_LIMIT_PER_MIN", "10")
	t.Setenv("MEDROUTER_ALERT_SMTP_TO", "a@x.test, b@x.test")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.ListenAddr != ":9090" || cfg.LogLevel != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.GatewayBaseURL != "http://localhost:1234" {
		t.Errorf("GatewayBaseURL = %q", cfg.GatewayBaseURL)
	}
	if cfg.RateLimitPerMin != 10 {
		t.Errorf("RateLimitPerMin = %d", cfg.RateLimitPerMin)
	}
	if len(cfg.SMTPTo) != 2 || cfg.SMTPTo[1] != "b@x.test" {
		t.Errorf("SMTPTo = %v", cfg.SMTPTo)
	}
}

func TestLoadConfigRequiresEncryptionSecret(t *testing.T) {
	t.Setenv("MEDROUTER_ENCRYPTION_SECRET", "")
	_ = os.Unsetenv("MEDROUTER_ENCRYPTION_SECRET")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error without encryption secret")
	}

	t.Setenv("MEDROUTER_ENCRYPTION_SECRET", "short")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for short encryption secret")
	}
}

func TestConfigValidateSMTP(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.SMTPAddr = "mail.test:25"
	if err := cfg.Validate(); err == nil {
		t.Fatal("SMTP addr without from/to must fail validation")
	}
	cfg.SMTPFrom = "alerts@x.test"
	cfg.SMTPTo = []string{"ops@x.test"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func newTestConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		ListenAddr:          ":0",
		LogLevel:            "error",
		DBPath:              filepath.Join(dir, "test.sqlite"),
		BlobDir:             filepath.Join(dir, "blobs"),
		EncryptionSecret:    "unit-test-secret",
		GatewayBaseURL:      "http://localhost:1",
		ProviderTimeoutSecs: 5,
		IngestWorkers:       1,
		IngestQueueSize:     4,
		HealthIntervalSecs:  300,
		ProbeTimeoutSecs:    5,
		RateLimitPerMin:     60,
		RateLimitBurst:      120,
	}
}

func TestNewServerAndShutdown(t *testing.T) {
	srv, err := NewServer(newTestConfig(t))
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	if srv.Router() == nil {
		t.Fatal("expected non-nil Router()")
	}

	// The mounted routes answer without the listener running.
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("health: %d %s", w.Code, w.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
