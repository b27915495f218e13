package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/oslerlabs/medrouter/internal/secrets"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	DBPath  string
	BlobDir string

	// EncryptionSecret seals credentials at rest. Required.
	EncryptionSecret string

	// SuperAdminEmail is the break-glass account that always resolves to the
	// super_admin role.
	SuperAdminEmail string

	GatewayBaseURL      string
	ModelsPath          string
	ProviderTimeoutSecs int

	IngestWorkers   int
	IngestQueueSize int

	HealthIntervalSecs  int
	ProbeTimeoutSecs    int
	HealthProbesEnabled bool

	RateLimitPerMin int
	RateLimitBurst  int

	CORSOrigins []string

	TracingEnabled bool
	OTLPEndpoint   string
	ServiceName    string

	// Alert sinks. Empty values disable the sink.
	WebhookURL string
	SMTPAddr   string
	SMTPFrom   string
	SMTPTo     []string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("MEDROUTER_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("MEDROUTER_LOG_LEVEL", "info"),
		DBPath:     getEnv("MEDROUTER_DB_PATH", "data/medrouter.sqlite"),
		BlobDir:    getEnv("MEDROUTER_BLOB_DIR", "data/blobs"),

		EncryptionSecret: getEnv("MEDROUTER_ENCRYPTION_SECRET", ""),
		SuperAdminEmail:  getEnv("MEDROUTER_SUPER_ADMIN_EMAIL", ""),

		GatewayBaseURL:      getEnv("MEDROUTER_GATEWAY_BASE_URL", "https://openrouter.ai/api"),
		ModelsPath:          getEnv("MEDROUTER_MODELS_PATH", ""),
		ProviderTimeoutSecs: getEnvInt("MEDROUTER_PROVIDER_TIMEOUT_SECS", 60),

		IngestWorkers:   getEnvInt("MEDROUTER_INGEST_WORKERS", 2),
		IngestQueueSize: getEnvInt("MEDROUTER_INGEST_QUEUE_SIZE", 64),

		HealthIntervalSecs:  getEnvInt("MEDROUTER_HEALTH_INTERVAL_SECS", 300),
		ProbeTimeoutSecs:    getEnvInt("MEDROUTER_PROBE_TIMEOUT_SECS", 30),
		HealthProbesEnabled: getEnvBool("MEDROUTER_HEALTH_PROBES_ENABLED", true),

		RateLimitPerMin: getEnvInt("MEDROUTER_RATE_LIMIT_PER_MIN", 60),
		RateLimitBurst:  getEnvInt("MEDROUTER_RATE_LIMIT_BURST", 120),

		CORSOrigins: getEnvStringSlice("MEDROUTER_CORS_ORIGINS", nil),

		TracingEnabled: getEnvBool("MEDROUTER_TRACING_ENABLED", false),
		OTLPEndpoint:   getEnv("MEDROUTER_OTLP_ENDPOINT", "localhost:4318"),
		ServiceName:    getEnv("MEDROUTER_SERVICE_NAME", "medrouter"),

		WebhookURL: getEnv("MEDROUTER_ALERT_WEBHOOK_URL", ""),
		SMTPAddr:   getEnv("MEDROUTER_ALERT_SMTP_ADDR", ""),
		SMTPFrom:   getEnv("MEDROUTER_ALERT_SMTP_FROM", ""),
		SMTPTo:     getEnvStringSlice("MEDROUTER_ALERT_SMTP_TO", nil),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if err := secrets.ValidateSecret(c.EncryptionSecret); err != nil {
		return fmt.Errorf("MEDROUTER_ENCRYPTION_SECRET: %w", err)
	}
	if c.GatewayBaseURL == "" {
		return fmt.Errorf("MEDROUTER_GATEWAY_BASE_URL must not be empty")
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("MEDROUTER_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	if c.IngestWorkers <= 0 {
		return fmt.Errorf("MEDROUTER_INGEST_WORKERS must be > 0, got %d", c.IngestWorkers)
	}
	if c.IngestQueueSize <= 0 {
		return fmt.Errorf("MEDROUTER_INGEST_QUEUE_SIZE must be > 0, got %d", c.IngestQueueSize)
	}
	if c.HealthIntervalSecs <= 0 {
		return fmt.Errorf("MEDROUTER_HEALTH_INTERVAL_SECS must be > 0, got %d", c.HealthIntervalSecs)
	}
	if c.RateLimitPerMin <= 0 {
		return fmt.Errorf("MEDROUTER_RATE_LIMIT_PER_MIN must be > 0, got %d", c.RateLimitPerMin)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("MEDROUTER_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.SMTPAddr != "" && (c.SMTPFrom == "" || len(c.SMTPTo) == 0) {
		return fmt.Errorf("MEDROUTER_ALERT_SMTP_FROM and MEDROUTER_ALERT_SMTP_TO are required with MEDROUTER_ALERT_SMTP_ADDR")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
