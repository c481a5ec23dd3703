package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema       string        `mapstructure:"DB_SCHEMA"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	// IdentityHashKey keys the national-id hash. It is never logged.
	IdentityHashKey    string `mapstructure:"IDENTITY_HASH_KEY"`
	HIPAAEncryptionKey string `mapstructure:"HIPAA_ENCRYPTION_KEY"`

	StoreTimeout          time.Duration `mapstructure:"STORE_TIMEOUT"`
	ConsentValidityDays   int           `mapstructure:"CONSENT_VALIDITY_DAYS"`
	ConsentSweepInterval  time.Duration `mapstructure:"CONSENT_SWEEP_INTERVAL"`
	FacilityCacheTTL      time.Duration `mapstructure:"FACILITY_CACHE_TTL"`
	PeerFetchConcurrency  int           `mapstructure:"PEER_FETCH_CONCURRENCY"`
	AuditBufferSize       int           `mapstructure:"AUDIT_BUFFER_SIZE"`
	AuditWorkers          int           `mapstructure:"AUDIT_WORKERS"`
	SuspiciousMaxAccesses int           `mapstructure:"SUSPICIOUS_MAX_ACCESSES"`
	SuspiciousMaxPatients int           `mapstructure:"SUSPICIOUS_MAX_PATIENTS"`
	SuspiciousMaxExports  int           `mapstructure:"SUSPICIOUS_MAX_EXPORTS"`
	SuspiciousMaxCross    int           `mapstructure:"SUSPICIOUS_MAX_CROSS"`

	KafkaBrokers    []string `mapstructure:"KAFKA_BROKERS"`
	KafkaAlertTopic string   `mapstructure:"KAFKA_ALERT_TOPIC"`
	SQSConsentQueue string   `mapstructure:"SQS_CONSENT_QUEUE"`
	S3ReportBucket  string   `mapstructure:"S3_REPORT_BUCKET"`
	MetricsEnabled  bool     `mapstructure:"METRICS_ENABLED"`
}

var envKeys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS", "REQUEST_TIMEOUT",
	"IDENTITY_HASH_KEY", "HIPAA_ENCRYPTION_KEY",
	"STORE_TIMEOUT", "CONSENT_VALIDITY_DAYS", "CONSENT_SWEEP_INTERVAL", "FACILITY_CACHE_TTL",
	"PEER_FETCH_CONCURRENCY", "AUDIT_BUFFER_SIZE", "AUDIT_WORKERS",
	"SUSPICIOUS_MAX_ACCESSES", "SUSPICIOUS_MAX_PATIENTS", "SUSPICIOUS_MAX_EXPORTS", "SUSPICIOUS_MAX_CROSS",
	"KAFKA_BROKERS", "KAFKA_ALERT_TOPIC", "SQS_CONSENT_QUEUE", "S3_REPORT_BUCKET", "METRICS_ENABLED",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("STORE_TIMEOUT", "5s")
	v.SetDefault("CONSENT_VALIDITY_DAYS", 90)
	v.SetDefault("CONSENT_SWEEP_INTERVAL", "1h")
	v.SetDefault("FACILITY_CACHE_TTL", "10m")
	v.SetDefault("PEER_FETCH_CONCURRENCY", 4)
	v.SetDefault("AUDIT_BUFFER_SIZE", 1024)
	v.SetDefault("AUDIT_WORKERS", 2)
	v.SetDefault("SUSPICIOUS_MAX_ACCESSES", 50)
	v.SetDefault("SUSPICIOUS_MAX_PATIENTS", 20)
	v.SetDefault("SUSPICIOUS_MAX_EXPORTS", 10)
	v.SetDefault("SUSPICIOUS_MAX_CROSS", 15)
	v.SetDefault("KAFKA_ALERT_TOPIC", "xfacility-alerts")
	v.SetDefault("METRICS_ENABLED", true)

	for _, key := range envKeys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	}
	if cfg.KafkaBrokers == nil {
		cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active for requests without a bearer token.")
	}

	return cfg, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE if set, otherwise "development" in a dev
// environment and "jwt" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// IdentityKey decodes IDENTITY_HASH_KEY. Call Validate first.
func (c *Config) IdentityKey() []byte {
	key, _ := hex.DecodeString(c.IdentityHashKey)
	return key
}

// EncryptionKey decodes HIPAA_ENCRYPTION_KEY, or returns nil when unset.
func (c *Config) EncryptionKey() []byte {
	if c.HIPAAEncryptionKey == "" {
		return nil
	}
	key, _ := hex.DecodeString(c.HIPAAEncryptionKey)
	return key
}

// Validate checks that the configuration is safe to run. The identity hash key
// is always required; without it national ids could not be matched across
// facilities.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "jwt" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}
	if mode == "jwt" && c.AuthSigningKey == "" && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_ISSUER must be set when AUTH_MODE is \"jwt\"")
	}

	if c.IdentityHashKey == "" {
		return fmt.Errorf("IDENTITY_HASH_KEY is required")
	}
	keyBytes, err := hex.DecodeString(c.IdentityHashKey)
	if err != nil {
		return fmt.Errorf("IDENTITY_HASH_KEY is not valid hex: %w", err)
	}
	if len(keyBytes) < 32 {
		return fmt.Errorf("IDENTITY_HASH_KEY must be at least 32 bytes, got %d bytes", len(keyBytes))
	}

	if c.IsProduction() && c.HIPAAEncryptionKey == "" {
		return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production")
	}
	if c.HIPAAEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.HIPAAEncryptionKey)
		if err != nil {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	if c.ConsentValidityDays <= 0 {
		return fmt.Errorf("CONSENT_VALIDITY_DAYS must be positive, got %d", c.ConsentValidityDays)
	}

	return nil
}
