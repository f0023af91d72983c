package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/intake/internal/platform/idgen"
)

type Config struct {
	Env                   string        `mapstructure:"ENV"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	KafkaBrokers          []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic            string        `mapstructure:"KAFKA_TOPIC"`
	KafkaGroup            string        `mapstructure:"KAFKA_GROUP"`
	RedisURL              string        `mapstructure:"REDIS_URL"`
	LockTTL               time.Duration `mapstructure:"LOCK_TTL"`
	LockWait              time.Duration `mapstructure:"LOCK_WAIT"`
	DLQStream             string        `mapstructure:"DLQ_STREAM"`
	IdgenURL              string        `mapstructure:"IDGEN_URL"`
	IdgenTimeout          time.Duration `mapstructure:"IDGEN_TIMEOUT"`
	IdgenMaxRetries       int           `mapstructure:"IDGEN_MAX_RETRIES"`
	IdgenSigningKey       string        `mapstructure:"IDGEN_SIGNING_KEY"`
	PrimaryIdentifierType string        `mapstructure:"PRIMARY_IDENTIFIER_TYPE"`
	MatchThreshold        float64       `mapstructure:"MATCH_THRESHOLD"`
	RejectDuplicates      bool          `mapstructure:"REJECT_DUPLICATES"`
	RetryMaxAttempts      int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryBackoff          time.Duration `mapstructure:"RETRY_BACKOFF"`
	OpsAddr               string        `mapstructure:"OPS_ADDR"`
	TracingEnabled        bool          `mapstructure:"TRACING_ENABLED"`
	TracingEndpoint       string        `mapstructure:"TRACING_ENDPOINT"`
	TracingInsecure       bool          `mapstructure:"TRACING_INSECURE"`
}

var keys = []string{
	"ENV",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"KAFKA_BROKERS",
	"KAFKA_TOPIC",
	"KAFKA_GROUP",
	"REDIS_URL",
	"LOCK_TTL",
	"LOCK_WAIT",
	"DLQ_STREAM",
	"IDGEN_URL",
	"IDGEN_TIMEOUT",
	"IDGEN_MAX_RETRIES",
	"IDGEN_SIGNING_KEY",
	"PRIMARY_IDENTIFIER_TYPE",
	"MATCH_THRESHOLD",
	"REJECT_DUPLICATES",
	"RETRY_MAX_ATTEMPTS",
	"RETRY_BACKOFF",
	"OPS_ADDR",
	"TRACING_ENABLED",
	"TRACING_ENDPOINT",
	"TRACING_INSECURE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("KAFKA_TOPIC", "registration-queue")
	v.SetDefault("KAFKA_GROUP", "intake-worker")
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("LOCK_TTL", "2m")
	v.SetDefault("LOCK_WAIT", "5s")
	v.SetDefault("DLQ_STREAM", "intake:dlq")
	v.SetDefault("IDGEN_TIMEOUT", "10s")
	v.SetDefault("IDGEN_MAX_RETRIES", 3)
	v.SetDefault("PRIMARY_IDENTIFIER_TYPE", "58a4732e-1359-11df-a1f1-0026b9348838")
	v.SetDefault("MATCH_THRESHOLD", 0.85)
	v.SetDefault("REJECT_DUPLICATES", false)
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_BACKOFF", "2s")
	v.SetDefault("OPS_ADDR", ":9090")
	v.SetDefault("TRACING_INSECURE", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Brokers arrive either as one comma separated value or already split.
	cfg.KafkaBrokers = splitList(strings.Join(cfg.KafkaBrokers, ","))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func splitList(s string) []string {
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

// Validate checks the settings the worker needs before it starts consuming.
// The migrate and process commands only need the database and the
// identifier service, so they call ValidateCore instead.
func (c *Config) Validate() error {
	if err := c.ValidateCore(); err != nil {
		return err
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.RetryBackoff <= 0 {
		return fmt.Errorf("RETRY_BACKOFF must be positive")
	}
	// The identifier request runs under the lock.
	if worst := idgen.MaxIssueDuration(c.IdgenTimeout, c.IdgenMaxRetries); c.LockTTL <= worst {
		return fmt.Errorf("LOCK_TTL (%s) must exceed the longest identifier request (%s)", c.LockTTL, worst)
	}
	return nil
}

func (c *Config) ValidateCore() error {
	if c.IdgenURL == "" {
		return fmt.Errorf("IDGEN_URL is required")
	}
	if c.IdgenTimeout <= 0 {
		return fmt.Errorf("IDGEN_TIMEOUT must be positive")
	}
	if c.IdgenMaxRetries < 0 {
		return fmt.Errorf("IDGEN_MAX_RETRIES must not be negative, got %d", c.IdgenMaxRetries)
	}
	if c.MatchThreshold <= 0 || c.MatchThreshold > 1 {
		return fmt.Errorf("MATCH_THRESHOLD must be in (0, 1], got %v", c.MatchThreshold)
	}
	if c.PrimaryIdentifierType == "" {
		return fmt.Errorf("PRIMARY_IDENTIFIER_TYPE is required")
	}
	return nil
}
