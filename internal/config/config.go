package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/driftmail/mailforge/internal/domain"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Database DatabaseConfig  `yaml:"database"`
	Redis    RedisConfig     `yaml:"redis"`
	Sending  SendingConfig   `yaml:"sending"`
	Logging  LoggingConfig   `yaml:"logging"`
	Accounts []AccountConfig `yaml:"accounts"`
}

// ServerConfig holds HTTP server configuration. Host defaults to localhost
// for local runs; set it (or the HOST env var) to 0.0.0.0 in containers.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// DatabaseConfig holds PostgreSQL settings. When disabled the server runs
// with the in-memory delivery log and YAML-configured accounts only.
type DatabaseConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// RedisConfig holds Redis settings for the per-account rate limiter. When
// disabled, account rate ceilings are not enforced.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// SendingConfig tunes the dispatch scheduler and transport pool.
type SendingConfig struct {
	MaxConcurrent         int `yaml:"max_concurrent"`
	DelayBetweenBatchesMs int `yaml:"delay_between_batches_ms"`
	SendTimeoutSeconds    int `yaml:"send_timeout_seconds"`
	MessagesPerConnection int `yaml:"messages_per_connection"`
	StandbySweepSeconds   int `yaml:"standby_sweep_seconds"`
}

// BatchDelay returns the inter-batch pause as a duration
func (c SendingConfig) BatchDelay() time.Duration {
	return time.Duration(c.DelayBetweenBatchesMs) * time.Millisecond
}

// SendTimeout returns the per-send timeout as a duration
func (c SendingConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// StandbySweep returns the standby reactivation sweep interval
func (c SendingConfig) StandbySweep() time.Duration {
	return time.Duration(c.StandbySweepSeconds) * time.Second
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level string `yaml:"level"`
	// RedactEmails masks recipient addresses in log output. Defaults to
	// true when unset.
	RedactEmails *bool `yaml:"redact_emails"`
}

// Redact reports whether email redaction is on
func (c LoggingConfig) Redact() bool {
	return c.RedactEmails == nil || *c.RedactEmails
}

// AccountConfig is one statically configured SMTP account. Used for
// database-less deployments; database rows win when both exist.
type AccountConfig struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	UseSSL         bool   `yaml:"use_ssl"`
	FromEmail      string `yaml:"from_email"`
	FromName       string `yaml:"from_name"`
	RateLimit      int    `yaml:"rate_limit"`
	MaxConnections int    `yaml:"max_connections"`
}

// ToDomain converts the YAML account into the runtime account type.
func (a AccountConfig) ToDomain() domain.SmtpAccount {
	return domain.SmtpAccount{
		ID:             a.ID,
		Name:           a.Name,
		Host:           a.Host,
		Port:           a.Port,
		Username:       a.Username,
		Password:       a.Password,
		UseSSL:         a.UseSSL,
		FromEmail:      a.FromEmail,
		FromName:       a.FromName,
		RateLimit:      a.RateLimit,
		MaxConnections: a.MaxConnections,
		Status:         domain.AccountActive,
	}
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Sending.MaxConcurrent == 0 {
		cfg.Sending.MaxConcurrent = 5
	}
	if cfg.Sending.DelayBetweenBatchesMs == 0 {
		cfg.Sending.DelayBetweenBatchesMs = 1000
	}
	if cfg.Sending.SendTimeoutSeconds == 0 {
		cfg.Sending.SendTimeoutSeconds = 30
	}
	if cfg.Sending.MessagesPerConnection == 0 {
		cfg.Sending.MessagesPerConnection = 100
	}
	if cfg.Sending.StandbySweepSeconds == 0 {
		cfg.Sending.StandbySweepSeconds = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
// A missing config file is not an error; defaults apply.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if os.IsNotExist(err) {
		cfg = Default()
	} else if err != nil {
		return nil, err
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
		cfg.Database.Enabled = true
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SEND_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sending.MaxConcurrent = n
		}
	}
	if v := os.Getenv("SEND_BATCH_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Sending.DelayBetweenBatchesMs = n
		}
	}

	return cfg, nil
}
