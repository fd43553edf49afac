// Package config provides layered configuration loading for the MailVoid
// SMTP server: code defaults, then an optional YAML file, then environment
// variables (a .env file is honored). The resulting Config is built once at
// startup and passed into each component; nothing reads configuration
// ambiently.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// envPrefix is the prefix for all environment variables, e.g.
// MAILVOID_SMTP_PORT.
const envPrefix = "mailvoid"

// defaultMaxMessageSize is 10 MiB in bytes.
const defaultMaxMessageSize = 10 * 1024 * 1024

// Config holds the complete application configuration.
type Config struct {
	SMTPServer SMTPServerConfig `yaml:"smtp_server"`
	API        APIConfig        `yaml:"mailvoid_api"`
	Filter     FilterConfig     `yaml:"mailbox_filter"`
	Queue      QueueConfig      `yaml:"email_queue"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SMTPServerConfig holds the SMTP endpoint configuration.
type SMTPServerConfig struct {
	Port                  int    `yaml:"port" envconfig:"SMTP_PORT"`
	SubmissionPort        int    `yaml:"submission_port" envconfig:"SMTP_SUBMISSION_PORT"`
	TLSPort               int    `yaml:"tls_port" envconfig:"SMTP_TLS_PORT"`
	Name                  string `yaml:"name" envconfig:"SMTP_NAME"`
	MaxMessageSize        int64  `yaml:"max_message_size" envconfig:"SMTP_MAX_MESSAGE_SIZE"`
	RequireAuthentication bool   `yaml:"require_authentication" envconfig:"SMTP_REQUIRE_AUTHENTICATION"`
	TLSEnabled            bool   `yaml:"tls_enabled" envconfig:"SMTP_TLS_ENABLED"`
	TLSDomain             string `yaml:"tls_domain" envconfig:"SMTP_TLS_DOMAIN"`
	CertificatePath       string `yaml:"certificate_path" envconfig:"SMTP_CERTIFICATE_PATH"`
	CertificatePassword   string `yaml:"certificate_password" envconfig:"SMTP_CERTIFICATE_PASSWORD"`
}

// APIConfig holds the MailVoid API webhook configuration.
type APIConfig struct {
	BaseURL         string `yaml:"base_url" envconfig:"API_BASE_URL"`
	WebhookEndpoint string `yaml:"webhook_endpoint" envconfig:"API_WEBHOOK_ENDPOINT"`
	APIKey          string `yaml:"api_key" envconfig:"API_API_KEY"`
}

// FilterConfig holds the mailbox filter policy.
type FilterConfig struct {
	AllowedDomains      []string `yaml:"allowed_domains" envconfig:"FILTER_ALLOWED_DOMAINS"`
	BlockedDomains      []string `yaml:"blocked_domains" envconfig:"FILTER_BLOCKED_DOMAINS"`
	MaxMessageSizeBytes int64    `yaml:"max_message_size_bytes" envconfig:"FILTER_MAX_MESSAGE_SIZE_BYTES"`
}

// QueueConfig holds retry and concurrency settings shared by the inbound and
// outbound queues.
type QueueConfig struct {
	MaxRetryAttempts        int `yaml:"max_retry_attempts" envconfig:"QUEUE_MAX_RETRY_ATTEMPTS"`
	BaseRetryDelaySeconds   int `yaml:"base_retry_delay_seconds" envconfig:"QUEUE_BASE_RETRY_DELAY_SECONDS"`
	MaxConcurrentProcessing int `yaml:"max_concurrent_processing" envconfig:"QUEUE_MAX_CONCURRENT_PROCESSING"`
}

// MetricsConfig holds the optional metrics listener address.
type MetricsConfig struct {
	Listen string `yaml:"listen" envconfig:"METRICS_LISTEN"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" envconfig:"LOG_LEVEL"`
}

// Load builds the configuration: defaults, then the YAML file at path (when
// non-empty), then environment variables. A .env file in the working
// directory is loaded into the environment first.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	// Missing .env is fine; environment variables are read either way.
	_ = godotenv.Load()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	return cfg, nil
}

// BaseRetryDelay returns the queue retry base delay as a duration.
func (c *QueueConfig) BaseRetryDelay() time.Duration {
	return time.Duration(c.BaseRetryDelaySeconds) * time.Second
}

// EffectiveMaxMessageSize returns the filter's size ceiling, falling back to
// the SMTP server's ceiling when the filter does not set one.
func (c *Config) EffectiveMaxMessageSize() int64 {
	if c.Filter.MaxMessageSizeBytes > 0 {
		return c.Filter.MaxMessageSizeBytes
	}
	return c.SMTPServer.MaxMessageSize
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTPServer.Port = 2525
	c.SMTPServer.SubmissionPort = 2587
	c.SMTPServer.TLSPort = 2465
	c.SMTPServer.Name = "localhost"
	c.SMTPServer.MaxMessageSize = defaultMaxMessageSize
	c.SMTPServer.TLSEnabled = true
	c.API.WebhookEndpoint = "/api/webhook/inbound"
	c.Queue.MaxRetryAttempts = 3
	c.Queue.BaseRetryDelaySeconds = 5
	c.Queue.MaxConcurrentProcessing = 5
	c.Logging.Level = "info"
}
