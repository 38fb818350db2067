// Package config loads the broker's process-wide tuning knobs from the
// environment, the same way the teacher's ws/config.go does: env struct
// tags parsed by caarlos0/env, an optional .env file loaded by godotenv,
// then a Validate pass before anything is wired up.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// PubSubBackend selects which PubSub implementation cmd/broker wires up.
type PubSubBackend string

const (
	PubSubInMemory PubSubBackend = "memory"
	PubSubNATS     PubSubBackend = "nats"
	PubSubKafka    PubSubBackend = "kafka"
)

// Config holds every environment-tunable setting the broker binary needs.
// Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	// Transport
	Addr string `env:"BROKER_ADDR" envDefault:":4102"`

	// Identity
	NodeID string `env:"BROKER_NODE_ID" envDefault:""`

	// Session lifecycle
	CleanupDelay      time.Duration `env:"BROKER_CLEANUP_DELAY" envDefault:"60s"`
	DedupeTTL         time.Duration `env:"BROKER_DEDUPE_TTL" envDefault:"60s"`
	SizeWarningBytes  int64         `env:"BROKER_SIZE_WARNING_BYTES" envDefault:"0"`
	SizeLimitBytes    int64         `env:"BROKER_SIZE_LIMIT_BYTES" envDefault:"0"`
	InMemoryBufferLen int           `env:"BROKER_PUBSUB_BUFFER" envDefault:"256"`

	// Ingress admission (per client)
	IngressRate  float64 `env:"BROKER_INGRESS_RATE" envDefault:"50"`
	IngressBurst int     `env:"BROKER_INGRESS_BURST" envDefault:"100"`

	// PubSub backend selection
	PubSubBackend string `env:"BROKER_PUBSUB_BACKEND" envDefault:"memory"`

	NATSURL     string `env:"BROKER_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	NATSSubject string `env:"BROKER_NATS_PREFIX" envDefault:"docsync"`

	KafkaBrokers       string `env:"BROKER_KAFKA_BROKERS" envDefault:""`
	KafkaConsumerGroup string `env:"BROKER_KAFKA_CONSUMER_GROUP" envDefault:"docsyncbroker"`

	// Resource posture, loaded from the same env/ .env source as the rest
	// of the knobs. Neither Validate nor internal/platform reads these
	// values.
	CPULimit    float64 `env:"BROKER_CPU_LIMIT" envDefault:"1.0"`
	MemoryLimit int64   `env:"BROKER_MEMORY_LIMIT" envDefault:"536870912"`

	// Monitoring
	MetricsAddr     string        `env:"BROKER_METRICS_ADDR" envDefault:":9102"`
	MetricsInterval time.Duration `env:"BROKER_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"BROKER_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"BROKER_LOG_FORMAT" envDefault:"json"`

	Environment string `env:"BROKER_ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (if present) and the process
// environment, then validates it. Variables already set in the process
// environment take precedence over the .env file. A nil logger is
// fine during early startup, before structured logging exists yet.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return cfg, nil
}

// Validate checks field ranges and cross-field consistency.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("BROKER_ADDR is required")
	}
	if c.CleanupDelay <= 0 {
		return fmt.Errorf("BROKER_CLEANUP_DELAY must be > 0, got %s", c.CleanupDelay)
	}
	if c.DedupeTTL <= 0 {
		return fmt.Errorf("BROKER_DEDUPE_TTL must be > 0, got %s", c.DedupeTTL)
	}
	if c.IngressRate < 0 {
		return fmt.Errorf("BROKER_INGRESS_RATE must be >= 0, got %.2f", c.IngressRate)
	}
	if c.IngressBurst < 0 {
		return fmt.Errorf("BROKER_INGRESS_BURST must be >= 0, got %d", c.IngressBurst)
	}
	if c.SizeWarningBytes != 0 && c.SizeLimitBytes != 0 && c.SizeWarningBytes > c.SizeLimitBytes {
		return fmt.Errorf("BROKER_SIZE_WARNING_BYTES (%d) must be <= BROKER_SIZE_LIMIT_BYTES (%d)",
			c.SizeWarningBytes, c.SizeLimitBytes)
	}

	switch PubSubBackend(c.PubSubBackend) {
	case PubSubInMemory:
	case PubSubNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("BROKER_NATS_URL is required when BROKER_PUBSUB_BACKEND=nats")
		}
	case PubSubKafka:
		if c.KafkaBrokers == "" {
			return fmt.Errorf("BROKER_KAFKA_BROKERS is required when BROKER_PUBSUB_BACKEND=kafka")
		}
	default:
		return fmt.Errorf("BROKER_PUBSUB_BACKEND must be one of: memory, nats, kafka (got %q)", c.PubSubBackend)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("BROKER_LOG_LEVEL must be one of: debug, info, warn, error (got %q)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("BROKER_LOG_FORMAT must be one of: json, console (got %q)", c.LogFormat)
	}

	return nil
}

// KafkaBrokerList splits the comma-separated BROKER_KAFKA_BROKERS value.
func (c *Config) KafkaBrokerList() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			out = append(out, b)
		}
	}
	return out
}

// LogConfig emits the loaded configuration as a single structured log line.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("node_id", c.NodeID).
		Dur("cleanup_delay", c.CleanupDelay).
		Dur("dedupe_ttl", c.DedupeTTL).
		Float64("ingress_rate", c.IngressRate).
		Int("ingress_burst", c.IngressBurst).
		Str("pubsub_backend", c.PubSubBackend).
		Str("metrics_addr", c.MetricsAddr).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
