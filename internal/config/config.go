// Package config loads service configuration from the environment with
// an optional YAML tuning overlay.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds settings shared by the API and the worker.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,expand" envDefault:"${PG_DSN}"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	JWTSecret   string `env:"AUTH_JWT_SECRET"`

	MQTT   MQTT   `envPrefix:"MQTT_"`
	Worker Worker `envPrefix:"WORKER_"`
}

// MQTT configures the broker connection.
type MQTT struct {
	BrokerURL string `env:"BROKER_URL"`
	ClientID  string `env:"CLIENT_ID" envDefault:"csms-commands"`
	Username  string `env:"USERNAME"`
	Password  string `env:"PASSWORD"`
}

// Worker tunes the outbox publisher, the reconciler and the timeout
// sweeper. All fields can also be set through the YAML overlay, which
// takes precedence over the environment.
type Worker struct {
	TickInterval      time.Duration `env:"TICK_INTERVAL" envDefault:"1s"`
	BatchSize         int           `env:"BATCH_SIZE" envDefault:"20"`
	LockTTL           time.Duration `env:"LOCK_TTL" envDefault:"30s"`
	RetryBackoff      time.Duration `env:"RETRY_BACKOFF" envDefault:"5s"`
	MaxAttempts       int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	RequestTopic      string        `env:"REQUEST_TOPIC" envDefault:"command-requests"`
	EventTopic        string        `env:"EVENT_TOPIC" envDefault:"command-events"`
	DeadLetterTopic   string        `env:"DEAD_LETTER_TOPIC" envDefault:"dead-letters"`
	ConsumerGroup     string        `env:"CONSUMER_GROUP"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	DefaultTimeoutSec int           `env:"DEFAULT_TIMEOUT_SEC" envDefault:"120"`
}

// duration accepts Go duration strings in YAML.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", value.Value, err)
	}
	*d = duration(parsed)
	return nil
}

type workerOverlay struct {
	TickInterval      *duration `yaml:"tickInterval"`
	BatchSize         *int      `yaml:"batchSize"`
	LockTTL           *duration `yaml:"lockTTL"`
	RetryBackoff      *duration `yaml:"retryBackoff"`
	MaxAttempts       *int      `yaml:"maxAttempts"`
	RequestTopic      *string   `yaml:"requestTopic"`
	EventTopic        *string   `yaml:"eventTopic"`
	DeadLetterTopic   *string   `yaml:"deadLetterTopic"`
	ConsumerGroup     *string   `yaml:"consumerGroup"`
	SweepInterval     *duration `yaml:"sweepInterval"`
	DefaultTimeoutSec *int      `yaml:"defaultTimeoutSec"`
}

// Load parses the environment and, when CONFIG_FILE is set, overlays
// worker tuning from that YAML file.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyOverlay(path); err != nil {
			return nil, err
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("config: DATABASE_URL or PG_DSN is required")
	}
	return cfg, nil
}

func (c *Config) applyOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read overlay %s: %w", path, err)
	}
	var overlay struct {
		Worker workerOverlay `yaml:"worker"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("config: parse overlay %s: %w", path, err)
	}

	w := overlay.Worker
	if w.TickInterval != nil {
		c.Worker.TickInterval = time.Duration(*w.TickInterval)
	}
	if w.BatchSize != nil {
		c.Worker.BatchSize = *w.BatchSize
	}
	if w.LockTTL != nil {
		c.Worker.LockTTL = time.Duration(*w.LockTTL)
	}
	if w.RetryBackoff != nil {
		c.Worker.RetryBackoff = time.Duration(*w.RetryBackoff)
	}
	if w.MaxAttempts != nil {
		c.Worker.MaxAttempts = *w.MaxAttempts
	}
	if w.RequestTopic != nil {
		c.Worker.RequestTopic = *w.RequestTopic
	}
	if w.EventTopic != nil {
		c.Worker.EventTopic = *w.EventTopic
	}
	if w.DeadLetterTopic != nil {
		c.Worker.DeadLetterTopic = *w.DeadLetterTopic
	}
	if w.ConsumerGroup != nil {
		c.Worker.ConsumerGroup = *w.ConsumerGroup
	}
	if w.SweepInterval != nil {
		c.Worker.SweepInterval = time.Duration(*w.SweepInterval)
	}
	if w.DefaultTimeoutSec != nil {
		c.Worker.DefaultTimeoutSec = *w.DefaultTimeoutSec
	}
	return nil
}
