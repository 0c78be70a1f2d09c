// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	TransportSES = "ses"
	TransportLog = "log"
)

// Config contains this application's runtime configuration.
type Config struct {
	ServerAddress  string `env:"SERVER_ADDRESS" envDefault:":8080"`
	MetricsAddress string `env:"METRICS_ADDRESS" envDefault:":9090"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty      bool   `env:"LOG_PRETTY" envDefault:"false"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	Database    DBConfig

	AMQPURL       string `env:"AMQP_URL"`
	DispatchQueue string `env:"DISPATCH_QUEUE" envDefault:"campaign_dispatch"`

	MailTransport      string        `env:"MAIL_TRANSPORT" envDefault:"ses"`
	SesMaxBackoffDelay time.Duration `env:"SES_MAX_BACKOFF_DELAY" envDefault:"5s"`
	SesMaxAttempts     int           `env:"SES_MAX_ATTEMPTS" envDefault:"1"`
	SessionTTL         time.Duration `env:"SESSION_TTL" envDefault:"30m"`

	Dispatch DispatchConfig
	Quota    QuotaConfig
}

type DBConfig struct {
	Host         string `env:"DB_HOST" envDefault:"localhost"`
	Port         int    `env:"DB_PORT" envDefault:"5432"`
	User         string `env:"DB_USER" envDefault:"postgres"`
	Password     string `env:"DB_PASSWORD" envDefault:"postgres"`
	Name         string `env:"DB_NAME" envDefault:"mailfleet"`
	SSLMode      string `env:"DB_SSLMODE" envDefault:"disable"`
	MaxOpenConns int    `env:"DB_MAX_OPEN_CONNS" envDefault:"50"`
}

// DSN renders the lib/pq connection string.
func (d DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type DispatchConfig struct {
	BatchSize              int           `env:"BATCH_SIZE" envDefault:"25"`
	PerBatchDelay          time.Duration `env:"PER_BATCH_DELAY" envDefault:"2s"`
	PerIdentityConcurrency int           `env:"PER_IDENTITY_CONCURRENCY" envDefault:"100"`
	PoolWorkers            int           `env:"POOL_WORKERS" envDefault:"200"`
	MaxAttempts            int           `env:"SEND_MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay         time.Duration `env:"RETRY_BASE_DELAY" envDefault:"500ms"`
	RetryMaxDelay          time.Duration `env:"RETRY_MAX_DELAY" envDefault:"10s"`
	SendTimeout            time.Duration `env:"SEND_TIMEOUT" envDefault:"30s"`
	PersistMaxAttempts     int           `env:"PERSIST_MAX_ATTEMPTS" envDefault:"3"`
	DefaultStrategy        string        `env:"DEFAULT_STRATEGY" envDefault:"per_identity"`
}

type QuotaConfig struct {
	HourlySpec string `env:"QUOTA_HOURLY_SPEC" envDefault:"@hourly"`
	DailySpec  string `env:"QUOTA_DAILY_SPEC" envDefault:"@daily"`
	Timezone   string `env:"QUOTA_TIMEZONE" envDefault:"UTC"`
}

// Load reads an optional .env file and parses the environment.
func Load() (*Config, error) {
	// .env is optional; the OS environment always wins.
	_ = godotenv.Load()

	c := Config{}
	if err := env.Parse(&c); err != nil {
		return nil, errors.Wrap(err, "unable to parse runtime configuration from environment")
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration settings")
	}
	return &c, nil
}

func (c *Config) Validate() error {
	var result *multierror.Error

	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		result = multierror.Append(result, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.StoreDriver))
	}
	switch c.MailTransport {
	case TransportSES, TransportLog:
	default:
		result = multierror.Append(result, fmt.Errorf("MAIL_TRANSPORT must be %q or %q, got %q", TransportSES, TransportLog, c.MailTransport))
	}
	switch c.Dispatch.DefaultStrategy {
	case "per_identity", "pool":
	default:
		result = multierror.Append(result, fmt.Errorf("DEFAULT_STRATEGY must be per_identity or pool, got %q", c.Dispatch.DefaultStrategy))
	}
	if c.Dispatch.BatchSize <= 0 {
		result = multierror.Append(result, errors.New("BATCH_SIZE must be positive"))
	}
	if c.Dispatch.PerIdentityConcurrency <= 0 {
		result = multierror.Append(result, errors.New("PER_IDENTITY_CONCURRENCY must be positive"))
	}
	if c.Dispatch.PoolWorkers <= 0 {
		result = multierror.Append(result, errors.New("POOL_WORKERS must be positive"))
	}
	if c.Dispatch.MaxAttempts <= 0 {
		result = multierror.Append(result, errors.New("SEND_MAX_ATTEMPTS must be positive"))
	}
	if c.Dispatch.PersistMaxAttempts <= 0 {
		result = multierror.Append(result, errors.New("PERSIST_MAX_ATTEMPTS must be positive"))
	}
	if _, err := time.LoadLocation(c.Quota.Timezone); err != nil {
		result = multierror.Append(result, fmt.Errorf("QUOTA_TIMEZONE: %w", err))
	}
	return result.ErrorOrNil()
}
