// Package config loads the service configuration from a YAML file and
// MARKETPLACE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/fees"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/ledger"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/orders"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/patterns"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/provider"
)

const (
	EnvPrefix = "MARKETPLACE"

	defaultProviderConcurrency = 10
)

const (
	KindMock = "mock"
	KindREST = "rest"

	SchemeHMAC        = "hmac"
	SchemeTimestamped = "timestamped"
)

type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Log       LogConfig        `mapstructure:"log"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Kafka     KafkaConfig      `mapstructure:"kafka"`
	Fees      FeesConfig       `mapstructure:"fees"`
	Escrow    EscrowConfig     `mapstructure:"escrow"`
	Payments  PaymentsConfig   `mapstructure:"payments"`
	Providers []ProviderConfig `mapstructure:"providers"`
	NodeID    int64            `mapstructure:"node_id"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	Driver       string        `mapstructure:"driver"`
	DSN          string        `mapstructure:"dsn"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	SlowQuery    time.Duration `mapstructure:"slow_query"`
}

// RedisConfig backs the Idempotency-Key store. An empty Addr disables it.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// KafkaConfig backs the notification emitter. No brokers means notifications
// are only logged.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

// FeesConfig keeps percentages as strings so they are parsed as decimals.
type FeesConfig struct {
	PlatformPct     string `mapstructure:"platform_pct"`
	ProcessingPct   string `mapstructure:"processing_pct"`
	ProcessingFixed string `mapstructure:"processing_fixed"`
}

type EscrowConfig struct {
	AutoReleaseAfter time.Duration `mapstructure:"auto_release_after"`
	DisputeWindow    time.Duration `mapstructure:"dispute_window"`
	SweepBatch       int           `mapstructure:"sweep_batch"`
}

type PaymentsConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	DefaultProvider string        `mapstructure:"default_provider"`
	ReconcileAfter  time.Duration `mapstructure:"reconcile_after"`
	ReconcileBatch  int           `mapstructure:"reconcile_batch"`
}

// ProviderConfig describes one payment provider.
type ProviderConfig struct {
	Name            string        `mapstructure:"name"`
	Kind            string        `mapstructure:"kind"`
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	WebhookSecret   string        `mapstructure:"webhook_secret"`
	SignatureScheme string        `mapstructure:"signature_scheme"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Concurrency     int           `mapstructure:"concurrency"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:marketplace.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_retries", 3)
	v.SetDefault("database.slow_query", 200*time.Millisecond)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "marketplace.notifications")
	v.SetDefault("kafka.client_id", "payment-service")

	v.SetDefault("fees.platform_pct", "5")
	v.SetDefault("fees.processing_pct", "2.9")
	v.SetDefault("fees.processing_fixed", "0")

	v.SetDefault("escrow.auto_release_after", orders.DefaultAutoReleaseAfter)
	v.SetDefault("escrow.dispute_window", orders.DefaultDisputeWindow)
	v.SetDefault("escrow.sweep_batch", 100)

	v.SetDefault("payments.timeout", orders.DefaultPaymentTimeout)
	v.SetDefault("payments.default_provider", "mock")
	v.SetDefault("payments.reconcile_after", 10*time.Minute)
	v.SetDefault("payments.reconcile_batch", 100)

	v.SetDefault("providers", []map[string]interface{}{
		{"name": "mock", "kind": KindMock, "webhook_secret": "whsec_dev", "signature_scheme": SchemeHMAC},
	})
	v.SetDefault("node_id", 1)
}

// Load reads path (optional) and applies environment overrides, e.g.
// MARKETPLACE_DATABASE_DSN overrides database.dsn.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.expandSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandSecrets resolves ${VAR} references in provider credentials. A
// reference to an unset variable is an error.
func (c *Config) expandSecrets() error {
	for i := range c.Providers {
		p := &c.Providers[i]
		for _, field := range []struct {
			key   string
			value *string
		}{
			{"api_key", &p.APIKey},
			{"webhook_secret", &p.WebhookSecret},
		} {
			if unterminatedPlaceholder(*field.value) {
				return fmt.Errorf("provider %q: %s has an unterminated ${ placeholder", p.Name, field.key)
			}
			var missing []string
			expanded := os.Expand(*field.value, func(name string) string {
				value, ok := os.LookupEnv(name)
				if !ok {
					missing = append(missing, name)
				}
				return value
			})
			if len(missing) > 0 {
				return fmt.Errorf("provider %q: %s references unset %s", p.Name, field.key, strings.Join(missing, ", "))
			}
			if strings.Contains(expanded, "${") {
				return fmt.Errorf("provider %q: %s has an unresolved placeholder", p.Name, field.key)
			}
			*field.value = expanded
		}
	}
	return nil
}

func unterminatedPlaceholder(s string) bool {
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			return false
		}
		s = s[i+2:]
		end := strings.IndexByte(s, '}')
		if end < 0 {
			return true
		}
		s = s[end+1:]
	}
}

// Validate checks the settings that would otherwise only fail at first use.
func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if _, err := c.FeeSchedule(); err != nil {
		return err
	}
	if len(c.Providers) == 0 {
		return errors.New("at least one provider must be configured")
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return errors.New("provider without a name")
		}
		if seen[p.Name] {
			return fmt.Errorf("provider %q configured twice", p.Name)
		}
		seen[p.Name] = true
		switch p.Kind {
		case KindMock:
		case KindREST:
			if p.BaseURL == "" {
				return fmt.Errorf("provider %q: base_url is required", p.Name)
			}
		default:
			return fmt.Errorf("provider %q: unknown kind %q", p.Name, p.Kind)
		}
		switch p.SignatureScheme {
		case "", SchemeHMAC, SchemeTimestamped:
		default:
			return fmt.Errorf("provider %q: unknown signature_scheme %q", p.Name, p.SignatureScheme)
		}
	}
	if !seen[c.Payments.DefaultProvider] {
		return fmt.Errorf("payments.default_provider %q is not configured", c.Payments.DefaultProvider)
	}
	return nil
}

// FeeSchedule parses the fee settings.
func (c *Config) FeeSchedule() (fees.Schedule, error) {
	parse := func(key, s string) (decimal.Decimal, error) {
		if s == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("fees.%s: %w", key, err)
		}
		return d, nil
	}
	var s fees.Schedule
	var err error
	if s.PlatformPct, err = parse("platform_pct", c.Fees.PlatformPct); err != nil {
		return s, err
	}
	if s.ProcessingPct, err = parse("processing_pct", c.Fees.ProcessingPct); err != nil {
		return s, err
	}
	if s.ProcessingFixed, err = parse("processing_fixed", c.Fees.ProcessingFixed); err != nil {
		return s, err
	}
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("fees: %w", err)
	}
	return s, nil
}

func (c *Config) OrdersConfig() (orders.Config, error) {
	schedule, err := c.FeeSchedule()
	if err != nil {
		return orders.Config{}, err
	}
	return orders.Config{
		Fees:             schedule,
		AutoReleaseAfter: c.Escrow.AutoReleaseAfter,
		DisputeWindow:    c.Escrow.DisputeWindow,
		PaymentTimeout:   c.Payments.Timeout,
		NodeID:           c.NodeID,
	}, nil
}

func (c *Config) LedgerConfig() ledger.Config {
	return ledger.Config{
		Driver:       c.Database.Driver,
		DSN:          c.Database.DSN,
		MaxOpenConns: c.Database.MaxOpenConns,
		MaxRetries:   c.Database.MaxRetries,
		SlowQuery:    c.Database.SlowQuery,
	}
}

// BuildRegistry creates the adapter and webhook verifier of every
// configured provider.
func (c *Config) BuildRegistry() (*provider.Registry, error) {
	registry := provider.NewRegistry(c.Payments.DefaultProvider)
	for _, p := range c.Providers {
		var adapter provider.Adapter
		switch p.Kind {
		case KindMock:
			adapter = provider.NewMock(p.Name)
		case KindREST:
			timeout := p.Timeout
			if timeout <= 0 {
				timeout = c.Payments.Timeout
			}
			concurrency := p.Concurrency
			if concurrency <= 0 {
				concurrency = defaultProviderConcurrency
			}
			adapter = provider.NewREST(provider.RESTConfig{
				Name:    p.Name,
				BaseURL: p.BaseURL,
				APIKey:  p.APIKey,
				Guard: patterns.GuardConfig{
					Concurrency: concurrency,
					CallTimeout: timeout,
					Breaker:     patterns.DefaultBreakerSettings(),
				},
			})
		default:
			return nil, fmt.Errorf("provider %q: unknown kind %q", p.Name, p.Kind)
		}

		var verifier provider.Verifier
		if p.WebhookSecret != "" {
			if p.SignatureScheme == SchemeTimestamped {
				verifier = provider.NewTimestampedVerifier(p.WebhookSecret, provider.DefaultTolerance)
			} else {
				verifier = provider.NewHMACVerifier(p.WebhookSecret)
			}
		} else {
			log.WithField("provider", p.Name).Warn("No webhook secret configured, webhooks from this provider will be rejected")
		}

		if err := registry.Register(adapter, verifier); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
