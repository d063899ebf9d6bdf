// Package config loads settlementd configuration from an optional YAML file,
// an optional .env file and the process environment, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"carflow/dispute"
	"carflow/escrow"
)

// Config holds all settlementd configuration.
type Config struct {
	DatabaseURL string
	DBMaxConns  int32
	ArchiveDSN  string
	RedisURL    string

	JWTSecret string
	JWTTTL    time.Duration
	LogLevel  slog.Level

	KafkaBrokers     []string
	KafkaTopicPrefix string

	PaymentWebhookURL string

	Dispute DisputeConfig
	// EscrowDefaultConditions apply to auctions that request none.
	EscrowDefaultConditions []string

	AuctionSweepInterval    time.Duration
	AuctionSweepConcurrency int
	DisputeSweepInterval    time.Duration
	OutboxPollInterval      time.Duration
	OutboxBatchSize         int
	OutboxMaxAttempts       int
}

// DisputeConfig holds the arbitration policy.
type DisputeConfig struct {
	PanelSize int
	Quorum    int
	// Timeout of zero disables escalation.
	Timeout       time.Duration
	NeutralPolicy escrow.Directive
}

// Policy converts the config into the dispute service policy.
func (d DisputeConfig) Policy() dispute.Policy {
	return dispute.Policy{
		PanelSize:         d.PanelSize,
		Quorum:            d.Quorum,
		Timeout:           d.Timeout,
		EscalationOutcome: dispute.OutcomeNeutral,
	}
}

type configFile struct {
	Database struct {
		URL      string `yaml:"url"`
		MaxConns int32  `yaml:"max_conns"`
		Archive  string `yaml:"archive_dsn"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers     []string `yaml:"brokers"`
		TopicPrefix string   `yaml:"topic_prefix"`
	} `yaml:"kafka"`
	Payments struct {
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"payments"`
	Dispute struct {
		PanelSize     int    `yaml:"panel_size"`
		Quorum        int    `yaml:"quorum"`
		Timeout       string `yaml:"timeout"`
		NeutralPolicy string `yaml:"neutral_policy"`
	} `yaml:"dispute"`
	Escrow struct {
		DefaultConditions []string `yaml:"default_conditions"`
	} `yaml:"escrow"`
}

func defaults() Config {
	return Config{
		DBMaxConns: 20,
		JWTTTL:     24 * time.Hour,
		LogLevel:   slog.LevelInfo,
		Dispute: DisputeConfig{
			PanelSize:     3,
			NeutralPolicy: escrow.DirectiveRefund,
		},
		EscrowDefaultConditions: []string{"inspection", "title_transfer"},
		AuctionSweepInterval:    30 * time.Second,
		AuctionSweepConcurrency: 8,
		DisputeSweepInterval:    time.Minute,
		OutboxPollInterval:      time.Second,
		OutboxBatchSize:         50,
		OutboxMaxAttempts:       10,
	}
}

// Load reads .env when present, then the YAML file named by CONFIG_FILE, then
// the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return LoadFrom(os.Getenv("CONFIG_FILE"), os.Getenv)
}

// LoadFrom builds a Config from the YAML file at path (skipped when empty)
// and the variables returned by getenv.
func LoadFrom(path string, getenv func(string) string) (Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := cfg.applyFile(raw); err != nil {
			return Config{}, err
		}
	}

	e := env{getenv: getenv}
	cfg.DatabaseURL = e.str("DATABASE_URL", cfg.DatabaseURL)
	cfg.DBMaxConns = int32(e.num("DB_MAX_CONNS", int(cfg.DBMaxConns)))
	cfg.ArchiveDSN = e.str("ARCHIVE_DSN", cfg.ArchiveDSN)
	cfg.RedisURL = e.str("REDIS_URL", cfg.RedisURL)
	cfg.JWTSecret = e.str("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTTTL = e.duration("JWT_TTL", cfg.JWTTTL)
	cfg.KafkaBrokers = e.csv("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaTopicPrefix = e.str("KAFKA_TOPIC_PREFIX", cfg.KafkaTopicPrefix)
	cfg.PaymentWebhookURL = e.str("PAYMENT_WEBHOOK_URL", cfg.PaymentWebhookURL)
	cfg.Dispute.PanelSize = e.num("DISPUTE_PANEL_SIZE", cfg.Dispute.PanelSize)
	cfg.Dispute.Quorum = e.num("DISPUTE_QUORUM", cfg.Dispute.Quorum)
	cfg.Dispute.Timeout = e.duration("DISPUTE_TIMEOUT", cfg.Dispute.Timeout)
	cfg.Dispute.NeutralPolicy = escrow.Directive(e.str("DISPUTE_NEUTRAL_POLICY", string(cfg.Dispute.NeutralPolicy)))
	cfg.EscrowDefaultConditions = e.csv("ESCROW_DEFAULT_CONDITIONS", cfg.EscrowDefaultConditions)
	cfg.AuctionSweepInterval = e.duration("AUCTION_SWEEP_INTERVAL", cfg.AuctionSweepInterval)
	cfg.AuctionSweepConcurrency = e.num("AUCTION_SWEEP_CONCURRENCY", cfg.AuctionSweepConcurrency)
	cfg.DisputeSweepInterval = e.duration("DISPUTE_SWEEP_INTERVAL", cfg.DisputeSweepInterval)
	cfg.OutboxPollInterval = e.duration("OUTBOX_POLL_INTERVAL", cfg.OutboxPollInterval)
	cfg.OutboxBatchSize = e.num("OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	cfg.OutboxMaxAttempts = e.num("OUTBOX_MAX_ATTEMPTS", cfg.OutboxMaxAttempts)
	if raw := getenv("LOG_LEVEL"); raw != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(raw)); err != nil {
			e.errs = append(e.errs, fmt.Errorf("LOG_LEVEL: %w", err))
		}
	}

	if cfg.Dispute.Quorum == 0 {
		cfg.Dispute.Quorum = cfg.Dispute.PanelSize/2 + 1
	}

	if err := errors.Join(e.errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("missing JWT_SECRET"))
	}
	if c.Dispute.PanelSize < 1 {
		errs = append(errs, fmt.Errorf("DISPUTE_PANEL_SIZE must be positive, got %d", c.Dispute.PanelSize))
	}
	if c.Dispute.Quorum < 1 || c.Dispute.Quorum > c.Dispute.PanelSize {
		errs = append(errs, fmt.Errorf("DISPUTE_QUORUM must be between 1 and the panel size, got %d", c.Dispute.Quorum))
	}
	if c.Dispute.Timeout < 0 {
		errs = append(errs, fmt.Errorf("DISPUTE_TIMEOUT must not be negative"))
	}
	switch c.Dispute.NeutralPolicy {
	case escrow.DirectiveRefund, escrow.DirectiveRelease:
	default:
		errs = append(errs, fmt.Errorf("DISPUTE_NEUTRAL_POLICY must be refund or release, got %q", c.Dispute.NeutralPolicy))
	}
	if c.AuctionSweepInterval <= 0 || c.OutboxPollInterval <= 0 || c.DisputeSweepInterval <= 0 {
		errs = append(errs, errors.New("sweep and poll intervals must be positive"))
	}
	if c.AuctionSweepConcurrency < 1 {
		errs = append(errs, fmt.Errorf("AUCTION_SWEEP_CONCURRENCY must be positive, got %d", c.AuctionSweepConcurrency))
	}
	if c.OutboxMaxAttempts < 1 || c.OutboxBatchSize < 1 {
		errs = append(errs, errors.New("OUTBOX_MAX_ATTEMPTS and OUTBOX_BATCH_SIZE must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c *Config) applyFile(raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("config: parse config file: %w", err)
	}
	if f.Database.URL != "" {
		c.DatabaseURL = f.Database.URL
	}
	if f.Database.MaxConns > 0 {
		c.DBMaxConns = f.Database.MaxConns
	}
	if f.Database.Archive != "" {
		c.ArchiveDSN = f.Database.Archive
	}
	if f.Redis.URL != "" {
		c.RedisURL = f.Redis.URL
	}
	if brokers := trimNonEmpty(f.Kafka.Brokers); len(brokers) > 0 {
		c.KafkaBrokers = brokers
	}
	if f.Kafka.TopicPrefix != "" {
		c.KafkaTopicPrefix = f.Kafka.TopicPrefix
	}
	if f.Payments.WebhookURL != "" {
		c.PaymentWebhookURL = f.Payments.WebhookURL
	}
	if f.Dispute.PanelSize > 0 {
		c.Dispute.PanelSize = f.Dispute.PanelSize
	}
	if f.Dispute.Quorum > 0 {
		c.Dispute.Quorum = f.Dispute.Quorum
	}
	if f.Dispute.Timeout != "" {
		d, err := time.ParseDuration(f.Dispute.Timeout)
		if err != nil {
			return fmt.Errorf("config: dispute.timeout: %w", err)
		}
		c.Dispute.Timeout = d
	}
	if f.Dispute.NeutralPolicy != "" {
		c.Dispute.NeutralPolicy = escrow.Directive(f.Dispute.NeutralPolicy)
	}
	if conds := trimNonEmpty(f.Escrow.DefaultConditions); len(conds) > 0 {
		c.EscrowDefaultConditions = conds
	}
	return nil
}

type env struct {
	getenv func(string) string
	errs   []error
}

func (e *env) str(name, fallback string) string {
	if value := strings.TrimSpace(e.getenv(name)); value != "" {
		return value
	}
	return fallback
}

func (e *env) num(name string, fallback int) int {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", name, err))
		return fallback
	}
	return n
}

func (e *env) duration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", name, err))
		return fallback
	}
	return d
}

func (e *env) csv(name string, fallback []string) []string {
	raw := e.getenv(name)
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	return trimNonEmpty(strings.Split(raw, ","))
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
