package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"carflow/escrow"
)

func envMap(values map[string]string) func(string) string {
	return func(name string) string { return values[name] }
}

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom("", envMap(map[string]string{"JWT_SECRET": "s3cret"}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.DatabaseURL != "" {
		t.Errorf("expected in-memory default, got %q", cfg.DatabaseURL)
	}
	if cfg.Dispute.PanelSize != 3 || cfg.Dispute.Quorum != 2 {
		t.Errorf("expected panel 3 quorum 2, got %d/%d", cfg.Dispute.PanelSize, cfg.Dispute.Quorum)
	}
	if cfg.Dispute.Timeout != 0 {
		t.Errorf("expected escalation disabled, got %s", cfg.Dispute.Timeout)
	}
	if cfg.Dispute.NeutralPolicy != escrow.DirectiveRefund {
		t.Errorf("expected refund neutral policy, got %s", cfg.Dispute.NeutralPolicy)
	}
	if !reflect.DeepEqual(cfg.EscrowDefaultConditions, []string{"inspection", "title_transfer"}) {
		t.Errorf("unexpected default conditions %v", cfg.EscrowDefaultConditions)
	}
	if cfg.AuctionSweepInterval != 30*time.Second || cfg.OutboxMaxAttempts != 10 {
		t.Errorf("unexpected sweep defaults %+v", cfg)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("expected info level, got %s", cfg.LogLevel)
	}
}

func TestLoadFrom_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settlementd.yaml")
	yaml := `
database:
  url: postgres://file/db
  max_conns: 5
kafka:
  brokers: [" kafka-1:9092 ", "kafka-2:9092"]
  topic_prefix: carflow
dispute:
  panel_size: 5
  timeout: 72h
  neutral_policy: release
escrow:
  default_conditions: [inspection]
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadFrom(path, envMap(map[string]string{
		"JWT_SECRET":   "s3cret",
		"DATABASE_URL": "postgres://env/db",
		"LOG_LEVEL":    "debug",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.DatabaseURL != "postgres://env/db" {
		t.Errorf("expected env to win, got %q", cfg.DatabaseURL)
	}
	if cfg.DBMaxConns != 5 {
		t.Errorf("expected file max conns, got %d", cfg.DBMaxConns)
	}
	if !reflect.DeepEqual(cfg.KafkaBrokers, []string{"kafka-1:9092", "kafka-2:9092"}) {
		t.Errorf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.Dispute.PanelSize != 5 || cfg.Dispute.Quorum != 3 {
		t.Errorf("expected panel 5 quorum 3, got %d/%d", cfg.Dispute.PanelSize, cfg.Dispute.Quorum)
	}
	if cfg.Dispute.Timeout != 72*time.Hour || cfg.Dispute.NeutralPolicy != escrow.DirectiveRelease {
		t.Errorf("unexpected dispute config %+v", cfg.Dispute)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("expected debug level, got %s", cfg.LogLevel)
	}

	policy := cfg.Dispute.Policy()
	if policy.PanelSize != 5 || policy.Quorum != 3 || policy.Timeout != 72*time.Hour {
		t.Errorf("unexpected policy %+v", policy)
	}
}

func TestLoadFrom_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "missing secret", env: map[string]string{}, want: "JWT_SECRET"},
		{name: "bad quorum", env: map[string]string{"JWT_SECRET": "x", "DISPUTE_QUORUM": "4"}, want: "DISPUTE_QUORUM"},
		{name: "bad policy", env: map[string]string{"JWT_SECRET": "x", "DISPUTE_NEUTRAL_POLICY": "split"}, want: "DISPUTE_NEUTRAL_POLICY"},
		{name: "bad duration", env: map[string]string{"JWT_SECRET": "x", "DISPUTE_TIMEOUT": "soon"}, want: "DISPUTE_TIMEOUT"},
		{name: "bad number", env: map[string]string{"JWT_SECRET": "x", "OUTBOX_MAX_ATTEMPTS": "many"}, want: "OUTBOX_MAX_ATTEMPTS"},
		{name: "bad level", env: map[string]string{"JWT_SECRET": "x", "LOG_LEVEL": "loud"}, want: "LOG_LEVEL"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFrom("", envMap(tc.env))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadFrom_MissingFile(t *testing.T) {
	if _, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"), envMap(map[string]string{"JWT_SECRET": "x"})); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
