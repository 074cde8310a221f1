package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/microflow/internal/domain"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Defaults().Validate() = %v", err)
	}
	if got := cfg.Symbols(); len(got) != 1 || got[0] != "BTCUSDT" {
		t.Errorf("Symbols() = %v", got)
	}
}

func TestParseInstancesStartFromDefaults(t *testing.T) {
	cfg, err := Parse(`
mode = "replay"

[replay]
file = "day.jsonl"

[[instances]]
key = "fast"
symbol = "btcusdt"
[instances.strategy]
scheme = "fast"
[instances.strategy.signal]
threshold = 0.3
[instances.strategy.exit]
max_holding = "10m"

[[instances]]
key = "slow"
symbol = "ETHUSDT"
`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Instances) != 2 {
		t.Fatalf("instances = %d, want 2", len(cfg.Instances))
	}
	fast := cfg.Instances[0]
	if fast.Strategy.Scheme != "fast" || fast.Strategy.Signal.Threshold != 0.3 {
		t.Errorf("fast overrides not applied: %+v", fast.Strategy.Signal)
	}
	if fast.Strategy.Exit.MaxHolding.Duration != 10*time.Minute {
		t.Errorf("max_holding = %s", fast.Strategy.Exit.MaxHolding.Duration)
	}
	// Untouched fields keep their defaults.
	if fast.Strategy.Signal.Weights.OBI != 0.4 || fast.Strategy.Regime.VPINCritical != 0.7 {
		t.Errorf("defaults lost: %+v", fast.Strategy.Signal.Weights)
	}
	if slow := cfg.Instances[1]; slow.Strategy.Scheme != "layered" {
		t.Errorf("slow scheme = %q, want layered", slow.Strategy.Scheme)
	}
	if got := cfg.Symbols(); strings.Join(got, ",") != "BTCUSDT,ETHUSDT" {
		t.Errorf("Symbols() = %v", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	tests := []struct {
		name string
		toml string
		want string
	}{
		{"top level", "mode = \"paper\"\nmoed = \"x\"\n", "moed"},
		{"section", "[server]\nprot = 1\n", "server.prot"},
		{"instance strategy", "[[instances]]\nkey = \"a\"\nsymbol = \"BTCUSDT\"\n[instances.strategy.signal]\nthreshhold = 0.1\n", "threshhold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.toml)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Parse error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "live"
	cfg.Log.Level = "loud"
	cfg.Instances = append(cfg.Instances, DefaultInstance())
	cfg.Instances[0].Strategy.Signal.Weights.OBI = 0.9

	err := cfg.Validate()
	var ce *domain.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("Validate() = %v, want *ConfigurationError", err)
	}
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Error("error does not match ErrConfiguration")
	}

	joined := strings.Join(ce.Problems, "\n")
	for _, want := range []string{
		"log: unknown level",
		"gateway: base_url is required",
		`duplicate key "btc-layered"`,
		"btc-layered: signal.weights must sum to 1.0",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("problems missing %q:\n%s", want, joined)
		}
	}
}

func TestValidateModeRequirements(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"replay without source", func(c *Config) { c.Mode = ModeReplay }, "replay: set replay.file"},
		{"replay s3 without s3", func(c *Config) {
			c.Mode = ModeReplay
			c.Replay.Symbol, c.Replay.Day = "BTCUSDT", "2024-03-01"
		}, "requires s3.enabled"},
		{"bus feed without redis", func(c *Config) { c.Feed.Source = FeedBus }, "requires redis.enabled"},
		{"archive without stores", func(c *Config) { c.Archive.Enabled = true }, "archive: requires"},
		{"bad depth", func(c *Config) { c.Feed.DepthLevels = 7 }, "depth_levels"},
		{"record without sink", func(c *Config) { c.Mode = ModeRecord }, "record mode needs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "microflow.toml")
	if err := os.WriteFile(path, []byte("mode = \"paper\"\n[server]\nport = 9000\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MICROFLOW_SERVER_PORT", "9100")
	t.Setenv("MICROFLOW_RISK_ALLOWED_SYMBOLS", "BTCUSDT, ETHUSDT,")
	t.Setenv("MICROFLOW_RISK_ENTRY_WINDOW", "90s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d, want 9100", cfg.Server.Port)
	}
	if got := cfg.Risk.AllowedSymbols; len(got) != 2 || got[1] != "ETHUSDT" {
		t.Errorf("allowed symbols = %v", got)
	}
	if cfg.Risk.EntryWindow.Duration != 90*time.Second {
		t.Errorf("entry window = %s", cfg.Risk.EntryWindow.Duration)
	}
}

func TestRedacted(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Secret = "s3cr3t"
	cfg.Postgres.DSN = "postgres://u:p@h/db"
	cfg.Server.CORSOrigins = []string{"a"}

	out := cfg.Redacted()
	if out.Gateway.Secret != redacted || out.Postgres.DSN != redacted {
		t.Errorf("secrets not redacted: %+v %+v", out.Gateway, out.Postgres)
	}
	if out.Gateway.APIKey != "" {
		t.Error("empty secret should stay empty")
	}
	out.Server.CORSOrigins[0] = "mutated"
	if cfg.Server.CORSOrigins[0] != "a" {
		t.Error("redacted copy shares slice with original")
	}
	if cfg.Gateway.Secret != "s3cr3t" {
		t.Error("original mutated")
	}
}
