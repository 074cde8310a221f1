// Package config defines the top-level configuration for microflow and
// provides validation helpers.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/microflow/internal/domain"
	"github.com/alanyoungcy/microflow/internal/strategy"
)

// Run modes.
const (
	ModeLive    = "live"
	ModePaper   = "paper"
	ModeReplay  = "replay"
	ModeRecord  = "record"
	ModeMonitor = "monitor"
)

// Feed sources.
const (
	FeedBinance = "binance"
	FeedBus     = "bus"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MICROFLOW_* environment variables.
type Config struct {
	Mode     string         `toml:"mode"`
	Log      LogConfig      `toml:"log"`
	Feed     FeedConfig     `toml:"feed"`
	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Executor ExecutorConfig `toml:"executor"`
	Risk     RiskConfig     `toml:"risk"`
	Gateway  GatewayConfig  `toml:"gateway"`
	Notify   NotifyConfig   `toml:"notify"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Recorder RecorderConfig `toml:"recorder"`
	Replay   ReplayConfig   `toml:"replay"`
	Archive  ArchiveConfig  `toml:"archive"`

	// Instances is decoded separately so every instance starts from
	// strategy.DefaultConfig.
	Instances []InstanceConfig `toml:"-"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json or text
}

// FeedConfig selects where market events come from.
type FeedConfig struct {
	Source      string `toml:"source"` // binance or bus
	BaseURL     string `toml:"base_url"`
	DepthLevels int    `toml:"depth_levels"`
	Interval    string `toml:"interval"` // depth update speed, e.g. "100ms"
	AggTrades   bool   `toml:"agg_trades"`
	// Publish republishes exchange events on the bus for other processes.
	Publish bool `toml:"publish"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
	// LockTTL is the lease on each instance's leadership lock.
	LockTTL duration `toml:"lock_ttl"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// ExecutorConfig tunes the engine-to-broker path.
type ExecutorConfig struct {
	QueueSize           int      `toml:"queue_size"`
	InboxSize           int      `toml:"inbox_size"`
	DedupTTL            duration `toml:"dedup_ttl"`
	DiagnosticsInterval duration `toml:"diagnostics_interval"`
	PaperSlippageBps    float64  `toml:"paper_slippage_bps"`
	PaperMaxSize        float64  `toml:"paper_max_size"`
	// ForceCloseOnExit closes open positions with reason MANUAL on shutdown
	// in paper and replay modes.
	ForceCloseOnExit bool `toml:"force_close_on_exit"`
}

// RiskConfig holds pre-trade risk limits.
type RiskConfig struct {
	MaxNotional    float64  `toml:"max_notional"`
	MaxEntries     int      `toml:"max_entries"`
	EntryWindow    duration `toml:"entry_window"`
	MaxDailyLoss   float64  `toml:"max_daily_loss"`
	AllowedSymbols []string `toml:"allowed_symbols"`
}

// GatewayConfig holds the order gateway endpoint and HMAC credentials.
type GatewayConfig struct {
	BaseURL             string   `toml:"base_url"`
	APIKey              string   `toml:"api_key"`
	Secret              string   `toml:"secret"`
	EncryptedSecretPath string   `toml:"encrypted_secret_path"`
	SecretPassword      string   `toml:"secret_password"`
	Passphrase          string   `toml:"passphrase"`
	Timeout             duration `toml:"timeout"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	DiscordUsername   string   `toml:"discord_username"`
	Events            []string `toml:"events"`
	QuietPeriod       duration `toml:"quiet_period"`
}

// LedgerConfig adds an append-only JSONL copy of every trade record.
type LedgerConfig struct {
	File string `toml:"file"`
}

// RecorderConfig controls market event capture.
type RecorderConfig struct {
	File          string   `toml:"file"`
	FlushInterval duration `toml:"flush_interval"`
	ChunkSize     int      `toml:"chunk_size"`
}

// ReplayConfig selects the recording to replay: a local file or, with S3
// enabled, every chunk of a symbol's day or an explicit prefix.
type ReplayConfig struct {
	File   string `toml:"file"`
	Prefix string `toml:"prefix"`
	Symbol string `toml:"symbol"`
	Day    string `toml:"day"` // 2006-01-02
}

// ArchiveConfig controls moving old ledger rows from Postgres to S3.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
	BatchSize     int      `toml:"batch_size"`
}

// InstanceConfig is one strategy instance: a unique key, the symbol it
// trades and its full parameter set.
type InstanceConfig struct {
	Key      string                  `toml:"key" json:"key"`
	Symbol   string                  `toml:"symbol" json:"symbol"`
	Strategy strategy.StrategyConfig `toml:"strategy" json:"strategy"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "2500ms").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultInstance is the instance used when the file declares none.
func DefaultInstance() InstanceConfig {
	return InstanceConfig{
		Key:      "btc-layered",
		Symbol:   "BTCUSDT",
		Strategy: strategy.DefaultConfig(),
	}
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Mode: ModePaper,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Feed: FeedConfig{
			Source:      FeedBinance,
			BaseURL:     "wss://stream.binance.com:9443",
			DepthLevels: 20,
			Interval:    "100ms",
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "microflow:",
			LockTTL:    duration{15 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "microflow",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "microflow-data",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Executor: ExecutorConfig{
			QueueSize:           256,
			InboxSize:           256,
			DedupTTL:            duration{2 * time.Minute},
			DiagnosticsInterval: duration{time.Second},
			PaperSlippageBps:    1,
			ForceCloseOnExit:    true,
		},
		Risk: RiskConfig{
			MaxNotional:  50_000,
			MaxEntries:   30,
			EntryWindow:  duration{time.Hour},
			MaxDailyLoss: 200,
		},
		Gateway: GatewayConfig{
			Timeout: duration{10 * time.Second},
		},
		Notify: NotifyConfig{
			DiscordUsername: "microflow",
			Events:          []string{"trade_closed", "instance_halted", "risk_rejected", "feed_down"},
			QuietPeriod:     duration{time.Minute},
		},
		Recorder: RecorderConfig{
			FlushInterval: duration{time.Minute},
			ChunkSize:     10_000,
		},
		Archive: ArchiveConfig{
			Interval:      duration{24 * time.Hour},
			RetentionDays: 30,
			BatchSize:     5000,
		},
		Instances: []InstanceConfig{DefaultInstance()},
	}
}

var validModes = map[string]bool{
	ModeLive:    true,
	ModePaper:   true,
	ModeReplay:  true,
	ModeRecord:  true,
	ModeMonitor: true,
}

// validLogLevels enumerates the accepted values for LogConfig.Level.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validDepthLevels = map[int]bool{5: true, 10: true, 20: true}

// Symbols returns the distinct upper-case symbols traded by the instances,
// in declaration order.
func (c *Config) Symbols() []string {
	seen := make(map[string]bool, len(c.Instances))
	var out []string
	for _, inst := range c.Instances {
		s := strings.ToUpper(inst.Symbol)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Validate checks Config for invalid or missing values and returns a
// *domain.ConfigurationError describing every problem found. Values are never
// clamped.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		add("unknown mode %q (valid: live, paper, replay, record, monitor)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		add("log: unknown level %q (valid: debug, info, warn, error)", c.Log.Level)
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "text" {
		add("log: format must be json or text, got %q", c.Log.Format)
	}

	// Feed
	needsFeed := mode == ModeLive || mode == ModePaper || mode == ModeRecord
	if needsFeed {
		switch c.Feed.Source {
		case FeedBinance:
			if c.Feed.BaseURL == "" {
				add("feed: base_url must not be empty")
			}
			if !validDepthLevels[c.Feed.DepthLevels] {
				add("feed: depth_levels must be 5, 10 or 20, got %d", c.Feed.DepthLevels)
			}
			if c.Feed.Interval != "" && c.Feed.Interval != "100ms" && c.Feed.Interval != "1000ms" {
				add("feed: interval must be 100ms or 1000ms, got %q", c.Feed.Interval)
			}
		case FeedBus:
			if !c.Redis.Enabled {
				add("feed: source bus requires redis.enabled")
			}
			if mode == ModeRecord {
				add("feed: record mode needs the exchange feed")
			}
		default:
			add("feed: unknown source %q (valid: binance, bus)", c.Feed.Source)
		}
		if c.Feed.Publish && !c.Redis.Enabled {
			add("feed: publish requires redis.enabled")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
		if c.Redis.LockTTL.Duration < time.Second {
			add("redis: lock_ttl must be >= 1s, got %s", c.Redis.LockTTL.Duration)
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be in [0, pool_max_conns]")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty")
		}
	}

	// Server
	if c.Server.Enabled || mode == ModeMonitor {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.RateLimit < 0 {
			add("server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			add("server: rate_window must be > 0 when rate_limit is set")
		}
	}

	// Executor
	if c.Executor.QueueSize < 1 {
		add("executor: queue_size must be >= 1")
	}
	if c.Executor.InboxSize < 1 {
		add("executor: inbox_size must be >= 1")
	}
	if c.Executor.DedupTTL.Duration <= 0 {
		add("executor: dedup_ttl must be > 0")
	}
	if c.Executor.DiagnosticsInterval.Duration < 0 {
		add("executor: diagnostics_interval must be >= 0")
	}
	if c.Executor.PaperSlippageBps < 0 {
		add("executor: paper_slippage_bps must be >= 0")
	}

	// Risk
	if c.Risk.MaxNotional < 0 || c.Risk.MaxDailyLoss < 0 || c.Risk.MaxEntries < 0 {
		add("risk: limits must be >= 0 (0 disables)")
	}
	if c.Risk.MaxEntries > 0 && c.Risk.EntryWindow.Duration <= 0 {
		add("risk: entry_window must be > 0 when max_entries is set")
	}

	// Gateway
	if mode == ModeLive {
		if c.Gateway.BaseURL == "" {
			add("gateway: base_url is required for live mode")
		}
		if c.Gateway.APIKey == "" {
			add("gateway: api_key is required for live mode")
		}
		if c.Gateway.Secret == "" && c.Gateway.EncryptedSecretPath == "" {
			add("gateway: either secret or encrypted_secret_path must be set for live mode")
		}
		if c.Gateway.EncryptedSecretPath != "" && c.Gateway.SecretPassword == "" {
			add("gateway: secret_password is required when encrypted_secret_path is set")
		}
	}

	// Recorder
	if mode == ModeRecord {
		if c.Recorder.File == "" && !c.Redis.Enabled && !c.S3.Enabled {
			add("recorder: record mode needs recorder.file, redis or s3")
		}
		if c.Recorder.ChunkSize < 1 {
			add("recorder: chunk_size must be >= 1")
		}
		if c.Recorder.FlushInterval.Duration <= 0 {
			add("recorder: flush_interval must be > 0")
		}
	}

	// Replay
	if mode == ModeReplay {
		switch {
		case c.Replay.File != "":
		case c.Replay.Prefix != "" || c.Replay.Symbol != "":
			if !c.S3.Enabled {
				add("replay: replaying from object storage requires s3.enabled")
			}
			if c.Replay.Prefix == "" {
				if _, err := time.Parse("2006-01-02", c.Replay.Day); err != nil {
					add("replay: day must be YYYY-MM-DD when symbol is set, got %q", c.Replay.Day)
				}
			}
		default:
			add("replay: set replay.file, replay.prefix or replay.symbol with replay.day")
		}
	}

	// Archive
	if c.Archive.Enabled {
		if !c.Postgres.Enabled || !c.S3.Enabled {
			add("archive: requires postgres.enabled and s3.enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			add("archive: interval must be > 0")
		}
		if c.Archive.RetentionDays < 1 {
			add("archive: retention_days must be >= 1")
		}
		if c.Archive.BatchSize < 1 {
			add("archive: batch_size must be >= 1")
		}
	}

	// Instances
	if mode != ModeMonitor && mode != ModeRecord && len(c.Instances) == 0 {
		add("instances: at least one instance is required for mode %s", c.Mode)
	}
	seen := make(map[string]bool, len(c.Instances))
	for i, inst := range c.Instances {
		key := inst.Key
		if key == "" {
			add("instances[%d]: key must not be empty", i)
			key = fmt.Sprintf("instances[%d]", i)
		} else if seen[key] {
			add("instances: duplicate key %q", key)
		}
		seen[key] = true
		if inst.Symbol == "" {
			add("%s: symbol must not be empty", key)
		}
		if err := inst.Strategy.Validate(); err != nil {
			var ce *domain.ConfigurationError
			if errors.As(err, &ce) {
				for _, p := range ce.Problems {
					add("%s: %s", key, p)
				}
			} else {
				add("%s: %v", key, err)
			}
		}
	}

	if len(errs) > 0 {
		return &domain.ConfigurationError{Problems: errs}
	}
	return nil
}
