package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/alanyoungcy/microflow/internal/strategy"
)

// rawInstance defers decoding of the strategy table until it can be
// layered over strategy.DefaultConfig.
type rawInstance struct {
	Key      string         `toml:"key"`
	Symbol   string         `toml:"symbol"`
	Strategy toml.Primitive `toml:"strategy"`
}

type instancesFile struct {
	Instances []rawInstance `toml:"instances"`
}

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MICROFLOW_* environment variable overrides, and
// returns the final Config. Unknown keys are an error. The returned Config has
// NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	cfg, err := Parse(string(data))
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Parse decodes TOML text over Defaults without consulting the environment.
func Parse(text string) (*Config, error) {
	cfg := Defaults()

	md, err := toml.Decode(text, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	var raw instancesFile
	imd, err := toml.Decode(text, &raw)
	if err != nil {
		return nil, fmt.Errorf("config: decode instances: %w", err)
	}
	if len(raw.Instances) > 0 {
		cfg.Instances = make([]InstanceConfig, 0, len(raw.Instances))
		for i, ri := range raw.Instances {
			sc := strategy.DefaultConfig()
			if err := imd.PrimitiveDecode(ri.Strategy, &sc); err != nil {
				return nil, fmt.Errorf("config: instances[%d] (%s): %w", i, ri.Key, err)
			}
			cfg.Instances = append(cfg.Instances, InstanceConfig{Key: ri.Key, Symbol: ri.Symbol, Strategy: sc})
		}
	}

	var unknown []string
	for _, k := range md.Undecoded() {
		if len(k) > 0 && k[0] != "instances" {
			unknown = append(unknown, k.String())
		}
	}
	for _, k := range imd.Undecoded() {
		if len(k) > 0 && k[0] == "instances" {
			unknown = append(unknown, k.String())
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("config: unknown keys: %s", strings.Join(unknown, ", "))
	}
	return &cfg, nil
}

// applyEnvOverrides reads well-known MICROFLOW_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Mode, "MICROFLOW_MODE")
	setStr(&cfg.Log.Level, "MICROFLOW_LOG_LEVEL")
	setStr(&cfg.Log.Format, "MICROFLOW_LOG_FORMAT")

	// ── Feed ──
	setStr(&cfg.Feed.Source, "MICROFLOW_FEED_SOURCE")
	setStr(&cfg.Feed.BaseURL, "MICROFLOW_FEED_BASE_URL")
	setInt(&cfg.Feed.DepthLevels, "MICROFLOW_FEED_DEPTH_LEVELS")
	setBool(&cfg.Feed.Publish, "MICROFLOW_FEED_PUBLISH")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "MICROFLOW_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "MICROFLOW_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MICROFLOW_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MICROFLOW_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MICROFLOW_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "MICROFLOW_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "MICROFLOW_REDIS_KEY_PREFIX")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "MICROFLOW_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "MICROFLOW_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "MICROFLOW_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MICROFLOW_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MICROFLOW_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MICROFLOW_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MICROFLOW_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MICROFLOW_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "MICROFLOW_POSTGRES_POOL_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "MICROFLOW_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "MICROFLOW_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "MICROFLOW_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MICROFLOW_S3_REGION")
	setStr(&cfg.S3.Bucket, "MICROFLOW_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MICROFLOW_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MICROFLOW_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MICROFLOW_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MICROFLOW_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "MICROFLOW_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "MICROFLOW_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MICROFLOW_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "MICROFLOW_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "MICROFLOW_SERVER_RATE_LIMIT")

	// ── Executor ──
	setInt(&cfg.Executor.QueueSize, "MICROFLOW_EXECUTOR_QUEUE_SIZE")
	setDuration(&cfg.Executor.DedupTTL, "MICROFLOW_EXECUTOR_DEDUP_TTL")
	setFloat64(&cfg.Executor.PaperSlippageBps, "MICROFLOW_EXECUTOR_PAPER_SLIPPAGE_BPS")
	setBool(&cfg.Executor.ForceCloseOnExit, "MICROFLOW_EXECUTOR_FORCE_CLOSE_ON_EXIT")

	// ── Risk ──
	setFloat64(&cfg.Risk.MaxNotional, "MICROFLOW_RISK_MAX_NOTIONAL")
	setInt(&cfg.Risk.MaxEntries, "MICROFLOW_RISK_MAX_ENTRIES")
	setDuration(&cfg.Risk.EntryWindow, "MICROFLOW_RISK_ENTRY_WINDOW")
	setFloat64(&cfg.Risk.MaxDailyLoss, "MICROFLOW_RISK_MAX_DAILY_LOSS")
	setStringSlice(&cfg.Risk.AllowedSymbols, "MICROFLOW_RISK_ALLOWED_SYMBOLS")

	// ── Gateway ──
	setStr(&cfg.Gateway.BaseURL, "MICROFLOW_GATEWAY_BASE_URL")
	setStr(&cfg.Gateway.APIKey, "MICROFLOW_GATEWAY_API_KEY")
	setStr(&cfg.Gateway.Secret, "MICROFLOW_GATEWAY_SECRET")
	setStr(&cfg.Gateway.EncryptedSecretPath, "MICROFLOW_GATEWAY_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Gateway.SecretPassword, "MICROFLOW_GATEWAY_SECRET_PASSWORD")
	setStr(&cfg.Gateway.Passphrase, "MICROFLOW_GATEWAY_PASSPHRASE")
	setDuration(&cfg.Gateway.Timeout, "MICROFLOW_GATEWAY_TIMEOUT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MICROFLOW_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MICROFLOW_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MICROFLOW_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MICROFLOW_NOTIFY_EVENTS")

	// ── Ledger / recorder / replay / archive ──
	setStr(&cfg.Ledger.File, "MICROFLOW_LEDGER_FILE")
	setStr(&cfg.Recorder.File, "MICROFLOW_RECORDER_FILE")
	setStr(&cfg.Replay.File, "MICROFLOW_REPLAY_FILE")
	setStr(&cfg.Replay.Prefix, "MICROFLOW_REPLAY_PREFIX")
	setStr(&cfg.Replay.Symbol, "MICROFLOW_REPLAY_SYMBOL")
	setStr(&cfg.Replay.Day, "MICROFLOW_REPLAY_DAY")
	setBool(&cfg.Archive.Enabled, "MICROFLOW_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "MICROFLOW_ARCHIVE_RETENTION_DAYS")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
