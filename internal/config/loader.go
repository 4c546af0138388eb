package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies YIELDROUTER_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known YIELDROUTER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Domain ──
	setUint32(&cfg.Domain.ID, "YIELDROUTER_DOMAIN_ID")
	setStr(&cfg.Domain.Address, "YIELDROUTER_DOMAIN_ADDRESS")

	// ── Vault ──
	setStringSlice(&cfg.Vault.Assets, "YIELDROUTER_VAULT_ASSETS")
	setInt64(&cfg.Vault.MinimumShares, "YIELDROUTER_VAULT_MINIMUM_SHARES")
	setInt64(&cfg.Vault.MaxAllocationBps, "YIELDROUTER_VAULT_MAX_ALLOCATION_BPS")

	// ── Allocation ──
	setInt64(&cfg.Allocation.MaxStrategyBps, "YIELDROUTER_ALLOCATION_MAX_STRATEGY_BPS")
	setStr(&cfg.Allocation.MaxStrategyValue, "YIELDROUTER_ALLOCATION_MAX_STRATEGY_VALUE")
	setDuration(&cfg.Allocation.MaxPriceAge, "YIELDROUTER_ALLOCATION_MAX_PRICE_AGE")
	setDuration(&cfg.Allocation.LockTTL, "YIELDROUTER_ALLOCATION_LOCK_TTL")
	setStringSlice(&cfg.Allocation.Pools, "YIELDROUTER_ALLOCATION_POOLS")
	setStringSlice(&cfg.Allocation.Operators, "YIELDROUTER_ALLOCATION_OPERATORS")

	// ── Cross-chain ──
	setStr(&cfg.CrossChain.Transport, "YIELDROUTER_CROSSCHAIN_TRANSPORT")
	setStr(&cfg.CrossChain.StreamPrefix, "YIELDROUTER_CROSSCHAIN_STREAM_PREFIX")
	setStr(&cfg.CrossChain.CheckpointPath, "YIELDROUTER_CROSSCHAIN_CHECKPOINT_PATH")
	setStr(&cfg.CrossChain.HMACSecret, "YIELDROUTER_CROSSCHAIN_HMAC_SECRET")
	setInt(&cfg.CrossChain.RelayBatch, "YIELDROUTER_CROSSCHAIN_RELAY_BATCH")
	setDuration(&cfg.CrossChain.RelayBlock, "YIELDROUTER_CROSSCHAIN_RELAY_BLOCK")
	setDuration(&cfg.CrossChain.TVLInterval, "YIELDROUTER_CROSSCHAIN_TVL_INTERVAL")

	// ── Simulation ──
	setDuration(&cfg.Simulation.AccrualInterval, "YIELDROUTER_SIMULATION_ACCRUAL_INTERVAL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "YIELDROUTER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "YIELDROUTER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "YIELDROUTER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "YIELDROUTER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "YIELDROUTER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "YIELDROUTER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "YIELDROUTER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "YIELDROUTER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "YIELDROUTER_POSTGRES_POOL_MIN_CONNS")
	setDuration(&cfg.Postgres.ConnTimeout, "YIELDROUTER_POSTGRES_CONN_TIMEOUT")
	setBool(&cfg.Postgres.RunMigrations, "YIELDROUTER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "YIELDROUTER_REDIS_URL")
	setStr(&cfg.Redis.Addr, "YIELDROUTER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "YIELDROUTER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "YIELDROUTER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "YIELDROUTER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "YIELDROUTER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "YIELDROUTER_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "YIELDROUTER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "YIELDROUTER_S3_REGION")
	setStr(&cfg.S3.Bucket, "YIELDROUTER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "YIELDROUTER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "YIELDROUTER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "YIELDROUTER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "YIELDROUTER_S3_FORCE_PATH_STYLE")

	// ── Snapshot ──
	setBool(&cfg.Snapshot.Enabled, "YIELDROUTER_SNAPSHOT_ENABLED")
	setStr(&cfg.Snapshot.Cron, "YIELDROUTER_SNAPSHOT_CRON")
	setStr(&cfg.Snapshot.Prefix, "YIELDROUTER_SNAPSHOT_PREFIX")
	setInt(&cfg.Snapshot.Keep, "YIELDROUTER_SNAPSHOT_KEEP")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "YIELDROUTER_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "YIELDROUTER_CHAIN_CHAIN_ID")
	setStr(&cfg.Chain.PrivateKey, "YIELDROUTER_CHAIN_PRIVATE_KEY")
	setStr(&cfg.Chain.EncryptedKeyPath, "YIELDROUTER_CHAIN_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Chain.KeyPassword, "YIELDROUTER_CHAIN_KEY_PASSWORD")
	setDuration(&cfg.Chain.ReceiptTimeout, "YIELDROUTER_CHAIN_RECEIPT_TIMEOUT")

	// ── Oracle ──
	setStr(&cfg.Oracle.Source, "YIELDROUTER_ORACLE_SOURCE")
	setDuration(&cfg.Oracle.PriceTTL, "YIELDROUTER_ORACLE_PRICE_TTL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "YIELDROUTER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "YIELDROUTER_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "YIELDROUTER_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "YIELDROUTER_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "YIELDROUTER_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "YIELDROUTER_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "YIELDROUTER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "YIELDROUTER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "YIELDROUTER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "YIELDROUTER_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Persistence, "YIELDROUTER_PERSISTENCE")
	setStr(&cfg.Mode, "YIELDROUTER_MODE")
	setStr(&cfg.LogLevel, "YIELDROUTER_LOG_LEVEL")
}

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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint32(dst *uint32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			*dst = uint32(n)
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
