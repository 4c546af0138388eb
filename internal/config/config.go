// Package config defines the top-level configuration for the yield router
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by YIELDROUTER_* environment variables.
type Config struct {
	Domain      DomainConfig      `toml:"domain"`
	Vault       VaultConfig       `toml:"vault"`
	Allocation  AllocationConfig  `toml:"allocation"`
	CrossChain  CrossChainConfig  `toml:"crosschain"`
	Strategies  []StrategyConfig  `toml:"strategies"`
	Simulation  SimulationConfig  `toml:"simulation"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Snapshot    SnapshotConfig    `toml:"snapshot"`
	Chain       ChainConfig       `toml:"chain"`
	Oracle      OracleConfig      `toml:"oracle"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Persistence string            `toml:"persistence"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// DomainConfig identifies the settlement domain this process runs in.
type DomainConfig struct {
	ID uint32 `toml:"id"`
	// Address is this coordinator's reference as registered on peers.
	Address string `toml:"address"`
}

// VaultConfig holds the asset ledger parameters.
type VaultConfig struct {
	Assets           []string `toml:"assets"`
	MinimumShares    int64    `toml:"minimum_shares"`
	MaxAllocationBps int64    `toml:"max_allocation_bps"`
}

// AllocationConfig holds the strategy registry parameters.
type AllocationConfig struct {
	MaxStrategyBps int64 `toml:"max_strategy_bps"`
	// MaxStrategyValue is a decimal string in the reference currency. Empty
	// disables the cross-asset value cap.
	MaxStrategyValue string   `toml:"max_strategy_value"`
	MaxPriceAge      duration `toml:"max_price_age"`
	LockTTL          duration `toml:"lock_ttl"`
	Pools            []string `toml:"pools"`
	Operators        []string `toml:"operators"`
}

// RemoteDomainConfig registers a peer domain at startup.
type RemoteDomainConfig struct {
	ID          uint32 `toml:"id"`
	Coordinator string `toml:"coordinator"`
}

// HostedStrategyConfig serves requests that peers send for one of their
// strategies.
type HostedStrategyConfig struct {
	StrategyID uint64 `toml:"strategy_id"`
	Adapter    string `toml:"adapter"`
	Name       string `toml:"name"`
}

// CrossChainConfig holds messaging parameters.
type CrossChainConfig struct {
	// Transport selects the messenger: "memory" or "redis".
	Transport      string                 `toml:"transport"`
	StreamPrefix   string                 `toml:"stream_prefix"`
	CheckpointPath string                 `toml:"checkpoint_path"`
	HMACSecret     string                 `toml:"hmac_secret"`
	RelayBatch     int                    `toml:"relay_batch"`
	RelayBlock     duration               `toml:"relay_block"`
	TVLInterval    duration               `toml:"tvl_interval"`
	Remotes        []RemoteDomainConfig   `toml:"remotes"`
	Hosted         []HostedStrategyConfig `toml:"hosted"`
}

// StrategyConfig registers a strategy at startup. Adapter is "simulated",
// "erc4626" or "remote".
type StrategyConfig struct {
	Name        string   `toml:"name"`
	Adapter     string   `toml:"adapter"`
	Domain      uint32   `toml:"domain"`
	Entrypoints []string `toml:"entrypoints"`
	// YieldBps is accrued by simulated adapters every simulation tick.
	YieldBps int64 `toml:"yield_bps"`
}

// SimulationConfig drives simulated adapters.
type SimulationConfig struct {
	AccrualInterval duration `toml:"accrual_interval"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string   `toml:"dsn"`
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	Database      string   `toml:"database"`
	User          string   `toml:"user"`
	Password      string   `toml:"password"`
	SSLMode       string   `toml:"ssl_mode"`
	PoolMaxConns  int      `toml:"pool_max_conns"`
	PoolMinConns  int      `toml:"pool_min_conns"`
	ConnTimeout   duration `toml:"conn_timeout"`
	RunMigrations bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis is optional; an empty
// Addr and URL leaves it disabled.
type RedisConfig struct {
	URL        string   `toml:"url"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	LockPrefix string   `toml:"lock_prefix"`
	LockWait   duration `toml:"lock_wait"`
}

// Enabled reports whether a Redis server is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Addr) != ""
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SnapshotConfig controls the periodic ledger archive.
type SnapshotConfig struct {
	Enabled bool   `toml:"enabled"`
	Cron    string `toml:"cron"`
	Prefix  string `toml:"prefix"`
	Keep    int    `toml:"keep"`
}

// MarketConfig maps a router asset to an on-chain ERC-4626 vault.
type MarketConfig struct {
	Asset string `toml:"asset"`
	Vault string `toml:"vault"`
	Token string `toml:"token"`
}

// ChainConfig holds the ERC-4626 adapter's chain access.
type ChainConfig struct {
	RPCURL           string         `toml:"rpc_url"`
	ChainID          int64          `toml:"chain_id"`
	PrivateKey       string         `toml:"private_key"`
	EncryptedKeyPath string         `toml:"encrypted_key_path"`
	KeyPassword      string         `toml:"key_password"`
	GasBufferPct     uint64         `toml:"gas_buffer_pct"`
	ReceiptTimeout   duration       `toml:"receipt_timeout"`
	Markets          []MarketConfig `toml:"markets"`
}

// OracleConfig selects the price source. "static" quotes Prices, "redis"
// reads the shared price cache.
type OracleConfig struct {
	Source   string            `toml:"source"`
	Prices   map[string]string `toml:"prices"`
	PriceTTL duration          `toml:"price_ttl"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is the number of requests one client may make per
	// RateWindow. Zero disables limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Buffer            int      `toml:"buffer"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Domain: DomainConfig{
			ID:      1,
			Address: "coordinator-1",
		},
		Vault: VaultConfig{
			Assets:           []string{"USDC"},
			MinimumShares:    1000,
			MaxAllocationBps: 8000,
		},
		Allocation: AllocationConfig{
			MaxStrategyBps: 5000,
			MaxPriceAge:    duration{5 * time.Minute},
			LockTTL:        duration{30 * time.Second},
		},
		CrossChain: CrossChainConfig{
			Transport:      "memory",
			StreamPrefix:   "yieldrouter:",
			CheckpointPath: "data/relay.db",
			RelayBatch:     64,
			RelayBlock:     duration{2 * time.Second},
			TVLInterval:    duration{time.Minute},
		},
		Simulation: SimulationConfig{
			AccrualInterval: duration{time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "yieldrouter",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			ConnTimeout:   duration{10 * time.Second},
			RunMigrations: true,
		},
		Redis: RedisConfig{
			PoolSize:   20,
			MaxRetries: 3,
			LockPrefix: "yieldrouter:lock:",
			LockWait:   duration{5 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "yieldrouter-snapshots",
			ForcePathStyle: true,
		},
		Snapshot: SnapshotConfig{
			Enabled: false,
			Cron:    "0 * * * *",
			Prefix:  "snapshots",
			Keep:    168,
		},
		Chain: ChainConfig{
			ChainID:        8453,
			GasBufferPct:   20,
			ReceiptTimeout: duration{3 * time.Minute},
		},
		Oracle: OracleConfig{
			Source:   "static",
			Prices:   map[string]string{"USDC": "1"},
			PriceTTL: duration{10 * time.Minute},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{
				"crosschain_deposit_failed",
				"crosschain_withdraw_failed",
				"emergency_withdrawal",
			},
			Buffer: 256,
		},
		Persistence: "memory",
		Mode:        "full",
		LogLevel:    "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":     true,
	"server":   true,
	"relay":    true,
	"snapshot": true,
	"migrate":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validAdapters = map[string]bool{
	"simulated": true,
	"erc4626":   true,
	"remote":    true,
}

// UsesAdapter reports whether any configured or hosted strategy uses kind.
func (c *Config) UsesAdapter(kind string) bool {
	for _, s := range c.Strategies {
		if s.Adapter == kind {
			return true
		}
	}
	for _, h := range c.CrossChain.Hosted {
		if h.Adapter == kind {
			return true
		}
	}
	return false
}

// NeedsRedis reports whether any configured component requires Redis.
func (c *Config) NeedsRedis() bool {
	return c.CrossChain.Transport == "redis" || c.Oracle.Source == "redis"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, server, relay, snapshot, migrate)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Persistence != "memory" && c.Persistence != "postgres" {
		errs = append(errs, fmt.Sprintf("unknown persistence %q (valid: memory, postgres)", c.Persistence))
	}
	if c.Mode == "migrate" && c.Persistence != "postgres" {
		errs = append(errs, "mode migrate requires persistence = postgres")
	}

	// Domain
	if c.Domain.ID == 0 {
		errs = append(errs, "domain: id must be positive")
	}
	if strings.TrimSpace(c.Domain.Address) == "" {
		errs = append(errs, "domain: address must not be empty")
	}

	// Vault
	if len(c.Vault.Assets) == 0 {
		errs = append(errs, "vault: at least one asset is required")
	}
	seen := make(map[string]bool, len(c.Vault.Assets))
	for _, a := range c.Vault.Assets {
		if strings.TrimSpace(a) == "" {
			errs = append(errs, "vault: asset ids must not be empty")
			continue
		}
		if seen[a] {
			errs = append(errs, fmt.Sprintf("vault: duplicate asset %q", a))
		}
		seen[a] = true
	}
	if c.Vault.MinimumShares <= 0 {
		errs = append(errs, "vault: minimum_shares must be positive")
	}
	if c.Vault.MaxAllocationBps < 1 || c.Vault.MaxAllocationBps > 10000 {
		errs = append(errs, fmt.Sprintf("vault: max_allocation_bps must be 1-10000, got %d", c.Vault.MaxAllocationBps))
	}

	// Allocation
	if c.Allocation.MaxStrategyBps < 1 || c.Allocation.MaxStrategyBps > 10000 {
		errs = append(errs, fmt.Sprintf("allocation: max_strategy_bps must be 1-10000, got %d", c.Allocation.MaxStrategyBps))
	}
	if v := strings.TrimSpace(c.Allocation.MaxStrategyValue); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil || d.IsNegative() {
			errs = append(errs, fmt.Sprintf("allocation: max_strategy_value %q is not a non-negative decimal", v))
		}
	}

	// Cross-chain
	remotes := make(map[uint32]bool, len(c.CrossChain.Remotes))
	switch c.CrossChain.Transport {
	case "memory":
	case "redis":
		if !c.Redis.Enabled() {
			errs = append(errs, "crosschain: transport redis requires redis.url or redis.addr")
		}
		if c.CrossChain.StreamPrefix == "" {
			errs = append(errs, "crosschain: stream_prefix must not be empty")
		}
		if c.CrossChain.CheckpointPath == "" {
			errs = append(errs, "crosschain: checkpoint_path must not be empty")
		}
	default:
		errs = append(errs, fmt.Sprintf("crosschain: unknown transport %q (valid: memory, redis)", c.CrossChain.Transport))
	}
	for _, r := range c.CrossChain.Remotes {
		switch {
		case r.ID == 0 || r.ID == c.Domain.ID:
			errs = append(errs, fmt.Sprintf("crosschain: remote id %d must be positive and differ from domain.id", r.ID))
		case remotes[r.ID]:
			errs = append(errs, fmt.Sprintf("crosschain: duplicate remote %d", r.ID))
		case strings.TrimSpace(r.Coordinator) == "":
			errs = append(errs, fmt.Sprintf("crosschain: remote %d needs a coordinator", r.ID))
		}
		remotes[r.ID] = true
	}
	for _, h := range c.CrossChain.Hosted {
		if h.StrategyID == 0 {
			errs = append(errs, "crosschain: hosted strategy_id must be positive")
		}
		if h.Adapter != "simulated" && h.Adapter != "erc4626" {
			errs = append(errs, fmt.Sprintf("crosschain: hosted strategy %d has unknown adapter %q", h.StrategyID, h.Adapter))
		}
	}

	// Strategies
	names := make(map[string]bool, len(c.Strategies))
	for _, s := range c.Strategies {
		if strings.TrimSpace(s.Name) == "" {
			errs = append(errs, "strategies: name must not be empty")
			continue
		}
		if names[s.Name] {
			errs = append(errs, fmt.Sprintf("strategies: duplicate name %q", s.Name))
		}
		names[s.Name] = true
		if !validAdapters[s.Adapter] {
			errs = append(errs, fmt.Sprintf("strategies: %s has unknown adapter %q (valid: simulated, erc4626, remote)", s.Name, s.Adapter))
		}
		if s.Adapter == "remote" && !remotes[s.Domain] {
			errs = append(errs, fmt.Sprintf("strategies: %s targets domain %d which is not a configured remote", s.Name, s.Domain))
		}
		if s.Adapter != "remote" && s.Domain != 0 && s.Domain != c.Domain.ID {
			errs = append(errs, fmt.Sprintf("strategies: %s is local but names domain %d", s.Name, s.Domain))
		}
		if s.YieldBps < 0 {
			errs = append(errs, fmt.Sprintf("strategies: %s yield_bps must not be negative", s.Name))
		}
	}

	// Chain
	if c.UsesAdapter("erc4626") {
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url is required by erc4626 strategies")
		}
		if c.Chain.ChainID <= 0 {
			errs = append(errs, "chain: chain_id must be positive")
		}
		if c.Chain.PrivateKey == "" && c.Chain.EncryptedKeyPath == "" {
			errs = append(errs, "chain: either private_key or encrypted_key_path must be set")
		}
		if c.Chain.EncryptedKeyPath != "" && c.Chain.KeyPassword == "" {
			errs = append(errs, "chain: key_password is required when encrypted_key_path is set")
		}
		if len(c.Chain.Markets) == 0 {
			errs = append(errs, "chain: at least one market is required by erc4626 strategies")
		}
	}
	for _, m := range c.Chain.Markets {
		if m.Asset == "" {
			errs = append(errs, "chain: market asset must not be empty")
		}
		if !common.IsHexAddress(m.Vault) || !common.IsHexAddress(m.Token) {
			errs = append(errs, fmt.Sprintf("chain: market %q needs hex vault and token addresses", m.Asset))
		}
	}

	// Postgres
	if c.Persistence == "postgres" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled() && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Snapshot / S3
	if c.Snapshot.Enabled || c.Mode == "snapshot" {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when snapshots are enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if strings.TrimSpace(c.Snapshot.Cron) == "" {
			errs = append(errs, "snapshot: cron must not be empty")
		}
	}
	if c.Snapshot.Keep < 0 {
		errs = append(errs, "snapshot: keep must not be negative")
	}

	// Oracle
	switch c.Oracle.Source {
	case "static":
		for asset, p := range c.Oracle.Prices {
			d, err := decimal.NewFromString(p)
			if err != nil || !d.IsPositive() {
				errs = append(errs, fmt.Sprintf("oracle: price of %s must be a positive decimal, got %q", asset, p))
			}
		}
	case "redis":
		if !c.Redis.Enabled() {
			errs = append(errs, "oracle: source redis requires redis.url or redis.addr")
		}
	default:
		errs = append(errs, fmt.Sprintf("oracle: unknown source %q (valid: static, redis)", c.Oracle.Source))
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must not be negative")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be positive when rate_limit is set")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// MaxStrategyValue parses Allocation.MaxStrategyValue; empty yields zero.
func (c *Config) MaxStrategyValue() decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(c.Allocation.MaxStrategyValue))
	if err != nil {
		return decimal.Zero
	}
	return d
}
