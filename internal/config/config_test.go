package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.NeedsRedis())
	assert.True(t, cfg.MaxStrategyValue().IsZero())
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Domain.ID = 0
	cfg.Vault.Assets = []string{"USDC", "USDC"}
	cfg.Allocation.MaxStrategyBps = 20000
	cfg.CrossChain.Transport = "redis"
	cfg.Oracle.Prices = map[string]string{"USDC": "-1"}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		"domain: id must be positive",
		`vault: duplicate asset "USDC"`,
		"allocation: max_strategy_bps must be 1-10000",
		"crosschain: transport redis requires redis.url or redis.addr",
		"oracle: price of USDC",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_Strategies(t *testing.T) {
	cfg := Defaults()
	cfg.CrossChain.Remotes = []RemoteDomainConfig{{ID: 2, Coordinator: "coordinator-2"}}
	cfg.Strategies = []StrategyConfig{
		{Name: "sim", Adapter: "simulated", YieldBps: 10},
		{Name: "far", Adapter: "remote", Domain: 2},
	}
	require.NoError(t, cfg.Validate())

	cfg.Strategies = append(cfg.Strategies,
		StrategyConfig{Name: "lost", Adapter: "remote", Domain: 9},
		StrategyConfig{Name: "sim", Adapter: "simulated"},
		StrategyConfig{Name: "odd", Adapter: "uniswap"},
	)
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lost targets domain 9")
	assert.Contains(t, err.Error(), `duplicate name "sim"`)
	assert.Contains(t, err.Error(), `odd has unknown adapter "uniswap"`)
}

func TestValidate_ERC4626NeedsChain(t *testing.T) {
	cfg := Defaults()
	cfg.Strategies = []StrategyConfig{{Name: "morpho", Adapter: "erc4626"}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain: rpc_url is required")
	assert.Contains(t, err.Error(), "chain: either private_key or encrypted_key_path must be set")

	cfg.Chain.RPCURL = "http://localhost:8545"
	cfg.Chain.PrivateKey = "0xabc"
	cfg.Chain.Markets = []MarketConfig{{
		Asset: "USDC",
		Vault: "0x1111111111111111111111111111111111111111",
		Token: "0x2222222222222222222222222222222222222222",
	}}
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.UsesAdapter("erc4626"))

	cfg.Chain.Markets[0].Vault = "not-an-address"
	assert.ErrorContains(t, cfg.Validate(), `market "USDC" needs hex vault and token addresses`)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "server"
persistence = "postgres"

[domain]
id = 7
address = "coordinator-7"

[vault]
assets = ["USDC", "DAI"]

[allocation]
max_strategy_value = "250000"
lock_ttl = "45s"

[[crosschain.remotes]]
id = 8
coordinator = "coordinator-8"

[[strategies]]
name = "bridge"
adapter = "remote"
domain = 8
entrypoints = ["deposit", "withdraw"]
`), 0o600))

	t.Setenv("YIELDROUTER_DOMAIN_ADDRESS", "coordinator-seven")
	t.Setenv("YIELDROUTER_SERVER_PORT", "9100")
	t.Setenv("YIELDROUTER_POSTGRES_DSN", "postgres://u:p@db:5432/yr")
	t.Setenv("YIELDROUTER_SERVER_CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("YIELDROUTER_SERVER_RATE_WINDOW", "not-a-duration")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, uint32(7), cfg.Domain.ID)
	assert.Equal(t, "coordinator-seven", cfg.Domain.Address)
	assert.Equal(t, []string{"USDC", "DAI"}, cfg.Vault.Assets)
	assert.Equal(t, 45*time.Second, cfg.Allocation.LockTTL.Duration)
	assert.Equal(t, "250000", cfg.MaxStrategyValue().String())
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, time.Minute, cfg.Server.RateWindow.Duration, "unparseable override is ignored")
	require.Len(t, cfg.Strategies, 1)
	assert.Equal(t, []string{"deposit", "withdraw"}, cfg.Strategies[0].Entrypoints)
	// Defaults survive for keys the file does not mention.
	assert.Equal(t, int64(8000), cfg.Vault.MaxAllocationBps)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pw"
	cfg.Chain.PrivateKey = "0xdead"
	cfg.Server.APIKey = "k"
	cfg.CrossChain.HMACSecret = "s"
	cfg.Notify.Events = []string{"a"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Chain.PrivateKey)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "***", out.CrossChain.HMACSecret)
	assert.Empty(t, out.S3.SecretKey)

	out.Notify.Events[0] = "b"
	out.Oracle.Prices["USDC"] = "2"
	assert.Equal(t, "a", cfg.Notify.Events[0])
	assert.Equal(t, "1", cfg.Oracle.Prices["USDC"])
	assert.Equal(t, "pw", cfg.Postgres.Password)
}
