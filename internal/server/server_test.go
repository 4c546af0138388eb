package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/yieldrouter/internal/adapter/simulated"
	"github.com/alanyoungcy/yieldrouter/internal/allocation"
	"github.com/alanyoungcy/yieldrouter/internal/crosschain"
	"github.com/alanyoungcy/yieldrouter/internal/domain"
	"github.com/alanyoungcy/yieldrouter/internal/lock"
	msgmem "github.com/alanyoungcy/yieldrouter/internal/messaging/memory"
	"github.com/alanyoungcy/yieldrouter/internal/server/handler"
	"github.com/alanyoungcy/yieldrouter/internal/server/middleware"
	"github.com/alanyoungcy/yieldrouter/internal/store/memory"
	"github.com/alanyoungcy/yieldrouter/internal/vault"
)

const (
	testKey  = "secret-key"
	usdc     = "USDC"
	testPool = "pool-1"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type testEnv struct {
	handler  http.Handler
	vault    *vault.Ledger
	ledger   *allocation.Ledger
	coord    *crosschain.Coordinator
	strategy uint64
}

func newTestEnv(t *testing.T, cfg Config, limiter domain.RateLimiter) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := discard()
	st := memory.New()

	v := vault.New(vault.Config{}, st, nil, logger)
	require.NoError(t, v.AddAsset(ctx, usdc))

	l, err := allocation.New(allocation.Config{LocalDomain: 1}, allocation.Deps{
		Vault: v, Locks: lock.New(), Store: st, Logger: logger,
	})
	require.NoError(t, err)
	net := msgmem.NewNetwork()
	coord := crosschain.New(crosschain.Config{LocalDomain: 1, Address: "coordinator-1"}, crosschain.Deps{
		Messenger: net.Endpoint(1), Settler: l, Store: st, Logger: logger,
	})
	l.SetDispatcher(coord)
	net.Register(1, coord)

	require.NoError(t, l.AddPool(ctx, testPool))
	id, err := l.RegisterStrategy(ctx, "sim", simulated.New("sim"), 1, []string{"deposit(uint256)"})
	require.NoError(t, err)

	handlers := Handlers{
		Health:     handler.NewHealthHandler(logger),
		Status:     handler.NewStatusHandler("server", 1, time.Now()),
		Vault:      handler.NewVaultHandler(v, logger),
		Strategy:   handler.NewStrategyHandler(l, logger),
		Allocation: handler.NewAllocationHandler(l, logger),
		CrossChain: handler.NewCrossChainHandler(coord, st, logger),
		Audit:      handler.NewAuditHandler(st, logger),
	}
	srv := NewServer(cfg, handlers, nil, limiter, logger)
	return &testEnv{handler: srv.Handler(), vault: v, ledger: l, coord: coord, strategy: id}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t, Config{APIKey: testKey}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHealthReportsFailingDependency(t *testing.T) {
	logger := discard()
	h := handler.NewHealthHandler(logger).
		WithCheck("redis", func(context.Context) error { return assert.AnError })
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "degraded", body["status"])
}

func TestAuthRejectsMissingKey(t *testing.T) {
	env := newTestEnv(t, Config{APIKey: testKey}, nil)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/vault", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/vault", nil)
	req.Header.Set("X-API-Key", testKey)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDepositInvestWithdrawFlow(t *testing.T) {
	env := newTestEnv(t, Config{APIKey: testKey}, nil)

	rec := env.do(t, http.MethodPost, "/api/vault/USDC/deposit", map[string]any{
		"depositor": "alice", "amount": "10000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	minted := decode[struct {
		Shares decimal.Decimal `json:"shares"`
	}](t, rec)
	assert.True(t, minted.Shares.Equal(decimal.NewFromInt(9000)), minted.Shares.String())

	rec = env.do(t, http.MethodPost, "/api/invest", domain.InvestRequest{
		PoolID:      testPool,
		StrategyID:  env.strategy,
		AssetIDs:    []string{usdc},
		Percentages: []int64{2000},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipt := decode[domain.InvestReceipt](t, rec)
	assert.Equal(t, domain.TransferCompleted, receipt.Status)
	require.Len(t, receipt.Legs, 1)
	assert.True(t, receipt.Legs[0].Amount.Equal(decimal.NewFromInt(2000)))

	rec = env.do(t, http.MethodGet, "/api/allocations/1/USDC", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	alloc := decode[domain.Allocation](t, rec)
	assert.True(t, alloc.Principal.Equal(decimal.NewFromInt(2000)))

	rec = env.do(t, http.MethodPost, "/api/withdraw", map[string]any{
		"pool_id": testPool, "strategy_id": env.strategy, "asset": usdc, "amount": "500",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	wr := decode[domain.WithdrawReceipt](t, rec)
	assert.Equal(t, domain.TransferCompleted, wr.Status)
	assert.True(t, wr.Received.Equal(decimal.NewFromInt(500)))

	rec = env.do(t, http.MethodGet, "/api/strategies/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[struct {
		Name        string              `json:"name"`
		Allocations []domain.Allocation `json:"allocations"`
	}](t, rec)
	assert.Equal(t, "sim", view.Name)
	require.Len(t, view.Allocations, 1)
	assert.True(t, view.Allocations[0].Principal.Equal(decimal.NewFromInt(1500)))

	require.NoError(t, env.vault.CheckInvariants())
	require.NoError(t, env.ledger.CheckInvariants())
}

func TestErrorStatusMapping(t *testing.T) {
	env := newTestEnv(t, Config{APIKey: testKey}, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown asset", http.MethodGet, "/api/vault/DAI", nil, http.StatusNotFound},
		{"unsupported deposit", http.MethodPost, "/api/vault/DAI/deposit", map[string]any{"depositor": "a", "amount": "5000"}, http.StatusBadRequest},
		{"unknown strategy", http.MethodGet, "/api/strategies/99", nil, http.StatusNotFound},
		{"bad strategy id", http.MethodGet, "/api/strategies/abc", nil, http.StatusBadRequest},
		{"unauthorized pool", http.MethodPost, "/api/invest", domain.InvestRequest{
			PoolID: "stranger", StrategyID: 1, AssetIDs: []string{usdc}, Percentages: []int64{100},
		}, http.StatusForbidden},
		{"unknown field", http.MethodPost, "/api/pools", map[string]any{"id": "p", "extra": true}, http.StatusBadRequest},
		{"cap out of range", http.MethodPut, "/api/allocation-cap", map[string]any{"bps": 20000}, http.StatusBadRequest},
		{"unknown transfer", http.MethodGet, "/api/transfers/nope", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			if rec.Code >= 400 {
				body := decode[map[string]string](t, rec)
				assert.NotEmpty(t, body["error"])
			}
		})
	}
}

func TestPauseBlocksDeposits(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	rec := env.do(t, http.MethodPost, "/api/vault/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/vault/USDC/deposit", map[string]any{"depositor": "alice", "amount": "5000"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/vault/unpause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/vault/USDC/deposit", map[string]any{"depositor": "alice", "amount": "5000"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDomainsAndTransfers(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	rec := env.do(t, http.MethodPost, "/api/domains", map[string]any{"id": 2, "coordinator": "coordinator-2"})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/domains", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	domains := decode[[]domain.DomainInfo](t, rec)
	require.Len(t, domains, 1)
	assert.Equal(t, uint32(2), domains[0].ID)
	assert.True(t, domains[0].Active)

	rec = env.do(t, http.MethodGet, "/api/transfers/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/transfers?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/domains/2/deactivate", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, env.coord.Domains()[0].Active)
}

func TestRemoteStrategyRegistration(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	rec := env.do(t, http.MethodPost, "/api/domains", map[string]any{"id": 7, "coordinator": "coordinator-7"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/strategies", map[string]any{
		"name": "far-vault", "domain": 7, "entrypoints": []string{"deposit(uint256)"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[map[string]uint64](t, rec)
	assert.Equal(t, uint64(2), created["id"])

	rec = env.do(t, http.MethodGet, "/api/strategies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.Strategy](t, rec), 2)

	rec = env.do(t, http.MethodPost, "/api/strategies/2/deactivate", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	st, err := env.ledger.Strategy(2)
	require.NoError(t, err)
	assert.False(t, st.Active)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{RateLimit: 2, RateWindow: time.Minute}, middleware.NewLocalLimiter())

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodGet, "/api/status", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := env.do(t, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, Config{APIKey: testKey, CORSOrigins: []string{"https://ops.example"}}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/invest", nil)
	req.Header.Set("Origin", "https://ops.example")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ops.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/invest", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAuditLogLists(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	rec := env.do(t, http.MethodGet, "/api/audit?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, decode[[]map[string]any](t, rec))
}
