package postgres

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// testClient connects to YIELDROUTER_TEST_POSTGRES_DSN, runs the migrations
// and skips the test when the variable is unset.
func testClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("YIELDROUTER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("YIELDROUTER_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{DSN: dsn, ConnectTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.RunMigrations(ctx))
	return c
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
	assert.Equal(t,
		"postgres://u:p@db:5432/ledger?sslmode=disable",
		DSN(ClientConfig{Host: "db", User: "u", Password: "p", Database: "ledger"}))
	assert.Equal(t,
		"postgres://u:p@db:6432/ledger?sslmode=require",
		DSN(ClientConfig{Host: "db", Port: 6432, User: "u", Password: "p", Database: "ledger", SSLMode: "require"}))
}

func TestListQuery(t *testing.T) {
	since := time.Unix(100, 0)
	q := newListQuery("SELECT * FROM transfers")
	q.where("status = $%d", "pending")
	q.window("created_at", "created_at DESC", domain.ListOpts{Since: &since, Limit: 10, Offset: 20})

	assert.Equal(t,
		"SELECT * FROM transfers WHERE 1=1 AND status = $1 AND created_at >= $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4",
		q.sql)
	assert.Equal(t, []any{"pending", since, 10, 20}, q.args)
}

func TestNumScanner(t *testing.T) {
	var a, b decimal.Decimal
	var n numScanner
	pa := n.add("a", &a)
	for i := 0; i < 10; i++ {
		var scratch decimal.Decimal
		*n.add("scratch", &scratch) = "0"
	}
	pb := n.add("b", &b)
	*pa = "115792089237316195423570985008687907853269984665640564039457584007913129639935"
	*pb = "42"
	require.NoError(t, n.parse())
	assert.Equal(t, *pa, a.String())
	assert.True(t, b.Equal(decimal.NewFromInt(42)))

	var bad numScanner
	var c decimal.Decimal
	*bad.add("amount", &c) = "nope"
	assert.ErrorContains(t, bad.parse(), "amount")
}

func TestVaultStore(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	s := NewVaultStore(c.Pool())
	asset := "T" + uuid.NewString()[:8]
	now := time.Now().UTC().Truncate(time.Microsecond)

	slot := domain.AssetSlot{
		Asset: asset, TotalShares: d("1000"), TotalAssetsHeld: d("1200"),
		AllocatedToStrategies: d("200"), CumulativeYield: d("200"), LastUpdate: now, Active: true,
	}
	require.NoError(t, s.SaveSlot(ctx, slot,
		domain.ShareBalance{Asset: asset, Holder: "alice", Shares: d("600")},
		domain.ShareBalance{Asset: asset, Holder: "bob", Shares: d("400")},
	))
	slot.TotalShares = d("600")
	require.NoError(t, s.SaveSlot(ctx, slot, domain.ShareBalance{Asset: asset, Holder: "bob", Shares: decimal.Zero}))

	slots, err := s.ListSlots(ctx)
	require.NoError(t, err)
	var got *domain.AssetSlot
	for i := range slots {
		if slots[i].Asset == asset {
			got = &slots[i]
		}
	}
	require.NotNil(t, got)
	assert.True(t, got.TotalShares.Equal(d("600")))
	assert.True(t, got.AllocatedToStrategies.Equal(d("200")))

	balances, err := s.ListShareBalances(ctx)
	require.NoError(t, err)
	var mine []domain.ShareBalance
	for _, b := range balances {
		if b.Asset == asset {
			mine = append(mine, b)
		}
	}
	require.Len(t, mine, 1)
	assert.Equal(t, "alice", mine[0].Holder)
}

func TestStrategyStore(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	s := NewStrategyStore(c.Pool())
	id := uint64(rand.Int64N(1 << 40))
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.SaveStrategy(ctx, domain.Strategy{
		ID: id, Name: "aave", Domain: 2, Entrypoints: []string{"0xabc"}, Active: true, LastUpdate: now,
	}))
	require.NoError(t, s.SaveAllocations(ctx, domain.Allocation{
		StrategyID: id, Asset: "USDC", Domain: 2, Principal: d("10"), CurrentValue: d("11"),
		PendingDeposit: d("5"), Active: true, UpdatedAt: now,
	}))

	strategies, err := s.ListStrategies(ctx)
	require.NoError(t, err)
	found := false
	for _, st := range strategies {
		if st.ID == id {
			found = true
			assert.Equal(t, []string{"0xabc"}, st.Entrypoints)
			assert.Equal(t, uint32(2), st.Domain)
		}
	}
	assert.True(t, found)

	allocs, err := s.ListAllocations(ctx)
	require.NoError(t, err)
	found = false
	for _, a := range allocs {
		if a.StrategyID == id {
			found = true
			assert.True(t, a.CurrentValue.Equal(d("11")))
			assert.True(t, a.PendingDeposit.Equal(d("5")))
			assert.True(t, a.LastHarvest.IsZero())
		}
	}
	assert.True(t, found)

	member := uuid.NewString()
	require.NoError(t, s.SaveMember(ctx, domain.RolePool, member))
	require.NoError(t, s.SaveMember(ctx, domain.RolePool, member))
	pools, err := s.ListMembers(ctx, domain.RolePool)
	require.NoError(t, err)
	assert.Contains(t, pools, member)

	key := "test." + member
	require.NoError(t, s.SaveSetting(ctx, key, "1"))
	require.NoError(t, s.SaveSetting(ctx, key, "2"))
	settings, err := s.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", settings[key])
}

func TestTransferStore(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	s := NewTransferStore(c.Pool())
	now := time.Now().UTC().Truncate(time.Microsecond)

	domID := uint32(rand.Int32N(1 << 30))
	require.NoError(t, s.SaveDomain(ctx, domain.DomainInfo{ID: domID, RemoteCoordinator: "coord", Active: true, UpdatedAt: now}))
	domains, err := s.ListDomains(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, domains)

	tr := domain.Transfer{
		MessageID: uuid.NewString(), DepositID: "dep", Kind: domain.TransferDeposit, StrategyID: 1,
		SourceDomain: 1, DestinationDomain: domID, Asset: "USDC", Amount: d("2500"),
		Status: domain.TransferPending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.SaveTransfer(ctx, tr))

	got, err := s.GetTransfer(ctx, tr.MessageID)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(d("2500")))
	assert.Equal(t, domain.TransferPending, got.Status)

	_, err = s.GetTransfer(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ack := uuid.NewString()
	tr.Status = domain.TransferCompleted
	tr.SettledAmount = d("2500")
	require.NoError(t, s.CommitReceipt(ctx, ack, tr))

	err = s.CommitReceipt(ctx, ack, domain.Transfer{MessageID: tr.MessageID, Status: domain.TransferFailed})
	assert.True(t, errors.Is(err, domain.ErrMessageAlreadyProcessed))

	got, err = s.GetTransfer(ctx, tr.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferCompleted, got.Status)

	completed, err := s.ListTransfers(ctx, domain.TransferCompleted, domain.ListOpts{Since: &now})
	require.NoError(t, err)
	var ids []string
	for _, x := range completed {
		ids = append(ids, x.MessageID)
	}
	assert.Contains(t, ids, tr.MessageID)

	processed, err := s.ProcessedIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, processed, ack)
}

func TestAuditStore(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	s := NewAuditStore(c.Pool())
	event := "test." + uuid.NewString()

	require.NoError(t, s.Log(ctx, event, map[string]any{"amount": "5"}))
	entries, err := s.List(ctx, domain.ListOpts{Limit: 50})
	require.NoError(t, err)
	for _, e := range entries {
		if e.Event == event {
			assert.Equal(t, "5", e.Detail["amount"])
			return
		}
	}
	t.Fatalf("audit entry %s not listed", event)
}
