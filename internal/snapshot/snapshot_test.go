package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
	"github.com/alanyoungcy/yieldrouter/internal/store/memory"
)

type blobs struct {
	mu        sync.Mutex
	objects   map[string][]byte
	multipart int
}

func newBlobs() *blobs { return &blobs{objects: map[string][]byte{}} }

func (b *blobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = body
	return nil
}

func (b *blobs) PutMultipart(ctx context.Context, path string, data io.Reader, ct string, _ int64) error {
	b.mu.Lock()
	b.multipart++
	b.mu.Unlock()
	return b.Put(ctx, path, data, ct)
}

func (b *blobs) Delete(_ context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, path)
	return nil
}

func (b *blobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	body, ok := b.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (b *blobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.BlobInfo
	for p, body := range b.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(body))})
		}
	}
	return out, nil
}

func (b *blobs) keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for k := range b.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type fakeLedgers struct{}

func (fakeLedgers) Slots() []domain.AssetSlot {
	return []domain.AssetSlot{{Asset: "USDC", TotalShares: decimal.NewFromInt(5000), TotalAssetsHeld: decimal.NewFromInt(5100), Active: true}}
}

func (fakeLedgers) Strategies() []domain.Strategy {
	return []domain.Strategy{{ID: 1, Name: "aave", Domain: 2, Active: true}}
}

func (fakeLedgers) Allocations() []domain.Allocation {
	return []domain.Allocation{{StrategyID: 1, Asset: "USDC", Principal: decimal.NewFromInt(2500), CurrentValue: decimal.NewFromInt(2600), Active: true}}
}

func (fakeLedgers) PendingTransfers() []domain.Transfer {
	return []domain.Transfer{{MessageID: "1-2-3", Kind: domain.TransferWithdraw, Amount: decimal.NewFromInt(100), Status: domain.TransferPending}}
}

func (fakeLedgers) Domains() []domain.DomainInfo {
	return []domain.DomainInfo{{ID: 2, RemoteCoordinator: "coord-2", Active: true}}
}

func newArchiver(t *testing.T, cfg Config, b *blobs, audit domain.AuditStore) *Archiver {
	t.Helper()
	var l fakeLedgers
	a := New(cfg, Deps{Vault: l, Allocations: l, Coordinator: l, Writer: b, Reader: b, Audit: audit}, slog.New(slog.DiscardHandler))
	clock := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return a
}

func TestTake_StoresAndLoadsLatest(t *testing.T) {
	b := newBlobs()
	audit := memory.New()
	a := newArchiver(t, Config{Domain: 1}, b, audit)
	ctx := context.Background()

	first, err := a.Take(ctx)
	require.NoError(t, err)
	second, err := a.Take(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, "snapshots/domain-1/"))
	assert.Less(t, first, second)

	snap, err := a.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), snap.Domain)
	require.Len(t, snap.Allocations, 1)
	assert.True(t, snap.Allocations[0].CurrentValue.Equal(decimal.NewFromInt(2600)))
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, "1-2-3", snap.Pending[0].MessageID)
	assert.Equal(t, second, a.Path(snap.TakenAt))

	entries, err := audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, 0, b.multipart)
}

func TestTake_PrunesBeyondKeep(t *testing.T) {
	b := newBlobs()
	a := newArchiver(t, Config{Domain: 7, Prefix: "archive/", Keep: 2}, b, nil)
	ctx := context.Background()

	var paths []string
	for i := 0; i < 4; i++ {
		p, err := a.Take(ctx)
		require.NoError(t, err)
		paths = append(paths, p)
	}
	assert.Equal(t, paths[2:], b.keys())
	assert.True(t, strings.HasPrefix(paths[0], "archive/domain-7/"))
}

func TestTake_MultipartAboveThreshold(t *testing.T) {
	b := newBlobs()
	a := newArchiver(t, Config{Domain: 1, MultipartThreshold: 1}, b, nil)
	_, err := a.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, b.multipart)
}

func TestLatest_NoneStored(t *testing.T) {
	a := newArchiver(t, Config{Domain: 3}, newBlobs(), nil)
	_, err := a.Latest(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type failingWriter struct{}

func (failingWriter) Put(context.Context, string, io.Reader, string) error {
	return fmt.Errorf("bucket gone")
}

func TestTake_UploadFailure(t *testing.T) {
	var l fakeLedgers
	a := New(Config{Domain: 1}, Deps{Vault: l, Allocations: l, Writer: failingWriter{}}, slog.New(slog.DiscardHandler))
	_, err := a.Take(context.Background())
	assert.ErrorContains(t, err, "bucket gone")
}

func TestSchedule(t *testing.T) {
	s, err := parseSchedule("*/15 2-3 * * 1-5")
	require.NoError(t, err)

	// Thursday.
	after := time.Date(2026, 10, 15, 2, 7, 30, 0, time.UTC)
	next, err := s.next(after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 15, 2, 15, 0, 0, time.UTC), next)

	next, err = s.next(time.Date(2026, 10, 15, 3, 50, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 16, 2, 0, 0, 0, time.UTC), next)

	// Friday evening rolls to Monday.
	next, err = s.next(time.Date(2026, 10, 16, 4, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 19, 2, 0, 0, 0, time.UTC), next)
}

func TestParseSchedule_Invalid(t *testing.T) {
	for _, expr := range []string{"* * * *", "61 * * * *", "*/0 * * * *", "a * * * *", "5-2 * * * *"} {
		_, err := parseSchedule(expr)
		assert.Error(t, err, expr)
	}
}

func TestRunCron_StopsOnCancel(t *testing.T) {
	a := newArchiver(t, Config{Domain: 1}, newBlobs(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := a.RunCron(ctx, "* * * * *")
	assert.ErrorIs(t, err, context.Canceled)

	assert.Error(t, a.RunCron(context.Background(), "bogus"))
}
