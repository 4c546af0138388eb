// Package snapshot archives point-in-time copies of the ledgers to object
// storage on a cron schedule.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// VaultView exposes the vault tables.
type VaultView interface {
	Slots() []domain.AssetSlot
}

// AllocationView exposes the allocation tables.
type AllocationView interface {
	Strategies() []domain.Strategy
	Allocations() []domain.Allocation
}

// CoordinatorView exposes the cross-domain tables.
type CoordinatorView interface {
	PendingTransfers() []domain.Transfer
	Domains() []domain.DomainInfo
}

type multipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// Config controls where snapshots go and how many are kept.
type Config struct {
	Domain uint32
	// Prefix is the key prefix, "snapshots" by default.
	Prefix string
	// Keep is the number of snapshots retained; 0 keeps everything.
	Keep int
	// MultipartThreshold switches to multipart upload for larger payloads
	// when the writer supports it.
	MultipartThreshold int64
}

// Deps are the collaborators of an Archiver. Coordinator, Reader and Audit
// may be nil.
type Deps struct {
	Vault       VaultView
	Allocations AllocationView
	Coordinator CoordinatorView
	Writer      domain.BlobWriter
	Reader      domain.BlobReader
	Audit       domain.AuditStore
}

// Archiver takes and stores ledger snapshots.
type Archiver struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Archiver.
func New(cfg Config, deps Deps, logger *slog.Logger) *Archiver {
	if cfg.Prefix == "" {
		cfg.Prefix = "snapshots"
	}
	cfg.Prefix = strings.TrimSuffix(cfg.Prefix, "/")
	if cfg.MultipartThreshold <= 0 {
		cfg.MultipartThreshold = 64 << 20
	}
	return &Archiver{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(slog.String("component", "snapshot")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// dir is the key prefix holding this domain's snapshots.
func (a *Archiver) dir() string {
	return fmt.Sprintf("%s/domain-%d/", a.cfg.Prefix, a.cfg.Domain)
}

// Path returns the object key for a snapshot taken at t. Keys sort in time
// order.
func (a *Archiver) Path(t time.Time) string {
	return a.dir() + t.UTC().Format("20060102T150405.000000000Z") + ".json"
}

// Collect copies the ledger tables. Each table is read under its owner's
// lock, so the result is not one atomic cut across ledgers.
func (a *Archiver) Collect() domain.LedgerSnapshot {
	snap := domain.LedgerSnapshot{
		Domain:      a.cfg.Domain,
		TakenAt:     a.now(),
		Slots:       a.deps.Vault.Slots(),
		Strategies:  a.deps.Allocations.Strategies(),
		Allocations: a.deps.Allocations.Allocations(),
	}
	if a.deps.Coordinator != nil {
		snap.Pending = a.deps.Coordinator.PendingTransfers()
		snap.Domains = a.deps.Coordinator.Domains()
	}
	return snap
}

// Take collects a snapshot, uploads it and prunes old ones. It returns the
// object key.
func (a *Archiver) Take(ctx context.Context) (string, error) {
	snap := a.Collect()
	body, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("snapshot: marshal: %w", err)
	}

	path := a.Path(snap.TakenAt)
	if mw, ok := a.deps.Writer.(multipartWriter); ok && int64(len(body)) >= a.cfg.MultipartThreshold {
		err = mw.PutMultipart(ctx, path, bytes.NewReader(body), "application/json", 0)
	} else {
		err = a.deps.Writer.Put(ctx, path, bytes.NewReader(body), "application/json")
	}
	if err != nil {
		return "", fmt.Errorf("snapshot: upload %s: %w", path, err)
	}

	a.logger.InfoContext(ctx, "ledger snapshot stored",
		slog.String("path", path),
		slog.Int("bytes", len(body)),
		slog.Int("allocations", len(snap.Allocations)),
		slog.Int("pending_transfers", len(snap.Pending)),
	)
	if a.deps.Audit != nil {
		if err := a.deps.Audit.Log(ctx, "snapshot.taken", map[string]any{
			"path":        path,
			"bytes":       len(body),
			"slots":       len(snap.Slots),
			"allocations": len(snap.Allocations),
			"pending":     len(snap.Pending),
		}); err != nil {
			a.logger.WarnContext(ctx, "audit snapshot", slog.String("error", err.Error()))
		}
	}

	if err := a.prune(ctx); err != nil {
		a.logger.WarnContext(ctx, "prune snapshots", slog.String("error", err.Error()))
	}
	return path, nil
}

// list returns this domain's snapshot keys, oldest first.
func (a *Archiver) list(ctx context.Context) ([]string, error) {
	if a.deps.Reader == nil {
		return nil, fmt.Errorf("snapshot: no blob reader configured")
	}
	infos, err := a.deps.Reader.List(ctx, a.dir())
	if err != nil {
		return nil, fmt.Errorf("snapshot: list: %w", err)
	}
	paths := make([]string, 0, len(infos))
	for _, info := range infos {
		if strings.HasSuffix(info.Path, ".json") {
			paths = append(paths, info.Path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (a *Archiver) prune(ctx context.Context) error {
	deleter, ok := a.deps.Writer.(domain.BlobDeleter)
	if a.cfg.Keep <= 0 || !ok || a.deps.Reader == nil {
		return nil
	}
	paths, err := a.list(ctx)
	if err != nil {
		return err
	}
	for len(paths) > a.cfg.Keep {
		if err := deleter.Delete(ctx, paths[0]); err != nil {
			return fmt.Errorf("snapshot: delete %s: %w", paths[0], err)
		}
		paths = paths[1:]
	}
	return nil
}

// Latest loads the newest stored snapshot. It fails with domain.ErrNotFound
// when none exists.
func (a *Archiver) Latest(ctx context.Context) (domain.LedgerSnapshot, error) {
	paths, err := a.list(ctx)
	if err != nil {
		return domain.LedgerSnapshot{}, err
	}
	if len(paths) == 0 {
		return domain.LedgerSnapshot{}, fmt.Errorf("snapshot: latest for domain %d: %w", a.cfg.Domain, domain.ErrNotFound)
	}
	path := paths[len(paths)-1]
	rc, err := a.deps.Reader.Get(ctx, path)
	if err != nil {
		return domain.LedgerSnapshot{}, fmt.Errorf("snapshot: get %s: %w", path, err)
	}
	defer rc.Close()

	var snap domain.LedgerSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return domain.LedgerSnapshot{}, fmt.Errorf("snapshot: decode %s: %w", path, err)
	}
	return snap, nil
}

// RunCron takes a snapshot on every match of cronExpr until ctx is done.
// A failed run is logged and the schedule continues.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	sched, err := parseSchedule(cronExpr)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	a.logger.InfoContext(ctx, "snapshot schedule started", slog.String("cron", cronExpr))

	for {
		next, err := sched.next(a.now())
		if err != nil {
			return fmt.Errorf("snapshot: schedule %q: %w", cronExpr, err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if _, err := a.Take(ctx); err != nil {
				a.logger.ErrorContext(ctx, "snapshot run failed", slog.String("error", err.Error()))
			}
		}
	}
}
