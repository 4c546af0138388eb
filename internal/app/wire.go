package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/yieldrouter/internal/allocation"
	s3blob "github.com/alanyoungcy/yieldrouter/internal/blob/s3"
	"github.com/alanyoungcy/yieldrouter/internal/cache/redis"
	"github.com/alanyoungcy/yieldrouter/internal/config"
	"github.com/alanyoungcy/yieldrouter/internal/crosschain"
	"github.com/alanyoungcy/yieldrouter/internal/crypto"
	"github.com/alanyoungcy/yieldrouter/internal/domain"
	"github.com/alanyoungcy/yieldrouter/internal/events"
	"github.com/alanyoungcy/yieldrouter/internal/lock"
	msgmem "github.com/alanyoungcy/yieldrouter/internal/messaging/memory"
	"github.com/alanyoungcy/yieldrouter/internal/messaging/redisstream"
	"github.com/alanyoungcy/yieldrouter/internal/notify"
	"github.com/alanyoungcy/yieldrouter/internal/oracle"
	"github.com/alanyoungcy/yieldrouter/internal/server/handler"
	"github.com/alanyoungcy/yieldrouter/internal/server/middleware"
	"github.com/alanyoungcy/yieldrouter/internal/server/ws"
	"github.com/alanyoungcy/yieldrouter/internal/snapshot"
	"github.com/alanyoungcy/yieldrouter/internal/store/memory"
	"github.com/alanyoungcy/yieldrouter/internal/store/postgres"
	"github.com/alanyoungcy/yieldrouter/internal/vault"
)

// Dependencies bundles every component the run modes need. It is constructed
// by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	VaultStore    domain.VaultStore
	StrategyStore domain.StrategyStore
	TransferStore domain.TransferStore
	AuditStore    domain.AuditStore

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *snapshot.Archiver

	// Ledgers
	Oracle      domain.PriceOracle
	Vault       *vault.Ledger
	Allocation  *allocation.Ledger
	Coordinator *crosschain.Coordinator

	// Cross-domain transport. Network is set for the memory transport,
	// Relay for the redis transport.
	Network *msgmem.Network
	Relay   *redisstream.Relay

	checkpoint *redisstream.Checkpoint
	auth       *crypto.MessageAuth

	// Simulated yield sources accrued on the simulation tick, including
	// those of in-process peer domains.
	Simulated []simulatedSource

	// Observability
	Hub      *ws.Hub
	Metrics  *prometheus.Registry
	Async    []*events.Async
	Notifier *notify.Notifier
	Checks   map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- Stores ---
	if cfg.Persistence == "postgres" {
		pgClient, err := openPostgres(ctx, cfg)
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.VaultStore = postgres.NewVaultStore(pool)
		deps.StrategyStore = postgres.NewStrategyStore(pool)
		deps.TransferStore = postgres.NewTransferStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }
	} else {
		st := memory.New()
		deps.VaultStore = st
		deps.StrategyStore = st
		deps.TransferStore = st
		deps.AuditStore = st
	}

	// --- Redis ---
	deps.LockManager = lock.New()
	deps.RateLimiter = middleware.NewLocalLimiter()
	if cfg.Redis.Enabled() {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			URL:        cfg.Redis.URL,
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.LockManager = redis.NewLockManager(redisClient, cfg.Redis.LockPrefix, cfg.Redis.LockWait.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Oracle.PriceTTL.Duration)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- S3 blob storage (only when snapshots are taken) ---
	if cfg.Snapshot.Enabled || cfg.Mode == "snapshot" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Events ---
	sink := wireEvents(cfg, deps, senders, logger)

	// --- Oracle ---
	switch cfg.Oracle.Source {
	case "redis":
		deps.Oracle = oracle.NewCacheOracle(deps.PriceCache)
	default:
		prices := make(map[string]decimal.Decimal, len(cfg.Oracle.Prices))
		for asset, p := range cfg.Oracle.Prices {
			prices[asset] = decimal.RequireFromString(p)
		}
		deps.Oracle = oracle.NewStaticOracle(prices)
	}

	// --- Ledgers ---
	deps.Vault = vault.New(vault.Config{
		MaxAllocationBps: cfg.Vault.MaxAllocationBps,
		MinimumShares:    decimal.NewFromInt(cfg.Vault.MinimumShares),
	}, deps.VaultStore, sink, logger)

	ledger, err := allocation.New(allocation.Config{
		LocalDomain:      cfg.Domain.ID,
		MaxAllocationBps: cfg.Allocation.MaxStrategyBps,
		MaxStrategyValue: cfg.MaxStrategyValue(),
		MaxPriceAge:      cfg.Allocation.MaxPriceAge.Duration,
		LockTTL:          cfg.Allocation.LockTTL.Duration,
	}, allocation.Deps{
		Vault:  deps.Vault,
		Oracle: deps.Oracle,
		Locks:  deps.LockManager,
		Store:  deps.StrategyStore,
		Events: sink,
		Logger: logger,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	deps.Allocation = ledger

	messenger, err := wireTransport(cfg, deps, &closers, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	deps.Coordinator = crosschain.New(crosschain.Config{
		LocalDomain: cfg.Domain.ID,
		Address:     cfg.Domain.Address,
	}, crosschain.Deps{
		Messenger: messenger,
		Settler:   ledger,
		Oracle:    deps.Oracle,
		Store:     deps.TransferStore,
		Events:    sink,
		Logger:    logger,
	})
	ledger.SetDispatcher(deps.Coordinator)
	if deps.Network != nil {
		deps.Network.Register(cfg.Domain.ID, deps.Coordinator)
	}
	if deps.checkpoint != nil {
		deps.Relay = redisstream.NewRelay(deps.SignalBus, deps.Coordinator, deps.checkpoint, redisstream.RelayConfig{
			Stream: redisstream.StreamName(cfg.CrossChain.StreamPrefix, cfg.Domain.ID),
			Batch:  cfg.CrossChain.RelayBatch,
			Block:  cfg.CrossChain.RelayBlock.Duration,
			Auth:   deps.auth,
		}, logger)
	}

	if err := bootstrap(ctx, cfg, deps, logger); err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	deps.Checks["ledger"] = func(context.Context) error {
		if err := deps.Vault.CheckInvariants(); err != nil {
			return err
		}
		return deps.Allocation.CheckInvariants()
	}

	if deps.BlobWriter != nil {
		deps.Archiver = snapshot.New(snapshot.Config{
			Domain: cfg.Domain.ID,
			Prefix: cfg.Snapshot.Prefix,
			Keep:   cfg.Snapshot.Keep,
		}, snapshot.Deps{
			Vault:       deps.Vault,
			Allocations: deps.Allocation,
			Coordinator: deps.Coordinator,
			Writer:      deps.BlobWriter,
			Reader:      deps.BlobReader,
			Audit:       deps.AuditStore,
		}, logger)
	}

	return deps, cleanup, nil
}

func openPostgres(ctx context.Context, cfg *config.Config) (*postgres.Client, error) {
	return postgres.New(ctx, postgres.ClientConfig{
		DSN:            cfg.Postgres.DSN,
		Host:           cfg.Postgres.Host,
		Port:           cfg.Postgres.Port,
		Database:       cfg.Postgres.Database,
		User:           cfg.Postgres.User,
		Password:       cfg.Postgres.Password,
		SSLMode:        cfg.Postgres.SSLMode,
		MaxConns:       cfg.Postgres.PoolMaxConns,
		MinConns:       cfg.Postgres.PoolMinConns,
		ConnectTimeout: cfg.Postgres.ConnTimeout.Duration,
	})
}

// wireEvents builds the event fan-out. Slow sinks (audit writes and alert
// delivery) run behind bounded async queues that the run mode drains.
func wireEvents(cfg *config.Config, deps *Dependencies, senders []notify.Sender, logger *slog.Logger) domain.EventSink {
	deps.Metrics = prometheus.NewRegistry()
	deps.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// With a signal bus the hub subscribes to it, which also carries events
	// of other processes. Without one it is fed directly.
	deps.Hub = ws.NewHub(deps.SignalBus, logger, ws.Config{
		Mode:      cfg.Mode,
		Domain:    cfg.Domain.ID,
		StartedAt: time.Now().UTC(),
		Origins:   cfg.Server.CORSOrigins,
	})

	audit := events.NewAsync("audit", events.NewAuditSink(deps.AuditStore), cfg.Notify.Buffer, logger)
	deps.Async = append(deps.Async, audit)

	sinks := []domain.EventSink{
		events.NewLogSink(logger),
		events.NewMetrics(deps.Metrics),
		audit,
	}
	if deps.SignalBus != nil {
		sinks = append(sinks, events.NewBusSink(deps.SignalBus))
	} else {
		sinks = append(sinks, deps.Hub)
	}
	if len(senders) > 0 {
		alerts := events.NewAsync("alerts", events.NewAlertSink(deps.Notifier), cfg.Notify.Buffer, logger)
		deps.Async = append(deps.Async, alerts)
		sinks = append(sinks, alerts)
	}
	return events.NewFanout(sinks...)
}

// wireTransport returns the messenger for the configured transport.
func wireTransport(cfg *config.Config, deps *Dependencies, closers *[]func(), logger *slog.Logger) (domain.Messenger, error) {
	switch cfg.CrossChain.Transport {
	case "redis":
		if deps.SignalBus == nil {
			return nil, fmt.Errorf("redis transport without redis")
		}
		cp, err := redisstream.OpenCheckpoint(cfg.CrossChain.CheckpointPath)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, func() { _ = cp.Close() })
		deps.checkpoint = cp
		deps.auth = crypto.NewMessageAuth(cfg.CrossChain.HMACSecret)
		if !deps.auth.Enabled() {
			logger.Warn("cross-domain messages are not authenticated; set crosschain.hmac_secret")
		}
		return redisstream.NewMessenger(deps.SignalBus, cfg.Domain.ID, cfg.CrossChain.StreamPrefix).WithAuth(deps.auth), nil
	default:
		deps.Network = msgmem.NewNetwork()
		return deps.Network.Endpoint(cfg.Domain.ID), nil
	}
}
