package redisstream

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/yieldrouter/internal/crypto"
	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// RelayConfig tunes the read loop.
type RelayConfig struct {
	Stream  string
	Batch   int
	Block   time.Duration
	Backoff time.Duration
	// Auth, when enabled, drops entries whose envelope MAC does not verify.
	Auth *crypto.MessageAuth
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.Batch <= 0 {
		c.Batch = 64
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	return c
}

// Relay delivers the entries of one stream to a handler in order. An entry is
// checkpointed once it was applied or can never be applied; any other
// failure stops the batch and the entry is retried after a backoff.
type Relay struct {
	bus        domain.SignalBus
	handler    domain.MessageHandler
	checkpoint *Checkpoint
	cfg        RelayConfig
	logger     *slog.Logger
}

// NewRelay creates a Relay.
func NewRelay(bus domain.SignalBus, handler domain.MessageHandler, cp *Checkpoint, cfg RelayConfig, logger *slog.Logger) *Relay {
	cfg = cfg.withDefaults()
	return &Relay{
		bus:        bus,
		handler:    handler,
		checkpoint: cp,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "relay"), slog.String("stream", cfg.Stream)),
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "relay started")
	for {
		if ctx.Err() != nil {
			r.logger.InfoContext(ctx, "relay stopped")
			return nil
		}
		if _, err := r.Poll(ctx, r.cfg.Block); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.WarnContext(ctx, "relay poll failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.cfg.Backoff):
			}
		}
	}
}

// Poll reads one batch after the checkpoint and delivers it. It returns the
// number of entries checkpointed.
func (r *Relay) Poll(ctx context.Context, block time.Duration) (int, error) {
	last, err := r.checkpoint.Load(r.cfg.Stream)
	if err != nil {
		return 0, err
	}
	entries, err := r.bus.StreamRead(ctx, r.cfg.Stream, last, r.cfg.Batch, block)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, e := range entries {
		if err := r.deliver(ctx, e); err != nil {
			return done, err
		}
		if err := r.checkpoint.Save(r.cfg.Stream, e.ID); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

func (r *Relay) deliver(ctx context.Context, e domain.StreamMessage) error {
	env, err := decodeEnvelope(e.Payload)
	if err != nil {
		r.logger.ErrorContext(ctx, "dropping malformed entry",
			slog.String("entry", e.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if err := r.cfg.Auth.Verify(env.ID, env.Source, env.Payload, env.MAC); err != nil {
		r.logger.ErrorContext(ctx, "dropping unauthenticated entry",
			slog.String("entry", e.ID),
			slog.String("message_id", env.ID),
			slog.Uint64("source", uint64(env.Source)),
		)
		return nil
	}
	err = r.handler.OnReceive(ctx, env.ID, env.Payload)
	switch {
	case err == nil:
		return nil
	case domain.IsPoison(err):
		r.logger.WarnContext(ctx, "skipping message",
			slog.String("entry", e.ID),
			slog.String("message_id", env.ID),
			slog.Uint64("source", uint64(env.Source)),
			slog.String("error", err.Error()),
		)
		return nil
	default:
		return err
	}
}
