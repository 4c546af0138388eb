package crosschain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// writeAttempts bounds how often a transfer or receipt write is tried before
// the record is parked for Flush.
const writeAttempts = 3

var writeBackoff = 20 * time.Millisecond

// retry calls fn up to writeAttempts times, backing off between attempts.
func retry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < writeAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(writeBackoff * time.Duration(i)):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}

// persistTransfer saves t. A record the store keeps refusing is held in
// memory and written by the next Flush; until then the coordinator sends and
// accepts nothing.
func (c *Coordinator) persistTransfer(ctx context.Context, t domain.Transfer) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	err := retry(ctx, func() error { return c.store.SaveTransfer(ctx, t) })
	if err == nil {
		delete(c.unsavedTransfers, t.MessageID)
		return
	}
	c.unsavedTransfers[t.MessageID] = t
	c.logger.ErrorContext(ctx, "transfer not saved",
		slog.String("message_id", t.MessageID),
		slog.String("status", string(t.Status)),
		slog.String("error", err.Error()),
	)
}

// persistReceipt commits messageID as processed together with the transfers
// it changed. On failure the receipt is held for Flush and the error is
// returned so the transport redelivers the message.
func (c *Coordinator) persistReceipt(ctx context.Context, messageID string, touched []domain.Transfer) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	for _, t := range touched {
		delete(c.unsavedTransfers, t.MessageID)
	}
	err := retry(ctx, func() error { return c.store.CommitReceipt(ctx, messageID, touched...) })
	if err == nil {
		return nil
	}
	c.unsavedReceipts[messageID] = touched
	return fmt.Errorf("crosschain: commit receipt %s: %w", messageID, err)
}

// Flush writes every transfer and receipt the store refused earlier. It
// returns nil once nothing is left unsaved.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	for id, t := range c.unsavedTransfers {
		if err := retry(ctx, func() error { return c.store.SaveTransfer(ctx, t) }); err != nil {
			return fmt.Errorf("crosschain: flush transfer %s: %w", id, err)
		}
		delete(c.unsavedTransfers, id)
	}
	for id, touched := range c.unsavedReceipts {
		if err := retry(ctx, func() error { return c.store.CommitReceipt(ctx, id, touched...) }); err != nil {
			return fmt.Errorf("crosschain: flush receipt %s: %w", id, err)
		}
		delete(c.unsavedReceipts, id)
	}
	return nil
}

// Unsaved reports how many records are waiting for Flush.
func (c *Coordinator) Unsaved() int {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return len(c.unsavedTransfers) + len(c.unsavedReceipts)
}
