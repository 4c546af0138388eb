package crosschain

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// OnReceive applies one delivered message exactly once. A message id seen
// before fails with ErrMessageAlreadyProcessed and changes nothing; so does
// a message from an unregistered or inactive domain, or one whose sender is
// not the coordinator registered for that domain (ErrInvalidSourceChain).
// The message is marked processed only after its effect has been applied.
//
// Records the store refused earlier are flushed first, and nothing is
// accepted until they are saved. When an effect is applied but its receipt
// cannot be stored, OnReceive returns the store error so the transport keeps
// the message; the redelivery saves the receipt and then reports
// ErrMessageAlreadyProcessed.
func (c *Coordinator) OnReceive(ctx context.Context, messageID string, payload []byte) error {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if messageID == "" {
		return fmt.Errorf("crosschain: receive: empty message id: %w", domain.ErrInvalidMessage)
	}
	if err := c.Flush(ctx); err != nil {
		return fmt.Errorf("crosschain: receive %s: %w", messageID, err)
	}
	if c.IsProcessed(messageID) {
		return fmt.Errorf("crosschain: receive %s: %w", messageID, domain.ErrMessageAlreadyProcessed)
	}
	msg, err := Decode(payload)
	if err != nil {
		return err
	}
	if err := c.checkSource(msg); err != nil {
		return fmt.Errorf("crosschain: receive %s: %w", messageID, err)
	}

	logger := c.logger.With(
		slog.String("message_id", messageID),
		slog.String("type", msg.Type.String()),
		slog.Uint64("source", uint64(msg.SourceDomain)),
	)

	var touched []domain.Transfer
	if msg.Type.IsAck() {
		touched, err = c.applyAck(ctx, messageID, msg)
	} else {
		err = c.serveRequest(ctx, messageID, msg)
	}
	if err != nil {
		logger.WarnContext(ctx, "message not applied", slog.String("error", err.Error()))
		return err
	}

	c.mu.Lock()
	c.processed[messageID] = struct{}{}
	for _, t := range touched {
		c.transfers[t.MessageID] = t
	}
	c.mu.Unlock()
	if err := c.persistReceipt(ctx, messageID, touched); err != nil {
		logger.ErrorContext(ctx, "message applied but receipt not saved", slog.String("error", err.Error()))
		return err
	}
	logger.InfoContext(ctx, "message applied")
	return nil
}

func (c *Coordinator) checkSource(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.domains[msg.SourceDomain]
	if !ok || !d.Active {
		return fmt.Errorf("source domain %d not registered: %w", msg.SourceDomain, domain.ErrInvalidSourceChain)
	}
	if d.RemoteCoordinator != msg.SourceCoordinator {
		return fmt.Errorf("sender %q is not the coordinator of domain %d: %w", msg.SourceCoordinator, msg.SourceDomain, domain.ErrInvalidSourceChain)
	}
	return nil
}

// applyAck resolves the pending transfer an acknowledgement refers to and
// returns the transfers whose records changed.
func (c *Coordinator) applyAck(ctx context.Context, messageID string, msg Message) ([]domain.Transfer, error) {
	c.mu.Lock()
	t, ok := c.transfers[msg.RefID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("crosschain: ack %s refers to unknown transfer %q: %w", messageID, msg.RefID, domain.ErrNotFound)
	}
	if t.DestinationDomain != msg.SourceDomain {
		return nil, fmt.Errorf("crosschain: ack for %s from domain %d, sent to %d: %w", t.MessageID, msg.SourceDomain, t.DestinationDomain, domain.ErrInvalidSourceChain)
	}
	if t.StrategyID != msg.StrategyID || t.Asset != msg.Asset {
		return nil, fmt.Errorf("crosschain: ack %s does not match transfer %s: %w", messageID, t.MessageID, domain.ErrInvalidMessage)
	}
	if t.Status.Terminal() {
		c.logger.InfoContext(ctx, "ack for settled transfer ignored",
			slog.String("message_id", messageID),
			slog.String("transfer", t.MessageID),
			slog.String("status", string(t.Status)),
		)
		return nil, nil
	}

	next := t
	next.UpdatedAt = c.now()
	var extra []domain.Transfer

	switch {
	case msg.Type == MsgDepositConfirmed && t.Kind == domain.TransferDeposit:
		if err := c.settler.RecordAllocation(ctx, t.StrategyID, t.Asset, t.Amount, messageID); err != nil {
			return nil, err
		}
		next.Status = domain.TransferCompleted
		next.SettledAmount = t.Amount
		c.publish(ctx, domain.EventCrossChainDepositCompleted, next, t.Amount, "")

	case msg.Type == MsgDepositFailed && t.Kind == domain.TransferDeposit:
		if err := c.settler.RevertPendingDeposit(ctx, t.StrategyID, t.Asset, t.Amount, messageID); err != nil {
			return nil, err
		}
		next.Status = domain.TransferFailed
		next.FailureReason = msg.Reason
		c.publish(ctx, domain.EventCrossChainDepositFailed, next, t.Amount, msg.Reason)

	case msg.Type == MsgWithdrawConfirmed && (t.Kind == domain.TransferWithdraw || t.Kind == domain.TransferEmergency):
		full := t.Kind == domain.TransferEmergency
		if err := c.settler.RecordWithdrawal(ctx, t.StrategyID, t.Asset, t.Amount, msg.Amount, full); err != nil {
			return nil, err
		}
		next.Status = domain.TransferCompleted
		next.SettledAmount = msg.Amount
		if full {
			extra = c.supersedePending(t)
		}
		c.publish(ctx, domain.EventCrossChainWithdrawCompleted, next, msg.Amount, "")

	case msg.Type == MsgWithdrawFailed && (t.Kind == domain.TransferWithdraw || t.Kind == domain.TransferEmergency):
		if err := c.settler.ReleasePendingWithdrawal(ctx, t.StrategyID, t.Asset, t.Amount); err != nil {
			return nil, err
		}
		next.Status = domain.TransferFailed
		next.FailureReason = msg.Reason
		c.publish(ctx, domain.EventCrossChainWithdrawFailed, next, t.Amount, msg.Reason)

	case msg.Type == MsgHarvestReport && t.Kind == domain.TransferHarvest:
		if msg.Reason != "" {
			next.Status = domain.TransferFailed
			next.FailureReason = msg.Reason
			break
		}
		if err := c.settler.RecordHarvest(ctx, t.StrategyID, t.Asset, msg.Amount, messageID); err != nil {
			return nil, err
		}
		next.Status = domain.TransferCompleted
		next.SettledAmount = msg.Amount

	default:
		return nil, fmt.Errorf("crosschain: %s cannot settle a %s transfer: %w", msg.Type, t.Kind, domain.ErrInvalidMessage)
	}

	return append([]domain.Transfer{next}, extra...), nil
}

// supersedePending marks other pending deposits and withdrawals of the same
// allocation as Withdrawn once an emergency withdrawal has emptied it. Their
// late acks are then ignored.
func (c *Coordinator) supersedePending(emergency domain.Transfer) []domain.Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []domain.Transfer
	for _, t := range c.transfers {
		if t.MessageID == emergency.MessageID || t.Status != domain.TransferPending {
			continue
		}
		if t.Kind != domain.TransferDeposit && t.Kind != domain.TransferWithdraw {
			continue
		}
		if t.StrategyID != emergency.StrategyID || t.Asset != emergency.Asset {
			continue
		}
		t.Status = domain.TransferWithdrawn
		t.FailureReason = "superseded by emergency withdrawal " + emergency.MessageID
		t.UpdatedAt = c.now()
		out = append(out, t)
	}
	return out
}

// serveRequest runs a request against a locally hosted strategy and replies
// with the matching acknowledgement. Adapter calls carry the request's
// message id as operation id, so a redelivered request that was executed but
// never marked processed does not execute twice.
func (c *Coordinator) serveRequest(ctx context.Context, messageID string, msg Message) error {
	c.mu.Lock()
	adapter, hosted := c.hosted[msg.StrategyID]
	c.mu.Unlock()

	reply := Message{
		RefID:             messageID,
		StrategyID:        msg.StrategyID,
		Asset:             msg.Asset,
		Amount:            decimal.Zero,
		DepositID:         msg.DepositID,
		SourceDomain:      c.cfg.LocalDomain,
		SourceCoordinator: c.cfg.Address,
	}
	opCtx := domain.WithOperationID(ctx, messageID)

	var opErr error
	switch msg.Type {
	case MsgDeposit:
		reply.Type = MsgDepositConfirmed
		reply.Amount = msg.Amount
		if hosted {
			ok, err := adapter.Deposit(opCtx, msg.Asset, msg.Amount)
			if err == nil && !ok {
				err = domain.ErrAdapterRejected
			}
			opErr = err
		}
		if opErr != nil || !hosted {
			reply.Type = MsgDepositFailed
		}
	case MsgWithdraw:
		reply.Type = MsgWithdrawConfirmed
		if hosted {
			reply.Amount, opErr = adapter.Withdraw(opCtx, msg.Asset, msg.Amount)
		}
		if opErr != nil || !hosted {
			reply.Type = MsgWithdrawFailed
		}
	case MsgEmergencyWithdraw:
		reply.Type = MsgWithdrawConfirmed
		if hosted {
			reply.Amount, opErr = adapter.EmergencyWithdraw(opCtx, msg.Asset)
		}
		if opErr != nil || !hosted {
			reply.Type = MsgWithdrawFailed
		}
	case MsgHarvest:
		reply.Type = MsgHarvestReport
		if hosted {
			reply.Amount, opErr = adapter.Harvest(opCtx, msg.Asset)
		}
	default:
		return fmt.Errorf("crosschain: serve %s: %w", msg.Type, domain.ErrInvalidMessage)
	}

	switch {
	case !hosted:
		reply.Reason = fmt.Sprintf("strategy %d not hosted on domain %d", msg.StrategyID, c.cfg.LocalDomain)
	case opErr != nil:
		reply.Reason = opErr.Error()
	}
	if reply.Reason != "" {
		reply.Amount = decimal.Zero
		c.logger.WarnContext(ctx, "request failed on hosted strategy",
			slog.String("message_id", messageID),
			slog.String("type", msg.Type.String()),
			slog.String("reason", reply.Reason),
		)
	}

	if _, err := c.messenger.Send(ctx, msg.SourceDomain, Encode(reply)); err != nil {
		return fmt.Errorf("crosschain: reply %s to %d: %w", reply.Type, msg.SourceDomain, err)
	}
	return nil
}

// MarkFailed resolves a stuck pending transfer as failed, applying the same
// compensation as a remote failure acknowledgement.
func (c *Coordinator) MarkFailed(ctx context.Context, messageID, reason string) error {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	c.mu.Lock()
	t, ok := c.transfers[messageID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("crosschain: mark failed %s: %w", messageID, domain.ErrNotFound)
	}
	if t.Status != domain.TransferPending {
		return fmt.Errorf("crosschain: mark failed %s is %s: %w", messageID, t.Status, domain.ErrTransferNotPending)
	}

	var err error
	switch t.Kind {
	case domain.TransferDeposit:
		err = c.settler.RevertPendingDeposit(ctx, t.StrategyID, t.Asset, t.Amount, messageID)
	case domain.TransferWithdraw, domain.TransferEmergency:
		err = c.settler.ReleasePendingWithdrawal(ctx, t.StrategyID, t.Asset, t.Amount)
	}
	if err != nil {
		return fmt.Errorf("crosschain: mark failed %s: %w", messageID, err)
	}

	t.Status = domain.TransferFailed
	t.FailureReason = reason
	t.UpdatedAt = c.now()
	c.mu.Lock()
	c.transfers[messageID] = t
	c.mu.Unlock()
	c.persistTransfer(ctx, t)

	switch t.Kind {
	case domain.TransferDeposit:
		c.publish(ctx, domain.EventCrossChainDepositFailed, t, t.Amount, reason)
	case domain.TransferWithdraw, domain.TransferEmergency:
		c.publish(ctx, domain.EventCrossChainWithdrawFailed, t, t.Amount, reason)
	}
	c.logger.WarnContext(ctx, "transfer marked failed",
		slog.String("message_id", messageID),
		slog.String("reason", reason),
	)
	return nil
}
