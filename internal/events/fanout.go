// Package events fans ledger observations out to the signal bus, the audit
// log, operator alerts, Prometheus metrics and websocket clients.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// Fanout publishes every event to all of its sinks. A failing sink does not
// stop delivery to the others.
type Fanout struct {
	sinks []domain.EventSink
}

// NewFanout returns a Fanout over sinks. Nil sinks are skipped.
func NewFanout(sinks ...domain.EventSink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Publish delivers evt to every sink.
func (f *Fanout) Publish(ctx context.Context, evt domain.Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Channel returns the pub/sub channel an event type is published on.
func Channel(typ domain.EventType) string {
	return "events." + string(typ)
}

// BusSink publishes events as JSON on the signal bus.
type BusSink struct {
	bus domain.SignalBus
}

// NewBusSink returns a BusSink.
func NewBusSink(bus domain.SignalBus) *BusSink {
	return &BusSink{bus: bus}
}

// Publish sends evt on its type's channel.
func (s *BusSink) Publish(ctx context.Context, evt domain.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", evt.Type, err)
	}
	if err := s.bus.Publish(ctx, Channel(evt.Type), payload); err != nil {
		return fmt.Errorf("events: %w", err)
	}
	return nil
}

// AuditSink appends every event to the audit log.
type AuditSink struct {
	store domain.AuditStore
}

// NewAuditSink returns an AuditSink.
func NewAuditSink(store domain.AuditStore) *AuditSink {
	return &AuditSink{store: store}
}

// Publish logs evt with its fields as detail.
func (s *AuditSink) Publish(ctx context.Context, evt domain.Event) error {
	detail := map[string]any{
		"amount":      evt.Amount.String(),
		"occurred_at": evt.OccurredAt,
	}
	if evt.StrategyID != 0 {
		detail["strategy_id"] = evt.StrategyID
	}
	if evt.Asset != "" {
		detail["asset"] = evt.Asset
	}
	if !evt.Principal.IsZero() || !evt.CurrentValue.IsZero() {
		detail["principal"] = evt.Principal.String()
		detail["current_value"] = evt.CurrentValue.String()
	}
	if evt.MessageID != "" {
		detail["message_id"] = evt.MessageID
	}
	if evt.DepositID != "" {
		detail["deposit_id"] = evt.DepositID
	}
	if evt.Domain != 0 {
		detail["domain"] = evt.Domain
	}
	if evt.Detail != "" {
		detail["detail"] = evt.Detail
	}
	if err := s.store.Log(ctx, string(evt.Type), detail); err != nil {
		return fmt.Errorf("events: audit %s: %w", evt.Type, err)
	}
	return nil
}

// Alerter is the subset of notify.Notifier used by AlertSink.
type Alerter interface {
	Notify(ctx context.Context, evt domain.Event) error
}

// AlertSink forwards events to operator alert channels.
type AlertSink struct {
	alerter Alerter
}

// NewAlertSink returns an AlertSink.
func NewAlertSink(a Alerter) *AlertSink {
	return &AlertSink{alerter: a}
}

// Publish forwards evt.
func (s *AlertSink) Publish(ctx context.Context, evt domain.Event) error {
	return s.alerter.Notify(ctx, evt)
}

// LogSink writes every event to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With(slog.String("component", "events"))}
}

// Publish logs evt at info level.
func (s *LogSink) Publish(ctx context.Context, evt domain.Event) error {
	s.logger.InfoContext(ctx, "event",
		slog.String("type", string(evt.Type)),
		slog.Uint64("strategy_id", evt.StrategyID),
		slog.String("asset", evt.Asset),
		slog.String("amount", evt.Amount.String()),
		slog.String("message_id", evt.MessageID),
	)
	return nil
}
