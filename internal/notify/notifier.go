// Package notify delivers operator alerts to chat channels. Alerts are
// filtered by event type so operators receive only what they asked for.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches alerts to every Sender.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. Only events whose type appears in events
// are forwarded by Notify; an empty list forwards everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Wants reports whether events of typ are forwarded.
func (n *Notifier) Wants(typ domain.EventType) bool {
	return len(n.senders) > 0 && (len(n.events) == 0 || n.events[typ])
}

// Notify formats evt and sends it if its type passes the filter.
func (n *Notifier) Notify(ctx context.Context, evt domain.Event) error {
	if !n.Wants(evt.Type) {
		return nil
	}
	return n.dispatch(ctx, Title(evt), Body(evt))
}

// NotifyAll sends a free-form alert regardless of the filter.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// Title renders the headline of evt.
func Title(evt domain.Event) string {
	return strings.ReplaceAll(string(evt.Type), "_", " ")
}

// Body renders the detail lines of evt.
func Body(evt domain.Event) string {
	var b strings.Builder
	if evt.StrategyID != 0 {
		fmt.Fprintf(&b, "strategy: %d\n", evt.StrategyID)
	}
	if evt.Asset != "" {
		fmt.Fprintf(&b, "asset: %s\n", evt.Asset)
	}
	fmt.Fprintf(&b, "amount: %s\n", evt.Amount)
	if evt.Domain != 0 {
		fmt.Fprintf(&b, "domain: %d\n", evt.Domain)
	}
	if evt.MessageID != "" {
		fmt.Fprintf(&b, "message: %s\n", evt.MessageID)
	}
	if evt.Detail != "" {
		fmt.Fprintf(&b, "detail: %s\n", evt.Detail)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// dispatch sends to every sender. One failing sender does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
