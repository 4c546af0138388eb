package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Messenger is the reliable, at-least-once transport between domains. Send
// returns as soon as the payload is handed off; delivery happens later
// through the receiving coordinator's OnReceive.
type Messenger interface {
	Send(ctx context.Context, destinationDomain uint32, payload []byte) (messageID string, err error)
}

// MessageHandler consumes delivered messages.
type MessageHandler interface {
	OnReceive(ctx context.Context, messageID string, payload []byte) error
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, messageID string, payload []byte) error

// OnReceive calls f.
func (f MessageHandlerFunc) OnReceive(ctx context.Context, messageID string, payload []byte) error {
	return f(ctx, messageID, payload)
}

// PriceOracle quotes an asset in the reference currency. Staleness is the age
// of the quote. Prices are only used for valuation and reference-currency caps,
// never for share accounting.
type PriceOracle interface {
	Price(ctx context.Context, asset string) (price decimal.Decimal, staleness time.Duration, err error)
}
