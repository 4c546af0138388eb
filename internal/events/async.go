package events

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// Async decouples a slow sink from the ledger. Publish enqueues and returns
// at once; Run delivers in order. When the queue is full the event is
// dropped and counted.
type Async struct {
	name    string
	sink    domain.EventSink
	queue   chan domain.Event
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewAsync wraps sink with a queue of the given size.
func NewAsync(name string, sink domain.EventSink, size int, logger *slog.Logger) *Async {
	if size <= 0 {
		size = 256
	}
	return &Async{
		name:   name,
		sink:   sink,
		queue:  make(chan domain.Event, size),
		logger: logger.With(slog.String("component", "events"), slog.String("sink", name)),
	}
}

// Publish enqueues evt.
func (a *Async) Publish(ctx context.Context, evt domain.Event) error {
	select {
	case a.queue <- evt:
	default:
		a.dropped.Add(1)
		a.logger.WarnContext(ctx, "event queue full, dropping", slog.String("type", string(evt.Type)))
	}
	return nil
}

// Dropped returns how many events were discarded.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Run delivers queued events until ctx is cancelled, then drains what is
// already queued.
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case evt := <-a.queue:
			a.deliver(ctx, evt)
		case <-ctx.Done():
			for {
				select {
				case evt := <-a.queue:
					a.deliver(context.WithoutCancel(ctx), evt)
				default:
					return nil
				}
			}
		}
	}
}

func (a *Async) deliver(ctx context.Context, evt domain.Event) {
	if err := a.sink.Publish(ctx, evt); err != nil {
		a.logger.WarnContext(ctx, "event delivery failed",
			slog.String("type", string(evt.Type)),
			slog.String("error", err.Error()),
		)
	}
}
