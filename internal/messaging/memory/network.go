// Package memory implements an in-process cross-domain messenger. Messages
// are queued on Send and delivered only when the owner calls DeliverNext or DeliverAll, which
// lets tests and the single-binary simulation control ordering, duplication
// and loss.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// Envelope is one message in flight.
type Envelope struct {
	ID      string
	From    uint32
	To      uint32
	Payload []byte
}

// Network connects the endpoints of several domains.
type Network struct {
	mu       sync.Mutex
	seq      uint64
	handlers map[uint32]domain.MessageHandler
	queue    []Envelope
	log      map[string]Envelope
}

// NewNetwork returns an empty Network.
func NewNetwork() *Network {
	return &Network{
		handlers: make(map[uint32]domain.MessageHandler),
		log:      make(map[string]Envelope),
	}
}

// Endpoint returns the Messenger used by domain from.
func (n *Network) Endpoint(from uint32) *Endpoint {
	return &Endpoint{net: n, from: from}
}

// Register installs the handler that receives messages addressed to id.
func (n *Network) Register(id uint32, h domain.MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

// Pending returns a copy of the queued envelopes in delivery order.
func (n *Network) Pending() []Envelope {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Envelope(nil), n.queue...)
}

// Drop discards a queued envelope without delivering it.
func (n *Network) Drop(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, e := range n.queue {
		if e.ID == id {
			n.queue = append(n.queue[:i], n.queue[i+1:]...)
			return true
		}
	}
	return false
}

// DeliverNext delivers the oldest queued envelope. It reports false when the
// queue is empty. A transient handler error puts the envelope back at the end
// of the queue, as an at-least-once transport would retry it. An envelope the
// handler can never apply (see domain.IsPoison) is dropped; duplicates are
// dropped silently and any other poison error is still returned.
func (n *Network) DeliverNext(ctx context.Context) (bool, error) {
	n.mu.Lock()
	if len(n.queue) == 0 {
		n.mu.Unlock()
		return false, nil
	}
	e := n.queue[0]
	n.queue = n.queue[1:]
	h, ok := n.handlers[e.To]
	n.mu.Unlock()

	if !ok {
		n.requeue(e)
		return true, fmt.Errorf("memory: no handler for domain %d", e.To)
	}
	err := h.OnReceive(ctx, e.ID, e.Payload)
	switch {
	case err == nil, errors.Is(err, domain.ErrMessageAlreadyProcessed):
		return true, nil
	case domain.IsPoison(err):
		return true, fmt.Errorf("memory: dropped %s: %w", e.ID, err)
	default:
		n.requeue(e)
		return true, err
	}
}

// DeliverAll delivers until the queue is empty, including messages sent by
// handlers along the way. It stops at the first handler error.
func (n *Network) DeliverAll(ctx context.Context) error {
	for {
		more, err := n.DeliverNext(ctx)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// Redeliver hands an already sent envelope to its handler again, the way a
// transport duplicates a message.
func (n *Network) Redeliver(ctx context.Context, id string) error {
	n.mu.Lock()
	e, ok := n.log[id]
	h, hok := n.handlers[e.To]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("memory: redeliver %s: %w", id, domain.ErrNotFound)
	}
	if !hok {
		return fmt.Errorf("memory: no handler for domain %d", e.To)
	}
	return h.OnReceive(ctx, e.ID, e.Payload)
}

func (n *Network) requeue(e Envelope) {
	n.mu.Lock()
	n.queue = append(n.queue, e)
	n.mu.Unlock()
}

// Endpoint is one domain's view of the Network.
type Endpoint struct {
	net  *Network
	from uint32
}

// Send queues payload for domain to and returns its message id. It never
// delivers synchronously.
func (e *Endpoint) Send(_ context.Context, to uint32, payload []byte) (string, error) {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()

	n.seq++
	env := Envelope{
		ID:      fmt.Sprintf("%d-%d-%d", e.from, to, n.seq),
		From:    e.from,
		To:      to,
		Payload: append([]byte(nil), payload...),
	}
	n.queue = append(n.queue, env)
	n.log[env.ID] = env
	return env.ID, nil
}

var _ domain.Messenger = (*Endpoint)(nil)
