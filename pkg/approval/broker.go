package approval

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrUnknownRequest is returned when resolving a request that is not pending.
var ErrUnknownRequest = errors.New("no pending approval request with that id")

// Broker parks requests until an external signal resolves them.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

type pendingRequest struct {
	req      Request
	decision chan Decision
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{pending: make(map[string]*pendingRequest)}
}

// Request registers req and waits for Resolve or ctx.
func (b *Broker) Request(ctx context.Context, req Request) (Decision, error) {
	p := &pendingRequest{req: req, decision: make(chan Decision, 1)}

	b.mu.Lock()
	b.pending[req.ID] = p
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
	}()

	select {
	case d := <-p.decision:
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Resolve delivers a decision to the request with the given id.
func (b *Broker) Resolve(id string, d Decision) error {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		return ErrUnknownRequest
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now().UTC()
	}
	p.decision <- d
	return nil
}

// Pending lists waiting requests, oldest first.
func (b *Broker) Pending() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Request, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
