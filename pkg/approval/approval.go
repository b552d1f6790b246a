package approval

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrTimeout is returned when no decision arrives before the gate timeout.
var ErrTimeout = errors.New("approval timed out")

// Request asks an external actor to let a stage proceed.
type Request struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	Prompt    string    `json:"prompt"`
	CreatedAt time.Time `json:"created_at"`
}

// NewRequest creates a request with a fresh ID.
func NewRequest(runID, stage, prompt string) Request {
	return Request{
		ID:        uuid.NewString(),
		RunID:     runID,
		Stage:     stage,
		Prompt:    prompt,
		CreatedAt: time.Now().UTC(),
	}
}

// Decision is the binary outcome of a Request.
type Decision struct {
	Approved  bool      `json:"approved"`
	Actor     string    `json:"actor,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Approver blocks until a decision is made or ctx ends.
type Approver interface {
	Request(ctx context.Context, req Request) (Decision, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, req Request) (Decision, error)

// Request calls f.
func (f ApproverFunc) Request(ctx context.Context, req Request) (Decision, error) {
	return f(ctx, req)
}

// Static answers every request with the same decision.
type Static struct {
	approved bool
	actor    string
	reason   string
}

// Approve returns an approver that accepts every request.
func Approve(actor string) *Static {
	return &Static{approved: true, actor: actor}
}

// Deny returns an approver that rejects every request.
func Deny(actor, reason string) *Static {
	return &Static{actor: actor, reason: reason}
}

// Request returns the fixed decision.
func (s *Static) Request(ctx context.Context, _ Request) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	return Decision{Approved: s.approved, Actor: s.actor, Reason: s.reason, DecidedAt: time.Now().UTC()}, nil
}

// WithTimeout bounds the wait of a. A zero timeout returns a unchanged.
func WithTimeout(a Approver, timeout time.Duration) Approver {
	if timeout <= 0 {
		return a
	}
	return ApproverFunc(func(ctx context.Context, req Request) (Decision, error) {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		decision, err := a.Request(waitCtx, req)
		if err != nil && ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return Decision{}, ErrTimeout
		}
		return decision, err
	})
}
