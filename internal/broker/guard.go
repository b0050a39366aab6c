package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"scalpel/internal/logger"
	"scalpel/internal/pkg/circuit"
)

// ErrCircuitOpen is returned while the guard's breaker is open. Callers
// treat it like any other submission failure: bounded retry, then cancel.
var ErrCircuitOpen = errors.New("broker: submission circuit open")

// Guard wraps a Broker with a circuit breaker over the order-mutating
// calls. Consecutive submit/amend failures trip the breaker and later
// attempts fail fast until the cooldown lets a probe through. Cancels
// always pass: pulling a resting order must stay possible while the venue
// is misbehaving.
type Guard struct {
	inner   Broker
	breaker *circuit.CircuitBreaker
}

func NewGuard(inner Broker, threshold int, cooldown time.Duration) *Guard {
	g := &Guard{
		inner:   inner,
		breaker: circuit.NewCircuitBreaker(inner.Name()+"-submit", threshold, cooldown),
	}
	g.breaker.SetStateChangeHandler(func(name string, from, to circuit.State) {
		logger.Warnf("broker: circuit %s %s -> %s", name, from, to)
	})
	return g
}

func (g *Guard) Name() string { return g.inner.Name() }

func (g *Guard) SupportsAmend() bool { return g.inner.SupportsAmend() }

func (g *Guard) Events() <-chan Event { return g.inner.Events() }

func (g *Guard) Close() error { return g.inner.Close() }

// BreakerState reports the current breaker state for observability.
func (g *Guard) BreakerState() circuit.State { return g.breaker.State() }

func (g *Guard) Submit(ctx context.Context, spec OrderSpec) (string, error) {
	if !g.breaker.Allow() {
		return "", fmt.Errorf("%w (broker %s)", ErrCircuitOpen, g.inner.Name())
	}
	id, err := g.inner.Submit(ctx, spec)
	g.record(err)
	return id, err
}

func (g *Guard) Amend(ctx context.Context, clientOrderID string, limitPrice float64) error {
	if !g.breaker.Allow() {
		return fmt.Errorf("%w (broker %s)", ErrCircuitOpen, g.inner.Name())
	}
	err := g.inner.Amend(ctx, clientOrderID, limitPrice)
	g.record(err)
	return err
}

func (g *Guard) Cancel(ctx context.Context, clientOrderID string) error {
	return g.inner.Cancel(ctx, clientOrderID)
}

// record feeds the breaker. ErrUnknownOrder and ErrAmendUnsupported are
// caller-side conditions, not venue health, and never count as failures.
func (g *Guard) record(err error) {
	switch {
	case err == nil:
		g.breaker.RecordSuccess()
	case errors.Is(err, ErrUnknownOrder), errors.Is(err, ErrAmendUnsupported):
	default:
		g.breaker.RecordFailure()
	}
}
