package payments

import (
	"context"
	"errors"
	"time"

	"github.com/collabpay/collabpay/internal/circuitbreaker"
)

// ErrGatewayUnavailable is returned without calling the gateway when the
// circuit for an operation is open. Callers treat it like a decline: no
// money moved.
var ErrGatewayUnavailable = errors.New("payments: gateway unavailable")

// GuardedGateway wraps a Gateway with a per-operation circuit breaker.
// Charges, transfers, and refunds trip independently, so a run of failed
// transfers does not block refunds.
type GuardedGateway struct {
	inner   Gateway
	breaker *circuitbreaker.Breaker
}

// Guard wraps g with a circuit breaker that opens after threshold
// consecutive failures and stays open for openFor before probing.
func Guard(g Gateway, threshold int, openFor time.Duration) *GuardedGateway {
	return &GuardedGateway{
		inner:   g,
		breaker: circuitbreaker.New(threshold, openFor),
	}
}

func (g *GuardedGateway) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	return g.call("charge", func() (*Result, error) { return g.inner.Charge(ctx, req) })
}

func (g *GuardedGateway) Transfer(ctx context.Context, req TransferRequest) (*Result, error) {
	return g.call("transfer", func() (*Result, error) { return g.inner.Transfer(ctx, req) })
}

func (g *GuardedGateway) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	return g.call("refund", func() (*Result, error) { return g.inner.Refund(ctx, req) })
}

func (g *GuardedGateway) call(op string, fn func() (*Result, error)) (*Result, error) {
	if !g.breaker.Allow(op) {
		return nil, ErrGatewayUnavailable
	}
	res, err := fn()
	switch {
	case err == nil:
		g.breaker.RecordSuccess(op)
	case errors.Is(err, ErrPaymentFailed):
		// A decline is the gateway working as intended, not an outage.
		g.breaker.RecordSuccess(op)
	default:
		g.breaker.RecordFailure(op)
	}
	return res, err
}
