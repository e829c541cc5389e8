// Package payments is the boundary to the card-processing gateway.
//
// The engine treats the gateway as an opaque charge/transfer/refund
// executor: a charge captures marketer funds into the platform's escrow
// balance, a transfer credits the creator, a refund reverses a charge.
// Every call has a bounded timeout; a timeout is surfaced distinctly from
// a decline so callers can reconcile in-flight outcomes.
package payments

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPaymentFailed is a gateway decline or processing failure.
	ErrPaymentFailed = errors.New("payments: payment failed")
	// ErrGatewayTimeout is a gateway call that exceeded its deadline.
	// The charge may still have gone through; callers reconcile afterward.
	ErrGatewayTimeout = errors.New("payments: gateway timeout")
)

// ChargeRequest captures funds from the marketer's payment method.
type ChargeRequest struct {
	AmountCents     int64
	PaymentMethodID string
	MarketerID      string
	Reference       string // milestone ID, for gateway-side reconciliation
}

// TransferRequest credits a creator's connected account.
type TransferRequest struct {
	AmountCents int64
	CreatorID   string
	Reference   string
}

// RefundRequest reverses a prior charge (fully or partially).
type RefundRequest struct {
	AmountCents int64
	ChargeRef   string // provider reference returned by Charge
	Reference   string
}

// Result is the gateway's reference for a completed operation.
type Result struct {
	ProviderRef string    `json:"providerRef"`
	ProcessedAt time.Time `json:"processedAt"`
}

// Gateway executes money movement. Implementations must not retry
// internally; retries are the caller's decision.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*Result, error)
	Transfer(ctx context.Context, req TransferRequest) (*Result, error)
	Refund(ctx context.Context, req RefundRequest) (*Result, error)
}
