package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"go.opentelemetry.io/otel/attribute"

	"github.com/collabpay/collabpay/internal/traces"
)

// StripeGateway executes charges, transfers, and refunds through Stripe.
// Charges confirm a PaymentIntent immediately; transfers assume creators
// have connected accounts keyed by their platform ID.
type StripeGateway struct {
	api     *client.API
	timeout time.Duration
}

// NewStripeGateway creates a gateway backed by the Stripe API.
func NewStripeGateway(secretKey string, timeout time.Duration) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api, timeout: timeout}
}

func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "payments.stripe.Charge",
		attribute.Int64("amount_cents", req.AmountCents),
		attribute.String("reference", req.Reference),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Params:        stripe.Params{Context: ctx},
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(string(stripe.CurrencyUSD)),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String("escrow " + req.Reference),
	}
	params.AddMetadata("marketer_id", req.MarketerID)
	params.AddMetadata("reference", req.Reference)

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, mapStripeErr(err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, fmt.Errorf("%w: payment intent status %s", ErrPaymentFailed, pi.Status)
	}
	return &Result{ProviderRef: pi.ID, ProcessedAt: time.Now()}, nil
}

func (g *StripeGateway) Transfer(ctx context.Context, req TransferRequest) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "payments.stripe.Transfer",
		attribute.Int64("amount_cents", req.AmountCents),
		attribute.String("reference", req.Reference),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.TransferParams{
		Params:      stripe.Params{Context: ctx},
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(string(stripe.CurrencyUSD)),
		Destination: stripe.String(req.CreatorID),
	}
	params.AddMetadata("reference", req.Reference)

	tr, err := g.api.Transfers.New(params)
	if err != nil {
		return nil, mapStripeErr(err)
	}
	return &Result{ProviderRef: tr.ID, ProcessedAt: time.Now()}, nil
}

func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "payments.stripe.Refund",
		attribute.Int64("amount_cents", req.AmountCents),
		attribute.String("reference", req.Reference),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.RefundParams{
		Params:        stripe.Params{Context: ctx},
		PaymentIntent: stripe.String(req.ChargeRef),
		Amount:        stripe.Int64(req.AmountCents),
	}
	params.AddMetadata("reference", req.Reference)

	rf, err := g.api.Refunds.New(params)
	if err != nil {
		return nil, mapStripeErr(err)
	}
	return &Result{ProviderRef: rf.ID, ProcessedAt: time.Now()}, nil
}

// mapStripeErr folds provider errors into the package taxonomy. Deadline
// overruns must stay distinguishable: the charge may have landed.
func mapStripeErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrGatewayTimeout, err)
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return fmt.Errorf("%w: %s (%s)", ErrPaymentFailed, stripeErr.Msg, stripeErr.Code)
	}
	return fmt.Errorf("%w: %v", ErrPaymentFailed, err)
}
