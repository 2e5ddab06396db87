package payment

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go"
	"github.com/stripe/stripe-go/paymentintent"
	"github.com/stripe/stripe-go/refund"
	"github.com/stripe/stripe-go/transfer"
)

// StripeProvider implements Provider against Stripe. Refunds leave the
// processor fee with Stripe, which is why the refundable amount is computed
// upstream rather than refunding the full charge.
type StripeProvider struct {
	currency stripe.Currency
}

func NewStripeProvider(apiKey string) *StripeProvider {
	stripe.Key = apiKey
	return &StripeProvider{currency: stripe.CurrencyEUR}
}

func (p *StripeProvider) CreateIntent(ctx context.Context, amount decimal.Decimal, idempotencyKey string) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(cents(amount)),
		Currency:      stripe.String(string(p.currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	pi, err := paymentintent.New(params)
	if err != nil {
		return Intent{}, fmt.Errorf("payment: create intent: %w", err)
	}
	return Intent{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (p *StripeProvider) Capture(ctx context.Context, intentID string, idempotencyKey string) (string, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	pi, err := paymentintent.Capture(intentID, params)
	if err != nil {
		return "", fmt.Errorf("payment: capture %s: %w", intentID, err)
	}
	return pi.ID, nil
}

func (p *StripeProvider) Refund(ctx context.Context, intentID string, amount decimal.Decimal, idempotencyKey string) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
		Amount:        stripe.Int64(cents(amount)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	re, err := refund.New(params)
	if err != nil {
		return "", fmt.Errorf("payment: refund %s: %w", intentID, err)
	}
	return re.ID, nil
}

func (p *StripeProvider) Transfer(ctx context.Context, destination string, amount decimal.Decimal, idempotencyKey string) (string, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(cents(amount)),
		Currency:    stripe.String(string(p.currency)),
		Destination: stripe.String(destination),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	tr, err := transfer.New(params)
	if err != nil {
		return "", fmt.Errorf("payment: transfer to %s: %w", destination, err)
	}
	return tr.ID, nil
}
