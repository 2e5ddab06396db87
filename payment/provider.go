// Package payment wraps the external payment processor. Calls go over the
// network; nothing in this package may run while a database transaction is
// held open.
package payment

import (
	"context"

	"github.com/shopspring/decimal"
)

// Intent is a created but not yet captured charge.
type Intent struct {
	ID           string
	ClientSecret string
}

// Provider is the processor surface the lifecycle needs. Every mutating call
// takes an idempotency key so a retried call cannot double-charge, double-
// refund or double-pay.
type Provider interface {
	// CreateIntent opens a charge for the total deposit; the parent confirms
	// it client-side.
	CreateIntent(ctx context.Context, amount decimal.Decimal, idempotencyKey string) (Intent, error)
	// Capture settles a confirmed intent and returns its final id.
	Capture(ctx context.Context, intentID string, idempotencyKey string) (string, error)
	// Refund returns amount from a captured intent to the parent.
	Refund(ctx context.Context, intentID string, amount decimal.Decimal, idempotencyKey string) (string, error)
	// Transfer pays amount out to the babysitter's connected account.
	Transfer(ctx context.Context, destination string, amount decimal.Decimal, idempotencyKey string) (string, error)
}

// cents converts a 2-decimal amount to the processor's integer minor units.
func cents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
