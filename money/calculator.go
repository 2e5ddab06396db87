package money

import "github.com/shopspring/decimal"

// CancellationReason identifies which side cancelled a reservation. Persisted
// on the reservation row; values are part of the stored data contract.
type CancellationReason string

const (
	CancelledByParent     CancellationReason = "parent"
	CancelledByBabysitter CancellationReason = "babysitter"
)

// Config carries the fee constants. Nothing outside this package may apply
// them; callers persist the computed amounts at the moment they become final
// so historical invoices stay stable if the constants change.
type Config struct {
	ServiceFee     decimal.Decimal
	ProcessorRate  decimal.Decimal
	ProcessorFixed decimal.Decimal
}

func DefaultConfig() Config {
	return Config{
		ServiceFee:     decimal.RequireFromString("2.00"),
		ProcessorRate:  decimal.RequireFromString("0.029"),
		ProcessorFixed: decimal.RequireFromString("0.25"),
	}
}

// Calculator computes every monetary amount the reservation lifecycle needs.
// Pure: no I/O, no clock, deterministic for given inputs.
type Calculator struct {
	cfg Config
}

func NewCalculator(cfg Config) Calculator {
	return Calculator{cfg: cfg}
}

// Breakdown is the full set of amounts frozen onto a reservation when the
// payment is captured.
type Breakdown struct {
	DepositAmount    decimal.Decimal
	ServiceFee       decimal.Decimal
	TotalDeposit     decimal.Decimal
	ProcessorFee     decimal.Decimal
	PlatformFee      decimal.Decimal
	BabysitterAmount decimal.Decimal
}

func (c Calculator) ServiceFee() decimal.Decimal {
	return round2(c.cfg.ServiceFee)
}

// TotalDeposit is the amount actually charged to the parent.
func (c Calculator) TotalDeposit(deposit decimal.Decimal) decimal.Decimal {
	return round2(deposit.Add(c.cfg.ServiceFee))
}

// ProcessorFee models the payment processor's non-refundable transaction fee
// on the charged total: total * rate + fixed, rounded half-up to 2 decimals.
func (c Calculator) ProcessorFee(totalDeposit decimal.Decimal) decimal.Decimal {
	return round2(totalDeposit.Mul(c.cfg.ProcessorRate).Add(c.cfg.ProcessorFixed))
}

// Compute derives the full breakdown from the deposit amount.
func (c Calculator) Compute(deposit decimal.Decimal) Breakdown {
	total := c.TotalDeposit(deposit)
	processor := c.ProcessorFee(total)
	return Breakdown{
		DepositAmount:    round2(deposit),
		ServiceFee:       round2(c.cfg.ServiceFee),
		TotalDeposit:     total,
		ProcessorFee:     processor,
		PlatformFee:      round2(c.cfg.ServiceFee),
		BabysitterAmount: total.Sub(c.cfg.ServiceFee).Sub(processor).Round(2),
	}
}

// ParentRefund is what the parent recovers on cancellation: the deposit minus
// the processor's fee, never the service fee, floored at zero. A penalized
// cancellation refunds nothing.
func (c Calculator) ParentRefund(deposit decimal.Decimal, penalty bool) decimal.Decimal {
	if penalty {
		return decimal.Zero.Round(2)
	}
	total := c.TotalDeposit(deposit)
	refund := deposit.Sub(c.ProcessorFee(total)).Round(2)
	if refund.IsNegative() {
		return decimal.Zero.Round(2)
	}
	return refund
}

// BabysitterDeduction is the amount withheld from the babysitter's payout.
// A babysitter-caused cancellation forfeits the full payout share. A parent
// cancellation without penalty forfeits the pre-computed deposit amount
// regardless of what the parent actually recovers; with penalty the babysitter
// keeps the payout. The resulting platform spread across cancellation paths is
// deliberate and pinned by tests.
func (c Calculator) BabysitterDeduction(reason CancellationReason, deposit decimal.Decimal, penalty bool) decimal.Decimal {
	switch reason {
	case CancelledByBabysitter:
		return c.Compute(deposit).BabysitterAmount
	case CancelledByParent:
		if penalty {
			return decimal.Zero.Round(2)
		}
		return round2(deposit)
	default:
		return decimal.Zero.Round(2)
	}
}

// round2 rounds half away from zero at 2 decimals; for the non-negative
// amounts handled here that is round-half-up.
func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
