package reservation

import (
	"time"

	"github.com/shopspring/decimal"

	"sitterflow/money"
)

// Status is the booking state machine's closed set. Persisted; values are
// part of the stored data contract and must remain stable.
type Status string

const (
	StatusPendingPayment        Status = "pending_payment"
	StatusPaid                  Status = "paid"
	StatusActive                Status = "active"
	StatusServiceCompleted      Status = "service_completed"
	StatusCompleted             Status = "completed"
	StatusCancelledByParent     Status = "cancelled_by_parent"
	StatusCancelledByBabysitter Status = "cancelled_by_babysitter"
	StatusDisputed              Status = "disputed"
	StatusExpired               Status = "expired"
)

// FundsStatus is the escrow state machine's closed set. It only ever moves
// forward along the graph in CanTransitionFunds.
type FundsStatus string

const (
	FundsPendingService     FundsStatus = "pending_service"
	FundsHeldForValidation  FundsStatus = "held_for_validation"
	FundsReleased           FundsStatus = "released"
	FundsDisputed           FundsStatus = "disputed"
	FundsRefunded           FundsStatus = "refunded"
	FundsCancelled          FundsStatus = "cancelled"
)

// Reservation is the booking contract created when an application is
// accepted. Financial record: never hard-deleted.
type Reservation struct {
	ID            string
	AdID          string
	ApplicationID string
	ParentID      string
	BabysitterID  string

	Status      Status
	FundsStatus FundsStatus

	HourlyRate    decimal.Decimal
	DepositAmount decimal.Decimal
	ServiceFee    decimal.Decimal
	TotalDeposit  decimal.Decimal

	// Frozen at payment capture; nil until then.
	BabysitterAmount *decimal.Decimal
	PlatformFee      *decimal.Decimal
	ProcessorFee     *decimal.Decimal

	PaymentDueAt   time.Time
	ServiceStartAt time.Time
	ServiceEndAt   time.Time

	PaidAt             *time.Time
	ServiceCompletedAt *time.Time
	FundsHoldUntil     *time.Time
	FundsReleasedAt    *time.Time

	CancellationReason  *money.CancellationReason
	CancellationNote    *string
	CancellationPenalty bool
	BabysitterFlagged   bool

	RefundAmount    *decimal.Decimal
	DeductionAmount *decimal.Decimal

	PaymentIntentID *string
	RefundID        *string
	TransferID      *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Paid reports whether money was captured for this reservation.
func (r Reservation) Paid() bool {
	return r.PaidAt != nil
}
