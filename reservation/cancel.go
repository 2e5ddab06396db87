package reservation

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"sitterflow/ad"
	"sitterflow/ledger"
	"sitterflow/money"
)

// CancelParams describes a cancellation request from either party.
type CancelParams struct {
	ReservationID string
	Reason        money.CancellationReason
	Note          *string
}

// CancelResult is returned to the caller so the user sees the financial
// consequence of the cancellation.
type CancelResult struct {
	Reservation       Reservation
	RefundAmount      decimal.Decimal
	DeductionAmount   decimal.Decimal
	Penalty           bool
	BabysitterFlagged bool
}

// Cancel terminates a reservation before completion. The refund decision is
// made under the row lock, the lock is released, the payment collaborator is
// called outside any database transaction, and the resulting state commits in
// a short follow-up transaction that re-validates both state machines. The
// provider call carries a reservation-derived idempotency key so a concurrent
// or replayed cancellation cannot double-refund.
func (s *Service) Cancel(ctx context.Context, params CancelParams) (CancelResult, error) {
	if params.Reason != money.CancelledByParent && params.Reason != money.CancelledByBabysitter {
		return CancelResult{}, fmt.Errorf("reservation: unknown cancellation reason %q", params.Reason)
	}

	decideTx, err := s.pool.Begin(ctx)
	if err != nil {
		return CancelResult{}, fmt.Errorf("reservation: begin tx: %w", err)
	}
	rec, err := s.repo.GetForUpdate(ctx, decideTx, params.ReservationID)
	if err != nil {
		decideTx.Rollback(ctx)
		return CancelResult{}, err
	}
	// Nothing was written; the rollback only releases the lock so the
	// provider call never runs inside a transaction.
	decideTx.Rollback(ctx)

	if !Cancellable(rec.Status) {
		return CancelResult{}, fmt.Errorf("%w: %s -> cancelled", ErrInvalidTransition, rec.Status)
	}

	now := s.now()
	penalty := params.Reason == money.CancelledByParent &&
		now.After(rec.ServiceStartAt.Add(-s.deps.PenaltyWindow))
	// Babysitter cancellations are never charged, but a late one flags the
	// babysitter for a reputation penalty.
	flagged := params.Reason == money.CancelledByBabysitter &&
		now.After(rec.ServiceStartAt.Add(-s.deps.FlagWindow))

	targetStatus := StatusCancelledByParent
	if params.Reason == money.CancelledByBabysitter {
		targetStatus = StatusCancelledByBabysitter
	}

	var (
		refund    = decimal.Zero
		deduction = decimal.Zero
		refundRef *string
	)
	targetFunds := FundsCancelled
	if rec.Paid() {
		targetFunds = FundsRefunded
		// A babysitter-initiated cancellation always refunds the parent in
		// full measure of the formula, penalty or not.
		refund = s.deps.Calculator.ParentRefund(rec.DepositAmount, penalty)
		deduction = s.deps.Calculator.BabysitterDeduction(params.Reason, rec.DepositAmount, penalty)
	}
	if !CanTransitionFunds(rec.FundsStatus, targetFunds) {
		return CancelResult{}, fmt.Errorf("%w: funds %s -> %s", ErrInvalidTransition, rec.FundsStatus, targetFunds)
	}

	if refund.IsPositive() && s.deps.Refunds != nil && rec.PaymentIntentID != nil {
		ref, err := s.deps.Refunds.Refund(ctx, *rec.PaymentIntentID, refund, "refund-"+rec.ID)
		if err != nil {
			return CancelResult{}, fmt.Errorf("reservation: issue refund: %w", err)
		}
		refundRef = &ref
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CancelResult{}, fmt.Errorf("reservation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	locked, err := s.repo.GetForUpdate(ctx, tx, rec.ID)
	if err != nil {
		return CancelResult{}, err
	}
	// Both machines are re-validated: a release or dispute committed between
	// the decision read and this lock must abort the cancellation rather than
	// overwrite a terminal funds state.
	if locked.Status != rec.Status {
		return CancelResult{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, locked.Status, targetStatus)
	}
	if locked.FundsStatus != rec.FundsStatus || !CanTransitionFunds(locked.FundsStatus, targetFunds) {
		return CancelResult{}, fmt.Errorf("%w: funds %s -> %s", ErrInvalidTransition, locked.FundsStatus, targetFunds)
	}

	write := CancelWrite{
		Status:            targetStatus,
		FundsStatus:       targetFunds,
		Reason:            params.Reason,
		Note:              params.Note,
		Penalty:           penalty,
		BabysitterFlagged: flagged,
		RefundRef:         refundRef,
	}
	if rec.Paid() {
		r := refund.StringFixed(2)
		d := deduction.StringFixed(2)
		write.RefundAmount = &r
		write.DeductionAmount = &d
	}
	if err := s.repo.UpdateCancelled(ctx, tx, rec.ID, write); err != nil {
		return CancelResult{}, err
	}

	if refund.IsPositive() {
		if err := s.deps.Ledger.Append(ctx, tx, rec.ID, ledger.TypeRefund, refund, refundRef); err != nil {
			return CancelResult{}, err
		}
	}
	if deduction.IsPositive() {
		if err := s.deps.Ledger.Append(ctx, tx, rec.ID, ledger.TypeDeduction, deduction, nil); err != nil {
			return CancelResult{}, err
		}
	}
	if err := s.deps.Ads.SetStatus(ctx, tx, rec.AdID, ad.StatusBooked, ad.StatusActive); err != nil {
		return CancelResult{}, err
	}
	if err := s.syncConversation(ctx, tx, rec.ApplicationID, targetStatus); err != nil {
		return CancelResult{}, err
	}
	if err := s.deps.Outbox.Enqueue(ctx, tx, "reservation.cancelled", map[string]any{
		"reservation_id": rec.ID,
		"reason":         string(params.Reason),
		"penalty":        penalty,
		"refund_amount":  refund.StringFixed(2),
	}); err != nil {
		return CancelResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CancelResult{}, fmt.Errorf("reservation: commit cancel: %w", err)
	}

	rec.Status = targetStatus
	rec.FundsStatus = targetFunds
	rec.CancellationPenalty = penalty
	rec.BabysitterFlagged = flagged
	return CancelResult{
		Reservation:       rec,
		RefundAmount:      refund,
		DeductionAmount:   deduction,
		Penalty:           penalty,
		BabysitterFlagged: flagged,
	}, nil
}

// Expire times out an unpaid reservation: the posting reopens, and the bound
// application and conversation are archived, all in one transaction.
// Scheduler-only.
func (s *Service) Expire(ctx context.Context, id string) (Reservation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Reservation{}, fmt.Errorf("reservation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Reservation{}, err
	}
	if rec.Status == StatusExpired {
		return rec, nil
	}
	if !CanTransition(rec.Status, StatusExpired) {
		return Reservation{}, fmt.Errorf("%w: %s -> expired", ErrInvalidTransition, rec.Status)
	}
	now := s.now()
	if now.Before(rec.PaymentDueAt) && now.Before(rec.ServiceStartAt) {
		return Reservation{}, fmt.Errorf("%w: payment window still open", ErrInvalidTransition)
	}

	if err := s.repo.UpdateExpired(ctx, tx, id); err != nil {
		return Reservation{}, err
	}
	if err := s.deps.Ads.SetStatus(ctx, tx, rec.AdID, ad.StatusBooked, ad.StatusActive); err != nil {
		return Reservation{}, err
	}
	if err := s.deps.Applications.Archive(ctx, tx, rec.ApplicationID); err != nil {
		return Reservation{}, err
	}
	if err := s.syncConversation(ctx, tx, rec.ApplicationID, StatusExpired); err != nil {
		return Reservation{}, err
	}
	if err := s.deps.Outbox.Enqueue(ctx, tx, "reservation.expired", map[string]any{
		"reservation_id": id,
	}); err != nil {
		return Reservation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Reservation{}, fmt.Errorf("reservation: commit expire: %w", err)
	}
	rec.Status = StatusExpired
	rec.FundsStatus = FundsCancelled
	return rec, nil
}
