package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"sitterflow/money"
)

// Tx-scoped writes used by the state machine. Each statement carries the
// expected current state in its predicate so a replayed transition after a
// partial failure is a no-op rather than a double write.

func (r *Repository) UpdatePaid(ctx context.Context, tx pgx.Tx, id string, b money.Breakdown, paidAt time.Time, paymentRef string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE reservations
		SET status = 'paid',
		    paid_at = $2,
		    babysitter_amount = $3,
		    platform_fee = $4,
		    processor_fee = $5,
		    payment_intent_id = $6,
		    updated_at = now()
		WHERE id = $1 AND status = 'pending_payment'
	`, id, paidAt,
		b.BabysitterAmount.StringFixed(2),
		b.PlatformFee.StringFixed(2),
		b.ProcessorFee.StringFixed(2),
		paymentRef,
	); err != nil {
		return fmt.Errorf("reservation: update paid: %w", err)
	}
	return nil
}

func (r *Repository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, from, to Status) error {
	if _, err := tx.Exec(ctx, `
		UPDATE reservations
		SET status = $3::reservation_status,
		    updated_at = now()
		WHERE id = $1 AND status = $2::reservation_status
	`, id, from, to); err != nil {
		return fmt.Errorf("reservation: update status %s -> %s: %w", from, to, err)
	}
	return nil
}

func (r *Repository) UpdateServiceCompleted(ctx context.Context, tx pgx.Tx, id string, completedAt, holdUntil time.Time) error {
	if _, err := tx.Exec(ctx, `
		UPDATE reservations
		SET status = 'service_completed',
		    funds_status = 'held_for_validation',
		    service_completed_at = $2,
		    funds_hold_until = $3,
		    updated_at = now()
		WHERE id = $1 AND status IN ('paid', 'active')
	`, id, completedAt, holdUntil); err != nil {
		return fmt.Errorf("reservation: update service completed: %w", err)
	}
	return nil
}

// CancelWrite carries every field persisted on cancellation. Amounts are
// final at this moment and never recomputed.
type CancelWrite struct {
	Status            Status
	FundsStatus       FundsStatus
	Reason            money.CancellationReason
	Note              *string
	Penalty           bool
	BabysitterFlagged bool
	RefundAmount      *string
	DeductionAmount   *string
	RefundRef         *string
}

func (r *Repository) UpdateCancelled(ctx context.Context, tx pgx.Tx, id string, w CancelWrite) error {
	if _, err := tx.Exec(ctx, `
		UPDATE reservations
		SET status = $2::reservation_status,
		    funds_status = $3::funds_status,
		    cancellation_reason = $4,
		    cancellation_note = $5,
		    cancellation_penalty = $6,
		    babysitter_flagged = $7,
		    refund_amount = $8,
		    deduction_amount = $9,
		    refund_id = $10,
		    updated_at = now()
		WHERE id = $1
		  AND status NOT IN ('completed', 'expired', 'cancelled_by_parent', 'cancelled_by_babysitter')
		  AND funds_status IN ('pending_service', 'held_for_validation', 'disputed')
	`, id, w.Status, w.FundsStatus, w.Reason, w.Note, w.Penalty, w.BabysitterFlagged,
		w.RefundAmount, w.DeductionAmount, w.RefundRef); err != nil {
		return fmt.Errorf("reservation: update cancelled: %w", err)
	}
	return nil
}

func (r *Repository) UpdateExpired(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE reservations
		SET status = 'expired',
		    funds_status = 'cancelled',
		    updated_at = now()
		WHERE id = $1 AND status = 'pending_payment'
	`, id); err != nil {
		return fmt.Errorf("reservation: update expired: %w", err)
	}
	return nil
}

func (r *Repository) UpdateFundsDisputed(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE reservations
		SET funds_status = 'disputed',
		    status = CASE WHEN status = 'service_completed' THEN 'disputed'::reservation_status ELSE status END,
		    updated_at = now()
		WHERE id = $1 AND funds_status = 'held_for_validation'
	`, id); err != nil {
		return fmt.Errorf("reservation: update funds disputed: %w", err)
	}
	return nil
}

func (r *Repository) UpdateFundsReleased(ctx context.Context, tx pgx.Tx, id string, releasedAt time.Time, transferRef string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE reservations
		SET funds_status = 'released',
		    funds_released_at = $2,
		    transfer_id = $3,
		    updated_at = now()
		WHERE id = $1 AND funds_status IN ('held_for_validation', 'disputed')
	`, id, releasedAt, transferRef); err != nil {
		return fmt.Errorf("reservation: update funds released: %w", err)
	}
	return nil
}

// HasOpenDispute reports whether a pending or in-progress dispute exists for
// the reservation, checked inside the release transaction to close the race
// between the worker's candidate query and the commit.
func (r *Repository) HasOpenDispute(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	var open bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM disputes
			WHERE reservation_id = $1 AND status IN ('pending', 'in_progress')
		)
	`, id).Scan(&open); err != nil {
		return false, fmt.Errorf("reservation: check open dispute: %w", err)
	}
	return open, nil
}
