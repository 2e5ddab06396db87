package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"sitterflow/money"
)

var (
	ErrNotFound          = errors.New("reservation: not found")
	ErrInvalidTransition = errors.New("reservation: invalid transition")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const reservationColumns = `
	id, ad_id, application_id, parent_id, babysitter_id,
	status::text, funds_status::text,
	hourly_rate::text, deposit_amount::text, service_fee::text, total_deposit::text,
	babysitter_amount::text, platform_fee::text, processor_fee::text,
	payment_due_at, service_start_at, service_end_at,
	paid_at, service_completed_at, funds_hold_until, funds_released_at,
	cancellation_reason, cancellation_note, cancellation_penalty, babysitter_flagged,
	refund_amount::text, deduction_amount::text,
	payment_intent_id, refund_id, transfer_id,
	created_at, updated_at`

// CreateParams enumerates what the application lifecycle manager provides at
// acceptance time. Amounts are the pre-payment figures; the frozen breakdown
// is written later, at capture.
type CreateParams struct {
	AdID           string
	ApplicationID  string
	ParentID       string
	BabysitterID   string
	HourlyRate     decimal.Decimal
	DepositAmount  decimal.Decimal
	ServiceFee     decimal.Decimal
	TotalDeposit   decimal.Decimal
	PaymentDueAt   time.Time
	ServiceStartAt time.Time
	ServiceEndAt   time.Time
}

// Create inserts the reservation inside the caller's transaction. Invoked
// exclusively by the application acceptance path.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, params CreateParams) (Reservation, error) {
	const query = `
		INSERT INTO reservations (
			ad_id, application_id, parent_id, babysitter_id,
			status, funds_status,
			hourly_rate, deposit_amount, service_fee, total_deposit,
			payment_due_at, service_start_at, service_end_at
		)
		VALUES ($1, $2, $3, $4, 'pending_payment', 'pending_service', $5, $6, $7, $8, $9, $10, $11)
		RETURNING ` + reservationColumns

	row := tx.QueryRow(ctx, query,
		params.AdID,
		params.ApplicationID,
		params.ParentID,
		params.BabysitterID,
		params.HourlyRate.StringFixed(2),
		params.DepositAmount.StringFixed(2),
		params.ServiceFee.StringFixed(2),
		params.TotalDeposit.StringFixed(2),
		params.PaymentDueAt,
		params.ServiceStartAt,
		params.ServiceEndAt,
	)
	rec, err := scanReservation(row)
	if err != nil {
		return Reservation{}, fmt.Errorf("reservation: create: %w", err)
	}
	return rec, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (Reservation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id)
	rec, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, ErrNotFound
		}
		return Reservation{}, fmt.Errorf("reservation: get by id: %w", err)
	}
	return rec, nil
}

// GetForUpdate locks the reservation row for the remainder of the caller's
// transaction. Every transition starts here.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Reservation, error) {
	row := tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE`, id)
	rec, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, ErrNotFound
		}
		return Reservation{}, fmt.Errorf("reservation: get for update: %w", err)
	}
	return rec, nil
}

// GetByApplicationID returns the reservation bound to an application, if any.
func (r *Repository) GetByApplicationID(ctx context.Context, tx pgx.Tx, applicationID string) (Reservation, error) {
	row := tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE application_id = $1`, applicationID)
	rec, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, ErrNotFound
		}
		return Reservation{}, fmt.Errorf("reservation: get by application: %w", err)
	}
	return rec, nil
}

// ListUnpaidExpired selects reservations whose payment window elapsed, or
// whose service already started while still unpaid. The predicate excludes
// rows already transitioned, so re-running the scan is a no-op.
func (r *Repository) ListUnpaidExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const query = `
		SELECT id
		FROM reservations
		WHERE status = 'pending_payment'
		  AND (payment_due_at < $1 OR service_start_at < $1)
		ORDER BY payment_due_at ASC
		LIMIT $2
	`
	return r.listIDs(ctx, query, now, limit)
}

// ListServiceElapsed selects paid or active reservations whose planned
// service end has passed.
func (r *Repository) ListServiceElapsed(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const query = `
		SELECT id
		FROM reservations
		WHERE status IN ('paid', 'active')
		  AND service_end_at < $1
		ORDER BY service_end_at ASC
		LIMIT $2
	`
	return r.listIDs(ctx, query, now, limit)
}

// ListStartElapsed selects paid reservations whose planned start has passed
// but whose end has not; they implicitly become active.
func (r *Repository) ListStartElapsed(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const query = `
		SELECT id
		FROM reservations
		WHERE status = 'paid'
		  AND service_start_at < $1
		  AND service_end_at >= $1
		ORDER BY service_start_at ASC
		LIMIT $2
	`
	return r.listIDs(ctx, query, now, limit)
}

// ListFinalizable selects reservations past the grace window after service
// completion. Disputed ones qualify only once their funds settled.
func (r *Repository) ListFinalizable(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	const query = `
		SELECT id
		FROM reservations
		WHERE service_completed_at < $1
		  AND (
		        status = 'service_completed'
		     OR (status = 'disputed' AND funds_status IN ('released', 'refunded'))
		  )
		ORDER BY service_completed_at ASC
		LIMIT $2
	`
	return r.listIDs(ctx, query, cutoff, limit)
}

// ListDueForRelease selects reservations whose escrow hold elapsed, plus
// previously disputed ones whose dispute has since been resolved and may
// re-enter the release pipeline.
func (r *Repository) ListDueForRelease(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const query = `
		SELECT res.id
		FROM reservations res
		WHERE res.funds_hold_until <= $1
		  AND (res.funds_status = 'held_for_validation'
		   OR (res.funds_status = 'disputed' AND NOT EXISTS (
		         SELECT 1 FROM disputes d
		         WHERE d.reservation_id = res.id
		           AND d.status IN ('pending', 'in_progress')
		      )))
		ORDER BY res.funds_hold_until ASC
		LIMIT $2
	`
	return r.listIDs(ctx, query, now, limit)
}

func (r *Repository) listIDs(ctx context.Context, query string, ts time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, query, ts, limit)
	if err != nil {
		return nil, fmt.Errorf("reservation: list candidates: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("reservation: scan candidate id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reservation: iterate candidates: %w", err)
	}
	return ids, nil
}

func scanReservation(row pgx.Row) (Reservation, error) {
	var (
		rec                Reservation
		rate, deposit      string
		serviceFee, total  string
		sitterAmt, platFee *string
		procFee            *string
		refundAmt, dedAmt  *string
		reason             *string
	)
	if err := row.Scan(
		&rec.ID, &rec.AdID, &rec.ApplicationID, &rec.ParentID, &rec.BabysitterID,
		&rec.Status, &rec.FundsStatus,
		&rate, &deposit, &serviceFee, &total,
		&sitterAmt, &platFee, &procFee,
		&rec.PaymentDueAt, &rec.ServiceStartAt, &rec.ServiceEndAt,
		&rec.PaidAt, &rec.ServiceCompletedAt, &rec.FundsHoldUntil, &rec.FundsReleasedAt,
		&reason, &rec.CancellationNote, &rec.CancellationPenalty, &rec.BabysitterFlagged,
		&refundAmt, &dedAmt,
		&rec.PaymentIntentID, &rec.RefundID, &rec.TransferID,
		&rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return Reservation{}, err
	}

	var err error
	if rec.HourlyRate, err = decimal.NewFromString(rate); err != nil {
		return Reservation{}, fmt.Errorf("parse hourly_rate: %w", err)
	}
	if rec.DepositAmount, err = decimal.NewFromString(deposit); err != nil {
		return Reservation{}, fmt.Errorf("parse deposit_amount: %w", err)
	}
	if rec.ServiceFee, err = decimal.NewFromString(serviceFee); err != nil {
		return Reservation{}, fmt.Errorf("parse service_fee: %w", err)
	}
	if rec.TotalDeposit, err = decimal.NewFromString(total); err != nil {
		return Reservation{}, fmt.Errorf("parse total_deposit: %w", err)
	}
	if rec.BabysitterAmount, err = parseOptional(sitterAmt); err != nil {
		return Reservation{}, fmt.Errorf("parse babysitter_amount: %w", err)
	}
	if rec.PlatformFee, err = parseOptional(platFee); err != nil {
		return Reservation{}, fmt.Errorf("parse platform_fee: %w", err)
	}
	if rec.ProcessorFee, err = parseOptional(procFee); err != nil {
		return Reservation{}, fmt.Errorf("parse processor_fee: %w", err)
	}
	if rec.RefundAmount, err = parseOptional(refundAmt); err != nil {
		return Reservation{}, fmt.Errorf("parse refund_amount: %w", err)
	}
	if rec.DeductionAmount, err = parseOptional(dedAmt); err != nil {
		return Reservation{}, fmt.Errorf("parse deduction_amount: %w", err)
	}
	if reason != nil {
		cr := money.CancellationReason(*reason)
		rec.CancellationReason = &cr
	}
	return rec, nil
}

func parseOptional(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
