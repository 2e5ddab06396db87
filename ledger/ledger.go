package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// EntryType classifies a ledger row. Persisted; closed set.
type EntryType string

const (
	TypePayment   EntryType = "payment"
	TypeRefund    EntryType = "refund"
	TypePayout    EntryType = "payout"
	TypeDeduction EntryType = "deduction"
)

// Entry is an immutable record of a money event tied to a reservation. The
// table is append-only: this package exposes no update or delete path, and
// invoices are generated from these rows rather than recomputed.
type Entry struct {
	ID            int64
	ReservationID string
	Type          EntryType
	Amount        decimal.Decimal
	ExternalRef   *string
	CreatedAt     time.Time
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append writes one ledger row inside the caller's transaction, so the money
// record commits atomically with the transition that produced it.
func (r *Repository) Append(ctx context.Context, tx pgx.Tx, reservationID string, entryType EntryType, amount decimal.Decimal, externalRef *string) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO transactions (reservation_id, type, amount, external_ref)
		VALUES ($1, $2::transaction_type, $3, $4)
	`, reservationID, entryType, amount.StringFixed(2), externalRef); err != nil {
		return fmt.Errorf("ledger: append %s: %w", entryType, err)
	}
	return nil
}

// ListForReservation returns the full money history of a reservation, oldest
// first, for audit and invoice generation.
func (r *Repository) ListForReservation(ctx context.Context, reservationID string) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, reservation_id, type::text, amount::text, external_ref, created_at
		FROM transactions
		WHERE reservation_id = $1
		ORDER BY id ASC
	`, reservationID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 8)
	for rows.Next() {
		var (
			e      Entry
			amount string
		)
		if err := rows.Scan(&e.ID, &e.ReservationID, &e.Type, &amount, &e.ExternalRef, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("ledger: parse amount: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate: %w", err)
	}
	return out, nil
}
