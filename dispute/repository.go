package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound    = errors.New("dispute: not found")
	ErrAlreadyOpen = errors.New("dispute: reservation already has an open dispute")
	ErrClosed      = errors.New("dispute: already closed")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const disputeColumns = `
	id, reservation_id, reporter_id, reported_id, reason, status::text,
	resolution_note, resolved_by, resolved_at, created_at, updated_at`

type CreateParams struct {
	ReservationID string
	ReporterID    string
	ReportedID    string
	Reason        string
}

// Create inserts a pending dispute. A partial unique index permits at most
// one open dispute per reservation; a second filing maps to ErrAlreadyOpen.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, params CreateParams) (Record, error) {
	const query = `
		INSERT INTO disputes (reservation_id, reporter_id, reported_id, reason, status)
		VALUES ($1, $2, $3, $4, 'pending')
		RETURNING ` + disputeColumns

	row := tx.QueryRow(ctx, query, params.ReservationID, params.ReporterID, params.ReportedID, params.Reason)
	rec, err := scanDispute(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyOpen
		}
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}
	return rec, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	rec, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get by id: %w", err)
	}
	return rec, nil
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	row := tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id)
	rec, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get for update: %w", err)
	}
	return rec, nil
}

func (r *Repository) ListForReservation(ctx context.Context, reservationID string) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE reservation_id = $1
		ORDER BY created_at DESC
	`, reservationID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list for reservation: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		rec, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

// HasOpen reports whether any dispute currently blocks the reservation.
func (r *Repository) HasOpen(ctx context.Context, reservationID string) (bool, error) {
	var open bool
	if err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM disputes
			WHERE reservation_id = $1 AND status IN ('pending', 'in_progress')
		)
	`, reservationID).Scan(&open); err != nil {
		return false, fmt.Errorf("dispute: has open: %w", err)
	}
	return open, nil
}

func (r *Repository) MarkInProgress(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE disputes
		SET status = 'in_progress',
		    updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id); err != nil {
		return fmt.Errorf("dispute: mark in progress: %w", err)
	}
	return nil
}

// Close writes the terminal outcome with its resolution trail. The status
// predicate keeps the write idempotent.
func (r *Repository) Close(ctx context.Context, tx pgx.Tx, id string, to Status, note, adminID string, at time.Time) error {
	if _, err := tx.Exec(ctx, `
		UPDATE disputes
		SET status = $2::dispute_status,
		    resolution_note = $3,
		    resolved_by = $4,
		    resolved_at = $5,
		    updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'in_progress')
	`, id, to, note, adminID, at); err != nil {
		return fmt.Errorf("dispute: close as %s: %w", to, err)
	}
	return nil
}

func scanDispute(row pgx.Row) (Record, error) {
	var rec Record
	if err := row.Scan(
		&rec.ID, &rec.ReservationID, &rec.ReporterID, &rec.ReportedID, &rec.Reason, &rec.Status,
		&rec.ResolutionNote, &rec.ResolvedBy, &rec.ResolvedAt, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return Record{}, err
	}
	return rec, nil
}
