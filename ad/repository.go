package ad

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("ad: not found")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const adColumns = `id, parent_id, status::text, hourly_rate::text, service_start_at, service_end_at, created_at, updated_at`

func (r *Repository) GetByID(ctx context.Context, id string) (Ad, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+adColumns+` FROM ads WHERE id = $1`, id)
	a, err := scanAd(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Ad{}, ErrNotFound
		}
		return Ad{}, fmt.Errorf("ad: get by id: %w", err)
	}
	return a, nil
}

// GetForUpdate locks the ad row inside the caller's transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Ad, error) {
	row := tx.QueryRow(ctx, `SELECT `+adColumns+` FROM ads WHERE id = $1 FOR UPDATE`, id)
	a, err := scanAd(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Ad{}, ErrNotFound
		}
		return Ad{}, fmt.Errorf("ad: get for update: %w", err)
	}
	return a, nil
}

// SetStatus writes the posting status inside the caller's transaction. The
// current-status predicate keeps the write idempotent under re-applied
// transitions.
func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, id string, from, to Status) error {
	if _, err := tx.Exec(ctx, `
		UPDATE ads
		SET status = $3::ad_status,
		    updated_at = now()
		WHERE id = $1 AND status = $2::ad_status
	`, id, from, to); err != nil {
		return fmt.Errorf("ad: set status %s -> %s: %w", from, to, err)
	}
	return nil
}

// ExpireStale flips active postings whose service window started without a
// booking. Bounded; re-running is a no-op.
func (r *Repository) ExpireStale(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE ads
		SET status = 'expired',
		    updated_at = now()
		WHERE id IN (
			SELECT id FROM ads
			WHERE status = 'active' AND service_start_at < $1
			ORDER BY service_start_at ASC
			LIMIT $2
		)
	`, now, limit)
	if err != nil {
		return 0, fmt.Errorf("ad: expire stale: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// MarkBooked reconciles postings left active despite a live paid reservation,
// catching up after a missed transition side effect.
func (r *Repository) MarkBooked(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE ads
		SET status = 'booked',
		    updated_at = now()
		WHERE id IN (
			SELECT a.id FROM ads a
			WHERE a.status = 'active'
			  AND EXISTS (
				SELECT 1 FROM reservations res
				WHERE res.ad_id = a.id
				  AND res.status IN ('paid', 'active', 'service_completed')
			  )
			LIMIT $1
		)
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("ad: mark booked: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanAd(row pgx.Row) (Ad, error) {
	var (
		a    Ad
		rate string
	)
	if err := row.Scan(&a.ID, &a.ParentID, &a.Status, &rate, &a.ServiceStartAt, &a.ServiceEndAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Ad{}, err
	}
	var err error
	a.HourlyRate, err = parseAmount(rate)
	return a, err
}
