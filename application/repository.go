package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("application: not found")
	ErrDuplicate         = errors.New("application: already applied")
	ErrInvalidTransition = errors.New("application: invalid transition")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const applicationColumns = `
	id, ad_id, babysitter_id, status::text,
	proposed_rate::text, counter_rate::text,
	expires_at, accepted_at, created_at, updated_at`

type CreateParams struct {
	AdID         string
	BabysitterID string
	ProposedRate decimal.Decimal
	ExpiresAt    time.Time
}

func (r *Repository) Create(ctx context.Context, tx pgx.Tx, params CreateParams) (Application, error) {
	const query = `
		INSERT INTO applications (ad_id, babysitter_id, status, proposed_rate, expires_at)
		VALUES ($1, $2, 'pending', $3, $4)
		RETURNING ` + applicationColumns

	row := tx.QueryRow(ctx, query,
		params.AdID,
		params.BabysitterID,
		params.ProposedRate.StringFixed(2),
		params.ExpiresAt,
	)
	app, err := scanApplication(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Application{}, ErrDuplicate
		}
		return Application{}, fmt.Errorf("application: create: %w", err)
	}
	return app, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (Application, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id)
	app, err := scanApplication(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Application{}, ErrNotFound
		}
		return Application{}, fmt.Errorf("application: get by id: %w", err)
	}
	return app, nil
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Application, error) {
	row := tx.QueryRow(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1 FOR UPDATE`, id)
	app, err := scanApplication(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Application{}, ErrNotFound
		}
		return Application{}, fmt.Errorf("application: get for update: %w", err)
	}
	return app, nil
}

func (r *Repository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, from, to Status) error {
	if _, err := tx.Exec(ctx, `
		UPDATE applications
		SET status = $3::application_status,
		    updated_at = now()
		WHERE id = $1 AND status = $2::application_status
	`, id, from, to); err != nil {
		return fmt.Errorf("application: update status %s -> %s: %w", from, to, err)
	}
	return nil
}

func (r *Repository) UpdateCounterRate(ctx context.Context, tx pgx.Tx, id string, rate decimal.Decimal) error {
	if _, err := tx.Exec(ctx, `
		UPDATE applications
		SET status = 'counter_offered',
		    counter_rate = $2,
		    updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id, rate.StringFixed(2)); err != nil {
		return fmt.Errorf("application: update counter rate: %w", err)
	}
	return nil
}

func (r *Repository) MarkAccepted(ctx context.Context, tx pgx.Tx, id string, acceptedAt time.Time) error {
	if _, err := tx.Exec(ctx, `
		UPDATE applications
		SET status = 'accepted',
		    accepted_at = $2,
		    updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'counter_offered')
	`, id, acceptedAt); err != nil {
		return fmt.Errorf("application: mark accepted: %w", err)
	}
	return nil
}

// Archive parks an accepted application whose reservation expired.
func (r *Repository) Archive(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE applications
		SET status = 'archived',
		    updated_at = now()
		WHERE id = $1 AND status = 'accepted'
	`, id); err != nil {
		return fmt.Errorf("application: archive: %w", err)
	}
	return nil
}

// ArchiveSiblings archives every other live application for the same posting
// and returns the affected ids so the caller can archive their conversations.
func (r *Repository) ArchiveSiblings(ctx context.Context, tx pgx.Tx, adID, acceptedID string) ([]string, error) {
	rows, err := tx.Query(ctx, `
		UPDATE applications
		SET status = 'archived',
		    updated_at = now()
		WHERE ad_id = $1
		  AND id <> $2
		  AND status IN ('pending', 'counter_offered')
		RETURNING id
	`, adID, acceptedID)
	if err != nil {
		return nil, fmt.Errorf("application: archive siblings: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("application: scan sibling id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("application: iterate siblings: %w", err)
	}
	return ids, nil
}

// ListExpired selects live applications whose TTL elapsed. The predicate
// excludes transitioned rows, so re-running the scan is a no-op.
func (r *Repository) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id
		FROM applications
		WHERE status IN ('pending', 'counter_offered')
		  AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("application: list expired: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("application: scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("application: iterate expired: %w", err)
	}
	return ids, nil
}

func scanApplication(row pgx.Row) (Application, error) {
	var (
		app     Application
		rate    string
		counter *string
	)
	if err := row.Scan(
		&app.ID, &app.AdID, &app.BabysitterID, &app.Status,
		&rate, &counter,
		&app.ExpiresAt, &app.AcceptedAt, &app.CreatedAt, &app.UpdatedAt,
	); err != nil {
		return Application{}, err
	}
	var err error
	if app.ProposedRate, err = decimal.NewFromString(rate); err != nil {
		return Application{}, fmt.Errorf("parse proposed_rate: %w", err)
	}
	if counter != nil {
		d, err := decimal.NewFromString(*counter)
		if err != nil {
			return Application{}, fmt.Errorf("parse counter_rate: %w", err)
		}
		app.CounterRate = &d
	}
	return app, nil
}
