package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("conversation: not found")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts the channel for a freshly submitted application. This is the
// sole channel-creation path in the system.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, applicationID string) (Conversation, error) {
	const query = `
		INSERT INTO conversations (application_id, status)
		VALUES ($1, 'pending')
		RETURNING id, application_id, status::text, created_at, updated_at
	`
	var c Conversation
	if err := tx.QueryRow(ctx, query, applicationID).
		Scan(&c.ID, &c.ApplicationID, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Conversation{}, fmt.Errorf("conversation: create: %w", err)
	}
	return c, nil
}

func (r *Repository) GetByApplicationID(ctx context.Context, applicationID string) (Conversation, error) {
	const query = `
		SELECT id, application_id, status::text, created_at, updated_at
		FROM conversations
		WHERE application_id = $1
	`
	var c Conversation
	err := r.pool.QueryRow(ctx, query, applicationID).
		Scan(&c.ID, &c.ApplicationID, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("conversation: get by application: %w", err)
	}
	return c, nil
}

// Sync re-applies the derived status for the channel bound to applicationID.
// Called inside every owning transaction that writes a reservation or
// application status; the write is idempotent so replaying a transition after
// a partial failure is safe.
func (r *Repository) Sync(ctx context.Context, tx pgx.Tx, applicationID string, status Status) error {
	if _, err := tx.Exec(ctx, `
		UPDATE conversations
		SET status = $2::conversation_status,
		    updated_at = now()
		WHERE application_id = $1 AND status <> $2::conversation_status
	`, applicationID, status); err != nil {
		return fmt.Errorf("conversation: sync status: %w", err)
	}
	return nil
}

// ArchiveStale archives channels whose reservation finished before cutoff.
// Bounded; re-running is a no-op.
func (r *Repository) ArchiveStale(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE conversations
		SET status = 'archived',
		    updated_at = now()
		WHERE id IN (
			SELECT c.id FROM conversations c
			JOIN reservations res ON res.application_id = c.application_id
			WHERE c.status <> 'archived'
			  AND res.status = 'completed'
			  AND res.service_completed_at < $1
			LIMIT $2
		)
	`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("conversation: archive stale: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ArchiveForApplications archives every channel bound to the given
// applications. Used when sibling applications are bulk-archived on
// acceptance.
func (r *Repository) ArchiveForApplications(ctx context.Context, tx pgx.Tx, applicationIDs []string) error {
	if len(applicationIDs) == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx, `
		UPDATE conversations
		SET status = 'archived',
		    updated_at = now()
		WHERE application_id = ANY($1) AND status <> 'archived'
	`, applicationIDs); err != nil {
		return fmt.Errorf("conversation: archive for applications: %w", err)
	}
	return nil
}
