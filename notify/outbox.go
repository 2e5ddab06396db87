package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Message is a transactional outbox row. Rows are written in the same
// transaction as the state change they announce and drained by the
// dispatcher; the core never renders notifications itself.
type Message struct {
	ID        int64
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
	SentAt    *time.Time
}

type Outbox struct {
	pool *pgxpool.Pool
}

func NewOutbox(pool *pgxpool.Pool) *Outbox {
	return &Outbox{pool: pool}
}

// Enqueue appends a message inside the caller's transaction.
func (o *Outbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO outbox (topic, payload)
		VALUES ($1, $2::jsonb)
	`, topic, body); err != nil {
		return fmt.Errorf("notify: enqueue outbox: %w", err)
	}
	return nil
}

// ListPending returns undelivered messages, oldest first.
func (o *Outbox) ListPending(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.pool.Query(ctx, `
		SELECT id, topic, payload, status, attempts, created_at, sent_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: list pending: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt, &m.SentAt); err != nil {
			return nil, fmt.Errorf("notify: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: iterate messages: %w", err)
	}
	return out, nil
}

// MarkSent records a successful delivery.
func (o *Outbox) MarkSent(ctx context.Context, id int64) error {
	if _, err := o.pool.Exec(ctx, `
		UPDATE outbox
		SET status = 'sent', attempts = attempts + 1, sent_at = now()
		WHERE id = $1
	`, id); err != nil {
		return fmt.Errorf("notify: mark sent: %w", err)
	}
	return nil
}

// MarkFailed bumps the attempt counter, parking the message as failed once
// maxAttempts is reached.
func (o *Outbox) MarkFailed(ctx context.Context, id int64, maxAttempts int) error {
	if _, err := o.pool.Exec(ctx, `
		UPDATE outbox
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= $2 THEN 'failed' ELSE status END
		WHERE id = $1
	`, id, maxAttempts); err != nil {
		return fmt.Errorf("notify: mark failed: %w", err)
	}
	return nil
}
