package release

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoPayoutAccount means the babysitter never finished payout onboarding;
// the release stays pending until they do.
var ErrNoPayoutAccount = errors.New("release: no payout account on file")

// AccountDirectory resolves payout destinations from the users table.
type AccountDirectory struct {
	pool *pgxpool.Pool
}

func NewAccountDirectory(pool *pgxpool.Pool) *AccountDirectory {
	return &AccountDirectory{pool: pool}
}

func (d *AccountDirectory) PayoutAccount(ctx context.Context, userID string) (string, error) {
	var account *string
	err := d.pool.QueryRow(ctx, `SELECT payout_account_id FROM users WHERE id = $1`, userID).Scan(&account)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("release: user %s: %w", userID, ErrNoPayoutAccount)
		}
		return "", fmt.Errorf("release: payout account for %s: %w", userID, err)
	}
	if account == nil || *account == "" {
		return "", fmt.Errorf("release: user %s: %w", userID, ErrNoPayoutAccount)
	}
	return *account, nil
}
