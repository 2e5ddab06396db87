// Package release moves escrowed funds to babysitters once their hold window
// closes. The transfer is a network call and therefore never runs inside a
// database transaction; the state write happens in a short follow-up
// transaction that re-validates eligibility.
package release

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"sitterflow/reservation"
)

// Candidates selects reservations whose funds are due to move.
type Candidates interface {
	ListDueForRelease(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Escrow is the slice of the reservation layer the worker drives.
type Escrow interface {
	GetByID(ctx context.Context, id string) (reservation.Reservation, error)
	MarkFundsReleased(ctx context.Context, id, transferRef string) (reservation.Reservation, error)
	MarkFundsDisputed(ctx context.Context, id string) (reservation.Reservation, error)
}

// DisputeChecker gates each release on the dispute table.
type DisputeChecker interface {
	HasOpen(ctx context.Context, reservationID string) (bool, error)
}

// Transferer pays out to a connected account with an idempotency key.
type Transferer interface {
	Transfer(ctx context.Context, destination string, amount decimal.Decimal, idempotencyKey string) (string, error)
}

// AccountResolver maps a babysitter to their payout destination.
type AccountResolver interface {
	PayoutAccount(ctx context.Context, userID string) (string, error)
}

// Result summarizes one scan pass.
type Result struct {
	Scanned  int
	Released int
	Deferred int
	Failed   int
	Errors   []error
}

type Worker struct {
	candidates Candidates
	escrow     Escrow
	disputes   DisputeChecker
	transfers  Transferer
	accounts   AccountResolver
	batchSize  int
	maxRetries uint64
	newBackOff func() backoff.BackOff
	now        func() time.Time
}

func NewWorker(candidates Candidates, escrow Escrow, disputes DisputeChecker, transfers Transferer, accounts AccountResolver, batchSize int) *Worker {
	w := &Worker{
		candidates: candidates,
		escrow:     escrow,
		disputes:   disputes,
		transfers:  transfers,
		accounts:   accounts,
		batchSize:  batchSize,
		maxRetries: 2,
	}
	w.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), w.maxRetries)
	}
	w.now = time.Now
	return w
}

// WithRetries sets how many times a failed transfer is retried.
func (w *Worker) WithRetries(n uint64) *Worker {
	w.maxRetries = n
	return w
}

// WithBackOff replaces the retry policy used around each transfer.
func (w *Worker) WithBackOff(factory func() backoff.BackOff) *Worker {
	w.newBackOff = factory
	return w
}

func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

// Run executes one bounded scan pass. A failing record never stops the pass;
// its error lands in the aggregate for manual intervention.
func (w *Worker) Run(ctx context.Context) (Result, error) {
	ids, err := w.candidates.ListDueForRelease(ctx, w.now(), w.batchSize)
	if err != nil {
		return Result{}, fmt.Errorf("release: list candidates: %w", err)
	}

	res := Result{Scanned: len(ids)}
	for _, id := range ids {
		switch err := w.process(ctx, id); {
		case err == nil:
			res.Released++
		case errors.Is(err, errDeferred):
			res.Deferred++
		default:
			log.Printf("release: reservation %s: %v", id, err)
			res.Failed++
			res.Errors = append(res.Errors, fmt.Errorf("reservation %s: %w", id, err))
		}
	}
	log.Printf("release: scanned=%d released=%d deferred=%d failed=%d", res.Scanned, res.Released, res.Deferred, res.Failed)
	return res, nil
}

// errDeferred marks a record parked until a later scan; not a failure.
var errDeferred = errors.New("release: deferred")

func (w *Worker) process(ctx context.Context, id string) error {
	rec, err := w.escrow.GetByID(ctx, id)
	if err != nil {
		return err
	}
	// The candidate query filters on the hold, but the record is re-read here
	// without a lock; never move money before the window closed.
	if rec.FundsHoldUntil == nil || w.now().Before(*rec.FundsHoldUntil) {
		return errDeferred
	}

	open, err := w.disputes.HasOpen(ctx, id)
	if err != nil {
		return err
	}
	if open {
		// Park the funds; an administrator outcome re-enters the pipeline.
		if _, err := w.escrow.MarkFundsDisputed(ctx, id); err != nil {
			return err
		}
		return errDeferred
	}

	if rec.BabysitterAmount == nil {
		return fmt.Errorf("no frozen payout amount")
	}
	destination, err := w.accounts.PayoutAccount(ctx, rec.BabysitterID)
	if err != nil {
		return err
	}

	// Same key on every attempt, so a retry after an ambiguous failure cannot
	// pay twice.
	key := "transfer-" + id
	var transferRef string
	operation := func() error {
		ref, err := w.transfers.Transfer(ctx, destination, *rec.BabysitterAmount, key)
		if err != nil {
			return err
		}
		transferRef = ref
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(w.newBackOff(), ctx)); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}

	if _, err := w.escrow.MarkFundsReleased(ctx, id, transferRef); err != nil {
		if errors.Is(err, reservation.ErrDisputeOpen) {
			// A dispute landed between the transfer decision and the commit;
			// the in-transaction check caught it.
			return errDeferred
		}
		return err
	}
	return nil
}
