package reservation

import (
	"context"
	"fmt"

	"sitterflow/ledger"
)

// Escrow controller writes. Release eligibility is: funds held (or disputed
// and since resolved), hold window elapsed, no open dispute. The open-dispute
// check runs inside the transaction so a dispute filed between the worker's
// candidate query and this commit still defers the release.

// MarkFundsDisputed parks held funds behind an open dispute. No retry is
// scheduled; an administrator resolution re-enters the release pipeline.
func (s *Service) MarkFundsDisputed(ctx context.Context, id string) (Reservation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Reservation{}, fmt.Errorf("reservation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Reservation{}, err
	}
	if rec.FundsStatus == FundsDisputed {
		return rec, nil
	}
	if !CanTransitionFunds(rec.FundsStatus, FundsDisputed) {
		return Reservation{}, fmt.Errorf("%w: funds %s -> disputed", ErrInvalidTransition, rec.FundsStatus)
	}

	if err := s.repo.UpdateFundsDisputed(ctx, tx, id); err != nil {
		return Reservation{}, err
	}
	if err := s.deps.Outbox.Enqueue(ctx, tx, "funds.disputed", map[string]any{
		"reservation_id": id,
	}); err != nil {
		return Reservation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Reservation{}, fmt.Errorf("reservation: commit funds disputed: %w", err)
	}
	rec.FundsStatus = FundsDisputed
	if rec.Status == StatusServiceCompleted {
		rec.Status = StatusDisputed
	}
	return rec, nil
}

// MarkFundsReleased records a completed transfer to the babysitter. The
// caller performs the transfer beforehand, outside any database transaction;
// this method re-validates eligibility and commits the result.
func (s *Service) MarkFundsReleased(ctx context.Context, id, transferRef string) (Reservation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Reservation{}, fmt.Errorf("reservation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Reservation{}, err
	}
	if rec.FundsStatus == FundsReleased {
		return rec, nil
	}
	if !CanTransitionFunds(rec.FundsStatus, FundsReleased) {
		return Reservation{}, fmt.Errorf("%w: funds %s -> released", ErrInvalidTransition, rec.FundsStatus)
	}
	if rec.FundsHoldUntil == nil || s.now().Before(*rec.FundsHoldUntil) {
		return Reservation{}, ErrHoldNotElapsed
	}

	open, err := s.repo.HasOpenDispute(ctx, tx, id)
	if err != nil {
		return Reservation{}, err
	}
	if open {
		return Reservation{}, ErrDisputeOpen
	}

	releasedAt := s.now()
	if err := s.repo.UpdateFundsReleased(ctx, tx, id, releasedAt, transferRef); err != nil {
		return Reservation{}, err
	}
	if rec.BabysitterAmount != nil {
		ref := transferRef
		if err := s.deps.Ledger.Append(ctx, tx, id, ledger.TypePayout, *rec.BabysitterAmount, &ref); err != nil {
			return Reservation{}, err
		}
	}
	if err := s.deps.Outbox.Enqueue(ctx, tx, "funds.released", map[string]any{
		"reservation_id": id,
		"transfer_id":    transferRef,
	}); err != nil {
		return Reservation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Reservation{}, fmt.Errorf("reservation: commit funds released: %w", err)
	}
	rec.FundsStatus = FundsReleased
	rec.FundsReleasedAt = &releasedAt
	rec.TransferID = &transferRef
	return rec, nil
}
