package reservation

import (
	"context"
	"errors"
	"testing"
	"time"
)

func heldReservation() Reservation {
	rec := paidReservation()
	rec.Status = StatusServiceCompleted
	rec.FundsStatus = FundsHeldForValidation
	completedAt := rec.ServiceEndAt
	rec.ServiceCompletedAt = &completedAt
	holdUntil := rec.ServiceEndAt.Add(24 * time.Hour)
	rec.FundsHoldUntil = &holdUntil
	return rec
}

func TestReleaseAfterHold(t *testing.T) {
	rec := heldReservation()
	h := newHarness(rec)
	h.svc.WithClock(func() time.Time { return rec.FundsHoldUntil.Add(time.Minute) })

	out, err := h.svc.MarkFundsReleased(context.Background(), "res-1", "tr_1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if out.FundsStatus != FundsReleased {
		t.Errorf("funds = %s, want released", out.FundsStatus)
	}
	if !h.store.fundsReleased || h.store.releaseRef != "tr_1" {
		t.Errorf("release write missing, ref = %q", h.store.releaseRef)
	}
	if len(h.ledger.entries) != 1 || h.ledger.entries[0].entryType != "payout" {
		t.Fatalf("expected payout ledger entry, got %+v", h.ledger.entries)
	}
	if !h.ledger.entries[0].amount.Equal(dec("43.39")) {
		t.Errorf("payout amount = %s", h.ledger.entries[0].amount)
	}
	if len(h.outbox.topics) != 1 || h.outbox.topics[0] != "funds.released" {
		t.Errorf("outbox = %v", h.outbox.topics)
	}
}

func TestReleaseBeforeHoldRejected(t *testing.T) {
	rec := heldReservation()
	h := newHarness(rec)
	h.svc.WithClock(func() time.Time { return rec.FundsHoldUntil.Add(-time.Hour) })

	_, err := h.svc.MarkFundsReleased(context.Background(), "res-1", "tr_1")
	if !errors.Is(err, ErrHoldNotElapsed) {
		t.Fatalf("expected ErrHoldNotElapsed, got %v", err)
	}
	if h.store.fundsReleased {
		t.Error("no release write before the hold elapses")
	}
}

func TestReleaseBlockedByOpenDispute(t *testing.T) {
	rec := heldReservation()
	h := newHarness(rec)
	h.store.openDispute = true
	h.svc.WithClock(func() time.Time { return rec.FundsHoldUntil.Add(time.Minute) })

	_, err := h.svc.MarkFundsReleased(context.Background(), "res-1", "tr_1")
	if !errors.Is(err, ErrDisputeOpen) {
		t.Fatalf("expected ErrDisputeOpen, got %v", err)
	}
	if h.store.fundsReleased {
		t.Error("funds must never release under an open dispute")
	}
	if h.pool.tx.committed {
		t.Error("deferred release must not commit")
	}
}

func TestReleaseReplayIsNoop(t *testing.T) {
	rec := heldReservation()
	rec.FundsStatus = FundsReleased
	h := newHarness(rec)

	out, err := h.svc.MarkFundsReleased(context.Background(), "res-1", "tr_1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if out.FundsStatus != FundsReleased {
		t.Errorf("funds = %s", out.FundsStatus)
	}
	if h.store.fundsReleased {
		t.Error("replay must not rewrite")
	}
}

func TestMarkFundsDisputed(t *testing.T) {
	rec := heldReservation()
	h := newHarness(rec)

	out, err := h.svc.MarkFundsDisputed(context.Background(), "res-1")
	if err != nil {
		t.Fatalf("mark disputed: %v", err)
	}
	if out.FundsStatus != FundsDisputed {
		t.Errorf("funds = %s, want disputed", out.FundsStatus)
	}
	if out.Status != StatusDisputed {
		t.Errorf("status = %s, want disputed", out.Status)
	}
	if len(h.outbox.topics) != 1 || h.outbox.topics[0] != "funds.disputed" {
		t.Errorf("outbox = %v", h.outbox.topics)
	}
}

func TestMarkFundsDisputedFromPendingRejected(t *testing.T) {
	rec := paidReservation()
	h := newHarness(rec)

	_, err := h.svc.MarkFundsDisputed(context.Background(), "res-1")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestReleaseFromResolvedDispute(t *testing.T) {
	rec := heldReservation()
	rec.FundsStatus = FundsDisputed
	rec.Status = StatusDisputed
	h := newHarness(rec)
	h.svc.WithClock(func() time.Time { return rec.FundsHoldUntil.Add(48 * time.Hour) })

	out, err := h.svc.MarkFundsReleased(context.Background(), "res-1", "tr_2")
	if err != nil {
		t.Fatalf("release after resolution: %v", err)
	}
	if out.FundsStatus != FundsReleased {
		t.Errorf("funds = %s, want released", out.FundsStatus)
	}
}
