package release

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"sitterflow/reservation"
)

type fakeCandidates struct {
	ids []string
}

func (f *fakeCandidates) ListDueForRelease(context.Context, time.Time, int) ([]string, error) {
	return f.ids, nil
}

type fakeEscrow struct {
	recs map[string]reservation.Reservation

	released   []string
	releaseRef map[string]string
	disputed   []string
	releaseErr error
}

func (f *fakeEscrow) GetByID(_ context.Context, id string) (reservation.Reservation, error) {
	rec, ok := f.recs[id]
	if !ok {
		return reservation.Reservation{}, reservation.ErrNotFound
	}
	return rec, nil
}

func (f *fakeEscrow) MarkFundsReleased(_ context.Context, id, ref string) (reservation.Reservation, error) {
	if f.releaseErr != nil {
		return reservation.Reservation{}, f.releaseErr
	}
	f.released = append(f.released, id)
	if f.releaseRef == nil {
		f.releaseRef = map[string]string{}
	}
	f.releaseRef[id] = ref
	rec := f.recs[id]
	rec.FundsStatus = reservation.FundsReleased
	return rec, nil
}

func (f *fakeEscrow) MarkFundsDisputed(_ context.Context, id string) (reservation.Reservation, error) {
	f.disputed = append(f.disputed, id)
	rec := f.recs[id]
	rec.FundsStatus = reservation.FundsDisputed
	return rec, nil
}

type fakeDisputes struct {
	open map[string]bool
}

func (f *fakeDisputes) HasOpen(_ context.Context, id string) (bool, error) {
	return f.open[id], nil
}

type transferCall struct {
	destination string
	amount      decimal.Decimal
	key         string
}

type fakeTransfers struct {
	calls    []transferCall
	failures int
	err      error
}

func (f *fakeTransfers) Transfer(_ context.Context, destination string, amount decimal.Decimal, key string) (string, error) {
	f.calls = append(f.calls, transferCall{destination, amount, key})
	if f.failures > 0 {
		f.failures--
		return "", errors.New("transient processor error")
	}
	if f.err != nil {
		return "", f.err
	}
	return "tr_1", nil
}

type fakeAccounts struct {
	accounts map[string]string
}

func (f *fakeAccounts) PayoutAccount(_ context.Context, userID string) (string, error) {
	acct, ok := f.accounts[userID]
	if !ok {
		return "", ErrNoPayoutAccount
	}
	return acct, nil
}

func dueReservation(id string) reservation.Reservation {
	amount := decimal.RequireFromString("43.39")
	holdUntil := time.Now().Add(-2 * time.Hour)
	return reservation.Reservation{
		ID:               id,
		BabysitterID:     "sitter-1",
		Status:           reservation.StatusServiceCompleted,
		FundsStatus:      reservation.FundsHeldForValidation,
		BabysitterAmount: &amount,
		FundsHoldUntil:   &holdUntil,
	}
}

func newWorker(candidates *fakeCandidates, escrow *fakeEscrow, disputes *fakeDisputes, transfers *fakeTransfers) *Worker {
	accounts := &fakeAccounts{accounts: map[string]string{"sitter-1": "acct_1"}}
	w := NewWorker(candidates, escrow, disputes, transfers, accounts, 50)
	// No waiting between attempts in tests.
	w.WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	})
	return w
}

func TestRunReleasesDueFunds(t *testing.T) {
	escrow := &fakeEscrow{recs: map[string]reservation.Reservation{"res-1": dueReservation("res-1")}}
	transfers := &fakeTransfers{}
	w := newWorker(&fakeCandidates{ids: []string{"res-1"}}, escrow, &fakeDisputes{}, transfers)

	res, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Released != 1 || res.Deferred != 0 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if len(transfers.calls) != 1 {
		t.Fatalf("transfer calls = %d", len(transfers.calls))
	}
	call := transfers.calls[0]
	if call.destination != "acct_1" || call.key != "transfer-res-1" {
		t.Errorf("call = %+v", call)
	}
	if !call.amount.Equal(decimal.RequireFromString("43.39")) {
		t.Errorf("amount = %s", call.amount)
	}
	if escrow.releaseRef["res-1"] != "tr_1" {
		t.Errorf("release ref = %q", escrow.releaseRef["res-1"])
	}
}

func TestRunDefersOpenDispute(t *testing.T) {
	escrow := &fakeEscrow{recs: map[string]reservation.Reservation{"res-1": dueReservation("res-1")}}
	transfers := &fakeTransfers{}
	disputes := &fakeDisputes{open: map[string]bool{"res-1": true}}
	w := newWorker(&fakeCandidates{ids: []string{"res-1"}}, escrow, disputes, transfers)

	res, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Deferred != 1 || res.Released != 0 {
		t.Fatalf("result = %+v", res)
	}
	if len(transfers.calls) != 0 {
		t.Error("no transfer under an open dispute")
	}
	if len(escrow.disputed) != 1 || escrow.disputed[0] != "res-1" {
		t.Errorf("disputed marks = %v", escrow.disputed)
	}
}

func TestRunRetriesTransientTransferFailure(t *testing.T) {
	escrow := &fakeEscrow{recs: map[string]reservation.Reservation{"res-1": dueReservation("res-1")}}
	transfers := &fakeTransfers{failures: 2}
	w := newWorker(&fakeCandidates{ids: []string{"res-1"}}, escrow, &fakeDisputes{}, transfers)

	res, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Released != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(transfers.calls) != 3 {
		t.Errorf("attempts = %d, want 3", len(transfers.calls))
	}
	// Every attempt must carry the same idempotency key.
	for _, call := range transfers.calls {
		if call.key != "transfer-res-1" {
			t.Errorf("key = %q", call.key)
		}
	}
}

func TestRunSurfacesExhaustedRetries(t *testing.T) {
	escrow := &fakeEscrow{recs: map[string]reservation.Reservation{"res-1": dueReservation("res-1")}}
	transfers := &fakeTransfers{failures: 10}
	w := newWorker(&fakeCandidates{ids: []string{"res-1"}}, escrow, &fakeDisputes{}, transfers)

	res, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Failed != 1 || len(res.Errors) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(transfers.calls) != 3 {
		t.Errorf("attempts = %d, want 3", len(transfers.calls))
	}
	if len(escrow.released) != 0 {
		t.Error("no state write after a failed transfer")
	}
}

func TestRunIsolatesPerRecordFailures(t *testing.T) {
	escrow := &fakeEscrow{recs: map[string]reservation.Reservation{
		"res-1": dueReservation("res-1"),
		"res-2": dueReservation("res-2"),
	}}
	// res-1 has no payout account on file; res-2 must still release.
	rec := escrow.recs["res-1"]
	rec.BabysitterID = "sitter-unknown"
	escrow.recs["res-1"] = rec

	transfers := &fakeTransfers{}
	w := newWorker(&fakeCandidates{ids: []string{"res-1", "res-2"}}, escrow, &fakeDisputes{}, transfers)

	res, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Failed != 1 || res.Released != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(escrow.released) != 1 || escrow.released[0] != "res-2" {
		t.Errorf("released = %v", escrow.released)
	}
}

func TestRunDefersReleaseInsideHoldWindow(t *testing.T) {
	// A dispute resolved before the hold elapsed re-enters the pipeline, but
	// the payout must still wait for the window.
	rec := dueReservation("res-1")
	rec.Status = reservation.StatusDisputed
	rec.FundsStatus = reservation.FundsDisputed
	holdUntil := time.Now().Add(20 * time.Hour)
	rec.FundsHoldUntil = &holdUntil

	escrow := &fakeEscrow{recs: map[string]reservation.Reservation{"res-1": rec}}
	transfers := &fakeTransfers{}
	w := newWorker(&fakeCandidates{ids: []string{"res-1"}}, escrow, &fakeDisputes{}, transfers)

	res, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Deferred != 1 || res.Released != 0 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if len(transfers.calls) != 0 {
		t.Fatal("no transfer before the hold window closed")
	}
	if len(escrow.released) != 0 {
		t.Error("no state write before the hold window closed")
	}
}

func TestRunDefersDisputeCaughtAtCommit(t *testing.T) {
	escrow := &fakeEscrow{
		recs:       map[string]reservation.Reservation{"res-1": dueReservation("res-1")},
		releaseErr: reservation.ErrDisputeOpen,
	}
	transfers := &fakeTransfers{}
	w := newWorker(&fakeCandidates{ids: []string{"res-1"}}, escrow, &fakeDisputes{}, transfers)

	res, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Deferred != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
}
