package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"sitterflow/ad"
	"sitterflow/conversation"
	"sitterflow/ledger"
	"sitterflow/money"
)

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

type fakeStore struct {
	rec         Reservation
	openDispute bool

	// lockReads, when set, is consumed one entry per GetForUpdate call so a
	// test can interleave a concurrent commit between two locked reads.
	lockReads []Reservation

	paidWith       *money.Breakdown
	paidRef        string
	statusWrites   []string
	completedAt    *time.Time
	holdUntil      *time.Time
	cancelWrite    *CancelWrite
	expired        bool
	fundsDisputed  bool
	fundsReleased  bool
	releaseRef     string
}

func (f *fakeStore) GetByID(context.Context, string) (Reservation, error) {
	return f.rec, nil
}

func (f *fakeStore) GetForUpdate(context.Context, pgx.Tx, string) (Reservation, error) {
	if len(f.lockReads) > 0 {
		rec := f.lockReads[0]
		f.lockReads = f.lockReads[1:]
		return rec, nil
	}
	return f.rec, nil
}

func (f *fakeStore) UpdatePaid(_ context.Context, _ pgx.Tx, _ string, b money.Breakdown, _ time.Time, ref string) error {
	f.paidWith = &b
	f.paidRef = ref
	return nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, _ pgx.Tx, _ string, from, to Status) error {
	f.statusWrites = append(f.statusWrites, string(from)+"->"+string(to))
	return nil
}

func (f *fakeStore) UpdateServiceCompleted(_ context.Context, _ pgx.Tx, _ string, completedAt, holdUntil time.Time) error {
	f.completedAt = &completedAt
	f.holdUntil = &holdUntil
	return nil
}

func (f *fakeStore) UpdateCancelled(_ context.Context, _ pgx.Tx, _ string, w CancelWrite) error {
	f.cancelWrite = &w
	return nil
}

func (f *fakeStore) UpdateExpired(context.Context, pgx.Tx, string) error {
	f.expired = true
	return nil
}

func (f *fakeStore) UpdateFundsDisputed(context.Context, pgx.Tx, string) error {
	f.fundsDisputed = true
	return nil
}

func (f *fakeStore) UpdateFundsReleased(_ context.Context, _ pgx.Tx, _ string, _ time.Time, ref string) error {
	f.fundsReleased = true
	f.releaseRef = ref
	return nil
}

func (f *fakeStore) HasOpenDispute(context.Context, pgx.Tx, string) (bool, error) {
	return f.openDispute, nil
}

type fakeSyncer struct {
	statuses []conversation.Status
}

func (f *fakeSyncer) Sync(_ context.Context, _ pgx.Tx, _ string, status conversation.Status) error {
	f.statuses = append(f.statuses, status)
	return nil
}

type fakeAds struct {
	writes []string
}

func (f *fakeAds) SetStatus(_ context.Context, _ pgx.Tx, _ string, from, to ad.Status) error {
	f.writes = append(f.writes, string(from)+"->"+string(to))
	return nil
}

type ledgerEntry struct {
	entryType ledger.EntryType
	amount    decimal.Decimal
	ref       *string
}

type fakeLedger struct {
	entries []ledgerEntry
}

func (f *fakeLedger) Append(_ context.Context, _ pgx.Tx, _ string, entryType ledger.EntryType, amount decimal.Decimal, ref *string) error {
	f.entries = append(f.entries, ledgerEntry{entryType: entryType, amount: amount, ref: ref})
	return nil
}

type fakeOutbox struct {
	topics   []string
	payloads []map[string]any
}

func (f *fakeOutbox) Enqueue(_ context.Context, _ pgx.Tx, topic string, payload map[string]any) error {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return nil
}

type fakeArchiver struct {
	archived []string
}

func (f *fakeArchiver) Archive(_ context.Context, _ pgx.Tx, applicationID string) error {
	f.archived = append(f.archived, applicationID)
	return nil
}

type fakeRefunds struct {
	calls []struct {
		ref    string
		amount decimal.Decimal
		key    string
	}
	err error
}

func (f *fakeRefunds) Refund(_ context.Context, paymentRef string, amount decimal.Decimal, key string) (string, error) {
	f.calls = append(f.calls, struct {
		ref    string
		amount decimal.Decimal
		key    string
	}{paymentRef, amount, key})
	if f.err != nil {
		return "", f.err
	}
	return "re_test", nil
}

type harness struct {
	pool    *fakePool
	store   *fakeStore
	syncer  *fakeSyncer
	ads     *fakeAds
	ledger  *fakeLedger
	outbox  *fakeOutbox
	archive *fakeArchiver
	refunds *fakeRefunds
	svc     *Service
}

func newHarness(rec Reservation) *harness {
	h := &harness{
		pool:    &fakePool{},
		store:   &fakeStore{rec: rec},
		syncer:  &fakeSyncer{},
		ads:     &fakeAds{},
		ledger:  &fakeLedger{},
		outbox:  &fakeOutbox{},
		archive: &fakeArchiver{},
		refunds: &fakeRefunds{},
	}
	h.svc = NewService(h.pool, h.store, Dependencies{
		Conversations: h.syncer,
		Ads:           h.ads,
		Ledger:        h.ledger,
		Outbox:        h.outbox,
		Applications:  h.archive,
		Refunds:       h.refunds,
		Calculator:    money.NewCalculator(money.DefaultConfig()),
	})
	return h
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func baseReservation() Reservation {
	start := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Hour)
	return Reservation{
		ID:             "res-1",
		AdID:           "ad-1",
		ApplicationID:  "app-1",
		ParentID:       "parent-1",
		BabysitterID:   "sitter-1",
		Status:         StatusPendingPayment,
		FundsStatus:    FundsPendingService,
		HourlyRate:     dec("15.00"),
		DepositAmount:  dec("45.00"),
		ServiceFee:     dec("2.00"),
		TotalDeposit:   dec("47.00"),
		PaymentDueAt:   start.Add(-30 * time.Hour),
		ServiceStartAt: start,
		ServiceEndAt:   end,
	}
}
