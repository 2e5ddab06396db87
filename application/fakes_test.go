package application

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"sitterflow/ad"
	"sitterflow/conversation"
	"sitterflow/money"
	"sitterflow/reservation"
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
	app Application

	created      *CreateParams
	statusWrites []string
	counterRate  *decimal.Decimal
	acceptedAt   *time.Time
	siblings     []string
}

func (f *fakeStore) Create(_ context.Context, _ pgx.Tx, params CreateParams) (Application, error) {
	f.created = &params
	app := Application{
		ID:           "app-1",
		AdID:         params.AdID,
		BabysitterID: params.BabysitterID,
		Status:       StatusPending,
		ProposedRate: params.ProposedRate,
		ExpiresAt:    params.ExpiresAt,
	}
	return app, nil
}

func (f *fakeStore) GetForUpdate(context.Context, pgx.Tx, string) (Application, error) {
	return f.app, nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, _ pgx.Tx, _ string, from, to Status) error {
	f.statusWrites = append(f.statusWrites, string(from)+"->"+string(to))
	return nil
}

func (f *fakeStore) UpdateCounterRate(_ context.Context, _ pgx.Tx, _ string, rate decimal.Decimal) error {
	f.counterRate = &rate
	return nil
}

func (f *fakeStore) MarkAccepted(_ context.Context, _ pgx.Tx, _ string, acceptedAt time.Time) error {
	f.acceptedAt = &acceptedAt
	return nil
}

func (f *fakeStore) ArchiveSiblings(context.Context, pgx.Tx, string, string) ([]string, error) {
	return f.siblings, nil
}

type fakeAds struct {
	ad     ad.Ad
	writes []string
}

func (f *fakeAds) GetForUpdate(context.Context, pgx.Tx, string) (ad.Ad, error) {
	return f.ad, nil
}

func (f *fakeAds) SetStatus(_ context.Context, _ pgx.Tx, _ string, from, to ad.Status) error {
	f.writes = append(f.writes, string(from)+"->"+string(to))
	return nil
}

type fakeConversations struct {
	created  []string
	statuses []conversation.Status
	archived [][]string
}

func (f *fakeConversations) Create(_ context.Context, _ pgx.Tx, applicationID string) (conversation.Conversation, error) {
	f.created = append(f.created, applicationID)
	return conversation.Conversation{ID: "conv-1", ApplicationID: applicationID, Status: conversation.StatusPending}, nil
}

func (f *fakeConversations) Sync(_ context.Context, _ pgx.Tx, _ string, status conversation.Status) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeConversations) ArchiveForApplications(_ context.Context, _ pgx.Tx, ids []string) error {
	f.archived = append(f.archived, ids)
	return nil
}

type fakeReservations struct {
	existing *reservation.Reservation
	created  *reservation.CreateParams
}

func (f *fakeReservations) Create(_ context.Context, _ pgx.Tx, params reservation.CreateParams) (reservation.Reservation, error) {
	f.created = &params
	return reservation.Reservation{
		ID:             "res-1",
		AdID:           params.AdID,
		ApplicationID:  params.ApplicationID,
		Status:         reservation.StatusPendingPayment,
		FundsStatus:    reservation.FundsPendingService,
		HourlyRate:     params.HourlyRate,
		DepositAmount:  params.DepositAmount,
		ServiceFee:     params.ServiceFee,
		TotalDeposit:   params.TotalDeposit,
		PaymentDueAt:   params.PaymentDueAt,
		ServiceStartAt: params.ServiceStartAt,
		ServiceEndAt:   params.ServiceEndAt,
	}, nil
}

func (f *fakeReservations) GetByApplicationID(context.Context, pgx.Tx, string) (reservation.Reservation, error) {
	if f.existing == nil {
		return reservation.Reservation{}, reservation.ErrNotFound
	}
	return *f.existing, nil
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

type harness struct {
	pool          *fakePool
	store         *fakeStore
	ads           *fakeAds
	conversations *fakeConversations
	reservations  *fakeReservations
	outbox        *fakeOutbox
	svc           *Service
}

func newHarness(app Application, posting ad.Ad) *harness {
	h := &harness{
		pool:          &fakePool{},
		store:         &fakeStore{app: app},
		ads:           &fakeAds{ad: posting},
		conversations: &fakeConversations{},
		reservations:  &fakeReservations{},
		outbox:        &fakeOutbox{},
	}
	h.svc = NewService(h.pool, h.store, Dependencies{
		Ads:           h.ads,
		Conversations: h.conversations,
		Reservations:  h.reservations,
		Outbox:        h.outbox,
		Calculator:    money.NewCalculator(money.DefaultConfig()),
	})
	return h
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func baseAd() ad.Ad {
	start := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	return ad.Ad{
		ID:             "ad-1",
		ParentID:       "parent-1",
		Status:         ad.StatusActive,
		HourlyRate:     dec("15.00"),
		ServiceStartAt: start,
		ServiceEndAt:   start.Add(3 * time.Hour),
	}
}

func baseApplication() Application {
	return Application{
		ID:           "app-1",
		AdID:         "ad-1",
		BabysitterID: "sitter-1",
		Status:       StatusPending,
		ProposedRate: dec("15.00"),
		ExpiresAt:    time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC),
	}
}
