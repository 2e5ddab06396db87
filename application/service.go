package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"sitterflow/ad"
	"sitterflow/conversation"
	"sitterflow/money"
	"sitterflow/reservation"
)

var (
	// ErrAdUnavailable rejects offers and acceptances against a posting that
	// is no longer open.
	ErrAdUnavailable = errors.New("application: ad not available")
	// ErrExpired rejects actions on an application whose TTL already elapsed.
	ErrExpired = errors.New("application: offer expired")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the data access the lifecycle needs. *Repository implements it.
type Store interface {
	Create(ctx context.Context, tx pgx.Tx, params CreateParams) (Application, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Application, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, from, to Status) error
	UpdateCounterRate(ctx context.Context, tx pgx.Tx, id string, rate decimal.Decimal) error
	MarkAccepted(ctx context.Context, tx pgx.Tx, id string, acceptedAt time.Time) error
	ArchiveSiblings(ctx context.Context, tx pgx.Tx, adID, acceptedID string) ([]string, error)
}

// AdStore locks and updates the posting a lifecycle action binds to.
type AdStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (ad.Ad, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, from, to ad.Status) error
}

// ConversationStore creates and maintains the channel bound to an
// application. Submission is the only place a channel is ever created.
type ConversationStore interface {
	Create(ctx context.Context, tx pgx.Tx, applicationID string) (conversation.Conversation, error)
	Sync(ctx context.Context, tx pgx.Tx, applicationID string, status conversation.Status) error
	ArchiveForApplications(ctx context.Context, tx pgx.Tx, applicationIDs []string) error
}

// ReservationCreator is the slice of the reservation layer acceptance uses.
type ReservationCreator interface {
	Create(ctx context.Context, tx pgx.Tx, params reservation.CreateParams) (reservation.Reservation, error)
	GetByApplicationID(ctx context.Context, tx pgx.Tx, applicationID string) (reservation.Reservation, error)
}

// OutboxWriter enqueues notification events in the owning transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Dependencies wires the collaborators of the lifecycle manager.
type Dependencies struct {
	Ads           AdStore
	Conversations ConversationStore
	Reservations  ReservationCreator
	Outbox        OutboxWriter
	Calculator    money.Calculator

	// OfferTTL bounds how long a submitted offer stays actionable.
	// PaymentWindow bounds how long an accepted offer may stay unpaid.
	OfferTTL      time.Duration
	PaymentWindow time.Duration
}

// Service drives the application lifecycle. Acceptance is the single point
// where a reservation comes into existence.
type Service struct {
	pool TxBeginner
	repo Store
	deps Dependencies
	now  func() time.Time
}

func NewService(pool TxBeginner, repo Store, deps Dependencies) *Service {
	if deps.OfferTTL == 0 {
		deps.OfferTTL = 24 * time.Hour
	}
	if deps.PaymentWindow == 0 {
		deps.PaymentWindow = 24 * time.Hour
	}
	return &Service{
		pool: pool,
		repo: repo,
		deps: deps,
		now:  time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type SubmitParams struct {
	AdID         string
	BabysitterID string
	ProposedRate decimal.Decimal
}

// Submit records a babysitter's offer against an open posting and opens its
// conversation channel.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (Application, error) {
	if !params.ProposedRate.IsPositive() {
		return Application{}, fmt.Errorf("application: proposed rate must be positive, got %s", params.ProposedRate)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Application{}, fmt.Errorf("application: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	posting, err := s.deps.Ads.GetForUpdate(ctx, tx, params.AdID)
	if err != nil {
		return Application{}, err
	}
	if posting.Status != ad.StatusActive {
		return Application{}, fmt.Errorf("%w: %s is %s", ErrAdUnavailable, posting.ID, posting.Status)
	}

	app, err := s.repo.Create(ctx, tx, CreateParams{
		AdID:         params.AdID,
		BabysitterID: params.BabysitterID,
		ProposedRate: params.ProposedRate,
		ExpiresAt:    s.now().Add(s.deps.OfferTTL),
	})
	if err != nil {
		return Application{}, err
	}
	if _, err := s.deps.Conversations.Create(ctx, tx, app.ID); err != nil {
		return Application{}, err
	}
	if err := s.deps.Outbox.Enqueue(ctx, tx, "application.submitted", map[string]any{
		"application_id": app.ID,
		"ad_id":          app.AdID,
		"babysitter_id":  app.BabysitterID,
		"proposed_rate":  app.ProposedRate.StringFixed(2),
	}); err != nil {
		return Application{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Application{}, fmt.Errorf("application: commit submit: %w", err)
	}
	return app, nil
}

// CounterOffer replaces the proposed rate with the parent's counter. The
// counter supersedes the original; accepting afterwards books at the counter
// rate.
func (s *Service) CounterOffer(ctx context.Context, id string, rate decimal.Decimal) (Application, error) {
	if !rate.IsPositive() {
		return Application{}, fmt.Errorf("application: counter rate must be positive, got %s", rate)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Application{}, fmt.Errorf("application: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	app, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Application{}, err
	}
	if !CanTransition(app.Status, StatusCounterOffered) {
		return Application{}, fmt.Errorf("%w: %s -> counter_offered", ErrInvalidTransition, app.Status)
	}
	if s.now().After(app.ExpiresAt) {
		return Application{}, ErrExpired
	}

	if err := s.repo.UpdateCounterRate(ctx, tx, id, rate); err != nil {
		return Application{}, err
	}
	if err := s.deps.Outbox.Enqueue(ctx, tx, "application.counter_offered", map[string]any{
		"application_id": id,
		"counter_rate":   rate.StringFixed(2),
	}); err != nil {
		return Application{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Application{}, fmt.Errorf("application: commit counter offer: %w", err)
	}
	app.Status = StatusCounterOffered
	r := rate
	app.CounterRate = &r
	return app, nil
}

// Decline closes the offer from the parent's side and archives its channel.
func (s *Service) Decline(ctx context.Context, id string) (Application, error) {
	return s.close(ctx, id, StatusDeclined, "application.declined")
}

// Cancel withdraws the offer from the babysitter's side.
func (s *Service) Cancel(ctx context.Context, id string) (Application, error) {
	return s.close(ctx, id, StatusCancelled, "application.cancelled")
}

func (s *Service) close(ctx context.Context, id string, to Status, topic string) (Application, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Application{}, fmt.Errorf("application: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	app, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Application{}, err
	}
	if app.Status == to {
		return app, nil
	}
	if !CanTransition(app.Status, to) {
		return Application{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, app.Status, to)
	}

	if err := s.repo.UpdateStatus(ctx, tx, id, app.Status, to); err != nil {
		return Application{}, err
	}
	if err := s.deps.Conversations.Sync(ctx, tx, id, conversation.StatusArchived); err != nil {
		return Application{}, err
	}
	if err := s.deps.Outbox.Enqueue(ctx, tx, topic, map[string]any{
		"application_id": id,
	}); err != nil {
		return Application{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Application{}, fmt.Errorf("application: commit %s: %w", to, err)
	}
	app.Status = to
	return app, nil
}

// Expire transitions an offer whose TTL elapsed. Scheduler-driven; replaying
// on an already expired application is a no-op.
func (s *Service) Expire(ctx context.Context, id string) (Application, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Application{}, fmt.Errorf("application: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	app, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Application{}, err
	}
	if app.Status == StatusExpired {
		return app, nil
	}
	if !CanTransition(app.Status, StatusExpired) {
		return Application{}, fmt.Errorf("%w: %s -> expired", ErrInvalidTransition, app.Status)
	}
	if s.now().Before(app.ExpiresAt) {
		return Application{}, fmt.Errorf("%w: ttl not elapsed for %s", ErrInvalidTransition, id)
	}

	if err := s.repo.UpdateStatus(ctx, tx, id, app.Status, StatusExpired); err != nil {
		return Application{}, err
	}
	if err := s.deps.Conversations.Sync(ctx, tx, id, conversation.StatusArchived); err != nil {
		return Application{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Application{}, fmt.Errorf("application: commit expire: %w", err)
	}
	app.Status = StatusExpired
	return app, nil
}

// AcceptResult pairs the accepted application with the reservation the
// acceptance created.
type AcceptResult struct {
	Application Application
	Reservation reservation.Reservation
}

// Accept books the offer: the application becomes accepted, every sibling
// offer is archived, the posting is provisionally marked booked and an unpaid
// reservation opens with its payment window running. One transaction; either
// the whole booking exists or none of it does.
func (s *Service) Accept(ctx context.Context, id string) (AcceptResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return AcceptResult{}, fmt.Errorf("application: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	app, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return AcceptResult{}, err
	}
	if app.Status == StatusAccepted {
		// Acceptance replays; hand back the reservation the first call made.
		rec, err := s.deps.Reservations.GetByApplicationID(ctx, tx, id)
		if err != nil {
			return AcceptResult{}, err
		}
		return AcceptResult{Application: app, Reservation: rec}, nil
	}
	if !CanTransition(app.Status, StatusAccepted) {
		return AcceptResult{}, fmt.Errorf("%w: %s -> accepted", ErrInvalidTransition, app.Status)
	}
	if s.now().After(app.ExpiresAt) {
		return AcceptResult{}, ErrExpired
	}

	posting, err := s.deps.Ads.GetForUpdate(ctx, tx, app.AdID)
	if err != nil {
		return AcceptResult{}, err
	}
	if posting.Status != ad.StatusActive {
		return AcceptResult{}, fmt.Errorf("%w: %s is %s", ErrAdUnavailable, posting.ID, posting.Status)
	}

	now := s.now()
	rate := app.Rate()
	deposit := depositFor(rate, posting.ServiceStartAt, posting.ServiceEndAt)
	serviceFee := s.deps.Calculator.ServiceFee()
	total := s.deps.Calculator.TotalDeposit(deposit)

	if err := s.repo.MarkAccepted(ctx, tx, id, now); err != nil {
		return AcceptResult{}, err
	}

	rec, err := s.deps.Reservations.Create(ctx, tx, reservation.CreateParams{
		AdID:           posting.ID,
		ApplicationID:  app.ID,
		ParentID:       posting.ParentID,
		BabysitterID:   app.BabysitterID,
		HourlyRate:     rate,
		DepositAmount:  deposit,
		ServiceFee:     serviceFee,
		TotalDeposit:   total,
		PaymentDueAt:   now.Add(s.deps.PaymentWindow),
		ServiceStartAt: posting.ServiceStartAt,
		ServiceEndAt:   posting.ServiceEndAt,
	})
	if err != nil {
		return AcceptResult{}, err
	}

	siblings, err := s.repo.ArchiveSiblings(ctx, tx, posting.ID, app.ID)
	if err != nil {
		return AcceptResult{}, err
	}
	if err := s.deps.Conversations.ArchiveForApplications(ctx, tx, siblings); err != nil {
		return AcceptResult{}, err
	}

	// Provisional hold on the posting; the unpaid-expiry scan reopens it if
	// the payment window lapses.
	if err := s.deps.Ads.SetStatus(ctx, tx, posting.ID, ad.StatusActive, ad.StatusBooked); err != nil {
		return AcceptResult{}, err
	}
	if err := s.deps.Conversations.Sync(ctx, tx, app.ID, conversation.StatusPaymentRequired); err != nil {
		return AcceptResult{}, err
	}
	if err := s.deps.Outbox.Enqueue(ctx, tx, "application.accepted", map[string]any{
		"application_id": app.ID,
		"reservation_id": rec.ID,
		"total_deposit":  total.StringFixed(2),
		"payment_due_at": rec.PaymentDueAt.UTC(),
	}); err != nil {
		return AcceptResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return AcceptResult{}, fmt.Errorf("application: commit accept: %w", err)
	}

	app.Status = StatusAccepted
	app.AcceptedAt = &now
	return AcceptResult{Application: app, Reservation: rec}, nil
}

// depositFor prices the posting's window at the effective rate, rounded
// half-up to cents.
func depositFor(rate decimal.Decimal, start, end time.Time) decimal.Decimal {
	hours := decimal.NewFromFloat(end.Sub(start).Hours())
	return rate.Mul(hours).Round(2)
}
