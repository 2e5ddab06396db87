package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"sitterflow/ad"
	"sitterflow/conversation"
	"sitterflow/ledger"
	"sitterflow/money"
)

var (
	// ErrDisputeOpen defers a fund release; it is a consistency guard, not a
	// failure, and requires explicit dispute resolution to clear.
	ErrDisputeOpen = errors.New("reservation: open dispute blocks release")
	// ErrHoldNotElapsed rejects a release attempted before the escrow window
	// closed.
	ErrHoldNotElapsed = errors.New("reservation: funds hold not elapsed")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the data access the state machine needs. *Repository implements it.
type Store interface {
	GetByID(ctx context.Context, id string) (Reservation, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Reservation, error)
	UpdatePaid(ctx context.Context, tx pgx.Tx, id string, b money.Breakdown, paidAt time.Time, paymentRef string) error
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, from, to Status) error
	UpdateServiceCompleted(ctx context.Context, tx pgx.Tx, id string, completedAt, holdUntil time.Time) error
	UpdateCancelled(ctx context.Context, tx pgx.Tx, id string, w CancelWrite) error
	UpdateExpired(ctx context.Context, tx pgx.Tx, id string) error
	UpdateFundsDisputed(ctx context.Context, tx pgx.Tx, id string) error
	UpdateFundsReleased(ctx context.Context, tx pgx.Tx, id string, releasedAt time.Time, transferRef string) error
	HasOpenDispute(ctx context.Context, tx pgx.Tx, id string) (bool, error)
}

// ConversationSyncer re-applies the derived channel status inside the owning
// transaction.
type ConversationSyncer interface {
	Sync(ctx context.Context, tx pgx.Tx, applicationID string, status conversation.Status) error
}

// AdWriter updates the bound posting as a transition side effect.
type AdWriter interface {
	SetStatus(ctx context.Context, tx pgx.Tx, id string, from, to ad.Status) error
}

// LedgerWriter appends immutable money records.
type LedgerWriter interface {
	Append(ctx context.Context, tx pgx.Tx, reservationID string, entryType ledger.EntryType, amount decimal.Decimal, externalRef *string) error
}

// OutboxWriter enqueues notification events in the owning transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// ApplicationArchiver archives the bound application when a reservation
// expires.
type ApplicationArchiver interface {
	Archive(ctx context.Context, tx pgx.Tx, applicationID string) error
}

// RefundIssuer is the slice of the payment collaborator used by
// cancellations. Called outside any database transaction.
type RefundIssuer interface {
	Refund(ctx context.Context, paymentRef string, amount decimal.Decimal, idempotencyKey string) (string, error)
}

// Dependencies wires the collaborators every transition may touch.
type Dependencies struct {
	Conversations ConversationSyncer
	Ads           AdWriter
	Ledger        LedgerWriter
	Outbox        OutboxWriter
	Applications  ApplicationArchiver
	Refunds       RefundIssuer
	Calculator    money.Calculator

	// HoldWindow is added to the planned service end to form
	// funds_hold_until. PenaltyWindow and FlagWindow bound the
	// late-cancellation checks against service start.
	HoldWindow    time.Duration
	PenaltyWindow time.Duration
	FlagWindow    time.Duration
}

// Service is the booking state machine and funds escrow controller. It owns
// the status and funds_status columns; no other component writes them.
type Service struct {
	pool TxBeginner
	repo Store
	deps Dependencies
	now  func() time.Time
}

func NewService(pool TxBeginner, repo Store, deps Dependencies) *Service {
	if deps.HoldWindow == 0 {
		deps.HoldWindow = 24 * time.Hour
	}
	if deps.PenaltyWindow == 0 {
		deps.PenaltyWindow = 24 * time.Hour
	}
	if deps.FlagWindow == 0 {
		deps.FlagWindow = 48 * time.Hour
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

// GetByID reads the current reservation state without locking.
func (s *Service) GetByID(ctx context.Context, id string) (Reservation, error) {
	return s.repo.GetByID(ctx, id)
}

// MarkPaid applies a confirmed payment capture: the reservation becomes paid
// and the money breakdown is frozen at this instant.
func (s *Service) MarkPaid(ctx context.Context, id, paymentRef string) (Reservation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Reservation{}, fmt.Errorf("reservation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Reservation{}, err
	}
	// Capture confirmations replay, sometimes long after the booking moved
	// on; any state already carrying this payment is acknowledged as a no-op.
	if rec.Status == StatusPaid ||
		(rec.PaidAt != nil && rec.PaymentIntentID != nil && *rec.PaymentIntentID == paymentRef) {
		return rec, nil
	}
	if !CanTransition(rec.Status, StatusPaid) {
		return Reservation{}, fmt.Errorf("%w: %s -> paid", ErrInvalidTransition, rec.Status)
	}

	b := s.deps.Calculator.Compute(rec.DepositAmount)
	paidAt := s.now()

	if err := s.repo.UpdatePaid(ctx, tx, id, b, paidAt, paymentRef); err != nil {
		return Reservation{}, err
	}
	if err := s.deps.Ledger.Append(ctx, tx, id, ledger.TypePayment, b.TotalDeposit, &paymentRef); err != nil {
		return Reservation{}, err
	}
	if err := s.deps.Ads.SetStatus(ctx, tx, rec.AdID, ad.StatusActive, ad.StatusBooked); err != nil {
		return Reservation{}, err
	}
	if err := s.syncConversation(ctx, tx, rec.ApplicationID, StatusPaid); err != nil {
		return Reservation{}, err
	}
	if err := s.deps.Outbox.Enqueue(ctx, tx, "reservation.paid", map[string]any{
		"reservation_id":    id,
		"total_deposit":     b.TotalDeposit.StringFixed(2),
		"babysitter_amount": b.BabysitterAmount.StringFixed(2),
		"paid_at":           paidAt.UTC(),
	}); err != nil {
		return Reservation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Reservation{}, fmt.Errorf("reservation: commit paid: %w", err)
	}

	rec.Status = StatusPaid
	rec.PaidAt = &paidAt
	rec.BabysitterAmount = &b.BabysitterAmount
	rec.PlatformFee = &b.PlatformFee
	rec.ProcessorFee = &b.ProcessorFee
	rec.PaymentIntentID = &paymentRef
	return rec, nil
}

// Start marks the service as begun. No-op when the reservation is not paid,
// so the babysitter action and the scheduler's implicit start can race
// safely.
func (s *Service) Start(ctx context.Context, id string) (Reservation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Reservation{}, fmt.Errorf("reservation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Reservation{}, err
	}
	if rec.Status != StatusPaid {
		return rec, nil
	}

	if err := s.repo.UpdateStatus(ctx, tx, id, StatusPaid, StatusActive); err != nil {
		return Reservation{}, err
	}
	if err := s.syncConversation(ctx, tx, rec.ApplicationID, StatusActive); err != nil {
		return Reservation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Reservation{}, fmt.Errorf("reservation: commit start: %w", err)
	}
	rec.Status = StatusActive
	return rec, nil
}

// CompleteService closes the service and opens the escrow hold. The hold is
// anchored to the planned service end, not to the completion instant, so
// early or late manual completion does not shift the payout date.
func (s *Service) CompleteService(ctx context.Context, id string) (Reservation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Reservation{}, fmt.Errorf("reservation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Reservation{}, err
	}
	if rec.Status == StatusServiceCompleted {
		return rec, nil
	}
	if !CanTransition(rec.Status, StatusServiceCompleted) {
		return Reservation{}, fmt.Errorf("%w: %s -> service_completed", ErrInvalidTransition, rec.Status)
	}
	if !CanTransitionFunds(rec.FundsStatus, FundsHeldForValidation) {
		return Reservation{}, fmt.Errorf("%w: funds %s -> held_for_validation", ErrInvalidTransition, rec.FundsStatus)
	}

	completedAt := s.now()
	holdUntil := rec.ServiceEndAt.Add(s.deps.HoldWindow)

	if err := s.repo.UpdateServiceCompleted(ctx, tx, id, completedAt, holdUntil); err != nil {
		return Reservation{}, err
	}
	if err := s.syncConversation(ctx, tx, rec.ApplicationID, StatusServiceCompleted); err != nil {
		return Reservation{}, err
	}
	if err := s.deps.Outbox.Enqueue(ctx, tx, "reservation.service_completed", map[string]any{
		"reservation_id":   id,
		"funds_hold_until": holdUntil.UTC(),
	}); err != nil {
		return Reservation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Reservation{}, fmt.Errorf("reservation: commit service completed: %w", err)
	}

	rec.Status = StatusServiceCompleted
	rec.FundsStatus = FundsHeldForValidation
	rec.ServiceCompletedAt = &completedAt
	rec.FundsHoldUntil = &holdUntil
	return rec, nil
}

// Finalize archives a reservation after the post-service grace period.
// Scheduler-only; money has already moved through the escrow controller.
func (s *Service) Finalize(ctx context.Context, id string) (Reservation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Reservation{}, fmt.Errorf("reservation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Reservation{}, err
	}
	if rec.Status == StatusCompleted {
		return rec, nil
	}
	if !CanTransition(rec.Status, StatusCompleted) {
		return Reservation{}, fmt.Errorf("%w: %s -> completed", ErrInvalidTransition, rec.Status)
	}

	if err := s.repo.UpdateStatus(ctx, tx, id, rec.Status, StatusCompleted); err != nil {
		return Reservation{}, err
	}
	if err := s.deps.Ads.SetStatus(ctx, tx, rec.AdID, ad.StatusBooked, ad.StatusCompleted); err != nil {
		return Reservation{}, err
	}
	if err := s.syncConversation(ctx, tx, rec.ApplicationID, StatusCompleted); err != nil {
		return Reservation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Reservation{}, fmt.Errorf("reservation: commit finalize: %w", err)
	}
	rec.Status = StatusCompleted
	return rec, nil
}

func (s *Service) syncConversation(ctx context.Context, tx pgx.Tx, applicationID string, status Status) error {
	return s.deps.Conversations.Sync(ctx, tx, applicationID, conversation.DeriveStatus(string(status), ""))
}
