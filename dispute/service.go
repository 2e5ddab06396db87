package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"sitterflow/reservation"
)

// ErrNotDisputable rejects a filing against a reservation whose funds are not
// in escrow.
var ErrNotDisputable = errors.New("dispute: reservation not disputable")

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the data access the dispute lifecycle needs. *Repository
// implements it.
type Store interface {
	Create(ctx context.Context, tx pgx.Tx, params CreateParams) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	MarkInProgress(ctx context.Context, tx pgx.Tx, id string) error
	Close(ctx context.Context, tx pgx.Tx, id string, to Status, note, adminID string, at time.Time) error
}

// FundsController is the slice of the reservation layer disputes drive. Both
// methods run their own transactions.
type FundsController interface {
	GetByID(ctx context.Context, id string) (reservation.Reservation, error)
	MarkFundsDisputed(ctx context.Context, id string) (reservation.Reservation, error)
}

// OutboxWriter enqueues notification events in the owning transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Dependencies struct {
	Reservations FundsController
	Outbox       OutboxWriter
}

// Service drives the dispute lifecycle. An open record freezes the bound
// reservation's escrowed funds; an administrator outcome unfreezes them.
type Service struct {
	pool TxBeginner
	repo Store
	deps Dependencies
	now  func() time.Time
}

func NewService(pool TxBeginner, repo Store, deps Dependencies) *Service {
	return &Service{pool: pool, repo: repo, deps: deps, now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type OpenParams struct {
	ReservationID string
	ReporterID    string
	ReportedID    string
	Reason        string
}

// Open files a dispute against a reservation whose funds sit in escrow. The
// record commits first; the funds freeze runs in its own transaction
// afterwards. The ordering is safe either way: release eligibility re-checks
// the dispute table inside its own transaction, and a disputed reservation
// with no open record re-enters the release pipeline on the next scan.
func (s *Service) Open(ctx context.Context, params OpenParams) (Record, error) {
	rec, err := s.deps.Reservations.GetByID(ctx, params.ReservationID)
	if err != nil {
		return Record{}, err
	}
	if rec.FundsStatus != reservation.FundsHeldForValidation && rec.FundsStatus != reservation.FundsDisputed {
		return Record{}, fmt.Errorf("%w: funds %s", ErrNotDisputable, rec.FundsStatus)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.Create(ctx, tx, CreateParams{
		ReservationID: params.ReservationID,
		ReporterID:    params.ReporterID,
		ReportedID:    params.ReportedID,
		Reason:        params.Reason,
	})
	if err != nil {
		return Record{}, err
	}
	if err := s.deps.Outbox.Enqueue(ctx, tx, "dispute.opened", map[string]any{
		"dispute_id":     d.ID,
		"reservation_id": params.ReservationID,
		"reporter_id":    params.ReporterID,
	}); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit open: %w", err)
	}

	if _, err := s.deps.Reservations.MarkFundsDisputed(ctx, params.ReservationID); err != nil {
		return Record{}, fmt.Errorf("dispute: freeze funds: %w", err)
	}
	return d, nil
}

// Advance moves a pending dispute into review.
func (s *Service) Advance(ctx context.Context, id string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Record{}, err
	}
	if d.Status == StatusInProgress {
		return d, nil
	}
	if d.Status != StatusPending {
		return Record{}, ErrClosed
	}
	if err := s.repo.MarkInProgress(ctx, tx, id); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit advance: %w", err)
	}
	d.Status = StatusInProgress
	return d, nil
}

// Resolve upholds the dispute and closes it with the administrator's note.
func (s *Service) Resolve(ctx context.Context, id, adminID, note string) (Record, error) {
	return s.close(ctx, id, StatusResolved, adminID, note, "dispute.resolved")
}

// Reject dismisses the dispute. Either outcome makes the reservation eligible
// for the release pipeline again.
func (s *Service) Reject(ctx context.Context, id, adminID, note string) (Record, error) {
	return s.close(ctx, id, StatusRejected, adminID, note, "dispute.rejected")
}

func (s *Service) close(ctx context.Context, id string, to Status, adminID, note, topic string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Record{}, err
	}
	if d.Status == to {
		return d, nil
	}
	if !d.Status.Open() {
		return Record{}, ErrClosed
	}

	at := s.now()
	if err := s.repo.Close(ctx, tx, id, to, note, adminID, at); err != nil {
		return Record{}, err
	}
	if err := s.deps.Outbox.Enqueue(ctx, tx, topic, map[string]any{
		"dispute_id":     d.ID,
		"reservation_id": d.ReservationID,
		"resolved_by":    adminID,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit %s: %w", to, err)
	}
	d.Status = to
	d.ResolutionNote = &note
	d.ResolvedBy = &adminID
	d.ResolvedAt = &at
	return d, nil
}
