// Package scheduler drives the time-based transitions. Every scan is
// idempotent: candidate predicates exclude already-transitioned rows, so
// overlapping or re-run invocations converge on the same state.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"sitterflow/application"
	"sitterflow/reservation"
)

// Clock is the injectable time source.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ReservationSource lists transition candidates.
type ReservationSource interface {
	ListUnpaidExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListStartElapsed(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListServiceElapsed(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListFinalizable(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// ReservationDriver applies the transitions the scans trigger.
type ReservationDriver interface {
	Start(ctx context.Context, id string) (reservation.Reservation, error)
	CompleteService(ctx context.Context, id string) (reservation.Reservation, error)
	Finalize(ctx context.Context, id string) (reservation.Reservation, error)
	Expire(ctx context.Context, id string) (reservation.Reservation, error)
}

// ApplicationSource lists expired offer candidates.
type ApplicationSource interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// ApplicationDriver expires stale offers.
type ApplicationDriver interface {
	Expire(ctx context.Context, id string) (application.Application, error)
}

// AdScans are the bulk posting reconciliations.
type AdScans interface {
	ExpireStale(ctx context.Context, now time.Time, limit int) (int, error)
	MarkBooked(ctx context.Context, limit int) (int, error)
}

// ConversationScans archive finished channels in bulk.
type ConversationScans interface {
	ArchiveStale(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// Config bounds the scans.
type Config struct {
	BatchSize     int
	FinalizeAfter time.Duration
	ArchiveDelay  time.Duration
}

// Result is one scan's aggregate outcome.
type Result struct {
	Scan         string
	Transitioned int
	Failed       int
	Errors       []error
}

type Scheduler struct {
	reservations      ReservationSource
	reservationDriver ReservationDriver
	applications      ApplicationSource
	applicationDriver ApplicationDriver
	ads               AdScans
	conversations     ConversationScans
	cfg               Config
	clock             Clock
}

func New(
	reservations ReservationSource,
	reservationDriver ReservationDriver,
	applications ApplicationSource,
	applicationDriver ApplicationDriver,
	ads AdScans,
	conversations ConversationScans,
	cfg Config,
	clock Clock,
) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FinalizeAfter == 0 {
		cfg.FinalizeAfter = 168 * time.Hour
	}
	if cfg.ArchiveDelay == 0 {
		cfg.ArchiveDelay = 24 * time.Hour
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Scheduler{
		reservations:      reservations,
		reservationDriver: reservationDriver,
		applications:      applications,
		applicationDriver: applicationDriver,
		ads:               ads,
		conversations:     conversations,
		cfg:               cfg,
		clock:             clock,
	}
}

// ExpireUnpaid closes reservations whose payment window lapsed.
func (s *Scheduler) ExpireUnpaid(ctx context.Context) Result {
	ids, err := s.reservations.ListUnpaidExpired(ctx, s.clock.Now(), s.cfg.BatchSize)
	return drive(ctx, "expire_unpaid", ids, err, s.reservationDriver.Expire)
}

// ActivateStarted flips paid reservations whose planned start passed.
func (s *Scheduler) ActivateStarted(ctx context.Context) Result {
	ids, err := s.reservations.ListStartElapsed(ctx, s.clock.Now(), s.cfg.BatchSize)
	return drive(ctx, "activate_started", ids, err, s.reservationDriver.Start)
}

// CompleteService closes reservations whose planned end passed.
func (s *Scheduler) CompleteService(ctx context.Context) Result {
	ids, err := s.reservations.ListServiceElapsed(ctx, s.clock.Now(), s.cfg.BatchSize)
	return drive(ctx, "complete_service", ids, err, s.reservationDriver.CompleteService)
}

// Finalize archives reservations past the post-service grace window.
func (s *Scheduler) Finalize(ctx context.Context) Result {
	cutoff := s.clock.Now().Add(-s.cfg.FinalizeAfter)
	ids, err := s.reservations.ListFinalizable(ctx, cutoff, s.cfg.BatchSize)
	return drive(ctx, "finalize", ids, err, s.reservationDriver.Finalize)
}

// ExpireApplications closes offers whose TTL lapsed.
func (s *Scheduler) ExpireApplications(ctx context.Context) Result {
	ids, err := s.applications.ListExpired(ctx, s.clock.Now(), s.cfg.BatchSize)
	return drive(ctx, "expire_applications", ids, err, s.applicationDriver.Expire)
}

// ExpireAds closes postings whose window started unbooked.
func (s *Scheduler) ExpireAds(ctx context.Context) Result {
	n, err := s.ads.ExpireStale(ctx, s.clock.Now(), s.cfg.BatchSize)
	return bulkResult("expire_ads", n, err)
}

// MarkAdsBooked reconciles postings left active despite a live reservation.
func (s *Scheduler) MarkAdsBooked(ctx context.Context) Result {
	n, err := s.ads.MarkBooked(ctx, s.cfg.BatchSize)
	return bulkResult("mark_ads_booked", n, err)
}

// ArchiveConversations archives channels of long-finished reservations.
func (s *Scheduler) ArchiveConversations(ctx context.Context) Result {
	cutoff := s.clock.Now().Add(-s.cfg.ArchiveDelay)
	n, err := s.conversations.ArchiveStale(ctx, cutoff, s.cfg.BatchSize)
	return bulkResult("archive_conversations", n, err)
}

// RunAll executes every scan concurrently. The scans touch disjoint candidate
// sets; row locks serialize any overlap with user-driven transitions.
func (s *Scheduler) RunAll(ctx context.Context) ([]Result, error) {
	scans := []func(context.Context) Result{
		s.ExpireUnpaid,
		s.ActivateStarted,
		s.CompleteService,
		s.Finalize,
		s.ExpireApplications,
		s.ExpireAds,
		s.MarkAdsBooked,
		s.ArchiveConversations,
	}

	results := make([]Result, len(scans))
	g, ctx := errgroup.WithContext(ctx)
	for i, scan := range scans {
		g.Go(func() error {
			results[i] = scan(ctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// drive applies one transition per candidate, isolating failures.
func drive[T any](ctx context.Context, scan string, ids []string, listErr error, transition func(context.Context, string) (T, error)) Result {
	res := Result{Scan: scan}
	if listErr != nil {
		res.Failed = 1
		res.Errors = append(res.Errors, fmt.Errorf("%s: list candidates: %w", scan, listErr))
		log.Printf("scan=%s list failed: %v", scan, listErr)
		return res
	}
	for _, id := range ids {
		if _, err := transition(ctx, id); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Errorf("%s: %s: %w", scan, id, err))
			log.Printf("scan=%s id=%s failed: %v", scan, id, err)
			continue
		}
		res.Transitioned++
	}
	log.Printf("scan=%s transitioned=%d failed=%d", scan, res.Transitioned, res.Failed)
	return res
}

func bulkResult(scan string, n int, err error) Result {
	res := Result{Scan: scan, Transitioned: n}
	if err != nil {
		res.Failed = 1
		res.Errors = append(res.Errors, fmt.Errorf("%s: %w", scan, err))
	}
	log.Printf("scan=%s transitioned=%d failed=%d", scan, res.Transitioned, res.Failed)
	return res
}
