// Command jobs hosts the scheduled entry points. Each subcommand runs one
// bounded, idempotent pass and exits, so an external cron can invoke it
// repeatedly; overlapping invocations converge on the same state.
//
// Subcommands:
//
//	update-expired-reservations  expire unpaid reservations and stale offers
//	update-announcement-statuses reconcile posting statuses
//	release-pending-funds        run the fund release worker
//	archive-conversations        archive channels of finished reservations
//	dispatch-outbox              publish committed outbox rows to the broker
//	run-all                      every scan once (local/dev convenience)
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"sitterflow/ad"
	"sitterflow/application"
	"sitterflow/config"
	"sitterflow/conversation"
	"sitterflow/db"
	"sitterflow/dispute"
	"sitterflow/ledger"
	"sitterflow/money"
	"sitterflow/notify"
	"sitterflow/payment"
	"sitterflow/release"
	"sitterflow/reservation"
	"sitterflow/scheduler"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Minute, "maximum run time for one pass")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: jobs [-timeout d] <subcommand>")
		os.Exit(2)
	}
	subcommand := flag.Arg(0)

	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("jobs: received %v, cancelling", sig)
		cancel()
	}()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("jobs: bootstrap database pool: %v", err)
	}
	defer pool.Close()

	app := newApp(pool, cfg)

	if err := app.run(ctx, subcommand); err != nil {
		log.Printf("jobs: %s failed: %v", subcommand, err)
		os.Exit(1)
	}
	log.Printf("jobs: %s completed", subcommand)
}

// app bundles the wired services one pass may need.
type app struct {
	cfg       config.Config
	scheduler *scheduler.Scheduler
	worker    *release.Worker
	outbox    *notify.Outbox
}

func newApp(pool *pgxpool.Pool, cfg config.Config) *app {
	calculator := money.NewCalculator(money.Config{
		ServiceFee:     cfg.ServiceFee,
		ProcessorRate:  cfg.ProcessorRate,
		ProcessorFixed: cfg.ProcessorFixed,
	})
	provider := payment.NewStripeProvider(cfg.StripeKey)

	ads := ad.NewRepository(pool)
	conversations := conversation.NewRepository(pool)
	applications := application.NewRepository(pool)
	reservations := reservation.NewRepository(pool)
	entries := ledger.NewRepository(pool)
	outbox := notify.NewOutbox(pool)
	disputes := dispute.NewRepository(pool)

	reservationService := reservation.NewService(pool, reservations, reservation.Dependencies{
		Conversations: conversations,
		Ads:           ads,
		Ledger:        entries,
		Outbox:        outbox,
		Applications:  applications,
		Refunds:       provider,
		Calculator:    calculator,
		HoldWindow:    cfg.FundsHoldWindow,
	})
	applicationService := application.NewService(pool, applications, application.Dependencies{
		Ads:           ads,
		Conversations: conversations,
		Reservations:  reservations,
		Outbox:        outbox,
		Calculator:    calculator,
		OfferTTL:      cfg.ApplicationTTL,
		PaymentWindow: cfg.PaymentWindow,
	})

	sched := scheduler.New(reservations, reservationService, applications, applicationService, ads, conversations, scheduler.Config{
		BatchSize:     cfg.ScanBatchSize,
		FinalizeAfter: cfg.FinalizeAfter,
		ArchiveDelay:  cfg.ConversationArchive,
	}, nil)

	worker := release.NewWorker(
		reservations,
		reservationService,
		disputes,
		provider,
		release.NewAccountDirectory(pool),
		cfg.ScanBatchSize,
	).WithRetries(cfg.ReleaseRetries)

	return &app{cfg: cfg, scheduler: sched, worker: worker, outbox: outbox}
}

func (a *app) run(ctx context.Context, subcommand string) error {
	switch subcommand {
	case "update-expired-reservations":
		return firstError(
			a.scheduler.ExpireUnpaid(ctx),
			a.scheduler.ExpireApplications(ctx),
			a.scheduler.ActivateStarted(ctx),
			a.scheduler.CompleteService(ctx),
			a.scheduler.Finalize(ctx),
		)
	case "update-announcement-statuses":
		return firstError(
			a.scheduler.ExpireAds(ctx),
			a.scheduler.MarkAdsBooked(ctx),
		)
	case "archive-conversations":
		return firstError(a.scheduler.ArchiveConversations(ctx))
	case "release-pending-funds":
		res, err := a.worker.Run(ctx)
		if err != nil {
			return err
		}
		if res.Failed > 0 {
			return fmt.Errorf("%d of %d releases failed", res.Failed, res.Scanned)
		}
		return nil
	case "dispatch-outbox":
		publisher, err := notify.NewPublisher(a.cfg.AMQPURL, "sitterflow.events")
		if err != nil {
			return err
		}
		defer publisher.Close()
		dispatcher := notify.NewDispatcher(a.outbox, publisher, a.cfg.ScanBatchSize, 5)
		res, err := dispatcher.Run(ctx)
		if err != nil {
			return err
		}
		if res.Failed > 0 {
			return fmt.Errorf("%d messages failed to publish", res.Failed)
		}
		return nil
	case "run-all":
		results, err := a.scheduler.RunAll(ctx)
		if err != nil {
			return err
		}
		return firstError(results...)
	default:
		return fmt.Errorf("unknown subcommand %q", subcommand)
	}
}

// firstError surfaces the first scan failure so cron marks the run.
func firstError(results ...scheduler.Result) error {
	for _, r := range results {
		if len(r.Errors) > 0 {
			return fmt.Errorf("scan %s: %w", r.Scan, r.Errors[0])
		}
	}
	return nil
}
