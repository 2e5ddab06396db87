package main

import (
	"context"
	"log"

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
	"sitterflow/reservation"
)

// Wiring entry point for the interactive surface. The HTTP layer lives in a
// separate gateway; this binary owns the domain services it calls into.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

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
	disputeService := dispute.NewService(pool, disputes, dispute.Dependencies{
		Reservations: reservationService,
		Outbox:       outbox,
	})

	log.Printf("services ready: reservations=%t applications=%t disputes=%t",
		reservationService != nil, applicationService != nil, disputeService != nil)
}
