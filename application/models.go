package application

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the application lifecycle's closed set. Persisted; values are
// part of the stored data contract.
type Status string

const (
	StatusPending        Status = "pending"
	StatusCounterOffered Status = "counter_offered"
	StatusAccepted       Status = "accepted"
	StatusDeclined       Status = "declined"
	StatusExpired        Status = "expired"
	StatusCancelled      Status = "cancelled"
	StatusArchived       Status = "archived"
)

// Application is a babysitter's offer against a posting. Acceptance is the
// only path that creates a reservation.
type Application struct {
	ID           string
	AdID         string
	BabysitterID string
	Status       Status
	ProposedRate decimal.Decimal
	CounterRate  *decimal.Decimal
	ExpiresAt    time.Time
	AcceptedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Rate is the effective hourly rate: the counter offer when one exists, else
// the proposed rate.
func (a Application) Rate() decimal.Decimal {
	if a.CounterRate != nil {
		return *a.CounterRate
	}
	return a.ProposedRate
}

var transitions = map[Status][]Status{
	StatusPending:        {StatusCounterOffered, StatusAccepted, StatusDeclined, StatusExpired, StatusCancelled},
	StatusCounterOffered: {StatusAccepted, StatusDeclined, StatusExpired, StatusCancelled},
	StatusAccepted:       {StatusArchived},
}

// CanTransition reports whether the application may move between the two
// states.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
