package ad

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the closed set of posting states. Values are persisted; do not
// reorder or rename.
type Status string

const (
	StatusActive    Status = "active"
	StatusBooked    Status = "booked"
	StatusExpired   Status = "expired"
	StatusCompleted Status = "completed"
)

// Ad is a parent's request for childcare at a given time window.
type Ad struct {
	ID             string
	ParentID       string
	Status         Status
	HourlyRate     decimal.Decimal
	ServiceStartAt time.Time
	ServiceEndAt   time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
