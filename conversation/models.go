package conversation

import "time"

// Status is the closed set of conversation states. Persisted; values are part
// of the stored data contract.
type Status string

const (
	StatusPending         Status = "pending"
	StatusPaymentRequired Status = "payment_required"
	StatusActive          Status = "active"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
	StatusArchived        Status = "archived"
)

// Conversation is the messaging channel bound 1:1 to an application and,
// transitively, to its reservation. Its status is derived, never set by a
// user action.
type Conversation struct {
	ID            string
	ApplicationID string
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
