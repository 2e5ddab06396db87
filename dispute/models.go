package dispute

import "time"

// Status is the dispute lifecycle's closed set. Persisted; values are part of
// the stored data contract.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusRejected   Status = "rejected"
)

// Open reports whether the dispute still blocks fund release.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusInProgress
}

// Record is a complaint filed by one party of a reservation against the
// other. While any record for a reservation is open, its escrowed funds do
// not move.
type Record struct {
	ID            string
	ReservationID string
	ReporterID    string
	ReportedID    string
	Reason        string
	Status        Status
	ResolutionNote *string
	ResolvedBy     *string
	ResolvedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
