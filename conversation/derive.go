package conversation

// Reservation and application statuses are received as plain strings so this
// package does not import the owners it mirrors.

// DeriveStatus computes the conversation status from the bound reservation
// status where a reservation exists, else from the bound application status.
// It is total over both enums; unknown inputs map to the archived terminal so
// a derivation bug can never resurrect a channel.
func DeriveStatus(reservationStatus, applicationStatus string) Status {
	if reservationStatus != "" {
		return deriveFromReservation(reservationStatus)
	}
	return deriveFromApplication(applicationStatus)
}

func deriveFromReservation(status string) Status {
	switch status {
	case "pending_payment":
		return StatusPaymentRequired
	case "paid", "active", "service_completed", "disputed":
		return StatusActive
	case "completed":
		return StatusCompleted
	case "cancelled_by_parent", "cancelled_by_babysitter":
		return StatusCancelled
	case "expired":
		return StatusArchived
	default:
		return StatusArchived
	}
}

func deriveFromApplication(status string) Status {
	switch status {
	case "pending", "counter_offered":
		return StatusPending
	case "accepted":
		// An accepted application without a reservation row is transient
		// inside the acceptance transaction; the reservation mapping takes
		// over as soon as it exists.
		return StatusPaymentRequired
	case "declined", "expired", "cancelled", "archived":
		return StatusArchived
	default:
		return StatusArchived
	}
}
