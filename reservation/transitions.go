package reservation

// bookingGraph enumerates every legal booking transition. Terminal states
// (completed, expired, both cancellations) have no outgoing edges; regressions
// are impossible by construction.
var bookingGraph = map[Status][]Status{
	StatusPendingPayment: {
		StatusPaid,
		StatusExpired,
		StatusCancelledByParent,
		StatusCancelledByBabysitter,
	},
	StatusPaid: {
		StatusActive,
		StatusServiceCompleted,
		StatusCancelledByParent,
		StatusCancelledByBabysitter,
	},
	StatusActive: {
		StatusServiceCompleted,
		StatusCancelledByParent,
		StatusCancelledByBabysitter,
	},
	StatusServiceCompleted: {
		StatusCompleted,
		StatusDisputed,
		StatusCancelledByParent,
		StatusCancelledByBabysitter,
	},
	StatusDisputed: {
		StatusCompleted,
		StatusCancelledByParent,
		StatusCancelledByBabysitter,
	},
}

// fundsGraph enumerates every legal escrow transition. Strictly forward:
// released, refunded and cancelled are terminal, and no edge ever points back
// toward an earlier stage.
var fundsGraph = map[FundsStatus][]FundsStatus{
	FundsPendingService: {
		FundsHeldForValidation,
		FundsRefunded,
		FundsCancelled,
	},
	FundsHeldForValidation: {
		FundsReleased,
		FundsDisputed,
		FundsRefunded,
	},
	FundsDisputed: {
		FundsReleased,
		FundsRefunded,
	},
}

// CanTransition reports whether the booking status may move from one state to
// another.
func CanTransition(from, to Status) bool {
	for _, next := range bookingGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransitionFunds reports whether the escrow status may move from one
// state to another.
func CanTransitionFunds(from, to FundsStatus) bool {
	for _, next := range fundsGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Cancellable reports whether the booking may still be cancelled by either
// party.
func Cancellable(from Status) bool {
	return CanTransition(from, StatusCancelledByParent)
}
