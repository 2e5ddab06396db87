package reservation

import "testing"

func TestBookingGraph(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusPendingPayment, StatusPaid},
		{StatusPendingPayment, StatusExpired},
		{StatusPaid, StatusActive},
		{StatusPaid, StatusServiceCompleted},
		{StatusActive, StatusServiceCompleted},
		{StatusServiceCompleted, StatusCompleted},
		{StatusActive, StatusCancelledByParent},
		{StatusPaid, StatusCancelledByBabysitter},
		{StatusDisputed, StatusCompleted},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to Status }{
		{StatusPaid, StatusPendingPayment},
		{StatusActive, StatusPaid},
		{StatusCompleted, StatusCancelledByParent},
		{StatusExpired, StatusPaid},
		{StatusCancelledByParent, StatusActive},
		{StatusActive, StatusExpired},
		{StatusPendingPayment, StatusServiceCompleted},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s must be rejected", tc.from, tc.to)
		}
	}
}

func TestFundsGraphForwardOnly(t *testing.T) {
	// Rank escrow states along the pipeline; no edge may point backward.
	rank := map[FundsStatus]int{
		FundsPendingService:    0,
		FundsHeldForValidation: 1,
		FundsDisputed:          2,
		FundsReleased:          3,
		FundsRefunded:          3,
		FundsCancelled:         3,
	}
	for from, nexts := range fundsGraph {
		for _, to := range nexts {
			if rank[to] <= rank[from] {
				t.Errorf("funds edge %s -> %s points backward", from, to)
			}
		}
	}
}

func TestFundsTerminalStates(t *testing.T) {
	for _, terminal := range []FundsStatus{FundsReleased, FundsRefunded, FundsCancelled} {
		if nexts := fundsGraph[terminal]; len(nexts) != 0 {
			t.Errorf("%s must be terminal, has edges %v", terminal, nexts)
		}
	}
}

func TestBookingTerminalStates(t *testing.T) {
	for _, terminal := range []Status{StatusCompleted, StatusExpired, StatusCancelledByParent, StatusCancelledByBabysitter} {
		if nexts := bookingGraph[terminal]; len(nexts) != 0 {
			t.Errorf("%s must be terminal, has edges %v", terminal, nexts)
		}
	}
}

func TestDisputedFundsCanStillSettle(t *testing.T) {
	if !CanTransitionFunds(FundsDisputed, FundsReleased) {
		t.Error("resolved disputes must be able to release")
	}
	if !CanTransitionFunds(FundsDisputed, FundsRefunded) {
		t.Error("resolved disputes must be able to refund")
	}
}
