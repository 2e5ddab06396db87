package conversation

import "testing"

func TestDeriveStatusFromReservation(t *testing.T) {
	cases := []struct {
		reservation string
		want        Status
	}{
		{"pending_payment", StatusPaymentRequired},
		{"paid", StatusActive},
		{"active", StatusActive},
		{"service_completed", StatusActive},
		{"disputed", StatusActive},
		{"completed", StatusCompleted},
		{"cancelled_by_parent", StatusCancelled},
		{"cancelled_by_babysitter", StatusCancelled},
		{"expired", StatusArchived},
	}

	for _, tc := range cases {
		if got := DeriveStatus(tc.reservation, "accepted"); got != tc.want {
			t.Errorf("reservation %s: got %s, want %s", tc.reservation, got, tc.want)
		}
	}
}

func TestDeriveStatusFromApplication(t *testing.T) {
	cases := []struct {
		application string
		want        Status
	}{
		{"pending", StatusPending},
		{"counter_offered", StatusPending},
		{"accepted", StatusPaymentRequired},
		{"declined", StatusArchived},
		{"expired", StatusArchived},
		{"cancelled", StatusArchived},
		{"archived", StatusArchived},
	}

	for _, tc := range cases {
		if got := DeriveStatus("", tc.application); got != tc.want {
			t.Errorf("application %s: got %s, want %s", tc.application, got, tc.want)
		}
	}
}

func TestDeriveStatusReservationWins(t *testing.T) {
	// A bound reservation always takes precedence over the application state.
	if got := DeriveStatus("completed", "archived"); got != StatusCompleted {
		t.Fatalf("got %s, want %s", got, StatusCompleted)
	}
}

func TestDeriveStatusUnknownInputsArchive(t *testing.T) {
	if got := DeriveStatus("bogus", ""); got != StatusArchived {
		t.Fatalf("got %s, want archived", got)
	}
	if got := DeriveStatus("", "bogus"); got != StatusArchived {
		t.Fatalf("got %s, want archived", got)
	}
}
