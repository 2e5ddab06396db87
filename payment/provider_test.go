package payment

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCents(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"47.00", 4700},
		{"43.39", 4339},
		{"0.01", 1},
		{"0", 0},
		{"12.5", 1250},
	}
	for _, tc := range cases {
		if got := cents(decimal.RequireFromString(tc.in)); got != tc.want {
			t.Errorf("cents(%s) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
