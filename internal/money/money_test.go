package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestMulRoundsToScale(t *testing.T) {
	cases := []struct {
		amount, rate, want string
	}{
		{"100", "0.06", "6"},
		{"100", "0.015", "1.5"},
		{"100", "0.025", "2.5"},
		{"33.33", "0.1", "3.33"},
		{"10.05", "0.015", "0.15"}, // 0.15075 rounds half-up to 0.15
		{"10.10", "0.015", "0.15"}, // 0.1515 rounds half-up to 0.15
	}
	ctx := DefaultContext()
	for _, c := range cases {
		got := ctx.Mul(decimal.RequireFromString(c.amount), decimal.RequireFromString(c.rate))
		if !got.Equal(decimal.RequireFromString(c.want)) {
			t.Fatalf("Mul(%s, %s)=%s, want %s", c.amount, c.rate, got, c.want)
		}
	}
}

func TestBankersRounding(t *testing.T) {
	ctx := Context{Scale: 2, Rounding: RoundBankers}
	got := ctx.Round(decimal.RequireFromString("0.125"))
	if !got.Equal(decimal.RequireFromString("0.12")) {
		t.Fatalf("RoundBank(0.125)=%s, want 0.12", got)
	}
}

func TestParseRate(t *testing.T) {
	if _, err := ParseRate("0.06"); err != nil {
		t.Fatalf("valid rate rejected: %v", err)
	}
	for _, bad := range []string{"-0.1", "1.01", "abc"} {
		if _, err := ParseRate(bad); err == nil {
			t.Fatalf("rate %q accepted", bad)
		}
	}
}

func TestSum(t *testing.T) {
	ctx := DefaultContext()
	got := ctx.Sum(
		decimal.RequireFromString("1.5"),
		decimal.RequireFromString("2.5"),
		decimal.RequireFromString("2"),
	)
	if !got.Equal(decimal.RequireFromString("6")) {
		t.Fatalf("Sum=%s, want 6", got)
	}
}
