package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestLegClientIDDeterministicAndBounded(t *testing.T) {
	a := LegClientID("5f0c1b2e-plan", RoleStopLoss, 0)
	b := LegClientID("5f0c1b2e-plan", RoleStopLoss, 0)
	if a != b {
		t.Fatalf("same inputs produced different ids: %q vs %q", a, b)
	}
	if len(a) != 18 {
		t.Fatalf("client id length = %d, want 18", len(a))
	}
	if c := LegClientID("5f0c1b2e-plan", RoleTakeProfit, 0); c == a {
		t.Fatalf("role change did not change id")
	}
	if c := LegClientID("5f0c1b2e-plan", RoleStopLoss, 1); c == a {
		t.Fatalf("index change did not change id")
	}
	if c := LegClientID("other-plan", RoleStopLoss, 0); c == a {
		t.Fatalf("plan change did not change id")
	}
}

func TestNormalizeTPSizes(t *testing.T) {
	d := func(s string) decimal.Decimal { return decimal.RequireFromString(s) }

	cases := []struct {
		name string
		in   []TPLevel
		want []string
	}{
		{
			name: "already normalized",
			in:   []TPLevel{{Pct: d("0.01"), SizePct: d("0.5")}, {Pct: d("0.02"), SizePct: d("0.5")}},
			want: []string{"0.5", "0.5"},
		},
		{
			name: "rescaled",
			in:   []TPLevel{{Pct: d("0.01"), SizePct: d("1")}, {Pct: d("0.02"), SizePct: d("1")}},
			want: []string{"0.5", "0.5"},
		},
		{
			name: "drops non-positive",
			in:   []TPLevel{{Pct: d("0.01"), SizePct: d("0")}, {Pct: d("0.02"), SizePct: d("0.25")}},
			want: []string{"1"},
		},
		{
			name: "empty",
			in:   nil,
			want: nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NormalizeTPSizes(tc.in)
			if len(got) != len(tc.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tc.want))
			}
			sum := decimal.Zero
			for i, lv := range got {
				if !lv.SizePct.Equal(d(tc.want[i])) {
					t.Fatalf("level %d size = %s, want %s", i, lv.SizePct, tc.want[i])
				}
				sum = sum.Add(lv.SizePct)
			}
			if len(got) > 0 && !sum.Equal(d("1")) {
				t.Fatalf("sizes sum to %s, want 1", sum)
			}
		})
	}
}

func TestSideOpposite(t *testing.T) {
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Fatal("opposite sides wrong")
	}
}
