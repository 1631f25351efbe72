package executor

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/rjkroon/brackd/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testInstrument() Instrument {
	return Instrument{
		Symbol:        "SOL/USD",
		PriceDecimals: 2,
		QtyDecimals:   4,
		OrderMin:      dec("0.25"),
		CostMin:       dec("0.5"),
	}
}

func TestQuantizePriceRoundsTowardSafety(t *testing.T) {
	inst := testInstrument()
	cases := []struct {
		price string
		side  domain.Side
		want  string
	}{
		{"150.129", domain.SideBuy, "150.12"},
		{"150.121", domain.SideSell, "150.13"},
		{"150.12", domain.SideBuy, "150.12"},
		{"150.12", domain.SideSell, "150.12"},
	}
	for _, tc := range cases {
		got := QuantizePrice(dec(tc.price), inst, tc.side)
		if !got.Equal(dec(tc.want)) {
			t.Errorf("QuantizePrice(%s, %s) = %s, want %s", tc.price, tc.side, got, tc.want)
		}
	}
}

func TestQuantizeQtyFloors(t *testing.T) {
	inst := testInstrument()
	if got := QuantizeQty(dec("1.23459"), inst); !got.Equal(dec("1.2345")) {
		t.Fatalf("qty = %s", got)
	}
	if got := QuantizeQty(dec("0.00009"), inst); !got.IsZero() {
		t.Fatalf("dust qty = %s, want 0", got)
	}
}
