package executor

import (
	"errors"
	"testing"
	"time"

	"github.com/rjkroon/brackd/internal/domain"
)

func fixedNow() time.Time { return time.Unix(1700000000, 0).UTC() }

func newTestBuilder(policy Policy, positions PositionChecker) *Builder {
	return NewBuilder(testInstrument(), policy, positions, fixedNow)
}

func wantReason(t *testing.T, err error, reason domain.ValidationReason) {
	t.Helper()
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if verr.Reason != reason {
		t.Fatalf("reason = %s, want %s", verr.Reason, reason)
	}
}

func limitIntent(qty, price string) domain.OrderIntent {
	p := dec(price)
	return domain.OrderIntent{
		Symbol:        "SOL/USD",
		Side:          domain.SideBuy,
		Type:          domain.OrderTypeLimit,
		Qty:           dec(qty),
		LimitPrice:    &p,
		TimeInForce:   domain.TIFGTC,
		ClientOrderID: "entry000000000001a",
	}
}

func TestBuildRejectsNotionalAboveCap(t *testing.T) {
	b := newTestBuilder(Policy{MaxNotional: dec("100")}, nil)
	_, err := b.Build(limitIntent("1", "150.00"))
	wantReason(t, err, domain.ReasonNotionalExceeded)

	// At the cap exactly is allowed.
	if _, err := b.Build(limitIntent("0.5", "200.00")); err != nil {
		t.Fatalf("at-cap build: %v", err)
	}
}

func TestBuildRejectsMissingLimitPrice(t *testing.T) {
	b := newTestBuilder(Policy{}, nil)
	intent := limitIntent("1", "150.00")
	intent.LimitPrice = nil
	_, err := b.Build(intent)
	wantReason(t, err, domain.ReasonMissingLimitPrice)
}

func TestBuildRejectsMissingTrigger(t *testing.T) {
	b := newTestBuilder(Policy{}, nil)
	intent := limitIntent("1", "150.00")
	intent.Type = domain.OrderTypeStopLossLimit
	_, err := b.Build(intent)
	wantReason(t, err, domain.ReasonMissingTrigger)
}

func TestBuildRejectsDustProtectiveLeg(t *testing.T) {
	b := newTestBuilder(Policy{}, nil)
	p := dec("140.00")
	intent := domain.OrderIntent{
		Symbol:        "SOL/USD",
		Side:          domain.SideSell,
		Type:          domain.OrderTypeStopLossLimit,
		Qty:           dec("0.00004"),
		LimitPrice:    &p,
		Trigger:       &domain.Trigger{Reference: domain.TriggerReferenceLast, Price: dec("140.10")},
		ReduceOnly:    true,
		ClientOrderID: "sl00000000000001aa",
	}
	_, err := b.Build(intent)
	wantReason(t, err, domain.ReasonDustLeg)
}

func TestBuildRaisesToOrderMinOnlyWithinCap(t *testing.T) {
	b := newTestBuilder(Policy{MaxNotional: dec("100")}, nil)
	// 0.2 is below ordermin 0.25; raising costs 0.25*150 = 37.50, fits.
	params, err := b.Build(limitIntent("0.2", "150.00"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if params.OrderQty != 0.25 {
		t.Fatalf("qty = %v, want raised to 0.25", params.OrderQty)
	}

	// Raising to 0.25 at 500 would need 125 > cap 100.
	_, err = b.Build(limitIntent("0.2", "500.00"))
	wantReason(t, err, domain.ReasonBelowMinimum)
}

func TestBuildRejectsSecondPosition(t *testing.T) {
	open := func(symbol string) (bool, error) { return true, nil }
	b := newTestBuilder(Policy{OnePositionOnly: true}, open)
	_, err := b.Build(limitIntent("0.5", "150.00"))
	wantReason(t, err, domain.ReasonPositionAlreadyOpen)

	// Reduce-only sells are exits, not new positions.
	p := dec("150.00")
	exit := domain.OrderIntent{
		Symbol:        "SOL/USD",
		Side:          domain.SideSell,
		Type:          domain.OrderTypeLimit,
		Qty:           dec("0.5"),
		LimitPrice:    &p,
		ReduceOnly:    true,
		ClientOrderID: "tp00000000000001aa",
	}
	if _, err := b.Build(exit); err != nil {
		t.Fatalf("exit build: %v", err)
	}
}

func TestBuildWireShape(t *testing.T) {
	b := newTestBuilder(Policy{ValidateOnly: true, Deadline: 5 * time.Second}, nil)
	p := dec("140.004")
	intent := domain.OrderIntent{
		Symbol:        "SOL/USD",
		Side:          domain.SideSell,
		Type:          domain.OrderTypeStopLossLimit,
		Qty:           dec("1.5"),
		LimitPrice:    &p,
		Trigger:       &domain.Trigger{Reference: domain.TriggerReferenceLast, Price: dec("140.104")},
		ReduceOnly:    true,
		TimeInForce:   domain.TIFGTC,
		ClientOrderID: "sl00000000000002aa",
	}
	params, err := b.Build(intent)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if params.OrderType != "stop-loss-limit" || params.Side != "sell" {
		t.Fatalf("params = %+v", params)
	}
	// Sell prices round up.
	if *params.LimitPrice != 140.01 {
		t.Fatalf("limit = %v", *params.LimitPrice)
	}
	if params.Triggers == nil || params.Triggers.Price != 140.11 || params.Triggers.PriceType != "static" {
		t.Fatalf("triggers = %+v", params.Triggers)
	}
	if params.Margin {
		t.Fatal("margin must be false")
	}
	if params.STPType != "cancel_newest" {
		t.Fatalf("stp = %s", params.STPType)
	}
	if params.Deadline != "2023-11-14T22:13:25Z" {
		t.Fatalf("deadline = %s", params.Deadline)
	}
	if !params.Validate {
		t.Fatal("validate flag lost")
	}
	if params.ReduceOnly == nil || !*params.ReduceOnly {
		t.Fatal("reduce_only lost")
	}
}

func TestStopLimitPriceOffsetsThroughTrigger(t *testing.T) {
	// A long's protective stop exits with a sell: limit sits below the
	// trigger so the order trades instead of resting.
	sell := StopLimitPrice(dec("100"), domain.SideSell)
	if !sell.Equal(dec("99.9")) {
		t.Fatalf("sell stop limit = %s", sell)
	}
	buy := StopLimitPrice(dec("100"), domain.SideBuy)
	if !buy.Equal(dec("100.1")) {
		t.Fatalf("buy stop limit = %s", buy)
	}
}
