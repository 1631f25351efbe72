package executor

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rjkroon/brackd/internal/domain"
	"github.com/rjkroon/brackd/internal/kraken"
)

// Policy carries the safety knobs applied to every order before it leaves
// the process.
type Policy struct {
	// MaxNotional caps quantity*reference-price per order. Zero disables
	// the cap.
	MaxNotional decimal.Decimal
	// OnePositionOnly rejects new entries while a position is open. The
	// check is advisory: it narrows the race window, the janitor closes it.
	OnePositionOnly bool
	// ValidateOnly submits with exchange-side validation, no execution.
	ValidateOnly bool
	// Deadline is how far ahead of the send the venue deadline is placed.
	Deadline time.Duration
}

// PositionChecker reports whether a position is already open for the symbol.
type PositionChecker func(symbol string) (bool, error)

// Builder turns a validated OrderIntent into wire-ready add_order params.
// All quantization happens here; nothing downstream touches prices or
// quantities again.
type Builder struct {
	Instrument Instrument
	Policy     Policy
	Positions  PositionChecker
	Now        func() time.Time
}

func NewBuilder(inst Instrument, policy Policy, positions PositionChecker, now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	if policy.Deadline <= 0 {
		policy.Deadline = 5 * time.Second
	}
	return &Builder{Instrument: inst, Policy: policy, Positions: positions, Now: now}
}

// Build validates and quantizes the intent. Every rejection carries a
// distinct ValidationReason; a rejected intent is never sent and never
// retried.
func (b *Builder) Build(intent domain.OrderIntent) (kraken.AddOrderParams, error) {
	if b.Policy.OnePositionOnly && b.Positions != nil && intent.Side == domain.SideBuy && !intent.ReduceOnly {
		open, err := b.Positions(intent.Symbol)
		if err != nil {
			return kraken.AddOrderParams{}, err
		}
		if open {
			return kraken.AddOrderParams{}, domain.Validation(domain.ReasonPositionAlreadyOpen,
				"position already open for %s", intent.Symbol)
		}
	}
	if intent.Type.RequiresLimitPrice() && intent.LimitPrice == nil {
		return kraken.AddOrderParams{}, domain.Validation(domain.ReasonMissingLimitPrice,
			"%s order without limit price", intent.Type)
	}
	if intent.Type.RequiresTrigger() && intent.Trigger == nil {
		return kraken.AddOrderParams{}, domain.Validation(domain.ReasonMissingTrigger,
			"%s order without trigger", intent.Type)
	}

	var limit *decimal.Decimal
	if intent.LimitPrice != nil {
		p := QuantizePrice(*intent.LimitPrice, b.Instrument, intent.Side)
		limit = &p
	}
	var trigger *decimal.Decimal
	if intent.Trigger != nil {
		p := QuantizePrice(intent.Trigger.Price, b.Instrument, intent.Side)
		trigger = &p
	}

	qty, err := b.quantizeIntentQty(intent, b.referencePrice(limit, trigger))
	if err != nil {
		return kraken.AddOrderParams{}, err
	}

	params := kraken.AddOrderParams{
		OrderType: string(intent.Type),
		Side:      string(intent.Side),
		OrderQty:  qty.InexactFloat64(),
		Symbol:    intent.Symbol,
		Margin:    false,
		STPType:   "cancel_newest",
		Deadline:  b.Now().Add(b.Policy.Deadline).UTC().Format(time.RFC3339),
		Validate:  b.Policy.ValidateOnly,
		ClOrdID:   intent.ClientOrderID,
	}
	if limit != nil {
		v := limit.InexactFloat64()
		params.LimitPrice = &v
	}
	if trigger != nil {
		params.Triggers = &kraken.TriggerParams{
			Reference: string(intent.Trigger.Reference),
			Price:     trigger.InexactFloat64(),
			PriceType: "static",
		}
	}
	if intent.TimeInForce != "" {
		params.TimeInForce = string(intent.TimeInForce)
	}
	if intent.TimeInForce == domain.TIFGTD && intent.ExpireAt != nil {
		params.ExpireTime = intent.ExpireAt.UTC().Format(time.RFC3339)
	}
	if intent.PostOnly {
		v := true
		params.PostOnly = &v
	}
	if intent.ReduceOnly {
		v := true
		params.ReduceOnly = &v
	}
	if intent.UserRef != nil {
		params.OrderUserRef = intent.UserRef
	}
	return params, nil
}

var stopLimitBuffer = decimal.RequireFromString("0.001")

// StopLimitPrice offsets a stop's limit just through its trigger on the exit
// side, so the order executes instead of resting when the market trades
// through. Every protective stop this process sends prices its limit here.
func StopLimitPrice(trigger decimal.Decimal, exitSide domain.Side) decimal.Decimal {
	if exitSide == domain.SideSell {
		return trigger.Mul(decimal.NewFromInt(1).Sub(stopLimitBuffer))
	}
	return trigger.Mul(decimal.NewFromInt(1).Add(stopLimitBuffer))
}

// BuildAmend produces amend_order params for moving a protective trigger.
// The monotonicity of the move is the state machine's concern; only
// quantization happens here. The amended order is a sell for longs, so the
// trigger rounds with the sell rule.
func (b *Builder) BuildAmend(clientOrderID string, side domain.Side, newTrigger, newLimit decimal.Decimal) kraken.AmendOrderParams {
	trig := QuantizePrice(newTrigger, b.Instrument, side).InexactFloat64()
	lim := QuantizePrice(newLimit, b.Instrument, side).InexactFloat64()
	return kraken.AmendOrderParams{
		ClOrdID:          clientOrderID,
		TriggerPrice:     &trig,
		TriggerPriceType: "static",
		LimitPrice:       &lim,
		Deadline:         b.Now().Add(b.Policy.Deadline).UTC().Format(time.RFC3339),
	}
}

func (b *Builder) referencePrice(limit, trigger *decimal.Decimal) decimal.Decimal {
	if limit != nil {
		return *limit
	}
	if trigger != nil {
		return *trigger
	}
	return decimal.Zero
}

func (b *Builder) quantizeIntentQty(intent domain.OrderIntent, refPrice decimal.Decimal) (decimal.Decimal, error) {
	qty := QuantizeQty(intent.Qty, b.Instrument)

	protective := intent.ReduceOnly || intent.Type.RequiresTrigger()
	if qty.Sign() <= 0 {
		if protective {
			return decimal.Zero, domain.Validation(domain.ReasonDustLeg,
				"%s leg quantity %s rounds to zero", intent.Type, intent.Qty)
		}
		return decimal.Zero, domain.Validation(domain.ReasonBelowMinimum,
			"quantity %s rounds to zero", intent.Qty)
	}

	if qty.LessThan(b.Instrument.OrderMin) {
		if protective {
			return decimal.Zero, domain.Validation(domain.ReasonDustLeg,
				"%s leg quantity %s below ordermin %s", intent.Type, qty, b.Instrument.OrderMin)
		}
		// Raise to the venue minimum only while the notional still fits
		// the cap.
		raised := b.Instrument.OrderMin
		if b.capExceeded(raised, refPrice) {
			return decimal.Zero, domain.Validation(domain.ReasonBelowMinimum,
				"quantity %s below ordermin %s and raising would break the notional cap", qty, b.Instrument.OrderMin)
		}
		qty = raised
	}

	if b.capExceeded(qty, refPrice) {
		return decimal.Zero, domain.Validation(domain.ReasonNotionalExceeded,
			"notional %s exceeds cap %s", qty.Mul(refPrice), b.Policy.MaxNotional)
	}
	return qty, nil
}

func (b *Builder) capExceeded(qty, refPrice decimal.Decimal) bool {
	if b.Policy.MaxNotional.Sign() <= 0 || refPrice.Sign() <= 0 {
		return false
	}
	return qty.Mul(refPrice).GreaterThan(b.Policy.MaxNotional)
}
