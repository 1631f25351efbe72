package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	OrderTypeLimit           OrderType = "limit"
	OrderTypeMarket          OrderType = "market"
	OrderTypeStopLoss        OrderType = "stop-loss"
	OrderTypeStopLossLimit   OrderType = "stop-loss-limit"
	OrderTypeTakeProfit      OrderType = "take-profit"
	OrderTypeTakeProfitLimit OrderType = "take-profit-limit"
)

// RequiresLimitPrice reports whether the order type carries an explicit
// limit price on the wire.
func (t OrderType) RequiresLimitPrice() bool {
	switch t {
	case OrderTypeLimit, OrderTypeStopLossLimit, OrderTypeTakeProfitLimit:
		return true
	}
	return false
}

// RequiresTrigger reports whether the order type activates off a trigger
// price instead of resting in the book directly.
func (t OrderType) RequiresTrigger() bool {
	switch t {
	case OrderTypeStopLoss, OrderTypeStopLossLimit, OrderTypeTakeProfit, OrderTypeTakeProfitLimit:
		return true
	}
	return false
}

type TimeInForce string

const (
	TIFGTC TimeInForce = "gtc"
	TIFGTD TimeInForce = "gtd"
	TIFIOC TimeInForce = "ioc"
)

type TriggerReference string

const (
	TriggerReferenceLast  TriggerReference = "last"
	TriggerReferenceIndex TriggerReference = "index"
)

type Trigger struct {
	Reference TriggerReference
	Price     decimal.Decimal
}

// OrderIntent is the logical order a caller wants placed, before any wire
// mapping or instrument quantization.
type OrderIntent struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         decimal.Decimal
	LimitPrice  *decimal.Decimal
	Trigger     *Trigger
	TimeInForce TimeInForce
	PostOnly    bool
	ReduceOnly  bool
	// ClientOrderID is the caller-assigned idempotency key, 18 chars max.
	ClientOrderID string
	UserRef       *int64
	ExpireAt      *time.Time
}

type ValidationReason string

const (
	ReasonNotionalExceeded    ValidationReason = "NOTIONAL_EXCEEDED"
	ReasonMissingLimitPrice   ValidationReason = "MISSING_LIMIT_PRICE"
	ReasonMissingTrigger      ValidationReason = "MISSING_TRIGGER"
	ReasonDustLeg             ValidationReason = "DUST_LEG"
	ReasonPositionAlreadyOpen ValidationReason = "POSITION_ALREADY_OPEN"
	ReasonBelowMinimum        ValidationReason = "BELOW_MINIMUM"
)

// ValidationError rejects an intent before anything is sent. It is never
// retried.
type ValidationError struct {
	Reason ValidationReason
	Detail string
}

func (e ValidationError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func Validation(reason ValidationReason, format string, args ...any) ValidationError {
	return ValidationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
