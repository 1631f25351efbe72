package executor

import (
	"github.com/shopspring/decimal"

	"github.com/rjkroon/brackd/internal/domain"
)

// EntryQty sizes an entry from the free quote balance: budget is the smaller
// of freeQuote*maxBalancePct and the notional cap, quantity is budget/price
// floored to the lot step. If that lands below the venue minimum the quantity
// is raised to it only when the needed notional still fits the budget.
func EntryQty(freeQuote, price, maxBalancePct, notionalCap decimal.Decimal, inst Instrument) (decimal.Decimal, error) {
	if price.Sign() <= 0 {
		return decimal.Zero, domain.Validation(domain.ReasonBelowMinimum, "entry price %s not positive", price)
	}
	budget := freeQuote.Mul(maxBalancePct)
	if notionalCap.Sign() > 0 && budget.GreaterThan(notionalCap) {
		budget = notionalCap
	}
	if budget.Sign() <= 0 {
		return decimal.Zero, domain.Validation(domain.ReasonBelowMinimum, "entry budget %s not positive", budget)
	}
	qty := QuantizeQty(budget.Div(price), inst)
	if qty.LessThan(inst.OrderMin) {
		needed := inst.OrderMin.Mul(price)
		if needed.GreaterThan(budget) {
			return decimal.Zero, domain.Validation(domain.ReasonBelowMinimum,
				"budget %s cannot fund ordermin %s at %s", budget, inst.OrderMin, price)
		}
		qty = inst.OrderMin
	}
	return qty, nil
}
