package bracket

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/rjkroon/brackd/internal/domain"
	"github.com/rjkroon/brackd/internal/executor"
	"github.com/rjkroon/brackd/internal/kraken"
)

// watch consumes executions and ticks until the plan reaches a terminal
// state. Ticks drive the break-even promotion; executions drive fills and
// exits. The stop and the take-profit legs rest on the venue the whole time.
func (m *Machine) watch(ctx context.Context, execs <-chan kraken.Execution, ticks <-chan kraken.Ticker) (domain.ExecutionState, error) {
	for !m.state.Terminal() {
		select {
		case <-ctx.Done():
			return m.state, ctx.Err()
		case exec, ok := <-execs:
			if !ok {
				return m.state, errors.New("executions stream closed")
			}
			m.ApplyExecution(ctx, exec)
		case tick, ok := <-ticks:
			if !ok {
				return m.state, errors.New("ticker stream closed")
			}
			if tick.Symbol == m.plan.Symbol && tick.Last.Sign() > 0 {
				m.OnTick(ctx, tick.Last)
			}
		}
	}
	return m.state, nil
}

// OnTick arms break-even once the last trade clears the configured level. The
// take-profit legs need no tick watching: they are venue-side trigger orders.
func (m *Machine) OnTick(ctx context.Context, last decimal.Decimal) {
	if m.state != domain.StateProtected && m.state != domain.StateBreakevenArmed {
		return
	}
	avg := m.AvgFillPrice()
	if avg.Sign() <= 0 {
		return
	}
	if !m.beArmed && m.plan.BreakEvenPct.Sign() > 0 &&
		m.reached(last, m.targetPrice(avg, m.plan.BreakEvenPct)) {
		m.armBreakEven(ctx, avg)
	}
}

func (m *Machine) reached(last, target decimal.Decimal) bool {
	if m.plan.Side == domain.SideBuy {
		return last.GreaterThanOrEqual(target)
	}
	return last.LessThanOrEqual(target)
}

func (m *Machine) targetPrice(avg, pct decimal.Decimal) decimal.Decimal {
	if m.plan.Side == domain.SideBuy {
		return avg.Mul(decimal.NewFromInt(1).Add(pct))
	}
	return avg.Mul(decimal.NewFromInt(1).Sub(pct))
}

// armBreakEven amends the resting stop to the average fill price. The stop
// only ever tightens: a long's trigger never moves down, a short's never
// moves up. An amend that would loosen it is skipped.
func (m *Machine) armBreakEven(ctx context.Context, avg decimal.Decimal) {
	newTrigger := avg
	if !m.tightens(newTrigger) {
		m.log.WithFields(logrus.Fields{
			"current": m.slTrigger.String(),
			"wanted":  newTrigger.String(),
		}).Debug("break-even amend would loosen the stop, skipped")
		m.beArmed = true
		return
	}
	params := m.builder.BuildAmend(m.slClientID, m.plan.Side.Opposite(), newTrigger, m.stopLimit(newTrigger))
	if _, err := m.transport.Call(ctx, kraken.MethodAmendOrder, &params); err != nil {
		m.log.WithError(err).Warn("break-even amend failed, stop stays at entry level")
		return
	}
	m.slTrigger = newTrigger
	m.beArmed = true
	m.setState(ctx, domain.StateBreakevenArmed)
	m.log.WithField("trigger", newTrigger.String()).Info("stop moved to break-even")
}

func (m *Machine) tightens(newTrigger decimal.Decimal) bool {
	if m.plan.Side == domain.SideBuy {
		return newTrigger.GreaterThan(m.slTrigger)
	}
	return newTrigger.LessThan(m.slTrigger)
}

// PlaceTakeProfits rests the take-profit schedule next to the stop as
// venue-side triggered orders, priced off the average fill. The stop stays in
// place throughout; a leg that fails to go out is logged and skipped, the
// position remains protected.
func (m *Machine) PlaceTakeProfits(ctx context.Context) {
	avg := m.AvgFillPrice()
	if avg.Sign() <= 0 || m.filledQty.Sign() <= 0 || len(m.plan.TakeProfits) == 0 {
		return
	}
	legs := m.takeProfitLegs(avg)
	if len(legs) == 0 {
		m.log.Warn("take-profit schedule quantized away, stop only")
		return
	}
	placed := 0
	for _, leg := range legs {
		if err := m.placeTakeProfitLeg(ctx, leg); err != nil {
			m.log.WithError(err).WithField("cl_ord_id", leg.ClientID).
				Error("take-profit placement failed, stop still resting")
			continue
		}
		placed++
	}
	m.log.WithField("legs", placed).Info("take-profit schedule resting")
}

func (m *Machine) placeTakeProfitLeg(ctx context.Context, leg domain.Leg) error {
	sent, rec, err := m.ledger.AlreadySent(ctx, leg.ClientID)
	if err != nil {
		return err
	}
	m.tpClientIDs[leg.ClientID] = leg.Index
	if sent {
		if executor.LegState(rec.State) == executor.LegSentUnknown {
			return executor.ResolveSentUnknown(ctx, m.ledger, m.truth, rec, 3, 0)
		}
		return nil
	}
	if rec.ClientOrderID == "" {
		if err := m.ledger.CreateLeg(ctx, m.plan.ID, leg); err != nil {
			return err
		}
	}
	params, err := m.builder.Build(leg.Intent)
	if err != nil {
		return err
	}
	return m.sendAdd(ctx, leg.ClientID, params)
}

// cancelLeg cancels one resting leg best-effort. Already-gone races are fine:
// the executions stream settles what actually happened.
func (m *Machine) cancelLeg(ctx context.Context, clientID string) {
	if _, err := m.transport.Call(ctx, kraken.MethodCancelOrder, &kraken.CancelOrderParams{
		ClOrdID: []string{clientID},
	}); err != nil {
		m.log.WithError(err).WithField("cl_ord_id", clientID).Debug("leg cancel")
	}
}

// takeProfitLegs builds the TP schedule for the filled quantity. Quantities
// conserve the position exactly: all rounding remainders and dust rungs fold
// into the last leg.
func (m *Machine) takeProfitLegs(avg decimal.Decimal) []domain.Leg {
	levels := domain.NormalizeTPSizes(m.plan.TakeProfits)
	qtys := splitTakeProfitQty(m.filledQty, levels, m.builder.Instrument)
	exitSide := m.plan.Side.Opposite()
	legs := make([]domain.Leg, 0, len(levels))
	for i, lv := range levels {
		if qtys[i].Sign() <= 0 {
			continue
		}
		price := m.targetPrice(avg, lv.Pct)
		clientID := domain.LegClientID(m.plan.ID, domain.RoleTakeProfit, i)
		p := price
		legs = append(legs, domain.Leg{
			Role:     domain.RoleTakeProfit,
			Index:    i,
			ClientID: clientID,
			Intent: domain.OrderIntent{
				Symbol:        m.plan.Symbol,
				Side:          exitSide,
				Type:          domain.OrderTypeTakeProfitLimit,
				Qty:           qtys[i],
				LimitPrice:    &p,
				Trigger:       &domain.Trigger{Reference: domain.TriggerReferenceLast, Price: price},
				TimeInForce:   domain.TIFGTC,
				ReduceOnly:    true,
				ClientOrderID: clientID,
			},
		})
	}
	return legs
}

// splitTakeProfitQty apportions filled across the levels: each leg floors to
// the lot step, the last leg takes the remainder, and legs below the venue
// minimum fold into the last viable leg. The returned quantities always sum
// to filled or to zero.
func splitTakeProfitQty(filled decimal.Decimal, levels []domain.TPLevel, inst executor.Instrument) []decimal.Decimal {
	qtys := make([]decimal.Decimal, len(levels))
	if len(levels) == 0 || filled.Sign() <= 0 {
		return qtys
	}
	remaining := filled
	for i := range levels {
		if i == len(levels)-1 {
			qtys[i] = remaining
			remaining = decimal.Zero
			continue
		}
		q := executor.QuantizeQty(filled.Mul(levels[i].SizePct), inst)
		if q.GreaterThan(remaining) {
			q = remaining
		}
		qtys[i] = q
		remaining = remaining.Sub(q)
	}

	last := len(levels) - 1
	for i := 0; i < last; i++ {
		if qtys[i].Sign() > 0 && qtys[i].LessThan(inst.OrderMin) {
			qtys[last] = qtys[last].Add(qtys[i])
			qtys[i] = decimal.Zero
		}
	}
	if qtys[last].Sign() > 0 && qtys[last].LessThan(inst.OrderMin) {
		for i := last - 1; i >= 0; i-- {
			if qtys[i].Sign() > 0 {
				qtys[i] = qtys[i].Add(qtys[last])
				qtys[last] = decimal.Zero
				break
			}
		}
	}
	return qtys
}
