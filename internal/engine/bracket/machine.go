package bracket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/rjkroon/brackd/internal/domain"
	"github.com/rjkroon/brackd/internal/executor"
	"github.com/rjkroon/brackd/internal/kraken"
)

// Transport is the slice of the stream session the machine sends through.
type Transport interface {
	Call(ctx context.Context, method string, params any) (kraken.Frame, error)
}

// fillEpsilon absorbs venue rounding noise when comparing quantities.
var fillEpsilon = decimal.New(1, -9)

type Options struct {
	Plan      domain.BracketPlan
	Builder   *executor.Builder
	Ledger    *executor.Ledger
	Transport Transport
	Truth     executor.ExchangeTruth
	Log       *logrus.Entry
	Now       func() time.Time

	// FillTimeout bounds the wait for the entry to fill.
	FillTimeout time.Duration
	// ProtectRetries bounds transport retries for the protective stop.
	ProtectRetries int
}

// Machine drives one bracket plan through its lifecycle: entry, fill
// accumulation, protective stop plus resting take-profit schedule, break-even
// promotion, terminal exit. Every transition is written to the ledger before
// the next send, so a restarted process resumes instead of re-ordering.
type Machine struct {
	plan      domain.BracketPlan
	builder   *executor.Builder
	ledger    *executor.Ledger
	transport Transport
	truth     executor.ExchangeTruth
	log       *logrus.Entry
	now       func() time.Time

	fillTimeout    time.Duration
	protectRetries int

	state domain.ExecutionState

	// Fill accumulation. Exchange-reported cumulative figures are
	// authoritative; the self-computed weighted average is the fallback
	// when the venue omits avg_price.
	filledQty    decimal.Decimal
	exchangeAvg  decimal.Decimal
	selfNotional decimal.Decimal
	selfQty      decimal.Decimal

	slClientID  string
	slTrigger   decimal.Decimal
	slExchOrder string
	beArmed     bool

	tpClientIDs map[string]int
	tpFilled    decimal.Decimal

	entryCancelRequested bool
	slCancelRequested    bool
	lastError            string
}

func NewMachine(opts Options) *Machine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.FillTimeout <= 0 {
		opts.FillTimeout = 300 * time.Second
	}
	if opts.ProtectRetries <= 0 {
		opts.ProtectRetries = 3
	}
	return &Machine{
		plan:           opts.Plan,
		builder:        opts.Builder,
		ledger:         opts.Ledger,
		transport:      opts.Transport,
		truth:          opts.Truth,
		log:            opts.Log.WithField("plan_id", opts.Plan.ID),
		now:            opts.Now,
		fillTimeout:    opts.FillTimeout,
		protectRetries: opts.ProtectRetries,
		state:          domain.StatePendingEntry,
		slClientID:     domain.LegClientID(opts.Plan.ID, domain.RoleStopLoss, 0),
		tpClientIDs:    make(map[string]int),
	}
}

func (m *Machine) State() domain.ExecutionState { return m.state }

func (m *Machine) FilledQty() decimal.Decimal { return m.filledQty }

// AvgFillPrice prefers the venue's own average and falls back to the
// quantity-weighted average of observed trades.
func (m *Machine) AvgFillPrice() decimal.Decimal {
	if m.exchangeAvg.Sign() > 0 {
		return m.exchangeAvg
	}
	if m.selfQty.Sign() > 0 {
		return m.selfNotional.Div(m.selfQty)
	}
	return decimal.Zero
}

func (m *Machine) setState(ctx context.Context, st domain.ExecutionState) {
	if m.state == st {
		return
	}
	m.log.WithFields(logrus.Fields{"from": string(m.state), "to": string(st)}).Info("plan state")
	m.state = st
	if err := m.ledger.UpdatePlan(ctx, m.plan.ID, st, m.filledQty.String(), m.AvgFillPrice().String(), m.lastError); err != nil {
		m.log.WithError(err).Error("plan state persist failed")
	}
}

// Run drives the plan to a terminal state or until ctx is canceled.
func (m *Machine) Run(ctx context.Context, execs <-chan kraken.Execution, ticks <-chan kraken.Ticker) (domain.ExecutionState, error) {
	if err := m.PlaceEntry(ctx); err != nil {
		return m.state, err
	}
	if m.state.Terminal() {
		return m.state, nil
	}
	if err := m.awaitEntryFill(ctx, execs); err != nil {
		return m.state, err
	}
	if m.state.Terminal() {
		return m.state, nil
	}
	if err := m.Protect(ctx); err != nil {
		return m.state, err
	}
	if m.state.Terminal() {
		return m.state, nil
	}
	m.PlaceTakeProfits(ctx)
	return m.watch(ctx, execs, ticks)
}

// PlaceEntry sends the entry leg, gated by the ledger: a client id that has
// ever been sent is resolved against exchange truth instead of re-sent.
func (m *Machine) PlaceEntry(ctx context.Context) error {
	if err := m.ledger.SavePlan(ctx, m.plan); err != nil {
		// An existing row means this plan is a resume, not a duplicate.
		m.log.WithError(err).Debug("plan already persisted")
	}
	leg := m.plan.Entry
	sent, rec, err := m.ledger.AlreadySent(ctx, leg.ClientID)
	if err != nil {
		return err
	}
	if sent {
		return m.resumeLeg(ctx, rec.ClientOrderID)
	}
	if rec.ClientOrderID == "" {
		if err := m.ledger.CreateLeg(ctx, m.plan.ID, leg); err != nil {
			return err
		}
	}
	params, err := m.builder.Build(leg.Intent)
	if err != nil {
		var verr domain.ValidationError
		if errors.As(err, &verr) {
			m.lastError = verr.Error()
			m.failLeg(ctx, leg.ClientID, string(verr.Reason), verr.Detail)
			m.setState(ctx, domain.StateRejected)
			return nil
		}
		return err
	}
	if err := m.sendAdd(ctx, leg.ClientID, params); err != nil {
		var perr *kraken.ProtocolError
		if errors.As(err, &perr) {
			m.lastError = perr.Message
			m.setState(ctx, domain.StateRejected)
			return nil
		}
		return err
	}
	m.setState(ctx, domain.StateEntryAcked)
	return nil
}

// resumeLeg settles a previously-sent client id after a restart.
func (m *Machine) resumeLeg(ctx context.Context, clientID string) error {
	_, rec, err := m.ledger.AlreadySent(ctx, clientID)
	if err != nil {
		return err
	}
	switch executor.LegState(rec.State) {
	case executor.LegAcked, executor.LegConfirmed:
		m.setState(ctx, domain.StateEntryAcked)
		return nil
	case executor.LegSentUnknown:
		if err := executor.ResolveSentUnknown(ctx, m.ledger, m.truth, rec, 3, 3*time.Second); err != nil {
			return fmt.Errorf("resolve %s: %w", clientID, err)
		}
		return m.resumeLeg(ctx, clientID)
	case executor.LegNotFound:
		// Venue never saw it. The id is burned; the caller starts a new
		// plan rather than reusing it.
		m.lastError = "entry never reached the venue"
		m.setState(ctx, domain.StateRejected)
		return nil
	case executor.LegFailed:
		m.setState(ctx, domain.StateRejected)
		return nil
	}
	return fmt.Errorf("leg %s in unexpected state %s", clientID, rec.State)
}

// sendAdd is the one path to the wire for add_order: ledger write first,
// then the send, then the ack outcome.
func (m *Machine) sendAdd(ctx context.Context, clientID string, params kraken.AddOrderParams) error {
	if err := m.ledger.MarkSentUnknown(ctx, clientID); err != nil {
		return err
	}
	frame, err := m.transport.Call(ctx, kraken.MethodAddOrder, &params)
	if err != nil {
		var perr *kraken.ProtocolError
		if errors.As(err, &perr) {
			m.failLeg(ctx, clientID, "PROTOCOL", perr.Message)
			return err
		}
		// Transport failure or timeout: the send stays SENT_UNKNOWN until
		// exchange truth settles it.
		return err
	}
	var result kraken.AddOrderResult
	if len(frame.Result) > 0 {
		if err := json.Unmarshal(frame.Result, &result); err != nil {
			m.log.WithError(err).Warn("add_order result decode")
		}
	}
	if err := m.ledger.MarkAcked(ctx, clientID, result.OrderID); err != nil {
		return err
	}
	return nil
}

func (m *Machine) failLeg(ctx context.Context, clientID, code, detail string) {
	if err := m.ledger.MarkFailed(ctx, clientID, code, detail); err != nil {
		m.log.WithError(err).Error("ledger mark failed")
	}
}

// awaitEntryFill consumes executions until the entry is fully filled or the
// fill timeout lapses. On timeout the entry is cancelled best-effort: a
// partial fill proceeds to protection, an empty one rejects the plan.
func (m *Machine) awaitEntryFill(ctx context.Context, execs <-chan kraken.Execution) error {
	deadline := time.NewTimer(m.fillTimeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case exec, ok := <-execs:
			if !ok {
				return fmt.Errorf("executions stream closed")
			}
			m.ApplyExecution(ctx, exec)
			if m.state == domain.StateEntryFilled {
				return nil
			}
			if m.state.Terminal() {
				return nil
			}
		case <-deadline.C:
			return m.entryTimeout(ctx)
		}
	}
}

func (m *Machine) entryTimeout(ctx context.Context) error {
	m.log.WithField("filled", m.filledQty.String()).Warn("entry fill timeout, cancelling")
	m.entryCancelRequested = true
	if _, err := m.transport.Call(ctx, kraken.MethodCancelOrder, &kraken.CancelOrderParams{
		ClOrdID: []string{m.plan.Entry.ClientID},
	}); err != nil {
		m.log.WithError(err).Warn("entry cancel failed")
	}
	if m.filledQty.GreaterThan(fillEpsilon) {
		// Protect whatever filled.
		m.setState(ctx, domain.StateEntryFilled)
		return nil
	}
	m.lastError = "entry fill timeout"
	m.setState(ctx, domain.StateRejected)
	return nil
}

// ApplyExecution folds one executions event into the machine. Replayed
// events are harmless: fills advance on the venue's cumulative quantity, not
// by summing deltas.
func (m *Machine) ApplyExecution(ctx context.Context, exec kraken.Execution) {
	switch exec.ClOrdID {
	case m.plan.Entry.ClientID:
		m.applyEntryExecution(ctx, exec)
	case m.slClientID:
		m.applyStopExecution(ctx, exec)
	default:
		if _, ok := m.tpClientIDs[exec.ClOrdID]; ok {
			m.applyTakeProfitExecution(ctx, exec)
		}
	}
}

func (m *Machine) applyEntryExecution(ctx context.Context, exec kraken.Execution) {
	if exec.ExecType == kraken.ExecTypeTrade || exec.ExecType == kraken.ExecTypeFilled {
		if exec.CumQty.GreaterThan(m.filledQty.Add(fillEpsilon)) {
			delta := exec.CumQty.Sub(m.filledQty)
			m.filledQty = exec.CumQty
			if exec.LastPrice.Sign() > 0 {
				m.selfNotional = m.selfNotional.Add(delta.Mul(exec.LastPrice))
				m.selfQty = m.selfQty.Add(delta)
			}
		}
		if exec.AvgPrice.Sign() > 0 {
			m.exchangeAvg = exec.AvgPrice
		}
	}
	switch exec.OrderStatus {
	case kraken.OrderStatusFilled:
		if err := m.ledger.MarkConfirmed(ctx, m.plan.Entry.ClientID, exec.OrderID); err != nil {
			m.log.WithError(err).Error("entry confirm persist")
		}
		m.setState(ctx, domain.StateEntryFilled)
	case kraken.OrderStatusCanceled, kraken.OrderStatusExpired:
		if m.filledQty.GreaterThan(fillEpsilon) {
			m.setState(ctx, domain.StateEntryFilled)
			return
		}
		if m.entryCancelRequested {
			m.lastError = "entry cancelled before fill"
			m.setState(ctx, domain.StateRejected)
		} else {
			m.setState(ctx, domain.StateExitedManual)
		}
	}
}

func (m *Machine) applyStopExecution(ctx context.Context, exec kraken.Execution) {
	switch exec.OrderStatus {
	case kraken.OrderStatusFilled:
		if err := m.ledger.MarkConfirmed(ctx, m.slClientID, exec.OrderID); err != nil {
			m.log.WithError(err).Error("stop confirm persist")
		}
		for clientID := range m.tpClientIDs {
			m.cancelLeg(ctx, clientID)
		}
		m.setState(ctx, domain.StateExitedSL)
	case kraken.OrderStatusCanceled, kraken.OrderStatusExpired:
		if !m.slCancelRequested {
			m.log.Warn("protective stop cancelled externally")
			m.setState(ctx, domain.StateExitedManual)
		}
	default:
		if exec.OrderID != "" && m.slExchOrder == "" {
			m.slExchOrder = exec.OrderID
		}
	}
}

func (m *Machine) applyTakeProfitExecution(ctx context.Context, exec kraken.Execution) {
	if exec.ExecType == kraken.ExecTypeTrade || exec.ExecType == kraken.ExecTypeFilled {
		if exec.LastQty.Sign() > 0 {
			m.tpFilled = m.tpFilled.Add(exec.LastQty)
			// First take-profit trade locks in break-even on the resting
			// stop even if the arming tick was never observed. A trade
			// that already closes the whole position needs no amend.
			if !m.beArmed && m.tpFilled.LessThan(m.filledQty.Sub(fillEpsilon)) {
				m.armBreakEven(ctx, m.AvgFillPrice())
			}
		}
	}
	if exec.OrderStatus == kraken.OrderStatusFilled &&
		m.tpFilled.GreaterThanOrEqual(m.filledQty.Sub(fillEpsilon)) {
		if err := m.ledger.MarkConfirmed(ctx, exec.ClOrdID, exec.OrderID); err != nil {
			m.log.WithError(err).Error("tp confirm persist")
		}
		m.slCancelRequested = true
		m.cancelLeg(ctx, m.slClientID)
		m.setState(ctx, domain.StateExitedTP)
	}
}

// Protect places the stop-loss off the average fill price. Failures retry a
// bounded number of times; exhausting them leaves the position unprotected,
// which is the loudest condition this process knows.
func (m *Machine) Protect(ctx context.Context) error {
	avg := m.AvgFillPrice()
	if avg.Sign() <= 0 || m.filledQty.Sign() <= 0 {
		return fmt.Errorf("protect without a fill")
	}
	trigger := m.stopTrigger(avg)
	intent := m.stopIntent(trigger)

	sent, rec, err := m.ledger.AlreadySent(ctx, m.slClientID)
	if err != nil {
		return err
	}
	if sent {
		// A replayed protect after reconnect: the stop may already be
		// resting. Settle truth instead of duplicating it.
		if executor.LegState(rec.State) == executor.LegSentUnknown {
			if err := executor.ResolveSentUnknown(ctx, m.ledger, m.truth, rec, 3, 3*time.Second); err != nil {
				return err
			}
			_, rec, err = m.ledger.AlreadySent(ctx, m.slClientID)
			if err != nil {
				return err
			}
		}
		switch executor.LegState(rec.State) {
		case executor.LegAcked, executor.LegConfirmed:
			m.slTrigger = trigger
			m.setState(ctx, domain.StateProtected)
			return nil
		case executor.LegFailed:
			m.lastError = rec.LastErrorDetail
			m.setState(ctx, domain.StateFailed)
			return fmt.Errorf("stop leg failed terminally: %s", rec.LastErrorCode)
		case executor.LegNotFound:
			// The venue never saw the id: safe to send it now.
		}
	}
	if rec.ClientOrderID == "" {
		leg := domain.Leg{Role: domain.RoleStopLoss, Index: 0, ClientID: m.slClientID, Intent: intent}
		if err := m.ledger.CreateLeg(ctx, m.plan.ID, leg); err != nil {
			return err
		}
	}

	params, err := m.builder.Build(intent)
	if err != nil {
		m.lastError = err.Error()
		m.setState(ctx, domain.StateFailed)
		m.log.WithError(err).Error("POSITION UNPROTECTED: stop build rejected")
		return err
	}
	var lastErr error
	for attempt := 0; attempt < m.protectRetries; attempt++ {
		lastErr = m.sendAdd(ctx, m.slClientID, params)
		if lastErr == nil {
			m.slTrigger = trigger
			m.setState(ctx, domain.StateProtected)
			return nil
		}
		var perr *kraken.ProtocolError
		if errors.As(lastErr, &perr) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second << uint(attempt)):
		}
	}
	m.lastError = lastErr.Error()
	m.setState(ctx, domain.StateFailed)
	m.log.WithError(lastErr).WithFields(logrus.Fields{
		"symbol": m.plan.Symbol,
		"qty":    m.filledQty.String(),
	}).Error("POSITION UNPROTECTED: stop placement failed")
	return lastErr
}

func (m *Machine) stopTrigger(avg decimal.Decimal) decimal.Decimal {
	if m.plan.Side == domain.SideBuy {
		return avg.Mul(decimal.NewFromInt(1).Sub(m.plan.StopLossPct))
	}
	return avg.Mul(decimal.NewFromInt(1).Add(m.plan.StopLossPct))
}

func (m *Machine) stopLimit(trigger decimal.Decimal) decimal.Decimal {
	return executor.StopLimitPrice(trigger, m.plan.Side.Opposite())
}

func (m *Machine) stopIntent(trigger decimal.Decimal) domain.OrderIntent {
	limit := m.stopLimit(trigger)
	return domain.OrderIntent{
		Symbol:        m.plan.Symbol,
		Side:          m.plan.Side.Opposite(),
		Type:          domain.OrderTypeStopLossLimit,
		Qty:           m.filledQty,
		LimitPrice:    &limit,
		Trigger:       &domain.Trigger{Reference: domain.TriggerReferenceLast, Price: trigger},
		TimeInForce:   domain.TIFGTC,
		ReduceOnly:    true,
		ClientOrderID: m.slClientID,
	}
}
