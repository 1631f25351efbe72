package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/rjkroon/brackd/internal/audit"
	"github.com/rjkroon/brackd/internal/config"
	"github.com/rjkroon/brackd/internal/domain"
	"github.com/rjkroon/brackd/internal/engine/bracket"
	"github.com/rjkroon/brackd/internal/executor"
	"github.com/rjkroon/brackd/internal/kraken"
	"github.com/rjkroon/brackd/internal/observability"
	"github.com/rjkroon/brackd/internal/stream"
)

// BracketOptions selects what one brackd run trades. A zero Qty sizes the
// entry from the free quote balance; a zero LimitPrice enters at market.
// Reconcile clears resting sells and protects existing inventory before the
// entry goes out, and relaxes the one-position gate accordingly.
type BracketOptions struct {
	Side         domain.Side
	Qty          decimal.Decimal
	LimitPrice   decimal.Decimal
	ValidateOnly bool
	Reconcile    bool
}

// RunBracket drives one bracket plan end to end: settle any quarantined
// sends, connect the private stream, place the entry, and follow the plan to
// a terminal state.
func (a *App) RunBracket(ctx context.Context, opts BracketOptions) (domain.ExecutionState, error) {
	log := observability.Component(a.Log, "bracket")

	if err := a.settleQuarantined(ctx); err != nil {
		return "", err
	}

	info, err := a.REST.AssetPair(ctx, a.Cfg.Pair)
	if err != nil {
		return "", fmt.Errorf("instrument metadata: %w", err)
	}
	inst := executor.InstrumentFromPairInfo(info)
	inst.Symbol = a.Cfg.WSSymbol

	qty, limit, err := a.sizeEntry(ctx, opts, inst)
	if err != nil {
		return "", err
	}
	plan := BuildPlan(a.Cfg, opts.Side, qty, limit)
	log.WithFields(map[string]any{
		"plan_id": plan.ID,
		"side":    string(plan.Side),
		"qty":     qty.String(),
	}).Info("plan built")
	if err := a.Trail.Write(audit.Record{
		Event:   audit.EventPlanCreated,
		PlanID:  plan.ID,
		ClOrdID: plan.Entry.ClientID,
		Symbol:  plan.Symbol,
		Data: map[string]any{
			"side":           string(plan.Side),
			"qty":            qty.String(),
			"limit_price":    limit.String(),
			"stop_loss_pct":  a.Cfg.StopLossPct,
			"break_even_pct": a.Cfg.BreakEvenPct,
		},
	}); err != nil {
		log.WithError(err).Warn("audit plan record")
	}

	builder := executor.NewBuilder(inst, executor.Policy{
		MaxNotional:     decimal.NewFromFloat(a.Cfg.NotionalCap),
		OnePositionOnly: !opts.Reconcile,
		ValidateOnly:    opts.ValidateOnly,
		Deadline:        a.Cfg.OrderDeadline(),
	}, a.positionChecker(), nil)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := a.Session.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("stream run ended")
		}
	}()
	if err := a.waitReady(runCtx); err != nil {
		return "", fmt.Errorf("stream ready: %w", err)
	}

	if opts.Reconcile {
		if err := a.reconcileExisting(runCtx, inst, builder, log); err != nil {
			return "", err
		}
	}

	execFrames, err := a.Session.Subscribe(runCtx, kraken.SubscribeParams{
		Channel: kraken.ChannelExecutions,
	})
	if err != nil {
		return "", fmt.Errorf("subscribe executions: %w", err)
	}
	tickFrames, err := a.Session.Subscribe(runCtx, kraken.SubscribeParams{
		Channel: kraken.ChannelTicker,
		Symbol:  []string{a.Cfg.WSSymbol},
	})
	if err != nil {
		return "", fmt.Errorf("subscribe ticker: %w", err)
	}

	execs := make(chan kraken.Execution, 256)
	ticks := make(chan kraken.Ticker, 256)
	go pumpExecutions(runCtx, execFrames, execs, a.Trail, log)
	go pumpTickers(runCtx, tickFrames, ticks, log)

	machine := bracket.NewMachine(bracket.Options{
		Plan:        plan,
		Builder:     builder,
		Ledger:      a.Ledger,
		Transport:   a.Session,
		Truth:       a.REST,
		Log:         log,
		FillTimeout: a.Cfg.FillTimeout(),
	})
	return machine.Run(runCtx, execs, ticks)
}

// settleQuarantined resolves every SENT_UNKNOWN leg against exchange truth
// before anything new goes out. A leg that stays unresolved blocks the run.
func (a *App) settleQuarantined(ctx context.Context) error {
	recs, err := a.Ledger.PendingSentUnknown(ctx, 100)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		err := executor.ResolveSentUnknown(ctx, a.Ledger, a.REST, rec, 3, 3*time.Second)
		if errors.Is(err, executor.ErrSentUnknown) {
			return fmt.Errorf("leg %s still unresolved, refusing to trade", rec.ClientOrderID)
		}
		if err != nil {
			return err
		}
		a.Log.WithField("cl_ord_id", rec.ClientOrderID).Info("quarantined leg settled")
	}
	return nil
}

// reconcileExisting cancels resting sells on the pair and installs one
// protective stop for any non-dust base inventory, so a new plan never starts
// on top of unmanaged orders. The stop belongs to no plan and is sent outside
// the leg ledger; it is the janitor's to manage afterwards.
func (a *App) reconcileExisting(ctx context.Context, inst executor.Instrument, builder *executor.Builder, log *logrus.Entry) error {
	orders, err := a.REST.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("reconcile open orders: %w", err)
	}
	for _, o := range orders {
		if o.Pair != a.Cfg.Pair || o.Side != "sell" {
			continue
		}
		if err := a.REST.CancelOrder(ctx, o.ExchangeOrderID); err != nil {
			return fmt.Errorf("reconcile cancel %s: %w", o.ExchangeOrderID, err)
		}
		log.WithField("order_id", o.ExchangeOrderID).Info("existing sell cancelled")
		a.corrective(log, o.ClOrdID, map[string]any{
			"action":   "cancel_existing_sell",
			"order_id": o.ExchangeOrderID,
		})
	}

	balances, err := a.REST.Balance(ctx)
	if err != nil {
		return fmt.Errorf("reconcile balance: %w", err)
	}
	qty := executor.QuantizeQty(balances[a.Cfg.BaseAsset], inst)
	if qty.LessThan(decimal.NewFromFloat(a.Cfg.DustQty)) {
		return nil
	}
	last, err := a.REST.TickerLast(ctx, a.Cfg.Pair)
	if err != nil {
		return fmt.Errorf("reconcile reference price: %w", err)
	}
	if qty.Mul(last).LessThan(decimal.NewFromFloat(a.Cfg.DustNotional)) {
		return nil
	}

	trigger := last.Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(a.Cfg.StopLossPct)))
	limit := executor.StopLimitPrice(trigger, domain.SideSell)
	clientID := domain.LegClientID(domain.NewPlanID(), domain.RoleStopLoss, 0)
	params, err := builder.Build(domain.OrderIntent{
		Symbol:        a.Cfg.WSSymbol,
		Side:          domain.SideSell,
		Type:          domain.OrderTypeStopLossLimit,
		Qty:           qty,
		LimitPrice:    &limit,
		Trigger:       &domain.Trigger{Reference: domain.TriggerReferenceLast, Price: trigger},
		TimeInForce:   domain.TIFGTC,
		ReduceOnly:    true,
		ClientOrderID: clientID,
	})
	if err != nil {
		return fmt.Errorf("reconcile stop build: %w", err)
	}
	if _, err := a.Session.Call(ctx, kraken.MethodAddOrder, &params); err != nil {
		return fmt.Errorf("reconcile stop send: %w", err)
	}
	log.WithFields(map[string]any{
		"cl_ord_id": clientID,
		"qty":       qty.String(),
		"trigger":   trigger.String(),
	}).Info("existing inventory protected")
	a.corrective(log, clientID, map[string]any{
		"action":  "protect_existing_inventory",
		"qty":     qty.String(),
		"trigger": trigger.String(),
	})
	return nil
}

func (a *App) corrective(log *logrus.Entry, clOrdID string, data map[string]any) {
	if a.Trail == nil {
		return
	}
	err := a.Trail.Write(audit.Record{
		Event:   audit.EventCorrective,
		ClOrdID: clOrdID,
		Symbol:  a.Cfg.WSSymbol,
		Data:    data,
	})
	if err != nil {
		log.WithError(err).Warn("audit corrective record")
	}
}

// sizeEntry resolves the entry quantity and limit price. Balance sizing uses
// the last trade as the reference when no limit is given.
func (a *App) sizeEntry(ctx context.Context, opts BracketOptions, inst executor.Instrument) (qty, limit decimal.Decimal, err error) {
	limit = opts.LimitPrice
	if opts.Qty.Sign() > 0 {
		return opts.Qty, limit, nil
	}
	ref := limit
	if ref.Sign() <= 0 {
		ref, err = a.REST.TickerLast(ctx, a.Cfg.Pair)
		if err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("sizing reference price: %w", err)
		}
	}
	balances, err := a.REST.Balance(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("sizing balance: %w", err)
	}
	qty, err = executor.EntryQty(
		balances[a.Cfg.QuoteAsset],
		ref,
		decimal.NewFromFloat(a.Cfg.MaxBalancePct),
		decimal.NewFromFloat(a.Cfg.NotionalCap),
		inst,
	)
	return qty, limit, err
}

// positionChecker treats a base balance above the dust thresholds as an open
// position.
func (a *App) positionChecker() executor.PositionChecker {
	return func(symbol string) (bool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		balances, err := a.REST.Balance(ctx)
		if err != nil {
			return false, err
		}
		base := balances[a.Cfg.BaseAsset]
		return base.GreaterThanOrEqual(decimal.NewFromFloat(a.Cfg.DustQty)), nil
	}
}

func (a *App) waitReady(ctx context.Context) error {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if a.Session.State() == stream.StateReady {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// BuildPlan assembles a bracket plan from the configured schedule. Leg client
// ids derive from the plan id, so the same plan resumed after a restart keeps
// its idempotency keys.
func BuildPlan(cfg config.Config, side domain.Side, qty, limit decimal.Decimal) domain.BracketPlan {
	id := domain.NewPlanID()
	entryID := domain.LegClientID(id, domain.RoleEntry, 0)

	intent := domain.OrderIntent{
		Symbol:        cfg.WSSymbol,
		Side:          side,
		Type:          domain.OrderTypeMarket,
		Qty:           qty,
		TimeInForce:   domain.TIFGTC,
		ClientOrderID: entryID,
	}
	if limit.Sign() > 0 {
		l := limit
		intent.Type = domain.OrderTypeLimit
		intent.LimitPrice = &l
	}

	tps := make([]domain.TPLevel, 0, len(cfg.TakeProfits))
	for _, lv := range cfg.TakeProfits {
		tps = append(tps, domain.TPLevel{
			Pct:     decimal.NewFromFloat(lv.Pct),
			SizePct: decimal.NewFromFloat(lv.SizePct),
		})
	}

	return domain.BracketPlan{
		ID:     id,
		Symbol: cfg.WSSymbol,
		Side:   side,
		Entry: domain.Leg{
			Role:     domain.RoleEntry,
			Index:    0,
			ClientID: entryID,
			Intent:   intent,
		},
		StopLossPct:  decimal.NewFromFloat(cfg.StopLossPct),
		BreakEvenPct: decimal.NewFromFloat(cfg.BreakEvenPct),
		TakeProfits:  tps,
	}
}
