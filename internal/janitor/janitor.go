package janitor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/rjkroon/brackd/internal/infra/sqlite"
	"github.com/rjkroon/brackd/internal/kraken"
)

// Source is the exchange-truth surface the reconciler reads.
type Source interface {
	OpenOrders(ctx context.Context) ([]kraken.OpenOrder, error)
	Balance(ctx context.Context) (map[string]decimal.Decimal, error)
	TickerLast(ctx context.Context, pair string) (decimal.Decimal, error)
}

// Canceller executes corrective cancels. *kraken.RESTClient satisfies it.
type Canceller interface {
	CancelOrder(ctx context.Context, txid string) error
}

type ActionKind string

const (
	ActionCancelDanglingSell ActionKind = "CANCEL_DANGLING_SELL"
	ActionFlagAgedOrder      ActionKind = "FLAG_AGED_ORDER"
)

type Action struct {
	Kind            ActionKind
	ExchangeOrderID string
	Symbol          string
	Reason          string
}

type OrderChange struct {
	Before sqlite.MirrorOrderRecord
	After  sqlite.MirrorOrderRecord
}

// Diff is the drift between the last persisted mirror and the venue snapshot.
type Diff struct {
	Added   []sqlite.MirrorOrderRecord
	Changed []OrderChange
	Removed []sqlite.MirrorOrderRecord
	Actions []Action
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0 && len(d.Actions) == 0
}

type Options struct {
	DB     *sql.DB
	Source Source
	Cancel Canceller
	Log    *logrus.Entry
	Now    func() time.Time

	// Pair is the instrument this janitor owns; BaseAsset/QuoteAsset are
	// its balance keys.
	Pair       string
	BaseAsset  string
	QuoteAsset string

	// Positions below either dust threshold do not justify resting sells.
	DustQty      decimal.Decimal
	DustNotional decimal.Decimal

	// Orders resting longer than MaxOrderAge get flagged.
	MaxOrderAge time.Duration

	// DryRun computes and logs; nothing is persisted or cancelled.
	DryRun bool
}

// Reconciler periodically replaces a sqlite mirror of the venue state and
// emits corrective actions for drift: sells with no position behind them are
// cancelled, stale orders are flagged.
type Reconciler struct {
	opts Options
	log  *logrus.Entry
}

func NewReconciler(opts Options) (*Reconciler, error) {
	if opts.DB == nil || opts.Source == nil {
		return nil, fmt.Errorf("janitor: db and source required")
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxOrderAge <= 0 {
		opts.MaxOrderAge = 48 * time.Hour
	}
	return &Reconciler{opts: opts, log: opts.Log}, nil
}

// RunOnce pulls one venue snapshot, diffs it against the mirror, and in live
// mode replaces the mirror atomically and executes the corrective actions.
func (r *Reconciler) RunOnce(ctx context.Context) (Diff, error) {
	now := r.opts.Now()

	orders, err := r.opts.Source.OpenOrders(ctx)
	if err != nil {
		return Diff{}, fmt.Errorf("janitor open orders: %w", err)
	}
	balances, err := r.opts.Source.Balance(ctx)
	if err != nil {
		return Diff{}, fmt.Errorf("janitor balance: %w", err)
	}
	price, err := r.opts.Source.TickerLast(ctx, r.opts.Pair)
	if err != nil {
		return Diff{}, fmt.Errorf("janitor ticker: %w", err)
	}

	baseQty := balances[r.opts.BaseAsset]
	position := sqlite.MirrorPositionRecord{
		Symbol:     r.opts.Pair,
		BaseQty:    baseQty.String(),
		QuoteValue: baseQty.Mul(price).String(),
		SeenAtMs:   now.UnixMilli(),
	}

	next := make([]sqlite.MirrorOrderRecord, 0, len(orders))
	for _, o := range orders {
		if r.opts.Pair != "" && o.Pair != r.opts.Pair {
			continue
		}
		next = append(next, normalizeOrder(o, now))
	}

	prev, err := sqlite.ListMirrorOrders(ctx, r.opts.DB)
	if err != nil {
		return Diff{}, fmt.Errorf("janitor mirror read: %w", err)
	}

	diff := diffOrders(prev, next)
	diff.Actions = r.correctiveActions(next, baseQty, price, now)

	if r.opts.DryRun {
		r.logDiff(diff, true)
		return diff, nil
	}

	if err := sqlite.ReplaceMirror(ctx, r.opts.DB, next, []sqlite.MirrorPositionRecord{position}); err != nil {
		return Diff{}, fmt.Errorf("janitor mirror replace: %w", err)
	}
	r.logDiff(diff, false)
	for _, a := range diff.Actions {
		if a.Kind != ActionCancelDanglingSell || r.opts.Cancel == nil {
			continue
		}
		if err := r.opts.Cancel.CancelOrder(ctx, a.ExchangeOrderID); err != nil {
			r.log.WithError(err).WithField("order", a.ExchangeOrderID).Warn("corrective cancel failed")
		} else {
			r.log.WithField("order", a.ExchangeOrderID).Info("dangling sell cancelled")
		}
	}
	return diff, nil
}

// Run loops RunOnce on the interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil {
			r.log.WithError(err).Warn("reconcile cycle failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) correctiveActions(orders []sqlite.MirrorOrderRecord, baseQty, price decimal.Decimal, now time.Time) []Action {
	var actions []Action
	notional := baseQty.Mul(price)
	positionDust := (r.opts.DustQty.Sign() > 0 && baseQty.LessThan(r.opts.DustQty)) ||
		(r.opts.DustNotional.Sign() > 0 && notional.LessThan(r.opts.DustNotional))

	for _, o := range orders {
		if o.Side == "sell" && positionDust {
			actions = append(actions, Action{
				Kind:            ActionCancelDanglingSell,
				ExchangeOrderID: o.ExchangeOrderID,
				Symbol:          o.Symbol,
				Reason:          fmt.Sprintf("backing position %s (%s quote) below dust thresholds", baseQty, notional),
			})
			continue
		}
		age := now.Sub(time.UnixMilli(o.OpenedAtMs))
		if age > r.opts.MaxOrderAge {
			actions = append(actions, Action{
				Kind:            ActionFlagAgedOrder,
				ExchangeOrderID: o.ExchangeOrderID,
				Symbol:          o.Symbol,
				Reason:          fmt.Sprintf("resting for %s", age.Truncate(time.Minute)),
			})
		}
	}
	return actions
}

func (r *Reconciler) logDiff(diff Diff, dryRun bool) {
	entry := r.log.WithFields(logrus.Fields{
		"added":   len(diff.Added),
		"changed": len(diff.Changed),
		"removed": len(diff.Removed),
		"actions": len(diff.Actions),
		"dry_run": dryRun,
	})
	if diff.Empty() {
		entry.Debug("mirror in sync")
		return
	}
	entry.Info("drift detected")
	for _, a := range diff.Actions {
		r.log.WithFields(logrus.Fields{
			"kind":   string(a.Kind),
			"order":  a.ExchangeOrderID,
			"reason": a.Reason,
		}).Warn("corrective action")
	}
}

func normalizeOrder(o kraken.OpenOrder, now time.Time) sqlite.MirrorOrderRecord {
	rec := sqlite.MirrorOrderRecord{
		ExchangeOrderID: o.ExchangeOrderID,
		Symbol:          o.Pair,
		Side:            o.Side,
		OrderType:       o.OrderType,
		Qty:             o.Volume.String(),
		Status:          o.Status,
		ClientOrderID:   o.ClOrdID,
		OpenedAtMs:      o.OpenedAt.UnixMilli(),
		SeenAtMs:        now.UnixMilli(),
	}
	if o.Price.Sign() > 0 {
		rec.Price = o.Price.String()
	}
	if o.Price2.Sign() > 0 {
		rec.TriggerPrice = o.Price2.String()
	}
	return rec
}

func diffOrders(prev, next []sqlite.MirrorOrderRecord) Diff {
	var diff Diff
	prevByID := make(map[string]sqlite.MirrorOrderRecord, len(prev))
	for _, o := range prev {
		prevByID[o.ExchangeOrderID] = o
	}
	nextIDs := make(map[string]bool, len(next))
	for _, o := range next {
		nextIDs[o.ExchangeOrderID] = true
		before, ok := prevByID[o.ExchangeOrderID]
		if !ok {
			diff.Added = append(diff.Added, o)
			continue
		}
		if orderChanged(before, o) {
			diff.Changed = append(diff.Changed, OrderChange{Before: before, After: o})
		}
	}
	for _, o := range prev {
		if !nextIDs[o.ExchangeOrderID] {
			diff.Removed = append(diff.Removed, o)
		}
	}
	return diff
}

func orderChanged(a, b sqlite.MirrorOrderRecord) bool {
	return a.Status != b.Status || a.Qty != b.Qty || a.Price != b.Price || a.TriggerPrice != b.TriggerPrice
}
