package janitor

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rjkroon/brackd/internal/infra/sqlite"
	"github.com/rjkroon/brackd/internal/kraken"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "state.db"), 1000)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := sqlite.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type fakeSource struct {
	orders   []kraken.OpenOrder
	balances map[string]decimal.Decimal
	price    decimal.Decimal
}

func (f *fakeSource) OpenOrders(ctx context.Context) ([]kraken.OpenOrder, error) {
	return f.orders, nil
}

func (f *fakeSource) Balance(ctx context.Context) (map[string]decimal.Decimal, error) {
	return f.balances, nil
}

func (f *fakeSource) TickerLast(ctx context.Context, pair string) (decimal.Decimal, error) {
	return f.price, nil
}

type fakeCanceller struct {
	cancelled []string
}

func (f *fakeCanceller) CancelOrder(ctx context.Context, txid string) error {
	f.cancelled = append(f.cancelled, txid)
	return nil
}

func fixedNow() time.Time { return time.Unix(1700000000, 0).UTC() }

func newTestReconciler(t *testing.T, db *sql.DB, src *fakeSource, cancel Canceller, dryRun bool) *Reconciler {
	t.Helper()
	r, err := NewReconciler(Options{
		DB:           db,
		Source:       src,
		Cancel:       cancel,
		Now:          fixedNow,
		Pair:         "SOLUSD",
		BaseAsset:    "SOL",
		QuoteAsset:   "ZUSD",
		DustQty:      dec("0.01"),
		DustNotional: dec("1"),
		MaxOrderAge:  48 * time.Hour,
		DryRun:       dryRun,
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return r
}

func restingSell(id string, openedAt time.Time) kraken.OpenOrder {
	return kraken.OpenOrder{
		ExchangeOrderID: id,
		Pair:            "SOLUSD",
		Side:            "sell",
		OrderType:       "limit",
		Price:           dec("160.00"),
		Volume:          dec("1.5"),
		Status:          "open",
		OpenedAt:        openedAt,
	}
}

func TestDryRunComputesDiffWithoutPersisting(t *testing.T) {
	db := openTestDB(t)
	src := &fakeSource{
		orders:   []kraken.OpenOrder{restingSell("OABC-1", fixedNow().Add(-time.Hour))},
		balances: map[string]decimal.Decimal{"SOL": dec("1.5"), "ZUSD": dec("200")},
		price:    dec("150"),
	}
	cancel := &fakeCanceller{}
	r := newTestReconciler(t, db, src, cancel, true)

	diff, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(diff.Added) != 1 || diff.Added[0].ExchangeOrderID != "OABC-1" {
		t.Fatalf("added = %+v", diff.Added)
	}
	if len(diff.Actions) != 0 {
		t.Fatalf("actions = %+v, position is real", diff.Actions)
	}
	if len(cancel.cancelled) != 0 {
		t.Fatal("dry run cancelled orders")
	}
	mirror, err := sqlite.ListMirrorOrders(context.Background(), db)
	if err != nil {
		t.Fatalf("mirror read: %v", err)
	}
	if len(mirror) != 0 {
		t.Fatalf("dry run persisted %d mirror rows", len(mirror))
	}
}

func TestLiveRunReplacesMirrorAndCancelsDanglingSells(t *testing.T) {
	db := openTestDB(t)
	// No SOL behind the resting sell: it is dangling.
	src := &fakeSource{
		orders:   []kraken.OpenOrder{restingSell("OABC-2", fixedNow().Add(-time.Hour))},
		balances: map[string]decimal.Decimal{"SOL": dec("0.001"), "ZUSD": dec("200")},
		price:    dec("150"),
	}
	cancel := &fakeCanceller{}
	r := newTestReconciler(t, db, src, cancel, false)

	diff, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(diff.Actions) != 1 || diff.Actions[0].Kind != ActionCancelDanglingSell {
		t.Fatalf("actions = %+v", diff.Actions)
	}
	if len(cancel.cancelled) != 1 || cancel.cancelled[0] != "OABC-2" {
		t.Fatalf("cancelled = %v", cancel.cancelled)
	}

	mirror, err := sqlite.ListMirrorOrders(context.Background(), db)
	if err != nil {
		t.Fatalf("mirror read: %v", err)
	}
	if len(mirror) != 1 || mirror[0].ExchangeOrderID != "OABC-2" {
		t.Fatalf("mirror = %+v", mirror)
	}
	positions, err := sqlite.ListMirrorPositions(context.Background(), db)
	if err != nil {
		t.Fatalf("positions read: %v", err)
	}
	if len(positions) != 1 || positions[0].BaseQty != "0.001" {
		t.Fatalf("positions = %+v", positions)
	}
}

func TestDiffDetectsChangeAndRemoval(t *testing.T) {
	db := openTestDB(t)
	src := &fakeSource{
		orders: []kraken.OpenOrder{
			restingSell("OABC-3", fixedNow().Add(-time.Hour)),
			restingSell("OABC-4", fixedNow().Add(-time.Hour)),
		},
		balances: map[string]decimal.Decimal{"SOL": dec("3"), "ZUSD": dec("0")},
		price:    dec("150"),
	}
	r := newTestReconciler(t, db, src, nil, false)
	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	// One order partially cancels down, one disappears.
	changed := restingSell("OABC-3", fixedNow().Add(-time.Hour))
	changed.Volume = dec("0.5")
	src.orders = []kraken.OpenOrder{changed}

	diff, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(diff.Changed) != 1 || diff.Changed[0].After.Qty != "0.5" {
		t.Fatalf("changed = %+v", diff.Changed)
	}
	if len(diff.Removed) != 1 || diff.Removed[0].ExchangeOrderID != "OABC-4" {
		t.Fatalf("removed = %+v", diff.Removed)
	}
}

func TestAgedOrdersAreFlagged(t *testing.T) {
	db := openTestDB(t)
	src := &fakeSource{
		orders:   []kraken.OpenOrder{restingSell("OABC-5", fixedNow().Add(-72*time.Hour))},
		balances: map[string]decimal.Decimal{"SOL": dec("1.5"), "ZUSD": dec("0")},
		price:    dec("150"),
	}
	r := newTestReconciler(t, db, src, nil, true)
	diff, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(diff.Actions) != 1 || diff.Actions[0].Kind != ActionFlagAgedOrder {
		t.Fatalf("actions = %+v", diff.Actions)
	}
}
