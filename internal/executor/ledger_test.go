package executor

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rjkroon/brackd/internal/domain"
	"github.com/rjkroon/brackd/internal/infra/sqlite"
	"github.com/rjkroon/brackd/internal/kraken"
)

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

func testClock() func() time.Time {
	return func() time.Time { return time.Unix(1700000000, 0) }
}

func seedPlan(t *testing.T, ledger *Ledger, planID string) domain.Leg {
	t.Helper()
	leg := domain.Leg{
		Role:     domain.RoleStopLoss,
		Index:    0,
		ClientID: domain.LegClientID(planID, domain.RoleStopLoss, 0),
	}
	plan := domain.BracketPlan{ID: planID, Symbol: "SOL/USD", Side: domain.SideBuy}
	if err := ledger.SavePlan(context.Background(), plan); err != nil {
		t.Fatalf("save plan: %v", err)
	}
	if err := ledger.CreateLeg(context.Background(), planID, leg); err != nil {
		t.Fatalf("create leg: %v", err)
	}
	return leg
}

func TestLedgerAlreadySentGate(t *testing.T) {
	ledger := NewLedger(openTestDB(t), testClock())
	leg := seedPlan(t, ledger, "plan-1")
	ctx := context.Background()

	sent, _, err := ledger.AlreadySent(ctx, leg.ClientID)
	if err != nil {
		t.Fatalf("already sent: %v", err)
	}
	if sent {
		t.Fatal("fresh leg reported as sent")
	}

	if err := ledger.MarkSentUnknown(ctx, leg.ClientID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	sent, rec, err := ledger.AlreadySent(ctx, leg.ClientID)
	if err != nil {
		t.Fatalf("already sent: %v", err)
	}
	if !sent {
		t.Fatal("sent leg reported as fresh")
	}
	if rec.State != string(LegSentUnknown) {
		t.Fatalf("state = %s", rec.State)
	}

	// Unknown ids are simply not sent yet.
	sent, _, err = ledger.AlreadySent(ctx, "never-created-id")
	if err != nil {
		t.Fatalf("already sent: %v", err)
	}
	if sent {
		t.Fatal("unknown id reported as sent")
	}
}

type fakeTruth struct {
	found bool
	order kraken.OpenOrder
	err   error
	calls int
}

func (f *fakeTruth) QueryByClientID(ctx context.Context, clOrdID string) (kraken.OpenOrder, bool, error) {
	f.calls++
	return f.order, f.found, f.err
}

func TestResolveSentUnknownConfirmsFoundLeg(t *testing.T) {
	ledger := NewLedger(openTestDB(t), testClock())
	leg := seedPlan(t, ledger, "plan-2")
	ctx := context.Background()
	if err := ledger.MarkSentUnknown(ctx, leg.ClientID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	pending, err := ledger.PendingSentUnknown(ctx, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %v, %v", pending, err)
	}

	truth := &fakeTruth{found: true, order: kraken.OpenOrder{ExchangeOrderID: "OX9"}}
	if err := ResolveSentUnknown(ctx, ledger, truth, pending[0], 3, time.Second); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_, rec, err := ledger.AlreadySent(ctx, leg.ClientID)
	if err != nil {
		t.Fatalf("already sent: %v", err)
	}
	if rec.State != string(LegConfirmed) || rec.ExchangeOrderID != "OX9" {
		t.Fatalf("rec = %+v", rec)
	}
}

func TestResolveSentUnknownMarksNotFound(t *testing.T) {
	ledger := NewLedger(openTestDB(t), testClock())
	leg := seedPlan(t, ledger, "plan-3")
	ctx := context.Background()
	if err := ledger.MarkSentUnknown(ctx, leg.ClientID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	pending, _ := ledger.PendingSentUnknown(ctx, 10)

	truth := &fakeTruth{found: false}
	if err := ResolveSentUnknown(ctx, ledger, truth, pending[0], 2, time.Second); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_, rec, _ := ledger.AlreadySent(ctx, leg.ClientID)
	if rec.State != string(LegNotFound) {
		t.Fatalf("state = %s", rec.State)
	}
}

func TestResolveSentUnknownStaysQuarantinedOnErrors(t *testing.T) {
	ledger := NewLedger(openTestDB(t), testClock())
	leg := seedPlan(t, ledger, "plan-4")
	ctx := context.Background()
	if err := ledger.MarkSentUnknown(ctx, leg.ClientID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	pending, _ := ledger.PendingSentUnknown(ctx, 10)

	truth := &fakeTruth{err: errors.New("rest down")}
	err := ResolveSentUnknown(ctx, ledger, truth, pending[0], 2, time.Second)
	if !errors.Is(err, ErrSentUnknown) {
		t.Fatalf("err = %v, want ErrSentUnknown", err)
	}
	_, rec, _ := ledger.AlreadySent(ctx, leg.ClientID)
	if rec.State != string(LegSentUnknown) {
		t.Fatalf("state = %s, want still quarantined", rec.State)
	}
}

func TestPlanLifecyclePersistence(t *testing.T) {
	ledger := NewLedger(openTestDB(t), testClock())
	ctx := context.Background()
	plan := domain.BracketPlan{ID: "plan-5", Symbol: "SOL/USD", Side: domain.SideBuy}
	if err := ledger.SavePlan(ctx, plan); err != nil {
		t.Fatalf("save plan: %v", err)
	}
	if err := ledger.UpdatePlan(ctx, "plan-5", domain.StateProtected, "1.5", "150.20", ""); err != nil {
		t.Fatalf("update plan: %v", err)
	}
	rec, err := ledger.GetPlan(ctx, "plan-5")
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if rec.State != string(domain.StateProtected) || rec.FilledQty != "1.5" || rec.AvgFillPrice != "150.20" {
		t.Fatalf("rec = %+v", rec)
	}
}
