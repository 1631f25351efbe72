package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rjkroon/brackd/internal/domain"
	"github.com/rjkroon/brackd/internal/infra/sqlite"
	"github.com/rjkroon/brackd/internal/kraken"
)

// LegState tracks one client order id from creation to exchange truth.
type LegState string

const (
	LegCreated     LegState = "CREATED"
	LegSentUnknown LegState = "SENT_UNKNOWN"
	LegAcked       LegState = "ACKED"
	LegConfirmed   LegState = "CONFIRMED"
	LegNotFound    LegState = "NOT_FOUND"
	LegFailed      LegState = "FAILED_TERMINAL"
)

// ErrSentUnknown means exchange truth for a client id could not be
// established yet; the leg stays quarantined and no duplicate is sent.
var ErrSentUnknown = errors.New("leg sent unknown")

// Ledger is the durable record of every client order id this process has
// ever attempted. The write happens before the send, which is what makes
// resends after a crash or reconnect safe.
type Ledger struct {
	DB    *sql.DB
	Clock func() time.Time
}

func NewLedger(db *sql.DB, clock func() time.Time) *Ledger {
	if clock == nil {
		clock = time.Now
	}
	return &Ledger{DB: db, Clock: clock}
}

func (l *Ledger) CreateLeg(ctx context.Context, planID string, leg domain.Leg) error {
	now := l.Clock().UnixMilli()
	return sqlite.InsertPlanLeg(ctx, l.DB, sqlite.PlanLegRecord{
		ClientOrderID: leg.ClientID,
		PlanID:        planID,
		Role:          string(leg.Role),
		LegIndex:      leg.Index,
		State:         string(LegCreated),
		CreatedAtMs:   now,
		UpdatedAtMs:   now,
	})
}

// AlreadySent reports whether a send for this client id has ever been
// attempted. CREATED legs have not; everything else has.
func (l *Ledger) AlreadySent(ctx context.Context, clientOrderID string) (bool, sqlite.PlanLegRecord, error) {
	rec, err := sqlite.GetPlanLeg(ctx, l.DB, clientOrderID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, sqlite.PlanLegRecord{}, nil
	}
	if err != nil {
		return false, sqlite.PlanLegRecord{}, err
	}
	return LegState(rec.State) != LegCreated, rec, nil
}

// MarkSentUnknown is written immediately before the wire send.
func (l *Ledger) MarkSentUnknown(ctx context.Context, clientOrderID string) error {
	return sqlite.UpdatePlanLegState(ctx, l.DB, clientOrderID, string(LegSentUnknown), "", "", "", l.Clock().UnixMilli())
}

func (l *Ledger) MarkAcked(ctx context.Context, clientOrderID, exchangeOrderID string) error {
	return sqlite.UpdatePlanLegState(ctx, l.DB, clientOrderID, string(LegAcked), exchangeOrderID, "", "", l.Clock().UnixMilli())
}

func (l *Ledger) MarkConfirmed(ctx context.Context, clientOrderID, exchangeOrderID string) error {
	return sqlite.UpdatePlanLegState(ctx, l.DB, clientOrderID, string(LegConfirmed), exchangeOrderID, "", "", l.Clock().UnixMilli())
}

func (l *Ledger) MarkNotFound(ctx context.Context, clientOrderID string) error {
	return sqlite.UpdatePlanLegState(ctx, l.DB, clientOrderID, string(LegNotFound), "", "", "", l.Clock().UnixMilli())
}

func (l *Ledger) MarkFailed(ctx context.Context, clientOrderID, errCode, errDetail string) error {
	return sqlite.UpdatePlanLegState(ctx, l.DB, clientOrderID, string(LegFailed), "", errCode, errDetail, l.Clock().UnixMilli())
}

func (l *Ledger) PendingSentUnknown(ctx context.Context, limit int) ([]sqlite.PlanLegRecord, error) {
	return sqlite.ListPlanLegsByState(ctx, l.DB, string(LegSentUnknown), limit)
}

func (l *Ledger) PlanLegs(ctx context.Context, planID string) ([]sqlite.PlanLegRecord, error) {
	return sqlite.ListPlanLegs(ctx, l.DB, planID)
}

// SavePlan persists a new plan alongside its legs in the starting state.
func (l *Ledger) SavePlan(ctx context.Context, plan domain.BracketPlan) error {
	raw, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("plan marshal: %w", err)
	}
	now := l.Clock().UnixMilli()
	return sqlite.InsertPlan(ctx, l.DB, sqlite.PlanRecord{
		PlanID:       plan.ID,
		Symbol:       plan.Symbol,
		Side:         string(plan.Side),
		State:        string(domain.StatePendingEntry),
		PlanJSON:     string(raw),
		FilledQty:    "0",
		AvgFillPrice: "0",
		CreatedAtMs:  now,
		UpdatedAtMs:  now,
	})
}

func (l *Ledger) UpdatePlan(ctx context.Context, planID string, state domain.ExecutionState, filledQty, avgFillPrice, lastError string) error {
	return sqlite.UpdatePlanState(ctx, l.DB, planID, string(state), filledQty, avgFillPrice, lastError, l.Clock().UnixMilli())
}

func (l *Ledger) GetPlan(ctx context.Context, planID string) (sqlite.PlanRecord, error) {
	return sqlite.GetPlan(ctx, l.DB, planID)
}

// ExchangeTruth resolves a client order id against the venue's own records.
type ExchangeTruth interface {
	QueryByClientID(ctx context.Context, clOrdID string) (kraken.OpenOrder, bool, error)
}

// ResolveSentUnknown settles one quarantined leg: found ids are confirmed
// with their exchange order id, ids the venue definitively does not know are
// marked not-found (safe to re-send under a new id), and anything
// inconclusive stays quarantined.
func ResolveSentUnknown(ctx context.Context, ledger *Ledger, truth ExchangeTruth, rec sqlite.PlanLegRecord, attempts int, perQueryTimeout time.Duration) error {
	if attempts <= 0 {
		attempts = 3
	}
	if perQueryTimeout <= 0 {
		perQueryTimeout = 3 * time.Second
	}
	allNotFound := true
	for i := 0; i < attempts; i++ {
		qctx, cancel := context.WithTimeout(ctx, perQueryTimeout)
		order, found, err := truth.QueryByClientID(qctx, rec.ClientOrderID)
		cancel()
		if err != nil {
			allNotFound = false
			continue
		}
		if found {
			return ledger.MarkConfirmed(ctx, rec.ClientOrderID, order.ExchangeOrderID)
		}
	}
	if allNotFound {
		return ledger.MarkNotFound(ctx, rec.ClientOrderID)
	}
	return ErrSentUnknown
}
