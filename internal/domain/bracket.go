package domain

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"strings"

	jsoncanonicalizer "github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LegRole string

const (
	RoleEntry      LegRole = "ENTRY"
	RoleStopLoss   LegRole = "SL"
	RoleTakeProfit LegRole = "TP"
)

// TPLevel is one take-profit rung of a plan: price offset from the average
// entry fill and the share of the position it closes.
type TPLevel struct {
	// Pct is the price offset relative to avg fill (0.01 = +1% for longs).
	Pct decimal.Decimal
	// SizePct is the fraction of the filled quantity this rung closes.
	SizePct decimal.Decimal
}

// Leg is one order of a bracket plan with its stable client order id.
type Leg struct {
	Role     LegRole
	Index    int
	ClientID string
	Intent   OrderIntent
}

// BracketPlan groups an entry with its protective stop and take-profit
// schedule. Client ids are derived deterministically from the plan id so a
// restarted process regenerates the same ids for the same plan.
type BracketPlan struct {
	ID     string
	Symbol string
	Side   Side

	Entry        Leg
	StopLossPct  decimal.Decimal
	BreakEvenPct decimal.Decimal
	TakeProfits  []TPLevel
}

func NewPlanID() string {
	return uuid.NewString()
}

// LegClientID derives the client order id for one leg of a plan. The id is a
// canonical-JSON hash truncated to 18 characters, the exchange limit for
// cl_ord_id.
func LegClientID(planID string, role LegRole, index int) string {
	payload := map[string]any{
		"plan_id": planID,
		"role":    string(role),
		"index":   index,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("leg id marshal: %v", err))
	}
	canon, err := jsoncanonicalizer.Transform(raw)
	if err != nil {
		panic(fmt.Sprintf("leg id canonicalize: %v", err))
	}
	sum := sha256.Sum256(canon)
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:])
	return strings.ToLower(enc[:18])
}

// NormalizeTPSizes rescales the size percentages so they sum to 1. Levels with
// non-positive sizes are dropped. Returns nil when nothing remains.
func NormalizeTPSizes(levels []TPLevel) []TPLevel {
	total := decimal.Zero
	kept := make([]TPLevel, 0, len(levels))
	for _, lv := range levels {
		if lv.SizePct.Sign() <= 0 {
			continue
		}
		kept = append(kept, lv)
		total = total.Add(lv.SizePct)
	}
	if len(kept) == 0 || total.Sign() <= 0 {
		return nil
	}
	if total.Equal(decimal.NewFromInt(1)) {
		return kept
	}
	out := make([]TPLevel, len(kept))
	for i, lv := range kept {
		out[i] = TPLevel{Pct: lv.Pct, SizePct: lv.SizePct.Div(total)}
	}
	return out
}
