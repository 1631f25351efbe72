package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

type PlanRecord struct {
	PlanID       string
	Symbol       string
	Side         string
	State        string
	PlanJSON     string
	FilledQty    string
	AvgFillPrice string
	LastError    string
	CreatedAtMs  int64
	UpdatedAtMs  int64
}

type PlanLegRecord struct {
	ClientOrderID   string
	PlanID          string
	Role            string
	LegIndex        int
	State           string
	ExchangeOrderID string
	LastErrorCode   string
	LastErrorDetail string
	CreatedAtMs     int64
	UpdatedAtMs     int64
}

type MirrorOrderRecord struct {
	ExchangeOrderID string
	Symbol          string
	Side            string
	OrderType       string
	Qty             string
	Price           string
	TriggerPrice    string
	Status          string
	ClientOrderID   string
	OpenedAtMs      int64
	SeenAtMs        int64
}

type MirrorPositionRecord struct {
	Symbol     string
	BaseQty    string
	QuoteValue string
	SeenAtMs   int64
}

func InsertPlan(ctx context.Context, db *sql.DB, rec PlanRecord) error {
	_, err := db.ExecContext(ctx, `INSERT INTO plans (
  plan_id, symbol, side, state, plan_json, filled_qty, avg_fill_price, last_error,
  created_at_ms, updated_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.PlanID,
		rec.Symbol,
		rec.Side,
		rec.State,
		rec.PlanJSON,
		rec.FilledQty,
		rec.AvgFillPrice,
		nullIfEmpty(rec.LastError),
		rec.CreatedAtMs,
		rec.UpdatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

func UpdatePlanState(ctx context.Context, db *sql.DB, planID, state, filledQty, avgFillPrice, lastError string, updatedAtMs int64) error {
	_, err := db.ExecContext(ctx, `UPDATE plans
SET state = ?, filled_qty = ?, avg_fill_price = ?, last_error = ?, updated_at_ms = ?
WHERE plan_id = ?`,
		state,
		filledQty,
		avgFillPrice,
		nullIfEmpty(lastError),
		updatedAtMs,
		planID,
	)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	return nil
}

func GetPlan(ctx context.Context, db *sql.DB, planID string) (PlanRecord, error) {
	row := db.QueryRowContext(ctx, `SELECT plan_id, symbol, side, state, plan_json, filled_qty, avg_fill_price, last_error,
  created_at_ms, updated_at_ms
FROM plans WHERE plan_id = ?`, planID)
	return scanPlan(row)
}

func ListPlansByState(ctx context.Context, db *sql.DB, state string, limit int) ([]PlanRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT plan_id, symbol, side, state, plan_json, filled_qty, avg_fill_price, last_error,
  created_at_ms, updated_at_ms
FROM plans WHERE state = ? ORDER BY updated_at_ms ASC LIMIT ?`, state, limit)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()
	var out []PlanRecord
	for rows.Next() {
		rec, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list plans rows: %w", err)
	}
	return out, nil
}

func InsertPlanLeg(ctx context.Context, db *sql.DB, rec PlanLegRecord) error {
	_, err := db.ExecContext(ctx, `INSERT INTO plan_legs (
  client_order_id, plan_id, role, leg_index, state, exchange_order_id,
  last_error_code, last_error_detail, created_at_ms, updated_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ClientOrderID,
		rec.PlanID,
		rec.Role,
		rec.LegIndex,
		rec.State,
		nullIfEmpty(rec.ExchangeOrderID),
		nullIfEmpty(rec.LastErrorCode),
		nullIfEmpty(rec.LastErrorDetail),
		rec.CreatedAtMs,
		rec.UpdatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("insert plan_leg: %w", err)
	}
	return nil
}

func UpdatePlanLegState(ctx context.Context, db *sql.DB, clientOrderID, state, exchangeOrderID, lastErrorCode, lastErrorDetail string, updatedAtMs int64) error {
	_, err := db.ExecContext(ctx, `UPDATE plan_legs
SET state = ?, exchange_order_id = ?, last_error_code = ?, last_error_detail = ?, updated_at_ms = ?
WHERE client_order_id = ?`,
		state,
		nullIfEmpty(exchangeOrderID),
		nullIfEmpty(lastErrorCode),
		nullIfEmpty(lastErrorDetail),
		updatedAtMs,
		clientOrderID,
	)
	if err != nil {
		return fmt.Errorf("update plan_leg: %w", err)
	}
	return nil
}

func GetPlanLeg(ctx context.Context, db *sql.DB, clientOrderID string) (PlanLegRecord, error) {
	row := db.QueryRowContext(ctx, `SELECT client_order_id, plan_id, role, leg_index, state, exchange_order_id,
  last_error_code, last_error_detail, created_at_ms, updated_at_ms
FROM plan_legs WHERE client_order_id = ?`, clientOrderID)
	return scanPlanLeg(row)
}

func ListPlanLegs(ctx context.Context, db *sql.DB, planID string) ([]PlanLegRecord, error) {
	rows, err := db.QueryContext(ctx, `SELECT client_order_id, plan_id, role, leg_index, state, exchange_order_id,
  last_error_code, last_error_detail, created_at_ms, updated_at_ms
FROM plan_legs WHERE plan_id = ? ORDER BY role ASC, leg_index ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("list plan_legs: %w", err)
	}
	defer rows.Close()
	var out []PlanLegRecord
	for rows.Next() {
		rec, err := scanPlanLeg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list plan_legs rows: %w", err)
	}
	return out, nil
}

func ListPlanLegsByState(ctx context.Context, db *sql.DB, state string, limit int) ([]PlanLegRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT client_order_id, plan_id, role, leg_index, state, exchange_order_id,
  last_error_code, last_error_detail, created_at_ms, updated_at_ms
FROM plan_legs WHERE state = ? ORDER BY updated_at_ms ASC LIMIT ?`, state, limit)
	if err != nil {
		return nil, fmt.Errorf("list plan_legs by state: %w", err)
	}
	defer rows.Close()
	var out []PlanLegRecord
	for rows.Next() {
		rec, err := scanPlanLeg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list plan_legs by state rows: %w", err)
	}
	return out, nil
}

// ReplaceMirror swaps the reconciliation mirror for the given orders and
// positions in one transaction so readers never observe a half-applied
// snapshot.
func ReplaceMirror(ctx context.Context, db *sql.DB, orders []MirrorOrderRecord, positions []MirrorPositionRecord) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mirror begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM mirror_orders`); err != nil {
		return fmt.Errorf("mirror clear orders: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM mirror_positions`); err != nil {
		return fmt.Errorf("mirror clear positions: %w", err)
	}
	for _, rec := range orders {
		if _, err := tx.ExecContext(ctx, `INSERT INTO mirror_orders (
  exchange_order_id, symbol, side, order_type, qty, price, trigger_price, status,
  client_order_id, opened_at_ms, seen_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ExchangeOrderID,
			rec.Symbol,
			rec.Side,
			rec.OrderType,
			rec.Qty,
			nullIfEmpty(rec.Price),
			nullIfEmpty(rec.TriggerPrice),
			rec.Status,
			nullIfEmpty(rec.ClientOrderID),
			rec.OpenedAtMs,
			rec.SeenAtMs,
		); err != nil {
			return fmt.Errorf("mirror insert order: %w", err)
		}
	}
	for _, rec := range positions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO mirror_positions (
  symbol, base_qty, quote_value, seen_at_ms
) VALUES (?, ?, ?, ?)`,
			rec.Symbol,
			rec.BaseQty,
			rec.QuoteValue,
			rec.SeenAtMs,
		); err != nil {
			return fmt.Errorf("mirror insert position: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mirror commit: %w", err)
	}
	return nil
}

func ListMirrorOrders(ctx context.Context, db *sql.DB) ([]MirrorOrderRecord, error) {
	rows, err := db.QueryContext(ctx, `SELECT exchange_order_id, symbol, side, order_type, qty, price, trigger_price, status,
  client_order_id, opened_at_ms, seen_at_ms
FROM mirror_orders ORDER BY exchange_order_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list mirror_orders: %w", err)
	}
	defer rows.Close()
	var out []MirrorOrderRecord
	for rows.Next() {
		var rec MirrorOrderRecord
		var price, triggerPrice, clientOrderID sql.NullString
		if err := rows.Scan(
			&rec.ExchangeOrderID,
			&rec.Symbol,
			&rec.Side,
			&rec.OrderType,
			&rec.Qty,
			&price,
			&triggerPrice,
			&rec.Status,
			&clientOrderID,
			&rec.OpenedAtMs,
			&rec.SeenAtMs,
		); err != nil {
			return nil, fmt.Errorf("scan mirror_order: %w", err)
		}
		rec.Price = price.String
		rec.TriggerPrice = triggerPrice.String
		rec.ClientOrderID = clientOrderID.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list mirror_orders rows: %w", err)
	}
	return out, nil
}

func ListMirrorPositions(ctx context.Context, db *sql.DB) ([]MirrorPositionRecord, error) {
	rows, err := db.QueryContext(ctx, `SELECT symbol, base_qty, quote_value, seen_at_ms
FROM mirror_positions ORDER BY symbol ASC`)
	if err != nil {
		return nil, fmt.Errorf("list mirror_positions: %w", err)
	}
	defer rows.Close()
	var out []MirrorPositionRecord
	for rows.Next() {
		var rec MirrorPositionRecord
		if err := rows.Scan(&rec.Symbol, &rec.BaseQty, &rec.QuoteValue, &rec.SeenAtMs); err != nil {
			return nil, fmt.Errorf("scan mirror_position: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list mirror_positions rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (PlanRecord, error) {
	var rec PlanRecord
	var lastError sql.NullString
	if err := row.Scan(
		&rec.PlanID,
		&rec.Symbol,
		&rec.Side,
		&rec.State,
		&rec.PlanJSON,
		&rec.FilledQty,
		&rec.AvgFillPrice,
		&lastError,
		&rec.CreatedAtMs,
		&rec.UpdatedAtMs,
	); err != nil {
		return PlanRecord{}, fmt.Errorf("scan plan: %w", err)
	}
	rec.LastError = lastError.String
	return rec, nil
}

func scanPlanLeg(row rowScanner) (PlanLegRecord, error) {
	var rec PlanLegRecord
	var exchangeOrderID sql.NullString
	var lastErrorCode sql.NullString
	var lastErrorDetail sql.NullString
	if err := row.Scan(
		&rec.ClientOrderID,
		&rec.PlanID,
		&rec.Role,
		&rec.LegIndex,
		&rec.State,
		&exchangeOrderID,
		&lastErrorCode,
		&lastErrorDetail,
		&rec.CreatedAtMs,
		&rec.UpdatedAtMs,
	); err != nil {
		return PlanLegRecord{}, fmt.Errorf("scan plan_leg: %w", err)
	}
	rec.ExchangeOrderID = exchangeOrderID.String
	rec.LastErrorCode = lastErrorCode.String
	rec.LastErrorDetail = lastErrorDetail.String
	return rec, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
