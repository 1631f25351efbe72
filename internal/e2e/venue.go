// Package e2e exercises the bracket lifecycle end to end against a scripted
// in-memory venue.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/rjkroon/brackd/internal/kraken"
)

// VenueOrder is one order the scripted venue has accepted.
type VenueOrder struct {
	OrderID string
	Params  kraken.AddOrderParams
	Status  string
	CumQty  decimal.Decimal
	AvgPx   decimal.Decimal
	Trigger *float64
}

// Venue is a deterministic stand-in for the exchange: it acks every request,
// records resting orders, and emits executions when the test script fills or
// the machine cancels them. It satisfies both the machine's transport and its
// exchange-truth surfaces.
type Venue struct {
	mu     sync.Mutex
	orders map[string]*VenueOrder
	nextID int

	execs chan kraken.Execution
	ticks chan kraken.Ticker
}

func NewVenue() *Venue {
	return &Venue{
		orders: make(map[string]*VenueOrder),
		execs:  make(chan kraken.Execution, 64),
		ticks:  make(chan kraken.Ticker, 64),
	}
}

func (v *Venue) Executions() <-chan kraken.Execution { return v.execs }
func (v *Venue) Ticks() <-chan kraken.Ticker         { return v.ticks }

func (v *Venue) Call(ctx context.Context, method string, params any) (kraken.Frame, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch method {
	case kraken.MethodAddOrder:
		p, ok := params.(*kraken.AddOrderParams)
		if !ok {
			return kraken.Frame{}, fmt.Errorf("add_order params type %T", params)
		}
		v.nextID++
		id := fmt.Sprintf("V%d", v.nextID)
		order := &VenueOrder{OrderID: id, Params: *p, Status: kraken.OrderStatusNew}
		if p.Triggers != nil {
			t := p.Triggers.Price
			order.Trigger = &t
		}
		v.orders[p.ClOrdID] = order
		return reply(method, fmt.Sprintf(`{"order_id":%q,"cl_ord_id":%q}`, id, p.ClOrdID)), nil
	case kraken.MethodAmendOrder:
		p, ok := params.(*kraken.AmendOrderParams)
		if !ok {
			return kraken.Frame{}, fmt.Errorf("amend_order params type %T", params)
		}
		order, exists := v.orders[p.ClOrdID]
		if !exists {
			return kraken.Frame{}, &kraken.ProtocolError{Method: method, Message: "EOrder:Unknown order"}
		}
		if order.Status != kraken.OrderStatusNew {
			return kraken.Frame{}, &kraken.ProtocolError{Method: method, Message: "EOrder:Invalid order state"}
		}
		if p.TriggerPrice != nil {
			t := *p.TriggerPrice
			order.Trigger = &t
		}
		return reply(method, fmt.Sprintf(`{"order_id":%q}`, order.OrderID)), nil
	case kraken.MethodCancelOrder:
		p, ok := params.(*kraken.CancelOrderParams)
		if !ok {
			return kraken.Frame{}, fmt.Errorf("cancel_order params type %T", params)
		}
		for _, clOrdID := range p.ClOrdID {
			order, exists := v.orders[clOrdID]
			if !exists {
				return kraken.Frame{}, &kraken.ProtocolError{Method: method, Message: "EOrder:Unknown order"}
			}
			if order.Status != kraken.OrderStatusNew {
				return kraken.Frame{}, &kraken.ProtocolError{Method: method, Message: "EOrder:Invalid order state"}
			}
			order.Status = kraken.OrderStatusCanceled
			v.execs <- kraken.Execution{
				OrderID:     order.OrderID,
				ClOrdID:     clOrdID,
				ExecType:    kraken.ExecTypeCanceled,
				OrderStatus: kraken.OrderStatusCanceled,
				Symbol:      order.Params.Symbol,
			}
		}
		return reply(method, `{}`), nil
	}
	return kraken.Frame{}, fmt.Errorf("unscripted method %s", method)
}

// QueryByClientID resolves venue truth the way the REST surface would.
func (v *Venue) QueryByClientID(ctx context.Context, clOrdID string) (kraken.OpenOrder, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	order, exists := v.orders[clOrdID]
	if !exists {
		return kraken.OpenOrder{}, false, nil
	}
	return kraken.OpenOrder{
		ExchangeOrderID: order.OrderID,
		ClOrdID:         clOrdID,
		Status:          order.Status,
	}, true, nil
}

// Fill marks an order fully filled and emits the matching execution.
func (v *Venue) Fill(clOrdID string, qty, price decimal.Decimal) error {
	v.mu.Lock()
	order, exists := v.orders[clOrdID]
	if !exists {
		v.mu.Unlock()
		return fmt.Errorf("fill of unknown order %s", clOrdID)
	}
	order.Status = kraken.OrderStatusFilled
	order.CumQty = order.CumQty.Add(qty)
	order.AvgPx = price
	exec := kraken.Execution{
		OrderID:     order.OrderID,
		ClOrdID:     clOrdID,
		ExecType:    kraken.ExecTypeTrade,
		OrderStatus: kraken.OrderStatusFilled,
		Symbol:      order.Params.Symbol,
		LastQty:     qty,
		LastPrice:   price,
		CumQty:      order.CumQty,
		AvgPrice:    price,
	}
	v.mu.Unlock()
	v.execs <- exec
	return nil
}

// Tick publishes one last-trade price.
func (v *Venue) Tick(symbol string, last decimal.Decimal) {
	v.ticks <- kraken.Ticker{Symbol: symbol, Last: last}
}

// Order returns a copy of the venue's record for one client id.
func (v *Venue) Order(clOrdID string) (VenueOrder, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	order, exists := v.orders[clOrdID]
	if !exists {
		return VenueOrder{}, false
	}
	return *order, true
}

// OrdersByType lists accepted orders matching an order_type.
func (v *Venue) OrdersByType(orderType string) []VenueOrder {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []VenueOrder
	for _, order := range v.orders {
		if order.Params.OrderType == orderType {
			out = append(out, *order)
		}
	}
	return out
}

func reply(method, result string) kraken.Frame {
	return kraken.Frame{
		Kind:    kraken.FrameMethodReply,
		Method:  method,
		Success: true,
		Result:  json.RawMessage(result),
	}
}
