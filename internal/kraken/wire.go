package kraken

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Method names of the private WebSocket v2 API.
const (
	MethodAddOrder    = "add_order"
	MethodAmendOrder  = "amend_order"
	MethodCancelOrder = "cancel_order"
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
)

// Channel names delivered as push events.
const (
	ChannelExecutions = "executions"
	ChannelTicker     = "ticker"
	ChannelBalances   = "balances"
	ChannelOpenOrders = "open_orders"
	ChannelHeartbeat  = "heartbeat"
	ChannelStatus     = "status"
)

// Request is one outbound frame. Params holds the method-specific payload.
type Request struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
	ReqID  int64  `json:"req_id,omitempty"`
}

// TriggerParams activates a conditional order off a reference price.
type TriggerParams struct {
	Reference string  `json:"reference"`
	Price     float64 `json:"price"`
	PriceType string  `json:"price_type"`
}

// AddOrderParams is the add_order payload. Prices and quantities are already
// quantized to the instrument's tick and lot steps when this is built.
type AddOrderParams struct {
	OrderType    string         `json:"order_type"`
	Side         string         `json:"side"`
	OrderQty     float64        `json:"order_qty"`
	Symbol       string         `json:"symbol"`
	LimitPrice   *float64       `json:"limit_price,omitempty"`
	Triggers     *TriggerParams `json:"triggers,omitempty"`
	TimeInForce  string         `json:"time_in_force,omitempty"`
	ExpireTime   string         `json:"expire_time,omitempty"`
	PostOnly     *bool          `json:"post_only,omitempty"`
	ReduceOnly   *bool          `json:"reduce_only,omitempty"`
	Margin       bool           `json:"margin"`
	STPType      string         `json:"stp_type,omitempty"`
	Deadline     string         `json:"deadline,omitempty"`
	Validate     bool           `json:"validate,omitempty"`
	ClOrdID      string         `json:"cl_ord_id,omitempty"`
	OrderUserRef *int64         `json:"order_userref,omitempty"`
	Token        string         `json:"token"`
}

// AmendOrderParams mutates a resting order in place, keeping its queue id.
type AmendOrderParams struct {
	OrderID          string   `json:"order_id,omitempty"`
	ClOrdID          string   `json:"cl_ord_id,omitempty"`
	OrderQty         *float64 `json:"order_qty,omitempty"`
	LimitPrice       *float64 `json:"limit_price,omitempty"`
	TriggerPrice     *float64 `json:"trigger_price,omitempty"`
	TriggerPriceType string   `json:"trigger_price_type,omitempty"`
	Deadline         string   `json:"deadline,omitempty"`
	Token            string   `json:"token"`
}

type CancelOrderParams struct {
	OrderID []string `json:"order_id,omitempty"`
	ClOrdID []string `json:"cl_ord_id,omitempty"`
	Token   string   `json:"token"`
}

type SubscribeParams struct {
	Channel  string   `json:"channel"`
	Symbol   []string `json:"symbol,omitempty"`
	Token    string   `json:"token,omitempty"`
	Snapshot *bool    `json:"snapshot,omitempty"`
}

// TokenCarrier marks params that carry the private-stream token. The session
// fills the token just before the send so a refresh is always picked up.
type TokenCarrier interface {
	SetToken(string)
}

func (p *AddOrderParams) SetToken(t string)    { p.Token = t }
func (p *AmendOrderParams) SetToken(t string)  { p.Token = t }
func (p *CancelOrderParams) SetToken(t string) { p.Token = t }
func (p *SubscribeParams) SetToken(t string)   { p.Token = t }

// FrameKind discriminates an inbound frame after the single decode at the
// transport boundary.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameMethodReply
	FrameChannelEvent
	FrameHeartbeat
	FrameStatus
)

// Frame is one decoded inbound message.
type Frame struct {
	Kind FrameKind

	// Method reply fields.
	Method   string
	ReqID    int64
	HasReqID bool
	Success  bool
	ErrorMsg string
	Result   json.RawMessage

	// Channel event fields.
	Channel string
	Type    string
	Data    json.RawMessage
}

type frameEnvelope struct {
	Method  string          `json:"method"`
	ReqID   *int64          `json:"req_id"`
	Success *bool           `json:"success"`
	Error   string          `json:"error"`
	Result  json.RawMessage `json:"result"`
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

// DecodeFrame classifies one raw inbound message. Unknown shapes come back as
// FrameUnknown rather than an error so the read loop can log and move on.
func DecodeFrame(raw []byte) (Frame, error) {
	var env frameEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	f := Frame{
		Method:   env.Method,
		ErrorMsg: env.Error,
		Result:   env.Result,
		Channel:  env.Channel,
		Type:     env.Type,
		Data:     env.Data,
	}
	if env.ReqID != nil {
		f.ReqID = *env.ReqID
		f.HasReqID = true
	}
	if env.Success != nil {
		f.Success = *env.Success
	}
	switch {
	case env.Method != "":
		f.Kind = FrameMethodReply
	case env.Channel == ChannelHeartbeat:
		f.Kind = FrameHeartbeat
	case env.Channel == ChannelStatus:
		f.Kind = FrameStatus
	case env.Channel != "":
		f.Kind = FrameChannelEvent
	default:
		f.Kind = FrameUnknown
	}
	return f, nil
}

// AddOrderResult is the result payload of an add_order reply.
type AddOrderResult struct {
	OrderID string `json:"order_id"`
	ClOrdID string `json:"cl_ord_id"`
}

// AmendOrderResult is the result payload of an amend_order reply.
type AmendOrderResult struct {
	AmendID string `json:"amend_id"`
	OrderID string `json:"order_id"`
}

// Execution is one element of an executions channel event.
type Execution struct {
	OrderID      string          `json:"order_id"`
	ClOrdID      string          `json:"cl_ord_id"`
	ExecType     string          `json:"exec_type"`
	OrderStatus  string          `json:"order_status"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	LastQty      decimal.Decimal `json:"last_qty"`
	LastPrice    decimal.Decimal `json:"last_price"`
	CumQty       decimal.Decimal `json:"cum_qty"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	OrderQty     decimal.Decimal `json:"order_qty"`
	LimitPrice   decimal.Decimal `json:"limit_price"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Reason       string          `json:"reason"`
	Timestamp    string          `json:"timestamp"`
}

// Exec types reported on the executions channel.
const (
	ExecTypeNew      = "new"
	ExecTypeTrade    = "trade"
	ExecTypeFilled   = "filled"
	ExecTypeCanceled = "canceled"
	ExecTypeExpired  = "expired"
	ExecTypeAmended  = "amended"
	ExecTypeRestated = "restated"
)

// Terminal order_status values.
const (
	OrderStatusFilled          = "filled"
	OrderStatusCanceled        = "canceled"
	OrderStatusExpired         = "expired"
	OrderStatusNew             = "new"
	OrderStatusPartiallyFilled = "partially_filled"
)

// Ticker is one element of a ticker channel event.
type Ticker struct {
	Symbol string          `json:"symbol"`
	Last   decimal.Decimal `json:"last"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
}

func DecodeExecutions(data json.RawMessage) ([]Execution, error) {
	var out []Execution
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode executions: %w", err)
	}
	return out, nil
}

func DecodeTickers(data json.RawMessage) ([]Ticker, error) {
	var out []Ticker
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode tickers: %w", err)
	}
	return out, nil
}

// ProtocolError is a definitive rejection from the venue. It is never retried
// by the transport layer.
type ProtocolError struct {
	Method  string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("kraken %s rejected: %s", e.Method, e.Message)
}
