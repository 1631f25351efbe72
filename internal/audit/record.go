package audit

import (
	"encoding/json"
	"fmt"
)

// Event types of the order trail.
const (
	EventPlanCreated   = "PLAN_CREATED"
	EventOrderSent     = "ORDER_SENT"
	EventOrderAcked    = "ORDER_ACKED"
	EventOrderRejected = "ORDER_REJECTED"
	EventExecution     = "EXECUTION"
	EventStateChange   = "STATE_CHANGE"
	EventCorrective    = "CORRECTIVE_ACTION"
)

// Record is one line of the order trail. Data carries event-specific fields
// and may not shadow the envelope.
type Record struct {
	TsMs    int64
	Event   string
	PlanID  string
	ClOrdID string
	Symbol  string
	Data    map[string]any
}

var reservedKeys = map[string]struct{}{
	"ts_ms":     {},
	"event":     {},
	"plan_id":   {},
	"cl_ord_id": {},
	"symbol":    {},
}

func (r Record) Validate() error {
	if r.Event == "" {
		return fmt.Errorf("audit record without event type")
	}
	if r.TsMs <= 0 {
		return fmt.Errorf("audit record without timestamp")
	}
	for key := range r.Data {
		if _, exists := reservedKeys[key]; exists {
			return fmt.Errorf("audit record data key conflicts with envelope: %s", key)
		}
	}
	return nil
}

func (r Record) JSONLine() ([]byte, error) {
	line := map[string]any{
		"ts_ms":     r.TsMs,
		"event":     r.Event,
		"plan_id":   r.PlanID,
		"cl_ord_id": r.ClOrdID,
		"symbol":    r.Symbol,
	}
	for key, value := range r.Data {
		line[key] = value
	}
	return json.Marshal(line)
}
