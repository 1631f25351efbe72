package app

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/rjkroon/brackd/internal/audit"
	"github.com/rjkroon/brackd/internal/kraken"
)

// pumpExecutions decodes executions channel frames into typed events. Each
// frame carries a batch; elements are forwarded individually so the state
// machine consumes one execution at a time. Every execution also lands on the
// order trail.
func pumpExecutions(ctx context.Context, frames <-chan kraken.Frame, out chan<- kraken.Execution, trail *audit.Trail, log *logrus.Entry) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			execs, err := kraken.DecodeExecutions(frame.Data)
			if err != nil {
				log.WithError(err).Warn("executions decode")
				continue
			}
			for _, exec := range execs {
				if trail != nil {
					if err := trail.Write(executionRecord(exec)); err != nil {
						log.WithError(err).Warn("audit execution record")
					}
				}
				select {
				case <-ctx.Done():
					return
				case out <- exec:
				}
			}
		}
	}
}

func executionRecord(exec kraken.Execution) audit.Record {
	return audit.Record{
		Event:   audit.EventExecution,
		ClOrdID: exec.ClOrdID,
		Symbol:  exec.Symbol,
		Data: map[string]any{
			"order_id":     exec.OrderID,
			"exec_type":    exec.ExecType,
			"order_status": exec.OrderStatus,
			"last_qty":     exec.LastQty.String(),
			"last_price":   exec.LastPrice.String(),
			"cum_qty":      exec.CumQty.String(),
			"avg_price":    exec.AvgPrice.String(),
		},
	}
}

func pumpTickers(ctx context.Context, frames <-chan kraken.Frame, out chan<- kraken.Ticker, log *logrus.Entry) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			ticks, err := kraken.DecodeTickers(frame.Data)
			if err != nil {
				log.WithError(err).Warn("ticker decode")
				continue
			}
			for _, tick := range ticks {
				select {
				case <-ctx.Done():
					return
				case out <- tick:
				}
			}
		}
	}
}
