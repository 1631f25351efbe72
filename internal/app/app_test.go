package app

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/rjkroon/brackd/internal/config"
	"github.com/rjkroon/brackd/internal/domain"
	"github.com/rjkroon/brackd/internal/kraken"
)

func TestBuildPlanLimitEntry(t *testing.T) {
	cfg := config.Default()
	plan := BuildPlan(cfg, domain.SideBuy, decimal.RequireFromString("2"), decimal.RequireFromString("150"))

	if plan.ID == "" {
		t.Fatal("plan id empty")
	}
	if plan.Symbol != cfg.WSSymbol {
		t.Fatalf("symbol = %s", plan.Symbol)
	}
	if plan.Entry.Intent.Type != domain.OrderTypeLimit {
		t.Fatalf("entry type = %s", plan.Entry.Intent.Type)
	}
	if plan.Entry.Intent.LimitPrice == nil || !plan.Entry.Intent.LimitPrice.Equal(decimal.RequireFromString("150")) {
		t.Fatalf("limit = %v", plan.Entry.Intent.LimitPrice)
	}
	if plan.Entry.ClientID != domain.LegClientID(plan.ID, domain.RoleEntry, 0) {
		t.Fatal("entry client id not derived from plan id")
	}
	if len(plan.TakeProfits) != len(cfg.TakeProfits) {
		t.Fatalf("take profits = %d", len(plan.TakeProfits))
	}
}

func TestBuildPlanMarketEntry(t *testing.T) {
	plan := BuildPlan(config.Default(), domain.SideBuy, decimal.RequireFromString("2"), decimal.Zero)
	if plan.Entry.Intent.Type != domain.OrderTypeMarket {
		t.Fatalf("entry type = %s", plan.Entry.Intent.Type)
	}
	if plan.Entry.Intent.LimitPrice != nil {
		t.Fatal("market entry carries a limit price")
	}
}

func TestPumpExecutionsFlattensBatches(t *testing.T) {
	frames := make(chan kraken.Frame, 2)
	out := make(chan kraken.Execution, 8)
	log := logrus.NewEntry(logrus.New())

	data, _ := json.Marshal([]kraken.Execution{
		{ClOrdID: "a", ExecType: kraken.ExecTypeTrade},
		{ClOrdID: "b", ExecType: kraken.ExecTypeFilled},
	})
	frames <- kraken.Frame{Kind: kraken.FrameChannelEvent, Channel: kraken.ChannelExecutions, Data: data}
	close(frames)

	pumpExecutions(context.Background(), frames, out, nil, log)

	var got []string
	for exec := range out {
		got = append(got, exec.ClOrdID)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("executions = %v", got)
	}
}

func TestPumpExecutionsSkipsUndecodable(t *testing.T) {
	frames := make(chan kraken.Frame, 2)
	out := make(chan kraken.Execution, 8)
	log := logrus.NewEntry(logrus.New())

	frames <- kraken.Frame{Kind: kraken.FrameChannelEvent, Data: json.RawMessage(`{"not":"a list"}`)}
	data, _ := json.Marshal([]kraken.Execution{{ClOrdID: "ok"}})
	frames <- kraken.Frame{Kind: kraken.FrameChannelEvent, Data: data}
	close(frames)

	pumpExecutions(context.Background(), frames, out, nil, log)

	var got []string
	for exec := range out {
		got = append(got, exec.ClOrdID)
	}
	if len(got) != 1 || got[0] != "ok" {
		t.Fatalf("executions = %v", got)
	}
}

func TestPumpTickers(t *testing.T) {
	frames := make(chan kraken.Frame, 1)
	out := make(chan kraken.Ticker, 4)
	log := logrus.NewEntry(logrus.New())

	data, _ := json.Marshal([]kraken.Ticker{{Symbol: "SOL/USD", Last: decimal.RequireFromString("151.2")}})
	frames <- kraken.Frame{Kind: kraken.FrameChannelEvent, Channel: kraken.ChannelTicker, Data: data}
	close(frames)

	pumpTickers(context.Background(), frames, out, log)

	tick, ok := <-out
	if !ok {
		t.Fatal("no tick delivered")
	}
	if tick.Symbol != "SOL/USD" || !tick.Last.Equal(decimal.RequireFromString("151.2")) {
		t.Fatalf("tick = %+v", tick)
	}
}
