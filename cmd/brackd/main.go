package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/rjkroon/brackd/internal/app"
	"github.com/rjkroon/brackd/internal/config"
	"github.com/rjkroon/brackd/internal/domain"
)

func main() {
	configPath := flag.String("config", "", "YAML config path; empty uses defaults plus env")
	side := flag.String("side", "buy", "entry side: buy or sell")
	qty := flag.String("qty", "", "entry quantity; empty sizes from the free quote balance")
	limit := flag.String("limit", "", "entry limit price; empty enters at market")
	validate := flag.Bool("validate", false, "exchange-side validation only, nothing executes")
	reconcile := flag.Bool("reconcile", false, "cancel existing sells and protect inventory before entering")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if err := config.ValidateCredentials(cfg); err != nil {
		log.Fatalf("credentials: %v", err)
	}

	opts := app.BracketOptions{
		Side:         domain.Side(*side),
		ValidateOnly: *validate || cfg.ValidateOnly,
		Reconcile:    *reconcile,
	}
	if opts.Side != domain.SideBuy && opts.Side != domain.SideSell {
		log.Fatalf("side must be buy or sell, got %q", *side)
	}
	if *qty != "" {
		opts.Qty, err = decimal.NewFromString(*qty)
		if err != nil || opts.Qty.Sign() <= 0 {
			log.Fatalf("invalid qty %q", *qty)
		}
	}
	if *limit != "" {
		opts.LimitPrice, err = decimal.NewFromString(*limit)
		if err != nil || opts.LimitPrice.Sign() <= 0 {
			log.Fatalf("invalid limit %q", *limit)
		}
	}

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("init failed: %v", err)
	}
	defer func() {
		_ = a.Close()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state, err := a.RunBracket(ctx, opts)
	if err != nil {
		log.Fatalf("bracket run failed: %v", err)
	}
	log.Printf("plan finished: %s", state)
}
