package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rjkroon/brackd/internal/config"
	"github.com/rjkroon/brackd/internal/doctor"
	"github.com/rjkroon/brackd/internal/kraken"
)

func main() {
	configPath := flag.String("config", "", "YAML config path; empty uses defaults plus env")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("FAIL config: %v\n", err)
		os.Exit(1)
	}

	runner := doctor.Runner{Cfg: cfg}
	if cfg.APIKey != "" && cfg.APISecret != "" {
		rest, err := kraken.NewRESTClient(kraken.RESTOptions{
			BaseURL:   cfg.RESTBaseURL,
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
		})
		if err != nil {
			fmt.Printf("FAIL rest_client: %v\n", err)
			os.Exit(1)
		}
		runner.REST = rest
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	exit := 0
	for _, result := range doctor.RunAll(ctx, runner) {
		status := "PASS"
		if !result.OK {
			status = "FAIL"
			exit = 1
		}
		fmt.Printf("%s %s: %s\n", status, result.Name, result.Details)
	}
	if exit != 0 {
		os.Exit(exit)
	}
}
