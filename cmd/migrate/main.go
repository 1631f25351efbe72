package main

import (
	"flag"
	"log"

	"github.com/rjkroon/brackd/internal/config"
	"github.com/rjkroon/brackd/internal/infra/sqlite"
)

func main() {
	configPath := flag.String("config", "", "YAML config path; empty uses defaults plus env")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	db, err := sqlite.Open(cfg.DBPath, 5000)
	if err != nil {
		log.Fatalf("sqlite open failed: %v", err)
	}
	defer func() {
		_ = db.Close()
	}()
	if err := sqlite.Migrate(db); err != nil {
		log.Fatalf("migrate failed: %v", err)
	}
	log.Printf("schema current at %s", cfg.DBPath)
}
