package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"barwatch/config"
	"barwatch/internal/barengine"
	"barwatch/internal/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[barengine] config: %v", err)
	}

	logger.Init("barengine", logger.ParseLevel(cfg.Log.Level), logger.FileOptions{Path: cfg.Log.File})
	log.Printf("[barengine] broker=%s url=%s watchlist=%v", cfg.Broker.Mode, cfg.Broker.URL, cfg.Watchlist)

	svc, err := barengine.New(cfg, nil)
	if err != nil {
		log.Fatalf("[barengine] init failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		log.Fatalf("[barengine] fatal: %v", err)
	}
}
