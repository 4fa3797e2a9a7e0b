package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/JorgeAlan/tagers-platform-sub003/internal/beacon"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/config"
)

// beacond consumes operational beacons from Pub/Sub, runs the rule engine
// on each one and publishes the resulting instructions.
func main() {
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if cfg.Beacon.ProjectID == "" {
		log.Fatal("BEACON_PUBSUB_PROJECT is required")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	rules, err := beacon.LoadHardRules(cfg.Beacon.HardRulesPath)
	if err != nil {
		log.Fatalf("Hard rules error: %v", err)
	}
	logger.Info("Hard rules loaded",
		"path", cfg.Beacon.HardRulesPath,
		"peak_shaving", len(rules.PeakShaving),
		"pull_only", len(rules.PullOnly))

	engine := beacon.NewEngine(rules, logger)

	outTopic := os.Getenv("BEACON_PUBSUB_OUT_TOPIC")
	if outTopic == "" {
		outTopic = "instructions"
	}
	src, err := beacon.NewPubSubSource(cfg.Beacon.ProjectID, cfg.Beacon.SubscriptionID, outTopic, engine)
	if err != nil {
		log.Fatalf("Pub/Sub error: %v", err)
	}
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received")
		cancel()
	}()

	log.Printf("🚀 Beacon daemon consuming %s/%s", cfg.Beacon.ProjectID, cfg.Beacon.SubscriptionID)
	if err := src.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("Receive failed: %v", err)
	}
	log.Println("Beacon daemon stopped")
}
