package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/JorgeAlan/tagers-platform-sub003/internal/airunner"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/cache"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/chatwoot"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/config"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/confighub"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/feedback"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/governor"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/handoff"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/monitoring"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/queue"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/ratelimit"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/server"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/service"
)

func main() {
	// .env is optional; real deployments inject the environment directly.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitoring.NewMetrics()

	// Redis is optional: rate limiting, dedupe, queue and DLQ all fall back
	// to in-process stores when it is unreachable.
	var rdb redis.UniversalClient
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis unreachable, using in-process fallbacks",
			"addr", cfg.Redis.Addr, "error", err)
		client.Close()
	} else {
		rdb = client
		logger.Info("Connected to Redis", "addr", cfg.Redis.Addr)
	}
	pingCancel()

	limiter := ratelimit.New(rdb, ratelimit.Config{
		Window:       cfg.RateLimit.Window,
		MaxRequests:  cfg.RateLimit.MaxRequests,
		DedupeWindow: cfg.Dedupe.Window,
	})

	hub := handoff.NewHub(logger)

	gov := governor.New(limiter, hub, nil, nil, governor.HoursConfig{
		Enabled: cfg.Hours.Enabled,
		Start:   cfg.Hours.Start,
		End:     cfg.Hours.End,
	})

	chat := chatwoot.NewClient(chatwoot.Options{
		BaseURL:   cfg.Chatwoot.BaseURL,
		APIToken:  cfg.Chatwoot.APIToken,
		AccountID: cfg.Chatwoot.AccountID,
		RPS:       cfg.Chatwoot.RateLimit,
		Burst:     cfg.Chatwoot.RateBurst,
	})

	sc := cache.New(cache.Config{
		TTLFAQ:       cfg.Cache.TTLFAQ,
		TTLGeneral:   cfg.Cache.TTLGeneral,
		TTLTransient: cfg.Cache.TTLTransient,
		MaxEntries:   cfg.Cache.MaxEntries,
	})
	defer sc.Close()

	runner := airunner.New(airunner.Config{}, airunner.NewMetrics(prometheus.DefaultRegisterer))
	responder := service.NewResponder(runner, service.ModelCall(), sc, chat, hub, logger)

	registry := queue.NewRegistry()
	registry.Register(server.ProcessMessageHandler, responder.Handle)

	dlq := queue.NewDLQ(rdb, queue.DLQConfig{
		AlertThreshold: cfg.DLQ.AlertThreshold,
		CheckInterval:  cfg.DLQ.CheckInterval,
		AlertCooldown:  cfg.DLQ.AlertCooldown,
	}, func(waiting, threshold int) {
		logger.Error("DLQ above alert threshold", "waiting", waiting, "threshold", threshold)
	})
	defer dlq.Close()

	var backend queue.Backend
	if rdb != nil {
		backend = queue.NewRedisBackend(rdb, "jobs:main")
	} else {
		backend = queue.NewMemoryBackend(1024)
	}

	proc := queue.NewProcessor(backend, registry, chat, dlq, queue.Config{
		MaxConcurrent:      cfg.Processor.MaxConcurrent,
		MaxRetries:         cfg.Processor.MaxRetries,
		RetryDelay:         cfg.Processor.RetryDelay,
		ProcessingTimeout:  cfg.Processor.ProcessingTimeout,
		TypingEnabled:      cfg.Processor.TypingEnabled,
		TypingInterval:     cfg.Processor.TypingInterval,
		CompletedRetention: cfg.Processor.CompletedRetention,
	})
	proc.Start(ctx)
	defer proc.Stop()

	// Feedback store: Postgres when configured, in-memory otherwise.
	var store feedback.Store
	if cfg.PostgresDSN != "" {
		pg, err := feedback.OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("Postgres error: %v", err)
		}
		defer pg.Close()
		store = pg
		logger.Info("Feedback store: postgres")
	} else {
		store = feedback.NewMemoryStore()
		logger.Info("Feedback store: memory")
	}
	tuner := feedback.NewTuner(feedback.NewProcessor(store, logger), feedback.TunerConfig{
		MinSamples:           cfg.Tuner.MinSamples,
		Window:               cfg.Tuner.Window,
		FPRTrigger:           cfg.Tuner.FPRTrigger,
		RecallFloor:          1 - cfg.Tuner.MissTrigger,
		MinAdjustmentPercent: cfg.Tuner.MinAdjustmentPct,
		MaxAutoPercent:       cfg.Tuner.MaxAutoAdjustPct,
		Cooldown:             cfg.Tuner.Cooldown,
		MaxAutoPerWeek:       cfg.Tuner.MaxAutoPerWeek,
	}, logger)
	go tuner.Run(ctx, time.Hour)

	// Externally managed settings, refreshed in the background. Service
	// hours follow the hub so operators change them without a redeploy.
	if cfg.ConfigHub.URL != "" {
		hubCfg := confighub.New(confighub.HTTPSource{URL: cfg.ConfigHub.URL}, logger)
		go hubCfg.Poll(ctx, cfg.ConfigHub.PollInterval)
		go func() {
			ticker := time.NewTicker(cfg.ConfigHub.PollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					gov.SetHours(governor.HoursConfig{
						Enabled: hubCfg.GetBool("service_hours_enabled", cfg.Hours.Enabled),
						Start:   hubCfg.GetInt("service_hours_start", cfg.Hours.Start),
						End:     hubCfg.GetInt("service_hours_end", cfg.Hours.End),
					})
				}
			}
		}()
	}

	srv := server.New(gov, proc, dlq, sc, tuner, hub, metrics, logger)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGTERM.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
	}()

	log.Printf("🚀 Message processor starting on port %s", cfg.Server.Port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("Server stopped")
}
