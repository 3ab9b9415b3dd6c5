package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/driftmail/mailforge/internal/api"
	"github.com/driftmail/mailforge/internal/config"
	"github.com/driftmail/mailforge/internal/pkg/logger"
	"github.com/driftmail/mailforge/internal/ratelimit"
	"github.com/driftmail/mailforge/internal/registry"
	"github.com/driftmail/mailforge/internal/scheduler"
	"github.com/driftmail/mailforge/internal/standby"
	"github.com/driftmail/mailforge/internal/store"
	"github.com/driftmail/mailforge/internal/transport"
)

func main() {
	log.Println("Starting mailforge send engine...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.Redact())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Account pool: database-backed when configured, YAML accounts otherwise.
	reg := registry.New()

	var (
		st       *store.Store
		outcomes api.OutcomeReader
		accounts api.AccountWriter
		sink     scheduler.OutcomeSink
	)
	if cfg.Database.Enabled {
		st, err = store.Open(cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer st.Close()
		if err := reg.Load(ctx, st); err != nil {
			log.Fatalf("Failed to load smtp accounts: %v", err)
		}
		outcomes, accounts, sink = st, st, st
		log.Printf("Loaded %d smtp accounts from database", reg.Len())

		// Persisted tuning wins over the config file.
		if v, err := st.GetSetting(ctx, "max_concurrent", ""); err == nil && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				cfg.Sending.MaxConcurrent = n
			}
		}
		if v, err := st.GetSetting(ctx, "delay_between_batches_ms", ""); err == nil && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				cfg.Sending.DelayBetweenBatchesMs = n
			}
		}
	} else {
		for _, a := range cfg.Accounts {
			reg.Put(a.ToDomain())
		}
		mem := store.NewMemoryLog(0)
		outcomes, sink = mem, mem
		log.Printf("Running without database: %d smtp accounts from config", reg.Len())
	}

	var limiter scheduler.RateLimiter
	if cfg.Redis.Enabled {
		l, err := ratelimit.NewFromURL(cfg.Redis.URL)
		if err != nil {
			log.Printf("WARNING: rate limiter disabled: %v", err)
		} else {
			defer l.Close()
			limiter = l
			log.Println("Per-account rate limiting enabled")
		}
	}

	policy := standby.NewPolicy(reg)
	go policy.Run(ctx, cfg.Sending.StandbySweep())

	pool := transport.NewPool(reg, cfg.Sending.SendTimeout(), cfg.Sending.MessagesPerConnection)

	sched := scheduler.New(reg, policy, pool, sink, limiter, scheduler.Config{
		MaxConcurrent:       cfg.Sending.MaxConcurrent,
		DelayBetweenBatches: cfg.Sending.BatchDelay(),
		SendTimeout:         cfg.Sending.SendTimeout(),
	})

	handlers := api.NewHandlers(sched, reg, pool, outcomes, accounts)
	server := api.NewServer(handlers)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", addr)
		errCh <- server.ListenAndServe(addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received %v, shutting down...", sig)
	case err := <-errCh:
		log.Printf("HTTP server error: %v", err)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}

	// Let the in-flight batch settle, then tear down SMTP connections.
	sched.Stop()
	pool.CloseAll()

	log.Println("Shutdown complete")
}
