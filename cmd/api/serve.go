package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"appforge/internal/agent"
	"appforge/internal/agent/llm"
	"appforge/internal/agent/offline"
	"appforge/internal/api"
	"appforge/internal/auth"
	"appforge/internal/config"
	"appforge/internal/hub"
	"appforge/internal/notify"
	"appforge/internal/packaging"
	"appforge/internal/pipeline"
	"appforge/internal/progress"
	"appforge/internal/ratelimit"
	"appforge/internal/registry"
	"appforge/internal/storage"
	"appforge/internal/store"
	"appforge/internal/sweeper"
	"appforge/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the build API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	telemetry.Register()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseDSN, cfg.DefaultCredits)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	events := hub.New(cfg.AllowedOrigins)
	go events.Run()
	defer events.Stop()

	notifier := notify.New(st, cfg.SlackWebhookURL)
	reg := registry.New()
	reporter := progress.New(reg, st, events, notifier)

	var mirror storage.Uploader
	s3, err := storage.NewS3(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init s3 mirror: %w", err)
	}
	if s3 != nil {
		mirror = s3
		log.Printf("serve: mirroring archives to s3://%s", cfg.S3Bucket)
	}
	packager := packaging.New(cfg.ArchiveDir, mirror)
	builds := pipeline.New(reg, reporter, agentsFor(cfg), packager)

	sw := sweeper.New(reg, cfg.ArchiveDir, cfg.RetentionTTL)
	if err := sw.Schedule(cfg.RegistrySweepSpec, cfg.DirectorySweepSpec); err != nil {
		return err
	}
	sw.Start()
	defer sw.Stop()

	deps := api.Deps{
		Registry: reg,
		Store:    st,
		Builds:   builds,
		Auth:     auth.New(cfg.JWTSecret),
		Notifier: notifier,
		Events:   events,
	}
	if limiter, closeRedis := redisLimiter(ctx, cfg); limiter != nil {
		defer closeRedis()
		deps.Limiter = limiter
	}
	if cfg.JWTSecret == "" {
		log.Printf("serve: JWT_SECRET not set, trusting the %s header", auth.HeaderUserID)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(cfg, deps).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("api listening on :%s (archives in %s)", cfg.HTTPPort, cfg.ArchiveDir)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := builds.Shutdown(shutdownCtx); err != nil {
		log.Printf("pipeline shutdown: %v", err)
	}
	return nil
}

func agentsFor(cfg config.Config) agent.Agents {
	if cfg.LLMAPIKey == "" {
		log.Println("serve: LLM_API_KEY not set, using the offline generator")
		return offline.New().Agents()
	}
	log.Printf("serve: using model %s at %s", cfg.LLMModel, cfg.LLMBaseURL)
	return llm.New(llm.Config{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
		Timeout: cfg.LLMTimeout,
	}).Agents()
}

// redisLimiter connects the build rate limiter when REDIS_ADDR is set. An unreachable Redis
// disables rate limiting rather than failing startup.
func redisLimiter(ctx context.Context, cfg config.Config) (api.Limiter, func()) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("serve: redis %s unreachable, rate limiting disabled: %v", cfg.RedisAddr, err)
		_ = client.Close()
		return nil, nil
	}
	log.Printf("serve: rate limiting builds to %d per user (refill %.3f/s)", cfg.RateLimitCapacity, cfg.RateLimitRefill)
	return ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour), func() { _ = client.Close() }
}
