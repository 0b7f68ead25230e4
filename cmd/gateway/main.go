package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/completion-gateway/config"
	"github.com/vnmchuo/completion-gateway/internal/auth"
	"github.com/vnmchuo/completion-gateway/internal/logging"
	"github.com/vnmchuo/completion-gateway/internal/provider"
	"github.com/vnmchuo/completion-gateway/internal/provider/claude"
	"github.com/vnmchuo/completion-gateway/internal/provider/gemini"
	"github.com/vnmchuo/completion-gateway/internal/provider/openai"
	"github.com/vnmchuo/completion-gateway/internal/proxy"
	"github.com/vnmchuo/completion-gateway/internal/registry"
	"github.com/vnmchuo/completion-gateway/internal/seeder"
	"github.com/vnmchuo/completion-gateway/internal/telemetry"
	"github.com/vnmchuo/completion-gateway/internal/usage"
	"github.com/vnmchuo/completion-gateway/internal/worker"
	"github.com/vnmchuo/completion-gateway/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("completion-gateway", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()
	tracer := otel.GetTracerProvider().Tracer("completion-gateway")

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Info("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Info("Redis connected")

	// 5. Schema, auth and seeding
	authStore := auth.NewPostgresStore(pool)
	usageStore := usage.NewPostgresStore(pool)
	if err := authStore.EnsureSchema(ctx); err != nil {
		log.Fatalf("failed to prepare auth schema: %v", err)
	}
	if err := usageStore.EnsureSchema(ctx); err != nil {
		log.Fatalf("failed to prepare usage schema: %v", err)
	}
	authMiddleware := auth.NewMiddleware(authStore, rdb)
	admin := auth.NewAdminHandler(authStore, rdb)

	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedAdmin(ctx, authStore, cfg.AdminEmail, cfg.AdminAPIKey)
	}

	// 6. Servable models, built once from the catalog and the environment
	models := registry.Load(config.LookupEnv)
	if len(models.Models()) == 0 {
		log.Warn("no servable models: set at least one provider API key")
	}

	// 7. Upstream providers keyed by resolve-as prefix
	providers := map[string]provider.Provider{}
	if cfg.OpenAIAPIKey != "" {
		providers["openai"] = openai.New("openai", cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	}
	if cfg.OpenRouterAPIKey != "" {
		providers["openrouter"] = openai.New("openrouter", cfg.OpenRouterAPIKey, cfg.OpenRouterBaseURL)
	}
	if cfg.TogetherAIAPIKey != "" {
		providers["together_ai"] = openai.New("together_ai", cfg.TogetherAIAPIKey, cfg.TogetherAIBaseURL)
	}
	if cfg.GeminiAPIKey != "" {
		providers["gemini"] = gemini.New(cfg.GeminiAPIKey)
	}
	if cfg.AnthropicAPIKey != "" {
		providers["anthropic"] = claude.New(cfg.AnthropicAPIKey)
	}
	router := proxy.NewRouter(providers)

	// 8. Stats aggregator
	queue := worker.NewQueue()
	aggregator := worker.NewAggregator(queue, usageStore, tracer, cfg.StatsFlushInterval, cfg.StatsPersistTimeout)
	aggregator.Start()

	// 9. Completion pipeline and handler
	var guard proxy.ModelGuard
	if cfg.EnforceModelTPM {
		guard = ratelimit.NewModelLimiter(rdb)
	}
	completions := proxy.NewCompletionProxy(models, router, queue, guard, tracer)
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
	handler := proxy.NewHandler(completions, models, usageStore, limiter, tracer)

	// 10. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(logging.Middleware)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"completion-gateway"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat/completions", handler.HandleComplete)
		r.Get("/v1/models", handler.HandleModels)
		r.Get("/v1/models/{model}", handler.HandleModel)
		r.Get("/v1/usage", handler.HandleUsage)
		r.Get("/v1/usage/users", handler.HandleUsersUsage)

		// Admin: users and API keys
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Get("/v1/users-list", admin.HandleListUsers)
			r.Post("/v1/users-create", admin.HandleCreateUser)
			r.Post("/v1/users-update", admin.HandleUpdateUser)
			r.Post("/v1/users-delete", admin.HandleDeleteUser)
			r.Post("/v1/keys-list", admin.HandleListKeys)
			r.Post("/v1/keys-create", admin.HandleCreateKey)
			r.Post("/v1/keys-update", admin.HandleUpdateKey)
			r.Post("/v1/keys-delete", admin.HandleDeleteKey)
		})
	})

	// 11. Serve until signalled, then shut down: HTTP first, stats last
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(sigCtx)

	g.Go(func() error {
		log.Infof("Completion gateway starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("forced shutdown")
		}
		log.Info("Server stopped")

		if err := aggregator.Stop(cfg.StatsShutdownTimeout); err != nil {
			log.WithFields(log.Fields{"pending": queue.Len()}).WithError(err).Warn("usage stats may be lost")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server error")
	}
}
