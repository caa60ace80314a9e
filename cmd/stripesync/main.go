package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/cyphera/stripe-sync/internal/config"
	"github.com/cyphera/stripe-sync/internal/db"
	"github.com/cyphera/stripe-sync/internal/logger"
	"github.com/cyphera/stripe-sync/internal/metrics"
	"github.com/cyphera/stripe-sync/internal/server"
	"github.com/cyphera/stripe-sync/internal/stream"
	"github.com/cyphera/stripe-sync/internal/stripeapi"
	syncpkg "github.com/cyphera/stripe-sync/internal/sync"
	"github.com/cyphera/stripe-sync/internal/webhook"
)

const usage = `Usage: stripesync <command>

Commands:
  migrate              apply database migrations
  start                run the webhook server and background workers
  backfill <object>    backfill one entity kind (or "all")
  listen               stream live events over a WebSocket session
`

func main() {
	if err := run(); err != nil {
		logger.Error("Command failed", zap.Error(err))
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}

	// Missing .env is fine; real deployments configure the environment.
	_ = godotenv.Load()
	logger.InitLogger(os.Getenv("STAGE"))
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DatabaseURL, cfg.MaxPostgresConnections, logger.Log)
	if err != nil {
		return err
	}
	defer pool.Close()

	switch os.Args[1] {
	case "migrate":
		return db.Migrate(ctx, pool, cfg.Schema, logger.Log)
	case "start":
		return runStart(ctx, cfg, pool)
	case "backfill":
		if len(os.Args) < 3 {
			return errors.New("backfill requires an entity kind")
		}
		return runBackfill(ctx, cfg, pool, os.Args[2])
	case "listen":
		return runListen(ctx, cfg, pool)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", os.Args[1])
	}
}

// app is the wired object graph shared by the long-running commands.
type app struct {
	accountID string
	api       *stripeapi.Client
	entities  *db.EntityStore
	runs      *db.SyncRunStore
	upserter  *syncpkg.Upserter
	engine    *syncpkg.Engine
	router    *webhook.Router
	registry  *webhook.Registry
}

// buildApp migrates the schema and resolves the account before wiring the
// components. A failed migration drops the schema and retries once, which
// recovers from a half-applied install.
func buildApp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (*app, error) {
	if err := db.Migrate(ctx, pool, cfg.Schema, logger.Log); err != nil {
		if errors.Is(err, db.ErrLegacyInstall) {
			return nil, err
		}
		logger.Warn("Migration failed, dropping schema and retrying once", zap.Error(err))
		if dropErr := db.DropSchema(ctx, pool, cfg.Schema); dropErr != nil {
			return nil, dropErr
		}
		if err := db.Migrate(ctx, pool, cfg.Schema, logger.Log); err != nil {
			return nil, err
		}
	}

	api := stripeapi.New(stripeapi.Config{
		APIKey:     cfg.StripeAPIKey,
		BaseURL:    cfg.StripeBaseURL,
		APIVersion: cfg.StripeAPIVersion,
	}, logger.Log)

	accountID, err := api.GetAccountID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source account: %w", err)
	}
	accounts := db.NewAccountStore(pool, cfg.Schema)
	if _, err := accounts.GetOrCreate(ctx, accountID, db.HashAPIKey(cfg.StripeAPIKey)); err != nil {
		return nil, err
	}
	logger.Info("Resolved source account", zap.String("account_id", accountID))

	entities := db.NewEntityStore(pool, cfg.Schema)
	runs := db.NewSyncRunStore(pool, cfg.Schema)
	upserter := syncpkg.NewUpserter(entities, api, cfg, logger.Log)
	engine := syncpkg.NewEngine(runs, entities, api, upserter, cfg, logger.Log)
	router := webhook.NewRouter(upserter, api, cfg, logger.Log)
	webhooks := db.NewManagedWebhookStore(pool, cfg.Schema)
	registry := webhook.NewRegistry(webhook.NewPoolLocker(pool, webhooks), webhooks, api, logger.Log)

	return &app{
		accountID: accountID,
		api:       api,
		entities:  entities,
		runs:      runs,
		upserter:  upserter,
		engine:    engine,
		router:    router,
		registry:  registry,
	}, nil
}

func runStart(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
	a, err := buildApp(ctx, cfg, pool)
	if err != nil {
		return err
	}

	var managed *db.ManagedWebhook
	if baseURL := os.Getenv("WEBHOOK_BASE_URL"); baseURL != "" {
		managed, err = a.registry.FindOrCreate(ctx, a.accountID, baseURL+"/stripe-webhooks")
		if err != nil {
			return err
		}
		logger.Info("Webhook endpoint ready", zap.String("url", managed.URL))
	}

	// Periodic stale-run sweep so a crashed worker never wedges the account.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 1m", func() {
		n, err := a.runs.CancelStaleRuns(context.Background(), a.accountID, cfg.StaleRunInterval)
		if err != nil {
			logger.Error("Stale-run sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			metrics.StaleRunsCancelled.Add(float64(n))
			logger.Warn("Cancelled stale sync runs", zap.Int("count", n))
		}
	}); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := server.New(cfg, a.router, a.registry, a.engine, a.accountID, logger.Log)
	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if managed != nil && !cfg.KeepWebhooksOnShutdown {
		if err := a.registry.Delete(shutdownCtx, managed.ProviderWebhookID); err != nil {
			logger.Warn("Failed to remove managed webhook", zap.Error(err))
		}
	}
	return srv.Shutdown(shutdownCtx)
}

func runBackfill(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, object string) error {
	a, err := buildApp(ctx, cfg, pool)
	if err != nil {
		return err
	}
	summary, err := a.engine.ProcessUntilDone(ctx, a.accountID, syncpkg.BackfillParams{
		Object:      object,
		TriggeredBy: "cli",
	})
	if summary != nil {
		for kind, n := range summary.Processed {
			logger.Info("Backfill finished", zap.String("object", kind), zap.Int("processed", n))
		}
	}
	return err
}

// runListen streams live events and feeds them through the same router the
// HTTP webhook path uses. The session secret rotates per connection; the
// handler always verifies against the latest one.
func runListen(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
	a, err := buildApp(ctx, cfg, pool)
	if err != nil {
		return err
	}

	var secret atomic.Value
	secret.Store("")

	handler := func(ctx context.Context, payload []byte, headers map[string]string) (*stream.EventResult, error) {
		current, _ := secret.Load().(string)
		result, err := a.router.Process(ctx, payload, headers["Stripe-Signature"], current, a.accountID)
		if err != nil {
			return nil, err
		}
		return &stream.EventResult{EventID: result.EventID, EventType: result.EventType}, nil
	}

	client := stream.NewClient(a.api, handler, stream.Options{
		DeviceName: "stripe-sync",
		OnReady: func(session *stripeapi.CLISession) {
			secret.Store(session.Secret)
			metrics.StreamReconnects.Inc()
		},
		OnError: func(err error) {
			logger.Error("Stream event failed", zap.Error(err))
		},
	}, logger.Log)

	go func() {
		<-ctx.Done()
		client.Close()
	}()
	return client.Run(ctx)
}
