package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"golang.org/x/sync/errgroup"

	"github.com/salespath/webhooklog/app/controllers"
	"github.com/salespath/webhooklog/app/repository"
	"github.com/salespath/webhooklog/internal/pkg/archive"
	"github.com/salespath/webhooklog/internal/pkg/cache"
	"github.com/salespath/webhooklog/internal/pkg/database"
	"github.com/salespath/webhooklog/internal/pkg/effects"
	"github.com/salespath/webhooklog/internal/pkg/env"
	"github.com/salespath/webhooklog/internal/pkg/ingest"
	"github.com/salespath/webhooklog/internal/pkg/jobqueue"
	"github.com/salespath/webhooklog/internal/pkg/logquery"
	"github.com/salespath/webhooklog/internal/pkg/metrics/counter"
	"github.com/salespath/webhooklog/internal/pkg/middleware"
	"github.com/salespath/webhooklog/internal/pkg/reconcile"
	"github.com/salespath/webhooklog/internal/pkg/replay"
	"github.com/salespath/webhooklog/internal/pkg/router"
	"github.com/salespath/webhooklog/internal/pkg/signature"
)

const shutdownTimeout = 10 * time.Second

// Application is the assembled server and its background workers.
type Application struct {
	App     *fiber.App
	Queue   *jobqueue.Queue
	Sweeper *reconcile.Sweeper
}

func main() {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()
	defer cache.Close()

	application, err := NewApplication(context.Background())
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx, fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))); err != nil {
		log.Fatal(err)
	}
	log.Info("Shutdown complete")
}

// NewApplication wires the ingestion pipeline, replay and the HTTP surface.
func NewApplication(ctx context.Context) (*Application, error) {
	repos := repository.NewFactory(database.GetDB()).GetRepositories()
	rdb := cache.GetClient()
	outcomes := counter.New(rdb)
	verifier := signature.NewVerifier(signature.DefaultEnvSecrets())

	effectsCfg, err := effects.LoadConfig()
	if err != nil {
		return nil, err
	}
	if !effectsCfg.Enabled() {
		log.Warn("SUBSCRIPTION_SERVICE_URL not set, effects are only logged")
	}
	processor := effects.NewProcessor(repos.Effect, repos.Business, effectsCfg.NewDownstream(), effectsCfg.ClaimLease)

	ingestCfg, err := ingest.LoadConfig()
	if err != nil {
		return nil, err
	}
	opts := ingest.Options{Counter: outcomes, Timeout: ingestCfg.Timeout}

	archiveCfg, err := archive.LoadConfig()
	if err != nil {
		return nil, err
	}
	if archiveCfg.IsEnabled() {
		archiver, err := archive.NewClient(ctx, archiveCfg)
		if err != nil {
			return nil, err
		}
		opts.Archiver = archiver
	}

	var (
		handler *ingest.Handler
		queue   *jobqueue.Queue
	)
	if ingestCfg.Queued() {
		queue = jobqueue.NewQueue(rdb, jobqueue.ProcessorFunc(func(ctx context.Context, logID string) error {
			return handler.ProcessByID(ctx, logID)
		}), ingestCfg.Workers)
		opts.Dispatcher = queue
	}
	handler = ingest.NewHandler(repos.WebhookLog, verifier, processor, opts)

	replayCfg, err := replay.LoadConfig()
	if err != nil {
		return nil, err
	}
	replayer := replay.NewController(repos.WebhookLog, verifier, replayCfg.NewSubmitter(handler), replayCfg.Timeout)

	reconcileCfg, err := reconcile.LoadConfig()
	if err != nil {
		return nil, err
	}
	var sweeper *reconcile.Sweeper
	if reconcileCfg.Enabled() {
		sweeper = reconcile.NewSweeper(repos.WebhookLog, replayer, reconcileCfg)
	}

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName:   "webhooklog",
		BodyLimit: 1 << 20, // Paystack events are a few KB
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	swaggerFile := env.GetEnv("SWAGGER_FILE", "./docs/openapi.yml")
	if _, err := os.Stat(swaggerFile); err == nil {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/",
			FilePath: swaggerFile,
			Path:     "api",
		}))
	} else {
		log.Warnf("OpenAPI document %s not found, /docs/api disabled", swaggerFile)
	}

	facade := logquery.NewFacade(repos.WebhookLog, outcomes)
	if queue != nil {
		facade.WithQueue(queue)
	}

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Webhooks:       controllers.NewWebhookController(handler),
		Admin:          controllers.NewAdminWebhookController(facade, replayer),
		AdminKeys:      middleware.LoadAdminKeyHashes(),
		LimiterStorage: router.NewLimiterStorage(),
		Health: func(ctx context.Context) error {
			return errors.Join(database.Ping(ctx), cache.Ping(ctx))
		},
	})

	return &Application{App: app, Queue: queue, Sweeper: sweeper}, nil
}

// Run serves HTTP and runs the background workers until ctx is cancelled or
// one of them fails.
func (a *Application) Run(ctx context.Context, addr string) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.App.Listen(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down HTTP server...")
		return a.App.ShutdownWithTimeout(shutdownTimeout)
	})
	if a.Queue != nil {
		g.Go(func() error {
			return a.Queue.Run(gctx)
		})
	}
	if a.Sweeper != nil {
		g.Go(func() error {
			return a.Sweeper.Run(gctx)
		})
	}

	return g.Wait()
}
