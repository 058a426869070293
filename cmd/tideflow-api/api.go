package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	cli "github.com/urfave/cli/v3"

	"github.com/tideflow-io/tideflow/pkg/bulk"
	"github.com/tideflow-io/tideflow/pkg/cmd"
	"github.com/tideflow-io/tideflow/pkg/dedup"
	"github.com/tideflow-io/tideflow/pkg/dispatch"
	"github.com/tideflow-io/tideflow/pkg/engine"
	"github.com/tideflow-io/tideflow/pkg/eventbus"
	"github.com/tideflow-io/tideflow/pkg/metrics"
	"github.com/tideflow-io/tideflow/pkg/persistence"
	"github.com/tideflow-io/tideflow/pkg/subject"
	"github.com/tideflow-io/tideflow/pkg/web"
)

const shutdownTimeout = 10 * time.Second

// APIApp bundles the fiber application with the collaborators it must close
// on shutdown.
type APIApp struct {
	logger      *slog.Logger
	app         *fiber.App
	engine      *engine.Engine
	persistence persistence.Persistence
	bus         eventbus.EventBus
	inProcess   bool
}

// NewAPIApp wires persistence, the event bus and the engine, then mounts the
// REST handlers.
func NewAPIApp(ctx context.Context, logger *slog.Logger, command *cli.Command) (*APIApp, error) {
	db := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	busProvider := command.String("event-bus")
	bus := cmd.NewEventBus(busProvider, "tideflow-api", logger)

	var (
		deduplicator dedup.Deduplicator
		limiter      bulk.Limiter
	)

	if redisClient := cmd.NewRedisClient(command.String("redis-url")); redisClient != nil {
		deduplicator = dedup.NewRedis(redisClient, dedup.Options{})
		limiter = bulk.NewRedisLimiter(redisClient, 0)
	}

	registry := prometheus.NewRegistry()

	dispatcher := dispatch.NewWithBreaker(
		dispatch.NewHTTPDispatcher(command.String("dispatcher-url"), logger),
		logger,
	)

	eng, err := engine.New(ctx, engine.Config{
		Persistence:  db,
		Subjects:     subject.NewMemoryStore(),
		Dispatcher:   dispatcher,
		Logger:       logger,
		Bus:          bus,
		Deduplicator: deduplicator,
		Limiter:      limiter,
		Metrics:      metrics.New(registry),
	})
	if err != nil {
		return nil, err
	}

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Tideflow API")
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	web.NewAPIHandlers(eng, db).RegisterRoutes(app)

	return &APIApp{
		logger:      logger,
		app:         app,
		engine:      eng,
		persistence: db,
		bus:         bus,
		// GoChannel is in-process only, so the api must consume its own
		// bus. With Kafka the workers own consumption.
		inProcess: busProvider == "gochannel",
	}, nil
}

// Run serves HTTP until the context is cancelled or a termination signal
// arrives, then shuts down in order: listener, bus, persistence.
func (a *APIApp) Run(ctx context.Context, port string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.inProcess {
		if err := a.engine.Start(ctx); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		a.logger.Info("Shutting down Tideflow API")

		if err := a.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			a.logger.Error("HTTP shutdown failed", "error", err)
		}
	}()

	err := a.app.Listen(":" + port)

	if closeErr := a.bus.Close(); closeErr != nil {
		a.logger.Error("Event bus close failed", "error", closeErr)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if closeErr := a.persistence.Close(closeCtx); closeErr != nil {
		a.logger.Error("Persistence close failed", "error", closeErr)
	}

	return err
}
