package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/tideflow-io/tideflow/pkg/bulk"
	"github.com/tideflow-io/tideflow/pkg/cmd"
	"github.com/tideflow-io/tideflow/pkg/dedup"
	"github.com/tideflow-io/tideflow/pkg/dispatch"
	"github.com/tideflow-io/tideflow/pkg/engine"
	"github.com/tideflow-io/tideflow/pkg/eventbus"
	"github.com/tideflow-io/tideflow/pkg/otelhelper"
	"github.com/tideflow-io/tideflow/pkg/persistence"
	"github.com/tideflow-io/tideflow/pkg/subject"
)

// WorkerManager consumes the event bus and drives the engine: advancing
// executions, enrolling matched events and processing bulk jobs.
type WorkerManager struct {
	id       string
	logger   *slog.Logger
	engine   *engine.Engine
	eventBus eventbus.EventBus
}

func NewWorkerManager(
	ctx context.Context,
	id string,
	db persistence.Persistence,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
	command *cli.Command,
) (*WorkerManager, error) {
	var (
		deduplicator dedup.Deduplicator
		limiter      bulk.Limiter
	)

	if redisClient := cmd.NewRedisClient(command.String("redis-url")); redisClient != nil {
		deduplicator = dedup.NewRedis(redisClient, dedup.Options{})
		limiter = bulk.NewRedisLimiter(redisClient, 0)
	}

	dispatcher := dispatch.NewWithBreaker(
		dispatch.NewHTTPDispatcher(command.String("dispatcher-url"), logger),
		logger,
	)

	eng, err := engine.New(ctx, engine.Config{
		Persistence:  db,
		Subjects:     subject.NewMemoryStore(),
		Dispatcher:   dispatcher,
		Logger:       logger,
		Bus:          eventBus,
		Deduplicator: deduplicator,
		Limiter:      limiter,
	})
	if err != nil {
		return nil, err
	}

	if wb, ok := eventBus.(*eventbus.WatermillEventBus); ok {
		tracer, err := otelhelper.NewTracer(ctx, "tideflow-worker")
		if err != nil {
			logger.WarnContext(ctx, "Tracing disabled, exporter unavailable", "error", err)
		} else {
			wb.SetTracer(tracer)
		}
	}

	return &WorkerManager{
		id:       id,
		logger:   logger.With("module", "tideflow-worker"),
		engine:   eng,
		eventBus: eventBus,
	}, nil
}

// Start subscribes to the bus and blocks until a termination signal.
func (w *WorkerManager) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker manager", "worker_id", w.id)

	if err := w.engine.Start(ctx); err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	w.logger.InfoContext(ctx, "Shutting down worker")

	return nil
}
