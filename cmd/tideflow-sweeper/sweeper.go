package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	cli "github.com/urfave/cli/v3"

	"github.com/tideflow-io/tideflow/pkg/dispatch"
	"github.com/tideflow-io/tideflow/pkg/engine"
	"github.com/tideflow-io/tideflow/pkg/eventbus"
	"github.com/tideflow-io/tideflow/pkg/persistence"
	"github.com/tideflow-io/tideflow/pkg/subject"
)

// Sweeper wakes due executions on a cron schedule. Resumed executions run
// through the engine, which publishes their lifecycle events on the bus.
type Sweeper struct {
	logger   *slog.Logger
	engine   *engine.Engine
	schedule string
	limit    int
}

func NewSweeper(
	ctx context.Context,
	db persistence.Persistence,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
	command *cli.Command,
) (*Sweeper, error) {
	dispatcher := dispatch.NewWithBreaker(
		dispatch.NewHTTPDispatcher(command.String("dispatcher-url"), logger),
		logger,
	)

	eng, err := engine.New(ctx, engine.Config{
		Persistence: db,
		Subjects:    subject.NewMemoryStore(),
		Dispatcher:  dispatcher,
		Logger:      logger,
		Bus:         eventBus,
	})
	if err != nil {
		return nil, err
	}

	return &Sweeper{
		logger:   logger.With("module", "tideflow-sweeper"),
		engine:   eng,
		schedule: command.String("schedule"),
		limit:    command.Int("sweep-limit"),
	}, nil
}

// Run sweeps on the configured schedule until a termination signal.
func (s *Sweeper) Run(ctx context.Context) error {
	scheduler := cron.New()

	_, err := scheduler.AddFunc(s.schedule, func() {
		s.sweep(ctx)
	})
	if err != nil {
		return err
	}

	scheduler.Start()
	s.logger.InfoContext(ctx, "Sweeper started", "schedule", s.schedule, "limit", s.limit)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	s.logger.InfoContext(ctx, "Shutting down sweeper")

	stopCtx := scheduler.Stop()
	<-stopCtx.Done()

	return nil
}

func (s *Sweeper) sweep(ctx context.Context) {
	resumed, err := s.engine.SweepDueResumes(ctx, s.limit)
	if err != nil {
		s.logger.ErrorContext(ctx, "Sweep failed", "error", err)

		return
	}

	if resumed > 0 {
		s.logger.InfoContext(ctx, "Woke due executions", "count", resumed)
	}
}
