package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/tideflow-io/tideflow/pkg/cmd"
	"github.com/tideflow-io/tideflow/pkg/log"
)

func main() {
	command := &cli.Command{
		Name:                  "tideflow-sweeper",
		EnableShellCompletion: true,
		Usage:                 "Periodically wake executions whose resume time has passed",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL for persistence",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:     "dispatcher-url",
				Usage:    "Endpoint of the action dispatcher service",
				Required: true,
				Sources:  cli.EnvVars("DISPATCHER_URL"),
			},
			&cli.StringFlag{
				Name:    "schedule",
				Usage:   "Cron expression for the sweep cadence",
				Value:   "@every 30s",
				Sources: cli.EnvVars("SWEEP_SCHEDULE"),
			},
			&cli.IntFlag{
				Name:    "sweep-limit",
				Usage:   "Maximum executions to wake per sweep",
				Value:   100,
				Sources: cli.EnvVars("SWEEP_LIMIT"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("tideflow-sweeper")
			logger.InfoContext(ctx, "Initializing Tideflow Sweeper")

			eventBus := cmd.NewEventBus(command.String("event-bus"), "tideflow-sweeper", logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			db := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				if err := db.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			sweeper, err := NewSweeper(ctx, db, eventBus, logger, command)
			if err != nil {
				return err
			}

			return sweeper.Run(ctx)
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
