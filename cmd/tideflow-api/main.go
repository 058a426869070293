package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/tideflow-io/tideflow/pkg/log"
)

func main() {
	command := &cli.Command{
		Name:                  "tideflow-api",
		EnableShellCompletion: true,
		Usage:                 "Start the REST API of the execution core",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "port",
				Usage:   "HTTP port to listen on",
				Value:   "9091",
				Sources: cli.EnvVars("PORT"),
			},
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
				Name:    "redis-url",
				Usage:   "Redis URL for event dedup and bulk rate limiting",
				Sources: cli.EnvVars("REDIS_URL"),
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

			logger := log.WithModule("tideflow-api")
			logger.InfoContext(ctx, "Initializing Tideflow API")

			app, err := NewAPIApp(ctx, logger, command)
			if err != nil {
				return err
			}

			return app.Run(ctx, command.String("port"))
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
