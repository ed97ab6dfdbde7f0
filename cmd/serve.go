package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/salesagent/internal/api"
	"github.com/salesagent/internal/jobqueue"
)

// ServeCommand returns the command that runs the ingress API
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the webhook and conversation API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on (overrides server.port)",
			},
			&cli.BoolFlag{
				Name:  "worker",
				Usage: "Also process queued messages in this process",
			},
			envFileFlag,
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	port := cfg.Server.Port
	if c.IsSet("port") {
		port = c.Int("port")
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	in, err := openInfra(ctx, cfg)
	if err != nil {
		return err
	}
	defer in.Close()

	var handlers *jobqueue.Handlers
	var processorWait func()
	if c.Bool("worker") {
		processor, err := buildProcessor(ctx, cfg, in)
		if err != nil {
			return err
		}
		handlers = &jobqueue.Handlers{Processor: processor, Resumer: in.store}
		processorWait = processor.Wait
	}

	queue, err := jobqueue.NewJobQueue(ctx, cfg.Database.URL, queueConfig(cfg), handlers, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to create job queue: %w", err)
	}
	if handlers != nil {
		if err := queue.Start(ctx); err != nil {
			queue.Close()
			return fmt.Errorf("failed to start job queue: %w", err)
		}
		log.Info().Int("max_workers", cfg.Queue.MaxWorkers).Msg("Message workers started")
	}

	server := api.NewServer(port, api.Dependencies{
		Store:          in.store,
		Tokens:         in.tokens,
		Queue:          queue,
		DebounceWindow: cfg.Pipeline.DebounceWindow,
		Logger:         log.Logger,
		Database:       in.store,
	})

	serveErr := server.Start(ctx)

	if handlers != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Pipeline.JobTimeout)
		defer cancel()
		if err := queue.Stop(stopCtx); err != nil {
			log.Warn().Err(err).Msg("Job queue did not stop cleanly")
		}
		processorWait()
	} else {
		queue.Close()
	}
	return serveErr
}
