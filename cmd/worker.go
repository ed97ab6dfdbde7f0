package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/salesagent/internal/jobqueue"
)

// WorkerCommand returns the command that only processes queued messages
func WorkerCommand() *cli.Command {
	return &cli.Command{
		Name:   "worker",
		Usage:  "Process queued inbound messages and sweep timed pauses",
		Flags:  []cli.Flag{envFileFlag},
		Action: runWorker,
	}
}

func runWorker(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	in, err := openInfra(ctx, cfg)
	if err != nil {
		return err
	}
	defer in.Close()

	processor, err := buildProcessor(ctx, cfg, in)
	if err != nil {
		return err
	}

	handlers := &jobqueue.Handlers{Processor: processor, Resumer: in.store}
	queue, err := jobqueue.NewJobQueue(ctx, cfg.Database.URL, queueConfig(cfg), handlers, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to create job queue: %w", err)
	}
	if err := queue.Start(ctx); err != nil {
		queue.Close()
		return fmt.Errorf("failed to start job queue: %w", err)
	}
	log.Info().Int("max_workers", cfg.Queue.MaxWorkers).Msg("Worker started")

	<-ctx.Done()
	log.Info().Msg("Shutting down worker")

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Pipeline.JobTimeout)
	defer cancel()
	if err := queue.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("Job queue did not stop cleanly")
	}
	processor.Wait()
	return nil
}
