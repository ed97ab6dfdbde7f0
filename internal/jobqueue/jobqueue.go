/*
Package jobqueue provides a River-based job queue for inbound message processing.

For configuration options and the retry policy, see queue_config.go.
*/
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/zerolog"

	"github.com/salesagent/pkg/models"
)

// Handlers are the work a queue performs. A queue built without handlers can only insert jobs.
type Handlers struct {
	Processor MessageProcessor
	Resumer   PauseResumer
}

// JobQueue manages the River job queue
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	config QueueConfig
}

// NewJobQueue creates a new job queue instance
func NewJobQueue(ctx context.Context, databaseURL string, config QueueConfig, handlers *Handlers, logger zerolog.Logger) (*JobQueue, error) {
	config = config.withDefaults()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	riverConfig := &river.Config{MaxAttempts: config.MaxAttempts}
	if handlers != nil {
		if handlers.Processor == nil || handlers.Resumer == nil {
			pool.Close()
			return nil, errors.New("job queue handlers need both a processor and a resumer")
		}
		workers := river.NewWorkers()
		river.AddWorker(workers, NewMessageWorker(handlers.Processor, config.JobTimeout))
		river.AddWorker(workers, NewResumeSweepWorker(handlers.Resumer, config.PauseTTL, logger))

		riverConfig.Queues = config.RiverQueueConfig()
		riverConfig.Workers = workers
		riverConfig.PeriodicJobs = []*river.PeriodicJob{resumeSweepJob(config.ResumeSweepInterval)}
	}

	client, err := river.NewClient(riverpgxv5.New(pool), riverConfig)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client: client,
		pool:   pool,
		config: config,
	}, nil
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop waits for running jobs to finish, then closes the pool
func (jq *JobQueue) Stop(ctx context.Context) error {
	err := jq.client.Stop(ctx)
	jq.pool.Close()
	return err
}

// Close releases an insert-only queue
func (jq *JobQueue) Close() {
	jq.pool.Close()
}

// EnqueueMessage schedules a message job to run at runAt and returns its id
func (jq *JobQueue) EnqueueMessage(ctx context.Context, job models.MessageJob, runAt time.Time) (int64, error) {
	res, err := jq.client.Insert(ctx, MessageJobArgs{MessageJob: job}, &river.InsertOpts{
		Queue:       QueueMessages,
		MaxAttempts: jq.config.MaxAttempts,
		ScheduledAt: runAt,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to queue message job: %w", err)
	}
	return res.Job.ID, nil
}

// Migrate applies River's schema migrations
func Migrate(ctx context.Context, databaseURL string) (int, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return 0, fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create River migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to migrate River schema: %w", err)
	}
	return len(res.Versions), nil
}
