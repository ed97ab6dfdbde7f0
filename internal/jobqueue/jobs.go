package jobqueue

import (
	"context"
	"time"

	"github.com/riverqueue/river"
	"github.com/rs/zerolog"

	"github.com/salesagent/internal/pipeline"
	"github.com/salesagent/pkg/models"
)

// MessageJobArgs is one inbound message waiting to be answered
type MessageJobArgs struct {
	models.MessageJob
}

// Kind returns the job kind for River
func (MessageJobArgs) Kind() string { return "inbound_message" }

func (MessageJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueMessages, MaxAttempts: 1}
}

// MessageProcessor runs the pipeline for one job
type MessageProcessor interface {
	Process(ctx context.Context, jobID int64, job models.MessageJob) (pipeline.Outcome, error)
}

// MessageWorker hands message jobs to the pipeline
type MessageWorker struct {
	river.WorkerDefaults[MessageJobArgs]
	processor MessageProcessor
	timeout   time.Duration
}

func NewMessageWorker(processor MessageProcessor, timeout time.Duration) *MessageWorker {
	return &MessageWorker{processor: processor, timeout: timeout}
}

// Timeout bounds a whole pipeline run
func (w *MessageWorker) Timeout(*river.Job[MessageJobArgs]) time.Duration {
	return w.timeout
}

// Work runs the pipeline. A returned error discards the job, since it has a single attempt.
func (w *MessageWorker) Work(ctx context.Context, job *river.Job[MessageJobArgs]) error {
	outcome, err := w.processor.Process(ctx, job.ID, job.Args.MessageJob)
	if err != nil {
		return err
	}
	if err := river.RecordOutput(ctx, outcome); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Int64("job_id", job.ID).Msg("job outcome not recorded")
	}
	return nil
}

// ResumeSweepArgs triggers one pass of the timed-pause sweep
type ResumeSweepArgs struct{}

func (ResumeSweepArgs) Kind() string { return "resume_timed_pauses" }

// PauseResumer lifts timed pauses that started before a cutoff
type PauseResumer interface {
	ResumeTimedPauses(ctx context.Context, before time.Time) (int64, error)
}

// ResumeSweepWorker lifts timed pauses older than the pause TTL. Indefinite pauses have no
// pausedAt and are never matched.
type ResumeSweepWorker struct {
	river.WorkerDefaults[ResumeSweepArgs]
	resumer  PauseResumer
	pauseTTL time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

func NewResumeSweepWorker(resumer PauseResumer, pauseTTL time.Duration, logger zerolog.Logger) *ResumeSweepWorker {
	return &ResumeSweepWorker{resumer: resumer, pauseTTL: pauseTTL, logger: logger, now: time.Now}
}

func (w *ResumeSweepWorker) Work(ctx context.Context, job *river.Job[ResumeSweepArgs]) error {
	cutoff := w.now().Add(-w.pauseTTL)
	n, err := w.resumer.ResumeTimedPauses(ctx, cutoff)
	if err != nil {
		w.logger.Error().Err(err).Msg("timed pause sweep failed")
		return err
	}
	if n > 0 {
		w.logger.Info().Int64("resumed", n).Time("cutoff", cutoff).Msg("resumed conversations after timed pause")
	}
	return nil
}

// resumeSweepJob schedules the sweep every interval, starting immediately
func resumeSweepJob(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return ResumeSweepArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
