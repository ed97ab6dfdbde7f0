package logging

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// JobLogger manages logging for a single message job
type JobLogger struct {
	logger    zerolog.Logger
	mutex     sync.Mutex
	startTime time.Time
	stages    map[string]time.Duration
	finished  bool
}

// JobFields identifies the job a logger belongs to
type JobFields struct {
	JobID          int64
	ConversationID string
	OrganizationID string
	AgentID        string
	MessageID      string
}

// StartJobLoggingWith derives the job logger from base
func StartJobLoggingWith(base zerolog.Logger, fields JobFields) *JobLogger {
	ctx := base.With().
		Str("conversation_id", fields.ConversationID).
		Str("organization_id", fields.OrganizationID).
		Str("agent_id", fields.AgentID)
	if fields.JobID != 0 {
		ctx = ctx.Int64("job_id", fields.JobID)
	}
	if fields.MessageID != "" {
		ctx = ctx.Str("message_id", fields.MessageID)
	}
	return &JobLogger{
		logger:    ctx.Logger(),
		startTime: time.Now(),
		stages:    make(map[string]time.Duration),
	}
}

// Logger returns the underlying structured logger
func (j *JobLogger) Logger() *zerolog.Logger {
	if j == nil {
		l := zerolog.Nop()
		return &l
	}
	return &j.logger
}

// Stage starts timing a stage; call the returned func when it ends
func (j *JobLogger) Stage(name string) func() {
	if j == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		elapsed := time.Since(start)
		j.mutex.Lock()
		j.stages[name] += elapsed
		j.mutex.Unlock()
		j.logger.Debug().Str("stage", name).Dur("elapsed", elapsed).Msg("stage finished")
	}
}

// Warn logs a best-effort failure that did not stop the job
func (j *JobLogger) Warn(stage string, err error, msg string) {
	if j == nil {
		return
	}
	j.logger.Warn().Err(err).Str("stage", stage).Msg(msg)
}

// Error logs a failure that aborts the job
func (j *JobLogger) Error(stage string, err error, msg string) {
	if j == nil {
		return
	}
	j.logger.Error().Err(err).Str("stage", stage).Msg(msg)
}

// Finish emits the single outcome line for the job. Later calls are ignored.
func (j *JobLogger) Finish(outcome, reason string) {
	if j == nil {
		return
	}
	j.mutex.Lock()
	defer j.mutex.Unlock()
	if j.finished {
		return
	}
	j.finished = true

	stages := zerolog.Dict()
	for name, d := range j.stages {
		stages = stages.Int64(name, d.Milliseconds())
	}

	ev := j.logger.Info()
	if outcome == "failed" {
		ev = j.logger.Error()
	}
	ev.Str("outcome", outcome).
		Str("reason", reason).
		Dur("total", time.Since(j.startTime)).
		Dict("stages_ms", stages).
		Msg("job finished")
}
