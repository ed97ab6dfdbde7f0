/*
Package jobqueue configuration - tunable parameters for the River job queue.

# Message queue

Every inbound message becomes one job on the "messages" queue, scheduled to run after
the debounce window so that a burst of messages collapses into a single reply.

### Attempts:
- Message jobs run at most once (MaxAttempts = 1). A retry could repeat capability side effects
  or answer a message the customer has already moved past.
- A failed job stays in River's jobs table in the discarded state with its error list; that table
  is the place to look for messages that never got a reply.

### Timeouts:
- JobTimeout bounds a whole pipeline run, model calls and tool execution included.

# Maintenance queue

The resume sweep runs on River's default queue as a periodic job and lifts timed pauses older
than PauseTTL. Indefinite pauses (hand-offs) are never touched.
*/
package jobqueue

import (
	"time"

	"github.com/riverqueue/river"
)

// QueueMessages carries inbound message jobs
const QueueMessages = "messages"

// QueueConfig holds all configurable parameters for the job queue
type QueueConfig struct {
	MaxWorkers          int           // Concurrent message jobs (default: 10)
	MaxAttempts         int           // Attempts per message job (default: 1)
	JobTimeout          time.Duration // Maximum time a single pipeline run can take (default: 2 minutes)
	ResumeSweepInterval time.Duration // How often timed pauses are checked (default: 1 minute)
	PauseTTL            time.Duration // Age after which a timed pause is lifted (default: 30 minutes)
}

// DefaultQueueConfig returns the default configuration
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxWorkers:          10,
		MaxAttempts:         1,
		JobTimeout:          2 * time.Minute,
		ResumeSweepInterval: time.Minute,
		PauseTTL:            30 * time.Minute,
	}
}

// withDefaults fills zero values from DefaultQueueConfig
func (c QueueConfig) withDefaults() QueueConfig {
	d := DefaultQueueConfig()
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.ResumeSweepInterval <= 0 {
		c.ResumeSweepInterval = d.ResumeSweepInterval
	}
	if c.PauseTTL <= 0 {
		c.PauseTTL = d.PauseTTL
	}
	return c
}

// RiverQueueConfig converts our config to River's queue configuration format
func (c QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		QueueMessages:      {MaxWorkers: c.MaxWorkers},
		river.QueueDefault: {MaxWorkers: 1},
	}
}
