package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Compactor periodically removes acknowledged entries past their retention
// window so the queue database stays small on flash storage.
type Compactor struct {
	queue     *Queue
	interval  time.Duration
	retention time.Duration
	logger    *zerolog.Logger
}

func NewCompactor(q *Queue, interval, retention time.Duration, logger *zerolog.Logger) *Compactor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Compactor{queue: q, interval: interval, retention: retention, logger: logger}
}

// Start runs compaction until ctx is done.
func (c *Compactor) Start(ctx context.Context) {
	c.logger.Info().
		Dur("interval", c.interval).
		Dur("retention", c.retention).
		Msg("queue compactor started")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-c.retention)
			removed, err := c.queue.Compact(ctx, cutoff)
			if err != nil {
				c.logger.Error().Err(err).Msg("queue compaction failed")
				continue
			}
			if removed > 0 {
				c.logger.Debug().Int64("removed", removed).Msg("compacted acknowledged entries")
			}
		}
	}
}
