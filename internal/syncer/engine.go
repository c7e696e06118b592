package syncer

import (
	"context"
	"errors"
	"time"

	"fmair/internal/metrics"
	"fmair/internal/models"
	"fmair/internal/queue"
	"fmair/internal/store"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Buffer is the durable queue surface the engine drives. The engine never
// mutates entry state directly; every transition goes through these calls.
type Buffer interface {
	LeaseBatch(ctx context.Context, maxCount, maxBytes int) ([]queue.Leased, error)
	Acknowledge(ctx context.Context, ids []int64) error
	Release(ctx context.Context, ids []int64, cause string) error
	MarkDead(ctx context.Context, id int64, cause string) error
	Stats(ctx context.Context) (queue.Stats, error)
}

// Remote is the store client the engine delivers to.
type Remote interface {
	WriteBatch(ctx context.Context, readings []models.Reading) (int, error)
	ServerStatus(ctx context.Context) (string, error)
}

// Progress receives delivery checkpoints for the operator snapshot.
type Progress interface {
	Acked(lastSequence int64, count int) error
}

// Options tunes the delivery loop. Zero values get sane defaults.
type Options struct {
	DeviceID      string
	BatchMaxCount int
	BatchMaxBytes int
	IdleInterval  time.Duration
	WriteTimeout  time.Duration
	MaxAttempts   int
	Retry         RetryPolicy
	WriteRPS      float64
	WriteBurst    int
	StatusPoll    time.Duration
	StatusGate    bool

	// Classify maps delivery errors to retry kinds. Defaults to the store
	// client's classification.
	Classify func(error) store.Kind
}

// Engine drains the durable queue into the remote store with retry/backoff.
// One Engine runs per process; it is the only component issuing leases.
type Engine struct {
	buf     Buffer
	remote  Remote
	prog    Progress
	opts    Options
	limiter *rate.Limiter
	logger  *zerolog.Logger

	failures int // consecutive failed delivery cycles

	statusValue string
	statusAt    time.Time
}

// New builds an engine with sane defaults.
func New(buf Buffer, remote Remote, prog Progress, opts Options, logger *zerolog.Logger) *Engine {
	if opts.BatchMaxCount == 0 {
		opts.BatchMaxCount = 50
	}
	if opts.BatchMaxBytes == 0 {
		opts.BatchMaxBytes = 64 * 1024
	}
	if opts.IdleInterval == 0 {
		opts.IdleInterval = 2 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 5
	}
	if opts.Retry.InitialDelay == 0 {
		opts.Retry.InitialDelay = 2 * time.Second
	}
	if opts.Retry.MaxDelay == 0 {
		opts.Retry.MaxDelay = time.Minute
	}
	if opts.Retry.BackoffFactor == 0 {
		opts.Retry.BackoffFactor = 2
	}
	if opts.WriteRPS == 0 {
		opts.WriteRPS = 5
	}
	if opts.WriteBurst == 0 {
		opts.WriteBurst = 2
	}
	if opts.StatusPoll == 0 {
		opts.StatusPoll = 2 * time.Second
	}
	if opts.Classify == nil {
		opts.Classify = store.Classify
	}

	return &Engine{
		buf:     buf,
		remote:  remote,
		prog:    prog,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.WriteRPS), opts.WriteBurst),
		logger:  logger,
	}
}

// Run drives delivery until ctx is cancelled. A cancelled cycle releases its
// leased batch before returning; no lease outlives the engine. Storage
// failures are returned to the caller: the client must not keep running
// without a working queue.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().Msg("sync engine started")
	defer e.logger.Info().Msg("sync engine stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		if e.opts.StatusGate && !e.uplinkEnabled(ctx) {
			if !e.sleep(ctx, e.opts.IdleInterval) {
				return nil
			}
			continue
		}

		batch, err := e.buf.LeaseBatch(ctx, e.opts.BatchMaxCount, e.opts.BatchMaxBytes)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Error().Err(err).Msg("lease batch failed")
			return err
		}
		if len(batch) == 0 {
			e.reportDepth(ctx)
			if !e.sleep(ctx, e.opts.IdleInterval) {
				return nil
			}
			continue
		}

		retry := e.deliver(ctx, batch)
		e.reportDepth(ctx)

		if ctx.Err() != nil {
			return nil
		}
		if retry {
			e.failures++
			delay := e.opts.Retry.NextDelay(e.failures)
			metrics.SetBackoff(delay.Seconds())
			e.logger.Warn().
				Int("failures", e.failures).
				Dur("backoff", delay).
				Msg("delivery failed, backing off")
			if !e.sleep(ctx, withJitter(delay)) {
				return nil
			}
			continue
		}

		e.failures = 0
		metrics.SetBackoff(0)
	}
}

// deliver attempts one leased batch. Returns true when the caller should
// back off before the next cycle.
func (e *Engine) deliver(ctx context.Context, batch []queue.Leased) bool {
	if err := e.limiter.Wait(ctx); err != nil {
		e.releaseAll(batch, "shutdown before write")
		return false
	}

	readings := make([]models.Reading, len(batch))
	for i, l := range batch {
		readings[i] = l.Reading
		readings[i].DeviceID = e.opts.DeviceID
	}

	wctx, cancel := context.WithTimeout(ctx, e.opts.WriteTimeout)
	n, err := e.remote.WriteBatch(wctx, readings)
	cancel()

	if err == nil {
		e.acknowledge(ctx, batch, n)
		return false
	}

	switch e.opts.Classify(err) {
	case store.KindPermanent:
		// One row in the batch is structurally rejected; find it by
		// writing entries one at a time.
		return e.deliverSingly(ctx, batch)
	default:
		metrics.IncRetry(string(store.KindTransient))
		e.releaseAll(batch, err.Error())
		return true
	}
}

// deliverSingly writes entries individually so a poisoned row cannot hold
// the rest of the batch hostage. Ordering is preserved: once an entry has to
// be retried later, everything behind it is released too.
func (e *Engine) deliverSingly(ctx context.Context, batch []queue.Leased) bool {
	for i, l := range batch {
		if err := e.limiter.Wait(ctx); err != nil {
			e.releaseAll(batch[i:], "shutdown before write")
			return false
		}

		reading := l.Reading
		reading.DeviceID = e.opts.DeviceID

		wctx, cancel := context.WithTimeout(ctx, e.opts.WriteTimeout)
		_, err := e.remote.WriteBatch(wctx, []models.Reading{reading})
		cancel()

		if err == nil {
			e.acknowledge(ctx, batch[i:i+1], 1)
			continue
		}

		if e.opts.Classify(err) == store.KindPermanent {
			attempts := l.Attempts + 1
			if attempts >= e.opts.MaxAttempts {
				if derr := e.buf.MarkDead(ctx, l.ID, err.Error()); derr != nil {
					e.logger.Error().Err(derr).Int64("id", l.ID).Msg("mark dead failed")
					e.releaseAll(batch[i:], err.Error())
					return true
				}
				metrics.IncDeadLettered()
				e.logger.Warn().
					Int64("sequence", l.ID).
					Int("attempts", attempts).
					Str("cause", err.Error()).
					Msg("entry dead-lettered")
				continue
			}
			metrics.IncRetry(string(store.KindPermanent))
		} else {
			metrics.IncRetry(string(store.KindTransient))
		}

		// The entry stays ahead of everything not yet delivered.
		e.releaseAll(batch[i:], err.Error())
		return true
	}
	return false
}

func (e *Engine) acknowledge(ctx context.Context, batch []queue.Leased, n int) {
	ids := make([]int64, len(batch))
	var last int64
	for i, l := range batch {
		ids[i] = l.ID
		if l.ID > last {
			last = l.ID
		}
	}
	if err := e.buf.Acknowledge(ctx, ids); err != nil {
		// Entries stay in_flight and are recovered at next startup; the
		// remote upsert keys make the redelivery harmless.
		e.logger.Error().Err(err).Ints64("ids", ids).Msg("acknowledge failed")
		return
	}
	metrics.AddDelivered(n)
	if e.prog != nil {
		if err := e.prog.Acked(last, len(ids)); err != nil {
			e.logger.Warn().Err(err).Msg("progress snapshot failed")
		}
	}
}

func (e *Engine) releaseAll(batch []queue.Leased, cause string) {
	if len(batch) == 0 {
		return
	}
	ids := make([]int64, len(batch))
	for i, l := range batch {
		ids[i] = l.ID
	}
	// Release must succeed even when the run context is already cancelled,
	// otherwise entries sit in_flight until the next restart.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.buf.Release(ctx, ids, cause); err != nil {
		e.logger.Error().Err(err).Ints64("ids", ids).Msg("release failed")
	}
}

// uplinkEnabled consults the cached server status. The original deployments
// use 'net' and 'both' to mean the uplink is live; unknown or unreadable
// status never stops delivery.
func (e *Engine) uplinkEnabled(ctx context.Context) bool {
	if time.Since(e.statusAt) >= e.opts.StatusPoll {
		sctx, cancel := context.WithTimeout(ctx, e.opts.WriteTimeout)
		status, err := e.remote.ServerStatus(sctx)
		cancel()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				e.logger.Debug().Err(err).Msg("server status unavailable")
			}
			status = ""
		}
		e.statusValue = status
		e.statusAt = time.Now()
	}

	switch e.statusValue {
	case "", "net", "both":
		return true
	default:
		return false
	}
}

func (e *Engine) reportDepth(ctx context.Context) {
	stats, err := e.buf.Stats(ctx)
	if err != nil {
		return
	}
	metrics.SetQueueDepth(models.EntryPending, stats.Pending)
	metrics.SetQueueDepth(models.EntryInFlight, stats.InFlight)
	metrics.SetQueueDepth(models.EntryAcknowledged, stats.Acknowledged)
	metrics.SetQueueDepth(models.EntryDead, stats.Dead)
}

// sleep waits the given duration, returning false when ctx was cancelled.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
