package sampler

import (
	"context"
	"time"

	"fmair/internal/metrics"
	"fmair/internal/models"

	"github.com/rs/zerolog"
)

// Source yields sensor readings. Next returns nil with no error when no
// sample is ready yet. Sensor drivers live outside this package; anything
// that can produce readings plugs in here.
type Source interface {
	Next(ctx context.Context) (*models.Reading, error)
}

// Buffer is the enqueue side of the durable queue.
type Buffer interface {
	Enqueue(ctx context.Context, reading models.Reading) (int64, error)
}

// Sampler moves readings from a source into the durable queue on a fixed
// cadence. It never talks to the network; a dead uplink cannot stall it.
type Sampler struct {
	source   Source
	buf      Buffer
	interval time.Duration
	logger   *zerolog.Logger
}

func New(source Source, buf Buffer, interval time.Duration, logger *zerolog.Logger) *Sampler {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Sampler{source: source, buf: buf, interval: interval, logger: logger}
}

// Run samples until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("sampler started")
	defer s.logger.Info().Msg("sampler stopped")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

// drain pulls every ready sample from the source and stores it durably.
func (s *Sampler) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		reading, err := s.source.Next(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("sample source error")
			return
		}
		if reading == nil {
			return
		}
		if reading.Timestamp == 0 {
			reading.Timestamp = time.Now().UnixMilli()
		}

		seq, err := s.buf.Enqueue(ctx, *reading)
		if err != nil {
			// Local storage trouble is operator-level: losing the disk
			// means losing durability guarantees.
			metrics.IncEnqueueError()
			s.logger.Error().Err(err).Str("sensor", reading.SensorID).Msg("enqueue failed")
			return
		}
		metrics.IncEnqueued()
		s.logger.Debug().
			Int64("sequence", seq).
			Str("sensor", reading.SensorID).
			Float64("value", reading.Value).
			Msg("reading enqueued")
	}
}
