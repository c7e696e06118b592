package sampler

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"fmair/internal/models"

	"github.com/rs/zerolog"
)

type fakeSource struct {
	readings []models.Reading
	err      error
}

func (f *fakeSource) Next(ctx context.Context) (*models.Reading, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.readings) == 0 {
		return nil, nil
	}
	r := f.readings[0]
	f.readings = f.readings[1:]
	return &r, nil
}

type fakeBuffer struct {
	entries []models.Reading
	err     error
}

func (f *fakeBuffer) Enqueue(ctx context.Context, reading models.Reading) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.entries = append(f.entries, reading)
	return int64(len(f.entries)), nil
}

func testLogger() *zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	return &logger
}

func TestDrainEnqueuesAllReadySamples(t *testing.T) {
	source := &fakeSource{readings: []models.Reading{
		{SensorID: "pm25", Value: 12.5, Timestamp: 1700000000000},
		{SensorID: "co2", Value: 415},
	}}
	buf := &fakeBuffer{}
	s := New(source, buf, time.Second, testLogger())

	s.drain(context.Background())

	if len(buf.entries) != 2 {
		t.Fatalf("expected 2 enqueued readings, got %d", len(buf.entries))
	}
	if buf.entries[0].Timestamp != 1700000000000 {
		t.Fatalf("expected supplied timestamp preserved, got %d", buf.entries[0].Timestamp)
	}
	if buf.entries[1].Timestamp == 0 {
		t.Fatalf("expected missing timestamp filled at enqueue time")
	}
}

func TestDrainStopsOnSourceError(t *testing.T) {
	source := &fakeSource{err: errors.New("sensor gone")}
	buf := &fakeBuffer{}
	s := New(source, buf, time.Second, testLogger())

	s.drain(context.Background())

	if len(buf.entries) != 0 {
		t.Fatalf("expected no readings enqueued, got %d", len(buf.entries))
	}
}

func TestDrainStopsOnEnqueueError(t *testing.T) {
	source := &fakeSource{readings: []models.Reading{
		{SensorID: "pm25", Value: 1},
		{SensorID: "pm25", Value: 2},
	}}
	buf := &fakeBuffer{err: errors.New("disk full")}
	s := New(source, buf, time.Second, testLogger())

	s.drain(context.Background())

	if len(buf.entries) != 0 {
		t.Fatalf("expected no readings enqueued after storage error")
	}
	if len(source.readings) != 1 {
		t.Fatalf("expected drain to stop after first failure, %d readings left", len(source.readings))
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	source := &fakeSource{}
	buf := &fakeBuffer{}
	s := New(source, buf, 5*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sampler did not stop after cancel")
	}
}
