package queue

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fmair/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestQueue(t *testing.T) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	q, err := Open(path, &logger)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func enqueueReadings(t *testing.T, q *Queue, n int) []int64 {
	t.Helper()
	ctx := context.Background()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		id, err := q.Enqueue(ctx, models.Reading{
			SensorID:  "pm25",
			Value:     float64(i),
			Timestamp: time.Now().UnixMilli(),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestEnqueueAssignsAscendingSequences(t *testing.T) {
	q := setupTestQueue(t)
	ids := enqueueReadings(t, q, 5)

	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}
}

func TestLeaseBatchOrderAndVisibility(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()
	ids := enqueueReadings(t, q, 5)

	batch, err := q.LeaseBatch(ctx, 3, 0)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for i, l := range batch {
		assert.Equal(t, ids[i], l.ID)
		assert.Equal(t, l.ID, l.Reading.Sequence)
	}

	// Leased entries are invisible to a second lease.
	second, err := q.LeaseBatch(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, ids[3], second[0].ID)
	assert.Equal(t, ids[4], second[1].ID)

	third, err := q.LeaseBatch(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, third)
}

func TestLeaseBatchByteCap(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()
	enqueueReadings(t, q, 5)

	// Tiny byte budget still returns at least one entry.
	batch, err := q.LeaseBatch(ctx, 10, 1)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestAcknowledgeIsTerminalAndIdempotent(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()
	enqueueReadings(t, q, 2)

	batch, err := q.LeaseBatch(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	ids := []int64{batch[0].ID, batch[1].ID}
	require.NoError(t, q.Acknowledge(ctx, ids))
	// Second acknowledge is a no-op.
	require.NoError(t, q.Acknowledge(ctx, ids))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Acknowledged)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.InFlight)

	// Acknowledged entries are never leased again.
	batch, err = q.LeaseBatch(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestReleaseReturnsEntriesToPending(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()
	enqueueReadings(t, q, 3)

	batch, err := q.LeaseBatch(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, batch, 3)

	ids := make([]int64, len(batch))
	for i, l := range batch {
		ids[i] = l.ID
	}
	require.NoError(t, q.Release(ctx, ids, "connection refused"))

	again, err := q.LeaseBatch(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, again, 3)
	for i, l := range again {
		assert.Equal(t, ids[i], l.ID)
		assert.Equal(t, 1, l.Attempts)
	}
}

func TestMarkDeadExcludesFromLeasing(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()
	ids := enqueueReadings(t, q, 3)

	batch, err := q.LeaseBatch(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, q.MarkDead(ctx, batch[0].ID, "data too long"))

	rest, err := q.LeaseBatch(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, ids[1], rest[0].ID)

	dead, err := q.DeadEntries(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, ids[0], dead[0].ID)
	require.NotNil(t, dead[0].LastError)
	assert.Equal(t, "data too long", *dead[0].LastError)
}

func TestRecoverOnStartup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	q, err := Open(path, &logger)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, models.Reading{SensorID: "co2", Value: float64(i)})
		require.NoError(t, err)
	}
	batch, err := q.LeaseBatch(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	// Simulate a crash while the batch is in flight.
	require.NoError(t, q.Close())

	q2, err := Open(path, &logger)
	require.NoError(t, err)
	defer q2.Close()

	recovered, err := q2.RecoverOnStartup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), recovered)

	again, err := q2.LeaseBatch(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, again, 3)
}

func TestCompactRemovesOnlyAcknowledged(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()
	enqueueReadings(t, q, 4)

	batch, err := q.LeaseBatch(ctx, 2, 0)
	require.NoError(t, err)
	require.NoError(t, q.Acknowledge(ctx, []int64{batch[0].ID, batch[1].ID}))

	removed, err := q.Compact(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Acknowledged)
	assert.Equal(t, int64(2), stats.Pending)

	// A cutoff in the past removes nothing.
	more, err := q.LeaseBatch(ctx, 1, 0)
	require.NoError(t, err)
	require.NoError(t, q.Acknowledge(ctx, []int64{more[0].ID}))
	removed, err = q.Compact(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestConcurrentLeasesNeverOverlap(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()
	enqueueReadings(t, q, 40)

	var mu sync.Mutex
	seen := make(map[int64]int)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := q.LeaseBatch(ctx, 5, 0)
				if err != nil {
					t.Errorf("lease: %v", err)
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, l := range batch {
					seen[l.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 40)
	for id, count := range seen {
		assert.Equal(t, 1, count, "entry %d leased %d times", id, count)
	}
}
