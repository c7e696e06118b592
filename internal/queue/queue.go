package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fmair/internal/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrStorage marks local persistence failures (disk full, permissions,
// corruption). Callers must not treat these as delivery errors: the client
// cannot run safely without durable storage.
var ErrStorage = errors.New("queue storage failure")

// Leased is one entry handed to the sync engine. The entry stays in_flight
// and invisible to other leases until acknowledged or released.
type Leased struct {
	ID       int64
	Attempts int
	Reading  models.Reading
}

// Stats holds per-status entry counts.
type Stats struct {
	Pending      int64
	InFlight     int64
	Acknowledged int64
	Dead         int64
}

// Queue is the crash-safe on-disk buffer for readings awaiting delivery.
// All state transitions go through its methods; the mutex serializes
// lease/acknowledge/release so concurrent leases never overlap.
type Queue struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zerolog.Logger
}

// Open creates or opens the queue database at path. The connection uses WAL
// journaling with synchronous=FULL so an enqueue that returned is on disk
// even across power loss.
func Open(path string, logger *zerolog.Logger) (*Queue, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create queue directory: %v", ErrStorage, err)
	}

	dsn := path + "?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open queue database: %v", ErrStorage, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: connect queue database: %v", ErrStorage, err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create tables: %v", ErrStorage, err)
	}

	logger.Info().Str("path", path).Msg("durable queue opened")
	return &Queue{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS entries (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            payload TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            attempts INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            enqueued_at DATETIME NOT NULL,
            leased_at DATETIME,
            resolved_at DATETIME
        )`,
		`CREATE INDEX IF NOT EXISTS idx_entries_status ON entries(status)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %v", query, err)
		}
	}
	return nil
}

// Enqueue appends a reading and returns its sequence number. The write is
// durable before Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, reading models.Reading) (int64, error) {
	// Sequence and device identity travel in columns/keys, not the payload.
	reading.Sequence = 0
	payload, err := json.Marshal(reading)
	if err != nil {
		return 0, fmt.Errorf("encode reading: %w", err)
	}

	result, err := q.db.ExecContext(ctx,
		`INSERT INTO entries (payload, status, attempts, enqueued_at) VALUES (?, ?, 0, ?)`,
		string(payload), models.EntryPending, time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: insert entry: %v", ErrStorage, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: last insert id: %v", ErrStorage, err)
	}
	return id, nil
}

// LeaseBatch marks up to maxCount oldest pending entries as in_flight and
// returns them in ascending sequence order. The total payload size is capped
// at maxBytes, but at least one entry is returned when any is pending.
func (q *Queue) LeaseBatch(ctx context.Context, maxCount, maxBytes int) ([]Leased, error) {
	if maxCount <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin lease: %v", ErrStorage, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, attempts, payload FROM entries WHERE status = ? ORDER BY id ASC LIMIT ?`,
		models.EntryPending, maxCount,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: select pending: %v", ErrStorage, err)
	}

	var batch []Leased
	bytes := 0
	for rows.Next() {
		var (
			id       int64
			attempts int
			payload  string
		)
		if err := rows.Scan(&id, &attempts, &payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan entry: %v", ErrStorage, err)
		}
		if maxBytes > 0 && len(batch) > 0 && bytes+len(payload) > maxBytes {
			break
		}

		var reading models.Reading
		if err := json.Unmarshal([]byte(payload), &reading); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: decode entry %d: %v", ErrStorage, id, err)
		}
		reading.Sequence = id

		batch = append(batch, Leased{ID: id, Attempts: attempts, Reading: reading})
		bytes += len(payload)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate pending: %v", ErrStorage, err)
	}

	if len(batch) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(batch))
	for i, l := range batch {
		ids[i] = l.ID
	}
	query := fmt.Sprintf(
		`UPDATE entries SET status = ?, leased_at = ? WHERE id IN (%s) AND status = ?`,
		placeholders(len(ids)),
	)
	args := append([]interface{}{models.EntryInFlight, time.Now()}, idArgs(ids)...)
	args = append(args, models.EntryPending)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("%w: mark in_flight: %v", ErrStorage, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit lease: %v", ErrStorage, err)
	}
	return batch, nil
}

// Acknowledge marks delivered entries as acknowledged. Already-acknowledged
// ids are a no-op; dead entries are never resurrected.
func (q *Queue) Acknowledge(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	query := fmt.Sprintf(
		`UPDATE entries SET status = ?, resolved_at = ? WHERE id IN (%s) AND status IN (?, ?)`,
		placeholders(len(ids)),
	)
	args := append([]interface{}{models.EntryAcknowledged, time.Now()}, idArgs(ids)...)
	args = append(args, models.EntryPending, models.EntryInFlight)
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: acknowledge: %v", ErrStorage, err)
	}
	return nil
}

// Release reverts in_flight entries to pending after a failed delivery
// attempt, recording the cause and bumping the attempt counter.
func (q *Queue) Release(ctx context.Context, ids []int64, cause string) error {
	if len(ids) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	query := fmt.Sprintf(
		`UPDATE entries SET status = ?, attempts = attempts + 1, last_error = ? WHERE id IN (%s) AND status = ?`,
		placeholders(len(ids)),
	)
	args := append([]interface{}{models.EntryPending, cause}, idArgs(ids)...)
	args = append(args, models.EntryInFlight)
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: release: %v", ErrStorage, err)
	}
	return nil
}

// MarkDead moves one entry to the terminal dead-letter state so it no longer
// blocks the head of the queue.
func (q *Queue) MarkDead(ctx context.Context, id int64, cause string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.ExecContext(ctx,
		`UPDATE entries SET status = ?, attempts = attempts + 1, last_error = ?, resolved_at = ? WHERE id = ? AND status IN (?, ?)`,
		models.EntryDead, cause, time.Now(), id, models.EntryPending, models.EntryInFlight,
	)
	if err != nil {
		return fmt.Errorf("%w: mark dead: %v", ErrStorage, err)
	}
	return nil
}

// RecoverOnStartup reverts entries a previous process left in_flight back to
// pending. A crash mid-delivery must never count as a confirmed write.
func (q *Queue) RecoverOnStartup(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	result, err := q.db.ExecContext(ctx,
		`UPDATE entries SET status = ?, leased_at = NULL WHERE status = ?`,
		models.EntryPending, models.EntryInFlight,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: recover in_flight entries: %v", ErrStorage, err)
	}

	recovered, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", ErrStorage, err)
	}
	if recovered > 0 {
		q.logger.Warn().Int64("entries", recovered).Msg("recovered in_flight entries to pending")
	}
	return recovered, nil
}

// Compact removes acknowledged entries resolved before the cutoff. Entries
// in any other state are never touched.
func (q *Queue) Compact(ctx context.Context, cutoff time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	result, err := q.db.ExecContext(ctx,
		`DELETE FROM entries WHERE status = ? AND resolved_at IS NOT NULL AND resolved_at <= ?`,
		models.EntryAcknowledged, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: compact: %v", ErrStorage, err)
	}
	return result.RowsAffected()
}

// Stats returns entry counts per delivery status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM entries GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: stats: %v", ErrStorage, err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("%w: scan stats: %v", ErrStorage, err)
		}
		switch status {
		case models.EntryPending:
			stats.Pending = count
		case models.EntryInFlight:
			stats.InFlight = count
		case models.EntryAcknowledged:
			stats.Acknowledged = count
		case models.EntryDead:
			stats.Dead = count
		}
	}
	return stats, rows.Err()
}

// DeadEntries returns dead-lettered entries for operator inspection.
func (q *Queue) DeadEntries(ctx context.Context) ([]models.QueueEntry, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, payload, status, attempts, last_error, enqueued_at, leased_at, resolved_at
         FROM entries WHERE status = ? ORDER BY id ASC`,
		models.EntryDead,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: get dead entries: %v", ErrStorage, err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		var e models.QueueEntry
		if err := rows.Scan(&e.ID, &e.Payload, &e.Status, &e.Attempts, &e.LastError, &e.EnqueuedAt, &e.LeasedAt, &e.ResolvedAt); err != nil {
			return nil, fmt.Errorf("%w: scan dead entry: %v", ErrStorage, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (q *Queue) Close() error {
	return q.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func idArgs(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
