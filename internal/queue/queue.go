// Package queue is the durable retry store. Records that failed against the
// CRM are upserted here by external id and re-attempted with a configured
// backoff schedule; items that exhaust their attempts move to a dead-letter
// table for a human to look at.
package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	_ "github.com/mattn/go-sqlite3"

	"github.com/stomaflow/bridge/internal/config"
	"github.com/stomaflow/bridge/internal/model"
)

// schemaVersion is stamped into PRAGMA user_version. A store carrying any
// other version is refused rather than migrated in place.
const schemaVersion = 1

// ErrQueueFull is returned when an enqueue of a new item would exceed the
// configured cap. Existing items are still replaceable at capacity.
var ErrQueueFull = errors.New("retry queue is full")

// openMu serializes store opens. SQLite applies DDL per-connection and two
// concurrent CREATE TABLE IF NOT EXISTS races against itself.
var openMu sync.Mutex

// Item is one queued record.
type Item struct {
	ExternalID   string
	Record       model.CanonicalRecord
	EnqueuedAt   time.Time
	AttemptCount int
	NextAttempt  time.Time
	LastError    string
}

// Store is a SQLite-backed retry queue. Safe for concurrent use.
type Store struct {
	db          *sql.DB
	maxSize     int
	maxAttempts int
	delays      []time.Duration
}

// Open creates or opens the store at the configured path.
func Open(cfg config.Queue) (*Store, error) {
	delays, err := cfg.RetryDelaysList()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	openMu.Lock()
	defer openMu.Unlock()

	db, err := sql.Open("sqlite3", "file:"+cfg.StorePath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		db.Close()
		return nil, model.E(model.KindStorageCorrupt, "queue.open",
			fmt.Errorf("read schema version: %w", err))
	}
	switch version {
	case 0:
		if err := initSchema(db); err != nil {
			db.Close()
			return nil, model.E(model.KindStorageCorrupt, "queue.open", err)
		}
	case schemaVersion:
		// Compatible store.
	default:
		db.Close()
		return nil, model.Errorf(model.KindStorageCorrupt, "queue.open",
			"store %s has schema version %d, this build expects %d",
			cfg.StorePath, version, schemaVersion)
	}

	return &Store{
		db:          db,
		maxSize:     cfg.MaxQueueSize,
		maxAttempts: cfg.MaxRetryAttempts,
		delays:      delays,
	}, nil
}

func initSchema(db *sql.DB) error {
	var _, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS retry_queue (
			external_id     TEXT PRIMARY KEY NOT NULL,
			record          BLOB NOT NULL,
			enqueued_at     TIMESTAMP NOT NULL,
			attempt_count   INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMP NOT NULL,
			last_error      TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_retry_queue_next
			ON retry_queue (next_attempt_at);
		CREATE TABLE IF NOT EXISTS dead_letters (
			external_id   TEXT PRIMARY KEY NOT NULL,
			record        BLOB NOT NULL,
			enqueued_at   TIMESTAMP NOT NULL,
			attempt_count INTEGER NOT NULL,
			dead_since    TIMESTAMP NOT NULL,
			last_error    TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err = db.Exec(fmt.Sprintf("PRAGMA user_version = %d;", schemaVersion)); err != nil {
		return fmt.Errorf("stamp schema version: %w", err)
	}
	return nil
}

// Enqueue upserts a failed record. A record already queued under the same
// external id is replaced in place; a new record is rejected with
// ErrQueueFull when the store is at capacity.
func (s *Store) Enqueue(rec model.CanonicalRecord, cause error, now time.Time) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	var lastError string
	if cause != nil {
		lastError = cause.Error()
	}

	var exists bool
	if err := s.db.QueryRow(
		"SELECT COUNT(*) > 0 FROM retry_queue WHERE external_id = ?;",
		rec.ExternalID).Scan(&exists); err != nil {
		return fmt.Errorf("probe queue: %w", err)
	}
	if !exists {
		depth, err := s.Depth()
		if err != nil {
			return err
		}
		if depth >= s.maxSize {
			log.WithFields(log.Fields{
				"externalID": rec.ExternalID,
				"depth":      depth,
			}).Warn("retry queue at capacity, rejecting record")
			return ErrQueueFull
		}
	}

	_, err = s.db.Exec(`
		INSERT INTO retry_queue (external_id, record, enqueued_at, attempt_count, next_attempt_at, last_error)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT (external_id) DO UPDATE SET
			record          = excluded.record,
			next_attempt_at = excluded.next_attempt_at,
			last_error      = excluded.last_error;`,
		rec.ExternalID, payload, now, now.Add(s.delays[0]), lastError)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", rec.ExternalID, err)
	}
	return nil
}

// Due returns the items whose next attempt is at or before |now|, soonest
// first, up to |limit| (0 means no limit).
func (s *Store) Due(now time.Time, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT external_id, record, enqueued_at, attempt_count, next_attempt_at, last_error
		FROM retry_queue WHERE next_attempt_at <= ?
		ORDER BY next_attempt_at ASC LIMIT ?;`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// List returns every queued item, soonest next attempt first.
func (s *Store) List() ([]Item, error) {
	rows, err := s.db.Query(`
		SELECT external_id, record, enqueued_at, attempt_count, next_attempt_at, last_error
		FROM retry_queue ORDER BY next_attempt_at ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	var items []Item
	for rows.Next() {
		var it Item
		var payload []byte
		if err := rows.Scan(&it.ExternalID, &payload, &it.EnqueuedAt,
			&it.AttemptCount, &it.NextAttempt, &it.LastError); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if err := json.Unmarshal(payload, &it.Record); err != nil {
			return nil, model.E(model.KindStorageCorrupt, "queue.scan",
				fmt.Errorf("record %s: %w", it.ExternalID, err))
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// MarkSuccess removes a reconciled item.
func (s *Store) MarkSuccess(externalID string) error {
	var _, err = s.db.Exec("DELETE FROM retry_queue WHERE external_id = ?;", externalID)
	if err != nil {
		return fmt.Errorf("dequeue %s: %w", externalID, err)
	}
	return nil
}

// MarkFailure bumps the attempt count and reschedules, or moves the item to
// dead_letters once attempts are exhausted.
func (s *Store) MarkFailure(externalID string, cause error, now time.Time) error {
	var lastError string
	if cause != nil {
		lastError = cause.Error()
	}

	var attempts int
	if err := s.db.QueryRow(
		"SELECT attempt_count FROM retry_queue WHERE external_id = ?;",
		externalID).Scan(&attempts); err != nil {
		return fmt.Errorf("read attempts for %s: %w", externalID, err)
	}
	attempts++

	if attempts >= s.maxAttempts {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin dead-letter move: %w", err)
		}
		defer tx.Rollback()
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO dead_letters
				(external_id, record, enqueued_at, attempt_count, dead_since, last_error)
			SELECT external_id, record, enqueued_at, ?, ?, ?
			FROM retry_queue WHERE external_id = ?;`,
			attempts, now, lastError, externalID); err != nil {
			return fmt.Errorf("dead-letter %s: %w", externalID, err)
		}
		if _, err := tx.Exec("DELETE FROM retry_queue WHERE external_id = ?;", externalID); err != nil {
			return fmt.Errorf("remove %s: %w", externalID, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit dead-letter move: %w", err)
		}
		log.WithFields(log.Fields{
			"externalID": externalID,
			"attempts":   attempts,
			"err":        lastError,
		}).Error("record exhausted its retries, moved to dead letters")
		return nil
	}

	var next = now.Add(s.delays[min(attempts-1, len(s.delays)-1)])
	var _, err = s.db.Exec(`
		UPDATE retry_queue
		SET attempt_count = ?, next_attempt_at = ?, last_error = ?
		WHERE external_id = ?;`,
		attempts, next, lastError, externalID)
	if err != nil {
		return fmt.Errorf("reschedule %s: %w", externalID, err)
	}
	return nil
}

// Reset clears an item's attempt count and makes it due immediately.
func (s *Store) Reset(externalID string, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE retry_queue SET attempt_count = 0, next_attempt_at = ?
		WHERE external_id = ?;`, now, externalID)
	if err != nil {
		return fmt.Errorf("reset %s: %w", externalID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reset %s: not queued", externalID)
	}
	return nil
}

// Depth is the number of queued items.
func (s *Store) Depth() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM retry_queue;").Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

// DeadLetters returns the exhausted items, most recently dead first.
func (s *Store) DeadLetters() ([]Item, error) {
	rows, err := s.db.Query(`
		SELECT external_id, record, enqueued_at, attempt_count, dead_since, last_error
		FROM dead_letters ORDER BY dead_since DESC;`)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }
