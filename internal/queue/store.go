package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/LucaDeLeo/realitycam-sub011/internal/transport"
)

// State of a queue item. Transitions are owned exclusively by the Queue.
type State string

const (
	StatePending           State = "pending"
	StateUploading         State = "uploading"
	StateProcessing        State = "processing"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
	StatePermanentlyFailed State = "permanently_failed"
)

// Store errors.
var (
	ErrItemNotFound = errors.New("queue: item not found")
	ErrDuplicate    = errors.New("queue: bundle already enqueued")
)

// Item is one bundle's delivery record.
type Item struct {
	BundleID  string
	State     State
	Attempts  int
	EnqueuedAt time.Time
	UpdatedAt  time.Time

	// NextAttemptAt schedules the automatic retry of a failed item.
	// Zero means no retry is scheduled (terminal failures wait for the
	// user).
	NextAttemptAt time.Time

	LastError  string
	ErrorClass transport.ErrorClass

	// Server identifiers, set once the backend accepts the upload.
	CaptureID       string
	VerificationURL string
}

// Schema for the delivery queue.
const schema = `
CREATE TABLE IF NOT EXISTS queue_items (
    bundle_id        TEXT PRIMARY KEY,
    state            TEXT NOT NULL,
    attempts         INTEGER NOT NULL DEFAULT 0,
    enqueued_at_ns   INTEGER NOT NULL,
    updated_at_ns    INTEGER NOT NULL,
    next_attempt_ns  INTEGER NOT NULL DEFAULT 0,
    last_error       TEXT NOT NULL DEFAULT '',
    error_class      TEXT NOT NULL DEFAULT '',
    capture_id       TEXT NOT NULL DEFAULT '',
    verification_url TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_queue_state ON queue_items(state, enqueued_at_ns);
`

// Store persists queue items in SQLite so delivery state survives
// restarts.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates the queue database and applies the schema.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("queue: create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("queue: open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert adds a new pending item.
func (s *Store) Insert(it *Item) error {
	_, err := s.db.Exec(`
		INSERT INTO queue_items (bundle_id, state, attempts, enqueued_at_ns, updated_at_ns, next_attempt_ns)
		VALUES (?, ?, ?, ?, ?, ?)`,
		it.BundleID, string(it.State), it.Attempts,
		it.EnqueuedAt.UnixNano(), it.UpdatedAt.UnixNano(), nanosOrZero(it.NextAttemptAt),
	)
	if err != nil {
		var exists int
		if qErr := s.db.QueryRow(`SELECT COUNT(*) FROM queue_items WHERE bundle_id = ?`, it.BundleID).Scan(&exists); qErr == nil && exists > 0 {
			return ErrDuplicate
		}
		return fmt.Errorf("queue: insert item: %w", err)
	}
	return nil
}

// Update rewrites an item's mutable fields.
func (s *Store) Update(it *Item) error {
	res, err := s.db.Exec(`
		UPDATE queue_items
		SET state = ?, attempts = ?, updated_at_ns = ?, next_attempt_ns = ?,
		    last_error = ?, error_class = ?, capture_id = ?, verification_url = ?
		WHERE bundle_id = ?`,
		string(it.State), it.Attempts, it.UpdatedAt.UnixNano(), nanosOrZero(it.NextAttemptAt),
		it.LastError, string(it.ErrorClass), it.CaptureID, it.VerificationURL,
		it.BundleID,
	)
	if err != nil {
		return fmt.Errorf("queue: update item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: update item: %w", err)
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Get returns one item.
func (s *Store) Get(bundleID string) (*Item, error) {
	row := s.db.QueryRow(selectColumns+` WHERE bundle_id = ?`, bundleID)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	return it, err
}

// Remove deletes an item.
func (s *Store) Remove(bundleID string) error {
	res, err := s.db.Exec(`DELETE FROM queue_items WHERE bundle_id = ?`, bundleID)
	if err != nil {
		return fmt.Errorf("queue: remove item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: remove item: %w", err)
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}

// List returns all items oldest-enqueued-first.
func (s *Store) List() ([]*Item, error) {
	rows, err := s.db.Query(selectColumns + ` ORDER BY enqueued_at_ns ASC`)
	if err != nil {
		return nil, fmt.Errorf("queue: list items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// NextEligible returns the oldest item ready for delivery: pending, or
// failed with a due retry schedule. Returns nil when nothing is ready.
func (s *Store) NextEligible(now time.Time) (*Item, error) {
	row := s.db.QueryRow(selectColumns+`
		WHERE state = ?
		   OR (state = ? AND next_attempt_ns > 0 AND next_attempt_ns <= ?)
		ORDER BY enqueued_at_ns ASC
		LIMIT 1`,
		string(StatePending), string(StateFailed), now.UnixNano(),
	)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return it, err
}

// NextRetryAt returns the earliest scheduled retry among failed items,
// or zero time when none is scheduled.
func (s *Store) NextRetryAt() (time.Time, error) {
	var ns sql.NullInt64
	err := s.db.QueryRow(`
		SELECT MIN(next_attempt_ns) FROM queue_items
		WHERE state = ? AND next_attempt_ns > 0`,
		string(StateFailed),
	).Scan(&ns)
	if err != nil {
		return time.Time{}, fmt.Errorf("queue: query retry schedule: %w", err)
	}
	if !ns.Valid || ns.Int64 == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, ns.Int64), nil
}

// RecoverInterrupted resets items stranded in uploading by a crash or
// shutdown back to pending. Returns the recovered bundle IDs.
func (s *Store) RecoverInterrupted(now time.Time) ([]string, error) {
	rows, err := s.db.Query(`SELECT bundle_id FROM queue_items WHERE state = ?`, string(StateUploading))
	if err != nil {
		return nil, fmt.Errorf("queue: find interrupted items: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("queue: scan interrupted item: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := s.db.Exec(`
		UPDATE queue_items SET state = ?, updated_at_ns = ?, next_attempt_ns = 0
		WHERE state = ?`,
		string(StatePending), now.UnixNano(), string(StateUploading),
	); err != nil {
		return nil, fmt.Errorf("queue: recover interrupted items: %w", err)
	}
	return ids, nil
}

// PurgeCompleted removes completed history rows and returns how many
// were deleted.
func (s *Store) PurgeCompleted() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM queue_items WHERE state = ?`, string(StateCompleted))
	if err != nil {
		return 0, fmt.Errorf("queue: purge completed items: %w", err)
	}
	return res.RowsAffected()
}

const selectColumns = `
	SELECT bundle_id, state, attempts, enqueued_at_ns, updated_at_ns,
	       next_attempt_ns, last_error, error_class, capture_id, verification_url
	FROM queue_items`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var it Item
	var state, class string
	var enqueuedNs, updatedNs, nextNs int64
	if err := row.Scan(&it.BundleID, &state, &it.Attempts, &enqueuedNs, &updatedNs,
		&nextNs, &it.LastError, &class, &it.CaptureID, &it.VerificationURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("queue: scan item: %w", err)
	}
	it.State = State(state)
	it.ErrorClass = transport.ErrorClass(class)
	it.EnqueuedAt = time.Unix(0, enqueuedNs)
	it.UpdatedAt = time.Unix(0, updatedNs)
	if nextNs > 0 {
		it.NextAttemptAt = time.Unix(0, nextNs)
	}
	return &it, nil
}

func nanosOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
