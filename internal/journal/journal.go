// Package journal persists started downloads so unfinished ones can be
// restored after a restart. Byte-level progress lives in the chunk temp files;
// the journal only remembers what was requested and whether it was paused.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("journal entry not found")

// Status of a journal entry.
type Status string

const (
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
)

// Finished reports whether the status is terminal.
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Entry is one journaled download.
type Entry struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Label      string     `json:"label"`
	Payload    []byte     `json:"-"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Encode serializes a manifest for the payload column.
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes a payload.
func Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// Store reads and writes journal entries.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore creates a journal store on a migrated database.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "journal").Logger(),
	}
}

// Save inserts or replaces an entry. A restarted download begins a new
// lifetime, so finished_at is cleared.
func (s *Store) Save(ctx context.Context, e Entry) error {
	if e.Status == "" {
		e.Status = StatusDownloading
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO download_journal (id, kind, label, payload, status, created_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, NULL)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			label = excluded.label,
			payload = excluded.payload,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP,
			finished_at = NULL`,
		e.ID, e.Kind, e.Label, string(e.Payload), string(e.Status))
	if err != nil {
		return fmt.Errorf("failed to save journal entry: %w", err)
	}
	return nil
}

// SetStatus updates the status of an entry. Terminal statuses stamp
// finished_at.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	var finished interface{}
	if status.Finished() {
		finished = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE download_journal
		SET status = ?, updated_at = CURRENT_TIMESTAMP, finished_at = ?
		WHERE id = ?`,
		string(status), finished, id)
	if err != nil {
		return fmt.Errorf("failed to update journal entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update journal entry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Get returns one entry.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, label, payload, status, created_at, updated_at, finished_at
		FROM download_journal WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get journal entry: %w", err)
	}
	return e, nil
}

// ListUnfinished returns downloading and paused entries, oldest first.
func (s *Store) ListUnfinished(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, label, payload, status, created_at, updated_at, finished_at
		FROM download_journal
		WHERE status IN ('downloading', 'paused')
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Purge deletes finished entries older than the cutoff and returns how many
// were removed.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM download_journal
		WHERE finished_at IS NOT NULL AND finished_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge journal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to purge journal: %w", err)
	}
	if n > 0 {
		s.logger.Info().Int64("removed", n).Msg("Purged finished journal entries")
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e        Entry
		payload  string
		status   string
		finished sql.NullTime
	)
	if err := sc.Scan(&e.ID, &e.Kind, &e.Label, &payload, &status, &e.CreatedAt, &e.UpdatedAt, &finished); err != nil {
		return nil, err
	}
	e.Payload = []byte(payload)
	e.Status = Status(status)
	if finished.Valid {
		t := finished.Time
		e.FinishedAt = &t
	}
	return &e, nil
}
