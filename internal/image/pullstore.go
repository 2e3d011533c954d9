package image

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration
)

// PullStore records when each image was last pulled. It outlives any single
// start sequence and is constructor-injected so tests can substitute an
// isolated instance.
type PullStore interface {
	// LastPull returns the recorded pull time for an image, or ok=false if
	// the image has never been recorded.
	LastPull(imageName string) (t time.Time, ok bool, err error)

	// RecordPull stores the pull time for an image, replacing any previous
	// record.
	RecordPull(imageName string, t time.Time) error
}

// SQLitePullStore persists pull timestamps across process restarts, so a
// freshly started daemon does not re-pull every mutable image.
type SQLitePullStore struct {
	db *sql.DB
}

// OpenPullStore opens or creates a pull-timestamp store at the given path.
func OpenPullStore(path string) (*SQLitePullStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening pull store: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS image_pulls (
			image     TEXT PRIMARY KEY,
			last_pull TEXT NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating pull store schema: %w", err)
	}

	return &SQLitePullStore{db: db}, nil
}

// LastPull implements PullStore.
func (s *SQLitePullStore) LastPull(imageName string) (time.Time, bool, error) {
	var ts string
	err := s.db.QueryRow(`SELECT last_pull FROM image_pulls WHERE image = ?`, imageName).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading pull record: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing pull record for %s: %w", imageName, err)
	}
	return t, true, nil
}

// RecordPull implements PullStore.
func (s *SQLitePullStore) RecordPull(imageName string, t time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO image_pulls (image, last_pull) VALUES (?, ?)
		ON CONFLICT(image) DO UPDATE SET last_pull = excluded.last_pull
	`, imageName, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("recording pull: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLitePullStore) Close() error {
	return s.db.Close()
}

// MemoryPullStore is an in-memory PullStore for tests.
type MemoryPullStore struct {
	mu    sync.Mutex
	pulls map[string]time.Time
}

// NewMemoryPullStore creates an empty in-memory store.
func NewMemoryPullStore() *MemoryPullStore {
	return &MemoryPullStore{pulls: make(map[string]time.Time)}
}

// LastPull implements PullStore.
func (s *MemoryPullStore) LastPull(imageName string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.pulls[imageName]
	return t, ok, nil
}

// RecordPull implements PullStore.
func (s *MemoryPullStore) RecordPull(imageName string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulls[imageName] = t
	return nil
}
