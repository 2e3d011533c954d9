package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const fileSuffix = ".jsonl"

// FileWriter appends JSON log records to a per-day file under dir, rolling
// to a new file when the date changes. A "latest" symlink tracks the
// current file so tail -F works across rolls.
type FileWriter struct {
	dir string

	mu   sync.Mutex
	file *os.File
	day  string
}

// NewFileWriter creates the log directory if needed and opens today's file.
func NewFileWriter(dir string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating debug log dir: %w", err)
	}
	fw := &FileWriter{dir: dir}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if err := fw.open(time.Now()); err != nil {
		return nil, err
	}
	return fw, nil
}

// Write implements io.Writer, rolling to a new file on date change.
func (fw *FileWriter) Write(p []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if now := time.Now(); now.Format(time.DateOnly) != fw.day {
		if err := fw.open(now); err != nil {
			return 0, err
		}
	}
	return fw.file.Write(p)
}

// Close closes the current file.
func (fw *FileWriter) Close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.file == nil {
		return nil
	}
	err := fw.file.Close()
	fw.file = nil
	return err
}

// open swaps in the file for the given day. Caller holds fw.mu.
func (fw *FileWriter) open(now time.Time) error {
	day := now.Format(time.DateOnly)
	f, err := os.OpenFile(filepath.Join(fw.dir, day+fileSuffix),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	if fw.file != nil {
		fw.file.Close()
	}
	fw.file = f
	fw.day = day
	fw.relink(day + fileSuffix)
	return nil
}

// relink points dir/latest at the current file. Best effort: some
// filesystems refuse symlinks.
func (fw *FileWriter) relink(target string) {
	link := filepath.Join(fw.dir, "latest")
	tmp := link + ".tmp"
	os.Remove(tmp)
	if os.Symlink(target, tmp) != nil {
		return
	}
	_ = os.Rename(tmp, link)
}

// Cleanup deletes daily log files older than retentionDays. Files that do
// not parse as a date (the latest symlink included) are left alone.
func Cleanup(dir string, retentionDays int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		day, ok := strings.CutSuffix(e.Name(), fileSuffix)
		if !ok {
			continue
		}
		when, err := time.Parse(time.DateOnly, day)
		if err != nil {
			continue
		}
		if when.Before(cutoff) {
			os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}
