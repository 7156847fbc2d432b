// Package logbook keeps the human-readable journal of each run. Every stage
// transition is appended as one line so `status` can show recent progress
// without parsing the structured log.
package logbook

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logbook persists run progress to a simple text file.
type Logbook struct {
	path  string
	clock func() time.Time
	mu    sync.Mutex
}

// New creates a logbook that writes to the provided path.
func New(path string) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Logbook{path: path, clock: time.Now}, nil
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes a single entry to the logbook.
func (l *Logbook) Append(level Level, message string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("%s %-5s %s\n",
		l.clock().UTC().Format(time.RFC3339),
		string(level),
		strings.TrimSpace(message),
	)
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	_, _ = file.WriteString(line)
}

// Tail returns up to maxLines of the most recent entries and the total number
// of entries in the logbook.
func (l *Logbook) Tail(maxLines int) ([]string, int) {
	if l == nil {
		return nil, 0
	}
	return Tail(l.path, maxLines)
}

// Tail reads the most recent entries of the logbook file at path.
func Tail(path string, maxLines int) ([]string, int) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	total := len(lines)
	if total == 0 || maxLines <= 0 {
		return nil, total
	}
	if total > maxLines {
		lines = lines[total-maxLines:]
	}
	return lines, total
}

// Info appends an informational entry.
func (l *Logbook) Info(format string, args ...any) {
	l.Append(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn appends a warning entry.
func (l *Logbook) Warn(format string, args ...any) {
	l.Append(LevelWarn, fmt.Sprintf(format, args...))
}

// Error appends an error entry.
func (l *Logbook) Error(format string, args ...any) {
	l.Append(LevelError, fmt.Sprintf(format, args...))
}

// Journals hands out one logbook per run.
type Journals struct {
	pathFor func(runID string) string
	clock   func() time.Time
	mu      sync.Mutex
	books   map[string]*Logbook
}

// NewJournals creates a journal set; pathFor maps a run id to its file.
func NewJournals(pathFor func(runID string) string) *Journals {
	return &Journals{pathFor: pathFor, clock: time.Now, books: map[string]*Logbook{}}
}

// WithClock overrides the timestamp source of every logbook handed out later.
func (j *Journals) WithClock(clock func() time.Time) *Journals {
	if j != nil && clock != nil {
		j.clock = clock
	}
	return j
}

// For returns the logbook of runID. A nil Journals yields a nil logbook,
// which silently drops entries.
func (j *Journals) For(runID string) *Logbook {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if book, ok := j.books[runID]; ok {
		return book
	}
	book, err := New(j.pathFor(runID))
	if err != nil {
		return nil
	}
	book.clock = j.clock
	j.books[runID] = book
	return book
}
