// Package lock serializes pipeline invocations with a single repository-wide
// marker file. The marker is created with a hard link from a fully written
// temporary file, so it either exists with complete contents or not at all.
//
// A lock whose owner is gone (or that is older than the stale threshold) is
// reported as a StaleError. It is never broken automatically; an operator
// removes it with ForceRelease.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/appfactory/internal/failure"
	"github.com/kingrea/appfactory/internal/store"
)

// DefaultStaleAfter is the age after which a held lock is considered stale.
const DefaultStaleAfter = 6 * time.Hour

// Marker is the content of the lock file.
type Marker struct {
	Owner      string    `json:"owner"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// HeldError reports a lock currently held by a live owner.
type HeldError struct {
	Holder Marker
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock: held by %s (pid %d on %s) since %s",
		e.Holder.Owner, e.Holder.PID, e.Holder.Host, e.Holder.AcquiredAt.Format(time.RFC3339))
}

// Is matches failure.ErrLockUnavailable.
func (e *HeldError) Is(target error) bool {
	return target == failure.ErrLockUnavailable
}

// StaleError reports a lock whose holder appears dead or expired.
type StaleError struct {
	Holder Marker
	Reason string
	Path   string
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("lock: stale lock at %s held by %s (pid %d on %s): %s; run `appfactory unlock --force` after confirming no pipeline is running",
		e.Path, e.Holder.Owner, e.Holder.PID, e.Holder.Host, e.Reason)
}

// Is matches failure.ErrLockUnavailable.
func (e *StaleError) Is(target error) bool {
	return target == failure.ErrLockUnavailable
}

// Manager acquires and releases the repository lock.
type Manager struct {
	path       string
	staleAfter time.Duration
	clock      func() time.Time
	alive      func(pid int) bool
	pid        int
	host       string
}

// Option customizes the manager.
type Option func(*Manager)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithStaleAfter overrides DefaultStaleAfter. Zero disables age checks.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.staleAfter = d
		}
	}
}

// WithProcessCheck overrides the liveness probe for owner processes.
func WithProcessCheck(alive func(pid int) bool) Option {
	return func(m *Manager) {
		if alive != nil {
			m.alive = alive
		}
	}
}

// New creates a manager for the marker at path.
func New(path string, opts ...Option) *Manager {
	host, _ := os.Hostname()
	m := &Manager{
		path:       path,
		staleAfter: DefaultStaleAfter,
		clock:      time.Now,
		alive:      processAlive,
		pid:        os.Getpid(),
		host:       host,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Path returns the marker location.
func (m *Manager) Path() string {
	return m.path
}

// Lease is a held lock. Release is safe to call more than once.
type Lease struct {
	manager *Manager
	marker  Marker
	once    sync.Once
	err     error
}

// Marker returns the content written for this lease.
func (l *Lease) Marker() Marker {
	return l.marker
}

// Acquire takes the lock for owner or returns an error matching
// failure.ErrLockUnavailable.
func (m *Manager) Acquire(owner string) (*Lease, error) {
	marker := Marker{
		Owner:      owner,
		PID:        m.pid,
		Host:       m.host,
		Token:      uuid.NewString(),
		AcquiredAt: m.clock().UTC(),
	}
	if err := store.EnsureDir(filepath.Dir(m.path)); err != nil {
		return nil, failure.Write(m.path, err)
	}
	data, err := store.MarshalStable(marker)
	if err != nil {
		return nil, fmt.Errorf("lock: encode marker: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return nil, failure.Write(m.path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return nil, failure.Write(m.path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return nil, failure.Write(m.path, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, failure.Write(m.path, err)
	}
	if err := os.Link(tmpName, m.path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, m.unavailable()
		}
		return nil, failure.Write(m.path, err)
	}
	return &Lease{manager: m, marker: marker}, nil
}

// Release removes the marker if it still belongs to this lease.
func (l *Lease) Release() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		current, err := l.manager.read()
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return
			}
			l.err = err
			return
		}
		if current.Token != l.marker.Token {
			l.err = fmt.Errorf("lock: marker at %s was replaced by %s; leaving it in place", l.manager.path, current.Owner)
			return
		}
		if err := os.Remove(l.manager.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			l.err = fmt.Errorf("lock: release: %w", err)
		}
	})
	return l.err
}

// Inspect returns the current holder, or nil when the lock is free.
func (m *Manager) Inspect() (*Marker, error) {
	marker, err := m.read()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &marker, nil
}

// Check classifies the current holder: nil when free, *HeldError or
// *StaleError otherwise.
func (m *Manager) Check() error {
	if _, err := os.Stat(m.path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return m.unavailable()
}

// ForceRelease removes the marker regardless of owner and returns what it
// contained. It is the operator escape hatch for stale locks.
func (m *Manager) ForceRelease() (*Marker, error) {
	marker, readErr := m.read()
	if err := os.Remove(m.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock: force release: %w", err)
	}
	if readErr != nil {
		return nil, nil
	}
	return &marker, nil
}

func (m *Manager) unavailable() error {
	holder, err := m.read()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Released between our link attempt and the read.
			return failure.Lock("lock was contended, retry")
		}
		return &StaleError{Path: m.path, Reason: fmt.Sprintf("unreadable marker: %v", err)}
	}
	if holder.Host == m.host && holder.PID > 0 && !m.alive(holder.PID) {
		return &StaleError{Holder: holder, Path: m.path, Reason: fmt.Sprintf("owner process %d is not running", holder.PID)}
	}
	if m.staleAfter > 0 {
		if age := m.clock().Sub(holder.AcquiredAt); age > m.staleAfter {
			return &StaleError{Holder: holder, Path: m.path, Reason: fmt.Sprintf("held for %s (limit %s)", age.Round(time.Second), m.staleAfter)}
		}
	}
	return &HeldError{Holder: holder}
}

func (m *Manager) read() (Marker, error) {
	data, err := store.ReadFile(m.path)
	if err != nil {
		return Marker{}, err
	}
	var marker Marker
	if err := json.Unmarshal(data, &marker); err != nil {
		return Marker{}, fmt.Errorf("lock: parse marker: %w", err)
	}
	return marker, nil
}
