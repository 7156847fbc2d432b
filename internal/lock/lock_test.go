package lock

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/appfactory/internal/failure"
)

func lockPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), ".appfactory", "pipeline.lock")
}

func TestAcquireRelease(t *testing.T) {
	m := New(lockPath(t))
	lease, err := m.Acquire("research")
	require.NoError(t, err)

	holder, err := m.Inspect()
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "research", holder.Owner)
	assert.Equal(t, os.Getpid(), holder.PID)
	assert.Equal(t, lease.Marker().Token, holder.Token)

	require.NoError(t, lease.Release())
	require.NoError(t, lease.Release())
	holder, err = m.Inspect()
	require.NoError(t, err)
	assert.Nil(t, holder)

	again, err := m.Acquire("build")
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestConcurrentAcquireExactlyOneWins(t *testing.T) {
	path := lockPath(t)
	const contenders = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		leases  []*Lease
		refused int
	)
	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			lease, err := New(path).Acquire("worker")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, failure.ErrLockUnavailable) {
					refused++
				}
				return
			}
			leases = append(leases, lease)
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, leases, 1)
	assert.Equal(t, contenders-1, refused)

	require.NoError(t, leases[0].Release())
	next, err := New(path).Acquire("after")
	require.NoError(t, err)
	require.NoError(t, next.Release())
}

func TestHeldLockReportsHolder(t *testing.T) {
	path := lockPath(t)
	held, err := New(path).Acquire("dream")
	require.NoError(t, err)
	defer held.Release()

	_, err = New(path).Acquire("build")
	var heldErr *HeldError
	require.ErrorAs(t, err, &heldErr)
	assert.Equal(t, "dream", heldErr.Holder.Owner)
	assert.ErrorIs(t, err, failure.ErrLockUnavailable)
}

func TestDeadOwnerIsStaleAndNotBroken(t *testing.T) {
	path := lockPath(t)
	_, err := New(path).Acquire("crashed")
	require.NoError(t, err)

	m := New(path, WithProcessCheck(func(int) bool { return false }))
	_, err = m.Acquire("next")
	var stale *StaleError
	require.ErrorAs(t, err, &stale)
	assert.ErrorIs(t, err, failure.ErrLockUnavailable)
	assert.Equal(t, "crashed", stale.Holder.Owner)
	assert.Contains(t, stale.Error(), "unlock --force")

	holder, err := m.Inspect()
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "crashed", holder.Owner)

	removed, err := m.ForceRelease()
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.Equal(t, "crashed", removed.Owner)

	lease, err := m.Acquire("next")
	require.NoError(t, err)
	require.NoError(t, lease.Release())
}

func TestOldLockIsStale(t *testing.T) {
	path := lockPath(t)
	acquired := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := New(path, WithClock(func() time.Time { return acquired })).Acquire("slow")
	require.NoError(t, err)

	later := New(path,
		WithClock(func() time.Time { return acquired.Add(7 * time.Hour) }),
		WithStaleAfter(6*time.Hour),
	)
	var stale *StaleError
	require.ErrorAs(t, later.Check(), &stale)
	assert.Contains(t, stale.Reason, "held for 7h0m0s")
}

func TestReleaseLeavesForeignMarker(t *testing.T) {
	path := lockPath(t)
	m := New(path)
	lease, err := m.Acquire("first")
	require.NoError(t, err)

	_, err = m.ForceRelease()
	require.NoError(t, err)
	other, err := m.Acquire("second")
	require.NoError(t, err)

	assert.Error(t, lease.Release())
	holder, err := m.Inspect()
	require.NoError(t, err)
	assert.Equal(t, "second", holder.Owner)
	require.NoError(t, other.Release())
}

func TestCheckFreeLock(t *testing.T) {
	assert.NoError(t, New(lockPath(t)).Check())
}
