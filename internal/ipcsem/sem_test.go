package ipcsem

import (
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateThenOpenShareTheSameLock(t *testing.T) {
	name := "kvcache_test_sem_a"

	creator, err := Create(name)
	require.NoError(t, err)
	defer func() {
		_ = creator.Close()
		_ = creator.Unlink()
	}()

	opener, err := Open(name)
	require.NoError(t, err)
	defer opener.Close()

	require.NoError(t, creator.Acquire())
	defer creator.Release()

	err = syscall.Flock(int(opener.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	require.ErrorIs(t, err, syscall.EWOULDBLOCK, "the opener must see the creator's hold on the same lock")
}

func TestCreateIsIdempotentAcrossStaleSemaphores(t *testing.T) {
	name := "kvcache_test_sem_b"

	first, err := Create(name)
	require.NoError(t, err)
	require.NoError(t, first.Close()) // simulate a crash: leave the file behind

	second, err := Create(name)
	require.NoError(t, err)
	defer func() {
		_ = second.Close()
		_ = second.Unlink()
	}()

	require.NoError(t, second.Acquire())
	require.NoError(t, second.Release())
}

func TestOpenMissingSemaphoreFails(t *testing.T) {
	_, err := Open("kvcache_test_sem_does_not_exist")
	require.ErrorIs(t, err, ErrNotExist)
}

func TestUnlinkThenOpenFails(t *testing.T) {
	name := "kvcache_test_sem_c"

	s, err := Create(name)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Unlink())

	_, err = Open(name)
	require.ErrorIs(t, err, ErrNotExist)
}

// TestAcquireExcludesConcurrentHolders proves the semaphore is a true
// mutual-exclusion lock across independent handles, the way the
// acceptor's Semaphore and a worker's Semaphore (separate *os.File, same
// lock file) must behave.
func TestAcquireExcludesConcurrentHolders(t *testing.T) {
	name := "kvcache_test_sem_d"

	owner, err := Create(name)
	require.NoError(t, err)
	defer func() {
		_ = owner.Close()
		_ = owner.Unlink()
	}()

	const holders = 8
	var mu sync.Mutex
	inCriticalSection := 0
	maxObserved := 0

	var wg sync.WaitGroup
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			handle, err := Open(name)
			require.NoError(t, err)
			defer handle.Close()

			require.NoError(t, handle.Acquire())
			defer handle.Release()

			mu.Lock()
			inCriticalSection++
			if inCriticalSection > maxObserved {
				maxObserved = inCriticalSection
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inCriticalSection--
			mu.Unlock()
		}()
	}

	wg.Wait()
	require.Equal(t, 1, maxObserved, "at most one holder may be inside the critical section at a time")
}
