// Package ipcsem is the single cross-process mutex every table access
// runs under, realized as a blocking flock(2) lock on a dedicated file.
// A dedicated never-replaced lock file keeps it simple: no
// inode-mismatch rechecks (the semaphore file is never renamed or
// recreated out from under a live process) and no polling or timeout
// variants (acquisition blocks until the holder releases).
package ipcsem

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// ErrNotExist is returned by Open when the named semaphore has not been
// created yet.
var ErrNotExist = errors.New("ipcsem: semaphore does not exist")

const lockFilePerm = 0o600

func dir() string {
	if st, err := os.Stat("/dev/shm"); err == nil && st.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

func path(name string) string {
	return filepath.Join(dir(), name+".sem")
}

// Semaphore is a named, process-shared binary lock.
type Semaphore struct {
	file *os.File
	path string
}

// Create removes any stale semaphore file left behind by a crashed
// process and creates a fresh one, so acceptor startup is idempotent.
func Create(name string) (*Semaphore, error) {
	p := path(name)

	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("ipcsem: remove stale semaphore %q: %w", p, err)
	}

	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_EXCL, lockFilePerm)
	if err != nil {
		return nil, fmt.Errorf("ipcsem: create semaphore %q: %w", p, err)
	}

	return &Semaphore{file: f, path: p}, nil
}

// Open opens an existing named semaphore. Workers and the janitor call
// this; they never unlink it.
func Open(name string) (*Semaphore, error) {
	p := path(name)

	f, err := os.OpenFile(p, os.O_RDWR, lockFilePerm)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrNotExist, p)
		}
		return nil, fmt.Errorf("ipcsem: open semaphore %q: %w", p, err)
	}

	return &Semaphore{file: f, path: p}, nil
}

// Acquire blocks until the semaphore is held exclusively by this
// process. Every operation on the shared table acquires this before any
// load or store on the mapped region.
func (s *Semaphore) Acquire() error {
	if err := flockRetryEINTR(int(s.file.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("ipcsem: acquire: %w", err)
	}
	return nil
}

// Release unlocks the semaphore. Callers must release on every exit
// path of the critical section; acquisitions never nest.
func (s *Semaphore) Release() error {
	if err := flockRetryEINTR(int(s.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("ipcsem: release: %w", err)
	}
	return nil
}

// Close releases the file descriptor. It does not remove the lock file.
func (s *Semaphore) Close() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("ipcsem: close: %w", err)
	}
	return nil
}

// Unlink removes the backing lock file. Only the acceptor calls this,
// at shutdown.
func (s *Semaphore) Unlink() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ipcsem: unlink %q: %w", s.path, err)
	}
	return nil
}

// flockRetryEINTR retries flock(2) across EINTR.
func flockRetryEINTR(fd, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = syscall.Flock(fd, how)
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return err
		}
	}

	return err
}
