// Package shm creates and maps the shared region that backs the cache
// table. The region is a regular file under a well-known directory
// rather than a true POSIX shared memory object: Go exposes no shm_open
// binding, and on Linux /dev/shm is the same tmpfs shm_open writes to,
// so mmap'ing a file there gives identical sharing semantics.
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// ErrNotExist is returned by Open when the named region has not been
// created yet.
var ErrNotExist = errors.New("shm: region does not exist")

// Region is a mapped shared-memory-like region.
type Region struct {
	file *os.File
	Data []byte
	path string
}

// dir is where region files live. /dev/shm is tmpfs-backed on Linux;
// elsewhere we fall back to os.TempDir.
func dir() string {
	if st, err := os.Stat("/dev/shm"); err == nil && st.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

func path(name string) string {
	return filepath.Join(dir(), name)
}

// Create removes any stale region of the same name and creates a fresh
// one of exactly size bytes. A prior crash may have left the region
// behind; Create silently reclaims it, so acceptor startup is
// idempotent.
func Create(name string, size int64) (*Region, error) {
	p := path(name)

	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("shm: remove stale region %q: %w", p, err)
	}

	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: create region %q: %w", p, err)
	}

	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		_ = os.Remove(p)
		return nil, fmt.Errorf("shm: truncate region %q to %d: %w", p, size, err)
	}

	return mapRegion(f, p, size)
}

// Open maps an existing region created by Create. Workers and the
// janitor call this; they never unlink.
func Open(name string, size int64) (*Region, error) {
	p := path(name)

	f, err := os.OpenFile(p, os.O_RDWR, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrNotExist, p)
		}
		return nil, fmt.Errorf("shm: open region %q: %w", p, err)
	}

	return mapRegion(f, p, size)
}

func mapRegion(f *os.File, p string, size int64) (*Region, error) {
	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("shm: mmap region %q: %w", p, err)
	}

	return &Region{file: f, Data: data, path: p}, nil
}

// Close unmaps the region and closes the backing file descriptor. It
// does not remove the file — only the acceptor's Unlink does that.
func (r *Region) Close() error {
	if r.Data == nil {
		return nil
	}

	munmapErr := syscall.Munmap(r.Data)
	r.Data = nil
	closeErr := r.file.Close()

	if munmapErr != nil {
		return fmt.Errorf("shm: munmap: %w", munmapErr)
	}
	if closeErr != nil {
		return fmt.Errorf("shm: close: %w", closeErr)
	}
	return nil
}

// Unlink removes the backing file. Only the acceptor calls this, at
// shutdown.
func (r *Region) Unlink() error {
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shm: unlink %q: %w", r.path, err)
	}
	return nil
}
