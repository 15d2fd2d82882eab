package fs

import (
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// Locker provides an advisory, cross-process exclusive lock using flock(2).
//
// flock locks an inode (the open file), not a pathname, so the lock file at
// path is never removed while a lock might still be held elsewhere: removing
// it would let a second opener create a fresh inode and believe it holds the
// lock. Close leaves the lock file in place and only releases the flock.
type Locker struct {
	path string
}

// NewLocker returns a Locker guarding the given lock file path. The file is
// created on first Lock call if it does not exist; it is never removed.
func NewLocker(path string) *Locker {
	return &Locker{path: path}
}

// Lock acquires the exclusive lock, retrying until timeout elapses.
//
// Verifies the inode opened still matches the inode at path after the flock
// is granted, since another process could have replaced the lock file
// between open and flock; on mismatch it retries.
func (l *Locker) Lock(timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, os.ErrDeadlineExceeded
		}

		if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
			return nil, err
		}

		file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, err
		}

		var openStat syscall.Stat_t
		if err := syscall.Fstat(int(file.Fd()), &openStat); err != nil {
			_ = file.Close()

			return nil, err
		}

		fd := int(file.Fd())
		done := make(chan error, 1)

		go func() { done <- syscall.Flock(fd, syscall.LOCK_EX) }()

		select {
		case err := <-done:
			if err != nil {
				_ = file.Close()

				return nil, err
			}

			var pathStat syscall.Stat_t
			if err := syscall.Stat(l.path, &pathStat); err != nil || pathStat.Ino != openStat.Ino {
				_ = syscall.Flock(fd, syscall.LOCK_UN)
				_ = file.Close()

				continue
			}

			return &Lock{file: file}, nil

		case <-time.After(remaining):
			_ = file.Close()

			return nil, os.ErrDeadlineExceeded
		}
	}
}

// Lock is a held exclusive lock. Call Close to release it.
type Lock struct {
	file *os.File
}

// Close releases the lock and closes the underlying file descriptor.
// Idempotent: calling Close more than once is safe.
func (l *Lock) Close() error {
	if l.file == nil {
		return nil
	}

	fd := int(l.file.Fd())
	_ = syscall.Flock(fd, syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil

	return err
}
