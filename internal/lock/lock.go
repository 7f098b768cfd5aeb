// Package lock provides a process-wide advisory lock so only one
// invocation talks to the device at a time.
package lock

import (
	"errors"
	"os"
	"path/filepath"
)

// ErrBusy is returned when another process holds the lock.
var ErrBusy = errors.New("lock held by another process")

// File is a held lock.
type File struct {
	f    *os.File
	path string
}

// Path returns the lock file path.
func (l *File) Path() string {
	return l.path
}

// Acquire takes the lock at path without blocking. The parent directory is
// created if needed.
func Acquire(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if err := tryLock(f); err != nil {
		f.Close()
		return nil, err
	}
	return &File{f: f, path: path}, nil
}

// Release drops the lock. It is safe to call more than once.
func (l *File) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlock(l.f)
	err := l.f.Close()
	l.f = nil
	return err
}

// DefaultPath returns the lock file location under the user runtime or
// cache directory.
func DefaultPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "kindle-mtp.lock")
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "kindle-mtp", "session.lock")
	}
	return filepath.Join(os.TempDir(), "kindle-mtp.lock")
}
