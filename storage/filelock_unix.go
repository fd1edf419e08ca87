//go:build !windows && !js && !wasip1

package storage

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/polodb/polodb-go/dberr"
)

// fileLock holds the OS-level advisory exclusive lock on the main database
// file (§4.2). Held for the lifetime of the backend.
type fileLock struct {
	file *os.File
}

// lockFile takes a whole-file advisory exclusive lock on path via flock(2).
// Failure to acquire surfaces dberr.DatabaseOccupied.
func lockFile(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, dberr.Wrap(dberr.IO, err, "open "+path)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, dberr.Newf(dberr.DatabaseOccupied, "%s is locked by another process", path)
	}

	return &fileLock{file: f}, nil
}

// unlock releases the lock. The lock's own descriptor, opened by lockFile
// and separate from the backend's, stays open; unlock only drops the
// advisory lock and does not close or remove the main file.
func (fl *fileLock) unlock() error {
	if fl.file == nil {
		return nil
	}
	return unix.Flock(int(fl.file.Fd()), unix.LOCK_UN)
}
