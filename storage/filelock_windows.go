//go:build windows

package storage

import (
	"os"
	"syscall"
	"unsafe"

	"github.com/polodb/polodb-go/dberr"
)

var (
	modkernel32      = syscall.NewLazyDLL("kernel32.dll")
	procLockFileEx   = modkernel32.NewProc("LockFileEx")
	procUnlockFileEx = modkernel32.NewProc("UnlockFileEx")
)

const (
	lockfileExclusiveLock = 0x00000002
	lockfileFailImmediate = 0x00000001
)

// fileLock holds the OS-level advisory exclusive lock on the main database
// file (§4.2). Held for the lifetime of the backend.
type fileLock struct {
	file *os.File
}

// lockFile acquires a whole-file advisory exclusive lock on path.
// Failure to acquire surfaces dberr.DatabaseOccupied.
func lockFile(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, dberr.Wrap(dberr.IO, err, "open "+path)
	}

	ol := new(syscall.Overlapped)
	r1, _, _ := procLockFileEx.Call(
		f.Fd(),
		uintptr(lockfileExclusiveLock|lockfileFailImmediate),
		0,
		1, 0,
		uintptr(unsafe.Pointer(ol)),
	)
	if r1 == 0 {
		f.Close()
		return nil, dberr.Newf(dberr.DatabaseOccupied, "%s is locked by another process", path)
	}

	return &fileLock{file: f}, nil
}

// unlock releases the lock without closing or removing the main file.
func (fl *fileLock) unlock() error {
	if fl.file == nil {
		return nil
	}
	ol := new(syscall.Overlapped)
	procUnlockFileEx.Call(
		fl.file.Fd(),
		0,
		1, 0,
		uintptr(unsafe.Pointer(ol)),
	)
	return nil
}
