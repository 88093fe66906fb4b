package harvest

import (
	"os"
	"syscall"
)

// Flock wraps an open file with a non-blocking advisory lock. The catalog
// tolerates concurrent readers but not two writing engines, so a run takes
// this lock before touching anything.
type Flock struct {
	*os.File
}

// Lock acquires an exclusive lock without blocking. When another process
// already holds the lock the error is EWOULDBLOCK.
func (l Flock) Lock() error {
	err := syscall.Flock(int(l.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		return os.NewSyscallError("flock", err)
	}
	return nil
}

// Unlock releases the lock.
func (l Flock) Unlock() error {
	err := syscall.Flock(int(l.Fd()), syscall.LOCK_UN)
	if err != nil {
		return os.NewSyscallError("flock", err)
	}
	return nil
}
