package harvest

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
)

func TestValidateLockFilePath_Valid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		lockFile string
		baseDir  string
	}{
		{
			name:     "lock file in base dir",
			lockFile: "/srv/harvest/data/.lock",
			baseDir:  "/srv/harvest/data",
		},
		{
			name:     "double slashes in path",
			lockFile: "/srv/harvest/data//.lock",
			baseDir:  "/srv/harvest/data",
		},
		{
			name:     "relative data dir",
			lockFile: "data/.lock",
			baseDir:  "data",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateLockFilePath(tt.lockFile, tt.baseDir); err != nil {
				t.Errorf("expected valid path, got error: %v", err)
			}
		})
	}
}

func TestValidateLockFilePath_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		lockFile string
		baseDir  string
	}{
		{
			name:     "parent traversal",
			lockFile: "/srv/harvest/data/../etc/passwd",
			baseDir:  "/srv/harvest/data",
		},
		{
			name:     "traversal at start",
			lockFile: "../data/.lock",
			baseDir:  "/srv/harvest/data",
		},
		{
			name:     "completely different path",
			lockFile: "/etc/passwd",
			baseDir:  "/srv/harvest/data",
		},
		{
			name:     "sibling directory",
			lockFile: "/srv/harvest/other/.lock",
			baseDir:  "/srv/harvest/data",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateLockFilePath(tt.lockFile, tt.baseDir); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestFlock_Contention_NonBlocking(t *testing.T) {
	t.Parallel()

	tmpFile, err := os.CreateTemp(t.TempDir(), "flock-contention-*")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer tmpFile.Close()

	// Open the same file again for the second lock attempt
	tmpFile2, err := os.Open(tmpFile.Name())
	if err != nil {
		t.Fatalf("failed to open temp file second time: %v", err)
	}
	defer tmpFile2.Close()

	fl1 := Flock{tmpFile}
	if err := fl1.Lock(); err != nil {
		t.Fatalf("first lock should succeed: %v", err)
	}

	// Second lock should fail immediately (non-blocking)
	fl2 := Flock{tmpFile2}
	if err := fl2.Lock(); err == nil {
		t.Error("second lock should fail while first lock is held")
	}

	// After unlocking the first, the second should succeed
	if err := fl1.Unlock(); err != nil {
		t.Fatalf("unlock should succeed: %v", err)
	}
	if err := fl2.Lock(); err != nil {
		t.Errorf("second lock should succeed after first is released: %v", err)
	}
	if err := fl2.Unlock(); err != nil {
		t.Errorf("second unlock should succeed: %v", err)
	}
}

func TestFlock_EWOULDBLOCK(t *testing.T) {
	t.Parallel()

	tmpFile, err := os.CreateTemp(t.TempDir(), "flock-ewouldblock-*")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer tmpFile.Close()

	tmpFile2, err := os.Open(tmpFile.Name())
	if err != nil {
		t.Fatalf("failed to open temp file: %v", err)
	}
	defer tmpFile2.Close()

	fl1 := Flock{tmpFile}
	fl2 := Flock{tmpFile2}

	if err := fl1.Lock(); err != nil {
		t.Fatalf("first lock failed: %v", err)
	}
	defer func() { _ = fl1.Unlock() }()

	err = fl2.Lock()
	if err == nil {
		_ = fl2.Unlock()
		t.Fatal("second lock should fail")
	}

	sysErr, ok := err.(*os.SyscallError)
	if !ok {
		t.Fatalf("expected *os.SyscallError, got %T: %v", err, err)
	}
	if errno, ok := sysErr.Err.(syscall.Errno); ok {
		// EWOULDBLOCK is often aliased to EAGAIN
		if errno != syscall.EWOULDBLOCK && errno != syscall.EAGAIN {
			t.Errorf("expected EWOULDBLOCK/EAGAIN, got errno %d", errno)
		}
	}
}

func TestFlock_LockAfterClose(t *testing.T) {
	t.Parallel()

	tmpFile, err := os.CreateTemp(t.TempDir(), "flock-closed-*")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}

	fl := Flock{tmpFile}
	tmpFile.Close()

	if err := fl.Lock(); err == nil {
		t.Error("lock on closed file should fail")
	}
}

func TestFlock_Contention_MultipleGoroutines(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	lockPath := filepath.Join(tmpDir, ".lock")

	lockFile, err := os.Create(lockPath)
	if err != nil {
		t.Fatalf("failed to create lock file: %v", err)
	}
	defer lockFile.Close()

	fl := Flock{lockFile}
	if err := fl.Lock(); err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	defer func() { _ = fl.Unlock() }()

	const numGoroutines = 5
	var failedLocks atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			f, err := os.Open(lockPath)
			if err != nil {
				return
			}
			defer f.Close()

			fl := Flock{f}
			if err := fl.Lock(); err != nil {
				failedLocks.Add(1)
			} else {
				_ = fl.Unlock()
			}
		}()
	}

	wg.Wait()

	if failedLocks.Load() != numGoroutines {
		t.Errorf("expected %d failed locks, got %d", numGoroutines, failedLocks.Load())
	}
}

func TestLockDataDir(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	lockPath := filepath.Join(dataDir, lockFilename)

	release, err := lockDataDir(dataDir)
	if err != nil {
		t.Fatalf("lockDataDir failed: %v", err)
	}

	if _, err := os.Stat(lockPath); err != nil {
		t.Errorf("lock file should exist while held: %v", err)
	}

	// A second engine must be refused while the lock is held.
	if _, err := lockDataDir(dataDir); err == nil {
		t.Error("second lockDataDir should fail while lock is held")
	}

	release()

	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Error("lock file should be removed after release")
	}

	// And a fresh lock succeeds after release.
	release, err = lockDataDir(dataDir)
	if err != nil {
		t.Fatalf("relock after release failed: %v", err)
	}
	release()
}
