// Package lock guards a data directory against concurrent runs.
package lock

import (
	"fmt"
	"os"
	"syscall"
)

// RunLock is an exclusive flock on a data directory's lock file. Two loom
// processes writing ledger entries under the same data directory would
// interleave updates, so only one run may hold the lock at a time.
type RunLock struct {
	path string
	file *os.File
}

func New(path string) *RunLock {
	return &RunLock{path: path}
}

// TryLock acquires the lock without blocking. The holder's PID is recorded
// in the lock file for diagnostics.
func (rl *RunLock) TryLock() error {
	f, err := os.OpenFile(rl.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock (another run may be in progress): %w", err)
	}

	if err := f.Truncate(0); err != nil {
		rl.release(f)
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		rl.release(f)
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		rl.release(f)
		return fmt.Errorf("write PID to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		rl.release(f)
		return fmt.Errorf("sync lock file: %w", err)
	}

	rl.file = f
	return nil
}

// Unlock releases the lock and removes the lock file.
func (rl *RunLock) Unlock() error {
	if rl.file == nil {
		return nil
	}
	rl.release(rl.file)
	rl.file = nil
	if err := os.Remove(rl.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

func (rl *RunLock) release(f *os.File) {
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}
