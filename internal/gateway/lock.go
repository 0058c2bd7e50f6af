// internal/gateway/lock.go
package gateway

import (
	"fmt"
	"os"
	"syscall"
)

// LockFile is the lock file name under the state directory. Every
// tree-mutating pass and command locks the same path.
const LockFile = "worktree.lock"

// WorktreeLock is an advisory flock serializing access to the working tree:
// a bundling pass never runs concurrently with an active lifecycle
// transition, whether they live in one process or two.
type WorktreeLock struct {
	path string
	file *os.File
}

// NewWorktreeLock creates a lock backed by the file at path.
func NewWorktreeLock(path string) *WorktreeLock {
	return &WorktreeLock{path: path}
}

// TryLock acquires the lock without blocking. The holder's PID is written
// to the lock file for diagnostics.
func (l *WorktreeLock) TryLock() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return newError(KindTransient, "lock.acquire",
			fmt.Errorf("working tree is locked by another pass: %w", err))
	}
	if err := f.Truncate(0); err == nil {
		if _, err := f.Seek(0, 0); err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
		}
	}
	l.file = f
	return nil
}

// Unlock releases the lock.
func (l *WorktreeLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	defer func() {
		l.file.Close()
		l.file = nil
	}()
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
