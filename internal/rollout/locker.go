package rollout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/aelpxy/roll/internal/fault"
)

// Locker guards a workload so only one rollout drives it at a time.
type Locker interface {
	// TryLock fails with a concurrent-rollout error when the workload is
	// already held.
	TryLock(workload string) error
	Unlock(workload string)
}

func lockHeld(workload string) error {
	return &fault.Error{
		Kind: fault.ConcurrentRollout,
		Op:   "lock",
		Help: "wait for the running rollout to finish or cancel it",
		Err:  fmt.Errorf("a rollout of %s is already in progress", workload),
	}
}

// MemoryLocker serializes rollouts inside one process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: map[string]bool{}}
}

func (l *MemoryLocker) TryLock(workload string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[workload] {
		return lockHeld(workload)
	}
	l.held[workload] = true
	return nil
}

func (l *MemoryLocker) Unlock(workload string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, workload)
}

// FileLocker holds one O_EXCL lock file per workload, so separate roll
// processes on the same host exclude each other too. A lock left by a dead
// process is taken over.
type FileLocker struct {
	lockDir string
}

func NewFileLocker(lockDir string) (*FileLocker, error) {
	if err := os.MkdirAll(lockDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FileLocker{lockDir: lockDir}, nil
}

func (lm *FileLocker) path(workload string) string {
	return filepath.Join(lm.lockDir, strings.ReplaceAll(workload, "/", "_")+".lock")
}

// TryLock never waits for a live holder.
func (lm *FileLocker) TryLock(workload string) error {
	lockFile := lm.path(workload)

	// one takeover of a stale lock, then the create either wins or loses
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(lockFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create lock file: %w", err)
		}
		if !lm.stale(lockFile) {
			return lockHeld(workload)
		}
		os.Remove(lockFile)
	}
	return lockHeld(workload)
}

// stale reports whether the pid recorded in lockFile is gone. A file
// still being written by its owner reads as held.
func (lm *FileLocker) stale(lockFile string) bool {
	data, err := os.ReadFile(lockFile)
	if err != nil {
		return false
	}
	var pid int
	if n, _ := fmt.Sscanf(string(data), "%d", &pid); n != 1 || pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == syscall.ESRCH
}

func (lm *FileLocker) Unlock(workload string) {
	os.Remove(lm.path(workload))
}

func (lm *FileLocker) IsLocked(workload string) bool {
	_, err := os.Stat(lm.path(workload))
	return err == nil
}
