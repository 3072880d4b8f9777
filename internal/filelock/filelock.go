// Package filelock serializes cross-process access to bosun's shared
// resources. It covers the two shapes the orchestrator actually needs:
// one advisory lock per repository root (every worktree and branch mutation
// for a repo funnels through the same lock instance), and atomic
// replacement of small state files under a sibling lock.
package filelock

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// repoLockName is the advisory lock file kept inside a repo's .git
// directory, where it is never committed and never collides with worktree
// contents.
const repoLockName = "bosun-repo.lock"

// RepoLocks hands out one lock per repository root. All holders of the same
// RepoLocks share one flock instance per repo, so goroutines in this process
// queue on the instance while other processes queue on the file.
type RepoLocks struct {
	mu    sync.Mutex
	locks map[string]*flock.Flock
}

// NewRepoLocks creates an empty registry.
func NewRepoLocks() *RepoLocks {
	return &RepoLocks{locks: make(map[string]*flock.Flock)}
}

// lockFor returns the repo's shared lock instance, creating it on first use.
func (r *RepoLocks) lockFor(repoRoot string) *flock.Flock {
	key := filepath.Clean(repoRoot)

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.locks[key]; ok {
		return l
	}
	l := flock.New(filepath.Join(key, ".git", repoLockName))
	r.locks[key] = l
	return l
}

// WithRepo runs fn while holding the repository's exclusive lock, blocking
// until it is available.
func (r *RepoLocks) WithRepo(repoRoot string, fn func() error) error {
	l := r.lockFor(repoRoot)
	if err := l.Lock(); err != nil {
		return fmt.Errorf("lock repository %s: %w", repoRoot, err)
	}
	defer l.Unlock() //nolint:errcheck
	return fn()
}

// ReplaceFile atomically replaces path with data. A sibling ".lock" flock is
// held for the duration so concurrent writers (including other processes
// racing through startup) never interleave, and the content lands via a
// rename so readers never observe a partial write.
func ReplaceFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock state file %s: %w", path, err)
	}
	defer lock.Unlock() //nolint:errcheck

	// The lock makes the fixed staging name safe; a crash leaves at most one
	// .next file behind, overwritten by the next writer.
	staging := path + ".next"
	if err := os.WriteFile(staging, data, 0644); err != nil {
		return fmt.Errorf("stage state file %s: %w", path, err)
	}
	if err := os.Rename(staging, path); err != nil {
		os.Remove(staging)
		return fmt.Errorf("replace state file %s: %w", path, err)
	}
	return nil
}
