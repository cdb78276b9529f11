package index

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// BuildGuard serializes builds against one backend subdirectory. The lock
// scope is exactly one directory: two different-backend builds target
// independent locations and must not contend.
//
// A guard pairs an advisory file lock with the build sentinel. The
// sentinel is created when a build starts and removed only after a
// successful save, so a crash leaves it behind for the next Load to
// detect and clean up.
type BuildGuard struct {
	dir string
	fl  *flock.Flock

	mu   sync.Mutex
	held bool
}

// NewBuildGuard creates a guard for a backend subdirectory.
func NewBuildGuard(dir string) *BuildGuard {
	return &BuildGuard{
		dir: dir,
		fl:  flock.New(filepath.Join(dir, LockFile)),
	}
}

// Acquire takes the build lock without blocking and drops the sentinel.
// A held lock means a build is running, whether in another process or on
// this very guard: callers get ErrBuildInProgress and must not touch
// on-disk state. Reentrant acquisition is refused because flock grants
// repeat locks to the descriptor that already owns them, which would let
// one caller dismantle another's in-flight build.
func (g *BuildGuard) Acquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return ErrBuildInProgress
	}
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return fmt.Errorf("create index dir %s: %w", g.dir, err)
	}
	locked, err := g.fl.TryLock()
	if err != nil {
		return fmt.Errorf("acquire build lock: %w", err)
	}
	if !locked {
		return ErrBuildInProgress
	}
	if err := os.WriteFile(g.sentinelPath(), nil, 0o644); err != nil {
		_ = g.fl.Unlock()
		return fmt.Errorf("create build sentinel: %w", err)
	}
	g.held = true
	return nil
}

// Release unlocks the guard. On success the sentinel is removed; on
// failure it is deliberately left behind so the partial build is detected
// by the next Load. Releasing a guard that is not held is a no-op.
func (g *BuildGuard) Release(success bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.held {
		return nil
	}
	g.held = false
	var first error
	if success {
		if err := os.Remove(g.sentinelPath()); err != nil && !os.IsNotExist(err) {
			first = fmt.Errorf("remove build sentinel: %w", err)
		}
	}
	if err := g.fl.Unlock(); err != nil && first == nil {
		first = fmt.Errorf("release build lock: %w", err)
	}
	return first
}

// Held reports whether this guard currently holds the lock.
func (g *BuildGuard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

func (g *BuildGuard) sentinelPath() string {
	return filepath.Join(g.dir, SentinelFile)
}

// StaleBuild reports whether a backend subdirectory carries a sentinel
// from a crashed or incomplete build.
func StaleBuild(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, SentinelFile))
	return err == nil
}

// CleanupStale removes the sentinel and any leftover temp artifacts from
// a crashed build: .tmp-* files from interrupted atomic writes and tmp-*/
// old-* directories from an interrupted rebuild swap.
func CleanupStale(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read index dir %s: %w", dir, err)
	}
	for _, e := range entries {
		name := e.Name()
		switch {
		case name == SentinelFile,
			strings.HasPrefix(name, ".tmp-"),
			strings.HasPrefix(name, "tmp-"),
			strings.HasPrefix(name, "old-"):
			if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
				return fmt.Errorf("remove stale artifact %s: %w", name, err)
			}
		}
	}
	return nil
}
