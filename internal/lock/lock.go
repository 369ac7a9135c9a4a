// Package lock provides the per-path write locks used by swarm tasks and the
// flock-based single-instance lock used by the daemon.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
)

// ErrLockTimeout is returned when a path stays locked until the caller's
// context expires.
var ErrLockTimeout = errors.New("path lock wait timed out")

// PathLocks is a table of exclusive locks keyed by path. Entries are created on
// first use and dropped once nobody holds or waits on them.
type PathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	ch   chan struct{}
	refs int
}

func NewPathLocks() *PathLocks {
	return &PathLocks{
		locks: make(map[string]*pathLock),
	}
}

// Acquire blocks until the path is free or ctx is done. The returned release
// func must be called exactly once.
func (p *PathLocks) Acquire(ctx context.Context, path string) (func(), error) {
	pl := p.ref(path)

	select {
	case pl.ch <- struct{}{}:
	case <-ctx.Done():
		p.unref(path)
		return nil, fmt.Errorf("lock %s: %w", path, ErrLockTimeout)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-pl.ch
			p.unref(path)
		})
	}, nil
}

// TryAcquire takes the lock only if it is free right now.
func (p *PathLocks) TryAcquire(path string) (func(), bool) {
	pl := p.ref(path)
	select {
	case pl.ch <- struct{}{}:
	default:
		p.unref(path)
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-pl.ch
			p.unref(path)
		})
	}, true
}

// Held reports whether path is currently locked.
func (p *PathLocks) Held(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pl, ok := p.locks[path]
	return ok && len(pl.ch) == 1
}

// Len returns the number of live entries (held or waited on).
func (p *PathLocks) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}

func (p *PathLocks) ref(path string) *pathLock {
	p.mu.Lock()
	defer p.mu.Unlock()

	pl, ok := p.locks[path]
	if !ok {
		pl = &pathLock{ch: make(chan struct{}, 1)}
		p.locks[path] = pl
	}
	pl.refs++
	return pl
}

func (p *PathLocks) unref(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pl, ok := p.locks[path]
	if !ok {
		return
	}
	pl.refs--
	if pl.refs <= 0 {
		delete(p.locks, path)
	}
}

// FileLock is an flock(2) guard that keeps a second daemon from starting on
// the same workspace.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock (another daemon may be running): %w", err)
	}

	if err := f.Truncate(0); err != nil {
		fl.release(f)
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		fl.release(f)
		return fmt.Errorf("write PID to lock file: %w", err)
	}

	fl.file = f
	return nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		fl.file = nil
		return fmt.Errorf("release lock: %w", err)
	}
	if err := fl.file.Close(); err != nil {
		fl.file = nil
		return fmt.Errorf("close lock file: %w", err)
	}
	os.Remove(fl.path)
	fl.file = nil
	return nil
}

func (fl *FileLock) release(f *os.File) {
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	f.Close()
}
