package registry

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/openfroyo/provision/pkg/engine"
)

// ProfileLock serializes writers of one profile. Owners inside this process
// queue on a local monitor; the first of them takes an exclusive OS lock on
// the profile's .lock file, which is kept until no local owner is waiting.
type ProfileLock struct {
	path string

	mu       sync.Mutex
	owner    string
	waiting  int
	released chan struct{}
	file     *os.File
}

// NewProfileLock returns a lock backed by the file at path. The file is
// created on first acquisition.
func NewProfileLock(path string) *ProfileLock {
	return &ProfileLock{
		path:     path,
		released: make(chan struct{}),
	}
}

// Lock acquires the lock for owner, waiting while another local owner holds
// it. It returns false without error when another process holds the OS lock.
// Acquiring a lock the owner already holds is an error.
func (l *ProfileLock) Lock(ctx context.Context, owner string) (bool, error) {
	if owner == "" {
		return false, engine.NewLockError("lock owner must not be empty", nil)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owner == owner {
		return false, engine.NewLockError(fmt.Sprintf("lock already held by %s", owner), nil).
			WithCode(engine.ErrCodeReentrantLock)
	}

	for l.owner != "" {
		ch := l.released
		l.waiting++
		l.mu.Unlock()
		select {
		case <-ch:
			l.mu.Lock()
			l.waiting--
		case <-ctx.Done():
			l.mu.Lock()
			l.waiting--
			if l.owner == "" && l.waiting == 0 {
				l.releaseFile()
			}
			return false, engine.NewCancelError("cancelled waiting for profile lock", ctx.Err())
		}
	}

	if l.file == nil {
		ok, err := l.acquireFile()
		if err != nil || !ok {
			return false, err
		}
	}
	l.owner = owner
	return true, nil
}

// TryLock acquires the lock only if no local owner holds it and no other
// process holds the OS lock.
func (l *ProfileLock) TryLock(owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owner != "" {
		return false, nil
	}
	if l.file == nil {
		ok, err := l.acquireFile()
		if err != nil || !ok {
			return false, err
		}
	}
	l.owner = owner
	return true, nil
}

// Unlock releases a lock held by owner and wakes local waiters.
func (l *ProfileLock) Unlock(owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owner != owner {
		return engine.NewLockError(fmt.Sprintf("lock not held by %s", owner), nil).
			WithCode(engine.ErrCodeNotLocked)
	}
	l.owner = ""
	if l.waiting == 0 {
		l.releaseFile()
	}
	close(l.released)
	l.released = make(chan struct{})
	return nil
}

// Owner returns the current holder, or "" when unlocked.
func (l *ProfileLock) Owner() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

// HeldByProcess reports whether an owner in this process holds the lock.
func (l *ProfileLock) HeldByProcess() bool {
	return l.Owner() != ""
}

// acquireFile opens the lock file and tries the OS lock. Caller holds mu.
func (l *ProfileLock) acquireFile() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return false, engine.NewLockError("failed to open lock file", err)
	}
	ok, err := tryLockFile(f)
	if err != nil || !ok {
		_ = f.Close()
		if err != nil {
			return false, engine.NewLockError("failed to lock "+l.path, err)
		}
		return false, nil
	}
	l.file = f
	return true, nil
}

// releaseFile drops the OS lock. Caller holds mu.
func (l *ProfileLock) releaseFile() {
	if l.file == nil {
		return
	}
	_ = unlockFile(l.file)
	_ = l.file.Close()
	l.file = nil
}
