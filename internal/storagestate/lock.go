package storagestate

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"
)

const lockRetryDelay = 50 * time.Millisecond

// lockPath is the advisory lock guarding a storage state target.
func lockPath(path string) string { return path + ".lock" }

// lockTarget holds the target's lock until the returned func is called.
// On the OS filesystem this is a flock on path+".lock", shared with every
// process using the same target. Other filesystems only exist inside this
// process and are locked with a per-target channel.
func lockTarget(ctx context.Context, fs afero.Fs, path string) (func(), error) {
	if _, ok := fs.(*afero.OsFs); ok {
		return lockOS(ctx, fs, path)
	}
	return lockLocal(ctx, fs, path)
}

func lockOS(ctx context.Context, fs afero.Fs, path string) (func(), error) {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrPersistenceIO, dir, err)
	}
	fl := flock.New(lockPath(path))
	ok, err := fl.TryLockContext(ctx, lockRetryDelay)
	if !ok || err != nil {
		_ = fl.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lock %s: %v", ErrPersistenceIO, fl.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: lock %s: %v", ErrPersistenceIO, fl.Path(), ctx.Err())
	}
	return func() { _ = fl.Unlock() }, nil
}

type localKey struct {
	fs   afero.Fs
	path string
}

var (
	localMu    sync.Mutex
	localLocks = make(map[localKey]chan struct{})
)

func lockLocal(ctx context.Context, fs afero.Fs, path string) (func(), error) {
	key := localKey{fs: fs, path: filepath.Clean(path)}
	localMu.Lock()
	ch, ok := localLocks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		localLocks[key] = ch
	}
	localMu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: lock %s: %v", ErrPersistenceIO, lockPath(path), ctx.Err())
	}
}
