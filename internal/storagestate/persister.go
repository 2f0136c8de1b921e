package storagestate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"browsernerd/internal/logging"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultAutoSaveInterval = 30 * time.Second
	DefaultCaptureTimeout   = 10 * time.Second
)

// State is the persister lifecycle state.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateSaving
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateSaving:
		return "saving"
	case StateClosing:
		return "closing"
	default:
		return "idle"
	}
}

// Options configures a Persister.
type Options struct {
	// Path is the storage state file. Empty keeps state in memory only and
	// disables the background scheduler.
	Path string
	// Fs defaults to the OS filesystem.
	Fs             afero.Fs
	Interval       time.Duration
	CaptureTimeout time.Duration
	// SkipUnchanged lets background checkpoints skip the write when the
	// merged state equals what was last written.
	SkipUnchanged bool
	Logger        *zap.Logger
	// Now is used to drop expired cookies on restore.
	Now func() time.Time
}

// SaveResult describes one checkpoint.
type SaveResult struct {
	ID      string
	Path    string
	Cookies int
	Origins int
	// Written is false when the checkpoint found nothing new to write.
	Written bool
}

// Persister owns the storage state target and the background checkpoint.
type Persister struct {
	surface Surface
	opts    Options
	fs      afero.Fs
	logger  *zap.Logger

	// mu serializes read-merge-write against the target and guards last.
	mu      sync.Mutex
	last    Snapshot
	lastSum [32]byte
	hasSum  bool

	group singleflight.Group

	stateMu sync.Mutex
	state   State

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	closeErr  error
}

// NewPersister builds a persister reading the browser through surface.
func NewPersister(surface Surface, opts Options) *Persister {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultAutoSaveInterval
	}
	if opts.CaptureTimeout <= 0 {
		opts.CaptureTimeout = DefaultCaptureTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Persister{
		surface: surface,
		opts:    opts,
		fs:      opts.Fs,
		logger:  logging.Or(opts.Logger, logging.CategoryStorage),
	}
}

// Path returns the target file, empty for an in-memory target.
func (p *Persister) Path() string { return p.opts.Path }

// State returns the current lifecycle state.
func (p *Persister) State() State {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

// enter moves to s and returns a func restoring Idle. Closing is terminal.
func (p *Persister) enter(s State) func() {
	p.stateMu.Lock()
	if p.state != StateClosing {
		p.state = s
	}
	p.stateMu.Unlock()
	return func() {
		p.stateMu.Lock()
		if p.state != StateClosing {
			p.state = StateIdle
		}
		p.stateMu.Unlock()
	}
}

func (p *Persister) closing() bool {
	return p.State() == StateClosing
}

// Last returns a copy of the last snapshot loaded or written.
func (p *Persister) Last() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last.Clone()
}

// Load reads the target file. A missing file is an empty state. A corrupt
// file is logged and treated as empty so startup never fails on it. Only a
// read error other than not-exist is returned.
func (p *Persister) Load(ctx context.Context) (Snapshot, error) {
	defer p.enter(StateLoading)()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.opts.Path == "" {
		return p.last.Clone(), nil
	}

	snap, err := p.readLocked()
	if err != nil {
		return Snapshot{}, err
	}
	p.last = snap
	if len(snap.Cookies) > 0 || len(snap.Origins) > 0 {
		p.lastSum, p.hasSum = snap.Fingerprint(), true
	}
	p.logger.Info("storage state loaded",
		zap.String("path", p.opts.Path),
		zap.Int("cookies", len(snap.Cookies)),
		zap.Int("origins", len(snap.Origins)))
	return snap.Clone(), nil
}

// readLocked returns the persisted snapshot, empty when absent or corrupt.
func (p *Persister) readLocked() (Snapshot, error) {
	data, err := afero.ReadFile(p.fs, p.opts.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("%w: read %s: %v", ErrPersistenceIO, p.opts.Path, err)
	}
	snap, err := Parse(data)
	if err != nil {
		p.logger.Warn("storage state file is corrupt, continuing without prior state",
			zap.String("path", p.opts.Path), zap.Error(err))
		return Snapshot{}, nil
	}
	return snap, nil
}

// Save captures, merges with the persisted state and writes atomically.
// Errors are returned to the caller. A Save requested while another is in
// flight joins it instead of queueing.
func (p *Persister) Save(ctx context.Context) (SaveResult, error) {
	if p.closing() {
		return SaveResult{}, ErrClosed
	}
	return p.save(ctx, true)
}

// Checkpoint is the background variant of Save: errors are logged, never
// returned, and an unchanged state is not rewritten when SkipUnchanged is set.
func (p *Persister) Checkpoint(ctx context.Context) SaveResult {
	res, err := p.save(ctx, false)
	switch {
	case err == nil:
	case errors.Is(err, ErrCheckpointSkipped):
		p.logger.Info("checkpoint skipped", zap.String("checkpoint", res.ID), zap.Error(err))
	default:
		p.logger.Error("checkpoint failed", zap.String("checkpoint", res.ID), zap.Error(err))
	}
	return res
}

func (p *Persister) save(ctx context.Context, force bool) (SaveResult, error) {
	v, err, _ := p.group.Do("save", func() (interface{}, error) {
		res, err := p.doSave(ctx, force)
		logging.Audit().Checkpoint(res.ID, res.Path, res.Written, res.Cookies, res.Origins, err)
		return res, err
	})
	res, _ := v.(SaveResult)
	return res, err
}

func (p *Persister) doSave(ctx context.Context, force bool) (SaveResult, error) {
	defer p.enter(StateSaving)()
	res := SaveResult{ID: uuid.NewString(), Path: p.opts.Path}

	captureCtx, cancel := context.WithTimeout(ctx, p.opts.CaptureTimeout)
	snap, err := Capture(captureCtx, p.surface, p.logger)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
			errors.Is(captureCtx.Err(), context.DeadlineExceeded) {
			return res, fmt.Errorf("%w: capture: %v", ErrCheckpointSkipped, err)
		}
		return res, fmt.Errorf("capture: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	existing := p.last
	if p.opts.Path != "" {
		// Other persisters and processes may share the target.
		unlock, err := lockTarget(ctx, p.fs, p.opts.Path)
		if err != nil {
			return res, err
		}
		defer unlock()

		existing, err = p.readLocked()
		if err != nil {
			return res, err
		}
	}
	merged := Merge(existing, snap)
	res.Cookies = len(merged.Cookies)
	res.Origins = len(merged.Origins)

	sum := merged.Fingerprint()
	if !force && p.opts.SkipUnchanged && p.hasSum && sum == p.lastSum {
		p.logger.Debug("storage state unchanged, skipping write", zap.String("checkpoint", res.ID))
		p.last = merged
		return res, nil
	}

	if p.opts.Path != "" {
		data, err := merged.Marshal()
		if err != nil {
			return res, err
		}
		if err := writeAtomic(p.fs, p.opts.Path, data); err != nil {
			return res, err
		}
	}

	p.last = merged
	p.lastSum, p.hasSum = sum, true
	res.Written = true
	p.logger.Info("storage state saved",
		zap.String("checkpoint", res.ID),
		zap.String("path", p.opts.Path),
		zap.Int("cookies", res.Cookies),
		zap.Int("origins", res.Origins))
	return res, nil
}

// WriteFile writes snap to path with the same lock, temp-file, backup and
// rename sequence the persister uses.
func WriteFile(fs afero.Fs, path string, snap Snapshot) error {
	data, err := snap.Marshal()
	if err != nil {
		return err
	}
	unlock, err := lockTarget(context.Background(), fs, path)
	if err != nil {
		return err
	}
	defer unlock()
	return writeAtomic(fs, path, data)
}

// MergeFile merges incoming into the state at path and writes the result
// while holding the target lock. A missing file starts empty.
func MergeFile(ctx context.Context, fs afero.Fs, path string, incoming Snapshot) (Snapshot, error) {
	unlock, err := lockTarget(ctx, fs, path)
	if err != nil {
		return Snapshot{}, err
	}
	defer unlock()

	base, err := ReadFile(fs, path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, fmt.Errorf("read %s: %w", path, err)
	}
	merged := Merge(base, incoming)
	data, err := merged.Marshal()
	if err != nil {
		return Snapshot{}, err
	}
	if err := writeAtomic(fs, path, data); err != nil {
		return Snapshot{}, err
	}
	return merged, nil
}

// ReadFile reads and parses a storage state file.
func ReadFile(fs afero.Fs, path string) (Snapshot, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Snapshot{}, err
	}
	return Parse(data)
}

// writeAtomic writes data to a sibling temp file, copies the current file to
// path+".bak" and renames the temp file over path. On any failure the
// current file is left as it was.
func writeAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if ok, _ := afero.DirExists(fs, dir); !ok {
		if err := fs.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("%w: create %s: %v", ErrPersistenceIO, dir, err)
		}
	}

	tmp, err := afero.TempFile(fs, dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrPersistenceIO, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = fs.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: write temp file: %v", ErrPersistenceIO, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: sync temp file: %v", ErrPersistenceIO, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: close temp file: %v", ErrPersistenceIO, err)
	}

	if prev, err := afero.ReadFile(fs, path); err == nil {
		if err := afero.WriteFile(fs, path+".bak", prev, 0o600); err != nil {
			cleanup()
			return fmt.Errorf("%w: write backup: %v", ErrPersistenceIO, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		cleanup()
		return fmt.Errorf("%w: read current file: %v", ErrPersistenceIO, err)
	}

	if err := fs.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("%w: rename: %v", ErrPersistenceIO, err)
	}
	return nil
}

// Start launches the background checkpoint loop. It does nothing for an
// in-memory target or after Close. The loop stops on Close or when ctx ends.
func (p *Persister) Start(ctx context.Context) {
	if p.opts.Path == "" {
		p.logger.Debug("no storage state path, auto-save disabled")
		return
	}
	p.startOnce.Do(func() {
		if p.closing() {
			return
		}
		loopCtx, cancel := context.WithCancel(ctx)
		p.cancel = cancel
		p.done = make(chan struct{})
		go p.loop(loopCtx)
		p.logger.Info("storage state auto-save started",
			zap.String("path", p.opts.Path),
			zap.Duration("interval", p.opts.Interval))
	})
}

func (p *Persister) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Checkpoint(ctx)
		}
	}
}

// Close stops the scheduler and runs exactly one final Save with ctx. It
// returns that save's error. Later calls return the same result.
func (p *Persister) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		// Block a Start racing with Close.
		p.startOnce.Do(func() {})

		p.stateMu.Lock()
		p.state = StateClosing
		p.stateMu.Unlock()

		if p.cancel != nil {
			p.cancel()
			<-p.done
		}

		res, err := p.save(ctx, true)
		if err != nil {
			p.logger.Error("final storage state save failed",
				zap.String("path", p.opts.Path), zap.Error(err))
			p.closeErr = err
			return
		}
		p.logger.Info("final storage state saved",
			zap.String("path", res.Path),
			zap.Int("cookies", res.Cookies),
			zap.Int("origins", res.Origins))
	})
	return p.closeErr
}

// Restore seeds the browser with snap: unexpired cookies are set directly
// and each origin's storage is installed as an init script guarded by that
// origin.
func (p *Persister) Restore(ctx context.Context, snap Snapshot) (err error) {
	now := float64(p.opts.Now().Unix())
	origins := 0
	cookies := make([]Cookie, 0, len(snap.Cookies))
	defer func() {
		logging.Audit().Restore(p.opts.Path, len(cookies), origins, err)
	}()
	for _, c := range snap.Cookies {
		if c.Expired(now) {
			continue
		}
		cookies = append(cookies, c)
	}
	if len(cookies) > 0 {
		if err := p.surface.SetCookies(ctx, cookies); err != nil {
			return fmt.Errorf("restore cookies: %w", err)
		}
	}

	for _, o := range snap.Origins {
		if o.Empty() {
			continue
		}
		script, err := RestoreScript(o)
		if err != nil {
			return fmt.Errorf("build restore script for %s: %w", o.Origin, err)
		}
		if err := p.surface.InjectRestoreScript(ctx, script); err != nil {
			return fmt.Errorf("restore storage for %s: %w", o.Origin, err)
		}
		origins++
	}

	p.logger.Info("storage state restored",
		zap.Int("cookies", len(cookies)),
		zap.Int("skipped_expired", len(snap.Cookies)-len(cookies)),
		zap.Int("origins", origins))
	return nil
}
