// Package store persists the aggregate snapshot so that many independent
// writer processes can share one file over time.
//
// Every read-modify-write cycle runs under an exclusive file lock. Saves
// compare the on-disk content hash with the one seen at the caller's last
// Load; when another writer intervened, entries it added are merged into the
// outgoing snapshot rather than overwritten. Writes go to a temp file that is
// renamed over the target, so readers never see a partial document.
package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/torosent/keyshard/internal/aggregate"
	"github.com/torosent/keyshard/internal/metrics"
)

// ErrLockTimeout is returned when the store lock could not be acquired in time.
var ErrLockTimeout = errors.New("store lock timeout")

const (
	DefaultLockTimeout = 10 * time.Second
	DefaultLockRetry   = 50 * time.Millisecond
)

// Options configures a SafeStore.
type Options struct {
	// BackupDir defaults to a "backups" directory next to the store file.
	BackupDir   string
	LockTimeout time.Duration
	LockRetry   time.Duration
	// BackupOnSave copies the prior on-disk state aside before every save.
	BackupOnSave bool
	Logger       *zap.Logger
	Now          func() time.Time
}

func (o Options) normalize(path string) Options {
	if o.BackupDir == "" {
		o.BackupDir = filepath.Join(filepath.Dir(path), "backups")
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.LockRetry <= 0 {
		o.LockRetry = DefaultLockRetry
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// SafeStore is a crash-safe, conflict-aware aggregate snapshot file.
type SafeStore struct {
	path string
	opts Options
	lock *flock.Flock

	// mu guards the cache and is held across each locked cycle, since one
	// flock handle does not exclude goroutines sharing it.
	mu    sync.Mutex
	cache *aggregate.Snapshot
	// hash is the content hash seen at the last load or save; 0 means absent.
	hash uint64

	beforeRename func(tmpPath string) error
}

// Open prepares a store at path. The file itself is created on first save.
func Open(path string, opts Options) (*SafeStore, error) {
	if path == "" {
		return nil, errors.New("store path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve store path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	opts = opts.normalize(abs)
	return &SafeStore{
		path: abs,
		opts: opts,
		lock: flock.New(abs + ".lock"),
	}, nil
}

// Path returns the absolute store file path.
func (s *SafeStore) Path() string { return s.path }

// Load returns the current snapshot. With useCache it returns the cached copy
// when one exists. Load never fails: a corrupt file is recovered from the
// newest valid backup, and a lock timeout falls back to the cache (or an
// empty snapshot when nothing was ever loaded).
func (s *SafeStore) Load(ctx context.Context, useCache bool) *aggregate.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if useCache && s.cache != nil {
		return s.cache.Clone()
	}

	err := s.withFileLock(ctx, func() error {
		snap, hash := s.readLocked()
		s.cache, s.hash = snap, hash
		return nil
	})
	if err != nil {
		s.opts.Logger.Warn("store load degraded to cache", zap.String("path", s.path), zap.Error(err))
		if s.cache != nil {
			return s.cache.Clone()
		}
		return aggregate.New(s.opts.Now())
	}
	return s.cache.Clone()
}

// Save persists snap. Unless force is set, a change made on disk since this
// store's last Load is merged in first: entries present on disk but missing
// from snap are copied over, and the pre-merge disk state is backed up.
// Entries present in both keep snap's values.
func (s *SafeStore) Save(ctx context.Context, snap *aggregate.Snapshot, force bool) error {
	if snap == nil {
		return errors.New("save: nil snapshot")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withFileLock(ctx, func() error {
		raw, exists, err := s.readRaw()
		if err != nil {
			return err
		}
		diskHash := hashOf(raw, exists)
		out := snap.Clone()

		switch {
		case !force && exists && diskHash != s.hash:
			metrics.RecordStoreEvent(metrics.StoreEventConflict)
			if _, err := s.backup(raw, "premerge"); err != nil {
				s.opts.Logger.Warn("pre-merge backup failed", zap.String("path", s.path), zap.Error(err))
			}
			disk, perr := decode(raw)
			if perr != nil {
				s.opts.Logger.Warn("on-disk snapshot unreadable, skipping merge", zap.String("path", s.path), zap.Error(perr))
				break
			}
			added := out.MergeMissing(disk)
			s.opts.Logger.Info("merged concurrent store changes",
				zap.String("path", s.path),
				zap.Strings("added", added))
		case exists && s.opts.BackupOnSave:
			if _, err := s.backup(raw, ""); err != nil {
				s.opts.Logger.Warn("backup failed", zap.String("path", s.path), zap.Error(err))
			}
		}

		out.Recompute()
		return s.writeLocked(out)
	})
}

// Record folds results into the on-disk snapshot in a single locked
// read-modify-write cycle, so concurrent recorders never lose counts.
func (s *SafeStore) Record(ctx context.Context, results ...aggregate.Result) error {
	if len(results) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withFileLock(ctx, func() error {
		if s.opts.BackupOnSave {
			if raw, exists, err := s.readRaw(); err == nil && exists {
				if _, err := s.backup(raw, ""); err != nil {
					s.opts.Logger.Warn("backup failed", zap.String("path", s.path), zap.Error(err))
				}
			}
		}
		snap, _ := s.readLocked()
		for _, r := range results {
			snap.Fold(r)
		}
		return s.writeLocked(snap)
	})
}

func (s *SafeStore) withFileLock(ctx context.Context, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.opts.LockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, s.opts.LockRetry)
	if err != nil || !locked {
		metrics.RecordStoreEvent(metrics.StoreEventLockTimeout)
		if err == nil {
			err = errors.New("lock not acquired")
		}
		return fmt.Errorf("%w: %s: %v", ErrLockTimeout, s.path, err)
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.opts.Logger.Warn("store unlock failed", zap.String("path", s.path), zap.Error(err))
		}
	}()
	return fn()
}

func (s *SafeStore) readRaw() ([]byte, bool, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read store: %w", err)
	}
	return raw, true, nil
}

// readLocked returns the on-disk snapshot and the hash of the bytes read.
// Unreadable or corrupt content is replaced by the newest valid backup.
func (s *SafeStore) readLocked() (*aggregate.Snapshot, uint64) {
	raw, exists, err := s.readRaw()
	if err != nil {
		s.opts.Logger.Warn("store unreadable", zap.String("path", s.path), zap.Error(err))
		return s.recoverFromBackup(), 0
	}
	if !exists {
		return aggregate.New(s.opts.Now()), 0
	}
	hash := hashOf(raw, true)
	snap, err := decode(raw)
	if err == nil {
		return snap, hash
	}
	s.opts.Logger.Warn("store corrupt, recovering from backup", zap.String("path", s.path), zap.Error(err))
	if _, berr := s.backup(raw, "corrupt"); berr != nil {
		s.opts.Logger.Warn("could not preserve corrupt store", zap.String("path", s.path), zap.Error(berr))
	}
	return s.recoverFromBackup(), hash
}

func (s *SafeStore) recoverFromBackup() *aggregate.Snapshot {
	metrics.RecordStoreEvent(metrics.StoreEventRecovery)
	backups, err := s.Backups()
	if err != nil {
		s.opts.Logger.Warn("list backups failed", zap.String("path", s.path), zap.Error(err))
	}
	for _, b := range backups {
		raw, err := os.ReadFile(b.Path)
		if err != nil || !looksValid(raw) {
			continue
		}
		snap, err := decode(raw)
		if err != nil {
			continue
		}
		s.opts.Logger.Info("recovered store from backup", zap.String("path", s.path), zap.String("backup", b.Path))
		return snap
	}
	s.opts.Logger.Warn("no valid backup, starting from an empty store", zap.String("path", s.path))
	return aggregate.New(s.opts.Now())
}

func (s *SafeStore) writeLocked(snap *aggregate.Snapshot) error {
	now := s.opts.Now().UTC()
	if snap.Version == "" {
		snap.Version = aggregate.SchemaVersion
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = now
	}
	snap.LastUpdated = now

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.writeAtomic(data); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	s.cache = snap.Clone()
	s.hash = hashOf(data, true)
	return nil
}

func (s *SafeStore) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	_ = tmp.Chmod(0o644)
	buf := bufio.NewWriter(tmp)
	if _, err := buf.Write(data); err != nil {
		return err
	}
	if err := buf.Flush(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if s.beforeRename != nil {
		if err := s.beforeRename(tmpName); err != nil {
			return err
		}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return err
	}
	tmpName = ""

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func decode(raw []byte) (*aggregate.Snapshot, error) {
	var snap aggregate.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	if snap.Models == nil {
		snap.Models = make(map[string]*aggregate.Node)
	}
	return &snap, nil
}

// hashOf returns the content hash, with 0 reserved for a missing file.
func hashOf(raw []byte, exists bool) uint64 {
	if !exists {
		return 0
	}
	return xxhash.Sum64(raw)
}
