package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/torosent/keyshard/internal/metrics"
)

// Backup describes one timestamped copy of the store.
type Backup struct {
	Path string
	Time time.Time
	// Tag is "premerge" or "corrupt" for copies taken on those events.
	Tag  string
	Size int64
}

func (s *SafeStore) stem() string {
	return strings.TrimSuffix(filepath.Base(s.path), filepath.Ext(s.path))
}

// backup writes raw to <stem>.<unixnano>[.<tag>].json in the backup dir.
func (s *SafeStore) backup(raw []byte, tag string) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(s.opts.BackupDir, 0o755); err != nil {
		return "", err
	}
	ts := s.opts.Now().UnixNano()
	for {
		name := s.stem() + "." + strconv.FormatInt(ts, 10)
		if tag != "" {
			name += "." + tag
		}
		path := filepath.Join(s.opts.BackupDir, name+".json")
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			ts++
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(raw); err != nil {
			f.Close()
			os.Remove(path)
			return "", err
		}
		if err := f.Close(); err != nil {
			return "", err
		}
		metrics.RecordStoreEvent(metrics.StoreEventBackup)
		s.opts.Logger.Debug("store backed up", zap.String("path", s.path), zap.String("backup", path))
		return path, nil
	}
}

// Backups lists this store's backups, newest first.
func (s *SafeStore) Backups() ([]Backup, error) {
	entries, err := os.ReadDir(s.opts.BackupDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}
	prefix := s.stem() + "."
	var out []Backup
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json"), ".")
		ns, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			continue
		}
		b := Backup{Path: filepath.Join(s.opts.BackupDir, name), Time: time.Unix(0, ns)}
		if len(parts) > 1 {
			b.Tag = parts[1]
		}
		if info, err := e.Info(); err == nil {
			b.Size = info.Size()
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	return out, nil
}

// PruneBackups removes backups older than maxAge, always keeping the newest
// keep backups regardless of age. It returns the number removed.
func (s *SafeStore) PruneBackups(maxAge time.Duration, keep int) (int, error) {
	backups, err := s.Backups()
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	cutoff := s.opts.Now().Add(-maxAge)
	removed := 0
	var errs []error
	for i, b := range backups {
		if i < keep || !b.Time.Before(cutoff) {
			continue
		}
		if err := os.Remove(b.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.opts.Logger.Info("pruned store backups", zap.String("path", s.path), zap.Int("removed", removed))
	}
	return removed, errors.Join(errs...)
}

// looksValid is a cheap structural check before a backup is decoded.
func looksValid(raw []byte) bool {
	if !gjson.ValidBytes(raw) {
		return false
	}
	models := gjson.GetBytes(raw, "models")
	return !models.Exists() || models.IsObject()
}
