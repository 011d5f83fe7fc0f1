// Package reclaimer keeps the recordings tree under the configured
// storage budget by deleting the oldest segment files first. It never
// deletes more than necessary, and relies on the segment window to keep
// the file currently being written newer than any deletion candidate.
package reclaimer

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ebudiman/visionary_nvr/internal/lib/sl"
)

const (
	maxStorageSettingKey = "maxStorageGb"
	gigabyte             = 1024 * 1024 * 1024
)

// SettingProvider reads the advisory storage budget from the registry.
type SettingProvider interface {
	Setting(key string) (string, error)
}

type Reclaimer struct {
	log             *slog.Logger
	settingProvider SettingProvider
	root            string
	defaultMaxGB    int

	mu sync.Mutex // one reclaim pass at a time
}

func New(log *slog.Logger, settingProvider SettingProvider, root string, defaultMaxGB int) *Reclaimer {
	return &Reclaimer{
		log:             log,
		settingProvider: settingProvider,
		root:            root,
		defaultMaxGB:    defaultMaxGB,
	}
}

type candidate struct {
	path    string
	size    int64
	modTime time.Time
}

// Reclaim resolves the budget from the settings store and enforces it.
func (r *Reclaimer) Reclaim() error {
	return r.ReclaimTo(r.maxBytes())
}

// ReclaimTo walks the recordings tree and, if over the given byte
// budget, deletes files oldest-modification-time-first until the total
// drops at or below it. Failures on individual files are logged and
// skipped.
func (r *Reclaimer) ReclaimTo(maxBytes int64) error {
	const op = "service.reclaimer.Reclaim"

	r.mu.Lock()
	defer r.mu.Unlock()

	log := r.log.With(slog.String("op", op))

	files, totalSize, err := collectFiles(r.root)
	if err != nil {
		log.Error("failed to walk recordings tree", sl.Err(err))

		return fmt.Errorf("%s: %w", op, err)
	}

	if totalSize <= maxBytes {
		return nil
	}

	log.Info("storage over budget, cleaning up",
		slog.Int64("total_bytes", totalSize),
		slog.Int64("max_bytes", maxBytes),
	)

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	for _, f := range files {
		if totalSize <= maxBytes {
			break
		}

		if err := os.Remove(f.path); err != nil {
			log.Warn("failed to delete file", slog.String("path", f.path), sl.Err(err))
			continue
		}

		totalSize -= f.size
		log.Info("deleted old recording", slog.String("path", f.path), slog.Int64("size", f.size))
	}

	return nil
}

// Run performs a reclaim pass on every tick until the channel closes.
// Used as the hourly backstop independent of segment-event delivery.
func (r *Reclaimer) Run(ticks <-chan time.Time) {
	for range ticks {
		if err := r.Reclaim(); err != nil {
			r.log.Error("periodic reclaim failed", sl.Err(err))
		}
	}
}

// maxBytes resolves the budget from the settings store, falling back to
// the configured default when the setting is missing or malformed.
func (r *Reclaimer) maxBytes() int64 {
	maxGB := r.defaultMaxGB

	if value, err := r.settingProvider.Setting(maxStorageSettingKey); err == nil {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			maxGB = parsed
		}
	}

	return int64(maxGB) * gigabyte
}

// collectFiles gathers every leaf file under root with its size and
// mtime. A missing root means nothing to reclaim.
func collectFiles(root string) ([]candidate, int64, error) {
	var files []candidate
	var total int64

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		files = append(files, candidate{
			path:    path,
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		total += info.Size()

		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	return files, total, nil
}
