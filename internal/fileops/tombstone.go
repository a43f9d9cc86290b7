package fileops

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"librarian/internal/logging"
)

// DefaultOrphanMaxAge is the tombstone retention used when CleanupOptions.MaxAge is zero.
const DefaultOrphanMaxAge = 24 * time.Hour

// ErrNotTombstone reports a path without a trailing ".deleted_<digits>" suffix.
var ErrNotTombstone = errors.New("path is not a deletion tombstone")

var (
	tombstonePattern = regexp.MustCompile(`^(.+)\.deleted_(\d+)$`)
	failedPattern    = regexp.MustCompile(`^(.+)\.failed_(\d+)$`)
)

func deletedSuffix(now time.Time) string {
	return ".deleted_" + strconv.FormatInt(now.UnixMilli(), 10)
}

func failedSuffix(now time.Time) string {
	return ".failed_" + strconv.FormatInt(now.UnixMilli(), 10)
}

// SplitTombstone separates a tombstoned path into the original path and the
// time it was marked. ok is false when the name does not end in a well-formed
// ".deleted_<epoch-ms>" suffix.
func SplitTombstone(path string) (original string, markedAt time.Time, ok bool) {
	dir, name := filepath.Split(path)
	m := tombstonePattern.FindStringSubmatch(name)
	if m == nil {
		return "", time.Time{}, false
	}
	ms, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return dir + m[1], time.UnixMilli(ms), true
}

// ParseTombstone returns the mark time embedded in a tombstone file name.
func ParseTombstone(name string) (time.Time, bool) {
	_, markedAt, ok := SplitTombstone(filepath.Base(name))
	return markedAt, ok
}

// Tombstone describes a soft-deleted or failed file found in an uploads directory.
type Tombstone struct {
	Path     string
	Original string
	MarkedAt time.Time
	Failed   bool
}

// ListTombstones returns tombstoned and failed files in dir, oldest first.
func ListTombstones(dir string) ([]Tombstone, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []Tombstone
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		full := filepath.Join(dir, name)
		if m := failedPattern.FindStringSubmatch(name); m != nil {
			if ms, err := strconv.ParseInt(m[2], 10, 64); err == nil {
				out = append(out, Tombstone{Path: full, Original: filepath.Join(dir, m[1]), MarkedAt: time.UnixMilli(ms), Failed: true})
			}
			continue
		}
		if original, markedAt, ok := SplitTombstone(full); ok {
			out = append(out, Tombstone{Path: full, Original: original, MarkedAt: markedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarkedAt.Before(out[j].MarkedAt) })
	return out, nil
}

// CleanupOptions controls CleanupOrphanedFiles.
type CleanupOptions struct {
	DryRun bool
	// MaxAge is the minimum tombstone age before deletion. Zero means DefaultOrphanMaxAge.
	MaxAge time.Duration
}

// CleanupOrphanedFiles deletes tombstones in uploadsDir older than MaxAge and
// returns their paths. In dry-run mode nothing is removed and the paths that
// would be deleted are returned. The sweep is best effort: an unreadable
// directory yields an empty result and per-file failures are logged and
// skipped.
func (o *Ops) CleanupOrphanedFiles(ctx context.Context, uploadsDir string, opts CleanupOptions) []string {
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultOrphanMaxAge
	}
	logger := logging.WithContext(ctx, o.logger)
	deleted := []string{}

	entries, err := os.ReadDir(uploadsDir)
	if err != nil {
		logging.WarnWithContext(logger, "orphan sweep could not read uploads directory", "orphan_sweep_read_failed",
			logging.String("dir", uploadsDir),
			logging.Error(err),
			logging.String(logging.FieldImpact, "no tombstones removed this run"),
			logging.String(logging.FieldErrorHint, "verify paths.uploads_dir exists and is readable"),
		)
		return deleted
	}

	now := o.now()
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if entry.IsDir() {
			continue
		}
		full := filepath.Join(uploadsDir, entry.Name())
		_, markedAt, ok := SplitTombstone(full)
		if !ok {
			continue
		}
		age := now.Sub(markedAt)
		if age <= maxAge {
			continue
		}
		if opts.DryRun {
			logger.Info("orphan sweep would delete tombstone",
				logging.String(logging.FieldEventType, "orphan_sweep_dry_run"),
				logging.String("path", full),
				logging.Duration("age", age),
			)
			deleted = append(deleted, full)
			continue
		}
		if err := os.Remove(full); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			o.audit(ctx, record{operation: OpSweep, path: full, err: err})
			continue
		}
		o.audit(ctx, record{operation: OpSweep, path: full, success: true})
		deleted = append(deleted, full)
	}
	return deleted
}
