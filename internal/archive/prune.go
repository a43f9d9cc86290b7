package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

var archivePattern = regexp.MustCompile(`^materials_.+_(\d+)\.zip$`)

// PruneOptions controls PruneArchives.
type PruneOptions struct {
	MaxAge time.Duration
	DryRun bool
	Now    time.Time
}

// PruneArchives deletes generated archives in dir whose embedded timestamp is
// older than MaxAge and returns their paths. A zero MaxAge prunes nothing. A
// missing directory is not an error. Files that fail to delete are skipped
// and reported in the joined error.
func PruneArchives(ctx context.Context, dir string, opts PruneOptions) ([]string, error) {
	if opts.MaxAge <= 0 {
		return []string{}, nil
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return []string{}, fmt.Errorf("read archive directory: %w", err)
	}
	pruned := []string{}
	var errs []error
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if !e.Type().IsRegular() {
			continue
		}
		m := archivePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		ms, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		if now.Sub(time.UnixMilli(ms)) <= opts.MaxAge {
			continue
		}
		full := filepath.Join(dir, e.Name())
		if !opts.DryRun {
			if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
		}
		pruned = append(pruned, full)
	}
	return pruned, errors.Join(errs...)
}
