package fileops

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"librarian/internal/logging"
)

// Operation names recorded on every file operation log line.
const (
	OpDelete     = "delete"
	OpMark       = "mark_for_deletion"
	OpUnmark     = "unmark_for_deletion"
	OpMarkFailed = "mark_failed"
	OpSweep      = "cleanup_orphaned"
)

// DeleteOptions controls DeleteFile.
type DeleteOptions struct {
	// AllowedBaseDir confines the delete to this directory unless SkipValidation is set.
	AllowedBaseDir string
	// MaterialID is carried on the audit record.
	MaterialID     string
	SkipValidation bool
}

// Ops performs audited filesystem mutations.
type Ops struct {
	logger *slog.Logger
	now    func() time.Time
}

// New returns an Ops that writes audit records to logger.
func New(logger *slog.Logger) *Ops {
	return &Ops{
		logger: logging.NewComponentLogger(logger, "fileops"),
		now:    time.Now,
	}
}

// WithClock returns a copy of o that reads the current time from now.
func (o *Ops) WithClock(now func() time.Time) *Ops {
	clone := *o
	clone.now = now
	return &clone
}

type record struct {
	operation  string
	path       string
	newPath    string
	materialID string
	success    bool
	reason     string
	err        error
}

func (o *Ops) audit(ctx context.Context, r record) {
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "file_operation"),
		logging.String("operation", r.operation),
		logging.String("path", r.path),
		logging.Bool("success", r.success),
		logging.Time("timestamp", o.now().UTC()),
	}
	if r.newPath != "" {
		attrs = append(attrs, logging.String("new_path", r.newPath))
	}
	if r.materialID != "" {
		attrs = append(attrs, logging.String(logging.FieldMaterialID, r.materialID))
	}
	if r.reason != "" {
		attrs = append(attrs, logging.String("reason", r.reason))
	}
	logger := logging.WithContext(ctx, o.logger)
	if r.err != nil {
		attrs = append(attrs, logging.String("error", r.err.Error()))
		logging.ErrorWithContext(logger, "file operation failed", "file_operation",
			append(attrs, logging.String(logging.FieldErrorHint, "check file permissions and disk state"))...)
		return
	}
	logger.Info("file operation", logging.Args(attrs...)...)
}

// DeleteFile removes path. A file that is already gone counts as done: the
// call logs it and returns nil so redelivered jobs stay harmless. Any other
// failure is logged and returned for the caller's retry policy.
func (o *Ops) DeleteFile(ctx context.Context, path string, opts DeleteOptions) error {
	target := path
	if !opts.SkipValidation && strings.TrimSpace(opts.AllowedBaseDir) != "" {
		resolved, err := ValidateAndNormalizePath(path, opts.AllowedBaseDir)
		if err != nil {
			o.audit(ctx, record{operation: OpDelete, path: path, materialID: opts.MaterialID, err: err})
			return err
		}
		target = resolved
	}

	err := os.Remove(target)
	switch {
	case err == nil:
		o.audit(ctx, record{operation: OpDelete, path: target, materialID: opts.MaterialID, success: true})
		return nil
	case errors.Is(err, fs.ErrNotExist):
		o.audit(ctx, record{operation: OpDelete, path: target, materialID: opts.MaterialID, reason: "file not found, treated as already deleted"})
		return nil
	default:
		wrapped := fmt.Errorf("delete %s: %w", target, err)
		o.audit(ctx, record{operation: OpDelete, path: target, materialID: opts.MaterialID, err: wrapped})
		return wrapped
	}
}

// MarkFileForDeletion renames path to a tombstone carrying the current epoch
// milliseconds and returns the new name.
func (o *Ops) MarkFileForDeletion(ctx context.Context, path string) (string, error) {
	marked := path + deletedSuffix(o.now())
	if err := os.Rename(path, marked); err != nil {
		wrapped := fmt.Errorf("mark %s for deletion: %w", path, err)
		o.audit(ctx, record{operation: OpMark, path: path, err: wrapped})
		return "", wrapped
	}
	o.audit(ctx, record{operation: OpMark, path: path, newPath: marked, success: true})
	return marked, nil
}

// UnmarkFileForDeletion strips the trailing tombstone suffix from markedPath,
// restoring the original name. Earlier occurrences of ".deleted_" in the name
// are preserved.
func (o *Ops) UnmarkFileForDeletion(ctx context.Context, markedPath string) (string, error) {
	original, _, ok := SplitTombstone(markedPath)
	if !ok {
		err := fmt.Errorf("unmark %s: %w", markedPath, ErrNotTombstone)
		o.audit(ctx, record{operation: OpUnmark, path: markedPath, err: err})
		return "", err
	}
	if err := os.Rename(markedPath, original); err != nil {
		wrapped := fmt.Errorf("unmark %s: %w", markedPath, err)
		o.audit(ctx, record{operation: OpUnmark, path: markedPath, err: wrapped})
		return "", wrapped
	}
	o.audit(ctx, record{operation: OpUnmark, path: markedPath, newPath: original, success: true})
	return original, nil
}

// MarkFileFailed renames path with a ".failed_<epoch-ms>" suffix so an operator
// can find a deletion that exhausted its retries.
func (o *Ops) MarkFileFailed(ctx context.Context, path, materialID string) (string, error) {
	marked := path + failedSuffix(o.now())
	if err := os.Rename(path, marked); err != nil {
		wrapped := fmt.Errorf("mark %s failed: %w", path, err)
		o.audit(ctx, record{operation: OpMarkFailed, path: path, materialID: materialID, err: wrapped})
		return "", wrapped
	}
	o.audit(ctx, record{operation: OpMarkFailed, path: path, newPath: marked, materialID: materialID, success: true})
	return marked, nil
}
