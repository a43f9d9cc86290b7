package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"librarian/internal/fileops"
	"librarian/internal/logging"
	"librarian/internal/materials"
	"librarian/internal/queue"
	"librarian/internal/services"
)

// entry is one archive member produced by a source check.
type entry struct {
	name       string
	slug       string
	title      string
	source     string
	materialID string
}

func (e entry) missing() entry {
	return entry{name: entryName(e.slug + "_NOT_FOUND.txt"), slug: e.slug, title: e.title, materialID: e.materialID}
}

// Process is the queue.Processor for ZIP jobs.
func (g *Generator) Process(ctx context.Context, job *queue.Job) (any, error) {
	var payload Payload
	if err := job.Decode(&payload); err != nil {
		return nil, queue.Unrecoverable(services.Wrap(services.ErrValidation, "archive", "decode payload", "", err))
	}
	requestID := payload.RequestID
	if requestID == "" {
		requestID = job.ID
	}
	logger := logging.WithContext(ctx, g.logger).With(logging.String(logging.FieldRequestID, requestID))

	found, err := g.lookup.FindByIDs(ctx, payload.MaterialIDs)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "archive", "resolve materials", requestID, err)
	}
	if len(found) == 0 {
		return nil, queue.Unrecoverable(services.Wrap(services.ErrNotFound, "archive", "resolve materials", requestID, ErrNoMaterials))
	}
	items := perRequest(payload.MaterialIDs, found)

	if err := os.MkdirAll(g.opts.ZipDir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrTransient, "archive", "create archive directory", g.opts.ZipDir, err)
	}
	fileName := ArchiveName(requestID, g.now())
	finalPath := filepath.Join(g.opts.ZipDir, fileName)

	size, err := g.build(ctx, job, finalPath, items, logger)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "archive", "write archive", fileName, err)
	}

	result := Result{
		RequestID:     requestID,
		FilePath:      finalPath,
		FileName:      fileName,
		FileSize:      size,
		MaterialCount: len(items),
		CompletedAt:   g.now().UTC(),
		DownloadURL:   downloadURL(g.opts.DownloadURLPrefix, fileName),
	}
	logger.Info("zip archive ready",
		logging.String("file", finalPath),
		logging.Int64("size_bytes", size),
		logging.Int("material_count", len(items)),
		logging.Int("resolved", len(found)),
	)
	return result, nil
}

// perRequest returns one material per requested id, in request order.
// Repeated ids repeat their material. An id the lookup did not return becomes
// a material titled by the id with no file, which packages as a placeholder.
func perRequest(ids []string, found []materials.Material) []materials.Material {
	byID := make(map[string]materials.Material, len(found))
	for _, m := range found {
		byID[m.ID] = m
	}
	items := make([]materials.Material, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if m, ok := byID[id]; ok {
			items = append(items, m)
			continue
		}
		items = append(items, materials.Material{ID: id, Title: id})
	}
	return items
}

// build writes the archive to a temp file beside finalPath and renames it on
// success. The returned size is that of the finished archive.
func (g *Generator) build(ctx context.Context, job *queue.Job, finalPath string, items []materials.Material, logger *slog.Logger) (size int64, err error) {
	tmp, err := os.CreateTemp(filepath.Dir(finalPath), "."+filepath.Base(finalPath)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	zw := zip.NewWriter(tmp)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})

	runCtx, cancel := context.WithCancel(ctx)
	entries := make(chan entry)
	checks, checkCtx := errgroup.WithContext(runCtx)
	checks.SetLimit(g.opts.CheckConcurrency)
	go func() {
		defer close(entries)
		for _, m := range items {
			checks.Go(func() error {
				e := g.check(m, logger)
				select {
				case entries <- e:
					return nil
				case <-checkCtx.Done():
					return checkCtx.Err()
				}
			})
		}
		_ = checks.Wait()
	}()
	defer func() {
		cancel()
		for range entries {
		}
	}()

	names := make(map[string]int, len(items))
	total := float64(len(items))
	done := 0
	for e := range entries {
		if err := g.write(zw, e, names, logger); err != nil {
			return 0, err
		}
		done++
		if perr := job.UpdateProgress(ctx, float64(done)/total*100); perr != nil {
			logger.Debug("zip progress not recorded", logging.Error(perr))
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if done != len(items) {
		return 0, fmt.Errorf("archive incomplete: %d of %d entries written", done, len(items))
	}

	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("finalize archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("sync archive: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return 0, fmt.Errorf("publish archive: %w", err)
	}
	return info.Size(), nil
}

// check decides whether m is packaged from disk or as a placeholder. It only
// reads metadata.
func (g *Generator) check(m materials.Material, logger *slog.Logger) entry {
	base := entry{slug: entrySlug(m), title: m.Title, materialID: m.ID}
	missing := base.missing()
	if strings.TrimSpace(m.FilePath) == "" {
		return missing
	}
	source, err := fileops.ValidateAndNormalizePath(m.FilePath, g.opts.UploadsDir)
	if err != nil {
		logging.WarnWithContext(logger, "material path rejected", "zip_material_path_rejected",
			logging.String(logging.FieldMaterialID, m.ID),
			logging.String("path", m.FilePath),
			logging.Error(err),
			logging.String(logging.FieldImpact, "material packaged as a not-found placeholder"),
			logging.String(logging.FieldErrorHint, "material file paths must stay inside paths.uploads_dir"),
		)
		return missing
	}
	info, err := os.Stat(source)
	if err != nil || !info.Mode().IsRegular() || unix.Access(source, unix.R_OK) != nil {
		return missing
	}
	base.name = entryName(base.slug + "_" + filepath.Base(source))
	base.source = source
	return base
}

// write appends e. A source that vanished since the check becomes a
// placeholder; errors on the archive itself are returned.
func (g *Generator) write(zw *zip.Writer, e entry, names map[string]int, logger *slog.Logger) error {
	if e.source != "" {
		f, err := os.Open(e.source)
		if err == nil {
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return fmt.Errorf("stat %s: %w", e.source, err)
			}
			hdr, err := zip.FileInfoHeader(info)
			if err != nil {
				return fmt.Errorf("header %s: %w", e.name, err)
			}
			hdr.Name = uniqueName(names, e.name)
			hdr.Method = zip.Deflate
			w, err := zw.CreateHeader(hdr)
			if err != nil {
				return fmt.Errorf("add %s: %w", e.name, err)
			}
			if _, err := io.Copy(w, f); err != nil {
				return fmt.Errorf("copy %s: %w", e.name, err)
			}
			return nil
		}
		logger.Debug("zip source vanished after check",
			logging.String(logging.FieldMaterialID, e.materialID),
			logging.String("path", e.source),
			logging.Error(err),
		)
		e = e.missing()
	}
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     uniqueName(names, e.name),
		Method:   zip.Deflate,
		Modified: g.now(),
	})
	if err != nil {
		return fmt.Errorf("add %s: %w", e.name, err)
	}
	if _, err := io.WriteString(w, "File not found: "+e.title); err != nil {
		return fmt.Errorf("write %s: %w", e.name, err)
	}
	return nil
}

// uniqueName suffixes repeated entry names with _2, _3 and so on.
func uniqueName(seen map[string]int, name string) string {
	seen[name]++
	n := seen[name]
	if n == 1 {
		return name
	}
	ext := filepath.Ext(name)
	candidate := strings.TrimSuffix(name, ext) + "_" + strconv.Itoa(n) + ext
	for seen[candidate] > 0 {
		n++
		candidate = strings.TrimSuffix(name, ext) + "_" + strconv.Itoa(n) + ext
	}
	seen[candidate] = 1
	return candidate
}
