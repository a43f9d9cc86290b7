// Package materials resolves material identifiers to the metadata ZIP
// generation needs: title, slug and the file path relative to the uploads
// directory.
package materials

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"librarian/internal/config"
	"librarian/internal/logging"
	"librarian/internal/services"
)

// Material is one row of the catalog.
type Material struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	FilePath string `json:"filePath"`
	Slug     string `json:"slug"`
}

// Lookup resolves material IDs. Unknown IDs are omitted from the result, so a
// subset or an empty slice is a normal answer.
type Lookup interface {
	FindByIDs(ctx context.Context, ids []string) ([]Material, error)
	Close() error
}

// Open builds the configured lookup, wrapped in an LRU cache when
// materials.cache_size is positive.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Lookup, error) {
	var (
		base Lookup
		err  error
	)
	switch cfg.Materials.Driver {
	case config.MaterialsPostgres:
		dsn := strings.TrimSpace(cfg.Materials.DSN)
		if dsn == "" {
			dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
		}
		base, err = OpenPostgres(ctx, dsn, cfg.Materials.QueryTimeout.Std())
	case config.MaterialsStatic, "":
		base = NewStatic(cfg.Materials.StaticPath)
	default:
		return nil, services.Wrap(services.ErrConfiguration, "materials", "open",
			fmt.Sprintf("unsupported driver %q", cfg.Materials.Driver), nil)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Materials.CacheSize <= 0 {
		return base, nil
	}
	logging.NewComponentLogger(logger, "materials").Debug("material lookup cache enabled",
		logging.String("driver", cfg.Materials.Driver),
		logging.Int("size", cfg.Materials.CacheSize),
	)
	return NewCached(base, cfg.Materials.CacheSize, defaultCacheTTL), nil
}

const defaultCacheTTL = 10 * time.Minute

// dedupe drops blank and repeated IDs while keeping first-seen order.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// order returns found rows in the order of ids.
func order(ids []string, found map[string]Material) []Material {
	out := make([]Material, 0, len(found))
	for _, id := range ids {
		if m, ok := found[id]; ok {
			out = append(out, m)
		}
	}
	return out
}
