package materials

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"librarian/internal/services"
)

const findByIDsQuery = `SELECT id::text, title, file_path, COALESCE(slug, '')
FROM materials
WHERE id::text = ANY($1)`

// Querier is the subset of pgxpool.Pool the lookup uses.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres reads materials from the library database.
type Postgres struct {
	db      Querier
	pool    *pgxpool.Pool
	timeout time.Duration
}

// OpenPostgres connects a pool to dsn and pings it.
func OpenPostgres(ctx context.Context, dsn string, timeout time.Duration) (*Postgres, error) {
	if dsn == "" {
		return nil, services.Wrap(services.ErrConfiguration, "materials", "open postgres", "materials.dsn or DATABASE_URL is required", nil)
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "materials", "parse dsn", "", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create material pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, services.Wrap(services.ErrTransient, "materials", "ping postgres", "", err)
	}
	p := NewPostgres(pool, timeout)
	p.pool = pool
	return p, nil
}

// NewPostgres wraps an existing connection.
func NewPostgres(db Querier, timeout time.Duration) *Postgres {
	return &Postgres{db: db, timeout: timeout}
}

// FindByIDs implements Lookup.
func (p *Postgres) FindByIDs(ctx context.Context, ids []string) ([]Material, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return []Material{}, nil
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	rows, err := p.db.Query(ctx, findByIDsQuery, ids)
	if err != nil {
		return nil, fmt.Errorf("query materials: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Material, error) {
		var m Material
		err := row.Scan(&m.ID, &m.Title, &m.FilePath, &m.Slug)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan materials: %w", err)
	}
	found := make(map[string]Material, len(items))
	for _, m := range items {
		found[m.ID] = m
	}
	return order(ids, found), nil
}

// Close releases the pool when OpenPostgres created it.
func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}
