package sqlitebroker

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
)

//go:embed schema.sql
var baseSchema string

// migrations[i] moves a database from user_version i to i+1. Append only.
var migrations = []string{
	baseSchema,
}

// ErrSchemaMismatch reports a database written by a newer librarian.
var ErrSchemaMismatch = errors.New("broker database is newer than this build")

func targetVersion() int { return len(migrations) }

// migrate brings the database up to targetVersion inside one transaction.
// The version lives in SQLite's user_version header field, so a fresh file
// starts at 0.
func (s *Store) migrate(ctx context.Context) error {
	var current int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read broker schema version: %w", err)
	}
	want := targetVersion()
	switch {
	case current == want:
		return nil
	case current > want:
		return fmt.Errorf("%w: %s is at version %d, this build knows %d", ErrSchemaMismatch, s.path, current, want)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin broker migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for v := current; v < want; v++ {
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			return fmt.Errorf("broker migration %d: %w", v+1, err)
		}
	}
	// PRAGMA arguments cannot be bound.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", want)); err != nil {
		return fmt.Errorf("stamp broker schema version %d: %w", want, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit broker migration: %w", err)
	}
	return nil
}
