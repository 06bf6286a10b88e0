package store

import (
	"context"
	_ "embed"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the initial schema. It is safe to call repeatedly: every
// statement is guarded with IF NOT EXISTS. There is no rollback or
// versioned-migration support beyond this single forward application.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return IOError("Migrate", err)
	}
	return nil
}
