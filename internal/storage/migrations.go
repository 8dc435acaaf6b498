package storage

import (
	"context"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Bootstrap applies all pending schema migrations embedded in the binary.
// It is called once at startup, before the server begins accepting requests.
func (postgresql *PostgreSQL) Bootstrap(ctx context.Context) error {
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	if err := goose.UpContext(ctx, postgresql.db, "migrations"); err != nil {
		postgresql.log.Sugar().Errorf("Failed to apply database migrations: %s", err)
		return err
	}

	return nil
}
