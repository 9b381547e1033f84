package postgres

import (
	"context"
	"embed"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var gooseSetup sync.Once
var gooseSetupErr error

func setupGoose() error {
	gooseSetup.Do(func() {
		goose.SetBaseFS(migrationFS)
		gooseSetupErr = goose.SetDialect("postgres")
	})
	return gooseSetupErr
}

// Migrate applies every pending embedded migration.
func (s *Store) Migrate(ctx context.Context) error {
	if err := setupGoose(); err != nil {
		return err
	}
	return goose.UpContext(ctx, s.db, "migrations")
}

// Rollback reverts the most recently applied migration.
func (s *Store) Rollback(ctx context.Context) error {
	if err := setupGoose(); err != nil {
		return err
	}
	return goose.DownContext(ctx, s.db, "migrations")
}

func (s *Store) SchemaVersion(ctx context.Context) (int64, error) {
	if err := setupGoose(); err != nil {
		return 0, err
	}
	return goose.GetDBVersionContext(ctx, s.db)
}
