package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// Migrate applies every pending goose migration found at the root of fsys.
func Migrate(ctx context.Context, db *sql.DB, fsys fs.FS) error {
	goose.SetBaseFS(fsys)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("platform/db: goose dialect: %w", err)
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("platform/db: migrate: %w", err)
	}
	return nil
}

// MigrationStatus logs the state of every migration via goose.
func MigrationStatus(ctx context.Context, db *sql.DB, fsys fs.FS) error {
	goose.SetBaseFS(fsys)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("platform/db: goose dialect: %w", err)
	}
	return goose.StatusContext(ctx, db, ".")
}

// Rollback reverts the most recent migration.
func Rollback(ctx context.Context, db *sql.DB, fsys fs.FS) error {
	goose.SetBaseFS(fsys)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("platform/db: goose dialect: %w", err)
	}
	return goose.DownContext(ctx, db, ".")
}
