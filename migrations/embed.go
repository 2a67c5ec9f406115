// Package migrations embeds the goose SQL migrations.
package migrations

import (
	"context"
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

// FS holds every migration file.
//
//go:embed *.sql
var FS embed.FS

// Dir is the migrations directory inside FS.
const Dir = "."

// Setup points goose at the embedded migrations.
func Setup() error {
	goose.SetBaseFS(FS)
	return goose.SetDialect("postgres")
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	if err := Setup(); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, Dir)
}

// Versions returns the schema version applied to db and the newest
// embedded migration.
func Versions(ctx context.Context, db *sql.DB) (current, latest int64, err error) {
	if err := Setup(); err != nil {
		return 0, 0, err
	}
	if current, err = goose.GetDBVersionContext(ctx, db); err != nil {
		return 0, 0, err
	}
	all, err := goose.CollectMigrations(Dir, 0, goose.MaxVersion)
	if err != nil {
		return 0, 0, err
	}
	last, err := all.Last()
	if err != nil {
		return 0, 0, err
	}
	return current, last.Version, nil
}
