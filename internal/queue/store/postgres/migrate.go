package postgres

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationTableName isolates this package's goose version-tracking table
// from the proposals store's, since both run their own independently
// numbered migration sets against the same database.
const migrationTableName = "goose_db_version_queue"

// Migrate applies every pending migration embedded in this package to db,
// using goose's version-tracking table.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	goose.SetTableName(migrationTableName)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("postgres: set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("postgres: run migrations: %w", err)
	}
	return nil
}
