package store

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var embeddedMigrations embed.FS

// goose keeps its configuration in package globals
var migrateMu sync.Mutex

// Migrate applies the embedded migrations for the dialect
func Migrate(db *sql.DB, d dialect, logger *logrus.Logger) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(embeddedMigrations)
	if logger != nil {
		goose.SetLogger(logger)
	}
	if err := goose.SetDialect(d.gooseDialect); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	if err := goose.Up(db, d.migrationDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
