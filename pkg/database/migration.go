package database

import (
	"errors"
	"fmt"
	"os"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
)

type migrationLogger struct {
	ectologger.Logger
}

func (l migrationLogger) Verbose() bool {
	return true
}

func (l migrationLogger) Printf(format string, v ...any) {
	l.Infof(format, v...)
}

// MigrationConfig controls how migrations are applied at startup.
type MigrationConfig struct {
	FolderPath string
	Version    uint // 0 means migrate to latest
}

// Migrate applies pending migrations from the configured folder.
func Migrate(db *sqlx.DB, databaseName string, cfg MigrationConfig, logger ectologger.Logger) error {
	folder := resolveFolder(cfg.FolderPath)
	if _, err := os.Stat(folder); err != nil {
		return fmt.Errorf("migration folder %s does not exist: %w", folder, err)
	}

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+folder, databaseName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	m.Log = migrationLogger{logger}

	if cfg.Version > 0 {
		err = m.Migrate(cfg.Version)
	} else {
		err = m.Up()
	}
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("Database schema is up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	logger.Infof("Applied migrations from %s", folder)
	return nil
}

func resolveFolder(path string) string {
	if _, err := os.Stat(path); err == nil {
		return path
	}
	wd, _ := os.Getwd()
	return wd + "/" + path
}
