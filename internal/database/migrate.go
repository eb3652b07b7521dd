// Package database はデータベース接続とマイグレーション管理を提供する。
package database

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// migrationURL はmigrate用のデータベースURLを返す。
func migrationURL(driver Driver, target string) (string, error) {
	switch driver {
	case DriverPostgres:
		return target, nil
	case DriverSQLite:
		return "sqlite://" + strings.TrimPrefix(target, "file:"), nil
	default:
		return "", fmt.Errorf("unsupported storage driver: %q", driver)
	}
}

// NewMigrator はマイグレーション実行用のmigrateインスタンスを生成する。
// targetはOpenと同じ形式で指定する。
func NewMigrator(driver Driver, target string) (*migrate.Migrate, error) {
	dbURL, err := migrationURL(driver, target)
	if err != nil {
		return nil, err
	}

	source, err := iofs.New(migrationsFS, "migrations/"+string(driver))
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// RunMigrations はすべてのマイグレーションを適用する。
// すでに最新の場合はエラーなしで返る。
func RunMigrations(driver Driver, target string) error {
	m, err := NewMigrator(driver, target)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
