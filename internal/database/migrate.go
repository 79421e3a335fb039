// Package database はデータベース接続とマイグレーション管理を提供する。
package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrateDirection はマイグレーションの操作を表す。
type MigrateDirection string

const (
	// MigrateUp は未適用のマイグレーションを全て適用する。
	MigrateUp MigrateDirection = "up"
	// MigrateDown は直近のマイグレーションを1つ戻す。
	MigrateDown MigrateDirection = "down"
	// MigrateVersion は現在のバージョンを表示するのみで変更しない。
	MigrateVersion MigrateDirection = "version"
)

// ParseMigrateDirection は文字列をMigrateDirectionに変換する。空文字列はupとして扱う。
func ParseMigrateDirection(s string) (MigrateDirection, error) {
	switch MigrateDirection(s) {
	case "", MigrateUp:
		return MigrateUp, nil
	case MigrateDown, MigrateVersion:
		return MigrateDirection(s), nil
	default:
		return "", fmt.Errorf("unknown migrate direction %q", s)
	}
}

// MigrationResult はマイグレーション実行後の状態。
type MigrationResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

// NewMigrator は埋め込みSQLをソースとするmigrateインスタンスを生成する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// Migrate は指定の操作を実行し、実行後のバージョンを返す。
// 変更がない場合（ErrNoChange）はエラーにしない。
func Migrate(databaseURL string, direction MigrateDirection) (*MigrationResult, error) {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	result := &MigrationResult{}
	switch direction {
	case MigrateUp:
		err = m.Up()
	case MigrateDown:
		err = m.Steps(-1)
	case MigrateVersion:
	default:
		return nil, fmt.Errorf("unknown migrate direction %q", direction)
	}
	switch {
	case err == nil:
		result.Changed = direction != MigrateVersion
	case errors.Is(err, migrate.ErrNoChange):
	default:
		return nil, fmt.Errorf("failed to run migrations (%s): %w", direction, err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("failed to read migration version: %w", err)
	}
	result.Version = version
	result.Dirty = dirty
	return result, nil
}

// RunMigrations は未適用のマイグレーションを全て適用する。
func RunMigrations(databaseURL string) error {
	_, err := Migrate(databaseURL, MigrateUp)
	return err
}
