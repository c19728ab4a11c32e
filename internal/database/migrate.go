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

// MigrationResult はマイグレーション実行前後のスキーマバージョン。未適用のバージョンは0。
type MigrationResult struct {
	From    uint
	To      uint
	Applied bool
}

// ErrDirtySchema は前回のマイグレーションが途中で失敗し、スキーマが不整合な状態であることを示す。
// 手動で修復してからバージョンを強制設定するまで、フィードのテーブルには触れない。
var ErrDirtySchema = errors.New("スキーマが不整合な状態です")

// newMigrator は埋め込みのmigrations/*.sqlを読むmigrateインスタンスを生成する。
func newMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("マイグレーションソースの生成に失敗: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("マイグレーションの初期化に失敗: %w", err)
	}
	return m, nil
}

// RunMigrations は未適用のマイグレーションをすべて適用し、前後のバージョンを返す。
// すでに最新の場合はApplied=falseでエラーなしに返る。
func RunMigrations(databaseURL string) (MigrationResult, error) {
	m, err := newMigrator(databaseURL)
	if err != nil {
		return MigrationResult{}, err
	}
	defer m.Close()

	from, err := schemaVersion(m)
	if err != nil {
		return MigrationResult{}, err
	}

	result := MigrationResult{From: from, To: from}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return result, nil
		}
		return result, fmt.Errorf("マイグレーションの適用に失敗: %w", err)
	}

	to, err := schemaVersion(m)
	if err != nil {
		return result, err
	}
	result.To = to
	result.Applied = to != from
	return result, nil
}

// schemaVersion は現在のスキーマバージョンを返す。不整合な状態ならErrDirtySchemaを返す。
func schemaVersion(m *migrate.Migrate) (uint, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("スキーマバージョンの取得に失敗: %w", err)
	}
	if dirty {
		return v, fmt.Errorf("version %d: %w", v, ErrDirtySchema)
	}
	return v, nil
}
