// Package repotest opens throwaway sqlite stores for tests.
package repotest

import (
	"path/filepath"
	"testing"

	"conversation-engine/backend/internal/repository"
	"conversation-engine/backend/pkg/config"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB returns a migrated sqlite database in t's temp dir.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "store.db")
	db, err := gorm.Open(sqlite.Open(config.SQLiteDSN(path)), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, repository.Migrate(db))
	return db
}
