// Package storagetest opens throwaway storage for tests.
package storagetest

import (
	"testing"

	"github.com/navid-fn/dexmatch/internal/storage"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewSQLite returns storage backed by a migrated in-memory database.
// One connection keeps every query on the same database.
func NewSQLite(t testing.TB) (storage.Storage, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, storage.AutoMigrate(db))
	t.Cleanup(func() { sqlDB.Close() })
	return storage.New(db), db
}
